package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the dispatch layer.
var (
	// ErrShutdown indicates the transport or registry has been shut down.
	ErrShutdown = errors.New("lsp shut down")

	// ErrNoServer indicates no server definition matches the target.
	ErrNoServer = errors.New("no server for target")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrAlreadyStarted indicates the server process was already started.
	ErrAlreadyStarted = errors.New("server already started")

	// ErrInvalidResponse indicates a response the client could not decode.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error from a server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// ServerError wraps an error with the identity of the server it relates to.
type ServerError struct {
	ID  ServerID
	Err error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
