package lsp

import (
	"encoding/json"

	"github.com/dshills/lspmux/internal/future"
)

// ServerID identifies a server definition, e.g. "gopls".
type ServerID string

// ProjectRoot identifies a project by its root directory.
type ProjectRoot string

// Handle is a live connection to one language server, the surface operations
// dispatch against. Capabilities resolve asynchronously because they are not
// known until the server has finished starting. Handles are shared across
// concurrent operations; implementations must tolerate overlapping use.
type Handle interface {
	// ID returns the identity of the server definition behind this handle.
	ID() ServerID

	// Capabilities resolves to the capability set the server declared
	// during initialization.
	Capabilities() *future.Future[ServerCapabilities]

	// Connect associates a document with the server (didOpen handshake),
	// resolving to the handle once the document is known to the server.
	Connect(uri DocumentURI) *future.Future[Handle]

	// Request dispatches a raw request and returns its pending result.
	// Canceling the returned future cancels the request on the server.
	Request(method string, params any) *future.Future[json.RawMessage]

	// Notify sends a notification (no response expected).
	Notify(method string, params any) error
}

// Candidate pairs a server identity with its pending handle. The handle
// future resolves to nil when the server is unavailable for the target:
// unavailability is an outcome, not an error.
type Candidate struct {
	ID     ServerID
	Handle *future.Future[Handle]
}

// ConnectionRegistry resolves the candidate servers for a target. It is the
// collaborator boundary between dispatch and server lifecycle management.
type ConnectionRegistry interface {
	// ForDocument returns the servers currently serving a document, in
	// candidate order.
	ForDocument(uri DocumentURI) []Candidate

	// ForProject returns the servers known to have served a project and
	// matching the filter. When excludeInactive is false, matching servers
	// that have since stopped are restarted.
	ForProject(root ProjectRoot, filter CapabilityFilter, excludeInactive bool) []Candidate
}
