package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/dshills/lspmux/internal/future"
)

// Transport handles JSON-RPC 2.0 communication over stdio.
// It implements the LSP base protocol with Content-Length headers.
// Requests produce futures; canceling a request future sends a
// $/cancelRequest notification so cancellation reaches the server.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger zerolog.Logger

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]*future.Future[json.RawMessage]
	handlers map[string]NotificationHandler

	closed atomic.Bool
	done   chan struct{}
}

// NotificationHandler handles incoming notifications from the server.
type NotificationHandler func(method string, params json.RawMessage)

// rpcRequest represents an outgoing JSON-RPC request or notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// cancelParams are the parameters of a $/cancelRequest notification.
type cancelParams struct {
	ID int64 `json:"id"`
}

// NewTransport creates a new transport over the given connection.
// The reader and writer are typically the server process's stdout and stdin.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger zerolog.Logger) *Transport {
	return &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		logger:   logger,
		pending:  make(map[int64]*future.Future[json.RawMessage]),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// Start begins reading messages from the connection.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close closes the transport. Every pending request fails with ErrShutdown.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	close(t.done)

	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]*future.Future[json.RawMessage])
	t.mu.Unlock()

	for _, f := range pending {
		f.Fail(ErrShutdown)
	}

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// Request sends a request and returns its pending result. Canceling the
// returned future unregisters the request and notifies the server with
// $/cancelRequest.
func (t *Transport) Request(method string, params any) *future.Future[json.RawMessage] {
	if t.closed.Load() {
		return future.Failed[json.RawMessage](ErrShutdown)
	}

	id := t.nextID.Add(1)
	f := future.New[json.RawMessage]()

	t.mu.Lock()
	t.pending[id] = f
	t.mu.Unlock()

	req := &rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		t.unregister(id)
		f.Fail(fmt.Errorf("send request: %w", err))
		return f
	}

	f.OnSettle(func(_ json.RawMessage, err error) {
		if !errors.Is(err, future.ErrCanceled) {
			return
		}
		t.unregister(id)
		if !t.closed.Load() {
			notif := &rpcRequest{JSONRPC: "2.0", Method: "$/cancelRequest", Params: cancelParams{ID: id}}
			if err := t.send(notif); err != nil {
				t.logger.Debug().Err(err).Int64("id", id).Msg("failed to send cancel notification")
			}
		}
	})

	return f
}

// Call sends a request and blocks until its response arrives, decoding the
// result into result when non-nil. Used for the initialize handshake where
// the caller has nothing else to do.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	f := t.Request(method, params)

	raw, err := f.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			f.Cancel()
		}
		return err
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// Notify sends a notification (no response expected).
func (t *Transport) Notify(method string, params any) error {
	if t.closed.Load() {
		return ErrShutdown
	}
	return t.send(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// OnNotification registers a handler for server notifications. The method
// "*" registers a wildcard handler.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// IsClosed returns true if the transport has been closed.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}

func (t *Transport) unregister(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// send writes a message with the LSP Content-Length header.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readLoop reads messages from the connection until closed.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if t.closed.Load() || err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			t.logger.Debug().Err(err).Msg("failed to read message")
			continue
		}

		t.dispatch(msg)
	}
}

// readMessage reads a single framed LSP message.
func (t *Transport) readMessage() (json.RawMessage, error) {
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break // end of headers
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if length, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
					contentLength = length
				}
			}
		}
		// Content-Type and other headers are ignored.
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// dispatch routes a message to its waiting request or notification handler.
// Message kind is sniffed without a full decode: a message with an id and a
// result or error is a response, one with a method is a notification.
func (t *Transport) dispatch(data json.RawMessage) {
	msg := gjson.ParseBytes(data)
	id := msg.Get("id")
	method := msg.Get("method")

	if id.Exists() && !method.Exists() {
		t.handleResponse(id.Int(), msg, data)
		return
	}

	if method.Exists() {
		t.handleNotification(method.String(), data)
	}
}

// handleResponse settles the pending request future for a response.
func (t *Transport) handleResponse(id int64, msg gjson.Result, data []byte) {
	t.mu.Lock()
	f, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return // canceled or unknown; drop
	}

	if errVal := msg.Get("error"); errVal.Exists() {
		rpcErr := &RPCError{}
		if err := json.Unmarshal([]byte(errVal.Raw), rpcErr); err != nil {
			rpcErr = &RPCError{Code: CodeInternalError, Message: errVal.Raw}
		}
		f.Fail(rpcErr)
		return
	}

	result := msg.Get("result")
	if !result.Exists() {
		f.Complete(nil)
		return
	}
	// Reference the raw bytes of the result within the message body.
	f.Complete(json.RawMessage(result.Raw))
}

// handleNotification routes a notification to its handler.
func (t *Transport) handleNotification(method string, data []byte) {
	params := json.RawMessage(gjson.GetBytes(data, "params").Raw)

	t.mu.Lock()
	handler, ok := t.handlers[method]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		// Run in a goroutine so a slow handler cannot block the read loop.
		go handler(method, params)
	}
}
