package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/lspmux/internal/future"
)

// testConn wires a Transport to an in-process peer over pipes. The peer
// pumps every frame the transport sends into frames, and replies are
// written with reply/notify.
type testConn struct {
	t         *testing.T
	transport *Transport
	frames    chan gjson.Result
	toClient  *io.PipeWriter
}

func newTestConn(t *testing.T) *testConn {
	t.Helper()

	serverReader, clientWriter := io.Pipe() // transport -> peer
	clientReader, serverWriter := io.Pipe() // peer -> transport

	tr := NewTransport(clientReader, clientWriter, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)

	c := &testConn{
		t:         t,
		transport: tr,
		frames:    make(chan gjson.Result, 16),
		toClient:  serverWriter,
	}

	go func() {
		br := bufio.NewReader(serverReader)
		for {
			body, err := readFrame(br)
			if err != nil {
				return
			}
			c.frames <- gjson.ParseBytes(body)
		}
	}()

	t.Cleanup(func() {
		cancel()
		serverReader.Close()
		clientReader.Close()
		serverWriter.Close()
		clientWriter.Close()
	})
	return c
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	length := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			length, _ = strconv.Atoi(strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
		}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}

// next returns the next frame the transport sent, failing the test after a
// bounded wait.
func (c *testConn) next() gjson.Result {
	c.t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for an outgoing frame")
		return gjson.Result{}
	}
}

// write sends a raw JSON body to the transport with framing headers.
func (c *testConn) write(body string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.toClient, "Content-Length: %d\r\n\r\n%s", len(body), body)
	require.NoError(c.t, err)
}

func awaitRaw(t *testing.T, f *future.Future[json.RawMessage]) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := f.Await(ctx)
	require.NoError(t, err)
	return raw
}

func TestTransport_RequestResponse(t *testing.T) {
	c := newTestConn(t)

	f := c.transport.Request("textDocument/hover", map[string]int{"n": 1})

	req := c.next()
	assert.Equal(t, "2.0", req.Get("jsonrpc").String())
	assert.Equal(t, "textDocument/hover", req.Get("method").String())
	assert.Equal(t, int64(1), req.Get("params.n").Int())
	id := req.Get("id").Int()

	c.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))

	raw := awaitRaw(t, f)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestTransport_ErrorResponse(t *testing.T) {
	c := newTestConn(t)

	f := c.transport.Request("textDocument/definition", nil)
	id := c.next().Get("id").Int()

	c.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, id))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := f.Await(ctx)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func TestTransport_CancelSendsCancelRequest(t *testing.T) {
	c := newTestConn(t)

	f := c.transport.Request("textDocument/references", nil)
	id := c.next().Get("id").Int()

	require.True(t, f.Cancel())

	notif := c.next()
	assert.Equal(t, "$/cancelRequest", notif.Get("method").String())
	assert.Equal(t, id, notif.Get("params.id").Int())
	assert.False(t, notif.Get("id").Exists(), "cancellation travels as a notification")

	// A late response for the canceled request is dropped, not resurrected.
	c.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":[]}`, id))
	_, err := f.Result()
	assert.ErrorIs(t, err, future.ErrCanceled)
}

func TestTransport_NotificationDispatch(t *testing.T) {
	c := newTestConn(t)

	got := make(chan string, 1)
	c.transport.OnNotification("textDocument/publishDiagnostics", func(method string, params json.RawMessage) {
		got <- gjson.GetBytes(params, "uri").String()
	})

	c.write(`{"jsonrpc":"2.0","method":"textDocument/publishDiagnostics","params":{"uri":"file:///a.go","diagnostics":[]}}`)

	select {
	case uri := <-got:
		assert.Equal(t, "file:///a.go", uri)
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestTransport_WildcardNotificationHandler(t *testing.T) {
	c := newTestConn(t)

	got := make(chan string, 1)
	c.transport.OnNotification("*", func(method string, params json.RawMessage) {
		got <- method
	})

	c.write(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"type":3,"message":"hi"}}`)

	select {
	case method := <-got:
		assert.Equal(t, "window/logMessage", method)
	case <-time.After(2 * time.Second):
		t.Fatal("wildcard handler never ran")
	}
}

func TestTransport_HeaderParsingTolerance(t *testing.T) {
	c := newTestConn(t)

	got := make(chan string, 1)
	c.transport.OnNotification("*", func(method string, params json.RawMessage) {
		got <- method
	})

	body := `{"jsonrpc":"2.0","method":"exit"}`
	_, err := fmt.Fprintf(c.toClient,
		"content-length: %d\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n%s",
		len(body), body)
	require.NoError(t, err)

	select {
	case method := <-got:
		assert.Equal(t, "exit", method)
	case <-time.After(2 * time.Second):
		t.Fatal("message with extra headers never dispatched")
	}
}

func TestTransport_CloseFailsPendingRequests(t *testing.T) {
	c := newTestConn(t)

	f := c.transport.Request("shutdown", nil)
	c.next() // peer receives but never answers

	require.NoError(t, c.transport.Close())
	assert.True(t, c.transport.IsClosed())

	_, err := f.Result()
	assert.ErrorIs(t, err, ErrShutdown)

	_, err = c.transport.Request("textDocument/hover", nil).Result()
	assert.ErrorIs(t, err, ErrShutdown, "requests after close fail immediately")
	assert.ErrorIs(t, c.transport.Notify("exit", nil), ErrShutdown)
}
