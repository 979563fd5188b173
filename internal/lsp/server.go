package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/lspmux/internal/future"
)

// ServerStatus indicates the current state of a server.
type ServerStatus int

const (
	ServerStatusStopped ServerStatus = iota
	ServerStatusStarting
	ServerStatusInitializing
	ServerStatusReady
	ServerStatusShuttingDown
	ServerStatusError
)

// String returns a human-readable status name.
func (s ServerStatus) String() string {
	switch s {
	case ServerStatusStopped:
		return "stopped"
	case ServerStatusStarting:
		return "starting"
	case ServerStatusInitializing:
		return "initializing"
	case ServerStatusReady:
		return "ready"
	case ServerStatusShuttingDown:
		return "shutting down"
	case ServerStatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerDefinition defines how to start a language server and which
// documents it serves. The ID is the backend identity used for preferring
// and candidate bookkeeping.
type ServerDefinition struct {
	// ID identifies this definition, e.g. "gopls".
	ID ServerID

	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory (defaults to the project root).
	WorkDir string

	// LanguageIDs that this server handles (e.g. "go").
	LanguageIDs []string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// Timeout for requests (default: 30s).
	Timeout time.Duration
}

// Matches returns true if this definition serves the given language.
func (d ServerDefinition) Matches(languageID string) bool {
	if languageID == "" {
		return false
	}
	for _, id := range d.LanguageIDs {
		if id == languageID {
			return true
		}
	}
	return false
}

// Server is a connection to a single language server process. It implements
// Handle. The capabilities future is single-assignment: it resolves once
// the initialize handshake completes and never changes afterwards.
//
// A Server is shared by overlapping dispatches; requests may run
// concurrently over one connection.
type Server struct {
	mu sync.Mutex

	def      ServerDefinition
	instance string // unique per process start
	logger   zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport

	status atomic.Int32
	caps   *future.Future[ServerCapabilities]
	info   *ServerInfo

	documents   map[DocumentURI]int // open documents and their versions
	documentsMu sync.RWMutex

	root ProjectRoot

	ctx    context.Context
	cancel context.CancelFunc
	exitCh chan error
}

// NewServer creates a new server instance (not yet started).
func NewServer(def ServerDefinition, logger zerolog.Logger) *Server {
	if def.Timeout == 0 {
		def.Timeout = 30 * time.Second
	}

	s := &Server{
		def:       def,
		instance:  uuid.NewString(),
		logger:    logger.With().Str("server", string(def.ID)).Logger(),
		caps:      future.New[ServerCapabilities](),
		documents: make(map[DocumentURI]int),
		exitCh:    make(chan error, 1),
	}
	s.status.Store(int32(ServerStatusStopped))
	return s
}

// Start launches the server process and runs the initialize handshake in
// the background, returning a future that resolves to this server as a
// live Handle once it is ready. Startup failure fails the returned future
// and the capabilities future.
func (s *Server) Start(ctx context.Context, root ProjectRoot) *future.Future[Handle] {
	hf := future.New[Handle]()

	s.mu.Lock()
	if s.Status() != ServerStatusStopped {
		s.mu.Unlock()
		hf.Fail(ErrAlreadyStarted)
		return hf
	}
	s.status.Store(int32(ServerStatusStarting))
	s.root = root
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go func() {
		if err := s.start(); err != nil {
			s.status.Store(int32(ServerStatusError))
			s.logger.Error().Err(err).Msg("server failed to start")
			werr := &ServerError{ID: s.def.ID, Err: err}
			s.caps.Fail(werr)
			hf.Fail(werr)
			return
		}
		s.status.Store(int32(ServerStatusReady))
		s.logger.Info().Str("instance", s.instance).Msg("server ready")
		hf.Complete(s)
	}()

	return hf
}

// start runs the blocking part of startup: process spawn and initialize.
func (s *Server) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startProcess(); err != nil {
		return err
	}

	s.transport = NewTransport(s.stdout, s.stdin, nil, s.logger)
	s.transport.Start(s.ctx)
	go s.monitorProcess()

	s.status.Store(int32(ServerStatusInitializing))
	if err := s.initialize(s.ctx); err != nil {
		s.stopProcess()
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// startProcess starts the language server executable.
func (s *Server) startProcess() error {
	cmd := exec.CommandContext(s.ctx, s.def.Command, s.def.Args...)

	cmd.Env = os.Environ()
	for k, v := range s.def.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if s.def.WorkDir != "" {
		cmd.Dir = s.def.WorkDir
	} else if s.root != "" {
		cmd.Dir = string(s.root)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	return nil
}

// monitorProcess watches the process and signals when it exits.
func (s *Server) monitorProcess() {
	if s.cmd == nil {
		return
	}

	err := s.cmd.Wait()
	if err != nil && s.Status() != ServerStatusShuttingDown && s.Status() != ServerStatusStopped {
		s.logger.Warn().Err(err).Msg("server process exited unexpectedly")
		s.status.Store(int32(ServerStatusError))
	}
	select {
	case s.exitCh <- err:
	default:
	}
}

// stopProcess tears down the transport, pipes and process.
func (s *Server) stopProcess() {
	if s.transport != nil {
		s.transport.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}
	if s.stdout != nil {
		s.stdout.Close()
	}
	if s.stderr != nil {
		s.stderr.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// initialize performs the LSP initialize handshake and publishes the
// declared capabilities.
func (s *Server) initialize(ctx context.Context) error {
	var rootURI DocumentURI
	var folders []WorkspaceFolder
	if s.root != "" {
		rootURI = FilePathToURI(string(s.root))
		folders = []WorkspaceFolder{{URI: rootURI, Name: string(s.root)}}
	}

	params := InitializeParams{
		ProcessID: os.Getpid(),
		RootURI:   rootURI,
		Capabilities: map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
			},
			"workspace": map[string]any{
				"workspaceFolders": true,
			},
		},
		InitializationOptions: s.def.InitializationOptions,
		WorkspaceFolders:      folders,
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, s.def.Timeout)
	defer cancelTimeout()

	var result InitializeResult
	if err := s.transport.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	s.info = result.ServerInfo
	s.caps.Complete(NewServerCapabilities(result.Capabilities))

	if err := s.transport.Notify("initialized", InitializedParams{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.Status()
	if status == ServerStatusStopped || status == ServerStatusShuttingDown {
		return nil
	}
	s.status.Store(int32(ServerStatusShuttingDown))

	if s.transport != nil && !s.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_ = s.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = s.transport.Notify("exit", nil)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.stopProcess()

	s.status.Store(int32(ServerStatusStopped))
	s.logger.Info().Msg("server stopped")
	return nil
}

// Status returns the current server status.
func (s *Server) Status() ServerStatus {
	return ServerStatus(s.status.Load())
}

// Info returns the server's self-reported name and version, if known.
func (s *Server) Info() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// ExitChannel returns a channel that receives when the process exits.
func (s *Server) ExitChannel() <-chan error {
	return s.exitCh
}

// --- Handle implementation ---

// ID returns the identity of this server's definition.
func (s *Server) ID() ServerID {
	return s.def.ID
}

// Capabilities resolves to the capabilities declared during initialization.
func (s *Server) Capabilities() *future.Future[ServerCapabilities] {
	return s.caps
}

// Connect opens the document with the server if it is not already open,
// resolving to this server as a live handle. The document content is read
// from disk.
func (s *Server) Connect(uri DocumentURI) *future.Future[Handle] {
	if s.Status() != ServerStatusReady {
		return future.Failed[Handle](&ServerError{ID: s.def.ID, Err: ErrServerNotReady})
	}

	s.documentsMu.Lock()
	if _, open := s.documents[uri]; open {
		s.documentsMu.Unlock()
		return future.Completed[Handle](s)
	}
	s.documents[uri] = 1
	s.documentsMu.Unlock()

	path := URIToFilePath(uri)
	content, err := os.ReadFile(path)
	if err != nil {
		s.forgetDocument(uri)
		return future.Failed[Handle](&ServerError{ID: s.def.ID, Err: fmt.Errorf("read document: %w", err)})
	}

	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        uri,
			LanguageID: DetectLanguageID(path),
			Version:    1,
			Text:       string(content),
		},
	}
	if err := s.transport.Notify("textDocument/didOpen", params); err != nil {
		s.forgetDocument(uri)
		return future.Failed[Handle](&ServerError{ID: s.def.ID, Err: err})
	}

	return future.Completed[Handle](s)
}

func (s *Server) forgetDocument(uri DocumentURI) {
	s.documentsMu.Lock()
	delete(s.documents, uri)
	s.documentsMu.Unlock()
}

// Disconnect closes the document with the server.
func (s *Server) Disconnect(uri DocumentURI) error {
	s.documentsMu.Lock()
	_, open := s.documents[uri]
	delete(s.documents, uri)
	s.documentsMu.Unlock()

	if !open || s.Status() != ServerStatusReady {
		return nil
	}
	return s.transport.Notify("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// ConnectedDocuments returns the documents currently open with this server.
func (s *Server) ConnectedDocuments() []DocumentURI {
	s.documentsMu.RLock()
	defer s.documentsMu.RUnlock()

	uris := make([]DocumentURI, 0, len(s.documents))
	for uri := range s.documents {
		uris = append(uris, uri)
	}
	return uris
}

// Request dispatches a raw request against the server.
func (s *Server) Request(method string, params any) *future.Future[json.RawMessage] {
	if s.Status() != ServerStatusReady {
		return future.Failed[json.RawMessage](&ServerError{ID: s.def.ID, Err: ErrServerNotReady})
	}
	return s.transport.Request(method, params)
}

// Notify sends a notification to the server.
func (s *Server) Notify(method string, params any) error {
	if s.Status() != ServerStatusReady {
		return &ServerError{ID: s.def.ID, Err: ErrServerNotReady}
	}
	return s.transport.Notify(method, params)
}
