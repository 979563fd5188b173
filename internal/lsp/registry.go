package lsp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/lspmux/internal/future"
)

// StopFunc shuts down a started server.
type StopFunc func(ctx context.Context) error

// ServerStarter launches a server for a definition, returning the pending
// handle and a stop function. The default starter spawns the definition's
// command and speaks LSP to it over stdio; tests inject their own.
type ServerStarter func(ctx context.Context, def ServerDefinition, root ProjectRoot, logger zerolog.Logger) (*future.Future[Handle], StopFunc)

// Registry manages server lifecycles and resolves candidates for dispatch.
// It implements ConnectionRegistry. Registration order defines candidate
// order. Servers start asynchronously on first demand; a server that fails
// to start resolves its candidates to nil rather than erroring, because
// unavailability is an expected outcome of dispatch.
//
// The registry remembers which servers have served each project and the
// declared capabilities of servers that have since stopped, so project
// queries can filter and restart them on demand.
type Registry struct {
	mu   sync.RWMutex
	defs []ServerDefinition

	running  map[ServerID]*serverEntry
	stopped  map[ServerID]ServerCapabilities // remembered caps of previously started servers
	projects map[ProjectRoot][]ServerID      // servers that have served each project

	starter ServerStarter
	logger  zerolog.Logger
}

// serverEntry tracks one started server.
type serverEntry struct {
	def    ServerDefinition
	root   ProjectRoot
	handle *future.Future[Handle]
	stop   StopFunc
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithStarter replaces the default process-spawning server starter.
func WithStarter(s ServerStarter) RegistryOption {
	return func(r *Registry) {
		r.starter = s
	}
}

// NewRegistry creates a new registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		running:  make(map[ServerID]*serverEntry),
		stopped:  make(map[ServerID]ServerCapabilities),
		projects: make(map[ProjectRoot][]ServerID),
		starter:  startServerProcess,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// startServerProcess is the default starter.
func startServerProcess(ctx context.Context, def ServerDefinition, root ProjectRoot, logger zerolog.Logger) (*future.Future[Handle], StopFunc) {
	srv := NewServer(def, logger)
	return srv.Start(ctx, root), srv.Shutdown
}

// Register adds a server definition. A definition with an already
// registered ID replaces the original in place.
func (r *Registry) Register(def ServerDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.defs {
		if d.ID == def.ID {
			r.defs[i] = def
			return
		}
	}
	r.defs = append(r.defs, def)
}

// Definitions returns the registered definitions in candidate order.
func (r *Registry) Definitions() []ServerDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// ForDocument returns the servers serving the given document, starting any
// matching server that is not yet running. Candidate order follows
// registration order.
func (r *Registry) ForDocument(uri DocumentURI) []Candidate {
	path := URIToFilePath(uri)
	languageID := DetectLanguageID(path)
	root := DetectProjectRoot(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	var cands []Candidate
	for _, def := range r.defs {
		if !def.Matches(languageID) {
			continue
		}
		entry := r.ensureStartedLocked(def, root)
		r.associateLocked(root, def.ID)
		cands = append(cands, Candidate{ID: def.ID, Handle: r.candidateFromLocked(entry)})
	}
	return cands
}

// ForProject returns the servers known to have served the given project
// and matching the filter. Stopped servers are filtered on their
// remembered capabilities and, unless excludeInactive is set, restarted.
func (r *Registry) ForProject(root ProjectRoot, filter CapabilityFilter, excludeInactive bool) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cands []Candidate
	for _, id := range r.projects[root] {
		if entry, ok := r.running[id]; ok {
			cands = append(cands, Candidate{ID: id, Handle: r.filteredCandidateLocked(entry, filter)})
			continue
		}

		// Stopped: a live connection cannot be interrogated, so the
		// remembered capabilities decide the filter.
		caps, known := r.stopped[id]
		if !known || excludeInactive {
			continue
		}
		if filter != nil && !filter(caps) {
			continue
		}

		def, ok := r.definitionLocked(id)
		if !ok {
			continue
		}
		r.logger.Info().Str("server", string(id)).Str("root", string(root)).Msg("restarting stopped server for project query")
		entry := r.ensureStartedLocked(def, root)
		cands = append(cands, Candidate{ID: id, Handle: r.candidateFromLocked(entry)})
	}
	return cands
}

func (r *Registry) definitionLocked(id ServerID) (ServerDefinition, bool) {
	for _, d := range r.defs {
		if d.ID == id {
			return d, true
		}
	}
	return ServerDefinition{}, false
}

// ensureStartedLocked returns the running entry for a definition, starting
// the server if needed. Callers hold r.mu.
func (r *Registry) ensureStartedLocked(def ServerDefinition, root ProjectRoot) *serverEntry {
	if entry, ok := r.running[def.ID]; ok {
		return entry
	}

	r.logger.Debug().Str("server", string(def.ID)).Str("root", string(root)).Msg("starting server")
	handle, stop := r.starter(context.Background(), def, root, r.logger)
	entry := &serverEntry{def: def, root: root, handle: handle, stop: stop}
	r.running[def.ID] = entry
	delete(r.stopped, def.ID)
	return entry
}

// candidateFromLocked derives a fresh per-invocation candidate future from
// the shared startup future. Startup failure resolves the candidate to nil
// instead of failing it, and canceling a candidate never cancels the shared
// startup other dispatches depend on.
func (r *Registry) candidateFromLocked(entry *serverEntry) *future.Future[Handle] {
	cand := future.New[Handle]()
	id := entry.def.ID
	entry.handle.OnSettle(func(h Handle, err error) {
		if err != nil {
			r.logger.Error().Err(err).Str("server", string(id)).Msg("server unavailable")
			cand.Complete(nil)
			return
		}
		cand.Complete(h)
	})
	return cand
}

// filteredCandidateLocked derives a candidate that additionally waits for
// the server's capabilities and applies the filter.
func (r *Registry) filteredCandidateLocked(entry *serverEntry, filter CapabilityFilter) *future.Future[Handle] {
	cand := r.candidateFromLocked(entry)
	if filter == nil {
		return cand
	}
	return future.Compose(cand, func(h Handle) *future.Future[Handle] {
		if h == nil {
			return future.Completed[Handle](nil)
		}
		return filterOnCapabilities(h, filter)
	})
}

// associateLocked records that a server has served a project.
func (r *Registry) associateLocked(root ProjectRoot, id ServerID) {
	if root == "" {
		return
	}
	for _, existing := range r.projects[root] {
		if existing == id {
			return
		}
	}
	r.projects[root] = append(r.projects[root], id)
}

// StopServer shuts down a running server, remembering its declared
// capabilities so project queries can still filter and restart it later.
func (r *Registry) StopServer(ctx context.Context, id ServerID) error {
	r.mu.Lock()
	entry, ok := r.running[id]
	if ok {
		delete(r.running, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.rememberCapabilities(id, entry)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return entry.stop(stopCtx)
}

// rememberCapabilities records a stopping server's capabilities when the
// startup ever got far enough to produce them.
func (r *Registry) rememberCapabilities(id ServerID, entry *serverEntry) {
	select {
	case <-entry.handle.Done():
	default:
		return // never finished starting; nothing to remember
	}
	h, err := entry.handle.Result()
	if err != nil || h == nil {
		return
	}
	select {
	case <-h.Capabilities().Done():
	default:
		return
	}
	caps, err := h.Capabilities().Result()
	if err != nil {
		return
	}

	r.mu.Lock()
	r.stopped[id] = caps
	r.mu.Unlock()
}

// Shutdown stops every running server.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*serverEntry, 0, len(r.running))
	for _, entry := range r.running {
		entries = append(entries, entry)
	}
	r.running = make(map[ServerID]*serverEntry)
	r.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		r.rememberCapabilities(entry.def.ID, entry)
		if err := entry.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetectProjectRoot walks up from a file looking for common project
// markers, falling back to the file's directory.
func DetectProjectRoot(path string) ProjectRoot {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	markers := []string{
		"go.mod",
		"package.json",
		"Cargo.toml",
		"pyproject.toml",
		"setup.py",
		".git",
	}

	dir := filepath.Dir(abs)
	for {
		for _, marker := range markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return ProjectRoot(dir)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ProjectRoot(filepath.Dir(abs))
		}
		dir = parent
	}
}
