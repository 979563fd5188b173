package lsp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lspmux/internal/future"
)

// fakeStarter records start and stop calls and hands out pre-seeded handle
// futures so tests control when and how each server comes up.
type fakeStarter struct {
	mu      sync.Mutex
	handles map[ServerID]*future.Future[Handle]
	started []ServerID
	stopped []ServerID
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{handles: make(map[ServerID]*future.Future[Handle])}
}

func (s *fakeStarter) seed(id ServerID, hf *future.Future[Handle]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = hf
}

func (s *fakeStarter) start(ctx context.Context, def ServerDefinition, root ProjectRoot, logger zerolog.Logger) (*future.Future[Handle], StopFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, def.ID)
	hf, ok := s.handles[def.ID]
	if !ok {
		hf = future.New[Handle]()
		s.handles[def.ID] = hf
	}
	return hf, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = append(s.stopped, def.ID)
		return nil
	}
}

func (s *fakeStarter) startedIDs() []ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServerID(nil), s.started...)
}

func (s *fakeStarter) stoppedIDs() []ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServerID(nil), s.stopped...)
}

// writeGoProject lays out a project root with a go.mod marker and returns
// the URI of a source file inside it.
func writeGoProject(t *testing.T) (ProjectRoot, DocumentURI) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/x\n"), 0o644))
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))
	return ProjectRoot(dir), FilePathToURI(path)
}

func goDef(id ServerID) ServerDefinition {
	return ServerDefinition{ID: id, Command: "true", LanguageIDs: []string{"go"}}
}

func TestRegistry_RegisterReplacesByID(t *testing.T) {
	r := NewRegistry()
	r.Register(ServerDefinition{ID: "a", Command: "one"})
	r.Register(ServerDefinition{ID: "b", Command: "two"})
	r.Register(ServerDefinition{ID: "a", Command: "three"})

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, ServerID("a"), defs[0].ID)
	assert.Equal(t, "three", defs[0].Command, "re-registering replaces in place")
	assert.Equal(t, ServerID("b"), defs[1].ID)
}

func TestRegistry_ForDocumentMatchesLanguageInRegistrationOrder(t *testing.T) {
	starter := newFakeStarter()
	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))
	r.Register(ServerDefinition{ID: "pyright", Command: "true", LanguageIDs: []string{"python"}})
	r.Register(goDef("golangci"))

	_, uri := writeGoProject(t)
	cands := r.ForDocument(uri)

	require.Len(t, cands, 2)
	assert.Equal(t, ServerID("gopls"), cands[0].ID)
	assert.Equal(t, ServerID("golangci"), cands[1].ID)
	assert.Equal(t, []ServerID{"gopls", "golangci"}, starter.startedIDs())
}

func TestRegistry_ServersStartOnce(t *testing.T) {
	starter := newFakeStarter()
	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	_, uri := writeGoProject(t)
	r.ForDocument(uri)
	r.ForDocument(uri)

	assert.Equal(t, []ServerID{"gopls"}, starter.startedIDs(), "a running server is reused, not restarted")
}

func TestRegistry_StartupFailureResolvesCandidateNil(t *testing.T) {
	starter := newFakeStarter()
	shared := future.New[Handle]()
	starter.seed("gopls", shared)

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	_, uri := writeGoProject(t)
	cands := r.ForDocument(uri)
	require.Len(t, cands, 1)

	shared.Fail(&ServerError{ID: "gopls", Err: errors.New("exec: not found")})

	h, err := cands[0].Handle.Result()
	require.NoError(t, err, "startup failure is an unavailability outcome, not a dispatch error")
	assert.Nil(t, h)
}

func TestRegistry_CancelingCandidateLeavesSharedStartup(t *testing.T) {
	starter := newFakeStarter()
	shared := future.New[Handle]()
	starter.seed("gopls", shared)

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	_, uri := writeGoProject(t)
	first := r.ForDocument(uri)
	second := r.ForDocument(uri)
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	first[0].Handle.Cancel()
	assert.False(t, shared.Canceled(), "one dispatch giving up must not kill the startup")
	assert.False(t, second[0].Handle.IsDone(), "other dispatches keep waiting")

	h := newFakeHandle("gopls", `{"hoverProvider":true}`)
	shared.Complete(h)

	got, err := second[0].Handle.Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(h), got)
}

func TestRegistry_CancelingFilteredCandidateLeavesSharedCapabilities(t *testing.T) {
	h := &fakeHandle{id: "gopls", caps: future.New[ServerCapabilities]()}
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](h))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	root, uri := writeGoProject(t)
	r.ForDocument(uri)

	first := r.ForProject(root, SupportsMethod(CapHover), false)
	second := r.ForProject(root, SupportsMethod(CapHover), false)
	require.Len(t, first, 1)
	require.Len(t, second, 1)

	first[0].Handle.Cancel()
	assert.False(t, h.caps.Canceled(), "shared capabilities future must survive one dispatch's cancellation")
	require.False(t, second[0].Handle.IsDone())

	h.caps.Complete(caps(`{"hoverProvider":true}`))
	got, err := second[0].Handle.Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(h), got)
}

func TestRegistry_ForProjectKnowsServersThatServedIt(t *testing.T) {
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](newFakeHandle("gopls", `{"hoverProvider":true}`)))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	root, uri := writeGoProject(t)
	r.ForDocument(uri)

	cands := r.ForProject(root, nil, false)
	require.Len(t, cands, 1)
	assert.Equal(t, ServerID("gopls"), cands[0].ID)

	assert.Empty(t, r.ForProject("/nowhere", nil, false), "unknown projects have no candidates")
}

func TestRegistry_ForProjectFiltersRunningOnLiveCapabilities(t *testing.T) {
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](newFakeHandle("gopls", `{"hoverProvider":true}`)))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	root, uri := writeGoProject(t)
	r.ForDocument(uri)

	cands := r.ForProject(root, SupportsMethod(CapHover), false)
	require.Len(t, cands, 1)
	h, err := cands[0].Handle.Result()
	require.NoError(t, err)
	assert.NotNil(t, h)

	cands = r.ForProject(root, SupportsMethod(CapSelectionRange), false)
	require.Len(t, cands, 1)
	h, err = cands[0].Handle.Result()
	require.NoError(t, err)
	assert.Nil(t, h, "a running server failing the filter resolves unavailable")
}

func TestRegistry_StoppedServerRememberedAndRestarted(t *testing.T) {
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](newFakeHandle("gopls", `{"hoverProvider":true}`)))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	root, uri := writeGoProject(t)
	r.ForDocument(uri)

	require.NoError(t, r.StopServer(context.Background(), "gopls"))
	assert.Equal(t, []ServerID{"gopls"}, starter.stoppedIDs())

	// The remembered capabilities decide the filter for a stopped server.
	assert.Empty(t, r.ForProject(root, SupportsMethod(CapSelectionRange), false),
		"remembered capabilities reject the filter, no restart")
	assert.Len(t, starter.startedIDs(), 1)

	cands := r.ForProject(root, SupportsMethod(CapHover), false)
	require.Len(t, cands, 1)
	assert.Len(t, starter.startedIDs(), 2, "matching stopped server restarts on demand")
}

func TestRegistry_ExcludeInactiveSkipsStoppedServers(t *testing.T) {
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](newFakeHandle("gopls", `{"hoverProvider":true}`)))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	root, uri := writeGoProject(t)
	r.ForDocument(uri)
	require.NoError(t, r.StopServer(context.Background(), "gopls"))

	assert.Empty(t, r.ForProject(root, nil, true))
	assert.Len(t, starter.startedIDs(), 1, "excludeInactive must not restart anything")
}

func TestRegistry_StopUnknownServerIsNoop(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.StopServer(context.Background(), "ghost"))
}

func TestRegistry_ShutdownStopsEverything(t *testing.T) {
	starter := newFakeStarter()
	starter.seed("gopls", future.Completed[Handle](newFakeHandle("gopls", `{"hoverProvider":true}`)))

	r := NewRegistry(WithStarter(starter.start))
	r.Register(goDef("gopls"))

	_, uri := writeGoProject(t)
	r.ForDocument(uri)

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Equal(t, []ServerID{"gopls"}, starter.stoppedIDs())
}

func TestDetectProjectRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	nested := filepath.Join(dir, "internal", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(nested, "file.go")
	require.NoError(t, os.WriteFile(path, []byte("package deep\n"), 0o644))

	assert.Equal(t, ProjectRoot(dir), DetectProjectRoot(path), "walks up to the nearest project marker")
}
