package lsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lspmux/internal/future"
)

func TestDocumentSource_ConnectsOnlyAcceptedServers(t *testing.T) {
	accepted := newFakeHandle("yes", `{"hoverProvider":true}`)
	rejected := newFakeHandle("no", `{}`)
	reg := &fakeRegistry{doc: []Candidate{
		{ID: "yes", Handle: future.Completed[Handle](accepted)},
		{ID: "no", Handle: future.Completed[Handle](rejected)},
	}}

	src := &documentSource{reg: reg, uri: testURI, filter: SupportsMethod(CapHover)}
	handles := src.resolve()
	require.Len(t, handles, 2)

	h, err := handles[0].Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(accepted), h)
	assert.Equal(t, 1, accepted.connects())

	h, err = handles[1].Result()
	require.NoError(t, err)
	assert.Nil(t, h, "a filtered-out server resolves unavailable")
	assert.Zero(t, rejected.connects(), "rejected servers are never connected")
}

func TestDocumentSource_FilterWaitsForCapabilities(t *testing.T) {
	h := &fakeHandle{id: "slow", caps: future.New[ServerCapabilities]()}
	reg := &fakeRegistry{doc: []Candidate{{ID: "slow", Handle: future.Completed[Handle](h)}}}

	src := &documentSource{reg: reg, uri: testURI, filter: SupportsMethod(CapHover)}
	handles := src.resolve()
	require.Len(t, handles, 1)
	require.False(t, handles[0].IsDone(), "filtering suspends until the server declares capabilities")

	h.caps.Complete(caps(`{"hoverProvider":true}`))
	got, err := handles[0].Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(h), got)
}

func TestDocumentSource_ProbeSkipsConnect(t *testing.T) {
	h := newFakeHandle("a", `{"hoverProvider":true}`)
	reg := &fakeRegistry{doc: []Candidate{{ID: "a", Handle: future.Completed[Handle](h)}}}

	src := &documentSource{reg: reg, uri: testURI}
	handles := src.probe()
	require.Len(t, handles, 1)

	got, err := handles[0].Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(h), got)
	assert.Zero(t, h.connects(), "the availability probe must not open documents")
}

func TestProjectSource_PassesFilterAndExclusionToRegistry(t *testing.T) {
	h := newFakeHandle("a", `{"hoverProvider":true}`)
	reg := &fakeRegistry{proj: []Candidate{{ID: "a", Handle: future.Completed[Handle](h)}}}

	filter := SupportsMethod(CapHover)
	src := &projectSource{reg: reg, root: "/work/proj", filter: filter, excludeInactive: true}
	handles := src.resolve()
	require.Len(t, handles, 1)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	assert.NotNil(t, reg.lastFilter, "the filter travels into the registry query")
	assert.True(t, reg.lastExclude)
	assert.Equal(t, 1, reg.projCalls)
}

func TestProjectSource_PreferredReordersCandidates(t *testing.T) {
	ha := newFakeHandle("a", `{}`)
	hb := newFakeHandle("b", `{}`)
	reg := &fakeRegistry{proj: []Candidate{
		{ID: "a", Handle: future.Completed[Handle](ha)},
		{ID: "b", Handle: future.Completed[Handle](hb)},
	}}

	src := &projectSource{reg: reg, root: "/work/proj", preferred: "b"}
	handles := src.resolve()
	require.Len(t, handles, 2)

	got, err := handles[0].Result()
	require.NoError(t, err)
	assert.Equal(t, Handle(hb), got)
}
