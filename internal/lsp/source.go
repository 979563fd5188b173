package lsp

import (
	"github.com/dshills/lspmux/internal/future"
)

// source is the pluggable strategy producing the pending handles an
// executor dispatches on. resolve returns fully prepared handles; probe
// returns handles suitable for a cheap availability check (for document
// targets it skips the connect step).
type source interface {
	resolve() []*future.Future[Handle]
	probe() []*future.Future[Handle]
}

// orderCandidates moves the preferred candidate to the front, keeping the
// relative order of the others. With no preference or fewer than two
// candidates the input is returned untouched.
func orderCandidates(cands []Candidate, preferred ServerID) []Candidate {
	if preferred == "" || len(cands) < 2 {
		return cands
	}
	for i, c := range cands {
		if c.ID == preferred {
			out := make([]Candidate, 0, len(cands))
			out = append(out, c)
			out = append(out, cands[:i]...)
			out = append(out, cands[i+1:]...)
			return out
		}
	}
	return cands
}

// documentSource resolves the servers currently serving a document:
// registry lookup, reorder, async capability filter, then the per-document
// connect handshake. A candidate failing the filter short-circuits to nil
// without connecting.
type documentSource struct {
	reg       ConnectionRegistry
	uri       DocumentURI
	filter    CapabilityFilter
	preferred ServerID
}

func (s *documentSource) resolve() []*future.Future[Handle] {
	cands := orderCandidates(s.reg.ForDocument(s.uri), s.preferred)
	out := make([]*future.Future[Handle], len(cands))
	for i, c := range cands {
		out[i] = s.connect(s.filterHandle(c.Handle))
	}
	return out
}

func (s *documentSource) probe() []*future.Future[Handle] {
	cands := orderCandidates(s.reg.ForDocument(s.uri), s.preferred)
	out := make([]*future.Future[Handle], len(cands))
	for i, c := range cands {
		out[i] = s.filterHandle(c.Handle)
	}
	return out
}

// filterHandle applies the capability filter once the server's capabilities
// are available. Filtering is itself a suspending step: capabilities do not
// exist until the server has started.
func (s *documentSource) filterHandle(hf *future.Future[Handle]) *future.Future[Handle] {
	return future.Compose(hf, func(h Handle) *future.Future[Handle] {
		if h == nil {
			return future.Completed[Handle](nil)
		}
		return filterOnCapabilities(h, s.filter)
	})
}

// filterOnCapabilities resolves to h once its declared capabilities satisfy
// the filter, or to nil when they do not. The capabilities future is shared
// by every dispatch against the handle, so it is observed through a fresh
// per-dispatch future with no cancellation forwarding: one dispatch giving
// up must not settle the capabilities other dispatches wait on.
func filterOnCapabilities(h Handle, filter CapabilityFilter) *future.Future[Handle] {
	out := future.New[Handle]()
	h.Capabilities().OnSettle(func(sc ServerCapabilities, err error) {
		switch {
		case err != nil:
			out.Fail(err)
		case filter == nil || filter(sc):
			out.Complete(h)
		default:
			out.Complete(nil)
		}
	})
	return out
}

func (s *documentSource) connect(hf *future.Future[Handle]) *future.Future[Handle] {
	return future.Compose(hf, func(h Handle) *future.Future[Handle] {
		if h == nil {
			return future.Completed[Handle](nil)
		}
		return h.Connect(s.uri)
	})
}

// projectSource resolves the servers known to have served a project. The
// capability filter travels into the registry query because project-scoped
// servers may be stopped, with no live connection to interrogate.
type projectSource struct {
	reg             ConnectionRegistry
	root            ProjectRoot
	filter          CapabilityFilter
	preferred       ServerID
	excludeInactive bool
}

func (s *projectSource) resolve() []*future.Future[Handle] {
	cands := orderCandidates(s.reg.ForProject(s.root, s.filter, s.excludeInactive), s.preferred)
	out := make([]*future.Future[Handle], len(cands))
	for i, c := range cands {
		out[i] = c.Handle
	}
	return out
}

func (s *projectSource) probe() []*future.Future[Handle] {
	return s.resolve()
}
