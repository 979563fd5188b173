package lsp

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/lspmux/internal/future"
)

// probeTimeout bounds how long AnyMatching waits per candidate. A candidate
// that has not resolved within the bound is optimistically counted as a
// match; the next real dispatch re-filters it.
const probeTimeout = 50 * time.Millisecond

// Operation is a caller-supplied request against one live server, returning
// its pending result. For best cancellation behavior the returned future
// should come straight from Handle.Request, without extra chaining.
type Operation[T any] func(h Handle) *future.Future[T]

// Executor dispatches an operation to the servers for one target and merges
// their asynchronous responses. The target, capability filter and preferred
// server are fixed when the executor is built; an executor is immutable and
// safe for concurrent use. Candidate handles are resolved fresh on every
// dispatch.
type Executor struct {
	src    source
	logger zerolog.Logger
}

// Builder accumulates executor configuration. It uses value semantics: each
// With method returns a copy, and Build produces the immutable executor.
type Builder struct {
	reg       ConnectionRegistry
	uri       DocumentURI
	root      ProjectRoot
	project   bool
	filter    CapabilityFilter
	preferred ServerID
	exclude   bool
	logger    zerolog.Logger
}

// ForDocument starts building an executor over the servers serving the
// given document.
func ForDocument(reg ConnectionRegistry, uri DocumentURI) Builder {
	return Builder{reg: reg, uri: uri, logger: zerolog.Nop()}
}

// ForProject starts building an executor over the servers known to have
// served the given project.
func ForProject(reg ConnectionRegistry, root ProjectRoot) Builder {
	return Builder{reg: reg, root: root, project: true, logger: zerolog.Nop()}
}

// WithFilter restricts dispatch to servers whose declared capabilities
// satisfy the predicate. Panics if a filter was already set: the filter is
// assign-once configuration, and setting it twice is a programming error.
func (b Builder) WithFilter(f CapabilityFilter) Builder {
	if b.filter != nil {
		panic("lsp: capability filter already set")
	}
	b.filter = f
	return b
}

// WithCapability restricts dispatch to servers declaring the capability at
// the given path, e.g. lsp.CapHover.
func (b Builder) WithCapability(path string) Builder {
	return b.WithFilter(SupportsMethod(path))
}

// WithPreferred reorders candidates so the given server is dispatched
// first. Ordering only; the preferred server is never used for filtering.
// Panics if a preferred server was already set.
func (b Builder) WithPreferred(id ServerID) Builder {
	if b.preferred != "" {
		panic("lsp: preferred server already set")
	}
	b.preferred = id
	return b
}

// ExcludeInactive limits a project executor to currently-running servers,
// instead of restarting matching servers that have stopped. Panics on a
// document builder.
func (b Builder) ExcludeInactive() Builder {
	if !b.project {
		panic("lsp: ExcludeInactive applies to project executors only")
	}
	b.exclude = true
	return b
}

// WithLogger sets the logger used for probe diagnostics.
func (b Builder) WithLogger(l zerolog.Logger) Builder {
	b.logger = l
	return b
}

// Build consumes the builder into an immutable executor.
func (b Builder) Build() *Executor {
	var src source
	if b.project {
		src = &projectSource{
			reg:             b.reg,
			root:            b.root,
			filter:          b.filter,
			preferred:       b.preferred,
			excludeInactive: b.exclude,
		}
	} else {
		src = &documentSource{
			reg:       b.reg,
			uri:       b.uri,
			filter:    b.filter,
			preferred: b.preferred,
		}
	}
	return &Executor{src: src, logger: b.logger}
}

// CollectAll runs op against every filtered, reordered candidate and folds
// the non-empty results into one pending collection. Output order is
// candidate order, regardless of completion order: the combination tree
// appends in index order whichever leg settles first. Any failed leg fails
// the whole aggregate. Canceling the aggregate cancels every leg and every
// candidate resolution still in flight.
func CollectAll[T any](ex *Executor, op Operation[T]) *future.Future[[]T] {
	return collectTree(dispatch(ex, op))
}

// collectTree folds legs pairwise: leaves append one result each, interior
// nodes merge two partial collections. The tree settles bottom-up in
// completion order while preserving index order in the output.
func collectTree[T any](legs []*future.Future[future.Option[T]]) *future.Future[[]T] {
	switch len(legs) {
	case 0:
		return future.Completed[[]T](nil)
	case 1:
		return appendResult(future.Completed[[]T](nil), legs[0])
	default:
		mid := len(legs) / 2
		return mergeResults(collectTree(legs[:mid]), collectTree(legs[mid:]))
	}
}

// appendResult combines a pending collection and one pending result by
// appending the result when present and non-empty.
func appendResult[T any](acc *future.Future[[]T], leg *future.Future[future.Option[T]]) *future.Future[[]T] {
	return future.Combine(acc, leg, func(vs []T, o future.Option[T]) []T {
		if v, ok := o.Get(); ok && !isEmptyResult(v) {
			return append(vs, v)
		}
		return vs
	})
}

// mergeResults combines two pending collections into one.
func mergeResults[T any](a, b *future.Future[[]T]) *future.Future[[]T] {
	return future.Combine(a, b, func(x, y []T) []T {
		return append(x, y...)
	})
}

// ComputeEach runs op against every filtered, reordered candidate and
// returns the independent pending results in candidate order. Each entry
// resolves to the server's result, or to an absent Option when its
// candidate resolved to unavailable; callers consume entries as they
// complete without waiting on the slowest.
func ComputeEach[T any](ex *Executor, op Operation[T]) []*future.Future[future.Option[T]] {
	return dispatch(ex, op)
}

// ComputeFirst dispatches op against every filtered, reordered candidate at
// once and resolves with the first genuinely non-empty result by completion
// order. A quickly-returned empty response must not trump a slow real
// answer, so empty and absent results are skipped. Once the aggregate
// settles, all other in-flight legs are canceled. If every leg settles
// without a value the aggregate resolves absent, unless at least one leg
// failed, in which case it fails with the last recorded failure.
func ComputeFirst[T any](ex *Executor, op Operation[T]) *future.Future[future.Option[T]] {
	legs := dispatch(ex, op)
	result := future.New[future.Option[T]]()
	if len(legs) == 0 {
		result.Complete(future.None[T]())
		return result
	}

	var mu sync.Mutex
	remaining := len(legs)
	var lastErr error

	for _, leg := range legs {
		leg := leg // per-iteration copy: the closures below must outlive the loop
		leg.OnSettle(func(o future.Option[T], err error) {
			if err == nil {
				if v, ok := o.Get(); ok && !isEmptyResult(v) {
					result.Complete(future.Some(v))
				}
			}

			mu.Lock()
			if err != nil && !errors.Is(err, future.ErrCanceled) {
				lastErr = err
			}
			remaining--
			settleEmpty := remaining == 0
			finalErr := lastErr
			mu.Unlock()

			// All legs settled without a useful value: resolve absent
			// rather than waiting forever, or surface a recorded failure.
			if settleEmpty {
				if finalErr != nil {
					result.Fail(finalErr)
				} else {
					result.Complete(future.None[T]())
				}
			}
		})

		// Settling the aggregate, with a value or by cancellation, cancels
		// this leg; cancellation forwards from there to the candidate
		// resolution and the raw server request.
		result.OnSettle(func(future.Option[T], error) {
			leg.Cancel()
		})
	}
	return result
}

// AnyMatching reports whether any candidate matches this executor's target
// and filter, waiting at most probeTimeout per candidate. A candidate that
// does not resolve within the bound counts as a match.
func (ex *Executor) AnyMatching() bool {
	for _, hf := range ex.src.probe() {
		if ex.matches(hf) {
			return true
		}
	}
	return false
}

func (ex *Executor) matches(hf *future.Future[Handle]) bool {
	h, err := hf.AwaitTimeout(probeTimeout)
	switch {
	case errors.Is(err, future.ErrTimeout):
		ex.logger.Warn().Dur("timeout", probeTimeout).Msg("could not resolve server within probe timeout, assuming match")
		return true
	case err != nil:
		if !errors.Is(err, future.ErrCanceled) {
			ex.logger.Error().Err(err).Msg("server probe failed")
		}
		return false
	default:
		return h != nil
	}
}

// dispatch resolves the candidates and issues op against each, producing
// one leg per candidate in candidate order. An unavailable candidate yields
// a resolved absent leg. Canceling a leg cancels its candidate resolution
// and its in-flight request.
func dispatch[T any](ex *Executor, op Operation[T]) []*future.Future[future.Option[T]] {
	servers := ex.src.resolve()
	legs := make([]*future.Future[future.Option[T]], len(servers))
	for i, hf := range servers {
		legs[i] = dispatchOne(hf, op)
	}
	return legs
}

func dispatchOne[T any](hf *future.Future[Handle], op Operation[T]) *future.Future[future.Option[T]] {
	return future.Compose(hf, func(h Handle) *future.Future[future.Option[T]] {
		if h == nil {
			return future.Completed(future.None[T]())
		}
		return future.Then(op(h), func(v T) (future.Option[T], error) {
			return future.Some(v), nil
		})
	})
}

// isEmptyResult reports whether a response carries nothing useful: a nil
// pointer or a nil or empty collection. Scalar zero values count as
// present.
func isEmptyResult(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.IsNil() || rv.Len() == 0
	case reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
