// Package lsp routes single logical operations to the language servers
// serving a document or project and combines their asynchronous responses.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Executor: dispatches one operation to every applicable server and
//     merges the pending results under a combination policy
//   - Registry: manages server lifecycles and resolves dispatch candidates
//   - Server: a single server connection, implementing Handle
//   - Transport: JSON-RPC 2.0 with futures and wire-level cancellation
//
// # Quick Start
//
// Register servers and dispatch an operation across all of them:
//
//	reg := lsp.NewRegistry()
//	reg.Register(lsp.ServerDefinition{
//	    ID:          "gopls",
//	    Command:     "gopls",
//	    Args:        []string{"serve"},
//	    LanguageIDs: []string{"go"},
//	})
//
//	uri := lsp.FilePathToURI("/path/to/file.go")
//	ex := lsp.ForDocument(reg, uri).
//	    WithCapability(lsp.CapHover).
//	    Build()
//
//	hover := lsp.ComputeFirst(ex, lsp.HoverRequest(uri, lsp.Position{Line: 10, Character: 5}))
//	result, err := hover.Await(ctx)
//
// # Combination Policies
//
// Three policies reduce the per-server pending results:
//
//   - CollectAll: every non-empty result, in candidate order
//   - ComputeEach: one independent pending result per server
//   - ComputeFirst: the first genuinely non-empty result; an empty answer
//     that arrives quickly never beats a real answer that arrives late
//
// Executors also support a preferred server (dispatched first), capability
// filtering, and AnyMatching, a bounded availability probe.
//
// # Cancellation
//
// Canceling a combined result cancels every per-server request and
// candidate resolution feeding it, down to a $/cancelRequest on the wire.
// Canceling one per-server result never cancels the combined result.
package lsp
