package lsp

import (
	"encoding/json"

	"github.com/dshills/lspmux/internal/future"
)

// This file provides the standard operations dispatched through executors.
// Each returns an Operation pairing an LSP request with its result decoding;
// the matching capability path is listed so call sites can filter, e.g.
//
//	ex := lsp.ForDocument(reg, uri).WithCapability(lsp.CapHover).Build()
//	hover := lsp.ComputeFirst(ex, lsp.HoverRequest(uri, pos))

func requestOp[T any](method string, params any, parse func(json.RawMessage) (T, error)) Operation[T] {
	return func(h Handle) *future.Future[T] {
		return future.Then(h.Request(method, params), parse)
	}
}

// CompletionRequest requests completion items at a position. Filter with
// CapCompletion.
func CompletionRequest(uri DocumentURI, pos Position) Operation[*CompletionList] {
	params := CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: &CompletionContext{TriggerKind: CompletionTriggerKindInvoked},
	}
	return requestOp("textDocument/completion", params, ParseCompletionList)
}

// HoverRequest requests hover information at a position. Filter with
// CapHover.
func HoverRequest(uri DocumentURI, pos Position) Operation[*Hover] {
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	return requestOp("textDocument/hover", params, func(raw json.RawMessage) (*Hover, error) {
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		var h Hover
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, ErrInvalidResponse
		}
		return &h, nil
	})
}

// DefinitionRequest requests the definition locations for a symbol. Filter
// with CapDefinition.
func DefinitionRequest(uri DocumentURI, pos Position) Operation[[]Location] {
	params := TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}
	return requestOp("textDocument/definition", params, ParseLocations)
}

// ReferencesRequest requests all references to the symbol at a position.
// Filter with CapReferences.
func ReferencesRequest(uri DocumentURI, pos Position, includeDecl bool) Operation[[]Location] {
	params := ReferenceParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
		Context: ReferenceContext{IncludeDeclaration: includeDecl},
	}
	return requestOp("textDocument/references", params, func(raw json.RawMessage) ([]Location, error) {
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		var locs []Location
		if err := json.Unmarshal(raw, &locs); err != nil {
			return nil, ErrInvalidResponse
		}
		return locs, nil
	})
}

// DocumentSymbolsRequest requests the symbols in a document. Filter with
// CapDocumentSymbol.
func DocumentSymbolsRequest(uri DocumentURI) Operation[[]DocumentSymbol] {
	params := DocumentSymbolParams{TextDocument: TextDocumentIdentifier{URI: uri}}
	return requestOp("textDocument/documentSymbol", params, func(raw json.RawMessage) ([]DocumentSymbol, error) {
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		var syms []DocumentSymbol
		if err := json.Unmarshal(raw, &syms); err != nil {
			return nil, ErrInvalidResponse
		}
		return syms, nil
	})
}

// SelectionRangeRequest requests the selection range hierarchy at the given
// positions. Filter with CapSelectionRange. ComputeFirst is the natural
// combination: selection ranges from different servers do not merge, the
// first server with an answer wins.
func SelectionRangeRequest(uri DocumentURI, positions []Position) Operation[[]SelectionRange] {
	params := SelectionRangeParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Positions:    positions,
	}
	return requestOp("textDocument/selectionRange", params, func(raw json.RawMessage) ([]SelectionRange, error) {
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		var ranges []SelectionRange
		if err := json.Unmarshal(raw, &ranges); err != nil {
			return nil, ErrInvalidResponse
		}
		return ranges, nil
	})
}
