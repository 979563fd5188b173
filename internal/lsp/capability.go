package lsp

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ServerCapabilities holds the capability set a server declared during the
// initialize handshake. It is kept as raw JSON because servers are free to
// report capabilities as booleans, option objects, or nested structures;
// predicates query it by path instead of a fixed struct shape.
type ServerCapabilities struct {
	raw []byte
}

// NewServerCapabilities wraps a raw capabilities payload.
func NewServerCapabilities(raw json.RawMessage) ServerCapabilities {
	return ServerCapabilities{raw: raw}
}

// Raw returns the underlying JSON payload.
func (c ServerCapabilities) Raw() json.RawMessage {
	return json.RawMessage(c.raw)
}

// Get returns the value at a gjson path, e.g. "completionProvider.triggerCharacters".
func (c ServerCapabilities) Get(path string) gjson.Result {
	return gjson.GetBytes(c.raw, path)
}

// Has reports whether the capability at path is enabled. Servers declare
// capabilities either as a boolean or as an options object; an object means
// enabled with options.
func (c ServerCapabilities) Has(path string) bool {
	v := gjson.GetBytes(c.raw, path)
	switch v.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	default:
		return v.Exists()
	}
}

// CapabilityFilter is a predicate over a server's declared capabilities.
// A nil filter accepts every server.
type CapabilityFilter func(ServerCapabilities) bool

// SupportsMethod returns a filter accepting servers that declare the
// capability at the given path.
func SupportsMethod(path string) CapabilityFilter {
	return func(c ServerCapabilities) bool {
		return c.Has(path)
	}
}

// Common capability paths.
const (
	CapCompletion     = "completionProvider"
	CapHover          = "hoverProvider"
	CapDefinition     = "definitionProvider"
	CapReferences     = "referencesProvider"
	CapDocumentSymbol = "documentSymbolProvider"
	CapSelectionRange = "selectionRangeProvider"
	CapRename         = "renameProvider"
	CapFormatting     = "documentFormattingProvider"
)
