// Package parsers defines the format→parser dispatch (spec §4.4) and a
// name→constructor registry, mirroring package sources' registry shape.
// Format parsers themselves (markdown/pdf/docx/xlsx/csv/html/xml/json/
// parquet) are explicitly out of scope (spec §1); this package ships the
// registry plus one illustrative parser (plaintext) sufficient to
// exercise the dispatch and the element/relationship contract every real
// parser must honor.
package parsers

import (
	"fmt"

	"github.com/evalgo/docforge/types"
)

// ParseResult is the parser contract spec §4.4 step 2 describes: every
// element has populated ordering fields, and every relationship's
// endpoints exist in Elements (structural) or name an external target
// via metadata (link, resolved later by the processor).
type ParseResult struct {
	Elements      []*types.Element
	Relationships []*types.Relationship
}

// Parser converts a raw byte buffer (plus source-reported metadata) into
// a canonical element/relationship list for one document.
type Parser interface {
	// Parse returns elements with element_pk left zero — storage assigns
	// it on insert — and ElementID populated with a stable, input-derived
	// identity so ParentID references resolve before storage.PersistDocument
	// translates them to surrogate keys.
	Parse(docID string, content []byte, metadata map[string]any) (*ParseResult, error)
}

// Constructor builds a Parser from adapter-specific params.
type Constructor func(params map[string]any) (Parser, error)

// Registry is a process-global format→constructor map, built once per
// run and passed down as a dependency (see sources.Registry for the
// identical rationale).
type Registry struct {
	constructors map[string]Constructor
	cache        map[string]Parser
}

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}, cache: map[string]Parser{}}
}

func (r *Registry) Register(format string, ctor Constructor) {
	r.constructors[format] = ctor
}

// For returns the cached Parser for format, constructing it with nil
// params on first use.
func (r *Registry) For(format string) (Parser, error) {
	if p, ok := r.cache[format]; ok {
		return p, nil
	}
	ctor, ok := r.constructors[format]
	if !ok {
		return nil, fmt.Errorf("parsers: no parser registered for format %q", format)
	}
	p, err := ctor(nil)
	if err != nil {
		return nil, fmt.Errorf("parsers: constructing %q parser: %w", format, err)
	}
	r.cache[format] = p
	return p, nil
}
