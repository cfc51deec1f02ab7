// Package sources defines the content-source abstraction (spec §4.3) and
// a name→constructor registry for its adapters, generalized from the
// teacher's dynamic-dispatch-by-registered-name pattern
// (semantic/actionregistry.go-style name lookup, recast here as an
// explicit interface rather than a reflection-driven scheme, per the
// rework guidance against "dynamic dispatch by registered name").
package sources

import (
	"context"
	"fmt"
	"time"
)

// FetchResult is what Fetch returns for one document.
type FetchResult struct {
	Content     []byte
	Metadata    map[string]any
	BinaryPath  string // set instead of Content for adapters that stream to disk
}

// DocumentRef is what List yields: enough to enqueue without fetching.
type DocumentRef struct {
	DocID    string
	Metadata map[string]any
}

// Source is a named producer of documents. Adapters are trust-bounded per
// spec §4.3: the processor wraps every error a Source returns and hands
// it back to the worker loop, which records it against the queue item
// and moves on to the next claim.
type Source interface {
	Name() string
	List(ctx context.Context) ([]DocumentRef, error)
	Fetch(ctx context.Context, docID string) (*FetchResult, error)
	HasChanged(ctx context.Context, docID string, lastSeen time.Time) (bool, error)
	// FollowLinks is optional; adapters with no link-discovery concept
	// return (nil, nil).
	FollowLinks(ctx context.Context, content []byte) ([]string, error)
}

// Constructor builds a Source from adapter-specific params (the
// config.ContentSourceConfig.Params map).
type Constructor func(name string, params map[string]any) (Source, error)

// Registry is a process-global name→constructor map, built once per run
// inside the coordinator/worker main and passed down as a dependency —
// never consulted as ambient global state by downstream code, matching
// the rework guidance on global mutable registries.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Register adds a constructor under typeName (e.g. "fs", "s3", "couchdb").
func (r *Registry) Register(typeName string, ctor Constructor) {
	r.constructors[typeName] = ctor
}

// Build instantiates every configured source, keyed by its configured
// name (not its type), so two "s3" sources with different names and
// buckets can coexist in one run.
func (r *Registry) Build(configs []SourceConfig) (map[string]Source, error) {
	out := make(map[string]Source, len(configs))
	for _, c := range configs {
		ctor, ok := r.constructors[c.Type]
		if !ok {
			return nil, fmt.Errorf("sources: no adapter registered for type %q", c.Type)
		}
		src, err := ctor(c.Name, c.Params)
		if err != nil {
			return nil, fmt.Errorf("sources: constructing %q (%s): %w", c.Name, c.Type, err)
		}
		out[c.Name] = src
	}
	return out, nil
}

// SourceConfig mirrors config.ContentSourceConfig without importing
// package config, avoiding an import cycle (config may in the future
// want to validate against this package's registered types).
type SourceConfig struct {
	Name   string
	Type   string
	Params map[string]any
}
