package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource is a configurable Source used across this package's tests:
// zero-value behavior matches a trivial source with one listed document,
// and every field can be overridden to drive Cached's branches.
type stubSource struct {
	name        string
	hasChanged  bool
	fetchResult *FetchResult
	fetchErr    error
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) List(ctx context.Context) ([]DocumentRef, error) {
	return []DocumentRef{{DocID: "d1"}}, nil
}
func (s *stubSource) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.fetchResult != nil {
		return s.fetchResult, nil
	}
	return &FetchResult{Content: []byte("x")}, nil
}
func (s *stubSource) HasChanged(ctx context.Context, docID string, lastSeen time.Time) (bool, error) {
	return s.hasChanged, nil
}
func (s *stubSource) FollowLinks(ctx context.Context, content []byte) ([]string, error) {
	return nil, nil
}

func TestRegistryBuildUsesConfiguredName(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", func(name string, params map[string]any) (Source, error) {
		return &stubSource{name: name}, nil
	})

	built, err := r.Build([]SourceConfig{
		{Name: "alpha", Type: "stub"},
		{Name: "beta", Type: "stub"},
	})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "alpha", built["alpha"].Name())
	assert.Equal(t, "beta", built["beta"].Name())
}

func TestRegistryBuildUnknownTypeErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build([]SourceConfig{{Name: "alpha", Type: "missing"}})
	assert.Error(t, err)
}

func TestRegistryBuildPropagatesConstructorError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(name string, params map[string]any) (Source, error) {
		return nil, assert.AnError
	})
	_, err := r.Build([]SourceConfig{{Name: "x", Type: "broken"}})
	assert.Error(t, err)
}

func TestRegistryBuildEmptyConfigsYieldsEmptyMap(t *testing.T) {
	r := NewRegistry()
	built, err := r.Build(nil)
	require.NoError(t, err)
	assert.Empty(t, built)
}
