package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryForConstructsOnce(t *testing.T) {
	r := NewRegistry()
	builds := 0
	r.Register("stub", func(params map[string]any) (Parser, error) {
		builds++
		return parserFunc(func(docID string, content []byte, metadata map[string]any) (*ParseResult, error) {
			return &ParseResult{}, nil
		}), nil
	})

	p1, err := r.For("stub")
	require.NoError(t, err)
	p2, err := r.For("stub")
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, builds, "For should cache the constructed parser")
}

func TestRegistryForUnknownFormatErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.For("nonexistent")
	assert.Error(t, err)
}

func TestRegistryForPropagatesConstructorError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(params map[string]any) (Parser, error) {
		return nil, assert.AnError
	})
	_, err := r.For("broken")
	assert.Error(t, err)
}

// parserFunc adapts a plain function to the Parser interface for tests.
type parserFunc func(docID string, content []byte, metadata map[string]any) (*ParseResult, error)

func (f parserFunc) Parse(docID string, content []byte, metadata map[string]any) (*ParseResult, error) {
	return f(docID, content, metadata)
}
