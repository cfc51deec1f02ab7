package plaintext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/docforge/types"
)

func TestParseEmitsSingleRoot(t *testing.T) {
	p := &Parser{}
	res, err := p.Parse("doc-1", []byte("first paragraph\n\nsecond paragraph"), nil)
	require.NoError(t, err)

	roots := 0
	for _, el := range res.Elements {
		if el.ElementType == types.ElementRoot {
			roots++
			assert.Nil(t, el.ParentID)
		}
	}
	assert.Equal(t, 1, roots)
}

func TestParseSplitsOnBlankLines(t *testing.T) {
	p := &Parser{}
	res, err := p.Parse("doc-1", []byte("alpha\n\nbeta\n\ngamma"), nil)
	require.NoError(t, err)

	var paragraphs []*types.Element
	for _, el := range res.Elements {
		if el.ElementType == types.ElementParagraph {
			paragraphs = append(paragraphs, el)
		}
	}
	require.Len(t, paragraphs, 3)
	for i, el := range paragraphs {
		require.NotNil(t, el.ParentID)
		assert.Equal(t, "doc-1#root", *el.ParentID)
		assert.Equal(t, i, el.ElementOrder)
	}
}

func TestParseSkipsBlankParagraphs(t *testing.T) {
	p := &Parser{}
	res, err := p.Parse("doc-1", []byte("one\n\n\n\ntwo"), nil)
	require.NoError(t, err)

	var paragraphs int
	for _, el := range res.Elements {
		if el.ElementType == types.ElementParagraph {
			paragraphs++
		}
	}
	assert.Equal(t, 2, paragraphs)
}

func TestParseDocumentPositionIsStrictOrder(t *testing.T) {
	p := &Parser{}
	res, err := p.Parse("doc-1", []byte("a\n\nb\n\nc"), nil)
	require.NoError(t, err)

	seen := map[int]bool{}
	for _, el := range res.Elements {
		assert.False(t, seen[el.DocumentPosition], "document_position must be unique")
		seen[el.DocumentPosition] = true
	}
}

func TestParseExtractsLinkRelationships(t *testing.T) {
	p := &Parser{}
	content := []byte("see https://example.com/a for details\n\nand http://example.org/b too")
	res, err := p.Parse("doc-1", content, nil)
	require.NoError(t, err)

	require.Len(t, res.Relationships, 2)
	for _, rel := range res.Relationships {
		assert.Equal(t, types.RelLink, rel.RelationshipType)
		assert.True(t, rel.CrossDocument())
		assert.NotEmpty(t, rel.Metadata["target_url"])
	}
}

func TestParseNoLinksWhenNoURLs(t *testing.T) {
	p := &Parser{}
	res, err := p.Parse("doc-1", []byte("plain text with no links"), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Relationships)
}

func TestParseContentPreviewTruncatedAt200(t *testing.T) {
	p := &Parser{}
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	res, err := p.Parse("doc-1", long, nil)
	require.NoError(t, err)

	for _, el := range res.Elements {
		if el.ElementType == types.ElementParagraph {
			assert.LessOrEqual(t, len(el.ContentPreview), 200)
		}
	}
}

func TestParseContentHashStableForIdenticalBytes(t *testing.T) {
	p := &Parser{}
	content := []byte("stable paragraph one\n\nstable paragraph two")
	res1, err := p.Parse("doc-1", content, nil)
	require.NoError(t, err)
	res2, err := p.Parse("doc-1", content, nil)
	require.NoError(t, err)

	require.Equal(t, len(res1.Elements), len(res2.Elements))
	for i := range res1.Elements {
		assert.Equal(t, res1.Elements[i].ContentHash, res2.Elements[i].ContentHash)
	}
}

func TestNewConstructsParser(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
}
