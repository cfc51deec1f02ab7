// Package plaintext is the illustrative parser implementation: splits a
// document into paragraphs on blank lines and link-like tokens into link
// relationships, enough to exercise the parser registry and the
// element/relationship contract without committing to a real format.
package plaintext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/evalgo/docforge/parsers"
	"github.com/evalgo/docforge/types"
)

type Parser struct{}

func New(params map[string]any) (parsers.Parser, error) {
	return &Parser{}, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s)]+`)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Parse splits content on blank lines into paragraph elements under a
// single root, assigns strict document_position/element_order, and
// emits a link relationship per URL-shaped token found in a paragraph.
func (p *Parser) Parse(docID string, content []byte, metadata map[string]any) (*parsers.ParseResult, error) {
	rootID := fmt.Sprintf("%s#root", docID)
	root := &types.Element{
		ElementID:        rootID,
		DocID:            docID,
		ElementType:      types.ElementRoot,
		ContentHash:      hashOf(""),
		ElementOrder:      0,
		DocumentPosition: 0,
	}
	elements := []*types.Element{root}
	var relationships []*types.Relationship

	paragraphs := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n\n")
	pos := 1
	for i, para := range paragraphs {
		trimmed := strings.TrimSpace(para)
		if trimmed == "" {
			continue
		}
		elID := fmt.Sprintf("%s#p%d", docID, i)
		parentID := rootID
		preview := trimmed
		if len(preview) > 200 {
			preview = preview[:200]
		}
		el := &types.Element{
			ElementID:        elID,
			DocID:            docID,
			ParentID:         &parentID,
			ElementType:      types.ElementParagraph,
			ContentPreview:   preview,
			ContentLocation:  map[string]any{"paragraph_index": i},
			ContentHash:      hashOf(trimmed),
			ElementOrder:      i,
			DocumentPosition: pos,
			Metadata:         map[string]any{"char_count": len(trimmed)},
		}
		elements = append(elements, el)
		pos++

		for _, url := range urlPattern.FindAllString(trimmed, -1) {
			relationships = append(relationships, &types.Relationship{
				RelationshipType: types.RelLink,
				SourceElementID:  elID,
				Metadata: map[string]any{
					"target_url":     url,
					"cross_document": true,
				},
			})
		}
	}

	return &parsers.ParseResult{Elements: elements, Relationships: relationships}, nil
}

var _ parsers.Parser = (*Parser)(nil)
