package ontology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/docforge/types"
)

const sampleOntologyYAML = `
name: test-domain
version: "1"
domain: test
terms:
  - id: term-invoice
    name: invoice
element_entity_mappings:
  - entity_type: ticket
    element_types: [paragraph]
    extraction_rules:
      - type: regex_pattern
        pattern: "TICKET-(\\d+)"
        confidence: 0.9
  - entity_type: person
    element_types: [paragraph]
    extraction_rules:
      - type: keyword_match
        keywords: ["alice", "bob"]
        confidence: 0.6
entity_relationship_rules:
  - source_entity_type: ticket
    target_entity_type: person
    relationship_type: assigned_to
    confidence_threshold: 0.5
    predicate:
      scope: within_n_elements
      n: 3
`

func writeOntology(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ontology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_CompilesRegexPatterns(t *testing.T) {
	path := writeOntology(t, sampleOntologyYAML)
	o, err := Load(path)
	require.NoError(t, err)
	require.Len(t, o.ElementEntityMappings, 2)
	assert.NotNil(t, o.ElementEntityMappings[0].ExtractionRules[0].compiled)
}

func TestLoad_RejectsInvalidPattern(t *testing.T) {
	path := writeOntology(t, `
element_entity_mappings:
  - entity_type: bad
    extraction_rules:
      - type: regex_pattern
        pattern: "(["
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "compiling pattern")
}

func TestEntityID_StableAndCaseInsensitive(t *testing.T) {
	a := EntityID("ticket", "TICKET-42")
	b := EntityID("ticket", "ticket-42")
	assert.Equal(t, a, b)

	c := EntityID("person", "TICKET-42")
	assert.NotEqual(t, a, c)
}

func TestExtractEntities_RegexAndKeywordRules(t *testing.T) {
	path := writeOntology(t, sampleOntologyYAML)
	o, err := Load(path)
	require.NoError(t, err)

	elements := []*types.Element{
		{ElementPK: 1, ElementID: "e1", ElementType: types.ElementParagraph, ContentPreview: "see TICKET-42 for details"},
		{ElementPK: 2, ElementID: "e2", ElementType: types.ElementParagraph, ContentPreview: "assigned to alice"},
	}

	entities, mappings := o.ExtractEntities(elements, Embeddings{})
	require.Len(t, entities, 2)
	require.Len(t, mappings, 2)

	names := map[string]bool{}
	for _, e := range entities {
		names[e.Name] = true
	}
	assert.True(t, names["42"] || names["TICKET-42"])
}

func TestExtractEntities_DedupesByEntityID(t *testing.T) {
	path := writeOntology(t, sampleOntologyYAML)
	o, err := Load(path)
	require.NoError(t, err)

	elements := []*types.Element{
		{ElementPK: 1, ElementID: "e1", ElementType: types.ElementParagraph, ContentPreview: "TICKET-42 opened"},
		{ElementPK: 2, ElementID: "e2", ElementType: types.ElementParagraph, ContentPreview: "TICKET-42 updated"},
	}

	entities, mappings := o.ExtractEntities(elements, Embeddings{})
	assert.Len(t, entities, 1)
	assert.Len(t, mappings, 2)
}

func TestExtractEntities_MetadataFieldRule(t *testing.T) {
	o := &Ontology{
		Domain: "test",
		ElementEntityMappings: []EntityMapping{{
			EntityType: "project",
			ExtractionRules: []Rule{{Type: "metadata_field", FieldPath: "project.code", Confidence: 0.7}},
		}},
	}
	elements := []*types.Element{
		{ElementPK: 1, ElementID: "e1", Metadata: map[string]any{"project": map[string]any{"code": "ALPHA"}}},
	}

	entities, _ := o.ExtractEntities(elements, Embeddings{})
	require.Len(t, entities, 1)
	assert.Equal(t, "ALPHA", entities[0].Name)
}

func TestExtractEntities_SemanticSimilarityRule(t *testing.T) {
	o := &Ontology{
		Domain: "test",
		ElementEntityMappings: []EntityMapping{{
			EntityType: "topic",
			ExtractionRules: []Rule{{Type: "semantic_similarity", TermID: "term-invoice", Threshold: 0.9, Confidence: 1.0}},
		}},
	}
	elements := []*types.Element{{ElementPK: 1, ElementID: "e1"}}
	emb := Embeddings{
		Elements: map[string][]float64{"e1": {1, 0}},
		Terms:    map[string][]float64{"term-invoice": {1, 0}},
	}

	entities, _ := o.ExtractEntities(elements, emb)
	require.Len(t, entities, 1)
	assert.Equal(t, "term-invoice", entities[0].Name)
}

func TestExtractEntities_SemanticSimilarityBelowThresholdRejected(t *testing.T) {
	o := &Ontology{
		ElementEntityMappings: []EntityMapping{{
			EntityType: "topic",
			ExtractionRules: []Rule{{Type: "semantic_similarity", TermID: "t1", Threshold: 0.95}},
		}},
	}
	elements := []*types.Element{{ElementPK: 1, ElementID: "e1"}}
	emb := Embeddings{
		Elements: map[string][]float64{"e1": {1, 0}},
		Terms:    map[string][]float64{"t1": {0, 1}},
	}

	entities, _ := o.ExtractEntities(elements, emb)
	assert.Empty(t, entities)
}

func TestEvaluateRelationships_RespectsPredicate(t *testing.T) {
	o := &Ontology{
		EntityRelationshipRules: []EntityRelationshipRule{{
			SourceEntityType:    "ticket",
			TargetEntityType:    "person",
			RelationshipType:    "assigned_to",
			ConfidenceThreshold: 0.5,
			Predicate:           &Predicate{Scope: "within_n_elements", N: 2},
		}},
	}
	entities := []*types.Entity{
		{EntityID: "ticket:1", EntityPK: 1, EntityType: "ticket"},
		{EntityID: "person:1", EntityPK: 2, EntityType: "person"},
		{EntityID: "person:2", EntityPK: 3, EntityType: "person"},
	}
	positions := map[string]int{"ticket:1": 10, "person:1": 11, "person:2": 50}

	rels := o.EvaluateRelationships(entities, positions)
	require.Len(t, rels, 1)
	assert.Equal(t, int64(1), rels[0].SourceEntityPK)
	assert.Equal(t, int64(2), rels[0].TargetEntityPK)
}

func TestEvaluateRelationships_SameDocumentAlwaysHolds(t *testing.T) {
	o := &Ontology{
		EntityRelationshipRules: []EntityRelationshipRule{{
			SourceEntityType: "a",
			TargetEntityType: "b",
			RelationshipType: "related_to",
			Predicate:        &Predicate{Scope: "same_document"},
		}},
	}
	entities := []*types.Entity{
		{EntityID: "a:1", EntityPK: 1, EntityType: "a"},
		{EntityID: "b:1", EntityPK: 2, EntityType: "b"},
	}

	rels := o.EvaluateRelationships(entities, map[string]int{"a:1": 0, "b:1": 9999})
	assert.Len(t, rels, 1)
}
