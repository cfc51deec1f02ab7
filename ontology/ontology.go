// Package ontology loads the declarative element→entity and
// entity→entity extraction rules (spec §4.5, §6) and runs them against
// a document's parsed elements. The file format itself is YAML, parsed
// with gopkg.in/yaml.v3 the way package config uses viper for its own
// YAML source — ontology files are hand-authored artifacts distinct from
// runtime configuration, so they get their own loader rather than being
// folded into config.Load.
package ontology

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/evalgo/docforge/types"
)

// Term is a vocabulary item used by semantic_similarity rules.
type Term struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Synonyms    []string `yaml:"synonyms"`
	Description string   `yaml:"description"`
}

// Rule is one extraction rule within an EntityMapping.
type Rule struct {
	Type       string   `yaml:"type"` // regex_pattern, keyword_match, metadata_field, semantic_similarity
	Pattern    string   `yaml:"pattern"`
	Keywords   []string `yaml:"keywords"`
	FieldPath  string   `yaml:"field_path"`
	TermID     string   `yaml:"term_id"`
	Threshold  float64  `yaml:"threshold"`
	Confidence float64  `yaml:"confidence"`

	compiled *regexp.Regexp
}

// EntityMapping lists the extraction rules producing one entity_type.
type EntityMapping struct {
	EntityType      string   `yaml:"entity_type"`
	ElementTypes    []string `yaml:"element_types"`
	ExtractionRules []Rule   `yaml:"extraction_rules"`
}

// Predicate restricts an EntityRelationshipRule to entity pairs whose
// source elements co-occur within the stated scope.
type Predicate struct {
	Scope string `yaml:"scope"` // same_document, same_section, within_n_elements
	N     int    `yaml:"n"`
}

// EntityRelationshipRule matches pairs of entities of the given types and
// emits an edge between them when the predicate (if any) holds.
type EntityRelationshipRule struct {
	SourceEntityType    string     `yaml:"source_entity_type"`
	TargetEntityType    string     `yaml:"target_entity_type"`
	RelationshipType    string     `yaml:"relationship_type"`
	ConfidenceThreshold float64    `yaml:"confidence_threshold"`
	Predicate           *Predicate `yaml:"predicate"`
}

// Ontology is one loaded ontology file.
type Ontology struct {
	Name                    string                    `yaml:"name"`
	Version                 string                    `yaml:"version"`
	Domain                  string                    `yaml:"domain"`
	Terms                   []Term                    `yaml:"terms"`
	ElementEntityMappings   []EntityMapping           `yaml:"element_entity_mappings"`
	EntityRelationshipRules []EntityRelationshipRule  `yaml:"entity_relationship_rules"`
}

// Load reads and parses an ontology file, pre-compiling every
// regex_pattern rule so Extract does not pay compilation cost per call.
func Load(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ontology %s: %w", path, err)
	}
	var o Ontology
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing ontology %s: %w", path, err)
	}
	for mi := range o.ElementEntityMappings {
		for ri := range o.ElementEntityMappings[mi].ExtractionRules {
			r := &o.ElementEntityMappings[mi].ExtractionRules[ri]
			if r.Type == "regex_pattern" && r.Pattern != "" {
				compiled, err := regexp.Compile(r.Pattern)
				if err != nil {
					return nil, fmt.Errorf("ontology %s: compiling pattern %q: %w", path, r.Pattern, err)
				}
				r.compiled = compiled
			}
		}
	}
	return &o, nil
}

// Candidate is one entity produced by a matching rule, before dedup.
type Candidate struct {
	EntityType string
	Name       string
	Attributes map[string]any
	Confidence float64
	ElementPK  int64
}

// EntityID normalizes (type, name) to the stable identifier spec §4.5
// requires: lowercased, whitespace-collapsed, hashed so arbitrary name
// text never leaks structure into the identifier.
func EntityID(entityType, name string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(name), " "))
	h := sha1.Sum([]byte(entityType + "\x00" + norm))
	return fmt.Sprintf("%s:%s", entityType, hex.EncodeToString(h[:])[:16])
}

// fieldLookup resolves a dotted path ("a.b.c") against a metadata map.
func fieldLookup(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func elementTypeAllowed(allowed []string, t types.ElementType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == string(t) {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Embeddings maps element_id to its already-computed embedding vector,
// supplied by the caller (package embedding) for semantic_similarity
// rules; term embeddings are supplied the same way, keyed by term_id.
type Embeddings struct {
	Elements map[string][]float64
	Terms    map[string][]float64
}

// ExtractEntities runs every applicable rule, in declaration order, for
// every element, producing deduplicated candidates keyed by entity_id
// (spec §4.5: "dedupe on entity_id within the document").
func (o *Ontology) ExtractEntities(elements []*types.Element, emb Embeddings) ([]*types.Entity, []*types.ElementEntityMapping) {
	seen := map[string]*types.Entity{}
	var mappings []*types.ElementEntityMapping
	var order []string

	for _, el := range elements {
		for _, mapping := range o.ElementEntityMappings {
			if !elementTypeAllowed(mapping.ElementTypes, el.ElementType) {
				continue
			}
			for _, rule := range mapping.ExtractionRules {
				cand, ok := matchRule(rule, mapping.EntityType, el, emb)
				if !ok {
					continue
				}
				entityID := EntityID(cand.EntityType, cand.Name)
				if _, exists := seen[entityID]; !exists {
					seen[entityID] = &types.Entity{
						EntityID:   entityID,
						EntityType: cand.EntityType,
						Name:       cand.Name,
						Domain:     o.Domain,
						Attributes: cand.Attributes,
					}
					order = append(order, entityID)
				}
				mappings = append(mappings, &types.ElementEntityMapping{
					ElementPK:        el.ElementPK,
					EntityID:         entityID,
					RelationshipType: types.RelDerivedFrom,
					Domain:           o.Domain,
					Confidence:       cand.Confidence,
				})
			}
		}
	}

	entities := make([]*types.Entity, 0, len(order))
	for _, id := range order {
		entities = append(entities, seen[id])
	}
	return entities, mappings
}

func matchRule(r Rule, entityType string, el *types.Element, emb Embeddings) (Candidate, bool) {
	switch r.Type {
	case "regex_pattern":
		if r.compiled == nil {
			return Candidate{}, false
		}
		m := r.compiled.FindStringSubmatch(el.ContentPreview)
		if m == nil {
			return Candidate{}, false
		}
		name := m[0]
		if len(m) > 1 && m[1] != "" {
			name = m[1]
		}
		return Candidate{EntityType: entityType, Name: name, Confidence: r.Confidence, ElementPK: el.ElementPK}, true

	case "keyword_match":
		lower := strings.ToLower(el.ContentPreview)
		for _, kw := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return Candidate{EntityType: entityType, Name: kw, Confidence: r.Confidence, ElementPK: el.ElementPK}, true
			}
		}
		return Candidate{}, false

	case "metadata_field":
		v, ok := fieldLookup(el.Metadata, r.FieldPath)
		if !ok {
			return Candidate{}, false
		}
		name := fmt.Sprintf("%v", v)
		return Candidate{
			EntityType: entityType,
			Name:       name,
			Attributes: map[string]any{r.FieldPath: v},
			Confidence: r.Confidence,
			ElementPK:  el.ElementPK,
		}, true

	case "semantic_similarity":
		elemVec, ok := emb.Elements[el.ElementID]
		if !ok {
			return Candidate{}, false
		}
		termVec, ok := emb.Terms[r.TermID]
		if !ok {
			return Candidate{}, false
		}
		sim := cosineSimilarity(elemVec, termVec)
		threshold := r.Threshold
		if threshold == 0 {
			threshold = 0.8
		}
		if sim < threshold {
			return Candidate{}, false
		}
		return Candidate{
			EntityType: entityType,
			Name:       r.TermID,
			Attributes: map[string]any{"similarity": sim},
			Confidence: r.Confidence * sim,
			ElementPK:  el.ElementPK,
		}, true

	default:
		return Candidate{}, false
	}
}

// coOccurrenceContext describes the per-entity position a Predicate is
// tested against. EvaluateRelationships does not take this type: it
// receives positions as a map from entity_id to document_position, which
// the processor builds from the earliest element mapped to each entity.
type coOccurrenceContext struct {
	DocumentPosition int
}

// EvaluateRelationships tests every EntityRelationshipRule against every
// ordered pair of distinct entities in the document, returning one edge
// per match whose confidence is the rule's confidence_threshold; the
// entities' own extraction confidences are not factored in.
func (o *Ontology) EvaluateRelationships(entities []*types.Entity, positions map[string]int) []*types.EntityRelationship {
	var out []*types.EntityRelationship
	for _, rule := range o.EntityRelationshipRules {
		for _, src := range entities {
			if src.EntityType != rule.SourceEntityType {
				continue
			}
			for _, tgt := range entities {
				if tgt.EntityType != rule.TargetEntityType || tgt.EntityID == src.EntityID {
					continue
				}
				if rule.Predicate != nil && !predicateHolds(*rule.Predicate, positions[src.EntityID], positions[tgt.EntityID]) {
					continue
				}
				out = append(out, &types.EntityRelationship{
					SourceEntityPK:   src.EntityPK,
					TargetEntityPK:   tgt.EntityPK,
					RelationshipType: rule.RelationshipType,
					Confidence:       rule.ConfidenceThreshold,
				})
			}
		}
	}
	return out
}

func predicateHolds(p Predicate, srcPos, tgtPos int) bool {
	switch p.Scope {
	case "same_document":
		return true
	case "within_n_elements":
		d := srcPos - tgtPos
		if d < 0 {
			d = -d
		}
		return d <= p.N
	case "same_section":
		// Without a section boundary annotation, approximate with the
		// same within_n_elements test at a tighter default window.
		d := srcPos - tgtPos
		if d < 0 {
			d = -d
		}
		return d <= 5
	default:
		return true
	}
}
