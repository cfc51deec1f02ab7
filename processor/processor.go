// Package processor implements the per-document pipeline (spec §4.4):
// fetch → parse → link-discover → extract entities → embed → persist,
// including the smart-update diff (§4.6) for re-ingested documents.
// Generalized from the teacher's coordinator.Coordinator orchestration
// style (coordinator/coordinator.go, coordinator/phases.go) — a single
// owning type driving a fixed sequence of named stages against injected
// dependencies, rather than the ad hoc entrypoint the ported Python
// source used.
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/evalgo/docforge/embedding"
	"github.com/evalgo/docforge/ontology"
	"github.com/evalgo/docforge/parsers"
	"github.com/evalgo/docforge/queue"
	"github.com/evalgo/docforge/sources"
	"github.com/evalgo/docforge/storage"
	"github.com/evalgo/docforge/tracing"
	"github.com/evalgo/docforge/types"
)

// FormatOf resolves a parser format tag from a document's metadata;
// when it returns an error, Process fails the document without parsing it.
type FormatOf func(metadata map[string]any) (string, error)

// LinkResolver maps an externally-discovered link target (a raw URL or
// path string from a link relationship) to the (source_name, doc_id)
// pair add_document needs, per spec §4.4 step 3's "heuristic: URL
// pattern matching against registered sources". Returns ok=false when no
// registered source claims the target.
type LinkResolver func(target string) (sourceName, docID string, ok bool)

// Processor wires every collaborator the pipeline needs. One instance is
// shared across a worker's claim loop; it carries no per-document state.
type Processor struct {
	Store        storage.Store
	Queue        *queue.Queue
	Sources      map[string]sources.Source
	Parsers      *parsers.Registry
	Ontology     *ontology.Ontology
	Packer       *embedding.Packer
	BaseEmbedder embedding.BaseEmbedder
	Tracer       *tracing.Provider

	FormatOf     FormatOf
	ResolveLink  LinkResolver
	MaxLinkDepth int

	// EmbeddingEnabled gates step 5 (spec §4.4/§4.7). When false, Packer
	// and BaseEmbedder may still be set (e.g. for tests) but Process
	// skips context assembly and the base-embedder call entirely.
	EmbeddingEnabled bool
}

// Result is returned to the worker loop for logging/metrics after a
// claimed item finishes processing, successfully or not.
type Result struct {
	Outcome  string // "completed" or "unchanged"; empty when Process returns an error
	Preserved, Modified, Created, Deleted int
}

// Process runs the full pipeline for one claimed queue item. Errors
// returned here are exactly what spec §7 calls "parse errors" or
// "integrity errors" — the caller (worker loop) is responsible for
// calling queue.MarkFailed with a fingerprinted ErrorInfo; Process itself
// never touches queue state beyond what's needed to enqueue
// link-discovered documents.
func (p *Processor) Process(ctx context.Context, item *types.QueueItem) (result Result, err error) {
	ctx, span := p.Tracer.StartStage(ctx, "process", item.RunID, item.DocID)
	defer tracing.EndStage(span, &err)

	src, ok := p.Sources[item.SourceName]
	if !ok {
		return Result{}, fmt.Errorf("no registered source named %q", item.SourceName)
	}

	// Step 1: fetch, with the unchanged short-circuit.
	fetchCtx, fetchSpan := p.Tracer.StartStage(ctx, "fetch", item.RunID, item.DocID)
	existing, err := p.Store.GetDocument(fetchCtx, item.DocID)
	hasExisting := err == nil
	if err != nil && !storage.IsNotFound(err) {
		tracing.EndStage(fetchSpan, &err)
		return Result{}, fmt.Errorf("loading existing document %s: %w", item.DocID, err)
	}
	err = nil

	if hasExisting {
		var changed bool
		changed, err = src.HasChanged(fetchCtx, item.DocID, existing.UpdatedAt)
		if err != nil {
			tracing.EndStage(fetchSpan, &err)
			return Result{}, fmt.Errorf("checking change status for %s: %w", item.DocID, err)
		}
		if !changed {
			tracing.EndStage(fetchSpan, &err)
			return Result{Outcome: "unchanged"}, nil
		}
	}

	fetched, err := src.Fetch(fetchCtx, item.DocID)
	if err != nil {
		tracing.EndStage(fetchSpan, &err)
		return Result{}, fmt.Errorf("fetching %s: %w", item.DocID, err)
	}

	contentHash := contentHashOf(fetched.Content)
	if hasExisting && contentHash == existing.ContentHash {
		tracing.EndStage(fetchSpan, &err)
		return Result{Outcome: "unchanged"}, nil
	}
	tracing.EndStage(fetchSpan, &err)

	// Step 2: parse.
	_, parseSpan := p.Tracer.StartStage(ctx, "parse", item.RunID, item.DocID)
	format, err := p.FormatOf(fetched.Metadata)
	if err != nil {
		tracing.EndStage(parseSpan, &err)
		return Result{}, fmt.Errorf("determining parser format for %s: %w", item.DocID, err)
	}
	parser, err := p.Parsers.For(format)
	if err != nil {
		tracing.EndStage(parseSpan, &err)
		return Result{}, fmt.Errorf("resolving parser for %s: %w", item.DocID, err)
	}
	parsed, err := parser.Parse(item.DocID, fetched.Content, fetched.Metadata)
	tracing.EndStage(parseSpan, &err)
	if err != nil {
		return Result{}, fmt.Errorf("parsing %s: %w", item.DocID, err)
	}

	// Step 3: link discovery, bounded by max_link_depth.
	currentDepth := 0
	switch d := item.Metadata["link_depth"].(type) {
	case int:
		currentDepth = d
	case float64:
		// Metadata read back from the queue is JSON-decoded, so numbers
		// arrive as float64.
		currentDepth = int(d)
	}
	if currentDepth < p.MaxLinkDepth {
		if err := p.discoverLinks(ctx, item, parsed.Relationships, currentDepth); err != nil {
			return Result{}, fmt.Errorf("discovering links from %s: %w", item.DocID, err)
		}
	}

	// Step 4: entity extraction.
	var newEntities []*types.Entity
	var newMappings []*types.ElementEntityMapping
	if p.Ontology != nil {
		newEntities, newMappings = p.Ontology.ExtractEntities(parsed.Elements, ontology.Embeddings{})
	}

	// Step 5: token-budgeted contextual embedding (spec §4.4/§4.7). Cross-
	// document context is drawn from the document's PREVIOUS persisted
	// element graph when this is a re-ingest — PersistDocument (step 6)
	// has not run yet, so the old rows (and their outgoing cross_document
	// relationships) are still queryable here.
	if p.EmbeddingEnabled && p.Packer != nil && p.BaseEmbedder != nil {
		if err := p.generateEmbeddings(ctx, item.DocID, parsed.Elements, hasExisting); err != nil {
			return Result{}, fmt.Errorf("generating embeddings for %s: %w", item.DocID, err)
		}
	}

	doc := &types.Document{
		DocID:       item.DocID,
		DocType:     format,
		Source:      item.SourceName,
		ContentHash: contentHash,
		Metadata:    fetched.Metadata,
	}

	// Step 6: persist, smart-update if this is a re-ingest.
	persistCtx, persistSpan := p.Tracer.StartStage(ctx, "persist", item.RunID, item.DocID)
	defer tracing.EndStage(persistSpan, &err)
	ctx = persistCtx
	if hasExisting {
		diff, err := p.computeSmartUpdate(ctx, item.DocID, newEntities)
		if err != nil {
			return Result{}, fmt.Errorf("computing smart update for %s: %w", item.DocID, err)
		}
		if err := p.Store.PersistDocument(ctx, doc, parsed.Elements, parsed.Relationships); err != nil {
			return Result{}, fmt.Errorf("persisting document %s: %w", item.DocID, err)
		}
		if err := p.Store.DeleteMappingsForDocument(ctx, item.DocID); err != nil {
			return Result{}, fmt.Errorf("clearing mappings for %s: %w", item.DocID, err)
		}
		if err := p.Store.ApplyEntityDiff(ctx, item.DocID, diff); err != nil {
			return Result{}, fmt.Errorf("applying entity diff for %s: %w", item.DocID, err)
		}
		if err := p.persistMappings(ctx, newEntities, newMappings); err != nil {
			return Result{}, err
		}
		if err := p.persistEntityRelationships(ctx, newEntities, newMappings, parsed.Elements); err != nil {
			return Result{}, fmt.Errorf("evaluating entity relationships for %s: %w", item.DocID, err)
		}
		result = Result{
			Outcome:   "completed",
			Preserved: len(diff.Preserved),
			Modified:  len(diff.Modified),
			Created:   len(diff.Created),
			Deleted:   len(diff.Deleted),
		}
	} else {
		if err := p.Store.PersistDocument(ctx, doc, parsed.Elements, parsed.Relationships); err != nil {
			return Result{}, fmt.Errorf("persisting document %s: %w", item.DocID, err)
		}
		for _, e := range newEntities {
			if err := p.Store.UpsertEntity(ctx, e); err != nil {
				return Result{}, fmt.Errorf("inserting entity %s: %w", e.EntityID, err)
			}
		}
		if err := p.persistMappings(ctx, newEntities, newMappings); err != nil {
			return Result{}, err
		}
		if err := p.persistEntityRelationships(ctx, newEntities, newMappings, parsed.Elements); err != nil {
			return Result{}, fmt.Errorf("evaluating entity relationships for %s: %w", item.DocID, err)
		}
		result = Result{Outcome: "completed", Created: len(newEntities)}
	}

	return result, nil
}

// generateEmbeddings builds the priority-ranked neighborhood context for
// every element of a freshly parsed document and delegates the final
// text to p.BaseEmbedder, batching the calls when the configured
// embedder supports it (spec §4.4 step 5, §4.7).
func (p *Processor) generateEmbeddings(ctx context.Context, docID string, elements []*types.Element, hasExisting bool) error {
	if len(elements) == 0 {
		return nil
	}

	byID := make(map[string]*types.Element, len(elements))
	childrenByParent := make(map[string][]*types.Element)
	for _, e := range elements {
		byID[e.ElementID] = e
		if e.ParentID != nil {
			childrenByParent[*e.ParentID] = append(childrenByParent[*e.ParentID], e)
		}
	}
	for parent, kids := range childrenByParent {
		sorted := append([]*types.Element{}, kids...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j-1].ElementOrder > sorted[j].ElementOrder; j-- {
				sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			}
		}
		childrenByParent[parent] = sorted
	}

	// A copy carries the adaptive budget (spec §4.7) so concurrent workers
	// sharing this Processor's Packer never race on its Budget field.
	packer := *p.Packer
	packer.Budget = embedding.AdaptiveBudget(docStats(elements, byID, childrenByParent))

	// Cross-document context is only available for a re-ingest: the old
	// rows (and their outgoing cross_document relationships) haven't been
	// deleted yet because PersistDocument (step 6) runs after this.
	oldPKByElementID := map[string]int64{}
	if hasExisting {
		oldElements, err := p.Store.ListElements(ctx, docID)
		if err != nil {
			return fmt.Errorf("loading prior elements for cross-document context: %w", err)
		}
		for _, e := range oldElements {
			oldPKByElementID[e.ElementID] = e.ElementPK
		}
	}

	requests := make([]embedding.Request, 0, len(elements))
	for _, e := range elements {
		main := toContextElement(e, embedding.RoleMain, 0)

		var parents []embedding.ContextElement
		cur := e
		for dist := 1; dist <= 2 && cur.ParentID != nil; dist++ {
			parent, ok := byID[*cur.ParentID]
			if !ok {
				break
			}
			parents = append(parents, toContextElement(parent, embedding.RoleParent, dist))
			cur = parent
		}

		var siblings []embedding.ContextElement
		if e.ParentID != nil {
			for _, sib := range childrenByParent[*e.ParentID] {
				if sib.ElementID == e.ElementID {
					continue
				}
				role := embedding.RoleFollowingSib
				if sib.ElementOrder < e.ElementOrder {
					role = embedding.RolePrecedingSib
				}
				siblings = append(siblings, toContextElement(sib, role, 1))
			}
		}

		var children []embedding.ContextElement
		for _, child := range childrenByParent[e.ElementID] {
			children = append(children, toContextElement(child, embedding.RoleChild, 1))
		}

		var crossDoc []embedding.ContextElement
		if oldPK, ok := oldPKByElementID[e.ElementID]; ok {
			related, _, err := p.Store.RelatedElements(ctx, oldPK, storage.GraphQuery{
				CrossDocumentOnly: true,
				Limit:             packer.CrossDocN,
			})
			if err != nil {
				return fmt.Errorf("loading cross-document context for %s: %w", e.ElementID, err)
			}
			for _, rel := range related {
				crossDoc = append(crossDoc, toContextElement(rel, embedding.RoleCrossDocument, 0))
			}
		}

		context := packer.BuildContext(main, parents, siblings, children, crossDoc)
		requests = append(requests, embedding.Request{ElementID: e.ElementID, Context: context})
	}

	if _, err := embedding.GenerateBatch(p.BaseEmbedder, requests); err != nil {
		return err
	}
	return nil
}

// docStats derives the document-shape statistics embedding.AdaptiveBudget
// selects a strategy from: total element count, the deepest parent chain,
// and the average sibling-group size, the same inputs
// AdaptiveContextStrategy.select_strategy reads off doc_stats in the
// ported source.
func docStats(elements []*types.Element, byID map[string]*types.Element, childrenByParent map[string][]*types.Element) embedding.DocStats {
	maxDepth := 0
	for _, e := range elements {
		depth := 0
		cur := e
		for cur.ParentID != nil {
			parent, ok := byID[*cur.ParentID]
			if !ok {
				break
			}
			depth++
			cur = parent
		}
		if depth > maxDepth {
			maxDepth = depth
		}
	}

	var totalSiblings, groups int
	for _, kids := range childrenByParent {
		if len(kids) == 0 {
			continue
		}
		totalSiblings += len(kids)
		groups++
	}
	var avgSiblings float64
	if groups > 0 {
		avgSiblings = float64(totalSiblings) / float64(groups)
	}

	return embedding.DocStats{TotalElements: len(elements), MaxDepth: maxDepth, AvgSiblings: avgSiblings}
}

func toContextElement(e *types.Element, role embedding.Role, distance int) embedding.ContextElement {
	return embedding.ContextElement{
		ElementID:         e.ElementID,
		ElementType:       string(e.ElementType),
		Role:              role,
		Text:              e.ContentPreview,
		Metadata:          e.Metadata,
		ProximityDistance: distance,
		DocumentPosition:  e.DocumentPosition,
	}
}

// persistMappings resolves each mapping's EntityPK from the just-upserted
// entities (ApplyEntityDiff/UpsertEntity both set EntityPK on the same
// *types.Entity the mapping's EntityID was derived from) before writing the
// element→entity edge; a mapping whose entity never made it into entities
// (should not happen — ExtractEntities derives both together) is skipped.
func (p *Processor) persistMappings(ctx context.Context, entities []*types.Entity, mappings []*types.ElementEntityMapping) error {
	pkByEntityID := make(map[string]int64, len(entities))
	for _, e := range entities {
		pkByEntityID[e.EntityID] = e.EntityPK
	}
	for _, m := range mappings {
		pk, ok := pkByEntityID[m.EntityID]
		if !ok {
			continue
		}
		m.EntityPK = pk
		if err := p.Store.UpsertMapping(ctx, m); err != nil {
			return fmt.Errorf("inserting mapping for element %d: %w", m.ElementPK, err)
		}
	}
	return nil
}

// persistEntityRelationships implements spec §4.5's final step: for every
// pair of distinct entities found in the document, evaluate the ontology's
// entity-relationship rules and persist matching edges. positions maps each
// entity to the document_position of the first element that derived it —
// the co-occurrence context EvaluateRelationships' predicates test against.
func (p *Processor) persistEntityRelationships(ctx context.Context, entities []*types.Entity, mappings []*types.ElementEntityMapping, elements []*types.Element) error {
	if p.Ontology == nil || len(entities) == 0 {
		return nil
	}

	positionByElementPK := make(map[int64]int, len(elements))
	for _, e := range elements {
		positionByElementPK[e.ElementPK] = e.DocumentPosition
	}
	positions := make(map[string]int, len(entities))
	for _, m := range mappings {
		pos, ok := positionByElementPK[m.ElementPK]
		if !ok {
			continue
		}
		if existing, seen := positions[m.EntityID]; !seen || pos < existing {
			positions[m.EntityID] = pos
		}
	}

	for _, rel := range p.Ontology.EvaluateRelationships(entities, positions) {
		if err := p.Store.UpsertEntityRelationship(ctx, rel); err != nil {
			return fmt.Errorf("upserting entity relationship %d->%d: %w", rel.SourceEntityPK, rel.TargetEntityPK, err)
		}
	}
	return nil
}

// discoverLinks resolves each external link-type relationship to a
// (source_name, doc_id) pair and enqueues it with an incremented
// link_depth. add_document's idempotency on (run_id, doc_id) is what
// makes a cycle (A→B→A) safe to call repeatedly within the same run
// (spec §4.4 step 3).
func (p *Processor) discoverLinks(ctx context.Context, item *types.QueueItem, relationships []*types.Relationship, currentDepth int) error {
	if p.ResolveLink == nil {
		return nil
	}
	for _, r := range relationships {
		if r.RelationshipType != types.RelLink {
			continue
		}
		target, _ := r.Metadata["target_url"].(string)
		if target == "" {
			continue
		}
		sourceName, docID, ok := p.ResolveLink(target)
		if !ok {
			continue
		}
		_, err := p.Queue.AddDocument(ctx, item.RunID, docID, sourceName, map[string]any{
			"link_depth":        currentDepth + 1,
			"discovered_from":   item.DocID,
		})
		if err != nil {
			return fmt.Errorf("enqueueing linked document %s: %w", docID, err)
		}
	}
	return nil
}

// computeSmartUpdate implements spec §4.6's classification: preserved
// (same entity_id, same attributes), modified (same entity_id, different
// attributes, entity_pk retained), created (new entity_id), and deleted
// candidates checked against other documents' live mappings before
// actual deletion.
func (p *Processor) computeSmartUpdate(ctx context.Context, docID string, newEntities []*types.Entity) (storage.EntityDiff, error) {
	oldEntities, err := p.Store.EntitiesForDocument(ctx, docID)
	if err != nil {
		return storage.EntityDiff{}, fmt.Errorf("loading prior entities for %s: %w", docID, err)
	}

	oldByID := make(map[string]*types.Entity, len(oldEntities))
	for _, e := range oldEntities {
		oldByID[e.EntityID] = e
	}
	newByID := make(map[string]*types.Entity, len(newEntities))
	for _, e := range newEntities {
		newByID[e.EntityID] = e
	}

	var diff storage.EntityDiff
	for id, oldE := range oldByID {
		newE, stillPresent := newByID[id]
		if !stillPresent {
			count, err := p.Store.EntityMappingCount(ctx, oldE.EntityPK)
			if err != nil {
				return storage.EntityDiff{}, fmt.Errorf("counting mappings for entity %d: %w", oldE.EntityPK, err)
			}
			if count <= 1 {
				// The only mapping is this document's, which is about to
				// be cleared — no other document references it.
				diff.Deleted = append(diff.Deleted, oldE.EntityPK)
			} else {
				diff.Unlinked = append(diff.Unlinked, oldE.EntityPK)
			}
			continue
		}
		if attributesEqual(oldE.Attributes, newE.Attributes) {
			newE.EntityPK = oldE.EntityPK
			diff.Preserved = append(diff.Preserved, newE)
		} else {
			newE.EntityPK = oldE.EntityPK
			diff.Modified = append(diff.Modified, newE)
		}
	}
	for id, newE := range newByID {
		if _, existed := oldByID[id]; !existed {
			diff.Created = append(diff.Created, newE)
		}
	}

	return diff, nil
}

func attributesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

func contentHashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TimeNow is a replaceable clock hook; nothing in this package calls it
// and no test overrides it.
var TimeNow = time.Now
