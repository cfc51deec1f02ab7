// Package embedding implements the token-budgeted contextual-embedding
// engine (spec §4.7): priority-ranked parent/sibling/child context
// selection under a hard token budget, smart truncation when the main
// element alone exceeds its sub-budget, two structured-encoding modes,
// an adaptive budget split keyed on document shape, and delegation to a
// pluggable base embedding model. Ported from original_source's
// TokenAwareContextualEmbedding and AdaptiveContextStrategy
// (embeddings/token_aware_contextual.py), including its tiktoken-based
// counting: CountTokens uses the cl100k_base encoding and falls back to
// the char/word approximation only when the encoding fails to load,
// mirroring the try/except its Python counterpart wraps around
// tiktoken.get_encoding.
package embedding

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Role is the structural relationship an admitted context element bears
// to the element being embedded.
type Role string

const (
	RoleMain          Role = "main"
	RoleParent        Role = "parent"
	RolePrecedingSib  Role = "preceding_sibling"
	RoleFollowingSib  Role = "following_sibling"
	RoleChild         Role = "child"
	RoleCrossDocument Role = "cross_document"
)

// rolePriority ranks roles from most to least important, per spec §4.7:
// "MAIN > PARENT > PRECEDING_SIBLING ≈ FOLLOWING_SIBLING > CHILD > CROSS_DOCUMENT".
var rolePriority = map[Role]int{
	RoleMain:          0,
	RoleParent:        1,
	RolePrecedingSib:  2,
	RoleFollowingSib:  2,
	RoleChild:         3,
	RoleCrossDocument: 4,
}

// elementTypeImportance ranks structural types for the priority function
// ("header > paragraph > list_item").
var elementTypeImportance = map[string]int{
	"header":     0,
	"paragraph":  1,
	"list_item":  2,
	"table_cell": 2,
	"text_block": 1,
}

func typeImportance(elementType string) int {
	if v, ok := elementTypeImportance[elementType]; ok {
		return v
	}
	return 3
}

// ContextElement is one candidate piece of neighborhood context, already
// resolved to text by the caller (package processor, which owns the
// element-to-text projection via content_preview or a fuller fetch).
type ContextElement struct {
	ElementID        string
	ElementType      string
	Role             Role
	Text             string
	Metadata         map[string]any
	ProximityDistance int // 1 = direct parent/sibling, 2 = grandparent, etc.
	DocumentPosition int
}

// Budget is the token allowance split described in spec §4.7's default
// ratios: element 40%, parents 25%, siblings 20%, children 15%.
type Budget struct {
	ElementRatio  float64
	ParentRatio   float64
	SiblingRatio  float64
	ChildRatio    float64
}

// DefaultBudget is the unconstrained-case split.
func DefaultBudget() Budget {
	return Budget{ElementRatio: 0.40, ParentRatio: 0.25, SiblingRatio: 0.20, ChildRatio: 0.15}
}

// DocStats summarizes a parsed document's shape for AdaptiveBudget's
// thresholds, the inputs AdaptiveContextStrategy.select_strategy reads
// off doc_stats in the ported source.
type DocStats struct {
	TotalElements int
	MaxDepth      int
	AvgSiblings   float64
}

// AdaptiveBudget selects a Budget by document shape, per spec §4.7's
// adaptive strategy and ported from AdaptiveContextStrategy's strategy
// table: small documents (under 50 elements) spend more of the budget on
// parent and sibling context since the element alone carries little
// signal; large documents (over 1000 elements) favor the element itself;
// deep hierarchies (depth over 6) favor parents; flat structures
// (average sibling count over 10) favor siblings. Anything outside these
// bands gets DefaultBudget's balanced split.
func AdaptiveBudget(stats DocStats) Budget {
	switch {
	case stats.TotalElements < 50:
		return Budget{ElementRatio: 0.30, ParentRatio: 0.30, SiblingRatio: 0.25, ChildRatio: 0.15}
	case stats.TotalElements > 1000:
		return Budget{ElementRatio: 0.50, ParentRatio: 0.20, SiblingRatio: 0.15, ChildRatio: 0.15}
	case stats.MaxDepth > 6:
		return Budget{ElementRatio: 0.35, ParentRatio: 0.35, SiblingRatio: 0.15, ChildRatio: 0.15}
	case stats.AvgSiblings > 10:
		return Budget{ElementRatio: 0.35, ParentRatio: 0.15, SiblingRatio: 0.35, ChildRatio: 0.15}
	default:
		return DefaultBudget()
	}
}

// EncodingMode selects how an admitted context element is wrapped.
type EncodingMode int

const (
	EncodingBracket EncodingMode = iota
	EncodingXML
)

// Packer assembles a token-budgeted context string for one element.
type Packer struct {
	ModelMax     int
	Budget       Budget
	Encoding     EncodingMode
	CrossDocN    int // number of cross-document context elements admitted, default small
}

// NewPacker builds a Packer with the default budget split and bracket
// encoding; modelMax is the base embedding model's hard token limit.
func NewPacker(modelMax int) *Packer {
	return &Packer{ModelMax: modelMax, Budget: DefaultBudget(), Encoding: EncodingBracket, CrossDocN: 3}
}

// SafeMax is 0.95 * model_max, per spec §4.7.
func (p *Packer) SafeMax() int {
	return int(float64(p.ModelMax) * 0.95)
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// tiktokenEncoding loads the cl100k_base encoding once per process,
// mirroring the ported source's try/except around tiktoken.get_encoding:
// a load failure (offline vocab fetch, unsupported encoding name) leaves
// tokenizer nil so CountTokens falls back to the approximation instead
// of failing every call.
func tiktokenEncoding() *tiktoken.Tiktoken {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	return tokenizer
}

// CountTokens counts text's tokens using the cl100k_base tiktoken
// encoding, falling back to the max of a character-based and word-based
// estimate when the encoding failed to load, the same fallback
// count_tokens takes when self.tokenizer is None.
func CountTokens(text string) int {
	if enc := tiktokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	byChars := len(text) / 4
	byWords := len(strings.Fields(text)) * 4 / 3
	if byWords > byChars {
		return byWords
	}
	return byChars
}

const elisionMarker = "\n\n[... content truncated ...]\n\n"

// SmartTruncate preserves the first 2/3 and last 1/3 of the element
// budget, joined by an explicit elision marker, per spec §4.7.
func SmartTruncate(text string, maxTokens int) string {
	if CountTokens(text) <= maxTokens {
		return text
	}
	ellipsisTokens := CountTokens(elisionMarker)
	contentBudget := maxTokens - ellipsisTokens
	if contentBudget <= 0 {
		return truncateToTokens(text, maxTokens)
	}
	beginBudget := contentBudget * 2 / 3
	endBudget := contentBudget - beginBudget

	begin := truncateToTokens(text, beginBudget)
	end := truncateFromEnd(text, endBudget)
	return begin + elisionMarker + end
}

func truncateToTokens(text string, maxTokens int) string {
	current := CountTokens(text)
	if current <= maxTokens || maxTokens <= 0 {
		if maxTokens <= 0 {
			return ""
		}
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}
	targetWords := len(words) * maxTokens / current
	if targetWords < 1 {
		targetWords = 1
	}
	if targetWords > len(words) {
		targetWords = len(words)
	}
	return strings.Join(words[:targetWords], " ")
}

func truncateFromEnd(text string, maxTokens int) string {
	current := CountTokens(text)
	if current <= maxTokens || maxTokens <= 0 {
		if maxTokens <= 0 {
			return ""
		}
		return text
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}
	targetWords := len(words) * maxTokens / current
	if targetWords < 1 {
		targetWords = 1
	}
	if targetWords > len(words) {
		targetWords = len(words)
	}
	return strings.Join(words[len(words)-targetWords:], " ")
}

// encode wraps one admitted context element's text per the packer's
// encoding mode. The XML opening tag's own token cost is charged against
// the element's sub-budget by the caller before encode is invoked, per
// spec §4.7 ("The XML mode's opening tag accounts for extra token
// overhead in its budget").
func (p *Packer) encode(ce ContextElement) string {
	switch p.Encoding {
	case EncodingXML:
		return fmt.Sprintf(`<context role=%q type=%q id=%q>%s</context>`, ce.Role, ce.ElementType, ce.ElementID, ce.Text)
	default:
		return fmt.Sprintf("[%s:%s:%s] %s", strings.ToUpper(string(ce.Role)), ce.ElementType, ce.ElementID, ce.Text)
	}
}

func (p *Packer) encodingOverhead(ce ContextElement) int {
	withoutText := p.encode(ContextElement{ElementID: ce.ElementID, ElementType: ce.ElementType, Role: ce.Role, Text: ""})
	return CountTokens(withoutText)
}

// selectWithinBudget greedily admits texts in priority order (already
// sorted by the caller via PriorityOrder). The element that would
// overflow the remaining budget is truncated into it when more than 50
// tokens of room remain, and dropped otherwise; either way selection
// stops there — the packer
// never splits a budget across more elements than fit, matching
// select_context_within_budget's behavior in the ported source.
func (p *Packer) selectWithinBudget(elements []ContextElement, budget int) []string {
	if budget <= 0 {
		return nil
	}
	var encoded []string
	used := 0
	for _, ce := range elements {
		overhead := p.encodingOverhead(ce)
		textTokens := CountTokens(ce.Text)
		total := overhead + textTokens

		if used+total <= budget {
			encoded = append(encoded, p.encode(ce))
			used += total
			continue
		}

		remaining := budget - used - overhead
		if remaining > 50 {
			truncated := ce
			truncated.Text = truncateToTokens(ce.Text, remaining)
			encoded = append(encoded, p.encode(truncated))
		}
		break
	}
	return encoded
}

// PriorityOrder sorts context elements by role priority, then proximity
// distance, then element-type importance, then document position
// (recency) — the combined priority function spec §4.7 describes.
func PriorityOrder(elements []ContextElement) []ContextElement {
	out := make([]ContextElement, len(elements))
	copy(out, elements)

	less := func(a, b ContextElement) bool {
		if rolePriority[a.Role] != rolePriority[b.Role] {
			return rolePriority[a.Role] < rolePriority[b.Role]
		}
		if a.ProximityDistance != b.ProximityDistance {
			return a.ProximityDistance < b.ProximityDistance
		}
		if typeImportance(a.ElementType) != typeImportance(b.ElementType) {
			return typeImportance(a.ElementType) < typeImportance(b.ElementType)
		}
		return a.DocumentPosition > b.DocumentPosition
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// packerState is the state machine spec §4.7 names: collecting_parents,
// collecting_siblings, collecting_children, done. Build drives these
// transitions explicitly rather than a single flat loop, so each stage's
// budget and truncation rule stays independently testable.
type packerState int

const (
	stateCollectingParents packerState = iota
	stateCollectingSiblings
	stateCollectingChildren
	stateDone
)

// BuildContext runs the packer's full state machine and returns the
// final encoded context string ready for the base embedder.
func (p *Packer) BuildContext(main ContextElement, parents, siblings, children, crossDoc []ContextElement) string {
	safeMax := p.SafeMax()
	elementBudget := int(float64(safeMax) * p.Budget.ElementRatio)
	parentBudget := int(float64(safeMax) * p.Budget.ParentRatio)
	siblingBudget := int(float64(safeMax) * p.Budget.SiblingRatio)
	childBudget := int(float64(safeMax) * p.Budget.ChildRatio)

	mainTokens := CountTokens(main.Text)
	var mainText string
	if mainTokens > elementBudget {
		mainText = SmartTruncate(main.Text, elementBudget)
	} else {
		mainText = main.Text
		unused := elementBudget - mainTokens
		parentBudget += unused / 3
		siblingBudget += unused / 3
		childBudget += unused - 2*(unused/3)
	}
	main.Text = mainText

	state := stateCollectingParents
	var parentParts, siblingParts, childParts []string

	for state != stateDone {
		switch state {
		case stateCollectingParents:
			parentParts = p.selectWithinBudget(PriorityOrder(parents), parentBudget)
			state = stateCollectingSiblings
		case stateCollectingSiblings:
			siblingParts = p.selectWithinBudget(PriorityOrder(siblings), siblingBudget)
			state = stateCollectingChildren
		case stateCollectingChildren:
			crossBudget := 0
			cross := crossDoc
			if len(cross) > p.CrossDocN {
				cross = cross[:p.CrossDocN]
			}
			childParts = p.selectWithinBudget(PriorityOrder(append(append([]ContextElement{}, children...), cross...)), childBudget+crossBudget)
			state = stateDone
		}
	}

	var sections []string
	if len(parentParts) > 0 {
		sections = append(sections, strings.Join(parentParts, "\n---\n"))
	}
	if len(siblingParts) > 0 {
		sections = append(sections, strings.Join(siblingParts, "\n---\n"))
	}
	sections = append(sections, p.encode(main))
	if len(childParts) > 0 {
		sections = append(sections, strings.Join(childParts, "\n---\n"))
	}

	combined := strings.Join(sections, "\n\n")
	if CountTokens(combined) > safeMax {
		combined = truncateToTokens(combined, safeMax)
	}
	return combined
}

// BaseEmbedder delegates the final text to the real embedding model;
// implementations wrap whichever provider a deployment configures
// (OpenAI, a local model server, etc.) — out of scope for this module
// per spec §1's "embedding-model training" non-goal, but the interface
// boundary must exist so Packer.BuildContext's output has somewhere to go.
type BaseEmbedder interface {
	Embed(text string) ([]float64, error)
}

// Generate builds the context for an element and delegates to base.
func Generate(p *Packer, base BaseEmbedder, main ContextElement, parents, siblings, children, crossDoc []ContextElement) ([]float64, error) {
	context := p.BuildContext(main, parents, siblings, children, crossDoc)
	vec, err := base.Embed(context)
	if err != nil {
		return nil, fmt.Errorf("embedding context for %s: %w", main.ElementID, err)
	}
	return vec, nil
}

// BatchEmbedder is an optional capability a BaseEmbedder implementation
// may also satisfy: a provider that batches several requests into one
// round trip (spec §4.4: "embeddings are batched where the generator
// supports it"). Callers probe for this interface rather than requiring
// it, since plenty of providers only expose a single-item API.
type BatchEmbedder interface {
	EmbedBatch(texts []string) ([][]float64, error)
}

// Request pairs one element's identity with its already-assembled
// context string, the unit GenerateBatch operates on.
type Request struct {
	ElementID string
	Context   string
}

// GenerateBatch embeds every request, using base's EmbedBatch in one call
// when it implements BatchEmbedder, falling back to sequential Embed
// calls otherwise. The returned slice is in the same order as requests.
func GenerateBatch(base BaseEmbedder, requests []Request) ([][]float64, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	if batcher, ok := base.(BatchEmbedder); ok {
		texts := make([]string, len(requests))
		for i, r := range requests {
			texts[i] = r.Context
		}
		vecs, err := batcher.EmbedBatch(texts)
		if err != nil {
			return nil, fmt.Errorf("batch embedding %d contexts: %w", len(requests), err)
		}
		return vecs, nil
	}

	out := make([][]float64, len(requests))
	for i, r := range requests {
		vec, err := base.Embed(r.Context)
		if err != nil {
			return nil, fmt.Errorf("embedding context for %s: %w", r.ElementID, err)
		}
		out[i] = vec
	}
	return out, nil
}
