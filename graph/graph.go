// Package graph reconstructs an element tree from its flat storage
// representation and detects cycles in relationship/entity graphs,
// generalized from the teacher's graph.ValidateDAG / graph.GetExecutionOrder
// (graph/dag.go), which did the same two things — cycle detection and
// Kahn's-algorithm topological sort — over scheduled-action dependency
// graphs instead of document element/entity graphs.
package graph

import (
	"fmt"

	"github.com/evalgo/docforge/types"
)

// Node wraps an Element with its reconstructed children, ordered by
// ElementOrder. Building this tree on demand from parent_id references is
// the flat-array discipline spec §9 calls for: "no cyclic pointer
// graphs" in the stored representation, a tree view assembled only when
// a caller needs one.
type Node struct {
	Element  *types.Element
	Children []*Node
}

// BuildTree reconstructs the element tree for one document from its flat
// element list. Returns the root node (element_type=root, parent_id=nil)
// or an error if zero or more than one root is present, or if any
// parent_id does not resolve within the same element set — both
// violations of the invariants in spec §3.
func BuildTree(elements []*types.Element) (*Node, error) {
	byID := make(map[string]*Node, len(elements))
	for _, e := range elements {
		byID[e.ElementID] = &Node{Element: e}
	}

	var root *Node
	for _, e := range elements {
		n := byID[e.ElementID]
		if e.ParentID == nil {
			if e.ElementType != types.ElementRoot {
				return nil, fmt.Errorf("element %s has no parent but is not typed root", e.ElementID)
			}
			if root != nil {
				return nil, fmt.Errorf("document has more than one root element (%s and %s)", root.Element.ElementID, e.ElementID)
			}
			root = n
			continue
		}
		parent, ok := byID[*e.ParentID]
		if !ok {
			return nil, fmt.Errorf("element %s references unknown parent_id %s", e.ElementID, *e.ParentID)
		}
		parent.Children = append(parent.Children, n)
	}

	if root == nil {
		return nil, fmt.Errorf("document has no root element")
	}

	sortChildren(root)
	return root, nil
}

func sortChildren(n *Node) {
	for i := 1; i < len(n.Children); i++ {
		j := i
		for j > 0 && n.Children[j-1].Element.ElementOrder > n.Children[j].Element.ElementOrder {
			n.Children[j-1], n.Children[j] = n.Children[j], n.Children[j-1]
			j--
		}
	}
	for _, c := range n.Children {
		sortChildren(c)
	}
}

// Edge is a generic directed edge used by the cycle/topo-sort helpers
// below, keyed by caller-chosen string identifiers (entity_id for the
// entity-relationship graph, doc_id for link-discovery traversal).
type Edge struct {
	From string
	To   string
}

// HasCycle reports whether the directed graph described by edges
// contains a cycle, via depth-first search with a recursion-stack set —
// the same technique as the teacher's checkCycleRecursive, generalized
// away from its ActionRepository dependency to a plain edge list.
//
// Per spec §9, link-discovery cycles (A→B→A) are tolerated by
// add_document's idempotency and must NOT be rejected; this helper is for
// diagnosing unexpected cycles in the entity-relationship graph, which
// has no such idempotency guard.
func HasCycle(nodes []string, edges []Edge) bool {
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))

	var visit func(n string) bool
	visit = func(n string) bool {
		visited[n] = true
		onStack[n] = true
		for _, next := range adj[n] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if onStack[next] {
				return true
			}
		}
		onStack[n] = false
		return false
	}

	for _, n := range nodes {
		if !visited[n] {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// TopologicalOrder returns nodes ordered so every edge points from an
// earlier node to a later one, via Kahn's algorithm — ported from
// graph.GetExecutionOrder with the action-specific dependency walk
// replaced by a plain edge list. Returns an error if the graph has a
// cycle (no valid order exists).
func TopologicalOrder(nodes []string, edges []Edge) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		inDegree[e.To]++
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("graph: cycle detected, no topological order exists")
	}
	return result, nil
}
