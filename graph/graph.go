// Package graph holds the layer graph: an arena of nodes addressed by index
// with predecessor and successor edge lists, plus topological scheduling.
//
// Nodes are never deleted. A graph is built once (Add, Connect), frozen
// when compilation begins, and read concurrently afterwards.
package graph

import (
	"errors"
	"fmt"
)

// Structural errors. All of them abort compilation.
var (
	// ErrNotDAG is returned when the graph contains a cycle.
	ErrNotDAG = errors.New("graph: not a DAG")

	// ErrDanglingEdge is returned when an edge references a missing node.
	ErrDanglingEdge = errors.New("graph: dangling edge")

	// ErrBadRoot is returned when a root index is missing or has
	// predecessors.
	ErrBadRoot = errors.New("graph: invalid root")

	// ErrUnreachable is returned when a node cannot be reached from any
	// root, or a non-root node has no predecessors.
	ErrUnreachable = errors.New("graph: unreachable node")

	// ErrFrozen is returned when mutating a frozen graph.
	ErrFrozen = errors.New("graph: frozen")
)

// Node is one operator instance with its edges.
type Node[T any] struct {
	ID    int
	Value T
	Prev  []int
	Next  []int
}

// Graph is an index-addressed arena of nodes.
type Graph[T any] struct {
	nodes  []Node[T]
	frozen bool
}

// New creates an empty graph.
func New[T any]() *Graph[T] {
	return &Graph[T]{}
}

// Add appends a node and returns its index.
func (g *Graph[T]) Add(v T) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, Node[T]{ID: id, Value: v})
	return id
}

// Connect adds the edge from -> to. Parallel edges are kept: an operator
// may consume the same producer twice.
func (g *Graph[T]) Connect(from, to int) error {
	if g.frozen {
		return ErrFrozen
	}
	if !g.has(from) || !g.has(to) {
		return fmt.Errorf("%w: %d -> %d (graph has %d nodes)", ErrDanglingEdge, from, to, len(g.nodes))
	}
	g.nodes[from].Next = append(g.nodes[from].Next, to)
	g.nodes[to].Prev = append(g.nodes[to].Prev, from)
	return nil
}

// Freeze marks the graph read-only.
func (g *Graph[T]) Freeze() { g.frozen = true }

// Frozen reports whether Freeze was called.
func (g *Graph[T]) Frozen() bool { return g.frozen }

// Len returns the number of nodes.
func (g *Graph[T]) Len() int { return len(g.nodes) }

// Node returns the node at id.
func (g *Graph[T]) Node(id int) (*Node[T], bool) {
	if !g.has(id) {
		return nil, false
	}
	return &g.nodes[id], true
}

// Value returns the payload of node id. It panics on a bad index.
func (g *Graph[T]) Value(id int) T { return g.nodes[id].Value }

func (g *Graph[T]) has(id int) bool { return id >= 0 && id < len(g.nodes) }

// Validate checks the whole arena, not only the part reachable from the
// roots:
//
//   - every edge endpoint exists (ErrDanglingEdge)
//   - every root exists and has no predecessors (ErrBadRoot)
//   - the arena is acyclic, including components never reached from a
//     root (ErrNotDAG)
//   - every node is reachable from a root and every non-root node has a
//     predecessor (ErrUnreachable)
func (g *Graph[T]) Validate(roots ...int) error {
	if len(roots) == 0 {
		return fmt.Errorf("%w: no root given", ErrBadRoot)
	}
	for i := range g.nodes {
		for _, j := range g.nodes[i].Next {
			if !g.has(j) {
				return fmt.Errorf("%w: %d -> %d", ErrDanglingEdge, i, j)
			}
		}
		for _, j := range g.nodes[i].Prev {
			if !g.has(j) {
				return fmt.Errorf("%w: %d <- %d", ErrDanglingEdge, i, j)
			}
		}
	}
	isRoot := make(map[int]bool, len(roots))
	for _, r := range roots {
		if !g.has(r) {
			return fmt.Errorf("%w: %d not in graph", ErrBadRoot, r)
		}
		if len(g.nodes[r].Prev) != 0 {
			return fmt.Errorf("%w: %d has %d predecessors", ErrBadRoot, r, len(g.nodes[r].Prev))
		}
		isRoot[r] = true
	}

	if _, err := TopologicalSortAll(g); err != nil {
		return err
	}

	reached := g.reachable(roots)
	for i := range g.nodes {
		if !isRoot[i] && len(g.nodes[i].Prev) == 0 {
			return fmt.Errorf("%w: node %d has no predecessors", ErrUnreachable, i)
		}
		if !reached[i] {
			return fmt.Errorf("%w: node %d", ErrUnreachable, i)
		}
	}
	return nil
}

// reachable returns the set of nodes discovered by BFS from roots.
func (g *Graph[T]) reachable(roots []int) []bool {
	seen := make([]bool, len(g.nodes))
	queue := make([]int, 0, len(g.nodes))
	for _, r := range roots {
		if g.has(r) && !seen[r] {
			seen[r] = true
			queue = append(queue, r)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, s := range g.nodes[n].Next {
			if g.has(s) && !seen[s] {
				seen[s] = true
				queue = append(queue, s)
			}
		}
	}
	return seen
}
