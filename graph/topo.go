package graph

import "fmt"

// TopologicalSort orders the nodes reachable from roots so that every edge
// appears before its target.
//
// Reachable nodes are discovered breadth-first along successor edges. Nodes
// without predecessors seed a deque in root order. The front is popped and
// emitted; each successor's satisfied counter is incremented, and once it
// equals the successor's predecessor count the successor is pushed to the
// front. Emitting a node twice, or running out of ready nodes before every
// discovered node is emitted, returns ErrNotDAG.
func TopologicalSort[T any](g *Graph[T], roots ...int) ([]int, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no root given", ErrBadRoot)
	}
	for _, r := range roots {
		if !g.has(r) {
			return nil, fmt.Errorf("%w: %d not in graph", ErrBadRoot, r)
		}
	}

	reached := g.reachable(roots)
	discovered := 0
	for _, ok := range reached {
		if ok {
			discovered++
		}
	}

	satisfied := make([]int, len(g.nodes))
	emitted := make([]bool, len(g.nodes))
	ready := make([]int, 0, discovered)
	for _, r := range roots {
		if len(g.nodes[r].Prev) == 0 {
			ready = append(ready, r)
		}
	}

	order := make([]int, 0, discovered)
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		if emitted[n] {
			return nil, fmt.Errorf("%w: node %d visited twice", ErrNotDAG, n)
		}
		emitted[n] = true
		order = append(order, n)

		for _, s := range g.nodes[n].Next {
			if !g.has(s) {
				return nil, fmt.Errorf("%w: %d -> %d", ErrDanglingEdge, n, s)
			}
			satisfied[s]++
			if satisfied[s] == len(g.nodes[s].Prev) {
				ready = append([]int{s}, ready...)
			}
		}
	}

	if len(order) != discovered {
		return nil, fmt.Errorf("%w: emitted %d of %d reachable nodes", ErrNotDAG, len(order), discovered)
	}
	return order, nil
}

// TopologicalSortAll orders every node of the arena with Kahn's algorithm:
// all zero in-degree nodes are seeded in index order and released
// first-ready-first-out. A cycle anywhere, reachable or not, returns
// ErrNotDAG.
func TopologicalSortAll[T any](g *Graph[T]) ([]int, error) {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.nodes[i].Prev)
	}
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, s := range g.nodes[n].Next {
			if !g.has(s) {
				return nil, fmt.Errorf("%w: %d -> %d", ErrDanglingEdge, n, s)
			}
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []int
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, i)
			}
		}
		return nil, fmt.Errorf("%w: cycle through nodes %v", ErrNotDAG, stuck)
	}
	return order, nil
}
