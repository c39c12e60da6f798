// Package movegraph plans cross-file move operations. File paths are
// canonicalized and held in an index-keyed arena; validation and ordering
// work over integer node indices rather than a pointer graph.
package movegraph

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"chisel/internal/errs"
)

// Move is one whole-file move, keyed back to its operation for diagnostics.
type Move struct {
	OpIndex int
	Source  string
	Dest    string
}

// Canonical normalizes a path so that spellings like "./a.py" and "a.py"
// collide.
func Canonical(path string) string {
	return filepath.Clean(path)
}

// Plan validates the move set and returns the moves in execution order.
// The order is the reverse topological order of the source→destination
// graph: in a chain A→B, B→C, the B→C move runs first so that B is vacant
// when A→B lands. exists reports whether a path is currently present on
// disk; it is the planner's only I/O.
func Plan(moves []Move, exists func(string) bool) ([]Move, error) {
	if len(moves) == 0 {
		return nil, nil
	}

	canonical := make([]Move, len(moves))
	copy(canonical, moves)
	sort.Slice(canonical, func(i, j int) bool { return canonical[i].OpIndex < canonical[j].OpIndex })

	// Arena of canonical paths; every edge is a pair of node indices.
	index := make(map[string]int)
	var paths []string
	intern := func(p string) int {
		c := Canonical(p)
		if i, ok := index[c]; ok {
			return i
		}
		i := len(paths)
		index[c] = i
		paths = append(paths, c)
		return i
	}

	edges := make([]edge, 0, len(canonical))
	bySource := make(map[int]int)   // src node -> edge index
	destOwner := make(map[int]Move) // dst node -> first move claiming it

	for _, m := range canonical {
		src, dst := intern(m.Source), intern(m.Dest)

		if prev, dup := bySource[src]; dup {
			return nil, errs.New(errs.KindInvalidRequest,
				"multiple moves from %q (operations %d and %d)",
				paths[src], edges[prev].move.OpIndex, m.OpIndex)
		}
		if src == dst {
			return nil, errs.New(errs.KindInvalidRequest, "move from %q to itself", paths[src])
		}
		if prev, taken := destOwner[dst]; taken {
			return nil, errs.New(errs.KindInvalidRequest,
				"multiple moves into %q (operations %d and %d)",
				paths[dst], prev.OpIndex, m.OpIndex)
		}
		bySource[src] = len(edges)
		destOwner[dst] = m
		edges = append(edges, edge{move: m, src: src, dst: dst})
	}

	// A destination that already exists is only legal when it is itself a
	// source in this graph: the chain vacates it before it is filled.
	for _, e := range edges {
		if _, vacated := bySource[e.dst]; vacated {
			continue
		}
		if exists(paths[e.dst]) {
			return nil, errs.New(errs.KindInvalidRequest,
				"move destination %q already exists and is not moved away", paths[e.dst])
		}
	}

	if cycle := findCycle(len(paths), bySource, edges); cycle != nil {
		names := make([]string, len(cycle))
		for i, n := range cycle {
			names[i] = paths[n]
		}
		return nil, errs.New(errs.KindInvalidRequest,
			"move cycle detected: %s", strings.Join(names, " -> "))
	}

	return executionOrder(edges, bySource), nil
}

type edge struct {
	move     Move
	src, dst int
}

// findCycle runs DFS with a recursion stack over the src→dst edges and
// returns the node cycle (closed, first node repeated last) if one exists.
func findCycle(nodes int, bySource map[int]int, edges []edge) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, nodes)

	for start := 0; start < nodes; start++ {
		if color[start] != white {
			continue
		}
		var stack []int
		n := start
		for n >= 0 && color[n] == white {
			color[n] = gray
			stack = append(stack, n)
			ei, ok := bySource[n]
			if !ok {
				break
			}
			next := edges[ei].dst
			if color[next] == gray {
				// Trim the tail of the stack down to where the cycle enters.
				var cycle []int
				for i, m := range stack {
					if m == next {
						cycle = append(cycle, stack[i:]...)
						break
					}
				}
				return append(cycle, next)
			}
			if color[next] == black {
				break
			}
			n = next
		}
		for _, m := range stack {
			color[m] = black
		}
	}
	return nil
}

// executionOrder walks each chain from its head (a source no move feeds
// into) down to its sink and emits the moves sink-first.
func executionOrder(edges []edge, bySource map[int]int) []Move {
	isDest := make(map[int]bool)
	for _, e := range edges {
		isDest[e.dst] = true
	}

	var order []Move
	for _, head := range edges {
		if isDest[head.src] {
			continue // not a chain head
		}
		var chain []Move
		ei, ok := bySource[head.src]
		for ok {
			chain = append(chain, edges[ei].move)
			ei, ok = bySource[edges[ei].dst]
		}
		for i := len(chain) - 1; i >= 0; i-- {
			order = append(order, chain[i])
		}
	}
	return order
}

// Describe renders a move for logs and summaries.
func (m Move) Describe() string {
	return fmt.Sprintf("%s -> %s", m.Source, m.Dest)
}
