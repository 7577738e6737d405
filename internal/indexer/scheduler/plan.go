// Package scheduler plans and runs the handlers of one block. Handlers whose
// parallelization keys overlap, directly or through a chain of other handlers,
// form a group that runs sequentially in block order. Distinct groups run
// concurrently on a bounded worker pool.
package scheduler

import (
	"fmt"

	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
)

// Plan is the execution plan of one block. Groups holds handler indices; each
// group is ascending and groups are ordered by their first index.
type Plan struct {
	Groups [][]int
	size   int
}

// NewPlan computes the connected components of the key-overlap graph. keys[i]
// are the parallelization keys of handler i. A handler without keys conflicts
// with nothing and forms its own group.
func NewPlan(keys [][]string) Plan {
	parent := make([]int, len(keys))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// The smaller index stays the root, so a group is named by its first handler.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	owner := make(map[string]int)
	for i, ks := range keys {
		for _, k := range ks {
			if first, ok := owner[k]; ok {
				union(first, i)
				continue
			}
			owner[k] = i
		}
	}

	slot := make(map[int]int)
	var groups [][]int
	for i := range keys {
		root := find(i)
		g, ok := slot[root]
		if !ok {
			g = len(groups)
			slot[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return Plan{Groups: groups, size: len(keys)}
}

// Concurrency is the number of groups, i.e. the widest useful worker pool.
func (p Plan) Concurrency() int { return len(p.Groups) }

// check verifies that every handler is scheduled exactly once and that each
// group preserves block order.
func (p Plan) check() error {
	seen := make([]bool, p.size)
	for gi, g := range p.Groups {
		if len(g) == 0 {
			return &errspkg.InvariantError{Reason: fmt.Sprintf("execution group %d is empty", gi)}
		}
		for j, idx := range g {
			if idx < 0 || idx >= p.size {
				return &errspkg.InvariantError{Reason: fmt.Sprintf("handler index %d out of range", idx)}
			}
			if seen[idx] {
				return &errspkg.InvariantError{Reason: fmt.Sprintf("handler %d scheduled twice", idx)}
			}
			seen[idx] = true
			if j > 0 && g[j-1] > idx {
				return &errspkg.InvariantError{Reason: fmt.Sprintf("execution group %d is out of block order", gi)}
			}
		}
	}
	for idx, ok := range seen {
		if !ok {
			return &errspkg.InvariantError{Reason: fmt.Sprintf("handler %d was never scheduled", idx)}
		}
	}
	return nil
}
