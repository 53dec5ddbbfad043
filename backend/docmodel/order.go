package docmodel

import (
	"fmt"
	"iter"

	"weft/backend/util/heap"
)

// ordering maintains the deterministic total order over the log:
// a topological order of the dependency DAG where ties are broken
// by picking the smallest ready (Seq, Actor) ID first.
//
// The order is a pure function of the log contents, so every replica
// computes the same one. It's maintained incrementally: a newly appended
// operation only disturbs the suffix starting at its earliest possible slot,
// and the relative order of the previously ordered operations never changes.
type ordering struct {
	log   *Log
	order []int // op positions in total order.
	pos   []int // op position -> index in order.
}

func newOrdering(log *Log) *ordering {
	return &ordering{log: log}
}

// Len returns the number of ordered operations.
func (o *ordering) Len() int {
	return len(o.order)
}

// At returns the operation at the given position of the total order.
func (o *ordering) At(i int) *Operation {
	return o.log.ops[o.order[i]]
}

// PosOf returns the total-order position of the operation, or ErrNotFound.
func (o *ordering) PosOf(id OpID) (int, error) {
	idx, ok := o.log.applied[id]
	if !ok || idx >= len(o.pos) {
		return 0, fmt.Errorf("%w: op %s is not ordered", ErrNotFound, id)
	}
	return o.pos[idx], nil
}

// Walk iterates the operations in total order, yielding the position as well.
func (o *ordering) Walk() iter.Seq2[int, *Operation] {
	return func(yield func(int, *Operation) bool) {
		for i, idx := range o.order {
			if !yield(i, o.log.ops[idx]) {
				return
			}
		}
	}
}

// Integrate catches the order up with the log, placing every not-yet-ordered
// operation into its slot in append order.
func (o *ordering) Integrate() error {
	for len(o.order) < len(o.log.ops) {
		if err := o.integrateOne(len(o.order)); err != nil {
			return err
		}
	}
	return nil
}

// integrateOne places one newly appended operation. Everything at or after
// its earliest possible slot is replayed; the prefix stays untouched.
func (o *ordering) integrateOne(newIdx int) error {
	// The new op can't be placed before all of its deps.
	var minPos int
	for _, dep := range o.log.deps[newIdx] {
		if p := o.pos[dep] + 1; p > minPos {
			minPos = p
		}
	}

	suffix := make([]int, 0, len(o.order)-minPos+1)
	suffix = append(suffix, o.order[minPos:]...)
	suffix = append(suffix, newIdx)

	replayed, err := o.sortSubset(suffix)
	if err != nil {
		return err
	}

	o.order = append(o.order[:minPos], replayed...)
	o.pos = append(o.pos, 0)
	for i := minPos; i < len(o.order); i++ {
		o.pos[o.order[i]] = i
	}

	return nil
}

// Rebuild recomputes the order from scratch.
// It's the reference the incremental path must agree with.
func (o *ordering) Rebuild() error {
	all := make([]int, len(o.log.ops))
	for i := range all {
		all[i] = i
	}

	order, err := o.sortSubset(all)
	if err != nil {
		return err
	}

	o.order = order
	o.pos = make([]int, len(order))
	for i, idx := range order {
		o.pos[idx] = i
	}

	return nil
}

// sortSubset runs the priority-topological sort over the given op positions.
// Dependencies outside the subset are considered already satisfied.
// A stall with unprocessed ops means a dependency cycle, which is unreachable
// through Log.Append with honest actors, hence ErrCorruptLog.
func (o *ordering) sortSubset(subset []int) ([]int, error) {
	indegree := make(map[int]int, len(subset))
	for _, idx := range subset {
		indegree[idx] = 0
	}

	for _, idx := range subset {
		for _, dep := range o.log.deps[idx] {
			if _, ok := indegree[dep]; ok {
				indegree[idx]++
			}
		}
	}

	ready := heap.New(func(a, b int) bool {
		return o.log.ops[a].ID.Compare(o.log.ops[b].ID) < 0
	})
	for idx, deg := range indegree {
		if deg == 0 {
			ready.Push(idx)
		}
	}

	out := make([]int, 0, len(subset))
	for ready.Len() > 0 {
		idx := ready.Pop()
		out = append(out, idx)

		for _, rdep := range o.log.rdeps[idx] {
			if _, ok := indegree[rdep]; !ok {
				continue
			}
			indegree[rdep]--
			if indegree[rdep] == 0 {
				ready.Push(rdep)
			}
		}
	}

	if len(out) != len(subset) {
		return nil, fmt.Errorf("%w: dependency cycle detected", ErrCorruptLog)
	}

	return out, nil
}
