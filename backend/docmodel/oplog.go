package docmodel

import (
	"fmt"
	"reflect"

	"weft/backend/blob"
	"weft/backend/util/colx"

	"golang.org/x/exp/slices"
)

// Log is the append-only, causally gated store of all known operations.
// It keeps the dependency graph in both directions, the current head set,
// and the per-target undo tallies, but no ordering or materialization logic.
//
// Operations are identified by position in the ops slice internally;
// applied maps external IDs to positions.
type Log struct {
	ops     []*Operation
	applied map[OpID]int
	deps    [][]int // deps for each op.
	rdeps   [][]int // reverse deps for each op.
	heads   colx.HashSet[OpID]

	// votes is the sum of undo deltas per target op.
	// It's a pure function of the set of Undo ops in the log,
	// so it can be maintained incrementally in any arrival order.
	votes map[OpID]int64

	// undos lists the Undo ops known for each target, for authoring deps.
	undos map[OpID][]OpID

	// maxSeq is the largest Seq ever seen, for Lamport-style seq generation.
	maxSeq uint64
}

// NewLog creates an empty operation log.
func NewLog() *Log {
	return &Log{
		applied: make(map[OpID]int),
		heads:   make(colx.HashSet[OpID]),
		votes:   make(map[OpID]int64),
		undos:   make(map[OpID][]OpID),
	}
}

// Len returns the number of operations in the log.
func (l *Log) Len() int {
	return len(l.ops)
}

// MaxSeq returns the largest sequence number the log has seen.
func (l *Log) MaxSeq() uint64 {
	return l.maxSeq
}

// Get returns the operation by ID, or ErrNotFound.
func (l *Log) Get(id OpID) (*Operation, error) {
	idx, ok := l.applied[id]
	if !ok {
		return nil, fmt.Errorf("%w: op %s", ErrNotFound, id)
	}
	return l.ops[idx], nil
}

// Has checks if the operation is in the log.
func (l *Log) Has(id OpID) bool {
	_, ok := l.applied[id]
	return ok
}

// Heads returns the set of operations nothing else depends on yet.
// Must be treated as read-only.
func (l *Log) Heads() colx.HashSet[OpID] {
	return l.heads
}

// Append stores the operation, keyed by its ID.
// It fails with ErrDependencyMissing if any referenced operation is absent:
// the caller must redeliver once the dependencies arrive.
// Re-appending an already stored operation is a no-op, supporting
// at-least-once delivery; the same ID with different content is ErrCorruptLog.
func (l *Log) Append(op *Operation) error {
	if prev, ok := l.applied[op.ID]; ok {
		if !sameOp(l.ops[prev], op) {
			return fmt.Errorf("%w: op %s delivered twice with different content", ErrCorruptLog, op.ID)
		}
		return nil
	}

	deps := make([]int, len(op.deps))
	for i, dep := range op.deps {
		depIdx, ok := l.applied[dep]
		if !ok {
			return fmt.Errorf("%w: op %s needs %s", ErrDependencyMissing, op.ID, dep)
		}
		deps[i] = depIdx
	}

	l.ops = append(l.ops, op)
	l.deps = append(l.deps, nil)
	l.rdeps = append(l.rdeps, nil)
	curIdx := len(l.ops) - 1
	l.applied[op.ID] = curIdx
	l.heads.Put(op.ID)

	// One more pass through the deps to update the internal DAG structure
	// and the current head set.
	for i, dep := range op.deps {
		// If any of the deps was a head, then it's no longer the case.
		l.heads.Delete(dep)

		// Keeping the DAG edges between ops in both directions.
		l.deps[curIdx] = addUnique(l.deps[curIdx], deps[i])
		l.rdeps[deps[i]] = addUnique(l.rdeps[deps[i]], curIdx)
	}

	if op.ID.Seq > l.maxSeq {
		l.maxSeq = op.ID.Seq
	}

	if op.Kind == blob.OpUndo {
		l.votes[op.Target] += int64(op.Delta)
		l.undos[op.Target] = append(l.undos[op.Target], op.ID)
	}

	return nil
}

// Votes returns the resolved undo tally of the target operation.
// The target is hidden from the materialized document iff the tally is
// positive; concurrent redos may drive the raw sum negative, which still
// renders the target visible.
func (l *Log) Votes(target OpID) int64 {
	return l.votes[target]
}

// Hidden checks if the target operation is currently voted out.
func (l *Log) Hidden(target OpID) bool {
	return l.votes[target] > 0
}

// UndosOf returns the known Undo ops for the target, in arrival order.
// Must be treated as read-only.
func (l *Log) UndosOf(target OpID) []OpID {
	return l.undos[target]
}

// ReduceDeps returns the minimal equivalent of the given dependency set,
// dropping every ID that is already an ancestor of another ID in the set.
//
// Given the following DAG, asking for (c, b) returns only (c),
// because b is reachable from c:
//
//	a ← b ← c ← d
//	     ↖
//	       e
func (l *Log) ReduceDeps(ids []OpID) []OpID {
	if len(ids) < 2 {
		return slices.Clone(ids)
	}

	want := make(map[int]OpID, len(ids))
	for _, id := range ids {
		idx, ok := l.applied[id]
		if !ok {
			panic("BUG: reducing deps of an unknown op")
		}
		want[idx] = id
	}

	// Walk the ancestry of every candidate; any candidate reached
	// from another one is redundant.
	redundant := make(map[int]struct{})
	visited := make(map[int]struct{})
	var stack []int

	for idx := range want {
		stack = append(stack, l.deps[idx]...)
	}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := visited[node]; ok {
			continue
		}
		visited[node] = struct{}{}

		if _, ok := want[node]; ok {
			redundant[node] = struct{}{}
		}

		stack = append(stack, l.deps[node]...)
	}

	out := make([]OpID, 0, len(want)-len(redundant))
	for idx, id := range want {
		if _, ok := redundant[idx]; !ok {
			out = append(out, id)
		}
	}

	sortOpIDs(out)
	return out
}

func addUnique(in []int, v int) []int {
	// Slice in is very small most of the time,
	// and is assumed to be sorted.
	// Our assumption here is that linear search would be faster than binary search,
	// because most ops have only a few dependencies.
	targetIndex := len(in)
	for i, x := range in {
		if x == v {
			return in
		}

		if x > v {
			targetIndex = i
			break
		}
	}

	return slices.Insert(in, targetIndex, v)
}

func sameOp(a, b *Operation) bool {
	return reflect.DeepEqual(a, b)
}
