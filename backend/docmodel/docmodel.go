// Package docmodel implements the convergence engine for a collaborative
// rich-text document: an operation log replicated without a central sequencer,
// a deterministic total order over it, and a materializer that turns the
// ordered operations into the same paragraph/text/formatting tree on every
// replica.
//
// The engine is layered bottom-up:
//
//   - Log: append-only, causally gated storage of decoded operations.
//   - ordering: the deterministic total order over the log.
//   - votes: per-operation undo/redo tallies.
//   - materialize: a single pure walk over the ordered, visibility-filtered
//     operations that resolves fragment identity (including splices of
//     previously erased content) and produces the Document.
//   - Doc: the per-replica authoring facade producing signed changesets.
//
// Nothing here blocks or locks: a replica owns its log, and all concurrency
// is across replicas, resolved by the determinism of the order and of the
// identity rules rather than by coordination.
package docmodel

import (
	"errors"
	"fmt"

	"weft/backend/blob"
	"weft/backend/core"

	"golang.org/x/text/unicode/norm"
)

// Engine error taxonomy.
//
// ErrDependencyMissing is recoverable: the transport must redeliver the
// operation after its dependencies arrive. ErrNotFound signals a stale or
// bogus reference from the caller. ErrCorruptLog is fatal: a non-conforming
// peer or an internal bug; we refuse to silently produce a wrong document.
var (
	ErrDependencyMissing = errors.New("dependency missing")
	ErrNotFound          = errors.New("not found")
	ErrCorruptLog        = errors.New("corrupt log")
)

// FragmentID is the stable identity of a single fragment:
// one character or one paragraph separator,
// traceable to exactly one originating insert operation and output offset.
// Identity is assigned exactly once and survives erase/reinsert cycles.
type FragmentID struct {
	Origin blob.OpID
	Offset int32
}

// IsZero checks if the ID is a zero value.
// The zero FragmentID is used as the document-start sentinel
// for paragraph property registers.
func (f FragmentID) IsZero() bool {
	return f == FragmentID{}
}

// Compare fragment identities by (Origin, Offset).
func (f FragmentID) Compare(other FragmentID) int {
	if c := f.Origin.Compare(other.Origin); c != 0 {
		return c
	}

	if f.Offset < other.Offset {
		return -1
	}
	if f.Offset > other.Offset {
		return +1
	}
	return 0
}

// String implements fmt.Stringer.
func (f FragmentID) String() string {
	return fmt.Sprintf("%s+%d", f.Origin, f.Offset)
}

// ParagraphSep is the paragraph boundary fragment value.
// It's an ordinary fragment for identity and ordering purposes,
// with paragraph-splitting effect when the document tree is built.
const ParagraphSep = '\r'

// anchor is the decoded position reference of an operation:
// the offset-th fragment produced by the node operation.
// The zero anchor is the document boundary sentinel.
type anchor struct {
	Node   blob.OpID
	Offset int32
}

func (a anchor) isZero() bool {
	return a.Node.IsZero()
}

// run is a decoded verbatim copy of contiguous erased fragments:
// len(Text) fragments with identities (First.Origin, First.Offset+i).
type run struct {
	First FragmentID
	Text  []rune
}

// splice is a decoded claim on a contiguous range of tombstoned identities.
type splice struct {
	Erase OpID
	First FragmentID
	Count int32
}

// OpID is re-exported for convenience, since every caller of this package
// needs to talk about operation IDs anyway.
type OpID = blob.OpID

// Operation is the decoded, immutable, in-memory form of a wire operation.
type Operation struct {
	ID   OpID
	Kind blob.OpType

	// Insert payload.
	At      anchor
	Text    []rune
	Splices []splice

	// Erase and Format payloads share the range anchors.
	Start anchor
	End   anchor
	Runs  []run

	// Format payload.
	Attrs map[string]string
	Para  map[string]string

	// Undo payload.
	Target OpID
	Delta  int32

	// deps is the sorted set of operation IDs this operation references.
	// Derived from the payload once at decoding time.
	deps []OpID
}

// Deps returns the operation IDs this operation references.
// The returned slice must be treated as read-only.
func (op *Operation) Deps() []OpID {
	return op.deps
}

// DecodeOp decodes a wire operation authored by the given actor.
func DecodeOp(actor core.ActorID, in blob.Op) (*Operation, error) {
	op := &Operation{
		ID:   OpID{Seq: in.Seq, Actor: actor},
		Kind: in.Type,
	}

	if op.ID.Seq == 0 {
		return nil, fmt.Errorf("%w: op seq must not be zero", ErrCorruptLog)
	}

	decodeAnchor := func(a *blob.Anchor) (anchor, error) {
		if a == nil {
			return anchor{}, nil
		}
		node, err := a.OpID()
		if err != nil {
			return anchor{}, err
		}
		if a.Offset < 0 {
			return anchor{}, fmt.Errorf("negative anchor offset: %d", a.Offset)
		}
		return anchor{Node: node, Offset: a.Offset}, nil
	}

	var err error
	switch in.Type {
	case blob.OpInsert:
		if op.At, err = decodeAnchor(in.At); err != nil {
			return nil, err
		}
		op.Text = []rune(norm.NFC.String(in.Text))
		if len(op.Text) == 0 {
			return nil, fmt.Errorf("%w: insert op %s has no text", ErrCorruptLog, op.ID)
		}

		var claimed int32
		for _, s := range in.Splices {
			eraseID, err := s.EraseID()
			if err != nil {
				return nil, err
			}
			node, err := s.OpID()
			if err != nil {
				return nil, err
			}
			if eraseID.IsZero() || node.IsZero() || s.Count <= 0 {
				return nil, fmt.Errorf("%w: malformed splice ref in op %s", ErrCorruptLog, op.ID)
			}
			op.Splices = append(op.Splices, splice{
				Erase: eraseID,
				First: FragmentID{Origin: node, Offset: s.Offset},
				Count: s.Count,
			})
			claimed += s.Count
		}

		// An insert is either fresh or a pure reinsertion of erased content.
		if claimed > 0 && claimed != int32(len(op.Text)) {
			return nil, fmt.Errorf("%w: splices of op %s cover %d fragments, text has %d", ErrCorruptLog, op.ID, claimed, len(op.Text))
		}

	case blob.OpErase:
		if op.Start, err = decodeAnchor(in.Start); err != nil {
			return nil, err
		}
		if op.End, err = decodeAnchor(in.End); err != nil {
			return nil, err
		}
		for _, r := range in.Runs {
			node, err := r.OpID()
			if err != nil {
				return nil, err
			}
			if node.IsZero() || len(r.Text) == 0 {
				return nil, fmt.Errorf("%w: malformed erase run in op %s", ErrCorruptLog, op.ID)
			}
			op.Runs = append(op.Runs, run{
				First: FragmentID{Origin: node, Offset: r.Offset},
				Text:  []rune(r.Text),
			})
		}
		if len(op.Runs) == 0 {
			return nil, fmt.Errorf("%w: erase op %s has no runs", ErrCorruptLog, op.ID)
		}

	case blob.OpFormat:
		if op.Start, err = decodeAnchor(in.Start); err != nil {
			return nil, err
		}
		if op.End, err = decodeAnchor(in.End); err != nil {
			return nil, err
		}
		op.Attrs = in.Attrs
		op.Para = in.Para
		if len(op.Attrs) == 0 && len(op.Para) == 0 {
			return nil, fmt.Errorf("%w: format op %s changes nothing", ErrCorruptLog, op.ID)
		}

	case blob.OpUndo:
		if op.Target, err = in.TargetID(); err != nil {
			return nil, err
		}
		if op.Target.IsZero() {
			return nil, fmt.Errorf("%w: undo op %s has no target", ErrCorruptLog, op.ID)
		}
		if in.Delta != 1 && in.Delta != -1 {
			return nil, fmt.Errorf("%w: undo op %s has delta %d", ErrCorruptLog, op.ID, in.Delta)
		}
		op.Delta = in.Delta

	default:
		return nil, fmt.Errorf("%w: unknown op type %q", ErrCorruptLog, in.Type)
	}

	op.deps = collectDeps(op)
	return op, nil
}

// collectDeps derives the referenced operation IDs from the payload.
func collectDeps(op *Operation) []OpID {
	seen := make(map[OpID]struct{})
	var out []OpID

	add := func(id OpID) {
		if id.IsZero() || id == op.ID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	add(op.At.Node)
	add(op.Start.Node)
	add(op.End.Node)
	add(op.Target)

	for _, s := range op.Splices {
		add(s.Erase)
		add(s.First.Origin)
	}

	for _, r := range op.Runs {
		add(r.First.Origin)
	}

	sortOpIDs(out)
	return out
}

func sortOpIDs(ids []OpID) {
	// Insertion sort: dependency lists are tiny.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Compare(ids[j-1]) < 0; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
