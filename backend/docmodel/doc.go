package docmodel

import (
	"fmt"
	"iter"
	"strings"

	"weft/backend/blob"
	"weft/backend/core"
	"weft/backend/util/cclock"
	"weft/backend/util/colx"

	"github.com/ipfs/go-cid"
	"golang.org/x/text/unicode/norm"
)

// Doc is the per-replica surface of one document: it owns the operation log,
// the total-order index, and a cached materialization, and it authors signed
// changesets on behalf of the replica's key pair.
//
// Doc is NOT safe for concurrent use.
type Doc struct {
	kp    *core.KeyPair
	clock *cclock.Clock

	genesis cid.Cid
	log     *Log
	ord     *ordering

	snap  *snapshot
	dirty bool

	journal []blob.Encoded[*blob.Changeset]
	seen    colx.HashSet[cid.Cid]
}

// NewDoc creates an empty document for the given replica identity.
// The first changeset the document sees (authored or applied)
// becomes its genesis.
func NewDoc(kp *core.KeyPair) *Doc {
	log := NewLog()
	return &Doc{
		kp:    kp,
		clock: cclock.New(),
		log:   log,
		ord:   newOrdering(log),
		seen:  make(colx.HashSet[cid.Cid]),
	}
}

// Genesis returns the CID of the document's root changeset,
// or cid.Undef before the first changeset is seen.
func (d *Doc) Genesis() cid.Cid {
	return d.genesis
}

// Log exposes the underlying operation log for inspection.
func (d *Doc) Log() *Log {
	return d.log
}

// Changesets returns the applied changeset journal in application order.
// The returned slice must be treated as read-only.
func (d *Doc) Changesets() []blob.Encoded[*blob.Changeset] {
	return d.journal
}

// ApplyChangeset verifies and applies a changeset from any replica,
// including re-delivery of our own. It returns ErrDependencyMissing when
// the changeset's frontier references operations we haven't seen yet;
// the caller is expected to redeliver after the gap is filled.
// Duplicate delivery is a no-op.
func (d *Doc) ApplyChangeset(eb blob.Encoded[*blob.Changeset]) error {
	if d.seen.Has(eb.CID) {
		return nil
	}

	cs := eb.Decoded

	switch {
	case !d.genesis.Defined():
		if cs.Genesis.Defined() {
			return fmt.Errorf("%w: changeset %s needs genesis %s", ErrDependencyMissing, eb.CID, cs.Genesis)
		}
	case cs.Genesis.Defined() && !cs.Genesis.Equals(d.genesis):
		return fmt.Errorf("%w: changeset %s belongs to document %s", ErrCorruptLog, eb.CID, cs.Genesis)
	case !cs.Genesis.Defined() && !eb.CID.Equals(d.genesis):
		return fmt.Errorf("%w: changeset %s is the root of a different document", ErrCorruptLog, eb.CID)
	}

	deps, err := cs.DepIDs()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}

	for _, dep := range deps {
		if !d.log.Has(dep) {
			return fmt.Errorf("%w: changeset %s needs op %s", ErrDependencyMissing, eb.CID, dep)
		}
	}

	actor := cs.Signer.ActorID()
	for _, wireOp := range cs.Ops {
		op, err := DecodeOp(actor, wireOp)
		if err != nil {
			return err
		}

		// A partially applied changeset is fine: appended ops are valid
		// on their own, and redelivery of the changeset is idempotent.
		if err := d.log.Append(op); err != nil {
			return err
		}
	}

	if err := d.clock.Track(cs.Ts); err != nil {
		return fmt.Errorf("%w: changeset %s: %v", ErrCorruptLog, eb.CID, err)
	}

	if !d.genesis.Defined() {
		d.genesis = eb.CID
	}

	d.seen.Put(eb.CID)
	d.journal = append(d.journal, eb)
	d.dirty = true
	return nil
}

// Document materializes (or returns the cached) visible state.
func (d *Doc) Document() (*Document, error) {
	s, err := d.refresh()
	if err != nil {
		return nil, err
	}
	return s.doc, nil
}

// Walk iterates the operations in their resolved total order.
func (d *Doc) Walk() (iter.Seq2[int, *Operation], error) {
	if _, err := d.refresh(); err != nil {
		return nil, err
	}
	return d.ord.Walk(), nil
}

func (d *Doc) refresh() (*snapshot, error) {
	if !d.dirty && d.snap != nil {
		return d.snap, nil
	}

	if err := d.ord.Integrate(); err != nil {
		return nil, err
	}

	snap, err := materialize(d.log, d.ord)
	if err != nil {
		return nil, err
	}

	d.snap = snap
	d.dirty = false
	return snap, nil
}

// nextSeq continues the Lamport discipline: greater than every Seq in the log.
func (d *Doc) nextSeq() uint64 {
	return d.log.MaxSeq() + 1
}

// commit signs the ops into a changeset depending on the current frontier
// and applies it locally.
func (d *Doc) commit(ops []blob.Op) (eb blob.Encoded[*blob.Changeset], err error) {
	heads := colx.WrapSlice(d.log.Heads().Slice()).Sort(OpID.Compare)

	eb, err = blob.NewChangeset(d.kp, d.genesis, heads, ops, d.clock.MustNow())
	if err != nil {
		return eb, err
	}

	if err := d.ApplyChangeset(eb); err != nil {
		return eb, fmt.Errorf("committing own changeset: %w", err)
	}

	return eb, nil
}

// anchorOf converts a slot into a wire anchor. A nil slot is the
// document boundary sentinel.
func anchorOf(sl *slot) blob.Anchor {
	if sl == nil {
		return blob.Anchor{}
	}
	return blob.NewAnchor(sl.placedBy, sl.placedIdx)
}

// InsertAt inserts text at a visible position. Text may contain the
// paragraph separator. When the text exactly matches the still-claimable
// content of a prior erase, the insert is authored as a reinsertion of it,
// so retyping erased content resurrects the original fragment identities.
func (d *Doc) InsertAt(pos Pos, text string) (eb blob.Encoded[*blob.Changeset], err error) {
	s, err := d.refresh()
	if err != nil {
		return eb, err
	}

	before, err := s.slotBefore(pos)
	if err != nil {
		return eb, err
	}

	return d.insert(s, anchorOf(before), text)
}

// Insert inserts text anchored directly at the index-th fragment produced
// by the node operation, or at the document start for the zero node.
func (d *Doc) Insert(node OpID, index int32, text string) (eb blob.Encoded[*blob.Changeset], err error) {
	s, err := d.refresh()
	if err != nil {
		return eb, err
	}

	at := blob.Anchor{}
	if !node.IsZero() {
		at = blob.NewAnchor(node, index)
	}

	return d.insert(s, at, text)
}

func (d *Doc) insert(s *snapshot, at blob.Anchor, text string) (eb blob.Encoded[*blob.Changeset], err error) {
	text = norm.NFC.String(text)
	if text == "" {
		return eb, fmt.Errorf("inserting empty text")
	}

	op := blob.NewOpInsert(d.nextSeq(), at, text, d.autoSplice(s, text))
	return d.commit([]blob.Op{op})
}

// autoSplice looks for the most recent erase whose content is still fully
// claimable and matches the text exactly. It returns the splice refs
// covering that erase, or nil when the insert is fresh content.
func (d *Doc) autoSplice(s *snapshot, text string) []blob.SpliceRef {
	want := []rune(text)

	for i := d.ord.Len() - 1; i >= 0; i-- {
		op := d.ord.At(i)
		if op.Kind != blob.OpErase {
			continue
		}

		if !claimableMatch(s, op, want) {
			continue
		}

		refs := make([]blob.SpliceRef, len(op.Runs))
		for j, r := range op.Runs {
			refs[j] = blob.NewSpliceRef(op.ID, r.First.Origin, r.First.Offset, int32(len(r.Text)))
		}
		return refs
	}

	return nil
}

// claimableMatch reports whether every fragment the erase tombstoned is
// still dead and unclaimed, and the concatenated content equals want.
func claimableMatch(s *snapshot, erase *Operation, want []rune) bool {
	var n int
	for _, r := range erase.Runs {
		n += len(r.Text)
	}
	if n != len(want) {
		return false
	}

	var i int
	for _, r := range erase.Runs {
		for j, v := range r.Text {
			if v != want[i] {
				return false
			}

			f := FragmentID{Origin: r.First.Origin, Offset: r.First.Offset + int32(j)}
			tomb, ok := s.tombs[tombKey{Frag: f, Erase: erase.ID}]
			if !ok || tomb.claimed || !s.frags[f].dead {
				return false
			}

			i++
		}
	}

	return true
}

// Reinsert explicitly reinserts everything a prior erase removed, at the
// given position. Identities that are still claimable are revived; the rest
// come back as derived copies.
func (d *Doc) Reinsert(pos Pos, erase OpID) (eb blob.Encoded[*blob.Changeset], err error) {
	s, err := d.refresh()
	if err != nil {
		return eb, err
	}

	op, err := d.log.Get(erase)
	if err != nil {
		return eb, err
	}
	if op.Kind != blob.OpErase {
		return eb, fmt.Errorf("%w: op %s is not an erase", ErrNotFound, erase)
	}

	before, err := s.slotBefore(pos)
	if err != nil {
		return eb, err
	}

	var text strings.Builder
	refs := make([]blob.SpliceRef, len(op.Runs))
	for i, r := range op.Runs {
		text.WriteString(string(r.Text))
		refs[i] = blob.NewSpliceRef(op.ID, r.First.Origin, r.First.Offset, int32(len(r.Text)))
	}

	wire := blob.NewOpInsert(d.nextSeq(), anchorOf(before), text.String(), refs)
	return d.commit([]blob.Op{wire})
}

// Erase removes the visible fragments in [start, end), carrying a verbatim
// identity-indexed copy of everything it removes so the content stays
// reinsertable.
func (d *Doc) Erase(start, end Pos) (eb blob.Encoded[*blob.Changeset], err error) {
	s, err := d.refresh()
	if err != nil {
		return eb, err
	}

	slots, err := s.visibleRange(start, end)
	if err != nil {
		return eb, err
	}

	after, err := s.slotAt(end)
	if err != nil {
		return eb, err
	}

	var runs []blob.Run
	var first FragmentID
	var text []rune
	flush := func() {
		if len(text) > 0 {
			runs = append(runs, blob.NewRun(first.Origin, first.Offset, string(text)))
		}
	}

	for _, sl := range slots {
		contiguous := len(text) > 0 &&
			sl.frag.Origin == first.Origin &&
			sl.frag.Offset == first.Offset+int32(len(text))
		if !contiguous {
			flush()
			first = sl.frag
			text = text[:0]
		}
		text = append(text, sl.value)
	}
	flush()

	wire := blob.NewOpErase(d.nextSeq(), anchorOf(slots[0]), anchorOf(after), runs)
	return d.commit([]blob.Op{wire})
}

// Format applies character attributes over [start, end) and paragraph
// properties to every paragraph the range intersects. Empty attribute or
// property values clear the key. A paragraph-only format (no character
// attributes) may target empty paragraphs.
func (d *Doc) Format(start, end Pos, attrs, para map[string]string) (eb blob.Encoded[*blob.Changeset], err error) {
	if len(attrs) == 0 && len(para) == 0 {
		return eb, fmt.Errorf("formatting with no attributes and no paragraph properties")
	}

	s, err := d.refresh()
	if err != nil {
		return eb, err
	}

	var from, to blob.Anchor
	if len(attrs) == 0 {
		if from, to, err = s.paragraphRange(start.Para, end.Para); err != nil {
			return eb, err
		}
	} else {
		slots, err := s.visibleRange(start, end)
		if err != nil {
			return eb, err
		}

		after, err := s.slotAt(end)
		if err != nil {
			return eb, err
		}

		from, to = anchorOf(slots[0]), anchorOf(after)
	}

	wire := blob.NewOpFormat(d.nextSeq(), from, to, attrs, para)
	return d.commit([]blob.Op{wire})
}

// paragraphRange builds the anchor range whose governing boundaries are
// exactly the paragraphs first..last: from the opening separator of first
// (document start for paragraph zero) up to the opening separator of the
// paragraph after last (document end when there is none).
func (s *snapshot) paragraphRange(first, last int) (from, to blob.Anchor, err error) {
	if first < 0 || last < first || last >= len(s.doc.Paragraphs) {
		return from, to, fmt.Errorf("%w: paragraph range %d..%d out of range", ErrNotFound, first, last)
	}

	boundaryAnchor := func(p int) blob.Anchor {
		if p == 0 {
			return blob.Anchor{}
		}
		st, ok := s.frags[s.doc.Paragraphs[p].Boundary]
		if !ok {
			panic("BUG: paragraph boundary has no state")
		}
		return anchorOf(st.slot)
	}

	from = boundaryAnchor(first)
	if last+1 < len(s.doc.Paragraphs) {
		to = boundaryAnchor(last + 1)
	}
	return from, to, nil
}

// Undo casts a hide vote on the target operation. It follows the minimal
// delta protocol: the vote is only cast when the target currently renders
// visible, so concurrent undos from several replicas still sum to a single
// step of hiding. Returns ok == false (and no changeset) when the target
// is already hidden.
func (d *Doc) Undo(target OpID) (eb blob.Encoded[*blob.Changeset], ok bool, err error) {
	if err := d.checkUndoTarget(target); err != nil {
		return eb, false, err
	}
	if d.log.Hidden(target) {
		return eb, false, nil
	}

	eb, err = d.commit([]blob.Op{blob.NewOpUndo(d.nextSeq(), target, +1)})
	return eb, err == nil, err
}

// Redo casts a reveal vote on the target operation, only when the target
// currently renders hidden.
func (d *Doc) Redo(target OpID) (eb blob.Encoded[*blob.Changeset], ok bool, err error) {
	if err := d.checkUndoTarget(target); err != nil {
		return eb, false, err
	}
	if !d.log.Hidden(target) {
		return eb, false, nil
	}

	eb, err = d.commit([]blob.Op{blob.NewOpUndo(d.nextSeq(), target, -1)})
	return eb, err == nil, err
}

func (d *Doc) checkUndoTarget(target OpID) error {
	op, err := d.log.Get(target)
	if err != nil {
		return err
	}
	if op.Kind == blob.OpUndo {
		return fmt.Errorf("%w: undo votes can't target other undo votes", ErrNotFound)
	}
	return nil
}
