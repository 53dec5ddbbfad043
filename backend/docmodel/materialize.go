package docmodel

import (
	"fmt"

	"weft/backend/blob"
	"weft/backend/util/btree"
	"weft/backend/util/lwwmap"

	"roci.dev/fracdex"
	"rsc.io/ordered"
)

// slot is one cell in the materialized fragment sequence.
// Slots are keyed by fracdex position and are never removed within a pass:
// hidden and tombstoned fragments keep their slots so later anchors resolve,
// and a slot abandoned by a splice claim stays behind as a marker.
type slot struct {
	pos       string
	frag      FragmentID
	value     rune
	placedBy  OpID  // insert op that placed frag here.
	placedIdx int32 // output index of frag within placedBy's production.

	// moved means the identity was claimed away to a later slot.
	moved bool

	// kills are the erase ops that hit the fragment while it resided here.
	kills []OpID
}

// fragState tracks where a fragment identity currently resides
// and whether it's structurally erased (claimable).
type fragState struct {
	slot *slot
	dead bool
}

// tombKey identifies one claimable erase cycle of a fragment.
// Re-erasing a revived fragment opens a fresh cycle under the new erase op.
type tombKey struct {
	Frag  FragmentID
	Erase OpID
}

// tombstone is a retained copy of an erased fragment's value.
type tombstone struct {
	value   rune
	claimed bool
}

// snapshot is the product of one materialization pass: the document tree
// plus the identity bookkeeping the authoring surface needs to resolve
// positions, build erase runs, and find splice candidates.
type snapshot struct {
	log *Log

	slots    *btree.Map[string, *slot]
	frags    map[FragmentID]*fragState
	produced map[OpID][]FragmentID
	tombs    map[tombKey]*tombstone
	copies   map[FragmentID]FragmentID // derived identity -> tombstoned identity it was copied from.

	attrs *lwwmap.Map // (fragment, attr key) -> value.
	paras *lwwmap.Map // (boundary fragment, prop key) -> value.

	doc *Document
}

// materialize replays the whole total order once and builds the document.
// It's a pure function: the same log always produces the same snapshot,
// which is the core correctness property of the engine.
//
// Structure (fragment placement, tombstones, identity claims) is a function
// of the order alone; undo votes only filter what the final tree shows.
func materialize(log *Log, ord *ordering) (*snapshot, error) {
	s := &snapshot{
		log:      log,
		slots:    btree.New[string, *slot](8, compareStrings),
		frags:    make(map[FragmentID]*fragState),
		produced: make(map[OpID][]FragmentID),
		tombs:    make(map[tombKey]*tombstone),
		copies:   make(map[FragmentID]FragmentID),
		attrs:    lwwmap.New(),
		paras:    lwwmap.New(),
	}

	for pos, op := range ord.Walk() {
		var err error
		switch op.Kind {
		case blob.OpInsert:
			err = s.applyInsert(op)
		case blob.OpErase:
			err = s.applyErase(op)
		case blob.OpFormat:
			err = s.applyFormat(int64(pos), op)
		case blob.OpUndo:
			// Votes are tallied by the log; nothing structural to do.
		default:
			err = fmt.Errorf("%w: unknown op kind %q", ErrCorruptLog, op.Kind)
		}
		if err != nil {
			return nil, err
		}
	}

	s.buildDocument()
	return s, nil
}

func compareStrings(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return +1
	}
	return 0
}

// resolveAnchorSlot returns the fracdex position of the anchored fragment's
// current residence, or "" for the document-start sentinel.
// Anchors resolve through identity indirection: if the fragment was erased
// and reinserted, the anchor follows it to wherever it lives now.
func (s *snapshot) resolveAnchorSlot(a anchor) (string, error) {
	if a.isZero() {
		return "", nil
	}

	ids, ok := s.produced[a.Node]
	if !ok {
		// Deps are checked at append time, so this is unreachable
		// unless the anchor references a non-insert op.
		return "", fmt.Errorf("%w: anchor references op %s which produced nothing", ErrCorruptLog, a.Node)
	}

	if a.Offset < 0 || int(a.Offset) >= len(ids) {
		return "", fmt.Errorf("%w: anchor offset %d out of range for op %s", ErrCorruptLog, a.Offset, a.Node)
	}

	st, ok := s.frags[ids[a.Offset]]
	if !ok {
		panic("BUG: produced fragment has no state")
	}

	return st.slot.pos, nil
}

// pendingFrag is one fragment of an insert before placement.
type pendingFrag struct {
	id    FragmentID
	value rune
	claim bool // winner claim: the identity moves from its tombstone slot.
}

func (s *snapshot) applyInsert(op *Operation) error {
	pending, err := s.resolveIdentities(op)
	if err != nil {
		return err
	}

	left, err := s.resolveAnchorSlot(op.At)
	if err != nil {
		return err
	}

	// Among inserts sharing the anchor, the later op in total order sits
	// closer to the anchor: skip over any slots placed by a greater ID.
	var right string
	for k, sl := range s.slots.Seek(left) {
		if k == left {
			continue
		}

		if sl.placedBy.Compare(op.ID) > 0 {
			left = k
			continue
		}

		right = k
		break
	}

	ids := make([]FragmentID, len(pending))
	prev := left
	for i, pf := range pending {
		key, err := fracdex.KeyBetween(prev, right)
		if err != nil {
			return fmt.Errorf("%w: fracdex: %v", ErrCorruptLog, err)
		}

		sl := &slot{
			pos:       key,
			frag:      pf.id,
			value:     pf.value,
			placedBy:  op.ID,
			placedIdx: int32(i),
		}

		if s.slots.Set(key, sl) {
			panic("BUG: duplicate fracdex key")
		}

		if pf.claim {
			// The winner revives the original identity at the new slot.
			st := s.frags[pf.id]
			st.slot.moved = true
			st.slot = sl
			st.dead = false
		} else {
			if _, ok := s.frags[pf.id]; ok {
				return fmt.Errorf("%w: fragment %s produced twice", ErrCorruptLog, pf.id)
			}
			s.frags[pf.id] = &fragState{slot: sl}
		}

		ids[i] = pf.id
		prev = key
	}

	s.produced[op.ID] = ids
	return nil
}

// resolveIdentities decides the identity of every fragment the insert
// produces. Fresh content mints (op, offset) identities. A reinsertion
// claims tombstones per fragment, in payload order, under the first-claim
// rule: the first claimant in total order of a given erase cycle, with the
// fragment still dead, reclaims the original identity; every other claimant
// gets a derived copy (this op, offset), and the tombstone stays available
// for further concurrent reinsertions.
func (s *snapshot) resolveIdentities(op *Operation) ([]pendingFrag, error) {
	pending := make([]pendingFrag, len(op.Text))

	if len(op.Splices) == 0 {
		for i, v := range op.Text {
			pending[i] = pendingFrag{
				id:    FragmentID{Origin: op.ID, Offset: int32(i)},
				value: v,
			}
		}
		return pending, nil
	}

	var i int32
	for _, sp := range op.Splices {
		for j := int32(0); j < sp.Count; j++ {
			f := FragmentID{Origin: sp.First.Origin, Offset: sp.First.Offset + j}

			tomb, ok := s.tombs[tombKey{Frag: f, Erase: sp.Erase}]
			if !ok {
				return nil, fmt.Errorf("%w: op %s splices %s which erase %s didn't tombstone", ErrCorruptLog, op.ID, f, sp.Erase)
			}

			if tomb.value != op.Text[i] {
				return nil, fmt.Errorf("%w: op %s reinserts %q for tombstone %s holding %q", ErrCorruptLog, op.ID, op.Text[i], f, tomb.value)
			}

			if !tomb.claimed && s.frags[f].dead {
				tomb.claimed = true
				pending[i] = pendingFrag{id: f, value: tomb.value, claim: true}
			} else {
				derived := FragmentID{Origin: op.ID, Offset: i}
				s.copies[derived] = f
				pending[i] = pendingFrag{id: derived, value: tomb.value}
			}

			i++
		}
	}

	return pending, nil
}

func (s *snapshot) applyErase(op *Operation) error {
	for _, r := range op.Runs {
		for i, v := range r.Text {
			f := FragmentID{Origin: r.First.Origin, Offset: r.First.Offset + int32(i)}

			st, ok := s.frags[f]
			if !ok {
				return fmt.Errorf("%w: erase %s references unknown fragment %s", ErrCorruptLog, op.ID, f)
			}

			if st.slot.value != v {
				return fmt.Errorf("%w: erase %s copies %q for fragment %s holding %q", ErrCorruptLog, op.ID, v, f, st.slot.value)
			}

			// Every erase opens its own claim cycle, even if the fragment
			// is already dead from a concurrent erase.
			s.tombs[tombKey{Frag: f, Erase: op.ID}] = &tombstone{value: v}

			st.dead = true
			st.slot.kills = append(st.slot.kills, op.ID)
		}
	}

	return nil
}

// applyFormat writes the op's attributes into the per-fragment registers
// over its [start, end) slot range. The stamp is the op's total-order
// position, so the later op in total order wins per attribute key.
// Hidden slots in range are written too: a fragment revealed later by a redo
// keeps the styles written while it was hidden.
func (s *snapshot) applyFormat(stamp int64, op *Operation) error {
	// Formatting has no structural effect, so the visibility vote
	// filters it out right here: an undone format writes nothing,
	// and a redo brings it back on the next pass.
	if s.log.Hidden(op.ID) {
		return nil
	}

	start, err := s.resolveAnchorSlot(op.Start)
	if err != nil {
		return err
	}

	var end string // "" means the end of the document.
	if !op.End.isZero() {
		end, err = s.resolveAnchorSlot(op.End)
		if err != nil {
			return err
		}
	}

	// Paragraph properties apply per governing boundary: the nearest '\r'
	// slot preceding the range start, plus every '\r' slot inside the range.
	if len(op.Para) > 0 {
		s.setParaProps(stamp, s.boundaryBefore(start), op.Para)
	}

	for k, sl := range s.slots.Seek(start) {
		if end != "" && k >= end {
			break
		}
		if sl.moved {
			continue
		}

		for ak, av := range op.Attrs {
			s.attrs.Set(stamp, fragKey(sl.frag, ak), av)
		}

		if sl.value == ParagraphSep && len(op.Para) > 0 {
			s.setParaProps(stamp, sl.frag, op.Para)
		}
	}

	return nil
}

// boundaryBefore returns the identity of the nearest paragraph separator
// slot at or before the given position, or the zero (document start)
// sentinel. Positions before the first slot pass pos == "".
// A range anchored at a separator slot is governed by that separator.
func (s *snapshot) boundaryBefore(pos string) FragmentID {
	if pos == "" {
		return FragmentID{}
	}

	for _, sl := range s.slots.SeekReverse(pos) {
		if sl.moved {
			continue
		}
		if sl.value == ParagraphSep {
			return sl.frag
		}
	}

	return FragmentID{}
}

func (s *snapshot) setParaProps(stamp int64, boundary FragmentID, props map[string]string) {
	for k, v := range props {
		s.paras.Set(stamp, fragKey(boundary, k), v)
	}
}

// fragKey builds the composite register key for a fragment and an attribute.
// The ordered encoding keeps all keys of one fragment under a common prefix.
func fragKey(f FragmentID, attr string) []byte {
	return ordered.Encode(f.Origin.Seq, uint64(f.Origin.Actor), int64(f.Offset), attr)
}

func fragPrefix(f FragmentID) []byte {
	return ordered.Encode(f.Origin.Seq, uint64(f.Origin.Actor), int64(f.Offset))
}

// visibleKill checks if any of the erases that hit the slot is itself active.
// An undone erase doesn't kill; a concurrent second erase still might.
func (s *snapshot) visibleKill(sl *slot) bool {
	for _, e := range sl.kills {
		if !s.log.Hidden(e) {
			return true
		}
	}
	return false
}

// buildDocument folds the slot sequence into the paragraph tree,
// applying the visibility filter: a slot shows iff its identity still
// resides in it, its placing insert isn't voted out, and no active erase
// killed it. Visible paragraph separators split paragraphs.
func (s *snapshot) buildDocument() {
	doc := &Document{}
	cur := &Paragraph{} // Boundary is the zero sentinel for the first paragraph.

	flush := func() {
		cur.Props = s.paraProps(cur.Boundary)
		doc.Paragraphs = append(doc.Paragraphs, cur)
	}

	for _, sl := range s.slots.Items() {
		if sl.moved {
			continue
		}

		visible := !s.log.Hidden(sl.placedBy) && !s.visibleKill(sl)
		if !visible {
			continue
		}

		if sl.value == ParagraphSep {
			flush()
			cur = &Paragraph{Boundary: sl.frag}
			continue
		}

		cur.Fragments = append(cur.Fragments, Fragment{
			ID:         sl.frag,
			Value:      sl.value,
			PlacedBy:   sl.placedBy,
			PlacedIdx:  sl.placedIdx,
			CopiedFrom: s.copies[sl.frag],
			Style:      s.styleOf(sl.frag),
		})
	}
	flush()

	s.doc = doc
}

// styleOf collects the resolved character attributes of a fragment.
// Empty register values mean the attribute was cleared.
func (s *snapshot) styleOf(f FragmentID) map[string]string {
	var out map[string]string
	for k, v := range s.attrs.Prefix(fragPrefix(f)) {
		if v == "" {
			continue
		}

		var seq, actor uint64
		var off int64
		var attr string
		if err := ordered.Decode(k, &seq, &actor, &off, &attr); err != nil {
			panic(fmt.Errorf("BUG: bad attr register key: %w", err))
		}

		if out == nil {
			out = make(map[string]string)
		}
		out[attr] = v
	}
	return out
}

func (s *snapshot) paraProps(boundary FragmentID) map[string]string {
	var out map[string]string
	for k, v := range s.paras.Prefix(fragPrefix(boundary)) {
		if v == "" {
			continue
		}

		var seq, actor uint64
		var off int64
		var prop string
		if err := ordered.Decode(k, &seq, &actor, &off, &prop); err != nil {
			panic(fmt.Errorf("BUG: bad para register key: %w", err))
		}

		if out == nil {
			out = make(map[string]string)
		}
		out[prop] = v
	}
	return out
}
