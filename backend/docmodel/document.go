package docmodel

import (
	"fmt"
	"iter"
	"strings"
)

// Fragment is one visible character of the document with its stable identity.
type Fragment struct {
	ID    FragmentID
	Value rune

	// PlacedBy and PlacedIdx identify the fragment as an anchor target:
	// the PlacedIdx-th output of the PlacedBy insert.
	PlacedBy  OpID
	PlacedIdx int32

	// CopiedFrom is the tombstoned identity this fragment's value was
	// derived from, when a reinsert found the claim already taken.
	// Zero for fresh and claimed fragments.
	CopiedFrom FragmentID

	// Style holds the resolved character attributes. Nil when unstyled.
	Style map[string]string
}

// Paragraph is a run of visible fragments between paragraph separators.
type Paragraph struct {
	// Boundary is the separator fragment that opens this paragraph,
	// or the zero identity for the first paragraph of the document.
	Boundary FragmentID

	Fragments []Fragment

	// Props holds the resolved paragraph properties. Nil when none are set.
	Props map[string]string
}

func (p *Paragraph) Text() string {
	var sb strings.Builder
	for _, f := range p.Fragments {
		sb.WriteRune(f.Value)
	}
	return sb.String()
}

// Document is the materialized visible state. It always has at least
// one paragraph; an empty document is one empty paragraph.
type Document struct {
	Paragraphs []*Paragraph
}

// Text renders the plain text of the document,
// joining paragraphs with the separator character.
func (d *Document) Text() string {
	var sb strings.Builder
	for i, p := range d.Paragraphs {
		if i > 0 {
			sb.WriteRune(ParagraphSep)
		}
		sb.WriteString(p.Text())
	}
	return sb.String()
}

// Fragments iterates all visible fragments of the document in order,
// including the paragraph separators between paragraphs.
func (d *Document) Fragments() iter.Seq[Fragment] {
	return func(yield func(Fragment) bool) {
		for i, p := range d.Paragraphs {
			if i > 0 {
				if !yield(Fragment{ID: p.Boundary, Value: ParagraphSep}) {
					return
				}
			}
			for _, f := range p.Fragments {
				if !yield(f) {
					return
				}
			}
		}
	}
}

func (d *Document) Len() int {
	n := len(d.Paragraphs) - 1
	for _, p := range d.Paragraphs {
		n += len(p.Fragments)
	}
	return n
}

// Pos addresses a gap between visible fragments: column Col of paragraph
// Para, both zero-based, in runes. Col == len(fragments) is the position
// after the last fragment of the paragraph.
type Pos struct {
	Para int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Para, p.Col)
}

// visibleSlots enumerates the visible slots of the snapshot in order,
// including paragraph separators. This is the flat coordinate space
// that positions map into.
func (s *snapshot) visibleSlots(yield func(*slot) bool) {
	for _, sl := range s.slots.Items() {
		if sl.moved || s.log.Hidden(sl.placedBy) || s.visibleKill(sl) {
			continue
		}
		if !yield(sl) {
			return
		}
	}
}

// slotBefore returns the visible slot immediately preceding the position,
// or nil when the position is the very start of the document. A position at
// column zero of a later paragraph resolves to the opening separator.
func (s *snapshot) slotBefore(pos Pos) (*slot, error) {
	if pos.Para < 0 || pos.Para >= len(s.doc.Paragraphs) {
		return nil, fmt.Errorf("%w: paragraph %d out of range", ErrNotFound, pos.Para)
	}

	p := s.doc.Paragraphs[pos.Para]
	if pos.Col < 0 || pos.Col > len(p.Fragments) {
		return nil, fmt.Errorf("%w: column %d out of range in paragraph %d", ErrNotFound, pos.Col, pos.Para)
	}

	var want FragmentID
	switch {
	case pos.Col > 0:
		want = p.Fragments[pos.Col-1].ID
	case pos.Para > 0:
		want = p.Boundary
	default:
		return nil, nil
	}

	st, ok := s.frags[want]
	if !ok {
		panic("BUG: document fragment has no state")
	}
	return st.slot, nil
}

// slotAt returns the visible slot at the position (the fragment a range
// starting there includes first), or nil when the position is the end of
// the document. The fragment at the end of a non-final paragraph is the
// next paragraph's opening separator.
func (s *snapshot) slotAt(pos Pos) (*slot, error) {
	if pos.Para < 0 || pos.Para >= len(s.doc.Paragraphs) {
		return nil, fmt.Errorf("%w: paragraph %d out of range", ErrNotFound, pos.Para)
	}

	p := s.doc.Paragraphs[pos.Para]
	if pos.Col < 0 || pos.Col > len(p.Fragments) {
		return nil, fmt.Errorf("%w: column %d out of range in paragraph %d", ErrNotFound, pos.Col, pos.Para)
	}

	var want FragmentID
	switch {
	case pos.Col < len(p.Fragments):
		want = p.Fragments[pos.Col].ID
	case pos.Para+1 < len(s.doc.Paragraphs):
		want = s.doc.Paragraphs[pos.Para+1].Boundary
	default:
		return nil, nil
	}

	st, ok := s.frags[want]
	if !ok {
		panic("BUG: document fragment has no state")
	}
	return st.slot, nil
}

// visibleRange collects the visible slots in [start, end).
func (s *snapshot) visibleRange(start, end Pos) ([]*slot, error) {
	from, err := s.slotAt(start)
	if err != nil {
		return nil, err
	}
	if from == nil {
		return nil, fmt.Errorf("%w: empty or inverted range %s..%s", ErrNotFound, start, end)
	}

	to, err := s.slotAt(end)
	if err != nil {
		return nil, err
	}
	if to != nil && to.pos <= from.pos {
		return nil, fmt.Errorf("%w: empty or inverted range %s..%s", ErrNotFound, start, end)
	}

	var out []*slot
	s.visibleSlots(func(sl *slot) bool {
		if len(out) == 0 && sl != from {
			return true
		}
		if to != nil && sl == to {
			return false
		}
		out = append(out, sl)
		return true
	})

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty or inverted range %s..%s", ErrNotFound, start, end)
	}
	return out, nil
}
