package docmodel

import (
	"errors"
	"testing"

	"weft/backend/blob"
	"weft/backend/core/coretest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestDoc(t *testing.T, name string) *Doc {
	t.Helper()
	return NewDoc(coretest.NewTester(name).Key)
}

// sync delivers every changeset of every doc to every other doc,
// redelivering until nothing new applies. Dependency gaps are expected
// mid-flight and resolve as the missing changesets land.
func sync(t *testing.T, docs ...*Doc) {
	t.Helper()

	for {
		var progress bool
		for _, src := range docs {
			for _, eb := range src.Changesets() {
				for _, dst := range docs {
					if dst.seen.Has(eb.CID) || src == dst {
						continue
					}
					err := dst.ApplyChangeset(eb)
					if errors.Is(err, ErrDependencyMissing) {
						continue
					}
					require.NoError(t, err)
					progress = true
				}
			}
		}
		if !progress {
			return
		}
	}
}

func mustText(t *testing.T, d *Doc) string {
	t.Helper()
	doc, err := d.Document()
	require.NoError(t, err)
	return doc.Text()
}

// opIDs extracts the IDs of the ops a changeset carries.
func opIDs(eb blob.Encoded[*blob.Changeset]) []OpID {
	actor := eb.Decoded.Signer.ActorID()
	out := make([]OpID, len(eb.Decoded.Ops))
	for i, op := range eb.Decoded.Ops {
		out[i] = OpID{Seq: op.Seq, Actor: actor}
	}
	return out
}

func TestDocBasicEditing(t *testing.T) {
	alice := newTestDoc(t, "alice")

	_, err := alice.InsertAt(Pos{}, "Hello world")
	require.NoError(t, err)
	require.Equal(t, "Hello world", mustText(t, alice))

	_, err = alice.InsertAt(Pos{Para: 0, Col: 5}, ",")
	require.NoError(t, err)
	require.Equal(t, "Hello, world", mustText(t, alice))

	_, err = alice.Erase(Pos{Col: 5}, Pos{Col: 7})
	require.NoError(t, err)
	require.Equal(t, "Helloworld", mustText(t, alice))

	_, err = alice.InsertAt(Pos{Col: 5}, "\r")
	require.NoError(t, err)

	doc, err := alice.Document()
	require.NoError(t, err)
	require.Len(t, doc.Paragraphs, 2)
	require.Equal(t, "Hello", doc.Paragraphs[0].Text())
	require.Equal(t, "world", doc.Paragraphs[1].Text())
	require.Equal(t, "Hello\rworld", doc.Text())
}

func TestDocEmpty(t *testing.T) {
	alice := newTestDoc(t, "alice")

	doc, err := alice.Document()
	require.NoError(t, err)
	require.Len(t, doc.Paragraphs, 1)
	require.Equal(t, "", doc.Text())
	require.Equal(t, 0, doc.Len())

	_, err = alice.Erase(Pos{}, Pos{})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = alice.InsertAt(Pos{Para: 3}, "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRangeAtDocumentEnd(t *testing.T) {
	alice := newTestDoc(t, "alice")

	_, err := alice.InsertAt(Pos{}, "ab")
	require.NoError(t, err)

	// A range anchored past the last visible fragment is empty.
	_, err = alice.Erase(Pos{Col: 2}, Pos{Col: 2})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = alice.Format(Pos{Col: 2}, Pos{Col: 2}, map[string]string{"bold": "true"}, nil)
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, "ab", mustText(t, alice))
}

func TestConvergence(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	carol := newTestDoc(t, "carol")

	_, err := alice.InsertAt(Pos{}, "base\rtext")
	require.NoError(t, err)
	sync(t, alice, bob, carol)

	// Everyone edits concurrently.
	_, err = alice.InsertAt(Pos{Para: 0, Col: 4}, "!")
	require.NoError(t, err)
	_, err = bob.InsertAt(Pos{Para: 1, Col: 0}, ">> ")
	require.NoError(t, err)
	_, err = carol.Erase(Pos{Para: 1, Col: 0}, Pos{Para: 1, Col: 4})
	require.NoError(t, err)

	sync(t, alice, bob, carol)

	adoc, err := alice.Document()
	require.NoError(t, err)
	bdoc, err := bob.Document()
	require.NoError(t, err)
	cdoc, err := carol.Document()
	require.NoError(t, err)

	require.Empty(t, cmp.Diff(adoc, bdoc))
	require.Empty(t, cmp.Diff(adoc, cdoc))
}

func TestConvergenceDeliveryOrderIndependent(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	_, err := alice.InsertAt(Pos{}, "abc")
	require.NoError(t, err)
	sync(t, alice, bob)

	_, err = alice.InsertAt(Pos{Col: 3}, "def")
	require.NoError(t, err)
	_, err = bob.InsertAt(Pos{Col: 0}, "xyz")
	require.NoError(t, err)
	_, err = bob.Erase(Pos{Col: 3}, Pos{Col: 5})
	require.NoError(t, err)
	sync(t, alice, bob)

	want := mustText(t, alice)
	require.Equal(t, want, mustText(t, bob))

	// A fresh replica must converge to the same document no matter
	// in which order the changesets arrive.
	journal := alice.Changesets()
	perms := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	require.Len(t, journal, 4)

	for _, perm := range perms {
		fresh := newTestDoc(t, "fresh")

		pending := make([]blob.Encoded[*blob.Changeset], 0, len(perm))
		for _, i := range perm {
			pending = append(pending, journal[i])
		}

		for len(pending) > 0 {
			var next []blob.Encoded[*blob.Changeset]
			for _, eb := range pending {
				err := fresh.ApplyChangeset(eb)
				if errors.Is(err, ErrDependencyMissing) {
					next = append(next, eb)
					continue
				}
				require.NoError(t, err)
			}
			require.Less(t, len(next), len(pending), "delivery must make progress")
			pending = next
		}

		require.Equal(t, want, mustText(t, fresh), "permutation %v", perm)
	}
}

func TestSpliceRevivesIdentityAndFormatting(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	a1, err := alice.InsertAt(Pos{}, "Hi")
	require.NoError(t, err)
	insertID := opIDs(a1)[0]

	_, err = alice.Format(Pos{}, Pos{Col: 2}, map[string]string{"bold": "true"}, nil)
	require.NoError(t, err)
	sync(t, alice, bob)

	original := func(d *Doc) []Fragment {
		doc, err := d.Document()
		require.NoError(t, err)
		require.Len(t, doc.Paragraphs, 1)
		return doc.Paragraphs[0].Fragments
	}

	before := original(alice)
	require.Len(t, before, 2)
	require.Equal(t, FragmentID{Origin: insertID, Offset: 0}, before[0].ID)
	require.Equal(t, "true", before[0].Style["bold"])

	// Bob erases the word; Alice sees the erase and types it again.
	_, err = bob.Erase(Pos{}, Pos{Col: 2})
	require.NoError(t, err)
	sync(t, alice, bob)
	require.Equal(t, "", mustText(t, alice))

	a3, err := alice.InsertAt(Pos{}, "Hi")
	require.NoError(t, err)
	reinsertID := opIDs(a3)[0]
	require.NotEmpty(t, a3.Decoded.Ops[0].Splices, "retyping erased content must splice")
	sync(t, alice, bob)

	for _, d := range []*Doc{alice, bob} {
		after := original(d)
		require.Len(t, after, 2)

		// The original identities came back, carried by the new insert,
		// and the formatting written before the erase still applies.
		require.Equal(t, before[0].ID, after[0].ID)
		require.Equal(t, before[1].ID, after[1].ID)
		require.Equal(t, reinsertID, after[0].PlacedBy)
		require.Equal(t, "true", after[0].Style["bold"])
		require.Equal(t, "true", after[1].Style["bold"])
	}
}

func TestSpliceFirstClaimWins(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	carol := newTestDoc(t, "carol")

	a1, err := alice.InsertAt(Pos{}, "Hi")
	require.NoError(t, err)
	insertID := opIDs(a1)[0]
	sync(t, alice, bob, carol)

	erase, err := bob.Erase(Pos{}, Pos{Col: 2})
	require.NoError(t, err)
	eraseID := opIDs(erase)[0]
	sync(t, alice, bob, carol)

	// Alice and Carol both reinsert the same erase concurrently.
	_, err = alice.Reinsert(Pos{}, eraseID)
	require.NoError(t, err)
	_, err = carol.Reinsert(Pos{}, eraseID)
	require.NoError(t, err)
	sync(t, alice, bob, carol)

	docs := make([]*Document, 3)
	for i, d := range []*Doc{alice, bob, carol} {
		doc, err := d.Document()
		require.NoError(t, err)
		docs[i] = doc
	}
	require.Empty(t, cmp.Diff(docs[0], docs[1]))
	require.Empty(t, cmp.Diff(docs[0], docs[2]))

	require.Equal(t, "HiHi", docs[0].Text())

	// Exactly one of the copies carries the original identities;
	// the other one got derived identities from its own op.
	frags := docs[0].Paragraphs[0].Fragments
	var originals int
	for _, f := range frags {
		if f.ID.Origin == insertID {
			originals++
			require.Equal(t, FragmentID{}, f.CopiedFrom)
		} else {
			// The losing copy records which tombstone it was derived from.
			require.Equal(t, FragmentID{Origin: insertID, Offset: f.ID.Offset}, f.CopiedFrom)
		}
	}
	require.Equal(t, 2, originals)
}

func TestReeraseOpensNewClaimCycle(t *testing.T) {
	alice := newTestDoc(t, "alice")

	a1, err := alice.InsertAt(Pos{}, "Hi")
	require.NoError(t, err)
	insertID := opIDs(a1)[0]

	e1, err := alice.Erase(Pos{}, Pos{Col: 2})
	require.NoError(t, err)

	_, err = alice.Reinsert(Pos{}, opIDs(e1)[0])
	require.NoError(t, err)

	// Erase again and reinsert again: the second cycle is claimable on
	// its own, so the original identity survives two round trips.
	e2, err := alice.Erase(Pos{}, Pos{Col: 2})
	require.NoError(t, err)

	_, err = alice.Reinsert(Pos{}, opIDs(e2)[0])
	require.NoError(t, err)

	doc, err := alice.Document()
	require.NoError(t, err)
	require.Equal(t, "Hi", doc.Text())
	require.Equal(t, FragmentID{Origin: insertID, Offset: 0}, doc.Paragraphs[0].Fragments[0].ID)

	// The first cycle's tombstones are spent: reinserting the first
	// erase now only yields derived copies.
	_, err = alice.Reinsert(Pos{Col: 2}, opIDs(e1)[0])
	require.NoError(t, err)

	doc, err = alice.Document()
	require.NoError(t, err)
	require.Equal(t, "HiHi", doc.Text())
	require.NotEqual(t, insertID, doc.Paragraphs[0].Fragments[2].ID.Origin)
}

func TestUndoNeverMovesClaims(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")
	carol := newTestDoc(t, "carol")

	a1, err := alice.InsertAt(Pos{}, "Hi")
	require.NoError(t, err)
	insertID := opIDs(a1)[0]
	sync(t, alice, bob, carol)

	erase, err := bob.Erase(Pos{}, Pos{Col: 2})
	require.NoError(t, err)
	eraseID := opIDs(erase)[0]
	sync(t, alice, bob, carol)

	// Alice revives the word while Carol concurrently undoes the erase.
	// The vote hides the erase, but the claim already moved the
	// identities into Alice's residence, and votes never move them back.
	re, err := alice.Reinsert(Pos{}, eraseID)
	require.NoError(t, err)
	reinsertID := opIDs(re)[0]

	_, ok, err := carol.Undo(eraseID)
	require.NoError(t, err)
	require.True(t, ok)
	sync(t, alice, bob, carol)

	for _, d := range []*Doc{alice, bob, carol} {
		require.True(t, d.Log().Hidden(eraseID))

		doc, err := d.Document()
		require.NoError(t, err)
		require.Equal(t, "Hi", doc.Text())

		frags := doc.Paragraphs[0].Fragments
		require.Len(t, frags, 2)
		require.Equal(t, FragmentID{Origin: insertID, Offset: 0}, frags[0].ID)
		require.Equal(t, FragmentID{Origin: insertID, Offset: 1}, frags[1].ID)
		require.Equal(t, reinsertID, frags[0].PlacedBy)
		require.Equal(t, reinsertID, frags[1].PlacedBy)
	}

	// Hiding the original insert doesn't touch the spliced residence either:
	// the copies are placed by the reinsert and stay where they are.
	_, ok, err = alice.Undo(insertID)
	require.NoError(t, err)
	require.True(t, ok)
	sync(t, alice, bob, carol)

	require.Equal(t, "Hi", mustText(t, alice))
	require.Equal(t, "Hi", mustText(t, bob))
}

func TestUndoRedoInsert(t *testing.T) {
	alice := newTestDoc(t, "alice")

	a1, err := alice.InsertAt(Pos{}, "Hello")
	require.NoError(t, err)
	target := opIDs(a1)[0]

	_, ok, err := alice.Undo(target)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "", mustText(t, alice))

	// Undoing an already hidden op is a no-op.
	_, ok, err = alice.Undo(target)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = alice.Redo(target)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", mustText(t, alice))

	_, ok, err = alice.Redo(target)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUndoEraseRevealsContent(t *testing.T) {
	alice := newTestDoc(t, "alice")

	_, err := alice.InsertAt(Pos{}, "Hello")
	require.NoError(t, err)

	erase, err := alice.Erase(Pos{Col: 1}, Pos{Col: 4})
	require.NoError(t, err)
	require.Equal(t, "Ho", mustText(t, alice))

	_, ok, err := alice.Undo(opIDs(erase)[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Hello", mustText(t, alice))
}

func TestUndoConcurrentVotesSum(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	a1, err := alice.InsertAt(Pos{}, "Hello")
	require.NoError(t, err)
	target := opIDs(a1)[0]
	sync(t, alice, bob)

	// Both replicas undo concurrently: the votes stack to two.
	_, ok, err := alice.Undo(target)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = bob.Undo(target)
	require.NoError(t, err)
	require.True(t, ok)
	sync(t, alice, bob)

	require.Equal(t, "", mustText(t, alice))
	require.Equal(t, "", mustText(t, bob))
	require.EqualValues(t, 2, alice.Log().Votes(target))

	// One redo steps the counter down but the op stays hidden;
	// the second one reveals it everywhere.
	_, ok, err = alice.Redo(target)
	require.NoError(t, err)
	require.True(t, ok)
	sync(t, alice, bob)
	require.Equal(t, "", mustText(t, bob))

	_, ok, err = bob.Redo(target)
	require.NoError(t, err)
	require.True(t, ok)
	sync(t, alice, bob)

	require.Equal(t, "Hello", mustText(t, alice))
	require.Equal(t, "Hello", mustText(t, bob))
}

func TestUndoFormat(t *testing.T) {
	alice := newTestDoc(t, "alice")

	_, err := alice.InsertAt(Pos{}, "Hello")
	require.NoError(t, err)

	format, err := alice.Format(Pos{}, Pos{Col: 5}, map[string]string{"bold": "true"}, nil)
	require.NoError(t, err)

	styled := func() bool {
		doc, err := alice.Document()
		require.NoError(t, err)
		return doc.Paragraphs[0].Fragments[0].Style["bold"] == "true"
	}
	require.True(t, styled())

	_, ok, err := alice.Undo(opIDs(format)[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, styled())

	_, ok, err = alice.Redo(opIDs(format)[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, styled())
}

func TestUndoRejectsUndoTarget(t *testing.T) {
	alice := newTestDoc(t, "alice")

	a1, err := alice.InsertAt(Pos{}, "x")
	require.NoError(t, err)

	undo, _, err := alice.Undo(opIDs(a1)[0])
	require.NoError(t, err)

	_, _, err = alice.Undo(opIDs(undo)[0])
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = alice.Undo(OpID{Seq: 42, Actor: 7})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFormatLastWriterWins(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	_, err := alice.InsertAt(Pos{}, "Hello")
	require.NoError(t, err)
	sync(t, alice, bob)

	_, err = alice.Format(Pos{}, Pos{Col: 5}, map[string]string{"color": "red"}, nil)
	require.NoError(t, err)
	_, err = bob.Format(Pos{}, Pos{Col: 5}, map[string]string{"color": "blue"}, nil)
	require.NoError(t, err)
	sync(t, alice, bob)

	adoc, err := alice.Document()
	require.NoError(t, err)
	bdoc, err := bob.Document()
	require.NoError(t, err)

	require.Empty(t, cmp.Diff(adoc, bdoc))
	got := adoc.Paragraphs[0].Fragments[0].Style["color"]
	require.Contains(t, []string{"red", "blue"}, got)

	// Clearing wins over both.
	_, err = alice.Format(Pos{}, Pos{Col: 5}, map[string]string{"color": ""}, nil)
	require.NoError(t, err)
	sync(t, alice, bob)

	adoc, err = alice.Document()
	require.NoError(t, err)
	require.Empty(t, adoc.Paragraphs[0].Fragments[0].Style)
}

func TestFormatParagraphProperties(t *testing.T) {
	alice := newTestDoc(t, "alice")

	_, err := alice.InsertAt(Pos{}, "title\rbody text")
	require.NoError(t, err)

	_, err = alice.Format(Pos{}, Pos{}, nil, map[string]string{"block": "heading"})
	require.NoError(t, err)

	doc, err := alice.Document()
	require.NoError(t, err)
	require.Len(t, doc.Paragraphs, 2)
	require.Equal(t, "heading", doc.Paragraphs[0].Props["block"])
	require.Empty(t, doc.Paragraphs[1].Props)

	_, err = alice.Format(Pos{Para: 1}, Pos{Para: 1}, nil, map[string]string{"block": "quote"})
	require.NoError(t, err)

	doc, err = alice.Document()
	require.NoError(t, err)
	require.Equal(t, "heading", doc.Paragraphs[0].Props["block"])
	require.Equal(t, "quote", doc.Paragraphs[1].Props["block"])
}

func TestInsertAnchoredToErasedFragment(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	a1, err := alice.InsertAt(Pos{}, "abc")
	require.NoError(t, err)
	insertID := opIDs(a1)[0]
	sync(t, alice, bob)

	// Bob erases "b" while Alice anchors an insert to it. The anchor
	// still resolves: hidden fragments keep their place in the sequence.
	_, err = bob.Erase(Pos{Col: 1}, Pos{Col: 2})
	require.NoError(t, err)
	_, err = alice.Insert(insertID, 1, "X")
	require.NoError(t, err)
	sync(t, alice, bob)

	require.Equal(t, "aXc", mustText(t, alice))
	require.Equal(t, "aXc", mustText(t, bob))
}

func TestApplyChangesetRejectsForeignDocument(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	_, err := alice.InsertAt(Pos{}, "mine")
	require.NoError(t, err)
	_, err = bob.InsertAt(Pos{}, "other")
	require.NoError(t, err)

	err = alice.ApplyChangeset(bob.Changesets()[0])
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestApplyChangesetDependencyMissing(t *testing.T) {
	alice := newTestDoc(t, "alice")
	bob := newTestDoc(t, "bob")

	_, err := alice.InsertAt(Pos{}, "ab")
	require.NoError(t, err)
	second, err := alice.InsertAt(Pos{Col: 2}, "cd")
	require.NoError(t, err)

	// The second changeset depends on the first one; on its own it
	// must be rejected as incomplete, then apply after the gap fills.
	err = bob.ApplyChangeset(second)
	require.ErrorIs(t, err, ErrDependencyMissing)

	require.NoError(t, bob.ApplyChangeset(alice.Changesets()[0]))
	require.NoError(t, bob.ApplyChangeset(second))
	require.Equal(t, "abcd", mustText(t, bob))

	// Redelivery is a no-op.
	require.NoError(t, bob.ApplyChangeset(second))
	require.Len(t, bob.Changesets(), 2)
}
