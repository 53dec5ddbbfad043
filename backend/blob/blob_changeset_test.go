package blob

import (
	"testing"

	"weft/backend/core/coretest"
	"weft/backend/testutil"
	"weft/backend/util/must"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestOpIDEncoding(t *testing.T) {
	alice := coretest.NewTester("alice")

	ids := []OpID{
		{Seq: 1, Actor: alice.Actor},
		{Seq: 1, Actor: alice.Actor + 1},
		{Seq: 2, Actor: alice.Actor},
		{Seq: maxSeq - 1, Actor: maxActor},
	}

	for i, id := range ids {
		e := id.Encode()
		require.Equal(t, id, e.Decode())

		decoded, err := DecodeOpID(e[:])
		require.NoError(t, err)
		require.Equal(t, id, decoded)

		if i > 0 {
			prev := ids[i-1].Encode()
			require.Equal(t, ids[i-1].Compare(id), -1)
			require.Less(t, string(prev[:]), string(e[:]), "encoded IDs must sort the same as decoded ones")
		}
	}

	zero, err := DecodeOpID(nil)
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = DecodeOpID([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestChangesetRoundTrip(t *testing.T) {
	alice := coretest.NewTester("alice")

	ops := []Op{
		NewOpInsert(1, Anchor{}, "Hi", nil),
		NewOpErase(2,
			NewAnchor(OpID{Seq: 1, Actor: alice.Actor}, 0),
			NewAnchor(OpID{Seq: 1, Actor: alice.Actor}, 1),
			[]Run{NewRun(OpID{Seq: 1, Actor: alice.Actor}, 0, "Hi")},
		),
	}

	eb, err := NewChangeset(alice.Key, cid.Undef, nil, ops, ZeroUnixTime())
	require.NoError(t, err)
	require.True(t, eb.CID.Defined())
	require.Equal(t, eb.CID, NewCID(eb.Data))

	decoded, err := DecodeBlob(eb.CID, eb.Data)
	require.NoError(t, err)

	cs, ok := decoded.(*Changeset)
	require.True(t, ok, "decoded blob must be a changeset")
	require.True(t, cs.Signer.Equal(alice.Principal))
	require.Len(t, cs.Ops, 2)
	require.Equal(t, "Hi", cs.Ops[0].Text)
	require.Equal(t, OpErase, cs.Ops[1].Type)
	require.Len(t, cs.Ops[1].Runs, 1)

	reencoded, err := NewChangeset(alice.Key, cid.Undef, nil, ops, ZeroUnixTime())
	require.NoError(t, err)
	require.Equal(t, eb.CID, reencoded.CID, "encoding must be deterministic")

	// Blob types are sniffed from the CID codec, so a non-dag-cbor CID
	// must not decode even when the bytes are valid.
	_, err = DecodeBlob(testutil.MakeCID(t, "bogus"), eb.Data)
	require.Error(t, err)
}

func TestChangesetTamperDetection(t *testing.T) {
	alice := coretest.NewTester("alice")
	bob := coretest.NewTester("bob")

	eb, err := NewChangeset(alice.Key, cid.Undef, nil, []Op{
		NewOpInsert(1, Anchor{}, "Hi", nil),
	}, ZeroUnixTime())
	require.NoError(t, err)

	// Re-sign the same ops with a different key and splice alice's signer in:
	// the signature must stop verifying.
	forged := *eb.Decoded
	forged.Sig = nil
	forged.Signer = bob.Principal
	require.NoError(t, signBlob(alice.Key, &forged))

	fb, err := encodeBlob(&forged)
	require.NoError(t, err)

	_, err = DecodeBlob(fb.CID, fb.Data)
	require.Error(t, err)
}

func TestChangesetValidate(t *testing.T) {
	alice := coretest.NewTester("alice")

	t.Run("ops must be present", func(t *testing.T) {
		_, err := NewChangeset(alice.Key, cid.Undef, nil, nil, ZeroUnixTime())
		require.NoError(t, err, "signing doesn't validate")
	})

	mk := func(ops []Op) *Changeset {
		return must.Do2(NewChangeset(alice.Key, cid.Undef, nil, ops, ZeroUnixTime())).Decoded
	}

	require.Error(t, mk(nil).Validate())
	require.Error(t, mk([]Op{NewOpInsert(1, Anchor{}, "", nil)}).Validate(), "insert without text")
	require.Error(t, mk([]Op{NewOpUndo(1, OpID{Seq: 1, Actor: alice.Actor}, 2)}).Validate(), "undo delta out of range")
	require.Error(t, mk([]Op{
		NewOpInsert(2, Anchor{}, "a", nil),
		NewOpInsert(2, Anchor{}, "b", nil),
	}).Validate(), "seq must grow within a changeset")
	require.NoError(t, mk([]Op{NewOpInsert(1, Anchor{}, "a", nil)}).Validate())
}
