package storage

import (
	"os"
	"path/filepath"
	"testing"

	"weft/backend/core/coretest"
	"weft/backend/docmodel"
	"weft/backend/testutil"

	"github.com/stretchr/testify/require"
)

func TestOpenInitAndReopen(t *testing.T) {
	dir := testutil.MakeRepoPath(t)
	alice := coretest.NewTester("alice")

	s, err := Open(dir, alice.Key, nil)
	require.NoError(t, err)
	require.Equal(t, alice.Principal, s.KeyPair().Principal())
	require.NoError(t, s.Close())

	// Reopening without a key loads the stored one.
	s, err = Open(dir, nil, nil)
	require.NoError(t, err)
	require.Equal(t, alice.Principal, s.KeyPair().Principal())
	require.NoError(t, s.Close())

	// A different key must be rejected.
	_, err = Open(dir, coretest.NewTester("bob").Key, nil)
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	alice := coretest.NewTester("alice")

	s, err := Open(testutil.MakeRepoPath(t), alice.Key, nil)
	require.NoError(t, err)
	defer s.Close()

	doc := docmodel.NewDoc(alice.Key)
	_, err = doc.InsertAt(docmodel.Pos{}, "Hello\rworld")
	require.NoError(t, err)
	_, err = doc.Format(docmodel.Pos{}, docmodel.Pos{Col: 5}, map[string]string{"bold": "true"}, nil)
	require.NoError(t, err)
	_, err = doc.Erase(docmodel.Pos{Para: 1, Col: 0}, docmodel.Pos{Para: 1, Col: 2})
	require.NoError(t, err)

	want, err := doc.Document()
	require.NoError(t, err)

	require.NoError(t, s.SaveSnapshot("test", doc.Changesets()))

	names, err := s.ListSnapshots()
	require.NoError(t, err)
	require.Equal(t, []string{"test"}, names)

	restored, err := s.RestoreDoc("test")
	require.NoError(t, err)

	got, err := restored.Document()
	require.NoError(t, err)
	testutil.StructsEqual(want, got).Compare(t, "restored document must match the original")
	require.Equal(t, doc.Genesis(), restored.Genesis())
}

func TestSnapshotCorruptionDetected(t *testing.T) {
	alice := coretest.NewTester("alice")
	dir := testutil.MakeRepoPath(t)

	s, err := Open(dir, alice.Key, nil)
	require.NoError(t, err)
	defer s.Close()

	doc := docmodel.NewDoc(alice.Key)
	_, err = doc.InsertAt(docmodel.Pos{}, "payload")
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot("test", doc.Changesets()))

	path := filepath.Join(dir, "snapshots", "test.weft")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip one byte in the compressed payload.
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = s.LoadSnapshot("test")
	require.ErrorIs(t, err, docmodel.ErrCorruptLog)

	// Garbage without the magic header is rejected outright.
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0600))
	_, err = s.LoadSnapshot("test")
	require.ErrorIs(t, err, docmodel.ErrCorruptLog)

	_, err = s.LoadSnapshot("missing")
	require.ErrorIs(t, err, docmodel.ErrNotFound)

	_, err = s.LoadSnapshot("../evil")
	require.Error(t, err)
}
