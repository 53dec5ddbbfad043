package coretest

import (
	"testing"

	"weft/backend/core"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	alice := NewTester("alice")
	bob := NewTester("bob")

	require.True(t, alice.Key.Equal(NewTester("alice").Key.PublicKey), "same name must derive the same key")
	require.False(t, alice.Key.Equal(bob.Key.PublicKey))
	require.NotEqual(t, alice.Actor, bob.Actor)
}

func TestEncoding(t *testing.T) {
	alice := NewTester("alice")

	data, err := alice.Key.MarshalBinary()
	require.NoError(t, err)

	var pub core.PublicKey
	require.NoError(t, pub.UnmarshalBinary(data))

	require.True(t, pub.Equal(alice.Key.PublicKey))
	require.Equal(t, alice.Key.String(), pub.String())
}
