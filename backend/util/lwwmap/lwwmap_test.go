package lwwmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"rsc.io/ordered"
)

func TestSet(t *testing.T) {
	t.Run("later stamp wins", func(t *testing.T) {
		m := New()
		key := ordered.Encode(uint64(1), uint64(7), "bold")

		m.Set(1, key, "true")
		m.Set(3, key, "")
		m.Set(2, key, "true") // Delivered out of order, but loses to stamp 3.

		v, ok := m.Get(key)
		require.True(t, ok)
		require.Equal(t, "", v)
	})

	t.Run("equal stamps break ties on the value", func(t *testing.T) {
		a := New()
		b := New()
		key := ordered.Encode(uint64(1), uint64(7), "link")

		a.Set(5, key, "x")
		a.Set(5, key, "y")

		b.Set(5, key, "y")
		b.Set(5, key, "x")

		av, _ := a.Get(key)
		bv, _ := b.Get(key)
		require.Equal(t, av, bv, "outcome must not depend on write order")
		require.Equal(t, "y", av)
	})

	t.Run("registers are independent", func(t *testing.T) {
		m := New()

		m.Set(1, ordered.Encode(uint64(1), "bold"), "true")
		m.Set(2, ordered.Encode(uint64(2), "bold"), "true")
		m.Set(3, ordered.Encode(uint64(1), "italic"), "true")
		require.Equal(t, 3, m.Len())

		_, ok := m.Get(ordered.Encode(uint64(3), "bold"))
		require.False(t, ok)
	})
}

func TestPrefix(t *testing.T) {
	m := New()

	m.Set(1, ordered.Encode(uint64(1), uint64(7), "bold"), "true")
	m.Set(2, ordered.Encode(uint64(1), uint64(7), "italic"), "true")
	m.Set(3, ordered.Encode(uint64(1), uint64(8), "bold"), "true")
	m.Set(4, ordered.Encode(uint64(2), uint64(7), "bold"), "true")

	var attrs []string
	for k, v := range m.Prefix(ordered.Encode(uint64(1), uint64(7))) {
		var seq, actor uint64
		var attr string
		require.NoError(t, ordered.Decode(k, &seq, &actor, &attr))
		require.Equal(t, uint64(1), seq)
		require.Equal(t, uint64(7), actor)
		require.Equal(t, "true", v)
		attrs = append(attrs, attr)
	}

	require.Equal(t, []string{"bold", "italic"}, attrs, "scan must cover exactly the registers under the prefix, in key order")
}

func TestSetClonesKey(t *testing.T) {
	m := New()

	key := ordered.Encode(uint64(1), "bold")
	m.Set(1, key, "true")
	key[len(key)-1] ^= 0xFF // Caller may reuse the key buffer.

	_, ok := m.Get(key)
	require.False(t, ok)

	v, ok := m.Get(ordered.Encode(uint64(1), "bold"))
	require.True(t, ok)
	require.Equal(t, "true", v)
}
