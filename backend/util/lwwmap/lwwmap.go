// Package lwwmap provides a flat register map with Last-Writer-Wins semantics.
// It's backed by a B-Tree keyed by order-preserving byte strings,
// such as the ones produced by the rsc.io/ordered encoding,
// so related registers can be scanned with a common key prefix.
package lwwmap

import (
	"bytes"
	"iter"
	"strings"

	"weft/backend/util/btree"
)

// Map is a set of LWW registers.
// Each register keeps the value with the highest stamp ever written to it.
type Map struct {
	m *btree.Map[[]byte, Register]
}

// Register is a stamped value of a single key.
type Register struct {
	Stamp int64
	Value string
}

// Compare two registers to know which one wins.
// The result is negative if this register loses to the other one,
// zero if they are equal, and positive if this register wins.
func (r Register) Compare(other Register) int {
	if r.Stamp < other.Stamp {
		return -1
	}
	if r.Stamp > other.Stamp {
		return +1
	}

	// When stamps are equal we break the tie by comparing the values,
	// so the outcome never depends on the write order.
	return strings.Compare(r.Value, other.Value)
}

// New creates a new register map.
func New() *Map {
	return &Map{
		m: btree.New[[]byte, Register](8, bytes.Compare),
	}
}

// Set writes value into the register at key,
// unless the register already holds a winning value.
func (m *Map) Set(stamp int64, key []byte, value string) {
	reg := Register{Stamp: stamp, Value: value}

	if node, ok := m.m.GetNode(key); ok {
		if reg.Compare(node.V) > 0 {
			// Reusing the key from the old node to avoid cloning the input unnecessarily.
			m.m.Set(node.K, reg)
		}
		return
	}

	m.m.Set(bytes.Clone(key), reg)
}

// Get the current value of the register at key.
func (m *Map) Get(key []byte) (value string, ok bool) {
	reg, ok := m.m.Get(key)
	return reg.Value, ok
}

// Prefix iterates in key order over registers whose key starts with the given prefix.
func (m *Map) Prefix(prefix []byte) iter.Seq2[[]byte, string] {
	return func(yield func([]byte, string) bool) {
		for k, reg := range m.m.Seek(prefix) {
			if !bytes.HasPrefix(k, prefix) {
				return
			}
			if !yield(k, reg.Value) {
				return
			}
		}
	}
}

// Len returns the number of registers in the map.
func (m *Map) Len() int {
	return m.m.Len()
}
