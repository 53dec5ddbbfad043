// Package testutil defines some useful function for testing only.
package testutil

import (
	"os"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

// MakeCID with specified data.
func MakeCID(t *testing.T, data string) cid.Cid {
	t.Helper()
	return MakeCIDWithCodec(t, cid.Raw, data)
}

// MakeCIDWithCodec makes CID with a given codec.
func MakeCIDWithCodec(t *testing.T, codec uint64, data string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(data), multihash.IDENTITY, -1)
	require.NoError(t, err)

	return cid.NewCidV1(codec, mh)
}

// MakeRepoPath for testing..
func MakeRepoPath(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "weft-repo-*")
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, os.RemoveAll(dir))
	})

	return dir
}

// StructsEqualBuilder is a fluent interface for comparing structs.
type StructsEqualBuilder[T any] struct {
	a    T
	b    T
	opts []cmp.Option
}

// StructsEqual compares two structs of the same time for equality. It allows to specify field names to ignore.
func StructsEqual[T any](a, b T) *StructsEqualBuilder[T] {
	return &StructsEqualBuilder[T]{a: a, b: b, opts: []cmp.Option{ExportedFieldsFilter()}}
}

// IgnoreFields allows to ignore fields on a certain type.
// Type must be non-pointer value.
func (sb *StructsEqualBuilder[T]) IgnoreFields(_type any, fields ...string) *StructsEqualBuilder[T] {
	sb.opts = append(sb.opts, cmpopts.IgnoreFields(_type, fields...))
	return sb
}

// IgnoreTypes allows to ignore fields on a certain type.
// Type must be non-pointer value.
func (sb *StructsEqualBuilder[T]) IgnoreTypes(typs ...any) *StructsEqualBuilder[T] {
	sb.opts = append(sb.opts, cmpopts.IgnoreTypes(typs...))
	return sb
}

// Diff returns a diff between the two structs.
func (sb *StructsEqualBuilder[T]) Diff() string {
	return cmp.Diff(sb.a, sb.b, sb.opts...)
}

// IsEqual is like Compare but just returns a boolean.
func (sb *StructsEqualBuilder[T]) IsEqual() bool {
	diff := cmp.Diff(sb.a, sb.b, sb.opts...)
	return diff == ""
}

// Compare executes the final comparison.
func (sb *StructsEqualBuilder[T]) Compare(t *testing.T, msg string, format ...any) {
	t.Helper()

	diff := cmp.Diff(sb.a, sb.b, sb.opts...)
	if diff != "" {
		t.Log(diff)
		t.Fatalf(msg, format...)
	}
}

// CompareNot ensures that structs are not equal.
func (sb *StructsEqualBuilder[T]) CompareNot(t *testing.T, msg string, format ...any) {
	t.Helper()

	diff := cmp.Diff(sb.a, sb.b, sb.opts...)
	if diff == "" {
		t.Fatalf(msg, format...)
	}
}

// ExportedFieldsFilter is a go-cmp Option which ignores recursively unexported fields.
func ExportedFieldsFilter() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		sf, ok := p.Index(-1).(cmp.StructField)
		if !ok {
			return false
		}
		r, _ := utf8.DecodeRuneInString(sf.Name())
		return !unicode.IsUpper(r)
	}, cmp.Ignore())
}
