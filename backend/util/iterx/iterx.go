// Package iterx provides some utilities to work with iterators.
package iterx

import (
	"iter"

	"go.uber.org/multierr"
)

// LazyError collects errors produced inside an iterator,
// to be checked after the iteration is done.
// Iterators have no good way to return errors from the loop body,
// so the producer adds them here and the consumer checks afterwards.
type LazyError struct {
	err error
}

// NewLazyError creates an empty LazyError.
func NewLazyError() *LazyError {
	return &LazyError{}
}

// Add records an error. Nil errors are ignored.
func (le *LazyError) Add(err error) {
	le.err = multierr.Append(le.err, err)
}

// Check returns the collected errors, if any.
func (le *LazyError) Check() error {
	return le.err
}

// Enumerate takes a sequence iterator and returns a new iterator
// that yields the index along with the value.
// This is similar to ranging over a slice in Go.
func Enumerate[T any](in iter.Seq[T]) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		var i int
		for v := range in {
			if !yield(i, v) {
				break
			}
			i++
		}
	}
}
