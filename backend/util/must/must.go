// Package must provides utilities to panic on errors.
// Useful for tests, program initialization,
// and other places where errors are not expected.
package must

// Do panics if err is not nil.
func Do(err error) {
	if err != nil {
		panic(err)
	}
}

// Do2 is like [Do] but for functions that return a value and an error.
func Do2[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
