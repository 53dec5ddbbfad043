// Package heap provides a generic min-heap,
// similar to the stdlib container/heap package,
// but without the interface ceremony.
package heap

// Heap is a generic min-heap.
// The zero value is not usable, use [New] to create one.
type Heap[T any] struct {
	data []T
	cmp  func(a, b T) bool

	// OnIndexChange (optional) is called every time an element
	// changes its position within the heap.
	// Index -1 is reported when an element is removed from the heap.
	OnIndexChange func(elem T, newIndex int)
}

// New creates a new heap with the given comparison function.
func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{cmp: less}
}

// Len returns the number of elements in the heap.
func (h *Heap[T]) Len() int {
	return len(h.data)
}

// Push adds an element to the heap.
func (h *Heap[T]) Push(x T) {
	h.data = append(h.data, x)
	h.notify(x, len(h.data)-1)
	h.up(len(h.data) - 1)
}

// Pop removes and returns the smallest element from the heap.
func (h *Heap[T]) Pop() T {
	n := h.Len() - 1
	h.swap(0, n)
	h.down(0, n)

	elem := h.data[n]
	h.data = h.data[:n]
	h.notify(elem, -1)
	return elem
}

// Peek returns the smallest element without removing it.
// It panics if the heap is empty.
func (h *Heap[T]) Peek() T {
	if len(h.data) == 0 {
		panic("BUG: peek on an empty heap")
	}
	return h.data[0]
}

// Remove removes and returns the element at index i.
// It panics if i is out of bounds.
func (h *Heap[T]) Remove(i int) T {
	if i < 0 || i >= h.Len() {
		panic("BUG: heap remove index out of bounds")
	}

	n := h.Len() - 1
	if n != i {
		h.swap(i, n)
		if !h.down(i, n) {
			h.up(i)
		}
	}

	elem := h.data[n]
	h.data = h.data[:n]
	h.notify(elem, -1)
	return elem
}

// Fix re-establishes the heap ordering after the element at index i
// has changed its value.
func (h *Heap[T]) Fix(i int) {
	if !h.down(i, h.Len()) {
		h.up(i)
	}
}

// Reset empties the heap, reallocating the underlying storage
// with the given capacity.
func (h *Heap[T]) Reset(capacity int) {
	h.data = make([]T, 0, capacity)
}

func (h *Heap[T]) less(i, j int) bool {
	return h.cmp(h.data[i], h.data[j])
}

func (h *Heap[T]) swap(i, j int) {
	h.data[i], h.data[j] = h.data[j], h.data[i]
	h.notify(h.data[i], i)
	h.notify(h.data[j], j)
}

func (h *Heap[T]) notify(elem T, idx int) {
	if h.OnIndexChange != nil {
		h.OnIndexChange(elem, idx)
	}
}

func (h *Heap[T]) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !h.less(j, i) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *Heap[T]) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1 // left child
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2 // = 2*i + 2  // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i > i0
}
