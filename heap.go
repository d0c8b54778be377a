// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import "fmt"

// SortKey is the key of a [*Heap] element. Ticks and virtual times are
// both represented as SortKey values and both are allowed to wrap around,
// so keys MUST only be compared using [SortKey.Less] and [SortKey.LessEq].
//
// The ordering is consistent as long as all the keys stored in the same
// heap are less than 2^63 apart.
type SortKey uint64

// Less returns whether k comes strictly before other.
func (k SortKey) Less(other SortKey) bool {
	return int64(k-other) < 0
}

// LessEq returns whether k comes before or is equal to other.
func (k SortKey) LessEq(other SortKey) bool {
	return int64(k-other) <= 0
}

// maxKey returns the later of a and b.
func maxKey(a, b SortKey) SortKey {
	if a.Less(b) {
		return b
	}
	return a
}

// heapEntry is an element of a [*Heap].
type heapEntry[T any] struct {
	// key is the sort key.
	key SortKey

	// seq is the insertion sequence number, used to break ties.
	seq uint64

	// value is the object reference.
	value T
}

// Heap is a binary min-heap with explicit capacity.
//
// Elements with equal keys are extracted in insertion order. The heap
// never grows by itself: [*Heap.Insert] fails with [ErrHeapFull] when
// the heap is at capacity and the caller must invoke [*Heap.Resize].
//
// The moved callback passed to [NewHeap] is invoked every time an
// element changes position, with position -1 meaning that the element
// left the heap. Owners use it to remember their position so they can
// later call [*Heap.Remove] in O(log n).
//
// Construct using [NewHeap].
type Heap[T any] struct {
	// capacity is the maximum number of elements.
	capacity int

	// entries contains the heap elements.
	entries []heapEntry[T]

	// moved tracks position changes.
	moved func(value T, pos int)

	// seq is the last used insertion sequence number.
	seq uint64
}

// NewHeap creates a new [*Heap] holding at most capacity elements.
//
// The moved argument may be nil when the caller never needs to
// remove arbitrary elements.
func NewHeap[T any](capacity int, moved func(value T, pos int)) *Heap[T] {
	if moved == nil {
		moved = func(T, int) {}
	}
	capacity = max(capacity, 0)
	return &Heap[T]{
		capacity: capacity,
		entries:  make([]heapEntry[T], 0, capacity),
		moved:    moved,
		seq:      0,
	}
}

// Len returns the number of elements in the heap.
func (h *Heap[T]) Len() int {
	return len(h.entries)
}

// Cap returns the heap capacity.
func (h *Heap[T]) Cap() int {
	return h.capacity
}

// Resize changes the heap capacity. It fails when the heap
// currently holds more than capacity elements.
func (h *Heap[T]) Resize(capacity int) error {
	if capacity < len(h.entries) {
		return fmt.Errorf("pipes: cannot resize heap holding %d elements to %d", len(h.entries), capacity)
	}
	if capacity > cap(h.entries) {
		entries := make([]heapEntry[T], len(h.entries), capacity)
		copy(entries, h.entries)
		h.entries = entries
	}
	h.capacity = capacity
	return nil
}

// Insert adds value with the given key and returns its position.
func (h *Heap[T]) Insert(key SortKey, value T) (int, error) {
	if len(h.entries) >= h.capacity {
		return -1, ErrHeapFull
	}
	h.seq++
	h.entries = append(h.entries, heapEntry[T]{key: key, seq: h.seq, value: value})
	return h.up(len(h.entries) - 1), nil
}

// Peek returns the minimum element without removing it.
func (h *Heap[T]) Peek() (SortKey, T, bool) {
	if len(h.entries) <= 0 {
		var zero T
		return 0, zero, false
	}
	return h.entries[0].key, h.entries[0].value, true
}

// ExtractMin removes and returns the minimum element.
func (h *Heap[T]) ExtractMin() (SortKey, T, bool) {
	if len(h.entries) <= 0 {
		var zero T
		return 0, zero, false
	}
	key, value, _ := h.Remove(0)
	return key, value, true
}

// Remove removes the element at the given position.
func (h *Heap[T]) Remove(pos int) (SortKey, T, error) {
	if pos < 0 || pos >= len(h.entries) {
		var zero T
		return 0, zero, fmt.Errorf("%w: heap position %d out of range [0, %d)",
			ErrInvariantViolation, pos, len(h.entries))
	}
	entry := h.entries[pos]
	last := len(h.entries) - 1
	h.entries[pos] = h.entries[last]
	h.entries[last] = heapEntry[T]{}
	h.entries = h.entries[:last]
	if pos < last {
		h.moved(h.entries[pos].value, pos)
		if h.down(pos) == pos {
			h.up(pos)
		}
	}
	h.moved(entry.value, -1)
	return entry.key, entry.value, nil
}

// Check verifies the heap ordering and returns an error
// wrapping [ErrInvariantViolation] if it does not hold.
func (h *Heap[T]) Check() error {
	for idx := 1; idx < len(h.entries); idx++ {
		parent := (idx - 1) / 2
		if h.less(idx, parent) {
			return fmt.Errorf("%w: heap element %d precedes its parent %d",
				ErrInvariantViolation, idx, parent)
		}
	}
	return nil
}

func (h *Heap[T]) less(i, j int) bool {
	a, b := &h.entries[i], &h.entries[j]
	if a.key != b.key {
		return a.key.Less(b.key)
	}
	return a.seq < b.seq
}

func (h *Heap[T]) swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.moved(h.entries[i].value, i)
	h.moved(h.entries[j].value, j)
}

func (h *Heap[T]) up(j int) int {
	for j > 0 {
		i := (j - 1) / 2 // parent
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		j = i
	}
	h.moved(h.entries[j].value, j)
	return j
}

func (h *Heap[T]) down(i int) int {
	n := len(h.entries)
	for {
		j := 2*i + 1 // left child
		if j >= n {
			break
		}
		if r := j + 1; r < n && h.less(r, j) {
			j = r // right child
		}
		if !h.less(j, i) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i
}
