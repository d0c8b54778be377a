// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

// handle is a stable reference to an arena slot.
//
// The low 32 bits are the slot index and the high 32 bits are the
// slot generation, so a handle to a released slot never resolves
// to a newer occupant. The zero handle is never valid.
type handle uint64

func makeHandle(index, gen uint32) handle {
	return handle(uint64(gen)<<32 | uint64(index))
}

func (h handle) index() uint32 {
	return uint32(h)
}

func (h handle) gen() uint32 {
	return uint32(h >> 32)
}

// arenaSlot is a slot of an arena.
type arenaSlot[T any] struct {
	gen   uint32
	live  bool
	value T
}

// arena owns objects addressed by handles.
type arena[T any] struct {
	free  []uint32
	live  int
	slots []arenaSlot[T]
}

// alloc stores value and returns its handle.
func (a *arena[T]) alloc(value T) handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	slot := &a.slots[idx]
	slot.gen++
	if slot.gen == 0 {
		slot.gen = 1
	}
	slot.live = true
	slot.value = value
	a.live++
	return makeHandle(idx, slot.gen)
}

// get resolves h, returning false for stale or invalid handles.
func (a *arena[T]) get(h handle) (T, bool) {
	var zero T
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	slot := &a.slots[idx]
	if !slot.live || slot.gen != h.gen() {
		return zero, false
	}
	return slot.value, true
}

// release frees the slot referenced by h.
func (a *arena[T]) release(h handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	var zero T
	slot := &a.slots[h.index()]
	slot.live = false
	slot.value = zero
	a.free = append(a.free, h.index())
	a.live--
	return true
}

// len returns the number of live objects.
func (a *arena[T]) len() int {
	return a.live
}
