// Package idtable names records with small reusable integers.
package idtable

import (
	"github.com/bits-and-blooms/bitset"
)

// Table is a slot allocator. Add always hands out the smallest free id, so
// ids stay dense and can be iterated with NextID while entries are removed.
// A Table is not safe for concurrent use.
type Table[T any] struct {
	slots []T
	live  *bitset.BitSet
}

func New[T any]() *Table[T] {
	return &Table[T]{live: bitset.New(0)}
}

func (t *Table[T]) Add(v T) int {
	id, ok := t.live.NextClear(0)
	if !ok || id >= uint(len(t.slots)) {
		id = uint(len(t.slots))
		t.slots = append(t.slots, v)
	} else {
		t.slots[id] = v
	}
	t.live.Set(id)
	return int(id)
}

// Get returns a pointer into the table; it is valid until the next Add.
func (t *Table[T]) Get(id int) (*T, bool) {
	if !t.Has(id) {
		return nil, false
	}
	return &t.slots[id], true
}

func (t *Table[T]) Has(id int) bool {
	return id >= 0 && id < len(t.slots) && t.live.Test(uint(id))
}

func (t *Table[T]) Remove(id int) {
	if !t.Has(id) {
		return
	}
	var zero T
	t.slots[id] = zero
	t.live.Clear(uint(id))
}

// Size is the number of live entries.
func (t *Table[T]) Size() int {
	return int(t.live.Count())
}

// NextID returns the smallest live id strictly greater than id. Pass -1 to
// start from the beginning.
func (t *Table[T]) NextID(id int) (int, bool) {
	if id < -1 {
		id = -1
	}
	next, ok := t.live.NextSet(uint(id + 1))
	if !ok || next >= uint(len(t.slots)) {
		return 0, false
	}
	return int(next), true
}

// Each visits live entries in id order until fn returns false.
func (t *Table[T]) Each(fn func(id int, v *T) bool) {
	for id, ok := t.NextID(-1); ok; id, ok = t.NextID(id) {
		if !fn(id, &t.slots[id]) {
			return
		}
	}
}
