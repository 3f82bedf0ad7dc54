package mem

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

const degree = 8

// window is a reserved range and the mapped sub-ranges inside it.
type window struct {
	Range
	mappings *btree.BTreeG[Range]
}

func newWindow(r Range) *window {
	return &window{Range: r, mappings: btree.NewG(degree, Range.Less)}
}

func windowLess(a, b *window) bool {
	return a.Range.Less(b.Range)
}

// Reservations tracks the address windows a guest process has reserved and
// which parts of them currently have memory behind them.
//
// All lookups are predecessor queries on ordered trees. Reservations is not
// synchronized; the owning allocator holds one lock across placement, host
// mapping and the registry update.
type Reservations struct {
	windows *btree.BTreeG[*window]
}

func NewReservations() *Reservations {
	return &Reservations{windows: btree.NewG(degree, windowLess)}
}

// greatest window starting at or below addr
func (r *Reservations) floor(addr uint64) *window {
	var found *window
	r.windows.DescendLessOrEqual(&window{Range: Range{addr, ^uint64(0)}}, func(w *window) bool {
		found = w
		return false
	})
	return found
}

// window containing addr, if any
func (r *Reservations) find(addr uint64) *window {
	if w := r.floor(addr); w != nil && w.Contains(addr) {
		return w
	}
	return nil
}

// mapping in w starting at or below addr
func (w *window) floor(addr uint64) (Range, bool) {
	var found Range
	ok := false
	w.mappings.DescendLessOrEqual(Range{addr, ^uint64(0)}, func(m Range) bool {
		found, ok = m, true
		return false
	})
	return found, ok
}

// first mapping in w starting strictly above addr
func (w *window) after(addr uint64) (Range, bool) {
	var found Range
	ok := false
	w.mappings.AscendGreaterOrEqual(Range{addr + 1, 0}, func(m Range) bool {
		found, ok = m, true
		return false
	})
	return found, ok
}

func checkRange(addr, size uint64) error {
	if size == 0 {
		return errors.Wrap(models.ErrBadValue, "empty range")
	}
	if addr+size < addr {
		return errors.Wrapf(models.ErrBadAddress, "range 0x%x+0x%x overflows", addr, size)
	}
	return nil
}

// Reserve creates a new window. Overlapping an existing window in any way
// is an error.
func (r *Reservations) Reserve(addr, size uint64) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	want := Range{addr, size}
	if w := r.floor(addr); w != nil && w.Overlaps(want) {
		return errors.Wrapf(models.ErrBadAddress, "%v overlaps reserved %v", want, w.Range)
	}
	var next *window
	r.windows.AscendGreaterOrEqual(&window{Range: Range{addr, 0}}, func(w *window) bool {
		next = w
		return false
	})
	if next != nil && next.Overlaps(want) {
		return errors.Wrapf(models.ErrBadAddress, "%v overlaps reserved %v", want, next.Range)
	}
	r.windows.ReplaceOrInsert(newWindow(want))
	return nil
}

// Unreserve releases [addr, addr+size), which must lie inside one window.
// What is left of the window on either side survives as its own window and
// keeps the mappings that fall inside it, clipped to its bounds.
func (r *Reservations) Unreserve(addr, size uint64) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	if !r.IsReserved(addr, size) {
		return errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is not reserved", addr, addr+size)
	}
	w := r.find(addr)
	r.windows.Delete(w)
	for _, rest := range w.Subtract(Range{addr, size}) {
		nw := newWindow(rest)
		w.mappings.Ascend(func(m Range) bool {
			if m.Addr >= rest.End() {
				return false
			}
			if clipped, ok := m.Intersect(rest); ok {
				nw.mappings.ReplaceOrInsert(clipped)
			}
			return true
		})
		r.windows.ReplaceOrInsert(nw)
	}
	return nil
}

// MarkMapped records memory behind [addr, addr+size). The range must be
// reserved and free. Touching neighbors are merged into it.
func (r *Reservations) MarkMapped(addr, size uint64) error {
	if err := checkRange(addr, size); err != nil {
		return err
	}
	w := r.find(addr)
	if w == nil || !w.ContainsRange(Range{addr, size}) {
		return errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is not reserved", addr, addr+size)
	}
	if r.LongestMappableFrom(addr, size) < size {
		return errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is already mapped", addr, addr+size)
	}
	m := Range{addr, size}
	if prev, ok := w.floor(addr); ok && prev.End() == addr {
		w.mappings.Delete(prev)
		m = Range{prev.Addr, prev.Size + m.Size}
	}
	if next, ok := w.after(addr); ok && next.Addr == m.End() {
		w.mappings.Delete(next)
		m.Size += next.Size
	}
	w.mappings.ReplaceOrInsert(m)
	return nil
}

// MarkUnmapped drops [addr, addr+size) from the mapping covering addr. When
// nothing covers addr it does nothing, like the host's munmap.
func (r *Reservations) MarkUnmapped(addr, size uint64) {
	w := r.find(addr)
	if w == nil {
		return
	}
	m, ok := w.floor(addr)
	if !ok || !m.Contains(addr) {
		return
	}
	w.mappings.Delete(m)
	for _, rest := range m.Subtract(Range{addr, size}) {
		w.mappings.ReplaceOrInsert(rest)
	}
}

// IsReserved reports whether [addr, addr+size) lies in a single window.
func (r *Reservations) IsReserved(addr, size uint64) bool {
	w := r.find(addr)
	return w != nil && w.ContainsRange(Range{addr, size})
}

// Collides reports whether [addr, addr+size) crosses a window boundary
// without being contained in that window.
func (r *Reservations) Collides(addr, size uint64) bool {
	want := Range{addr, size}
	if size == 0 {
		return false
	}
	collides := false
	check := func(w *window) bool {
		if w.Overlaps(want) && !w.ContainsRange(want) {
			collides = true
		}
		return !collides
	}
	if w := r.floor(addr); w != nil {
		check(w)
	}
	r.windows.AscendRange(&window{Range: Range{addr + 1, 0}}, &window{Range: Range{want.End(), 0}}, check)
	return collides
}

// LongestMappableFrom returns how many bytes starting at addr, capped at
// maxSize, are free of mappings. addr must be inside a window; an address
// that is already mapped yields 0.
func (r *Reservations) LongestMappableFrom(addr, maxSize uint64) uint64 {
	w := r.find(addr)
	if w == nil {
		return 0
	}
	if m, ok := w.floor(addr); ok && m.Contains(addr) {
		return 0
	}
	limit := w.End()
	if next, ok := w.after(addr); ok && next.Addr < limit {
		limit = next.Addr
	}
	if n := limit - addr; n < maxSize {
		return n
	}
	return maxSize
}

// FindFree returns the first unmapped run of size bytes at or above from,
// inside the window containing from.
func (r *Reservations) FindFree(from, size, align uint64) (uint64, bool) {
	w := r.find(from)
	if w == nil || size == 0 {
		return 0, false
	}
	if align == 0 {
		align = 1
	}
	cur := (from + align - 1) &^ (align - 1)
	for cur < w.End() && cur+size <= w.End() {
		if m, ok := w.floor(cur); ok && m.Contains(cur) {
			cur = (m.End() + align - 1) &^ (align - 1)
			continue
		}
		if r.LongestMappableFrom(cur, size) >= size {
			return cur, true
		}
		next, ok := w.after(cur)
		if !ok {
			break
		}
		cur = (next.End() + align - 1) &^ (align - 1)
	}
	return 0, false
}

// NextWindow returns the first window starting at or above addr.
func (r *Reservations) NextWindow(addr uint64) (Range, bool) {
	var found Range
	ok := false
	r.windows.AscendGreaterOrEqual(&window{Range: Range{addr, 0}}, func(w *window) bool {
		found, ok = w.Range, true
		return false
	})
	return found, ok
}

// NextMapping returns the first mapping starting at or above addr, in any
// window.
func (r *Reservations) NextMapping(addr uint64) (Range, bool) {
	var found Range
	ok := false
	visit := func(w *window) bool {
		w.mappings.AscendGreaterOrEqual(Range{addr, 0}, func(m Range) bool {
			found, ok = m, true
			return false
		})
		return !ok
	}
	if w := r.floor(addr); w != nil {
		visit(w)
	}
	if !ok {
		r.windows.AscendGreaterOrEqual(&window{Range: Range{addr + 1, 0}}, visit)
	}
	return found, ok
}

// WindowAt returns the window containing addr.
func (r *Reservations) WindowAt(addr uint64) (Range, bool) {
	if w := r.find(addr); w != nil {
		return w.Range, true
	}
	return Range{}, false
}

// MappingAt returns the mapping containing addr.
func (r *Reservations) MappingAt(addr uint64) (Range, bool) {
	w := r.find(addr)
	if w == nil {
		return Range{}, false
	}
	if m, ok := w.floor(addr); ok && m.Contains(addr) {
		return m, true
	}
	return Range{}, false
}

// Windows returns every window in address order.
func (r *Reservations) Windows() Ranges {
	out := make(Ranges, 0, r.windows.Len())
	r.windows.Ascend(func(w *window) bool {
		out = append(out, w.Range)
		return true
	})
	return out
}

// Mappings returns the mappings of the window containing addr.
func (r *Reservations) Mappings(addr uint64) Ranges {
	w := r.find(addr)
	if w == nil {
		return nil
	}
	out := make(Ranges, 0, w.mappings.Len())
	w.mappings.Ascend(func(m Range) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Holes returns the unmapped parts of [addr, addr+size) inside the window
// containing addr.
func (r *Reservations) Holes(addr, size uint64) Ranges {
	w := r.find(addr)
	if w == nil {
		return nil
	}
	want, ok := w.Intersect(Range{addr, size})
	if !ok {
		return nil
	}
	holes := Ranges{want}
	w.mappings.Ascend(func(m Range) bool {
		if m.Addr >= want.End() {
			return false
		}
		var next Ranges
		for _, h := range holes {
			next = append(next, h.Subtract(m)...)
		}
		holes = next
		return true
	})
	return holes
}

// Clone returns an independent copy.
func (r *Reservations) Clone() *Reservations {
	c := NewReservations()
	r.windows.Ascend(func(w *window) bool {
		c.windows.ReplaceOrInsert(&window{Range: w.Range, mappings: w.mappings.Clone()})
		return true
	})
	return c
}
