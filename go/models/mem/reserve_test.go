package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunixbochs/areacorn/go/models"
)

func requireDisjoint(t *testing.T, r *Reservations) {
	t.Helper()
	windows := r.Windows()
	for i := 1; i < len(windows); i++ {
		require.LessOrEqual(t, windows[i-1].End(), windows[i].Addr, "windows overlap: %v", windows)
	}
	for _, w := range windows {
		maps := r.Mappings(w.Addr)
		for i, m := range maps {
			require.True(t, w.ContainsRange(m), "mapping %v escapes window %v", m, w)
			if i > 0 {
				require.Less(t, maps[i-1].End(), m.Addr, "mappings overlap or touch: %v", maps)
			}
		}
	}
}

func TestReserveRejectsOverlap(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x4000))

	// {addr, size}
	overlaps := [][]uint64{
		{0x10000, 0x4000},
		{0x10000, 0x1000},
		{0xf000, 0x2000},
		{0x13000, 0x2000},
		{0x11000, 0x1000},
		{0x8000, 0x10000},
	}
	for _, o := range overlaps {
		err := r.Reserve(o[0], o[1])
		assert.ErrorIs(t, err, models.ErrBadAddress, "reserve(%#x, %#x)", o[0], o[1])
	}
	require.NoError(t, r.Reserve(0xf000, 0x1000))
	require.NoError(t, r.Reserve(0x14000, 0x1000))
	assert.ErrorIs(t, r.Reserve(0x20000, 0), models.ErrBadValue)
	requireDisjoint(t, r)
	assert.Equal(t, Ranges{{0xf000, 0x1000}, {0x10000, 0x4000}, {0x14000, 0x1000}}, r.Windows())
}

func TestReserveUnreserveRoundTrip(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x1000, 0x1000))
	before := r.Windows()

	require.NoError(t, r.Reserve(0x8000, 0x8000))
	require.NoError(t, r.MarkMapped(0x9000, 0x1000))
	require.NoError(t, r.Unreserve(0x8000, 0x8000))

	assert.Equal(t, before, r.Windows())
	assert.False(t, r.IsReserved(0x8000, 0x1000))
	assert.Nil(t, r.Mappings(0x9000))
}

func TestUnreserveRequiresContainment(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x1000, 0x2000))
	require.NoError(t, r.Reserve(0x3000, 0x2000))
	assert.ErrorIs(t, r.Unreserve(0x2000, 0x2000), models.ErrBadAddress)
	assert.ErrorIs(t, r.Unreserve(0x8000, 0x1000), models.ErrBadAddress)
	assert.Len(t, r.Windows(), 2)
}

func TestUnreserveSplitsWindow(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x10000))
	require.NoError(t, r.MarkMapped(0x10000, 0x2000))
	require.NoError(t, r.MarkMapped(0x13000, 0x6000))
	require.NoError(t, r.MarkMapped(0x1c000, 0x1000))
	require.NoError(t, r.MarkMapped(0x1e000, 0x2000))

	require.NoError(t, r.Unreserve(0x14000, 0x8000))
	requireDisjoint(t, r)

	assert.Equal(t, Ranges{{0x10000, 0x4000}, {0x1c000, 0x4000}}, r.Windows())
	assert.Equal(t, Ranges{{0x10000, 0x2000}, {0x13000, 0x1000}}, r.Mappings(0x10000))
	assert.Equal(t, Ranges{{0x1c000, 0x1000}, {0x1e000, 0x2000}}, r.Mappings(0x1c000))

	// unreserving the leading edge keeps only the tail
	require.NoError(t, r.Unreserve(0x1c000, 0x1000))
	assert.Equal(t, Ranges{{0x10000, 0x4000}, {0x1d000, 0x3000}}, r.Windows())
	assert.Equal(t, Ranges{{0x1e000, 0x2000}}, r.Mappings(0x1d000))
}

func TestUnreserveClipsStraddlingMapping(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x8000))
	require.NoError(t, r.MarkMapped(0x11000, 0x6000))
	require.NoError(t, r.Unreserve(0x13000, 0x2000))

	assert.Equal(t, Ranges{{0x11000, 0x2000}}, r.Mappings(0x10000))
	assert.Equal(t, Ranges{{0x15000, 0x2000}}, r.Mappings(0x15000))
	requireDisjoint(t, r)
}

func TestMarkUnmappedNoop(t *testing.T) {
	r := NewReservations()
	r.MarkUnmapped(0x1000, 0x1000)

	require.NoError(t, r.Reserve(0x1000, 0x4000))
	require.NoError(t, r.MarkMapped(0x2000, 0x1000))
	r.MarkUnmapped(0x1000, 0x800)
	r.MarkUnmapped(0x3000, 0x1000)
	assert.Equal(t, Ranges{{0x2000, 0x1000}}, r.Mappings(0x1000))
}

func TestMarkMappedRejectsCollision(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x1000, 0x4000))
	require.NoError(t, r.MarkMapped(0x2000, 0x1000))
	assert.ErrorIs(t, r.MarkMapped(0x1000, 0x2000), models.ErrBadAddress)
	assert.ErrorIs(t, r.MarkMapped(0x2800, 0x100), models.ErrBadAddress)
	assert.ErrorIs(t, r.MarkMapped(0x4000, 0x2000), models.ErrBadAddress)
	assert.ErrorIs(t, r.MarkMapped(0x9000, 0x1000), models.ErrBadAddress)
	assert.Equal(t, Ranges{{0x2000, 0x1000}}, r.Mappings(0x1000))
}

func TestMarkRoundTrip(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x1000, 0x10000))
	require.NoError(t, r.MarkMapped(0x1000, 0x2000))
	require.NoError(t, r.MarkMapped(0x8000, 0x1000))
	before := r.Mappings(0x1000)

	// {addr, size}
	cases := [][]uint64{
		{0x4000, 0x1000},
		{0x3000, 0x1000},
		{0x7000, 0x1000},
		{0x9000, 0x8000},
		{0x5000, 0x3000},
	}
	for _, c := range cases {
		require.NoError(t, r.MarkMapped(c[0], c[1]), "mark(%#x, %#x)", c[0], c[1])
		requireDisjoint(t, r)
		r.MarkUnmapped(c[0], c[1])
		assert.Equal(t, before, r.Mappings(0x1000), "after round trip of (%#x, %#x)", c[0], c[1])
	}
}

func TestAdjacentMerge(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x10000))
	require.NoError(t, r.MarkMapped(0x12000, 0x1000))
	require.NoError(t, r.MarkMapped(0x13000, 0x2000))
	assert.Equal(t, Ranges{{0x12000, 0x3000}}, r.Mappings(0x10000))

	// filling a hole merges both neighbors
	require.NoError(t, r.MarkMapped(0x16000, 0x1000))
	require.NoError(t, r.MarkMapped(0x15000, 0x1000))
	assert.Equal(t, Ranges{{0x12000, 0x5000}}, r.Mappings(0x10000))
}

func TestLongestMappableFrom(t *testing.T) {
	r := NewReservations()
	assert.Zero(t, r.LongestMappableFrom(0x1000, 0x1000))

	require.NoError(t, r.Reserve(0x1000, 0x8000))
	require.NoError(t, r.MarkMapped(0x4000, 0x1000))

	assert.Equal(t, uint64(0x3000), r.LongestMappableFrom(0x1000, 0x10000))
	assert.Equal(t, uint64(0x800), r.LongestMappableFrom(0x1000, 0x800))
	assert.Zero(t, r.LongestMappableFrom(0x4000, 0x1000))
	assert.Zero(t, r.LongestMappableFrom(0x4800, 0x1000))
	assert.Equal(t, uint64(0x4000), r.LongestMappableFrom(0x5000, 0x10000))
	for _, addr := range []uint64{0x1000, 0x2000, 0x4000, 0x6000, 0x8fff} {
		for _, max := range []uint64{0, 0x1, 0x1000, 0x100000} {
			assert.LessOrEqual(t, r.LongestMappableFrom(addr, max), max)
		}
	}
}

func TestCollides(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x4000))

	assert.False(t, r.Collides(0x10000, 0x4000))
	assert.False(t, r.Collides(0x11000, 0x1000))
	assert.False(t, r.Collides(0x1000, 0x1000))
	assert.False(t, r.Collides(0x14000, 0x1000))
	assert.True(t, r.Collides(0xf000, 0x2000))
	assert.True(t, r.Collides(0x13000, 0x2000))
	assert.True(t, r.Collides(0x8000, 0x20000))
}

func TestFindFree(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x8000))
	require.NoError(t, r.MarkMapped(0x10000, 0x1000))
	require.NoError(t, r.MarkMapped(0x12000, 0x1000))

	addr, ok := r.FindFree(0x10000, 0x1000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x11000), addr)

	addr, ok = r.FindFree(0x10000, 0x2000, 0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x13000), addr)

	_, ok = r.FindFree(0x10000, 0x6000, 0x1000)
	assert.False(t, ok)
	_, ok = r.FindFree(0x20000, 0x1000, 0x1000)
	assert.False(t, ok)
}

func TestNeighbors(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x4000))
	require.NoError(t, r.Reserve(0x20000, 0x4000))
	require.NoError(t, r.MarkMapped(0x11000, 0x1000))
	require.NoError(t, r.MarkMapped(0x22000, 0x1000))

	w, ok := r.NextWindow(0x10001)
	require.True(t, ok)
	assert.Equal(t, Range{0x20000, 0x4000}, w)
	_, ok = r.NextWindow(0x20001)
	assert.False(t, ok)

	m, ok := r.NextMapping(0x10000)
	require.True(t, ok)
	assert.Equal(t, Range{0x11000, 0x1000}, m)
	m, ok = r.NextMapping(0x11001)
	require.True(t, ok)
	assert.Equal(t, Range{0x22000, 0x1000}, m)

	assert.Equal(t, Ranges{{0x10000, 0x1000}, {0x12000, 0x2000}}, r.Holes(0x10000, 0x4000))
}

func TestClone(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x10000, 0x4000))
	require.NoError(t, r.MarkMapped(0x11000, 0x1000))

	c := r.Clone()
	require.NoError(t, c.MarkMapped(0x12000, 0x1000))
	assert.Equal(t, Ranges{{0x11000, 0x1000}}, r.Mappings(0x10000))
	assert.Equal(t, Ranges{{0x11000, 0x2000}}, c.Mappings(0x10000))
}

func TestScenario(t *testing.T) {
	r := NewReservations()
	require.NoError(t, r.Reserve(0x1000, 0x3000))
	assert.Equal(t, Ranges{{0x1000, 0x3000}}, r.Windows())

	require.NoError(t, r.MarkMapped(0x1000, 0x1000))
	require.NoError(t, r.MarkMapped(0x2000, 0x1000))
	assert.Equal(t, Ranges{{0x1000, 0x2000}}, r.Mappings(0x1000))

	assert.Equal(t, uint64(0x1000), r.LongestMappableFrom(0x3000, 0x2000))

	r.MarkUnmapped(0x1800, 0x800)
	assert.Equal(t, Ranges{{0x1000, 0x800}, {0x2000, 0x1000}}, r.Mappings(0x1000))
}
