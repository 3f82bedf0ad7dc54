package idtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddReusesSmallestFree(t *testing.T) {
	tab := New[string]()
	for i, s := range []string{"a", "b", "c", "d"} {
		require.Equal(t, i, tab.Add(s))
	}
	tab.Remove(2)
	tab.Remove(1)
	assert.Equal(t, 2, tab.Size())

	assert.Equal(t, 1, tab.Add("e"))
	assert.Equal(t, 2, tab.Add("f"))
	assert.Equal(t, 4, tab.Add("g"))

	v, ok := tab.Get(1)
	require.True(t, ok)
	assert.Equal(t, "e", *v)
}

func TestAddRemoveAdd(t *testing.T) {
	tab := New[int]()
	tab.Add(10)
	id := tab.Add(20)
	tab.Remove(id)
	assert.Equal(t, id, tab.Add(30))
}

func TestRemoveResetsSlot(t *testing.T) {
	tab := New[*int]()
	n := 5
	id := tab.Add(&n)
	tab.Remove(id)
	_, ok := tab.Get(id)
	assert.False(t, ok)
	assert.Nil(t, tab.slots[id])

	// removing twice or out of range is harmless
	tab.Remove(id)
	tab.Remove(-1)
	tab.Remove(100)
	assert.Zero(t, tab.Size())
}

func TestNextIDDuringRemoval(t *testing.T) {
	tab := New[int]()
	for i := 0; i < 8; i++ {
		tab.Add(i * 10)
	}
	var seen []int
	for id, ok := tab.NextID(-1); ok; id, ok = tab.NextID(id) {
		seen = append(seen, id)
		if id%2 == 0 {
			tab.Remove(id + 1)
		}
	}
	assert.Equal(t, []int{0, 2, 4, 6}, seen)

	var vals []int
	tab.Each(func(id int, v *int) bool {
		vals = append(vals, *v)
		return true
	})
	assert.Equal(t, []int{0, 20, 40, 60}, vals)

	_, ok := tab.NextID(6)
	assert.False(t, ok)
}
