package broker

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/models"
	"github.com/lunixbochs/areacorn/go/models/mem"
)

func newBroker(t *testing.T, teams ...models.TeamID) *Broker {
	log := zaptest.NewLogger(t)
	store, err := backing.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	b := New(store, log)
	for _, id := range teams {
		require.NoError(t, b.AddTeam(id))
	}
	return b
}

func register(t *testing.T, b *Broker, team models.TeamID, addr, size uint64) models.AreaID {
	id, err := b.RegisterArea(team, &models.Area{
		Name:    "test",
		Address: addr,
		Size:    size,
		Prot:    models.ProtRW,
		Lock:    models.LazyLock,
		Mapping: models.PrivateMap,
	})
	require.NoError(t, err)
	return id
}

func TestRegisterLookup(t *testing.T) {
	b := newBroker(t, 1, 2)
	a := register(t, b, 1, 0x10000, 0x2000)
	c := register(t, b, 2, 0x10000, 0x1000)
	assert.NotEqual(t, models.AreaID(0), a)
	assert.NotEqual(t, a, c)

	got, err := b.GetArea(a)
	require.NoError(t, err)
	assert.Equal(t, models.TeamID(1), got.Team)
	assert.Equal(t, uint64(0x2000), got.Size)
	assert.Equal(t, models.LazyLock, got.Lock)

	id, err := b.AreaFor(1, 0x11fff)
	require.NoError(t, err)
	assert.Equal(t, a, id)
	_, err = b.AreaFor(1, 0x12000)
	assert.ErrorIs(t, err, models.ErrBadValue)

	require.NoError(t, b.UnregisterArea(a))
	_, err = b.GetArea(a)
	assert.ErrorIs(t, err, models.ErrBadValue)
	assert.ErrorIs(t, b.UnregisterArea(a), models.ErrBadValue)

	// freed id is handed out again
	assert.Equal(t, a, register(t, b, 2, 0x20000, 0x1000))
}

func TestRegisterRejectsBadArgs(t *testing.T) {
	b := newBroker(t, 1)
	_, err := b.RegisterArea(1, &models.Area{Address: 0x1000})
	assert.ErrorIs(t, err, models.ErrBadValue)
	_, err = b.RegisterArea(1, &models.Area{Address: ^uint64(0), Size: 0x1000})
	assert.ErrorIs(t, err, models.ErrBadAddress)
	_, err = b.RegisterArea(1, &models.Area{Size: 0x1000, Lock: 9})
	assert.ErrorIs(t, err, models.ErrBadValue)
	_, err = b.RegisterArea(7, &models.Area{Size: 0x1000})
	assert.ErrorIs(t, err, models.ErrBadValue)
	_, err = b.GetArea(0)
	assert.ErrorIs(t, err, models.ErrBadValue)
}

func TestNextAreaID(t *testing.T) {
	b := newBroker(t, 1, 2)
	x := register(t, b, 1, 0x1000, 0x1000)
	register(t, b, 2, 0x1000, 0x1000)
	y := register(t, b, 1, 0x2000, 0x1000)
	z := register(t, b, 1, 0x3000, 0x1000)

	var seen []models.AreaID
	for id, ok, err := b.NextAreaID(1, 0); ok; id, ok, err = b.NextAreaID(1, id) {
		require.NoError(t, err)
		seen = append(seen, id)
		// removing the current entry does not disturb the walk
		if id == y {
			require.NoError(t, b.UnregisterArea(y))
		}
	}
	assert.Equal(t, []models.AreaID{x, y, z}, seen)
}

func TestResizeAndProtect(t *testing.T) {
	b := newBroker(t, 1)
	id := register(t, b, 1, 0x1000, 0x1000)
	old, err := b.Resize(id, 0x3000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), old)
	_, err = b.Resize(id, 0)
	assert.ErrorIs(t, err, models.ErrBadValue)

	require.NoError(t, b.SetProtection(id, models.ProtRead))
	a, _ := b.GetArea(id)
	assert.Equal(t, uint64(0x3000), a.Size)
	assert.Equal(t, models.ProtRead, a.Prot)
}

func TestSplitKeepsFields(t *testing.T) {
	b := newBroker(t, 1)
	id := register(t, b, 1, 0x10000, 0x4000)
	orig, _ := b.GetArea(id)

	whole := mem.Range{Addr: 0x10000, Size: 0x4000}
	hole := mem.Range{Addr: 0x11000, Size: 0x1000}
	ids, err := b.Split(id, whole.Subtract(hole))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, id, ids[0])

	var union mem.Ranges
	for _, got := range ids {
		a, err := b.GetArea(got)
		require.NoError(t, err)
		union = append(union, mem.Range{Addr: a.Address, Size: a.Size})
		a.ID, a.Address, a.Size = orig.ID, orig.Address, orig.Size
		assert.Equal(t, orig, a)
	}
	assert.Equal(t, mem.Ranges{{Addr: 0x10000, Size: 0x1000}, {Addr: 0x12000, Size: 0x2000}}, union)

	_, err = b.Split(id, []mem.Range{{Addr: 0x20000, Size: 0x1000}})
	assert.ErrorIs(t, err, models.ErrBadValue)
}

func TestUnmapMemory(t *testing.T) {
	b := newBroker(t, 1)
	left := register(t, b, 1, 0x10000, 0x2000)
	mid := register(t, b, 1, 0x12000, 0x1000)
	right := register(t, b, 1, 0x13000, 0x2000)

	require.NoError(t, b.UnmapMemory(1, mem.Range{Addr: 0x11000, Size: 0x3000}))
	_, err := b.GetArea(mid)
	assert.ErrorIs(t, err, models.ErrBadValue)
	a, _ := b.GetArea(left)
	assert.Equal(t, uint64(0x1000), a.Size)
	a, _ = b.GetArea(right)
	assert.Equal(t, uint64(0x14000), a.Address)
	assert.Equal(t, uint64(0x1000), a.Size)

	areas, _ := b.Areas(1)
	assert.Len(t, areas, 2)
}

func TestShareAndClone(t *testing.T) {
	b := newBroker(t, 1, 2)
	src := register(t, b, 1, 0x10000, 0x2000)
	_, err := b.SharedPath(src)
	assert.ErrorIs(t, err, models.ErrBadValue)
	_, err = b.Clone(2, src, &models.Area{Address: 0x40000})
	assert.ErrorIs(t, err, models.ErrBadValue)

	path, err := b.Share(src)
	require.NoError(t, err)
	_, err = b.Share(src)
	assert.ErrorIs(t, err, models.ErrBadValue)
	got, err := b.SharedPath(src)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	clone, err := b.Clone(2, src, &models.Area{Address: 0x40000, Prot: models.ProtRead, Mapping: models.SharedMap})
	require.NoError(t, err)
	a, _ := b.GetArea(clone)
	assert.Equal(t, uint64(0x2000), a.Size)
	assert.Equal(t, path, a.Share.Path)
	assert.Equal(t, models.TeamID(2), a.Team)

	s, _ := b.GetArea(src)
	require.NoError(t, b.store.WriteAt(backing.Ref(s.Share.Ref), []byte("hi"), 0))
	p := make([]byte, 2)
	require.NoError(t, b.store.ReadAt(backing.Ref(a.Share.Ref), p, 0))
	assert.Equal(t, "hi", string(p))

	// the file lives until both areas are gone
	require.NoError(t, b.UnregisterArea(src))
	assert.FileExists(t, path)
	require.NoError(t, b.UnregisterArea(clone))
	assert.NoFileExists(t, path)
}

func TestSplitSharedOffsets(t *testing.T) {
	b := newBroker(t, 1)
	id := register(t, b, 1, 0x10000, 0x3000)
	_, err := b.Share(id)
	require.NoError(t, err)

	require.NoError(t, b.UnmapMemory(1, mem.Range{Addr: 0x10000, Size: 0x1000}))
	a, _ := b.GetArea(id)
	assert.Equal(t, uint64(0x11000), a.Address)
	assert.Equal(t, uint64(0x1000), a.Share.Offset)

	ids, err := b.Split(id, []mem.Range{{Addr: 0x11000, Size: 0x1000}, {Addr: 0x12000, Size: 0x1000}})
	require.NoError(t, err)
	c, _ := b.GetArea(ids[1])
	assert.Equal(t, uint64(0x2000), c.Share.Offset)
	assert.NotEqual(t, a.Share.Ref, c.Share.Ref)
	assert.Equal(t, 2, b.store.Refs())
}

func TestForkSemantics(t *testing.T) {
	b := newBroker(t, 1, 2)
	plain := register(t, b, 1, 0x10000, 0x1000)
	private := register(t, b, 1, 0x20000, 0x1000)
	shared := register(t, b, 1, 0x30000, 0x1000)
	for _, id := range []models.AreaID{private, shared} {
		_, err := b.Share(id)
		require.NoError(t, err)
	}
	// clones map the same bytes as their source
	pa, _ := b.GetArea(shared)
	pa.Mapping = models.SharedMap
	shared2, err := b.Clone(1, shared, pa)
	require.NoError(t, err)

	ids, err := b.Fork(1, 2)
	require.NoError(t, err)
	require.Len(t, ids, 4)
	for parent, child := range ids {
		assert.NotEqual(t, parent, child)
		p, _ := b.GetArea(parent)
		c, _ := b.GetArea(child)
		assert.Equal(t, models.TeamID(2), c.Team)
		assert.Equal(t, p.Address, c.Address)
		assert.Equal(t, p.Size, c.Size)
		assert.Equal(t, p.Prot, c.Prot)
	}
	c, _ := b.GetArea(ids[plain])
	assert.Nil(t, c.Share)

	write := func(id models.AreaID, s string) {
		a, err := b.GetArea(id)
		require.NoError(t, err)
		require.NoError(t, b.store.WriteAt(backing.Ref(a.Share.Ref), []byte(s), 0))
	}
	read := func(id models.AreaID) string {
		a, err := b.GetArea(id)
		require.NoError(t, err)
		p := make([]byte, 2)
		require.NoError(t, b.store.ReadAt(backing.Ref(a.Share.Ref), p, 0))
		return string(p)
	}
	write(ids[shared2], "sh")
	assert.Equal(t, "sh", read(shared2))
	write(ids[private], "pv")
	assert.NotEqual(t, "pv", read(private))
}

func TestForkFailureLeavesChildEmpty(t *testing.T) {
	b := newBroker(t, 1, 2)
	id := register(t, b, 1, 0x10000, 0x1000)
	_, err := b.Share(id)
	require.NoError(t, err)
	refs := b.store.Refs()

	a, _ := b.GetArea(id)
	// closing the parent's reference behind the broker's back makes the
	// copy fail
	require.NoError(t, b.store.Close(backing.Ref(a.Share.Ref)))
	_, err = b.Fork(1, 2)
	assert.ErrorIs(t, err, models.ErrEntryNotFound)
	areas, _ := b.Areas(2)
	assert.Empty(t, areas)
	assert.Equal(t, refs-1, b.store.Refs())
}

func TestSwapAndTransfer(t *testing.T) {
	b := newBroker(t, 1, 2)
	x := register(t, b, 1, 0x10000, 0x1000)
	y := register(t, b, 1, 0x50000, 0x1000)
	_, err := b.Share(y)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Transfer(x, 2, 0x70000), models.ErrBadValue)
	require.NoError(t, b.Swap(x, y))
	a, _ := b.GetArea(x)
	assert.Equal(t, uint64(0x50000), a.Address)
	assert.NotNil(t, a.Share)
	assert.Equal(t, x, a.ID)

	require.NoError(t, b.Transfer(x, 2, 0x70000))
	a, _ = b.GetArea(x)
	assert.Equal(t, models.TeamID(2), a.Team)
	assert.Equal(t, uint64(0x70000), a.Address)
	id, err := b.AreaFor(2, 0x70000)
	require.NoError(t, err)
	assert.Equal(t, x, id)
	_, err = b.AreaFor(1, 0x50000)
	assert.Error(t, err)

	other := register(t, b, 2, 0x90000, 0x1000)
	assert.ErrorIs(t, b.Swap(y, other), models.ErrBadValue)
}

func TestRemoveTeamCascades(t *testing.T) {
	b := newBroker(t, 1)
	id := register(t, b, 1, 0x10000, 0x1000)
	path, err := b.Share(id)
	require.NoError(t, err)
	register(t, b, 1, 0x20000, 0x1000)

	require.NoError(t, b.RemoveTeam(1))
	_, err = b.GetArea(id)
	assert.ErrorIs(t, err, models.ErrBadValue)
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, b.store.Refs())
	assert.Empty(t, b.Teams())
}

func TestConcurrentTeams(t *testing.T) {
	b := newBroker(t, 1, 2, 3, 4)
	var wg sync.WaitGroup
	for team := models.TeamID(1); team <= 4; team++ {
		wg.Add(1)
		go func(team models.TeamID) {
			defer wg.Done()
			for i := uint64(0); i < 50; i++ {
				id, err := b.RegisterArea(team, &models.Area{Address: i * 0x1000, Size: 0x1000})
				if !assert.NoError(t, err) {
					return
				}
				if i%2 == 0 {
					assert.NoError(t, b.UnregisterArea(id))
				}
			}
		}(team)
	}
	wg.Wait()
	for team := models.TeamID(1); team <= 4; team++ {
		areas, err := b.Areas(team)
		require.NoError(t, err)
		assert.Len(t, areas, 25)
	}
}

func backingFiles(t *testing.T, b *Broker) int {
	entries, err := os.ReadDir(b.store.Dir())
	require.NoError(t, err)
	return len(entries)
}

func TestRefLimitLeavesNoFiles(t *testing.T) {
	b := newBroker(t, 1, 2)
	first := register(t, b, 1, 0x10000, 0x3000)
	second := register(t, b, 1, 0x20000, 0x1000)
	_, err := b.Share(first)
	require.NoError(t, err)
	b.store.MaxRefs = 1

	_, err = b.Share(second)
	assert.ErrorIs(t, err, models.ErrNoMemory)
	assert.Equal(t, 1, backingFiles(t, b))
	a, _ := b.GetArea(second)
	assert.Nil(t, a.Share)

	// the private copy made for the child is removed again
	_, err = b.Fork(1, 2)
	assert.ErrorIs(t, err, models.ErrNoMemory)
	assert.Equal(t, 1, backingFiles(t, b))
	areas, _ := b.Areas(2)
	assert.Empty(t, areas)

	b.store.MaxRefs = 2
	_, err = b.Split(first, []mem.Range{
		{Addr: 0x10000, Size: 0x1000},
		{Addr: 0x11000, Size: 0x1000},
		{Addr: 0x12000, Size: 0x1000},
	})
	assert.ErrorIs(t, err, models.ErrNoMemory)
	assert.Equal(t, 1, b.store.Refs())
	a, _ = b.GetArea(first)
	assert.Equal(t, uint64(0x3000), a.Size)
}
