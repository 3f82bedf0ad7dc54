package areas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/broker"
	co "github.com/lunixbochs/areacorn/go/kernel/common"
	"github.com/lunixbochs/areacorn/go/models"
)

const (
	inRec  = 0x0
	outRec = 0x200
	outStr = 0x400
)

func newSessions(t *testing.T, teams ...models.TeamID) []*Session {
	log := zaptest.NewLogger(t)
	store, err := backing.NewStore(t.TempDir(), log)
	require.NoError(t, err)
	b := broker.New(store, log)
	var out []*Session
	for _, team := range teams {
		require.NoError(t, b.AddTeam(team))
		out = append(out, NewSession(b, team, log))
	}
	return out
}

func call(t *testing.T, s *Session, name string, args ...uint64) uint64 {
	ret, err := co.Dispatch(s, name, args...)
	require.NoError(t, err, name)
	return ret
}

func registerArea(t *testing.T, s *Session, addr, size uint64) models.AreaID {
	a := &models.Area{Name: "data", Address: addr, Size: size, Prot: models.ProtRW, Mapping: models.PrivateMap}
	info := a.Info()
	require.NoError(t, s.Msg.StrucAt(inRec).Pack(&info))
	return models.AreaID(call(t, s, "register_area", inRec))
}

func areaInfo(t *testing.T, s *Session, id models.AreaID) models.AreaInfo {
	call(t, s, "get_area_info", uint64(id), outRec)
	var info models.AreaInfo
	require.NoError(t, s.Msg.StrucAt(outRec).Unpack(&info))
	return info
}

func TestAreaLifecycle(t *testing.T) {
	s := newSessions(t, 5)[0]
	id := registerArea(t, s, 0x10000, 0x3000)
	info := areaInfo(t, s, id)
	assert.Equal(t, "data", info.NameString())
	assert.Equal(t, int32(5), info.Team)
	assert.Equal(t, uint32(0), info.Shared)

	assert.Equal(t, uint64(0x3000), call(t, s, "resize_area", uint64(id), 0x4000))
	call(t, s, "set_area_protection", uint64(id), uint64(models.ProtRead))
	info = areaInfo(t, s, id)
	assert.Equal(t, uint64(0x4000), info.Size)
	assert.Equal(t, uint32(models.ProtRead), info.Protection)

	assert.Equal(t, uint64(id), call(t, s, "area_for", 0x13fff))
	_, err := co.Dispatch(s, "area_for", 0x14000)
	assert.ErrorIs(t, err, models.ErrBadValue)

	call(t, s, "unmap_memory", 0x11000, 0x1000)
	second := models.AreaID(call(t, s, "area_for", 0x12000))
	assert.NotEqual(t, id, second)
	assert.Equal(t, uint64(0x1000), areaInfo(t, s, id).Size)

	call(t, s, "unregister_area", uint64(id))
	_, err = co.Dispatch(s, "get_area_info", uint64(id), outRec)
	assert.ErrorIs(t, err, models.ErrBadValue)
}

func TestNextAreaInfo(t *testing.T) {
	s := newSessions(t, 1)[0]
	for i := uint64(0); i < 3; i++ {
		registerArea(t, s, 0x10000*(i+1), 0x1000)
	}
	var addrs []uint64
	var cookie uint64
	for {
		next, err := co.Dispatch(s, "get_next_area_info", 0, cookie, outRec)
		if err != nil {
			assert.ErrorIs(t, err, models.ErrBadValue)
			break
		}
		var info models.AreaInfo
		require.NoError(t, s.Msg.StrucAt(outRec).Unpack(&info))
		addrs = append(addrs, info.Address)
		cookie = next
	}
	assert.Equal(t, []uint64{0x10000, 0x20000, 0x30000}, addrs)
}

func TestSharingCalls(t *testing.T) {
	ss := newSessions(t, 1, 2)
	owner, other := ss[0], ss[1]
	id := registerArea(t, owner, 0x10000, 0x2000)

	_, err := co.Dispatch(other, "share_area", uint64(id), outStr, 256)
	assert.ErrorIs(t, err, models.ErrBadValue, "sharing another team's area")

	n := call(t, owner, "share_area", uint64(id), outStr, 256)
	path, err := owner.Msg.ReadStrAt(outStr)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(path)), n)
	assert.FileExists(t, path)

	call(t, other, "get_shared_area_path", uint64(id), outStr, 256)
	got, _ := other.Msg.ReadStrAt(outStr)
	assert.Equal(t, path, got)

	clone := &models.Area{Name: "view", Address: 0x50000, Prot: models.ProtRead, Mapping: models.SharedMap}
	info := clone.Info()
	require.NoError(t, other.Msg.StrucAt(inRec).Pack(&info))
	cid := models.AreaID(call(t, other, "clone_area", inRec, uint64(id)))
	cinfo := areaInfo(t, other, cid)
	assert.Equal(t, uint32(1), cinfo.Shared)
	assert.Equal(t, uint64(0x2000), cinfo.Size)
	assert.Equal(t, int32(2), cinfo.Team)

	// a private area cannot be cloned
	plain := registerArea(t, owner, 0x30000, 0x1000)
	_, err = co.Dispatch(other, "clone_area", inRec, uint64(plain))
	assert.ErrorIs(t, err, models.ErrBadValue)
}

func TestSwapTransferFork(t *testing.T) {
	ss := newSessions(t, 1, 2, 3)
	src, dst, child := ss[0], ss[1], ss[2]
	id := registerArea(t, src, 0x10000, 0x1000)
	tmp := registerArea(t, src, 0x20000, 0x1000)
	call(t, src, "share_area", uint64(tmp), outStr, 256)

	_, err := co.Dispatch(src, "transfer_area", uint64(id), 0x80000, 2)
	assert.ErrorIs(t, err, models.ErrBadValue)

	call(t, src, "swap_areas", uint64(id), uint64(tmp))
	assert.Equal(t, uint64(0x20000), areaInfo(t, src, id).Address)
	assert.Equal(t, uint64(id), call(t, src, "transfer_area", uint64(id), 0x80000, 2))
	info := areaInfo(t, dst, id)
	assert.Equal(t, int32(2), info.Team)
	assert.Equal(t, uint64(0x80000), info.Address)

	// the old owner can no longer touch it
	_, err = co.Dispatch(src, "unregister_area", uint64(id))
	assert.ErrorIs(t, err, models.ErrBadValue)

	assert.Equal(t, uint64(1), call(t, dst, "fork_team", 3))
	forked := models.AreaID(call(t, child, "area_for", 0x80000))
	assert.NotEqual(t, id, forked)

	call(t, dst, "exit_team")
	_, err = co.Dispatch(dst, "area_for", 0x80000)
	assert.ErrorIs(t, err, models.ErrBadValue)
}
