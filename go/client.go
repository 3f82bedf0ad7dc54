package areacorn

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/broker"
	"github.com/lunixbochs/areacorn/go/kernel/areas"
	co "github.com/lunixbochs/areacorn/go/kernel/common"
	"github.com/lunixbochs/areacorn/go/models"
)

// message memory layout of one connection
const (
	msgIn   = 0x0
	msgOut  = 0x100
	msgPath = 0x200
	pathMax = 0x1000
)

// client issues lifecycle calls over one connection. It is not safe for
// concurrent use; the owning task's lock serializes it.
type client struct {
	s *areas.Session
}

func newClient(b *broker.Broker, team models.TeamID, log *zap.Logger) *client {
	return &client{s: areas.NewSession(b, team, log)}
}

func (c *client) call(name string, args ...uint64) (uint64, error) {
	return co.Dispatch(c.s, name, args...)
}

func (c *client) put(a *models.Area) error {
	info := a.Info()
	return errors.Wrap(c.s.Msg.StrucAt(msgIn).Pack(&info), "packing area record")
}

func (c *client) record() (models.AreaInfo, error) {
	var info models.AreaInfo
	err := c.s.Msg.StrucAt(msgOut).Unpack(&info)
	return info, errors.Wrap(err, "unpacking area record")
}

func (c *client) path(name string, id models.AreaID) (string, error) {
	n, err := c.call(name, uint64(id), msgPath, pathMax)
	if err != nil {
		return "", err
	}
	if n >= pathMax {
		return "", errors.Wrapf(models.ErrBadValue, "backing path of area %d is %d bytes", id, n)
	}
	return c.s.Msg.ReadStrAt(msgPath)
}

func (c *client) registerArea(a *models.Area) (models.AreaID, error) {
	if err := c.put(a); err != nil {
		return 0, err
	}
	id, err := c.call("register_area", msgIn)
	return models.AreaID(id), err
}

func (c *client) areaInfo(id models.AreaID) (models.AreaInfo, error) {
	if _, err := c.call("get_area_info", uint64(id), msgOut); err != nil {
		return models.AreaInfo{}, err
	}
	return c.record()
}

// nextAreaInfo returns ok=false once the walk is done.
func (c *client) nextAreaInfo(team models.TeamID, cookie uint64) (models.AreaInfo, uint64, bool, error) {
	next, err := c.call("get_next_area_info", uint64(team), cookie, msgOut)
	if errors.Is(err, models.ErrBadValue) {
		return models.AreaInfo{}, 0, false, nil
	} else if err != nil {
		return models.AreaInfo{}, 0, false, err
	}
	info, err := c.record()
	return info, next, err == nil, err
}

func (c *client) unregisterArea(id models.AreaID) error {
	_, err := c.call("unregister_area", uint64(id))
	return err
}

func (c *client) resizeArea(id models.AreaID, size uint64) (uint64, error) {
	return c.call("resize_area", uint64(id), size)
}

func (c *client) setAreaProtection(id models.AreaID, prot models.Prot) error {
	_, err := c.call("set_area_protection", uint64(id), uint64(prot))
	return err
}

func (c *client) areaFor(addr uint64) (models.AreaID, error) {
	id, err := c.call("area_for", addr)
	return models.AreaID(id), err
}

func (c *client) unmapMemory(addr, size uint64) error {
	_, err := c.call("unmap_memory", addr, size)
	return err
}

func (c *client) shareArea(id models.AreaID) (string, error) {
	return c.path("share_area", id)
}

func (c *client) sharedAreaPath(id models.AreaID) (string, error) {
	return c.path("get_shared_area_path", id)
}

func (c *client) cloneArea(a *models.Area, source models.AreaID) (models.AreaID, error) {
	if err := c.put(a); err != nil {
		return 0, err
	}
	id, err := c.call("clone_area", msgIn, uint64(source))
	return models.AreaID(id), err
}

func (c *client) swapAreas(a, b models.AreaID) error {
	_, err := c.call("swap_areas", uint64(a), uint64(b))
	return err
}

func (c *client) transferArea(id models.AreaID, addr uint64, target models.TeamID) error {
	_, err := c.call("transfer_area", uint64(id), addr, uint64(target))
	return err
}

func (c *client) forkTeam(child models.TeamID) (uint64, error) {
	return c.call("fork_team", uint64(child))
}

func (c *client) exitTeam() error {
	_, err := c.call("exit_team")
	return err
}
