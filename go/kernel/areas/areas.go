// Package areas is the broker side of the area lifecycle protocol.
package areas

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/broker"
	co "github.com/lunixbochs/areacorn/go/kernel/common"
	"github.com/lunixbochs/areacorn/go/models"
	"github.com/lunixbochs/areacorn/go/models/mem"
)

// Session serves one connection. Every call acts on behalf of the team the
// connection belongs to.
type Session struct {
	co.KernelBase
	b    *broker.Broker
	team models.TeamID
}

func NewSession(b *broker.Broker, team models.TeamID, log *zap.Logger) *Session {
	s := &Session{
		KernelBase: co.KernelBase{Log: log.With(zap.Int32("team", int32(team)))},
		b:          b,
		team:       team,
	}
	co.Init(s)
	return s
}

func (s *Session) Team() models.TeamID {
	return s.team
}

// own returns the area when it belongs to the calling team.
func (s *Session) own(id models.AreaID) (*models.Area, error) {
	a, err := s.b.GetArea(id)
	if err != nil {
		return nil, err
	}
	if a.Team != s.team {
		return nil, errors.Wrapf(models.ErrBadValue, "area %d belongs to team %d", id, a.Team)
	}
	return a, nil
}

func (s *Session) RegisterArea(in co.Buf) (models.AreaID, error) {
	var info models.AreaInfo
	if err := in.Unpack(&info); err != nil {
		return 0, err
	}
	return s.b.RegisterArea(s.team, info.Area())
}

// GetAreaInfo works on any team's area, like the guest call.
func (s *Session) GetAreaInfo(id models.AreaID, out co.Obuf) error {
	a, err := s.b.GetArea(id)
	if err != nil {
		return err
	}
	info := a.Info()
	return out.Pack(&info)
}

// GetNextAreaInfo walks a team's areas. The cookie starts at zero and the
// returned value is the cookie for the next call.
func (s *Session) GetNextAreaInfo(team models.TeamID, cookie uint64, out co.Obuf) (uint64, error) {
	if team == 0 {
		team = s.team
	}
	id, ok, err := s.b.NextAreaID(team, models.AreaID(cookie))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(models.ErrBadValue, "no area after %d in team %d", cookie, team)
	}
	if err := s.GetAreaInfo(id, out); err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *Session) UnregisterArea(id models.AreaID) error {
	if _, err := s.own(id); err != nil {
		return err
	}
	return s.b.UnregisterArea(id)
}

// ResizeArea returns the old size so a failed host resize can be undone.
func (s *Session) ResizeArea(id models.AreaID, size co.Len) (co.Len, error) {
	if _, err := s.own(id); err != nil {
		return 0, err
	}
	old, err := s.b.Resize(id, uint64(size))
	return co.Len(old), err
}

func (s *Session) SetAreaProtection(id models.AreaID, prot models.Prot) error {
	if _, err := s.own(id); err != nil {
		return err
	}
	return s.b.SetProtection(id, prot)
}

func (s *Session) AreaFor(addr co.Addr) (models.AreaID, error) {
	return s.b.AreaFor(s.team, uint64(addr))
}

func (s *Session) UnmapMemory(addr co.Addr, size co.Len) error {
	return s.b.UnmapMemory(s.team, mem.Range{Addr: uint64(addr), Size: uint64(size)})
}

// ShareArea writes the new backing path to out and returns its length.
func (s *Session) ShareArea(id models.AreaID, out co.Obuf, size co.Len) (co.Len, error) {
	if _, err := s.own(id); err != nil {
		return 0, err
	}
	path, err := s.b.Share(id)
	if err != nil {
		return 0, err
	}
	return out.WriteString(path, size)
}

func (s *Session) GetSharedAreaPath(id models.AreaID, out co.Obuf, size co.Len) (co.Len, error) {
	path, err := s.b.SharedPath(id)
	if err != nil {
		return 0, err
	}
	return out.WriteString(path, size)
}

func (s *Session) CloneArea(in co.Buf, source models.AreaID) (models.AreaID, error) {
	var info models.AreaInfo
	if err := in.Unpack(&info); err != nil {
		return 0, err
	}
	return s.b.Clone(s.team, source, info.Area())
}

func (s *Session) SwapAreas(a, b models.AreaID) error {
	if _, err := s.own(a); err != nil {
		return err
	}
	return s.b.Swap(a, b)
}

// TransferArea finishes a handoff once the target has mapped the area at
// addr.
func (s *Session) TransferArea(id models.AreaID, addr co.Addr, target models.TeamID) (models.AreaID, error) {
	if _, err := s.own(id); err != nil {
		return 0, err
	}
	if err := s.b.Transfer(id, target, uint64(addr)); err != nil {
		return 0, err
	}
	return id, nil
}

// ForkTeam copies the calling team's areas into child and returns how many
// were copied.
func (s *Session) ForkTeam(child models.TeamID) (uint64, error) {
	ids, err := s.b.Fork(s.team, child)
	return uint64(len(ids)), err
}

func (s *Session) ExitTeam() error {
	return s.b.RemoveTeam(s.team)
}
