// Package areacorn emulates a guest address space: reserved windows, areas
// with broker assigned ids, and sharing, cloning and transfer of areas
// between teams.
package areacorn

import (
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/broker"
	"github.com/lunixbochs/areacorn/go/host"
	"github.com/lunixbochs/areacorn/go/models"
)

// System is the broker context: one backing store, one area registry and
// the tasks attached to them.
type System struct {
	Config *models.Config
	Log    *zap.Logger
	Store  *backing.Store
	Broker *broker.Broker

	mu    sync.Mutex
	files []*os.File
	tasks map[models.TeamID]*Task
}

func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewSystem(config *models.Config, log *zap.Logger) (*System, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	store, err := backing.NewStore(config.BackingDir, log.Named("backing"))
	if err != nil {
		return nil, err
	}
	store.MaxRefs = config.MaxBackingRefs
	return &System{
		Config: config,
		Log:    log,
		Store:  store,
		Broker: broker.New(store, log.Named("broker")),
		tasks:  make(map[models.TeamID]*Task),
	}, nil
}

func (s *System) newHost() (host.Host, error) {
	ps := s.Config.PageSize
	switch {
	case s.Config.Unicorn:
		return host.NewUnicorn(ps, simLimit)
	case s.Config.Simulate:
		return host.NewSim(ps, ps, simLimit), nil
	}
	return nativeHost()
}

// NewTask registers team with the broker and returns its allocator.
func (s *System) NewTask(team models.TeamID) (*Task, error) {
	h, err := s.newHost()
	if err != nil {
		return nil, err
	}
	if s.Config.PageSize%h.PageSize() != 0 {
		return nil, errors.Wrapf(models.ErrBadValue, "page size %#x is not a multiple of the host's %#x", s.Config.PageSize, h.PageSize())
	}
	if err := s.Broker.AddTeam(team); err != nil {
		return nil, err
	}
	t := newTask(s, team, h)
	s.addTask(t)
	return t, nil
}

func (s *System) addTask(t *Task) {
	s.mu.Lock()
	s.tasks[t.team] = t
	s.mu.Unlock()
}

func (s *System) dropTask(t *Task) {
	s.mu.Lock()
	if s.tasks[t.team] == t {
		delete(s.tasks, t.team)
	}
	s.mu.Unlock()
}

// mapped guest files stay open until the system closes; forked host
// pages can still point at them
func (s *System) keepFile(f *os.File) {
	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()
}

// Close exits every task still running, drops the teams left in the broker
// and closes mapped guest files.
func (s *System) Close() error {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	var result error
	for _, t := range tasks {
		if err := t.Exit(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, team := range s.Broker.Teams() {
		if err := s.Broker.RemoveTeam(team); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.mu.Lock()
	files := s.files
	s.files = nil
	s.mu.Unlock()
	for _, f := range files {
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.Log.Sync()
	return result
}
