// Package broker holds the authoritative area records of every team.
package broker

import (
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/models"
	"github.com/lunixbochs/areacorn/go/models/idtable"
	"github.com/lunixbochs/areacorn/go/models/mem"
)

// Team is one emulated process as the broker sees it.
type Team struct {
	ID models.TeamID

	mu    sync.Mutex
	areas map[models.AreaID]*models.Area
	owned *bitset.BitSet
}

func newTeam(id models.TeamID) *Team {
	return &Team{ID: id, areas: make(map[models.AreaID]*models.Area), owned: bitset.New(0)}
}

// ordered ids of the team's areas, t.mu held
func (t *Team) ids() []models.AreaID {
	out := make([]models.AreaID, 0, len(t.areas))
	for i, ok := t.owned.NextSet(0); ok; i, ok = t.owned.NextSet(i + 1) {
		out = append(out, models.AreaID(i))
	}
	return out
}

// Broker is the area registry. It is created once and handed to every
// request handler.
//
// mu guards teams and the global id table, which resolves an area id to the
// team owning it. Each team's areas are guarded by the team's own lock. When
// both are needed, a team lock is taken first; mu is never held while
// waiting on a team.
type Broker struct {
	store *backing.Store
	log   *zap.Logger

	mu    sync.Mutex
	teams map[models.TeamID]*Team
	ids   *idtable.Table[models.TeamID]
}

func New(store *backing.Store, log *zap.Logger) *Broker {
	b := &Broker{
		store: store,
		log:   log,
		teams: make(map[models.TeamID]*Team),
		ids:   idtable.New[models.TeamID](),
	}
	// area id 0 means "no area" on the wire
	b.ids.Add(-1)
	return b
}

func (b *Broker) Store() *backing.Store {
	return b.store
}

func (b *Broker) AddTeam(id models.TeamID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.teams[id]; ok {
		return errors.Wrapf(models.ErrBadValue, "team %d exists", id)
	}
	b.teams[id] = newTeam(id)
	b.log.Debug("added team", zap.Int32("team", int32(id)))
	return nil
}

// Teams returns the registered team ids.
func (b *Broker) Teams() []models.TeamID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.TeamID, 0, len(b.teams))
	for id := range b.teams {
		out = append(out, id)
	}
	return out
}

func (b *Broker) team(id models.TeamID) (*Team, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.teams[id]
	if !ok {
		return nil, errors.Wrapf(models.ErrBadValue, "unknown team %d", id)
	}
	return t, nil
}

// RemoveTeam drops a team and every area it owns.
func (b *Broker) RemoveTeam(id models.TeamID) error {
	t, err := b.team(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	var shares []*models.Sharing
	ids := t.ids()
	for _, aid := range ids {
		if a := t.areas[aid]; a.Share != nil {
			shares = append(shares, a.Share)
		}
	}
	t.areas = make(map[models.AreaID]*models.Area)
	t.owned.ClearAll()
	b.mu.Lock()
	delete(b.teams, id)
	for _, aid := range ids {
		b.ids.Remove(int(aid))
	}
	b.mu.Unlock()
	t.mu.Unlock()

	var result error
	for _, s := range shares {
		if err := b.store.Close(backing.Ref(s.Ref)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	b.log.Debug("removed team", zap.Int32("team", int32(id)), zap.Int("areas", len(ids)))
	return result
}

// lockArea returns the area and its team with the team locked. An area can
// change teams between the lookup and the lock, so the lookup is retried.
func (b *Broker) lockArea(id models.AreaID) (*Team, *models.Area, error) {
	for {
		b.mu.Lock()
		owner, ok := b.ids.Get(int(id))
		var t *Team
		if ok {
			t = b.teams[*owner]
		}
		b.mu.Unlock()
		if !ok || t == nil || id <= 0 {
			return nil, nil, errors.Wrapf(models.ErrBadValue, "unknown area %d", id)
		}
		t.mu.Lock()
		if a, ok := t.areas[id]; ok {
			return t, a, nil
		}
		t.mu.Unlock()

		b.mu.Lock()
		now, ok := b.ids.Get(int(id))
		moved := ok && *now != t.ID
		b.mu.Unlock()
		if !moved {
			return nil, nil, errors.Wrapf(models.ErrBadValue, "unknown area %d", id)
		}
	}
}

// insert gives a an id in t, t.mu held.
func (b *Broker) insert(t *Team, a *models.Area) models.AreaID {
	b.mu.Lock()
	id := models.AreaID(b.ids.Add(t.ID))
	b.mu.Unlock()
	a.ID, a.Team = id, t.ID
	t.areas[id] = a
	t.owned.Set(uint(id))
	return id
}

// remove drops an area from t and returns its sharing state, t.mu held.
func (b *Broker) remove(t *Team, id models.AreaID) *models.Sharing {
	a := t.areas[id]
	delete(t.areas, id)
	t.owned.Clear(uint(id))
	b.mu.Lock()
	b.ids.Remove(int(id))
	b.mu.Unlock()
	return a.Share
}

func (b *Broker) closeShare(s *models.Sharing) error {
	if s == nil {
		return nil
	}
	return b.store.Close(backing.Ref(s.Ref))
}

func validate(a *models.Area) error {
	if a.Size == 0 {
		return errors.Wrap(models.ErrBadValue, "empty area")
	}
	if a.Address+a.Size < a.Address {
		return errors.Wrapf(models.ErrBadAddress, "area 0x%x+0x%x overflows", a.Address, a.Size)
	}
	if !a.Lock.Valid() {
		return errors.Wrapf(models.ErrBadValue, "lock mode %d", a.Lock)
	}
	return nil
}

// RegisterArea records a new private area for team. Sharing state in the
// request is ignored.
func (b *Broker) RegisterArea(team models.TeamID, area *models.Area) (models.AreaID, error) {
	if err := validate(area); err != nil {
		return 0, err
	}
	t, err := b.team(team)
	if err != nil {
		return 0, err
	}
	a := area.Copy()
	a.Share = nil
	t.mu.Lock()
	id := b.insert(t, a)
	t.mu.Unlock()
	b.log.Debug("registered area", areaFields(a)...)
	return id, nil
}

// GetArea returns a copy of the record.
func (b *Broker) GetArea(id models.AreaID) (*models.Area, error) {
	t, a, err := b.lockArea(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	return a.Copy(), nil
}

func (b *Broker) UnregisterArea(id models.AreaID) error {
	t, _, err := b.lockArea(id)
	if err != nil {
		return err
	}
	share := b.remove(t, id)
	t.mu.Unlock()
	b.log.Debug("unregistered area", zap.Int32("area", int32(id)), zap.Int32("team", int32(t.ID)))
	return b.closeShare(share)
}

// AreaFor returns the team's area containing addr.
func (b *Broker) AreaFor(team models.TeamID, addr uint64) (models.AreaID, error) {
	t, err := b.team(team)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.ids() {
		if t.areas[id].Contains(addr) {
			return id, nil
		}
	}
	return 0, errors.Wrapf(models.ErrBadValue, "no area at 0x%x", addr)
}

// NextAreaID returns the team's smallest area id above id.
func (b *Broker) NextAreaID(team models.TeamID, id models.AreaID) (models.AreaID, bool, error) {
	t, err := b.team(team)
	if err != nil {
		return 0, false, err
	}
	if id < 0 {
		id = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.owned.NextSet(uint(id) + 1)
	return models.AreaID(next), ok, nil
}

// Areas returns copies of the team's areas in id order.
func (b *Broker) Areas(team models.TeamID) ([]*models.Area, error) {
	t, err := b.team(team)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Area, 0, len(t.areas))
	for _, id := range t.ids() {
		out = append(out, t.areas[id].Copy())
	}
	return out, nil
}

// Resize sets a new size and returns the old one. A shared area's backing
// file grows with it.
func (b *Broker) Resize(id models.AreaID, size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(models.ErrBadValue, "resize to zero")
	}
	t, a, err := b.lockArea(id)
	if err != nil {
		return 0, err
	}
	defer t.mu.Unlock()
	if a.Address+size < a.Address {
		return 0, errors.Wrapf(models.ErrBadAddress, "area %d to 0x%x overflows", id, size)
	}
	if a.Share != nil {
		ref := backing.Ref(a.Share.Ref)
		have, err := b.store.Size(ref)
		if err != nil {
			return 0, err
		}
		if need := a.Share.Offset + size; need > have {
			if err := b.store.Truncate(ref, need); err != nil {
				return 0, err
			}
		}
	}
	old := a.Size
	a.Size = size
	b.log.Debug("resized area", zap.Int32("area", int32(id)), zap.Uint64("old", old), zap.Uint64("size", size))
	return old, nil
}

func (b *Broker) SetProtection(id models.AreaID, prot models.Prot) error {
	t, a, err := b.lockArea(id)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	a.Prot = prot
	b.log.Debug("protected area", zap.Int32("area", int32(id)), zap.Stringer("prot", prot))
	return nil
}

// Split cuts an area into the given ranges. The first range keeps the
// area's id; every further range becomes a new area with the same fields.
func (b *Broker) Split(id models.AreaID, ranges []mem.Range) ([]models.AreaID, error) {
	t, a, err := b.lockArea(id)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	return b.split(t, a, ranges)
}

// split, t.mu held
func (b *Broker) split(t *Team, a *models.Area, ranges []mem.Range) ([]models.AreaID, error) {
	whole := mem.Range{Addr: a.Address, Size: a.Size}
	if len(ranges) == 0 {
		return nil, errors.Wrapf(models.ErrBadValue, "split of area %d into nothing", a.ID)
	}
	for i, r := range ranges {
		if r.Size == 0 || !whole.ContainsRange(r) {
			return nil, errors.Wrapf(models.ErrBadValue, "%v is outside area %d %v", r, a.ID, whole)
		}
		if i > 0 && ranges[i-1].End() > r.Addr {
			return nil, errors.Wrapf(models.ErrBadValue, "split ranges %v and %v overlap", ranges[i-1], r)
		}
	}
	// open the extra references before touching anything
	extra := make([]*models.Area, 0, len(ranges)-1)
	for _, r := range ranges[1:] {
		c := a.Copy()
		c.Address, c.Size = r.Addr, r.Size
		if a.Share != nil {
			ref, err := b.store.OpenSharedFile(a.Share.Path, true)
			if err != nil {
				var result error = err
				for _, e := range extra {
					if cerr := b.closeShare(e.Share); cerr != nil {
						result = multierror.Append(result, cerr)
					}
				}
				return nil, result
			}
			c.Share.Ref = int(ref)
			c.Share.Offset = a.Share.Offset + (r.Addr - a.Address)
		}
		extra = append(extra, c)
	}
	if a.Share != nil {
		a.Share.Offset += ranges[0].Addr - a.Address
	}
	a.Address, a.Size = ranges[0].Addr, ranges[0].Size
	ids := []models.AreaID{a.ID}
	for _, c := range extra {
		ids = append(ids, b.insert(t, c))
	}
	b.log.Debug("split area", zap.Int32("area", int32(a.ID)), zap.Int("parts", len(ids)))
	return ids, nil
}

// UnmapMemory removes r from every area of team. Areas left with nothing
// are deleted, the rest are split.
func (b *Broker) UnmapMemory(team models.TeamID, r mem.Range) error {
	if r.Size == 0 {
		return errors.Wrap(models.ErrBadValue, "empty unmap")
	}
	t, err := b.team(team)
	if err != nil {
		return err
	}
	t.mu.Lock()
	var closing []*models.Sharing
	var result error
	for _, id := range t.ids() {
		a := t.areas[id]
		if !r.Overlaps(mem.Range{Addr: a.Address, Size: a.Size}) {
			continue
		}
		rest := mem.Range{Addr: a.Address, Size: a.Size}.Subtract(r)
		if len(rest) == 0 {
			closing = append(closing, b.remove(t, id))
			continue
		}
		if _, err := b.split(t, a, rest); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.mu.Unlock()
	for _, s := range closing {
		if err := b.closeShare(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	b.log.Debug("unmapped memory", zap.Int32("team", int32(team)), zap.Stringer("range", r), zap.Int("deleted", len(closing)))
	return result
}

// Share backs a private area with a fresh shared file and returns its path.
func (b *Broker) Share(id models.AreaID) (string, error) {
	t, a, err := b.lockArea(id)
	if err != nil {
		return "", err
	}
	defer t.mu.Unlock()
	if a.Share != nil {
		return "", errors.Wrapf(models.ErrBadValue, "area %d is already shared", id)
	}
	path, err := b.store.CreateSharedFile(a.Name, a.Size)
	if err != nil {
		return "", err
	}
	ref, err := b.store.OpenSharedFile(path, true)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	a.Share = &models.Sharing{Ref: int(ref), Path: path}
	b.log.Debug("shared area", zap.Int32("area", int32(id)), zap.String("path", path))
	return path, nil
}

func (b *Broker) SharedPath(id models.AreaID) (string, error) {
	t, a, err := b.lockArea(id)
	if err != nil {
		return "", err
	}
	defer t.mu.Unlock()
	if a.Share == nil {
		return "", errors.Wrapf(models.ErrBadValue, "area %d is not shared", id)
	}
	return a.Share.Path, nil
}

// Clone registers area for team on top of the backing file of source.
func (b *Broker) Clone(team models.TeamID, source models.AreaID, area *models.Area) (models.AreaID, error) {
	src, err := b.GetArea(source)
	if err != nil {
		return 0, err
	}
	if src.Share == nil {
		return 0, errors.Wrapf(models.ErrBadValue, "area %d is not shared", source)
	}
	a := area.Copy()
	if a.Size == 0 {
		a.Size = src.Size
	}
	if err := validate(a); err != nil {
		return 0, err
	}
	t, err := b.team(team)
	if err != nil {
		return 0, err
	}
	ref, err := b.store.OpenSharedFile(src.Share.Path, true)
	if err != nil {
		return 0, err
	}
	a.Share = &models.Sharing{Ref: int(ref), Path: src.Share.Path, Offset: src.Share.Offset}
	t.mu.Lock()
	id := b.insert(t, a)
	t.mu.Unlock()
	b.log.Debug("cloned area", append(areaFields(a), zap.Int32("source", int32(source)))...)
	return id, nil
}

// Swap exchanges the records behind two areas of the same team. Ids stay.
func (b *Broker) Swap(x, y models.AreaID) error {
	t, ax, err := b.lockArea(x)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	ay, ok := t.areas[y]
	if !ok {
		return errors.Wrapf(models.ErrBadValue, "area %d is not in team %d", y, t.ID)
	}
	*ax, *ay = *ay, *ax
	ax.ID, ay.ID = x, y
	b.log.Debug("swapped areas", zap.Int32("area", int32(x)), zap.Int32("with", int32(y)))
	return nil
}

func lockPair(x, y *Team) func() {
	if x == y {
		x.mu.Lock()
		return x.mu.Unlock
	}
	if y.ID < x.ID {
		x, y = y, x
	}
	x.mu.Lock()
	y.mu.Lock()
	return func() {
		y.mu.Unlock()
		x.mu.Unlock()
	}
}

// Transfer hands a shared area to another team, which has mapped it at
// addr. The id stays the same.
func (b *Broker) Transfer(id models.AreaID, target models.TeamID, addr uint64) error {
	dst, err := b.team(target)
	if err != nil {
		return err
	}
	src, a, err := b.lockArea(id)
	if err != nil {
		return err
	}
	if a.Share == nil {
		src.mu.Unlock()
		return errors.Wrapf(models.ErrBadValue, "area %d must be shared before transfer", id)
	}
	if addr+a.Size < addr {
		src.mu.Unlock()
		return errors.Wrapf(models.ErrBadAddress, "area %d at 0x%x overflows", id, addr)
	}
	src.mu.Unlock()

	unlock := lockPair(src, dst)
	defer unlock()
	a, ok := src.areas[id]
	if !ok {
		return errors.Wrapf(models.ErrBadValue, "area %d left team %d", id, src.ID)
	}
	delete(src.areas, id)
	src.owned.Clear(uint(id))
	a.Team, a.Address = target, addr
	dst.areas[id] = a
	dst.owned.Set(uint(id))
	b.mu.Lock()
	if owner, ok := b.ids.Get(int(id)); ok {
		*owner = target
	}
	b.mu.Unlock()
	b.log.Debug("transferred area", areaFields(a)...)
	return nil
}

func areaFields(a *models.Area) []zap.Field {
	return []zap.Field{
		zap.Int32("area", int32(a.ID)),
		zap.Int32("team", int32(a.Team)),
		zap.Uint64("addr", a.Address),
		zap.Uint64("size", a.Size),
	}
}
