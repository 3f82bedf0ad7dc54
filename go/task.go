package areacorn

import (
	"io"
	"math/rand/v2"
	"os"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/backing"
	"github.com/lunixbochs/areacorn/go/host"
	"github.com/lunixbochs/areacorn/go/models"
	"github.com/lunixbochs/areacorn/go/models/mem"
)

// Task is the allocator of one guest team. It owns the team's reserved
// windows and host mappings and keeps the broker's records in step with
// them.
//
// mu is held across placement, the host call and the registry update, so
// two threads of a team never race for the same hole.
type Task struct {
	sys  *System
	team models.TeamID
	log  *zap.Logger

	mu       sync.Mutex
	conn     *client
	res      *mem.Reservations
	host     host.Host
	files    map[string]backing.Ref
	mapHooks []*models.MapHook
	exited   bool
}

func newTask(sys *System, team models.TeamID, h host.Host) *Task {
	log := sys.Log.With(zap.Int32("team", int32(team)))
	return &Task{
		sys:   sys,
		team:  team,
		log:   log,
		conn:  newClient(sys.Broker, team, log),
		res:   mem.NewReservations(),
		host:  h,
		files: make(map[string]backing.Ref),
	}
}

func (t *Task) Team() models.TeamID {
	return t.team
}

func (t *Task) Host() host.Host {
	return t.host
}

func (t *Task) live() error {
	if t.exited {
		return errors.Wrapf(models.ErrBadValue, "team %d has exited", t.team)
	}
	return nil
}

// unwind runs compensation steps after err and folds their failures into
// the returned error.
func (t *Task) unwind(err error, steps ...func() error) error {
	var result error = err
	for _, step := range steps {
		if serr := step(); serr != nil {
			t.log.Warn("compensation failed", zap.Error(serr), zap.NamedError("cause", err))
			result = multierror.Append(result, serr)
		}
	}
	return result
}

// placement is a resolved address for a new mapping.
type placement struct {
	addr   uint64
	fixed  bool
	window bool
}

func (t *Task) randomOffset() uint64 {
	pages := t.sys.Config.RandomizeRange / t.sys.Config.PageSize
	if pages == 0 {
		return 0
	}
	return rand.Uint64N(pages) * t.sys.Config.PageSize
}

// place turns an address spec into a host address or hint.
func (t *Task) place(spec models.AddressSpec, addr, size uint64) (placement, error) {
	if !spec.Valid() {
		return placement{}, errors.Wrapf(models.ErrBadValue, "address spec %d", spec)
	}
	if spec.Fixed() {
		if !t.aligned(addr) {
			return placement{}, errors.Wrapf(models.ErrBadValue, "unaligned address 0x%x", addr)
		}
		if addr+size < addr {
			return placement{}, errors.Wrapf(models.ErrBadAddress, "0x%x+0x%x overflows", addr, size)
		}
		if t.res.Collides(addr, size) {
			return placement{}, errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x straddles a reservation", addr, addr+size)
		}
		if t.res.IsReserved(addr, size) {
			if t.res.LongestMappableFrom(addr, size) < size {
				return placement{}, errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is already mapped", addr, addr+size)
			}
			return placement{addr: addr, fixed: true, window: true}, nil
		}
		return placement{addr: addr, fixed: true}, nil
	}
	hint := addr
	switch spec {
	case models.AnyAddress:
		hint = t.sys.Config.BaseAddress
	case models.RandomizedAnyAddress:
		hint = t.sys.Config.BaseAddress + t.randomOffset()
	case models.RandomizedBaseAddress:
		hint = addr + t.randomOffset()
	}
	hint = t.roundUp(hint)
	if spec == models.BaseAddress || spec == models.RandomizedBaseAddress {
		if _, ok := t.res.WindowAt(hint); ok {
			if found, ok := t.res.FindFree(hint, size, t.sys.Config.PageSize); ok {
				return placement{addr: found, fixed: true, window: true}, nil
			}
		}
	}
	return placement{addr: hint}, nil
}

// mapAt performs the host mapping for p and records it in its window.
func (t *Task) mapAt(p placement, req host.MapRequest, desc string) (uint64, error) {
	req.Addr, req.Fixed, req.Replace = p.addr, p.fixed, p.window
	addr, err := t.host.Map(req)
	if err != nil {
		return 0, err
	}
	if p.window {
		if err := t.res.MarkMapped(addr, req.Size); err != nil {
			return 0, t.unwind(err, func() error { return t.placeholder(addr, req.Size) })
		}
	}
	for _, v := range t.mapHooks {
		v.Map(addr, req.Size, req.Prot, desc)
	}
	return addr, nil
}

// placeholder puts inaccessible memory back over part of a window.
func (t *Task) placeholder(addr, size uint64) error {
	_, err := t.host.Map(host.MapRequest{Addr: addr, Size: size, Fixed: true, Replace: true})
	return err
}

// release takes memory away from the guest. Parts inside a window go back
// to being placeholders, everything else is unmapped from the host.
func (t *Task) release(addr, size uint64) error {
	var result error
	end := addr + size
	for cur := addr; cur < end; {
		next := end
		if w, ok := t.res.WindowAt(cur); ok {
			if w.End() < next {
				next = w.End()
			}
			piece := mem.Range{Addr: cur, Size: next - cur}
			for _, m := range t.res.Mappings(cur) {
				hit, ok := m.Intersect(piece)
				if !ok {
					continue
				}
				if err := t.placeholder(hit.Addr, hit.Size); err != nil {
					result = multierror.Append(result, err)
					continue
				}
				t.res.MarkUnmapped(hit.Addr, hit.Size)
			}
		} else {
			if w, ok := t.res.NextWindow(cur); ok && w.Addr < next {
				next = w.Addr
			}
			if err := t.host.Unmap(cur, next-cur); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for _, v := range t.mapHooks {
			v.Unmap(cur, next-cur)
		}
		cur = next
	}
	return result
}

// openBacking returns the task's handle on a shared backing file.
func (t *Task) openBacking(path string) (*os.File, error) {
	ref, ok := t.files[path]
	if !ok {
		var err error
		if ref, err = t.sys.Store.OpenSharedFile(path, true); err != nil {
			return nil, err
		}
		t.files[path] = ref
	}
	return t.sys.Store.File(ref)
}

// pruneFiles closes backing handles no area of the team uses any more.
func (t *Task) pruneFiles() {
	if len(t.files) == 0 {
		return
	}
	infos, err := t.areas()
	if err != nil {
		t.log.Warn("listing areas", zap.Error(err))
		return
	}
	used := make(map[string]bool)
	for _, info := range infos {
		if info.Shared == 0 {
			continue
		}
		if path, err := t.conn.sharedAreaPath(models.AreaID(info.ID)); err == nil {
			used[path] = true
		}
	}
	for path, ref := range t.files {
		if used[path] {
			continue
		}
		delete(t.files, path)
		if err := t.sys.Store.Close(ref); err != nil {
			t.log.Warn("closing backing file", zap.String("path", path), zap.Error(err))
		}
	}
}

// areas lists the team's areas in id order.
func (t *Task) areas() ([]models.AreaInfo, error) {
	var out []models.AreaInfo
	var cookie uint64
	for {
		info, next, ok, err := t.conn.nextAreaInfo(t.team, cookie)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, info)
		cookie = next
	}
}

func (t *Task) ownArea(id models.AreaID) (models.AreaInfo, error) {
	info, err := t.conn.areaInfo(id)
	if err != nil {
		return info, err
	}
	if models.TeamID(info.Team) != t.team {
		return info, errors.Wrapf(models.ErrBadValue, "area %d belongs to team %d", id, info.Team)
	}
	return info, nil
}

// ReserveAddressRange sets a window aside for later fixed or base
// placements. It is backed by inaccessible host memory so nothing else
// lands there.
func (t *Task) ReserveAddressRange(spec models.AddressSpec, addr, size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.Wrap(models.ErrBadValue, "empty reservation")
	}
	if spec == models.CloneAddress || !spec.Valid() {
		return 0, errors.Wrapf(models.ErrBadValue, "address spec %d", spec)
	}
	size = t.roundUp(size)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return 0, err
	}
	req := host.MapRequest{Size: size}
	if spec.Fixed() {
		if !t.aligned(addr) {
			return 0, errors.Wrapf(models.ErrBadValue, "unaligned address 0x%x", addr)
		}
		if t.res.Collides(addr, size) || t.res.IsReserved(addr, size) {
			return 0, errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x overlaps a reservation", addr, addr+size)
		}
		req.Addr, req.Fixed = addr, true
	} else {
		p, err := t.place(spec, addr, size)
		if err != nil {
			return 0, err
		}
		// windows never nest, so the host is left to find room past any
		// window the hint lands in
		req.Addr = p.addr
	}
	got, err := t.host.Map(req)
	if err != nil {
		return 0, err
	}
	if err := t.res.Reserve(got, size); err != nil {
		return 0, t.unwind(err, func() error { return t.host.Unmap(got, size) })
	}
	t.log.Debug("reserved", zap.Uint64("addr", got), zap.Uint64("size", size))
	return got, nil
}

// UnreserveAddressRange gives part or all of a window back. Areas inside
// it stay mapped.
func (t *Task) UnreserveAddressRange(addr, size uint64) error {
	addr, size = t.align(addr, size)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	if size == 0 || !t.res.IsReserved(addr, size) {
		return errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is not reserved", addr, addr+size)
	}
	holes := t.res.Holes(addr, size)
	if err := t.res.Unreserve(addr, size); err != nil {
		return err
	}
	var result error
	for _, h := range holes {
		if err := t.host.Unmap(h.Addr, h.Size); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.log.Debug("unreserved", zap.Uint64("addr", addr), zap.Uint64("size", size))
	return result
}

// CreateArea maps fresh memory and registers it. A cloneable area is moved
// onto a shared backing file before it is returned.
func (t *Task) CreateArea(name string, spec models.AddressSpec, addr, size uint64, lock models.LockMode, prot models.Prot) (models.AreaID, uint64, error) {
	if size == 0 {
		return 0, 0, errors.Wrap(models.ErrBadValue, "empty area")
	}
	if !lock.Valid() {
		return 0, 0, errors.Wrapf(models.ErrBadValue, "lock mode %d", lock)
	}
	size = t.roundUp(size)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return 0, 0, err
	}
	return t.createArea(name, spec, addr, size, lock, prot)
}

func (t *Task) createArea(name string, spec models.AddressSpec, addr, size uint64, lock models.LockMode, prot models.Prot) (models.AreaID, uint64, error) {
	p, err := t.place(spec, addr, size)
	if err != nil {
		return 0, 0, err
	}
	addr, err = t.mapAt(p, host.MapRequest{Size: size, Prot: prot}, name)
	if err != nil {
		return 0, 0, err
	}
	area := &models.Area{Name: name, Address: addr, Size: size, Prot: prot, Lock: lock, Mapping: models.PrivateMap}
	id, err := t.conn.registerArea(area)
	if err != nil {
		return 0, 0, t.unwind(err, func() error { return t.release(addr, size) })
	}
	if prot&models.ProtCloneable != 0 {
		if err := t.makeShared(id, addr, size, prot); err != nil {
			return 0, 0, t.unwind(err,
				func() error { return t.conn.unregisterArea(id) },
				func() error { return t.release(addr, size) },
				func() error { t.pruneFiles(); return nil },
			)
		}
	}
	t.log.Debug("created area", zap.Int32("area", int32(id)), zap.String("name", name), zap.Uint64("addr", addr), zap.Uint64("size", size))
	return id, addr, nil
}

// makeShared moves freshly created pages onto a new backing file.
func (t *Task) makeShared(id models.AreaID, addr, size uint64, prot models.Prot) error {
	path, err := t.conn.shareArea(id)
	if err != nil {
		return err
	}
	f, err := t.openBacking(path)
	if err != nil {
		return err
	}
	_, err = t.host.Map(host.MapRequest{Addr: addr, Size: size, Prot: prot, Fixed: true, Replace: true, File: f, Shared: true})
	return err
}

// mapShared maps size bytes of a backing file for an area that is about to
// be registered.
func (t *Task) mapShared(name string, spec models.AddressSpec, addr, size uint64, prot models.Prot, path string, off uint64) (uint64, error) {
	f, err := t.openBacking(path)
	if err != nil {
		return 0, err
	}
	p, err := t.place(spec, addr, size)
	if err != nil {
		return 0, err
	}
	return t.mapAt(p, host.MapRequest{Size: size, Prot: prot, File: f, Offset: off, Shared: true}, name)
}

// CloneArea maps the backing file of a shared area, from any team, into
// this task. CloneAddress places it at the source's address.
func (t *Task) CloneArea(name string, spec models.AddressSpec, addr uint64, prot models.Prot, source models.AreaID) (models.AreaID, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return 0, 0, err
	}
	src, err := t.conn.areaInfo(source)
	if err != nil {
		return 0, 0, err
	}
	if src.Shared == 0 {
		return 0, 0, errors.Wrapf(models.ErrBadValue, "area %d is not shared", source)
	}
	path, err := t.conn.sharedAreaPath(source)
	if err != nil {
		return 0, 0, err
	}
	if spec == models.CloneAddress {
		addr = src.Address
	}
	addr, err = t.mapShared(name, spec, addr, src.Size, prot, path, src.Offset)
	if err != nil {
		t.pruneFiles()
		return 0, 0, err
	}
	area := &models.Area{Name: name, Address: addr, Size: src.Size, Prot: prot, Lock: models.LockMode(src.Lock), Mapping: models.SharedMap}
	id, err := t.conn.cloneArea(area, source)
	if err != nil {
		return 0, 0, t.unwind(err,
			func() error { return t.release(addr, src.Size) },
			func() error { t.pruneFiles(); return nil },
		)
	}
	t.log.Debug("cloned area", zap.Int32("area", int32(id)), zap.Int32("source", int32(source)), zap.Uint64("addr", addr))
	return id, addr, nil
}

// MapFile maps part of a guest file as a new area. A SharedMap area writes
// through to the file.
func (t *Task) MapFile(name string, spec models.AddressSpec, addr, size uint64, prot models.Prot, mapping models.MappingKind, path string, off uint64) (models.AreaID, uint64, error) {
	if !t.aligned(off) {
		return 0, 0, errors.Wrapf(models.ErrBadValue, "unaligned file offset 0x%x", off)
	}
	flag := os.O_RDONLY
	if mapping == models.SharedMap && prot&models.ProtWrite != 0 {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, errors.Wrapf(models.ErrEntryNotFound, "opening %s", path)
		}
		return 0, 0, errors.Wrapf(models.ErrBadValue, "opening %s: %v", path, err)
	}
	if size == 0 {
		st, err := f.Stat()
		if err != nil || uint64(st.Size()) <= off {
			f.Close()
			return 0, 0, errors.Wrapf(models.ErrBadValue, "nothing to map in %s at 0x%x", path, off)
		}
		size = uint64(st.Size()) - off
	}
	size = t.roundUp(size)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		f.Close()
		return 0, 0, err
	}
	p, err := t.place(spec, addr, size)
	if err != nil {
		f.Close()
		return 0, 0, err
	}
	req := host.MapRequest{Size: size, Prot: prot, File: f, Offset: off, Shared: mapping == models.SharedMap}
	addr, err = t.mapAt(p, req, name)
	if err != nil {
		f.Close()
		return 0, 0, err
	}
	area := &models.Area{Name: name, Address: addr, Size: size, Prot: prot, Mapping: mapping}
	id, err := t.conn.registerArea(area)
	if err != nil {
		return 0, 0, t.unwind(err,
			func() error { return t.release(addr, size) },
			f.Close,
		)
	}
	t.sys.keepFile(f)
	return id, addr, nil
}

// ResizeArea grows or shrinks an area in place. The broker is updated
// first and put back if the host cannot follow.
func (t *Task) ResizeArea(id models.AreaID, size uint64) error {
	if size == 0 {
		return errors.Wrap(models.ErrBadValue, "resize to zero")
	}
	size = t.roundUp(size)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	info, err := t.ownArea(id)
	if err != nil {
		return err
	}
	old := info.Size
	if size == old {
		return nil
	}
	if _, err := t.conn.resizeArea(id, size); err != nil {
		return err
	}
	if size > old {
		err = t.grow(info, size)
	} else {
		err = t.release(info.Address+size, old-size)
	}
	if err != nil {
		return t.unwind(err, func() error {
			_, err := t.conn.resizeArea(id, old)
			return err
		})
	}
	t.log.Debug("resized area", zap.Int32("area", int32(id)), zap.Uint64("old", old), zap.Uint64("size", size))
	return nil
}

func (t *Task) grow(info models.AreaInfo, size uint64) error {
	old := info.Size
	tail, need := info.Address+old, size-old
	req := host.MapRequest{Size: need, Prot: models.Prot(info.Protection)}
	if info.Shared != 0 {
		path, err := t.conn.sharedAreaPath(models.AreaID(info.ID))
		if err != nil {
			return err
		}
		f, err := t.openBacking(path)
		if err != nil {
			return err
		}
		req.File, req.Offset, req.Shared = f, info.Offset+old, true
	}
	if t.res.IsReserved(info.Address, old) {
		// an area inside a window only grows into free room of that window
		if !t.res.IsReserved(info.Address, size) || t.res.LongestMappableFrom(tail, need) < need {
			return errors.Wrapf(models.ErrNoMemory, "no room after 0x%x in its window", tail)
		}
		_, err := t.mapAt(placement{addr: tail, fixed: true, window: true}, req, info.NameString())
		return err
	}
	if t.res.Collides(tail, need) || t.res.IsReserved(tail, need) {
		return errors.Wrapf(models.ErrNoMemory, "growing 0x%x would enter a reservation", info.Address)
	}
	if err := t.host.Resize(info.Address, old, size); err != nil {
		return err
	}
	for _, v := range t.mapHooks {
		v.Map(tail, need, req.Prot, info.NameString())
	}
	return nil
}

// DeleteArea unregisters an area and releases its memory.
func (t *Task) DeleteArea(id models.AreaID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	return t.deleteArea(id)
}

func (t *Task) deleteArea(id models.AreaID) error {
	info, err := t.ownArea(id)
	if err != nil {
		return err
	}
	if err := t.conn.unregisterArea(id); err != nil {
		return err
	}
	err = t.release(info.Address, info.Size)
	t.pruneFiles()
	t.log.Debug("deleted area", zap.Int32("area", int32(id)))
	return err
}

// Unmap removes [addr, addr+size) from every area it touches. Areas left
// with nothing are deleted; the rest are split around the hole.
func (t *Task) Unmap(addr, size uint64) error {
	addr, size = t.align(addr, size)
	if size == 0 {
		return errors.Wrap(models.ErrBadValue, "empty unmap")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	if err := t.conn.unmapMemory(addr, size); err != nil {
		return err
	}
	err := t.release(addr, size)
	t.pruneFiles()
	return err
}

// SetAreaProtection changes the access bits of a whole area. The cloneable
// bit cannot be changed this way.
func (t *Task) SetAreaProtection(id models.AreaID, prot models.Prot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	info, err := t.ownArea(id)
	if err != nil {
		return err
	}
	old := models.Prot(info.Protection)
	prot = prot&^models.ProtCloneable | old&models.ProtCloneable
	if err := t.conn.setAreaProtection(id, prot); err != nil {
		return err
	}
	if err := t.host.Protect(info.Address, info.Size, prot); err != nil {
		return t.unwind(err, func() error { return t.conn.setAreaProtection(id, old) })
	}
	for _, v := range t.mapHooks {
		v.Prot(info.Address, info.Size, prot)
	}
	return nil
}

// SetMemoryProtection changes the protection of a range that must be
// mapped throughout. Areas it covers completely take the new protection.
// An area covered only in part keeps its recorded protection, so
// AreaInfo can report more access than the host grants on those pages.
func (t *Task) SetMemoryProtection(addr, size uint64, prot models.Prot) error {
	addr, size = t.align(addr, size)
	if size == 0 {
		return errors.Wrap(models.ErrBadValue, "empty range")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return err
	}
	end := addr + size
	for cur := addr; cur < end; {
		next := end
		if w, ok := t.res.WindowAt(cur); ok {
			m, ok := t.res.MappingAt(cur)
			if !ok {
				return errors.Wrapf(models.ErrNoMemory, "0x%x is an unmapped hole in %v", cur, w)
			}
			next = min(next, m.End(), w.End())
		} else {
			id, err := t.conn.areaFor(cur)
			if err != nil {
				return errors.Wrapf(models.ErrNoMemory, "0x%x is not mapped", cur)
			}
			info, err := t.conn.areaInfo(id)
			if err != nil {
				return err
			}
			next = min(next, info.Address+info.Size)
			if w, ok := t.res.NextWindow(cur); ok && w.Addr < next {
				next = w.Addr
			}
		}
		cur = next
	}
	prot &^= models.ProtCloneable
	if err := t.host.Protect(addr, size, prot); err != nil {
		return err
	}
	for _, v := range t.mapHooks {
		v.Prot(addr, size, prot)
	}
	infos, err := t.areas()
	if err != nil {
		return err
	}
	whole := mem.Range{Addr: addr, Size: size}
	for _, info := range infos {
		if whole.ContainsRange(mem.Range{Addr: info.Address, Size: info.Size}) {
			keep := models.Prot(info.Protection) & models.ProtCloneable
			if err := t.conn.setAreaProtection(models.AreaID(info.ID), prot|keep); err != nil {
				return err
			}
		}
	}
	return nil
}

// lockTasks locks two tasks in team order.
func lockTasks(a, b *Task) func() {
	if b.team < a.team {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// TransferArea hands an area to target. A private area is first copied
// into a shared one so the handoff never moves memory between processes.
// The id stays the same; the returned address is where target mapped it.
func (t *Task) TransferArea(id models.AreaID, spec models.AddressSpec, addr uint64, target *Task) (uint64, error) {
	if target == nil || target.team == t.team {
		return 0, errors.Wrap(models.ErrBadValue, "transfer needs another team")
	}
	unlock := lockTasks(t, target)
	defer unlock()
	if err := t.live(); err != nil {
		return 0, err
	}
	if err := target.live(); err != nil {
		return 0, err
	}
	info, err := t.ownArea(id)
	if err != nil {
		return 0, err
	}
	name := info.NameString()

	var tmp models.AreaID
	if info.Shared == 0 {
		if tmp, err = t.forceShare(info); err != nil {
			return 0, err
		}
		if info, err = t.conn.areaInfo(id); err != nil {
			return 0, t.unwind(err, t.undoForceShare(id, tmp))
		}
	}
	path, err := t.conn.sharedAreaPath(id)
	if err != nil {
		return 0, t.unwindTransfer(err, id, tmp)
	}
	prot := models.Prot(info.Protection)
	dst, err := target.mapShared(name, spec, addr, info.Size, prot, path, info.Offset)
	if err != nil {
		target.pruneFiles()
		return 0, t.unwindTransfer(err, id, tmp)
	}
	if err := t.conn.transferArea(id, dst, target.team); err != nil {
		return 0, t.unwind(err,
			func() error { return target.release(dst, info.Size) },
			func() error { target.pruneFiles(); return nil },
			func() error { return t.unwindTransfer(nil, id, tmp) },
		)
	}

	// the source lets go of its copy
	var result error
	if err := t.release(info.Address, info.Size); err != nil {
		result = multierror.Append(result, err)
	}
	if tmp != 0 {
		if err := t.deleteArea(tmp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.pruneFiles()
	t.log.Debug("transferred area", zap.Int32("area", int32(id)), zap.Int32("target", int32(target.team)), zap.Uint64("addr", dst))
	return dst, result
}

// forceShare copies a private area into a new cloneable one and swaps the
// two records, so id names the shared copy and the returned temporary id
// names the original memory.
func (t *Task) forceShare(info models.AreaInfo) (models.AreaID, error) {
	id := models.AreaID(info.ID)
	prot := models.Prot(info.Protection)
	tmp, tmpAddr, err := t.createArea(info.NameString(), models.AnyAddress, 0, info.Size, models.LockMode(info.Lock), models.ProtRW|models.ProtCloneable)
	if err != nil {
		return 0, err
	}
	drop := func() error { return t.deleteArea(tmp) }
	if prot&models.ProtRead == 0 {
		if err := t.host.Protect(info.Address, info.Size, prot|models.ProtRead); err != nil {
			return 0, t.unwind(err, drop)
		}
	}
	err = host.Copy(t.host, tmpAddr, info.Address, info.Size)
	if prot&models.ProtRead == 0 {
		if perr := t.host.Protect(info.Address, info.Size, prot.Access()); perr != nil && err == nil {
			err = perr
		}
	}
	if err != nil {
		return 0, t.unwind(errors.Wrapf(models.ErrNoMemory, "copying area %d: %v", id, err), drop)
	}
	if err := t.host.Protect(tmpAddr, info.Size, prot.Access()); err != nil {
		return 0, t.unwind(err, drop)
	}
	if err := t.conn.setAreaProtection(tmp, prot|models.ProtCloneable); err != nil {
		return 0, t.unwind(err, drop)
	}
	if err := t.conn.swapAreas(id, tmp); err != nil {
		return 0, t.unwind(err, drop)
	}
	return tmp, nil
}

func (t *Task) undoForceShare(id, tmp models.AreaID) func() error {
	return func() error {
		if err := t.conn.swapAreas(id, tmp); err != nil {
			return err
		}
		return t.deleteArea(tmp)
	}
}

func (t *Task) unwindTransfer(err error, id, tmp models.AreaID) error {
	if tmp == 0 {
		return err
	}
	if err == nil {
		return t.undoForceShare(id, tmp)()
	}
	return t.unwind(err, t.undoForceShare(id, tmp))
}

// Fork creates the task of a child team with a copy of this address space.
// Only hosts that can duplicate themselves in-process can fork.
func (t *Task) Fork(child models.TeamID) (*Task, error) {
	forker, ok := t.host.(host.Forker)
	if !ok {
		return nil, errors.Wrapf(models.ErrBadValue, "%T cannot fork", t.host)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return nil, err
	}
	if err := t.sys.Broker.AddTeam(child); err != nil {
		return nil, err
	}
	c := newTask(t.sys, child, forker.Fork())
	c.res = t.res.Clone()
	if _, err := t.conn.forkTeam(child); err != nil {
		return nil, t.unwind(err, func() error { return t.sys.Broker.RemoveTeam(child) })
	}
	// shared pages in the copied host still point at the parent's files
	infos, err := c.areas()
	if err == nil {
		for _, info := range infos {
			if info.Shared == 0 {
				continue
			}
			if err = c.rebind(info); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, t.unwind(err, c.exit)
	}
	t.sys.addTask(c)
	t.log.Debug("forked", zap.Int32("child", int32(child)), zap.Int("areas", len(infos)))
	return c, nil
}

// rebind maps a shared area onto the task's own handle of its backing file.
func (t *Task) rebind(info models.AreaInfo) error {
	path, err := t.conn.sharedAreaPath(models.AreaID(info.ID))
	if err != nil {
		return err
	}
	f, err := t.openBacking(path)
	if err != nil {
		return err
	}
	_, err = t.host.Map(host.MapRequest{
		Addr:    info.Address,
		Size:    info.Size,
		Prot:    models.Prot(info.Protection),
		Fixed:   true,
		Replace: true,
		File:    f,
		Offset:  info.Offset,
		Shared:  true,
	})
	return err
}

// FlagWord returns an atomic view of a writable 32-bit word of guest
// memory.
func (t *Task) FlagWord(addr uint64) (*host.AtomicView, error) {
	if addr%4 != 0 {
		return nil, errors.Wrapf(models.ErrBadAddress, "unaligned flag word 0x%x", addr)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.live(); err != nil {
		return nil, err
	}
	id, err := t.conn.areaFor(addr)
	if err != nil {
		return nil, errors.Wrapf(models.ErrBadAddress, "no area at 0x%x", addr)
	}
	info, err := t.conn.areaInfo(id)
	if err != nil {
		return nil, err
	}
	if models.Prot(info.Protection)&models.ProtWrite == 0 {
		return nil, errors.Wrapf(models.ErrBadAddress, "area %d is not writable", id)
	}
	b, err := t.host.Bytes(addr, 4)
	if err != nil {
		return nil, err
	}
	return host.NewAtomicView(b)
}

// AreaInfo returns the record of any team's area.
func (t *Task) AreaInfo(id models.AreaID) (models.AreaInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.areaInfo(id)
}

// NextAreaInfo walks the areas of team, or of this task when team is 0.
// Start with cookie 0 and pass back the returned cookie. ok is false once
// every area has been seen.
func (t *Task) NextAreaInfo(team models.TeamID, cookie uint64) (info models.AreaInfo, next uint64, ok bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.nextAreaInfo(team, cookie)
}

func (t *Task) AreaFor(addr uint64) (models.AreaID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.areaFor(addr)
}

// Reservations returns the current windows.
func (t *Task) Reservations() mem.Ranges {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.Windows()
}

// Mappings returns the memory map: areas and the unused parts of windows.
func (t *Task) Mappings() ([]*models.Mmap, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos, err := t.areas()
	if err != nil {
		return nil, err
	}
	var out []*models.Mmap
	for _, info := range infos {
		out = append(out, &models.Mmap{
			Addr: info.Address,
			Size: info.Size,
			Prot: models.Prot(info.Protection),
			Desc: info.NameString(),
			Area: models.AreaID(info.ID),
		})
	}
	for _, w := range t.res.Windows() {
		for _, h := range t.res.Holes(w.Addr, w.Size) {
			out = append(out, &models.Mmap{Addr: h.Addr, Size: h.Size, Desc: "reserved"})
		}
	}
	sort.Sort(models.MmapAddrSort(out))
	return out, nil
}

func (t *Task) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	err := t.host.Read(addr, p)
	return p, errors.Wrap(err, "t.MemRead() failed")
}

func (t *Task) MemWrite(addr uint64, p []byte) error {
	err := t.host.Write(addr, p)
	return errors.Wrap(err, "t.MemWrite() failed")
}

func (t *Task) HookMapAdd(mapCb models.MapCb, unmap models.UnmapCb, prot models.ProtCb) *models.MapHook {
	hook := &models.MapHook{Map: mapCb, Unmap: unmap, Prot: prot}
	t.mu.Lock()
	t.mapHooks = append(t.mapHooks, hook)
	t.mu.Unlock()
	return hook
}

func (t *Task) HookMapDel(hook *models.MapHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tmp := make([]*models.MapHook, 0, len(t.mapHooks))
	for _, v := range t.mapHooks {
		if v != hook {
			tmp = append(tmp, v)
		}
	}
	t.mapHooks = tmp
}

// Exit tears the team down: the broker drops its areas, then the memory
// and windows are released.
func (t *Task) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return nil
	}
	return t.exit()
}

func (t *Task) exit() error {
	infos, err := t.areas()
	var result error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err := t.conn.exitTeam(); err != nil {
		result = multierror.Append(result, err)
	}
	t.exited = true
	for _, info := range infos {
		if err := t.release(info.Address, info.Size); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, w := range t.res.Windows() {
		if err := t.host.Unmap(w.Addr, w.Size); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.res = mem.NewReservations()
	for path, ref := range t.files {
		if err := t.sys.Store.Close(ref); err != nil {
			result = multierror.Append(result, err)
		}
		delete(t.files, path)
	}
	if c, ok := t.host.(io.Closer); ok {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.sys.dropTask(t)
	t.log.Debug("exited", zap.Int("areas", len(infos)))
	return result
}
