package host

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

// MemError reports an access to memory the simulated host does not have.
type MemError struct {
	Addr uint64
	Size int
	Op   string
}

func (m *MemError) Error() string {
	return fmt.Sprintf("unmapped %s at %#x(%d)", m.Op, m.Addr, m.Size)
}

// Sim is an in-process stand-in for a host address space. It follows the
// same placement, replacement and in-place resize rules as the Linux host.
type Sim struct {
	// Fault, when set, runs before every operation and can fail it.
	Fault func(op string, addr, size uint64) error

	mu       sync.Mutex
	mem      Pages
	pageSize uint64
	base     uint64
	limit    uint64
}

func NewSim(pageSize, base, limit uint64) *Sim {
	return &Sim{pageSize: pageSize, base: base, limit: limit}
}

func (m *Sim) PageSize() uint64 {
	return m.pageSize
}

func (m *Sim) fault(op string, addr, size uint64) error {
	if m.Fault != nil {
		return m.Fault(op, addr, size)
	}
	return nil
}

func (m *Sim) aligned(addr, size uint64) bool {
	return addr%m.pageSize == 0 && size%m.pageSize == 0 && size > 0 && addr+size > addr
}

// Checks whether the address range exists in the currently-mapped memory.
func (m *Sim) rangeValid(addr, size uint64) bool {
	first := m.mem.bsearch(addr)
	if first == -1 {
		return false
	}
	end := addr + size
	for _, mm := range m.mem[first:] {
		if mm.Contains(addr) {
			addr = mm.Addr + mm.Size
			if addr >= end {
				break
			}
		} else {
			break
		}
	}
	return addr >= end
}

func (m *Sim) free(addr, size uint64) bool {
	return len(m.mem.FindRange(addr, size)) == 0
}

func (m *Sim) Map(req MapRequest) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("map", req.Addr, req.Size); err != nil {
		return 0, err
	}
	if req.Size == 0 || req.Size%m.pageSize != 0 || req.Addr%m.pageSize != 0 {
		return 0, errors.Wrapf(models.ErrBadAddress, "unaligned map 0x%x+0x%x", req.Addr, req.Size)
	}
	addr := req.Addr
	if req.Fixed {
		if !m.aligned(addr, req.Size) || addr+req.Size > m.limit {
			return 0, errors.Wrapf(models.ErrBadAddress, "fixed map 0x%x+0x%x", addr, req.Size)
		}
		if !m.free(addr, req.Size) {
			if !req.Replace {
				return 0, errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is in use", addr, addr+req.Size)
			}
			m.unmap(addr, req.Size)
		}
	} else {
		if addr < m.base {
			addr = m.base
		}
		found := false
		for ; addr+req.Size <= m.limit && addr+req.Size > addr; addr += m.pageSize {
			if m.free(addr, req.Size) {
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Wrapf(models.ErrNoMemory, "no room for 0x%x bytes", req.Size)
		}
	}
	page := &Page{Addr: addr, Size: req.Size, Prot: req.Prot}
	switch {
	case req.File != nil && req.Shared:
		page.File = &FileDesc{File: req.File, Off: req.Offset, Shared: true}
	case req.File != nil:
		page.File = &FileDesc{File: req.File, Off: req.Offset}
		page.Data = make([]byte, req.Size)
		if _, err := req.File.ReadAt(page.Data, int64(req.Offset)); err != nil && err != io.EOF {
			return 0, errors.Wrapf(models.ErrNoMemory, "reading %s: %v", req.File.Name(), err)
		}
	default:
		page.Data = make([]byte, req.Size)
	}
	m.mem = append(m.mem, page)
	sort.Sort(m.mem)
	return addr, nil
}

// Protect follows mprotect: the whole range must be mapped.
func (m *Sim) Protect(addr, size uint64, prot models.Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("protect", addr, size); err != nil {
		return err
	}
	if !m.aligned(addr, size) {
		return errors.Wrapf(models.ErrBadAddress, "unaligned protect 0x%x+0x%x", addr, size)
	}
	if !m.rangeValid(addr, size) {
		return errors.Wrapf(models.ErrNoMemory, "protect of unmapped 0x%x-0x%x", addr, addr+size)
	}
	// this is *exactly* unmap, but the "middle" pages of each split are re-protected
	tmp := make(Pages, 0, len(m.mem))
	for _, mm := range m.mem {
		if oaddr, osize, ok := mm.Intersect(addr, size); ok {
			left, right := mm.Split(oaddr, osize)
			if left != nil {
				tmp = append(tmp, left)
			}
			mm.Prot = prot
			tmp = append(tmp, mm)
			if right != nil {
				tmp = append(tmp, right)
			}
		} else {
			tmp = append(tmp, mm)
		}
	}
	m.mem = tmp
	return nil
}

func (m *Sim) Resize(addr, oldSize, newSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("resize", addr, newSize); err != nil {
		return err
	}
	if !m.aligned(addr, oldSize) || !m.aligned(addr, newSize) {
		return errors.Wrapf(models.ErrBadAddress, "unaligned resize 0x%x+0x%x", addr, newSize)
	}
	if !m.rangeValid(addr, oldSize) {
		return errors.Wrapf(models.ErrBadAddress, "resize of unmapped 0x%x-0x%x", addr, addr+oldSize)
	}
	switch {
	case newSize < oldSize:
		m.unmap(addr+newSize, oldSize-newSize)
	case newSize > oldSize:
		tail := addr + oldSize
		grow := newSize - oldSize
		if tail+grow > m.limit || !m.free(tail, grow) {
			return errors.Wrapf(models.ErrNoMemory, "cannot grow 0x%x-0x%x in place", addr, addr+oldSize)
		}
		last := m.mem.Find(tail - 1)
		page := &Page{Addr: tail, Size: grow, Prot: last.Prot}
		if last.File != nil {
			page.File = &FileDesc{File: last.File.File, Off: last.File.Off + (tail - last.Addr), Shared: last.File.Shared}
		}
		if !page.shared() {
			page.Data = make([]byte, grow)
		}
		m.mem = append(m.mem, page)
		sort.Sort(m.mem)
	}
	return nil
}

// Unmap follows munmap: unmapped parts of the range are ignored.
func (m *Sim) Unmap(addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("unmap", addr, size); err != nil {
		return err
	}
	if !m.aligned(addr, size) {
		return errors.Wrapf(models.ErrBadAddress, "unaligned unmap 0x%x+0x%x", addr, size)
	}
	m.unmap(addr, size)
	return nil
}

func (m *Sim) unmap(addr, size uint64) {
	// truncate entries overlapping addr, size
	tmp := make(Pages, 0, len(m.mem))
	for _, mm := range m.mem {
		if oaddr, osize, ok := mm.Intersect(addr, size); ok {
			left, right := mm.Split(oaddr, osize)
			if left != nil {
				tmp = append(tmp, left)
			}
			if right != nil {
				tmp = append(tmp, right)
			}
		} else {
			tmp = append(tmp, mm)
		}
	}
	m.mem = tmp
}

func (m *Sim) Read(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rangeValid(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p), Op: "read"}
	}
	for len(p) > 0 {
		pg := m.mem.Find(addr)
		n, err := pg.read(addr, p)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "reading shared page")
		}
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (m *Sim) Write(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.rangeValid(addr, uint64(len(p))) {
		return &MemError{Addr: addr, Size: len(p), Op: "write"}
	}
	for len(p) > 0 {
		pg := m.mem.Find(addr)
		n, err := pg.write(addr, p)
		if err != nil {
			return errors.Wrap(err, "writing shared page")
		}
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// Bytes only works inside a single page that is not file shared.
func (m *Sim) Bytes(addr, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg := m.mem.Find(addr)
	if pg == nil || addr+size > pg.Addr+pg.Size {
		return nil, errors.Wrapf(models.ErrBadAddress, "0x%x+0x%x is not in one mapping", addr, size)
	}
	if pg.shared() {
		return nil, errors.Wrapf(models.ErrBadAddress, "0x%x is file shared", addr)
	}
	o := addr - pg.Addr
	return pg.Data[o : o+size], nil
}

// Fork copies the address space. Private pages are duplicated, file shared
// pages keep pointing at the same file.
func (m *Sim) Fork() Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Sim{pageSize: m.pageSize, base: m.base, limit: m.limit, Fault: m.Fault}
	c.mem = make(Pages, len(m.mem))
	for i, pg := range m.mem {
		cp := *pg
		if pg.Data != nil {
			cp.Data = append([]byte(nil), pg.Data...)
		}
		if pg.File != nil {
			f := *pg.File
			cp.File = &f
		}
		c.mem[i] = &cp
	}
	return c
}

// Mappings returns a snapshot of the page list.
func (m *Sim) Mappings() Pages {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Pages, len(m.mem))
	for i, pg := range m.mem {
		cp := *pg
		out[i] = &cp
	}
	return out
}

// ProtAt returns the protection at addr.
func (m *Sim) ProtAt(addr uint64) (models.Prot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pg := m.mem.Find(addr); pg != nil {
		return pg.Prot, true
	}
	return 0, false
}
