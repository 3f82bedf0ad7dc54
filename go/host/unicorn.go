//go:build unicorn

package host

import (
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/areacorn/go/models"
)

const unicornPageSize = 0x1000

// backer is host memory handed to unicorn with MemMapPtr. Every guest
// mapping has one so Bytes can return a live view of it.
type backer struct {
	addr, size uint64
	view       mmap.MMap

	file   *os.File
	off    uint64
	shared bool
}

// Unicorn keeps the guest address space inside a unicorn engine instead of
// the calling process.
type Unicorn struct {
	u     uc.Unicorn
	base  uint64
	limit uint64

	mu      sync.Mutex
	backers []*backer
}

// NewUnicorn starts a 64-bit x86 engine that only serves as memory.
func NewUnicorn(base, limit uint64) (Host, error) {
	u, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, errors.Wrap(err, "uc.NewUnicorn() failed")
	}
	return &Unicorn{u: u, base: base, limit: limit}, nil
}

func (h *Unicorn) PageSize() uint64 {
	return unicornPageSize
}

func ucProt(prot models.Prot) int {
	var p int
	if prot&models.ProtRead != 0 {
		p |= uc.PROT_READ
	}
	if prot&models.ProtWrite != 0 {
		p |= uc.PROT_WRITE
	}
	if prot&models.ProtExec != 0 {
		p |= uc.PROT_EXEC
	}
	return p
}

func ucError(err error, op string, addr, size uint64) error {
	if err == nil {
		return nil
	}
	target := models.ErrBadValue
	if e, ok := err.(uc.UcError); ok {
		switch e {
		case uc.ERR_NOMEM:
			target = models.ErrNoMemory
		case uc.ERR_MAP, uc.ERR_ARG:
			target = models.ErrBadAddress
		}
	}
	return errors.Wrapf(target, "%s 0x%x+0x%x: %v", op, addr, size, err)
}

// regions returns the engine's mappings sorted by address.
func (h *Unicorn) regions() ([]*uc.MemRegion, error) {
	regions, err := h.u.MemRegions()
	if err != nil {
		return nil, errors.Wrap(err, "u.MemRegions() failed")
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Begin < regions[j].Begin })
	return regions, nil
}

// unicorn region ends are inclusive
func overlaps(r *uc.MemRegion, addr, size uint64) bool {
	return r.Begin < addr+size && r.End >= addr
}

func (h *Unicorn) free(regions []*uc.MemRegion, addr, size uint64) bool {
	for _, r := range regions {
		if overlaps(r, addr, size) {
			return false
		}
	}
	return true
}

func (h *Unicorn) aligned(addr, size uint64) bool {
	return addr%unicornPageSize == 0 && size%unicornPageSize == 0 && size > 0 && addr+size > addr
}

// unmap drops every mapped part of addr:size. unicorn refuses to unmap
// holes, so each region is cut separately.
func (h *Unicorn) unmap(regions []*uc.MemRegion, addr, size uint64) error {
	end := addr + size
	for _, r := range regions {
		if !overlaps(r, addr, size) {
			continue
		}
		start, stop := max(r.Begin, addr), min(r.End+1, end)
		if err := h.u.MemUnmap(start, stop-start); err != nil {
			return ucError(err, "unmap", start, stop-start)
		}
	}
	return h.dropBackers()
}

// dropBackers releases host memory no region points into any more.
func (h *Unicorn) dropBackers() error {
	regions, err := h.regions()
	if err != nil {
		return err
	}
	keep := h.backers[:0]
	var result error
	for _, b := range h.backers {
		if !h.free(regions, b.addr, b.size) {
			keep = append(keep, b)
			continue
		}
		if err := b.view.Unmap(); err != nil && result == nil {
			result = errors.Wrap(err, "releasing guest memory")
		}
	}
	h.backers = keep
	return result
}

func (h *Unicorn) back(addr, size uint64, prot models.Prot, req MapRequest) error {
	var view mmap.MMap
	var err error
	switch {
	case req.File != nil && req.Shared:
		view, err = mmap.MapRegion(req.File, int(size), mmap.RDWR, 0, int64(req.Offset))
	case req.File != nil:
		view, err = mmap.MapRegion(req.File, int(size), mmap.COPY, 0, int64(req.Offset))
	default:
		view, err = mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
	}
	if err != nil {
		return errors.Wrapf(models.ErrNoMemory, "backing 0x%x+0x%x: %v", addr, size, err)
	}
	if err := h.u.MemMapPtr(addr, size, ucProt(prot), unsafe.Pointer(&view[0])); err != nil {
		view.Unmap()
		return ucError(err, "map", addr, size)
	}
	h.backers = append(h.backers, &backer{addr: addr, size: size, view: view, file: req.File, off: req.Offset, shared: req.Shared})
	return nil
}

func (h *Unicorn) Map(req MapRequest) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.aligned(req.Addr, req.Size) {
		return 0, errors.Wrapf(models.ErrBadAddress, "unaligned map 0x%x+0x%x", req.Addr, req.Size)
	}
	regions, err := h.regions()
	if err != nil {
		return 0, err
	}
	addr := req.Addr
	if req.Fixed {
		if addr+req.Size > h.limit {
			return 0, errors.Wrapf(models.ErrBadAddress, "fixed map 0x%x+0x%x", addr, req.Size)
		}
		if !h.free(regions, addr, req.Size) {
			if !req.Replace {
				return 0, errors.Wrapf(models.ErrBadAddress, "0x%x-0x%x is in use", addr, addr+req.Size)
			}
			if err := h.unmap(regions, addr, req.Size); err != nil {
				return 0, err
			}
		}
	} else {
		addr = max(addr, h.base)
		for _, r := range regions {
			if r.End < addr {
				continue
			}
			if r.Begin >= addr+req.Size {
				break
			}
			addr = r.End + 1
		}
		if addr+req.Size > h.limit || addr+req.Size < addr {
			return 0, errors.Wrapf(models.ErrNoMemory, "no room for 0x%x bytes", req.Size)
		}
	}
	if err := h.back(addr, req.Size, req.Prot, req); err != nil {
		return 0, err
	}
	return addr, nil
}

func (h *Unicorn) Protect(addr, size uint64, prot models.Prot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ucError(h.u.MemProtect(addr, size, ucProt(prot)), "protect", addr, size)
}

// backerAt finds the host memory behind addr. Newer backers win, an older
// one can outlive a partial unmap and still span addr.
func (h *Unicorn) backerAt(addr uint64) *backer {
	for i := len(h.backers) - 1; i >= 0; i-- {
		if b := h.backers[i]; addr >= b.addr && addr < b.addr+b.size {
			return b
		}
	}
	return nil
}

func (h *Unicorn) Resize(addr, oldSize, newSize uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.aligned(addr, oldSize) || !h.aligned(addr, newSize) {
		return errors.Wrapf(models.ErrBadAddress, "unaligned resize 0x%x+0x%x", addr, newSize)
	}
	regions, err := h.regions()
	if err != nil {
		return err
	}
	switch {
	case newSize < oldSize:
		return h.unmap(regions, addr+newSize, oldSize-newSize)
	case newSize > oldSize:
		tail, grow := addr+oldSize, newSize-oldSize
		if tail+grow > h.limit || !h.free(regions, tail, grow) {
			return errors.Wrapf(models.ErrNoMemory, "cannot grow 0x%x-0x%x in place", addr, addr+oldSize)
		}
		var last *uc.MemRegion
		for _, r := range regions {
			if r.Begin <= tail-1 && r.End >= tail-1 {
				last = r
			}
		}
		if last == nil {
			return errors.Wrapf(models.ErrBadAddress, "resize of unmapped 0x%x-0x%x", addr, addr+oldSize)
		}
		prot := models.Prot(0)
		if last.Prot&uc.PROT_READ != 0 {
			prot |= models.ProtRead
		}
		if last.Prot&uc.PROT_WRITE != 0 {
			prot |= models.ProtWrite
		}
		if last.Prot&uc.PROT_EXEC != 0 {
			prot |= models.ProtExec
		}
		// anonymous tails are fresh memory, file tails continue the file
		return h.back(tail, grow, prot, h.tailRequest(tail))
	}
	return nil
}

func (h *Unicorn) tailRequest(tail uint64) MapRequest {
	var req MapRequest
	if b := h.backerAt(tail - 1); b != nil && b.file != nil {
		req.File, req.Offset, req.Shared = b.file, b.off+(tail-b.addr), b.shared
	}
	return req
}

func (h *Unicorn) Unmap(addr, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.aligned(addr, size) {
		return errors.Wrapf(models.ErrBadAddress, "unaligned unmap 0x%x+0x%x", addr, size)
	}
	regions, err := h.regions()
	if err != nil {
		return err
	}
	return h.unmap(regions, addr, size)
}

func (h *Unicorn) Read(addr uint64, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.u.MemReadInto(p, addr); err != nil {
		return &MemError{Addr: addr, Size: len(p), Op: "read"}
	}
	return nil
}

func (h *Unicorn) Write(addr uint64, p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.u.MemWrite(addr, p); err != nil {
		return &MemError{Addr: addr, Size: len(p), Op: "write"}
	}
	return nil
}

// Bytes returns the host memory behind a range that one mapping covers.
func (h *Unicorn) Bytes(addr, size uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.backerAt(addr)
	if b == nil || addr+size > b.addr+b.size {
		return nil, errors.Wrapf(models.ErrBadAddress, "0x%x+0x%x is not in one mapping", addr, size)
	}
	o := addr - b.addr
	return b.view[o : o+size], nil
}

func (h *Unicorn) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.u.Close()
	for _, b := range h.backers {
		b.view.Unmap()
	}
	h.backers = nil
	return errors.Wrap(err, "u.Close() failed")
}
