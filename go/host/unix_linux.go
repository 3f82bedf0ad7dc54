//go:build linux

package host

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lunixbochs/areacorn/go/models"
)

// Unix maps guest areas straight into the calling process.
type Unix struct {
	pageSize uint64
}

func NewUnix() *Unix {
	return &Unix{pageSize: uint64(unix.Getpagesize())}
}

func (u *Unix) PageSize() uint64 {
	return u.pageSize
}

func hostProt(prot models.Prot) int {
	var p int
	if prot&models.ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&models.ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&models.ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// errno mapping onto the area error taxonomy
func mapErrno(err error, op string, addr, size uint64) error {
	if err == nil {
		return nil
	}
	target := models.ErrBadValue
	switch err {
	case unix.ENOMEM, unix.EAGAIN:
		target = models.ErrNoMemory
	case unix.EEXIST, unix.EINVAL, unix.EFAULT, unix.EACCES:
		target = models.ErrBadAddress
	}
	return errors.Wrapf(target, "%s 0x%x+0x%x: %v", op, addr, size, err)
}

func (u *Unix) Map(req MapRequest) (uint64, error) {
	flags := unix.MAP_PRIVATE
	fd := -1
	if req.File != nil {
		fd = int(req.File.Fd())
		if req.Shared {
			flags = unix.MAP_SHARED
		}
	} else {
		flags |= unix.MAP_ANONYMOUS
	}
	if req.Prot.Access() == 0 {
		flags |= unix.MAP_NORESERVE
	}
	if req.Fixed {
		if req.Replace {
			flags |= unix.MAP_FIXED
		} else {
			flags |= unix.MAP_FIXED_NOREPLACE
		}
	}
	r0, _, e := unix.Syscall6(unix.SYS_MMAP, uintptr(req.Addr), uintptr(req.Size), uintptr(hostProt(req.Prot)), uintptr(flags), uintptr(fd), uintptr(req.Offset))
	if e != 0 {
		return 0, mapErrno(e, "mmap", req.Addr, req.Size)
	}
	addr := uint64(r0)
	// kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint
	if req.Fixed && addr != req.Addr {
		unix.Syscall(unix.SYS_MUNMAP, r0, uintptr(req.Size), 0)
		return 0, errors.Wrapf(models.ErrBadAddress, "mmap 0x%x+0x%x landed at 0x%x", req.Addr, req.Size, addr)
	}
	return addr, nil
}

func (u *Unix) Protect(addr, size uint64, prot models.Prot) error {
	_, _, e := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(size), uintptr(hostProt(prot)))
	if e != 0 {
		return mapErrno(e, "mprotect", addr, size)
	}
	return nil
}

func (u *Unix) Resize(addr, oldSize, newSize uint64) error {
	if oldSize == newSize {
		return nil
	}
	r0, _, e := unix.Syscall6(unix.SYS_MREMAP, uintptr(addr), uintptr(oldSize), uintptr(newSize), 0, 0, 0)
	if e != 0 {
		return mapErrno(e, "mremap", addr, newSize)
	}
	if uint64(r0) != addr {
		return errors.Wrapf(models.ErrBadAddress, "mremap moved 0x%x to 0x%x", addr, r0)
	}
	return nil
}

func (u *Unix) Unmap(addr, size uint64) error {
	_, _, e := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if e != 0 {
		return mapErrno(e, "munmap", addr, size)
	}
	return nil
}

// Bytes trusts the caller to only pass ranges it has mapped.
func (u *Unix) Bytes(addr, size uint64) ([]byte, error) {
	if addr == 0 || addr+size < addr {
		return nil, errors.Wrapf(models.ErrBadAddress, "0x%x+0x%x", addr, size)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size), nil
}

func (u *Unix) Read(addr uint64, p []byte) error {
	b, err := u.Bytes(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

func (u *Unix) Write(addr uint64, p []byte) error {
	b, err := u.Bytes(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
