// Package host performs the real memory operations behind areas.
package host

import (
	"os"

	"github.com/lunixbochs/areacorn/go/models"
)

// MapRequest describes one host mapping.
type MapRequest struct {
	Addr, Size uint64
	Prot       models.Prot
	// Fixed places the mapping exactly at Addr, otherwise Addr is a hint.
	Fixed bool
	// Replace lets a fixed mapping land on top of existing host pages.
	Replace bool
	File    *os.File
	Offset  uint64
	// Shared maps File so writes reach the file.
	Shared bool
}

// Host is the set of primitives needed to realize an area once the broker
// has agreed on its metadata.
type Host interface {
	PageSize() uint64
	Map(req MapRequest) (uint64, error)
	Protect(addr, size uint64, prot models.Prot) error
	// Resize grows or shrinks a mapping in place. It never moves it.
	Resize(addr, oldSize, newSize uint64) error
	Unmap(addr, size uint64) error
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	// Bytes returns a live view of mapped memory.
	Bytes(addr, size uint64) ([]byte, error)
}

// Forker is implemented by hosts that can duplicate their address space
// in-process.
type Forker interface {
	Fork() Host
}

// Copy moves size bytes between two mapped ranges of h.
func Copy(h Host, dst, src, size uint64) error {
	const chunk = 1 << 16
	buf := make([]byte, chunk)
	for off := uint64(0); off < size; off += chunk {
		n := size - off
		if n > chunk {
			n = chunk
		}
		if err := h.Read(src+off, buf[:n]); err != nil {
			return err
		}
		if err := h.Write(dst+off, buf[:n]); err != nil {
			return err
		}
	}
	return nil
}
