package common

import (
	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

type (
	// Buf is an input record at an offset into the message memory.
	Buf struct {
		Addr uint64
		K    *KernelBase
	}
	// Obuf is an output record.
	Obuf struct{ Buf }
	Len  uint64
	// Addr is a guest address.
	Addr uint64
)

func NewBuf(k Kernel, addr uint64) Buf {
	return Buf{K: k.AreacornKernel(), Addr: addr}
}

func (b Buf) Struc() *models.StrucStream {
	return b.K.Msg.StrucAt(b.Addr)
}

func (b Buf) Pack(i interface{}) error {
	return errors.Wrap(b.Struc().Pack(i), "struc.Pack() failed")
}

func (b Buf) Unpack(i interface{}) error {
	if err := b.Struc().Unpack(i); err != nil {
		return errors.Wrapf(models.ErrBadValue, "struc.Unpack() failed: %v", err)
	}
	return nil
}

func (b Buf) Sizeof(i interface{}) (int, error) {
	n, err := b.Struc().Sizeof(i)
	return n, errors.Wrap(err, "struc.Sizeof() failed")
}

// WriteString stores s NUL terminated, truncated to fit size bytes, and
// returns the untruncated length.
func (b Obuf) WriteString(s string, size Len) (Len, error) {
	if size == 0 {
		return Len(len(s)), nil
	}
	p := []byte(s)
	if uint64(len(p)) >= uint64(size) {
		p = p[:size-1]
	}
	if err := b.K.Msg.WriteAt(append(p, 0), b.Addr); err != nil {
		return 0, err
	}
	return Len(len(s)), nil
}
