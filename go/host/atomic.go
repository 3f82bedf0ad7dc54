package host

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

// AtomicView is a 32-bit word of guest memory that is updated with atomic
// operations, such as a guest flag word shared between threads.
type AtomicView struct {
	word *atomic.Uint32
}

// NewAtomicView wraps the first four bytes of p, which must stay mapped for
// as long as the view is used.
func NewAtomicView(p []byte) (*AtomicView, error) {
	if len(p) < 4 {
		return nil, errors.Wrap(models.ErrBadValue, "atomic view needs four bytes")
	}
	ptr := unsafe.Pointer(&p[0])
	if uintptr(ptr)%4 != 0 {
		return nil, errors.Wrapf(models.ErrBadAddress, "atomic view at %p is unaligned", ptr)
	}
	return &AtomicView{word: (*atomic.Uint32)(ptr)}, nil
}

func (a *AtomicView) Load() uint32 {
	return a.word.Load()
}

func (a *AtomicView) Store(v uint32) {
	a.word.Store(v)
}

// Or sets bits and returns the previous value.
func (a *AtomicView) Or(mask uint32) uint32 {
	return a.word.Or(mask)
}

// And clears every bit not in mask and returns the previous value.
func (a *AtomicView) And(mask uint32) uint32 {
	return a.word.And(mask)
}
