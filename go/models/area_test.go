package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAreaInfoRoundTrip(t *testing.T) {
	a := &Area{
		ID:      7,
		Name:    "a name that is far longer than the thirty one bytes allowed",
		Team:    3,
		Address: 0x10000,
		Size:    0x3000,
		Prot:    ProtRW | ProtCloneable,
		Lock:    FullLock,
		Mapping: PrivateMap,
		Share:   &Sharing{Ref: 1, Path: "/tmp/x", Offset: 0x1000},
	}
	info := a.Info()
	assert.Equal(t, uint32(1), info.Shared)
	assert.Equal(t, uint64(0x1000), info.Offset)
	assert.Len(t, info.NameString(), AreaNameLen-1)

	back := info.Area()
	assert.Nil(t, back.Share)
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, a.Address, back.Address)
	assert.Equal(t, a.Prot, back.Prot)
	assert.Equal(t, a.Mapping, back.Mapping)
}

func TestAreaString(t *testing.T) {
	a := &Area{ID: 1, Name: "heap", Address: 0x1000, Size: 0x1000, Prot: ProtRW}
	assert.Equal(t, "    1 0x1000-0x2000 rw- [heap]", a.String())
}

func TestStatusMapping(t *testing.T) {
	for _, err := range []error{ErrBadValue, ErrBadAddress, ErrNoMemory, ErrEntryNotFound} {
		assert.Equal(t, err, StatusError(Status(err)))
	}
	assert.Nil(t, StatusError(Status(nil)))
}
