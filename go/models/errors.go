package models

import "github.com/pkg/errors"

// Error taxonomy shared by the broker, the allocator and the protocol.
// Host failures are mapped onto the nearest member before they are returned.
var (
	ErrBadValue      = errors.New("bad value")
	ErrBadAddress    = errors.New("bad address")
	ErrNoMemory      = errors.New("no memory")
	ErrEntryNotFound = errors.New("entry not found")
)

// Status codes used when an error crosses the protocol as an integer.
const (
	StatusOK            = 0
	StatusBadValue      = -2147483643
	StatusNoMemory      = -2147483648
	StatusBadAddress    = -2147454970
	StatusEntryNotFound = -2147459069
)

func Status(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNoMemory):
		return StatusNoMemory
	case errors.Is(err, ErrBadAddress):
		return StatusBadAddress
	case errors.Is(err, ErrEntryNotFound):
		return StatusEntryNotFound
	}
	return StatusBadValue
}

func StatusError(status int32) error {
	switch status {
	case StatusOK:
		return nil
	case StatusNoMemory:
		return ErrNoMemory
	case StatusBadAddress:
		return ErrBadAddress
	case StatusEntryNotFound:
		return ErrEntryNotFound
	}
	return ErrBadValue
}
