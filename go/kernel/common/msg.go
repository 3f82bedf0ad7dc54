package common

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/lunixbochs/areacorn/go/models"
)

// message memory is capped so a bad offset cannot grow it without bound
const maxMsg = 1 << 20

// Msg is the memory both ends of one connection read and write call
// records through.
type Msg struct {
	data []byte
}

func (m *Msg) grow(end uint64) error {
	if end > maxMsg {
		return errors.Wrapf(models.ErrBadAddress, "message offset 0x%x", end)
	}
	if end > uint64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-uint64(len(m.data)))...)
	}
	return nil
}

func (m *Msg) WriteAt(p []byte, off uint64) error {
	if err := m.grow(off + uint64(len(p))); err != nil {
		return err
	}
	copy(m.data[off:], p)
	return nil
}

func (m *Msg) ReadAt(p []byte, off uint64) error {
	if off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Wrapf(models.ErrBadAddress, "message read 0x%x+0x%x", off, len(p))
	}
	copy(p, m.data[off:])
	return nil
}

// ReadStrAt reads a NUL terminated string.
func (m *Msg) ReadStrAt(off uint64) (string, error) {
	if off > uint64(len(m.data)) {
		return "", errors.Wrapf(models.ErrBadAddress, "message string at 0x%x", off)
	}
	rest := m.data[off:]
	if n := bytes.IndexByte(rest, 0); n >= 0 {
		return string(rest[:n]), nil
	}
	return "", errors.Wrapf(models.ErrBadValue, "unterminated string at 0x%x", off)
}

func (m *Msg) StrucAt(off uint64) *models.StrucStream {
	return &models.StrucStream{Stream: &cursor{m: m, off: off}, Order: binary.LittleEndian}
}

type cursor struct {
	m   *Msg
	off uint64
}

func (c *cursor) Read(p []byte) (int, error) {
	if c.off >= uint64(len(c.m.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.m.data[c.off:])
	c.off += uint64(n)
	return n, nil
}

func (c *cursor) Write(p []byte) (int, error) {
	if err := c.m.WriteAt(p, c.off); err != nil {
		return 0, err
	}
	c.off += uint64(len(p))
	return len(p), nil
}
