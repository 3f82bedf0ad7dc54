package models

import (
	"fmt"
)

// Mmap is one line of a task's memory map.
type Mmap struct {
	Addr, Size uint64
	Prot       Prot
	Desc       string
	Area       AreaID
}

func (m *Mmap) Contains(addr uint64) bool {
	return m.Addr <= addr && addr < m.Addr+m.Size
}

func (m *Mmap) String() string {
	desc := fmt.Sprintf("0x%x-0x%x %s", m.Addr, m.Addr+m.Size, m.Prot)
	if m.Area != 0 {
		desc += fmt.Sprintf(" #%d", m.Area)
	}
	if m.Desc != "" {
		desc += fmt.Sprintf(" [%s]", m.Desc)
	}
	return desc
}

type MmapAddrSort []*Mmap

func (m MmapAddrSort) Len() int           { return len(m) }
func (m MmapAddrSort) Less(i, j int) bool { return m[i].Addr < m[j].Addr }
func (m MmapAddrSort) Swap(i, j int)      { m[i], m[j] = m[j], m[i] }

type (
	MapCb   func(addr, size uint64, prot Prot, desc string)
	UnmapCb func(addr, size uint64)
	ProtCb  func(addr, size uint64, prot Prot)
)

// MapHook observes host mapping changes of a task.
type MapHook struct {
	Map   MapCb
	Unmap UnmapCb
	Prot  ProtCb
}
