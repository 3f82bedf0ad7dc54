package models

import (
	"bytes"
	"fmt"
)

type (
	TeamID int32
	AreaID int32
)

// Prot holds guest area protection bits.
type Prot uint32

const (
	ProtRead        Prot = 0x1
	ProtWrite       Prot = 0x2
	ProtExec        Prot = 0x4
	ProtStack       Prot = 0x8
	ProtKernelRead  Prot = 0x10
	ProtKernelWrite Prot = 0x20
	ProtCloneable   Prot = 0x100

	ProtNone Prot = 0
	ProtRW        = ProtRead | ProtWrite
	ProtAll       = ProtRead | ProtWrite | ProtExec
)

func (p Prot) Access() Prot {
	return p & ProtAll
}

func (p Prot) String() string {
	prots := []Prot{ProtRead, ProtWrite, ProtExec}
	chars := []string{"r", "w", "x"}
	s := ""
	for i := range prots {
		if p&prots[i] != 0 {
			s += chars[i]
		} else {
			s += "-"
		}
	}
	if p&ProtCloneable != 0 {
		s += "c"
	}
	if p&ProtStack != 0 {
		s += "s"
	}
	return s
}

type LockMode uint32

const (
	NoLock LockMode = iota
	LazyLock
	FullLock
)

func (l LockMode) Valid() bool {
	return l <= FullLock
}

// MappingKind decides what a fork does with a shared backing file.
type MappingKind uint32

const (
	// SharedMap areas keep the same backing bytes in parent and child.
	SharedMap MappingKind = iota
	// PrivateMap areas diverge at fork.
	PrivateMap
)

type AddressSpec uint32

const (
	AnyAddress            AddressSpec = 0
	ExactAddress          AddressSpec = 1
	BaseAddress           AddressSpec = 2
	CloneAddress          AddressSpec = 3
	RandomizedAnyAddress  AddressSpec = 6
	RandomizedBaseAddress AddressSpec = 7
)

func (s AddressSpec) Valid() bool {
	switch s {
	case AnyAddress, ExactAddress, BaseAddress, CloneAddress, RandomizedAnyAddress, RandomizedBaseAddress:
		return true
	}
	return false
}

// Fixed reports whether the spec pins the area to the requested address.
func (s AddressSpec) Fixed() bool {
	return s == ExactAddress || s == CloneAddress
}

// Sharing points an area at the backing file that makes it cloneable.
type Sharing struct {
	Ref    int
	Path   string
	Offset uint64
}

type Area struct {
	ID      AreaID
	Name    string
	Team    TeamID
	Address uint64
	Size    uint64
	Prot    Prot
	Lock    LockMode
	Mapping MappingKind
	Share   *Sharing
}

func (a *Area) End() uint64 {
	return a.Address + a.Size
}

func (a *Area) Contains(addr uint64) bool {
	return a.Address <= addr && addr < a.Address+a.Size
}

func (a *Area) Shared() bool {
	return a.Share != nil
}

// Copy returns a detached copy, including the sharing descriptor.
func (a *Area) Copy() *Area {
	c := *a
	if a.Share != nil {
		share := *a.Share
		c.Share = &share
	}
	return &c
}

func (a *Area) String() string {
	desc := fmt.Sprintf("%5d 0x%x-0x%x %s", a.ID, a.Address, a.Address+a.Size, a.Prot)
	if a.Name != "" {
		desc += fmt.Sprintf(" [%s]", a.Name)
	}
	if a.Share != nil {
		desc += fmt.Sprintf(" %s+%#x", a.Share.Path, a.Share.Offset)
	}
	return desc
}

const AreaNameLen = 32

// AreaInfo is the fixed layout record exchanged by protocol calls.
type AreaInfo struct {
	ID         int32
	Name       [AreaNameLen]byte `struc:"[32]byte"`
	Team       int32
	Address    uint64
	Size       uint64
	Lock       uint32
	Protection uint32
	Mapping    uint32
	Shared     uint32
	Offset     uint64
}

func (i *AreaInfo) SetName(name string) {
	i.Name = [AreaNameLen]byte{}
	copy(i.Name[:AreaNameLen-1], name)
}

func (i *AreaInfo) NameString() string {
	if n := bytes.IndexByte(i.Name[:], 0); n >= 0 {
		return string(i.Name[:n])
	}
	return string(i.Name[:])
}

// Info flattens an area into its wire record.
func (a *Area) Info() AreaInfo {
	info := AreaInfo{
		ID:         int32(a.ID),
		Team:       int32(a.Team),
		Address:    a.Address,
		Size:       a.Size,
		Lock:       uint32(a.Lock),
		Protection: uint32(a.Prot),
		Mapping:    uint32(a.Mapping),
	}
	info.SetName(a.Name)
	if a.Share != nil {
		info.Shared = 1
		info.Offset = a.Share.Offset
	}
	return info
}

// Area rebuilds the metadata carried by the record. Sharing state is never
// taken from the wire; the broker owns it.
func (i *AreaInfo) Area() *Area {
	return &Area{
		ID:      AreaID(i.ID),
		Name:    i.NameString(),
		Team:    TeamID(i.Team),
		Address: i.Address,
		Size:    i.Size,
		Prot:    Prot(i.Protection),
		Lock:    LockMode(i.Lock),
		Mapping: MappingKind(i.Mapping),
	}
}
