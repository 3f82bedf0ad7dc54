package host

import (
	"fmt"
	"os"
	"strings"

	"github.com/lunixbochs/areacorn/go/models"
)

// FileDesc is the file behind a page. Shared pages read and write through
// the file instead of Data.
type FileDesc struct {
	File   *os.File
	Off    uint64
	Shared bool
}

type Page struct {
	Addr uint64
	Size uint64
	Prot models.Prot
	Data []byte
	File *FileDesc
}

func (p *Page) String() string {
	desc := fmt.Sprintf("0x%x-0x%x %s", p.Addr, p.Addr+p.Size, p.Prot)
	if p.File != nil {
		desc += fmt.Sprintf(" %s+%#x", p.File.File.Name(), p.File.Off)
		if p.File.Shared {
			desc += " shared"
		}
	}
	return desc
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.Addr+p.Size
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := p.Addr
	end := p.Addr + p.Size
	e2 := addr + size
	if end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) Overlaps(addr, size uint64) bool {
	_, _, ok := p.Intersect(addr, size)
	return ok
}

func (p *Page) shared() bool {
	return p.File != nil && p.File.Shared
}

/*
// how to slice a page
addr1        size1
|            |
[     page      ]
[  [ slice ]    ]
   |       |
   addr2   size2

o = addr2 - addr1
data2 = data1[o:o+size2]
off2 = off1 + o
*/
func (p *Page) slice(addr, size uint64) *Page {
	o := addr - p.Addr
	var file *FileDesc
	if p.File != nil {
		file = &FileDesc{File: p.File.File, Off: p.File.Off + o, Shared: p.File.Shared}
	}
	var data []byte
	if p.Data != nil {
		data = p.Data[o : o+size]
	}
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: data, File: file}
}

/*
// how to split a page //
laddr                      rsize
|      lsize       raddr   |
[------|----page---|-------]
[-left-][---mid---][-right-]
|       |         |        |
|       addr      size     |
paddr                      psize

The page itself becomes mid; addr:size must lie inside the page.
*/
func (p *Page) Split(addr, size uint64) (left, right *Page) {
	if addr+size < p.Addr+p.Size {
		right = p.slice(addr+size, p.Addr+p.Size-(addr+size))
	}
	if addr > p.Addr {
		left = p.slice(p.Addr, addr-p.Addr)
	}
	mid := p.slice(addr, size)
	*p = *mid
	return left, right
}

func (p *Page) read(addr uint64, out []byte) (int, error) {
	o := addr - p.Addr
	n := p.Size - o
	if uint64(len(out)) < n {
		n = uint64(len(out))
	}
	if p.shared() {
		_, err := p.File.File.ReadAt(out[:n], int64(p.File.Off+o))
		return int(n), err
	}
	return copy(out[:n], p.Data[o:]), nil
}

func (p *Page) write(addr uint64, in []byte) (int, error) {
	o := addr - p.Addr
	n := p.Size - o
	if uint64(len(in)) < n {
		n = uint64(len(in))
	}
	if p.shared() {
		_, err := p.File.File.WriteAt(in[:n], int64(p.File.Off+o))
		return int(n), err
	}
	return copy(p.Data[o:], in[:n]), nil
}

type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of first region containing addr, if any, else -1
func (p Pages) bsearch(addr uint64) int {
	l := 0
	r := len(p) - 1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid
			}
			l = mid + 1
		} else if addr < e.Addr {
			r = mid - 1
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	i := p.bsearch(addr)
	if i >= 0 {
		return p[i]
	}
	return nil
}

// FindRange returns every page overlapping addr:size.
func (p Pages) FindRange(addr, size uint64) Pages {
	var ret Pages
	for _, pg := range p {
		if pg.Overlaps(addr, size) {
			ret = append(ret, pg)
		}
	}
	return ret
}
