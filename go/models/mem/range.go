package mem

import (
	"fmt"
	"strings"
)

type Range struct {
	Addr, Size uint64
}

func (r Range) End() uint64 {
	return r.Addr + r.Size
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.Addr+r.Size
}

// ContainsRange reports whether o lies entirely within r. An empty o is
// contained when its address is.
func (r Range) ContainsRange(o Range) bool {
	if o.Size == 0 {
		return r.Contains(o.Addr)
	}
	return o.Addr >= r.Addr && o.End() > o.Addr && o.End() <= r.End()
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (r Range) Intersect(o Range) (Range, bool) {
	start, end := r.Addr, r.End()
	if end > o.End() {
		end = o.End()
	}
	if start < o.Addr {
		start = o.Addr
	}
	if end <= start {
		return Range{}, false
	}
	return Range{start, end - start}, true
}

func (r Range) Overlaps(o Range) bool {
	_, ok := r.Intersect(o)
	return ok
}

/*
how to cut a range

[------|---range---|-------]
[-left-][---cut---][-right-]

left  = [r.Addr, cut.Addr)
right = [cut.End, r.End)
*/
// Subtract returns the parts of r outside o, lowest first.
func (r Range) Subtract(o Range) []Range {
	cut, ok := r.Intersect(o)
	if !ok {
		return []Range{r}
	}
	var out []Range
	if cut.Addr > r.Addr {
		out = append(out, Range{r.Addr, cut.Addr - r.Addr})
	}
	if cut.End() < r.End() {
		out = append(out, Range{cut.End(), r.End() - cut.End()})
	}
	return out
}

func (r Range) Less(o Range) bool {
	if r.Addr != o.Addr {
		return r.Addr < o.Addr
	}
	return r.Size < o.Size
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Addr, r.End())
}

type Ranges []Range

func (r Ranges) Len() int           { return len(r) }
func (r Ranges) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r Ranges) Less(i, j int) bool { return r[i].Less(r[j]) }

func (r Ranges) String() string {
	s := make([]string, len(r))
	for i, v := range r {
		s[i] = v.String()
	}
	return strings.Join(s, " ")
}
