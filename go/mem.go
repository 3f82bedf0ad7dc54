package areacorn

// hosts simulated in-process get this much address space
const simLimit = 1 << 47

func (t *Task) align(addr, size uint64) (uint64, uint64) {
	return t.sys.Config.PageAlign(addr, size)
}

func (t *Task) roundUp(n uint64) uint64 {
	return t.sys.Config.RoundUp(n)
}

func (t *Task) aligned(addr uint64) bool {
	return addr%t.sys.Config.PageSize == 0
}
