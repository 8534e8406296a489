package metrics

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Sample is a best-effort CPU/memory reading for a single pid (§10.7). A
// sampling failure (process gone, permission denied) is swallowed: ok is
// false and the caller should simply omit the fields for that tick.
func Sample(pid int32) (cpuPercent float64, rssBytes uint64, ok bool) {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return 0, 0, false
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, false
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0, 0, false
	}
	return cpu, mem.RSS, true
}
