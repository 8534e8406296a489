package process

import (
	"fmt"
	"time"
)

// Instance is the per-process-instance runtime record of §3. Identity is
// (Name, Index); it is created by the engine when a program starts and
// mutated only by the engine under its single lock.
type Instance struct {
	Name                string
	Index               int
	State               State
	Pid                 int
	SpawnTime           time.Time
	RetryCount          int
	LastExit            int
	SuccessfullyStarted bool

	// ResourceSampled, CPUPercent, and MemoryRSSBytes cache the most recent
	// gopsutil reading for this instance's pid (§10.7). Populated by the
	// engine's monitor tick for RUNNING instances; left at zero values
	// otherwise so a stale sample never outlives the process it came from.
	ResourceSampled bool
	CPUPercent      float64
	MemoryRSSBytes  uint64

	handle *Handle
}

// NewInstance constructs a fresh, not-yet-spawned instance record.
func NewInstance(name string, index int) *Instance {
	return &Instance{Name: name, Index: index, State: StateStopped}
}

// DisplayName renders "name" for a single-instance program and
// "name:index" otherwise, per §4.3.
func (i *Instance) DisplayName(numProcs int) string {
	if numProcs <= 1 {
		return i.Name
	}
	return fmt.Sprintf("%s:%d", i.Name, i.Index)
}

// Uptime returns seconds since SpawnTime, or 0 when not live.
func (i *Instance) Uptime(now time.Time) int64 {
	if !i.State.Live() || i.SpawnTime.IsZero() {
		return 0
	}
	d := now.Sub(i.SpawnTime)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}

// AttachHandle records a freshly spawned handle's pid/spawn time and moves
// the instance to STARTING.
func (i *Instance) AttachHandle(h *Handle, now time.Time) {
	i.handle = h
	i.Pid = h.Pid()
	i.SpawnTime = now
	i.SuccessfullyStarted = false
	i.State = StateStarting
}

// Handle returns the instance's current spawn handle, or nil if it was
// never spawned or has been cleared (e.g. after settling into STOPPED).
func (i *Instance) Handle() *Handle { return i.handle }

// SettleTerminal clears the spawn handle and moves the instance into a
// terminal state (STOPPED or FATAL). Called by the engine once an
// instance will never be monitored again without a fresh Start/Restart.
func (i *Instance) SettleTerminal(state State) {
	i.handle = nil
	i.Pid = 0
	i.State = state
}

// ClearHandle drops the spawn handle without changing State, used when a
// respawn attempt fails and the instance remains in BACKOFF for the next
// monitor tick to retry.
func (i *Instance) ClearHandle() {
	i.handle = nil
	i.Pid = 0
}
