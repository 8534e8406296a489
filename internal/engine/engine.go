// Package engine is the supervision engine: the per-instance state
// machine that couples spawning, startup-grace verification, exit
// reaping, restart-policy evaluation, bounded retry, graceful-then-forced
// shutdown, and live configuration reconciliation, all behind one coarse
// lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/env"
	"github.com/samjin/taskmaster/internal/history"
	"github.com/samjin/taskmaster/internal/metrics"
	"github.com/samjin/taskmaster/internal/process"
)

// ErrUnknownProgram is returned by every public operation when given a
// program name absent from the current spec table.
var ErrUnknownProgram = errors.New("unknown program")

const (
	defaultTickInterval = time.Second
	stopPollInterval    = 100 * time.Millisecond
	killAwaitTimeout    = 2 * time.Second
	restartSettle       = 100 * time.Millisecond
)

// Options configures a new Engine. A nil Log is replaced by a stderr-only
// logger; Metrics and Audit are optional observability hooks (nil disables them without affecting
// engine correctness, per §10.7/§10.8).
type Options struct {
	Log          *applog.Logger
	Metrics      *metrics.Collector
	Audit        history.Sink
	GlobalEnv    *env.Env
	TickInterval time.Duration
}

// Engine owns every program's spec and instance table behind a single
// mutex (§5, §9: "one coarse lock is intentional").
type Engine struct {
	mu sync.Mutex

	specs     map[string]process.Spec
	instances map[string][]*process.Instance

	configPath string

	log          *applog.Logger
	metrics      *metrics.Collector
	audit        history.Sink
	globalEnv    *env.Env
	tickInterval time.Duration

	shuttingDown bool
	shutdownOnce sync.Once
	stopTick     chan struct{}
}

// New constructs an Engine. The caller must call Run to drive the
// monitor loop, and Boot (or Reload) to install the initial spec table.
func New(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = applog.New(applog.Config{})
	}
	if opts.GlobalEnv == nil {
		opts.GlobalEnv = env.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	return &Engine{
		specs:        map[string]process.Spec{},
		instances:    map[string][]*process.Instance{},
		log:          opts.Log,
		metrics:      opts.Metrics,
		audit:        opts.Audit,
		globalEnv:    opts.GlobalEnv,
		tickInterval: opts.TickInterval,
		stopTick:     make(chan struct{}),
	}
}

// Boot installs the initial spec table (loaded from configPath) and
// starts every autostart program, per §6's invocation contract.
func (e *Engine) Boot(specs map[string]process.Spec, configPath string) {
	e.mu.Lock()
	e.specs = specs
	e.configPath = configPath
	names := e.sortedNamesLocked()
	e.mu.Unlock()

	for _, name := range names {
		spec := specs[name]
		if spec.AutoStart {
			if err := e.Start(name); err != nil {
				e.log.Warn("autostart failed", "program", name, "err", err)
			}
		}
	}
}

// ConfigPath returns the path the current spec table was loaded from.
func (e *Engine) ConfigPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configPath
}

// ProgramNames returns every configured program name in sorted order.
func (e *Engine) ProgramNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedNamesLocked()
}

func (e *Engine) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.specs))
	for name := range e.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run drives the monitor tick (§4.2.1) on a fixed cadence until ctx is
// cancelled or Shutdown is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopTick:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			if e.shuttingDown {
				e.mu.Unlock()
				return
			}
			e.tickLocked(now)
			e.mu.Unlock()
		}
	}
}

// Start ensures numprocs instances exist and have been spawned; it is a
// no-op if the program is already fully live, per §4.2.3.
func (e *Engine) Start(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.specs[name]
	if !ok {
		return fmt.Errorf("start %q: %w", name, ErrUnknownProgram)
	}
	e.startLocked(name, spec)
	return nil
}

func (e *Engine) startLocked(name string, spec process.Spec) {
	if isFullyLive(e.instances[name], spec.NumProcs) {
		return
	}
	now := time.Now()
	fresh := make([]*process.Instance, spec.NumProcs)
	for i := 0; i < spec.NumProcs; i++ {
		inst := process.NewInstance(name, i)
		e.spawnInstanceLocked(name, spec, inst, now)
		fresh[i] = inst
	}
	e.instances[name] = fresh
}

func (e *Engine) spawnInstanceLocked(name string, spec process.Spec, inst *process.Instance, now time.Time) {
	h, err := process.Spawn(spec, e.globalEnv)
	if e.metrics != nil {
		e.metrics.IncStart(name)
	}
	if err != nil {
		// Spawn-failure uniformity (§9): treated identically to an
		// immediate abnormal exit during STARTING.
		e.emitTransition(name, spec, inst, inst.State, process.StateBackoff)
		inst.State = process.StateBackoff
		inst.LastExit = -1
		e.log.Warn("spawn failed", "program", name, "instance", inst.DisplayName(spec.NumProcs), "err", err)
		e.auditSend(history.EventStart, name, inst)
		return
	}
	e.emitTransition(name, spec, inst, inst.State, process.StateStarting)
	inst.AttachHandle(h, now)
	e.log.LogEvent(applog.EventStarted, name, "instance", inst.DisplayName(spec.NumProcs), "pid", inst.Pid)
	e.auditSend(history.EventStart, name, inst)
}

func instanceUp(s process.State) bool {
	return s == process.StateStarting || s == process.StateRunning
}

func isFullyLive(instances []*process.Instance, numProcs int) bool {
	if len(instances) != numProcs {
		return false
	}
	for _, inst := range instances {
		if !instanceUp(inst.State) {
			return false
		}
	}
	return true
}

// Stop delivers graceful stop to every live instance, escalating to KILL
// on timeout, per §4.2.2. Stopping an already-stopped program is a
// silent success.
func (e *Engine) Stop(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.specs[name]
	if !ok {
		return fmt.Errorf("stop %q: %w", name, ErrUnknownProgram)
	}
	e.stopLocked(name, spec)
	return nil
}

func (e *Engine) stopLocked(name string, spec process.Spec) {
	cur := e.instances[name]
	if len(cur) == 0 {
		return
	}
	// Remove from the live table atomically so the monitor never races
	// to respawn an instance mid-stop (§4.2.2).
	e.instances[name] = nil

	sig, sigErr := process.SignalByName(spec.StopSignal)
	for _, inst := range cur {
		h := inst.Handle()
		if h == nil || inst.State == process.StateStopped || inst.State == process.StateFatal {
			continue
		}
		e.emitTransition(name, spec, inst, inst.State, process.StateStopping)
		inst.State = process.StateStopping
		if sigErr == nil {
			_ = h.Signal(sig)
		}

		deadline := time.Duration(spec.StopTime) * time.Second
		elapsed := time.Duration(0)
		forced := false
		for elapsed < deadline {
			if exited, _ := h.HasExited(); exited {
				break
			}
			time.Sleep(stopPollInterval)
			elapsed += stopPollInterval
		}
		if exited, _ := h.HasExited(); !exited {
			forced = true
			_ = h.Kill()
			h.WaitForExit(killAwaitTimeout)
		}

		if forced {
			e.log.Warn("forced kill after stop timeout", "program", name, "instance", inst.DisplayName(spec.NumProcs))
		} else {
			e.log.Info("process stopped", "program", name, "instance", inst.DisplayName(spec.NumProcs))
		}
		if e.metrics != nil {
			e.metrics.IncStop(name)
		}
		e.emitTransition(name, spec, inst, inst.State, process.StateStopped)
		inst.SettleTerminal(process.StateStopped)
		e.auditSend(history.EventStop, name, inst)
	}
}

// Restart is equivalent to Stop followed by Start, with a short
// inter-step settle, and resets retry_count to 0 for every instance.
func (e *Engine) Restart(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.specs[name]
	if !ok {
		return fmt.Errorf("restart %q: %w", name, ErrUnknownProgram)
	}
	e.stopLocked(name, spec)
	time.Sleep(restartSettle)
	e.startLocked(name, spec)
	return nil
}

// StatusRecord is one row of a status snapshot, per §4.3. Name is the
// shell-facing display form ("web" or "web:0"); Program/Index are the
// same identity split out for consumers (the HTTP API) that want them
// separately. Index is -1 for the single STOPPED sentinel row emitted
// when a program has no live instances.
type StatusRecord struct {
	Name          string
	Program       string
	Index         int
	State         process.State
	Pid           int
	UptimeSeconds int64
	RetryCount    int

	// ResourceSampled, CPUPercent, and MemoryRSSBytes are the optional,
	// non-normative resource fields of §10.7, carried from the instance's
	// cached gopsutil sample. ResourceSampled is false until the monitor
	// tick has taken at least one successful reading for this instance.
	ResourceSampled bool
	CPUPercent      float64
	MemoryRSSBytes  uint64
}

// Status returns a consistent snapshot for name, or for every configured
// program when name is empty.
func (e *Engine) Status(name string) ([]StatusRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if name != "" {
		if _, ok := e.specs[name]; !ok {
			return nil, fmt.Errorf("status %q: %w", name, ErrUnknownProgram)
		}
		return e.statusForLocked(name), nil
	}
	var out []StatusRecord
	for _, n := range e.sortedNamesLocked() {
		out = append(out, e.statusForLocked(n)...)
	}
	return out, nil
}

func (e *Engine) statusForLocked(name string) []StatusRecord {
	instances := e.instances[name]
	if len(instances) == 0 {
		return []StatusRecord{{Name: name, Program: name, Index: -1, State: process.StateStopped}}
	}
	now := time.Now()
	numProcs := len(instances)
	out := make([]StatusRecord, 0, len(instances))
	for _, inst := range instances {
		rec := StatusRecord{
			Name:          inst.DisplayName(numProcs),
			Program:       inst.Name,
			Index:         inst.Index,
			State:         inst.State,
			UptimeSeconds: inst.Uptime(now),
			RetryCount:    inst.RetryCount,
		}
		if instanceUp(inst.State) {
			rec.Pid = inst.Pid
			rec.ResourceSampled = inst.ResourceSampled
			rec.CPUPercent = inst.CPUPercent
			rec.MemoryRSSBytes = inst.MemoryRSSBytes
		}
		out = append(out, rec)
	}
	return out
}

// Reload reconciles the current spec table with newSpecs, per §4.2.4.
// The caller is responsible for parsing the configuration file first; a
// parse failure must never reach Reload (§4.2.4: "load failure leaves
// state untouched").
func (e *Engine) Reload(newSpecs map[string]process.Spec) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldNames := e.sortedNamesLocked()
	oldSet := make(map[string]bool, len(oldNames))
	for _, n := range oldNames {
		oldSet[n] = true
	}

	newNames := make([]string, 0, len(newSpecs))
	for n := range newSpecs {
		newNames = append(newNames, n)
	}
	sort.Strings(newNames)
	newSet := make(map[string]bool, len(newNames))
	for _, n := range newNames {
		newSet[n] = true
	}

	// Removed: stop and drop.
	for _, name := range oldNames {
		if newSet[name] {
			continue
		}
		e.stopLocked(name, e.specs[name])
		delete(e.specs, name)
		delete(e.instances, name)
	}

	// Added: insert; autostart if requested.
	for _, name := range newNames {
		if oldSet[name] {
			continue
		}
		spec := newSpecs[name]
		e.specs[name] = spec
		if spec.AutoStart {
			e.startLocked(name, spec)
		}
	}

	// Common: compare structurally-significant fields.
	for _, name := range newNames {
		if !oldSet[name] {
			continue
		}
		oldSpec := e.specs[name]
		newSpec := newSpecs[name]
		if !oldSpec.Equal(newSpec) {
			e.stopLocked(name, oldSpec)
			e.specs[name] = newSpec
			e.startLocked(name, newSpec)
		} else {
			// Policy-only fields take effect without a restart.
			e.specs[name] = newSpec
		}
	}
}

// Shutdown stops every program and halts the monitor loop. It is
// idempotent: a second call is a no-op.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.shuttingDown = true
		names := e.sortedNamesLocked()
		for _, name := range names {
			e.stopLocked(name, e.specs[name])
		}
		e.mu.Unlock()
		close(e.stopTick)
	})
}

// tickLocked runs one monitor-tick pass over every instance of every
// program, in deterministic order, per §4.2.1. Called with e.mu held.
func (e *Engine) tickLocked(now time.Time) {
	for _, name := range e.sortedNamesLocked() {
		spec := e.specs[name]
		running := 0
		for _, inst := range e.instances[name] {
			e.tickInstance(name, spec, inst, now)
			if inst.State == process.StateRunning {
				running++
			}
		}
		if e.metrics != nil {
			e.metrics.SetRunningInstances(name, running)
		}
	}
}

func (e *Engine) tickInstance(name string, spec process.Spec, inst *process.Instance, now time.Time) {
	switch inst.State {
	case process.StateStopped, process.StateFatal, process.StateStopping:
		return
	case process.StateStarting:
		h := inst.Handle()
		if h == nil {
			return
		}
		if exited, code := h.HasExited(); exited {
			e.recordExit(name, inst, code)
			e.emitTransition(name, spec, inst, process.StateStarting, process.StateBackoff)
			inst.State = process.StateBackoff
		} else if now.Sub(inst.SpawnTime) >= time.Duration(spec.StartTime)*time.Second {
			inst.SuccessfullyStarted = true
			if e.metrics != nil {
				e.metrics.ObserveStartDuration(name, now.Sub(inst.SpawnTime).Seconds())
			}
			e.emitTransition(name, spec, inst, process.StateStarting, process.StateRunning)
			inst.State = process.StateRunning
			e.log.Info("process entered steady state", "program", name, "instance", inst.DisplayName(spec.NumProcs))
			return
		} else {
			return
		}
	case process.StateRunning:
		h := inst.Handle()
		if h == nil {
			return
		}
		if exited, code := h.HasExited(); exited {
			e.recordExit(name, inst, code)
			e.emitTransition(name, spec, inst, process.StateRunning, process.StateExited)
			inst.State = process.StateExited
		} else {
			e.sampleResourceLocked(name, spec, inst)
			return
		}
	}

	if inst.State != process.StateBackoff && inst.State != process.StateExited {
		return
	}
	e.applyRestartDecision(name, spec, inst, now)
}

// emitTransition reports a State change to the metrics collector (§10.7):
// a transition counter keyed by (program, from, to), plus a per-instance
// gauge that marks the instance's new current state. A nil collector
// (Options.Metrics unset) makes this a no-op.
func (e *Engine) emitTransition(name string, spec process.Spec, inst *process.Instance, oldState, newState process.State) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordStateTransition(name, oldState.String(), newState.String())
	e.metrics.SetCurrentState(name, inst.DisplayName(spec.NumProcs), newState.String())
}

// sampleResourceLocked takes a best-effort gopsutil reading for a RUNNING
// instance's pid, caching it on the instance for statusForLocked to surface
// as §4.3's optional cpu_percent/memory_rss_bytes fields, and pushing it to
// the Prometheus gauges when a collector is configured. A failed sample
// (process gone, permission denied) clears ResourceSampled rather than
// leaving a stale reading in place.
func (e *Engine) sampleResourceLocked(name string, spec process.Spec, inst *process.Instance) {
	cpu, rss, ok := metrics.Sample(int32(inst.Pid))
	inst.ResourceSampled = ok
	if !ok {
		return
	}
	inst.CPUPercent = cpu
	inst.MemoryRSSBytes = rss
	if e.metrics != nil {
		e.metrics.SetResourceUsage(name, inst.DisplayName(spec.NumProcs), cpu, rss)
	}
}

func (e *Engine) recordExit(name string, inst *process.Instance, code int) {
	inst.LastExit = code
	inst.ClearHandle()
	inst.ResourceSampled = false
	inst.CPUPercent = 0
	inst.MemoryRSSBytes = 0
	e.auditSend(history.EventExit, name, inst)
}

// applyRestartDecision implements §4.2.1 steps 3-4: whether a BACKOFF or
// EXITED instance respawns, and the bounded-retry/FATAL escalation. Before
// each respawn it sleeps a fixed 1 s backoff while holding the engine
// lock (§5 lists this as a bounded, lock-held suspension point).
func (e *Engine) applyRestartDecision(name string, spec process.Spec, inst *process.Instance, now time.Time) {
	var restart bool
	switch spec.AutoRestart {
	case process.RestartAlways:
		restart = true
	case process.RestartUnexpected:
		restart = !spec.ExitExpected(inst.LastExit)
	default:
		restart = false
	}

	if !restart {
		e.log.Info("process settled, no restart", "program", name, "instance", inst.DisplayName(spec.NumProcs), "exit", inst.LastExit)
		e.emitTransition(name, spec, inst, inst.State, process.StateStopped)
		inst.SettleTerminal(process.StateStopped)
		return
	}

	if inst.RetryCount >= spec.StartRetries {
		e.emitTransition(name, spec, inst, inst.State, process.StateFatal)
		inst.SettleTerminal(process.StateFatal)
		e.log.LogEvent(applog.EventFatal, name, "instance", inst.DisplayName(spec.NumProcs), "retries", inst.RetryCount)
		e.auditSend(history.EventExit, name, inst)
		return
	}

	inst.RetryCount++
	time.Sleep(time.Second)
	h, err := process.Spawn(spec, e.globalEnv)
	if e.metrics != nil {
		e.metrics.IncRestart(name)
	}
	if err != nil {
		e.log.Warn("respawn failed, retrying next tick", "program", name, "instance", inst.DisplayName(spec.NumProcs), "err", err)
		inst.ClearHandle()
		return
	}
	e.emitTransition(name, spec, inst, inst.State, process.StateStarting)
	inst.AttachHandle(h, now)
	e.log.LogEvent(applog.EventRestarted, name, "instance", inst.DisplayName(spec.NumProcs), "retry", inst.RetryCount)
	e.auditSend(history.EventStart, name, inst)
}

func (e *Engine) auditSend(evType history.EventType, name string, inst *process.Instance) {
	if e.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := history.Record{Name: name, Index: inst.Index, Pid: inst.Pid, State: inst.State.String(), ExitCode: inst.LastExit}
	if err := e.audit.Send(ctx, history.Event{Type: evType, OccurredAt: time.Now(), Record: rec}); err != nil {
		e.log.Warn("audit sink send failed", "err", err)
	}
}
