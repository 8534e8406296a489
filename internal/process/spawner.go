package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samjin/taskmaster/internal/env"
)

// Handle is what spawn(spec) returns: pid, a non-blocking has-exited probe,
// a blocking wait-for-exit, and a best-effort signal send, per §4.1's
// Spawner contract.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	files  []*os.File
	done   chan struct{}
	exited atomic.Bool

	mu       sync.Mutex
	exitCode int // exit code, or -1*signal for a signal death, per §3 last_exit
}

// umaskMu serializes the umask-set/exec/umask-restore window across
// concurrent spawns; syscall.Umask is process-global.
var umaskMu sync.Mutex

// Spawn launches one child instance for spec. Any failure before a
// successful fork/exec is surfaced as an error; per §4.1/§9 the engine
// treats this identically to an immediate abnormal exit, so callers should
// not special-case it.
func Spawn(spec Spec, globalEnv *env.Env) (*Handle, error) {
	cmd := buildCommand(spec.Cmd)

	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}

	outFile, errFile, files, err := openStdio(spec)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdio setup: %w", spec.Name, err)
	}
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	merged := spec.Env
	if merged == nil {
		merged = map[string]string{}
	}
	cmd.Env = append(globalEnv.Merge(merged), "PYTHONUNBUFFERED=1")

	configureSysProcAttr(cmd)

	umask := 0o022
	if spec.Umask != nil {
		umask = *spec.Umask
	}
	umaskMu.Lock()
	prevUmask := setUmask(umask)
	startErr := cmd.Start()
	restoreUmask(prevUmask)
	umaskMu.Unlock()

	if startErr != nil {
		closeAll(files)
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, startErr)
	}

	h := &Handle{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		files:    files,
		done:     make(chan struct{}),
		exitCode: 0,
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitCode = exitCodeOf(err)
	h.mu.Unlock()
	h.exited.Store(true)
	close(h.done)
	closeAll(h.files)
}

// Pid returns the OS process id of the spawned child.
func (h *Handle) Pid() int { return h.pid }

// HasExited is the non-blocking probe §4.1 requires. The second return
// value is only meaningful when the first is true.
func (h *Handle) HasExited() (bool, int) {
	if !h.exited.Load() {
		return false, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return true, h.exitCode
}

// WaitForExit blocks until the child exits or timeout elapses, returning
// whether it exited within the window.
func (h *Handle) WaitForExit(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Signal delivers sig to the child's process group, best-effort. A signal
// to an already-dead pid is ignored per §4.2.5.
func (h *Handle) Signal(sig Signal) error {
	if h.exited.Load() {
		return nil
	}
	return signalGroup(h.pid, sig)
}

// Kill delivers an unconditional KILL to the process group.
func (h *Handle) Kill() error {
	if h.exited.Load() {
		return nil
	}
	return killGroup(h.pid)
}

func buildCommand(cmdStr string) *exec.Cmd {
	trimmed := strings.TrimSpace(cmdStr)
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "./") {
		parts := strings.Fields(trimmed)
		if len(parts) == 0 {
			// #nosec G204
			return exec.Command("/bin/true")
		}
		// #nosec G204
		return exec.Command(parts[0], parts[1:]...)
	}
	// #nosec G204
	return exec.Command("/bin/sh", "-c", trimmed)
}

func openStdio(spec Spec) (stdout, stderr *os.File, all []*os.File, err error) {
	open := func(path string) (*os.File, error) {
		if path == "" {
			f, oerr := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			return f, oerr
		}
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, mkErr
			}
		}
		// #nosec G304
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	}
	stdout, err = open(spec.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err = open(spec.Stderr)
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, err
	}
	return stdout, stderr, []*os.File{stdout, stderr}, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
