//go:build windows

package process

import (
	"os"
	"os/exec"
)

// Signal is the OS-level signal type used by this package's public API.
type Signal = os.Signal

func configureSysProcAttr(cmd *exec.Cmd) {
	// Windows has no process-group/Pdeathsig equivalent exposed here;
	// taskmaster's process-group semantics (§4.1, §5) are Unix-specific.
}

func setUmask(umask int) int    { return 0 }
func restoreUmask(prev int)     {}

func signalGroup(pid int, sig Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

func killGroup(pid int) error {
	return signalGroup(pid, os.Kill)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
