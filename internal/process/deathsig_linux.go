//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setParentDeathSignal arranges for the child to receive SIGTERM if the
// supervisor process dies before it, so orphaning never leaves an
// unmanaged child running.
func setParentDeathSignal(cmd *exec.Cmd) {
	cmd.SysProcAttr.Pdeathsig = syscall.SIGTERM
}
