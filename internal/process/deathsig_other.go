//go:build !linux && !windows

package process

import "os/exec"

// setParentDeathSignal is a no-op outside Linux: Pdeathsig has no
// equivalent on Darwin/BSD.
func setParentDeathSignal(cmd *exec.Cmd) {}
