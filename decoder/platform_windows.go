//go:build windows

package decoder

import (
	"os/exec"
	"syscall"
)

// configurePlatform suppresses the console window Windows would otherwise
// pop up for each decoder invocation.
func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

// memoryCeilingCommand is a no-op on Windows: there is no stdlib or
// syscall primitive for bounding a not-yet-started child process's memory
// short of a Job Object, which this package does not take on. The ceiling
// is accepted in Config but not enforced on this platform.
func memoryCeilingCommand(path string, args []string, ceilingMB int) (string, []string) {
	return path, args
}
