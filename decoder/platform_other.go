//go:build !windows

package decoder

import (
	"fmt"
	"os/exec"
)

func configurePlatform(cmd *exec.Cmd) {}

// memoryCeilingCommand rewrites (path, args) so the decoder runs under a
// shell that applies `ulimit -v` (a shell builtin; there is no os/exec or
// syscall API for setting a resource limit on a not-yet-started child)
// before exec'ing the real binary. ulimit -v takes kilobytes; ceilingMB*1024
// is an overestimate of true RSS but is the standard way of bounding a
// subprocess's address space from its parent. ceilingMB <= 0 disables the
// ceiling and returns (path, args) unchanged.
func memoryCeilingCommand(path string, args []string, ceilingMB int) (string, []string) {
	if ceilingMB <= 0 {
		return path, args
	}
	shArgs := append([]string{path}, args...)
	script := fmt.Sprintf("ulimit -v %d; exec \"$@\"", ceilingMB*1024)
	return "/bin/sh", append([]string{"-c", script, "sh"}, shArgs...)
}
