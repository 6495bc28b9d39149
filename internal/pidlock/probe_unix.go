//go:build unix

package pidlock

import (
	"golang.org/x/sys/unix"
)

// ProcessAlive sends signal 0 to pid. Only a successful delivery counts as
// alive; EPERM and every other failure report false.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
