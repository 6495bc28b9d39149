//go:build !unix

package pidlock

import (
	"os"
)

// ProcessAlive reports whether pid can be opened. On Windows FindProcess
// fails for processes that do not exist.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
