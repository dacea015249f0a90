//go:build windows

package procutil

import "os"

// PIDAlive reports whether a process handle can still be opened. Windows has
// no zombie state to filter.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
