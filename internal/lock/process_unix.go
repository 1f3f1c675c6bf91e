//go:build !windows

package lock

import (
	"os"
	"syscall"
)

// processExists probes a PID with signal 0, which tests for a live process
// without delivering anything to it. os.FindProcess never fails on Unix, so
// the Signal call carries the whole answer.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
