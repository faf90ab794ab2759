//go:build unix

package mqi

import (
	"os"
	"syscall"
)

// terminateProcess asks the child to exit with SIGTERM, giving it a
// chance to run its halt hooks before Close escalates to SIGKILL.
func terminateProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}
