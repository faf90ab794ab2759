//go:build !unix

package mqi

import "os"

// terminateProcess has no graceful signal to send on this platform;
// the child is killed outright.
func terminateProcess(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
