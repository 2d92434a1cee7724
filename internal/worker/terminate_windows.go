//go:build windows

package worker

import "os"

// Windows has no SIGTERM; the graceful phase degrades to a kill.
func terminate(p *os.Process) error {
	return p.Kill()
}
