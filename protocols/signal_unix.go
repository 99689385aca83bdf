//go:build !windows

package protocols

import (
	"os"
	"syscall"
)

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func reconnectProcess(p *os.Process) error {
	return p.Signal(syscall.SIGUSR2)
}
