//go:build unix

package proc

import (
	"os"
	"syscall"
)

var termSignal os.Signal = syscall.SIGTERM

// Children run in their own process group so Terminate reaches every
// process a launcher forks.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	if err := syscall.Kill(-p.Pid, s); err != nil {
		return p.Signal(sig)
	}
	return nil
}
