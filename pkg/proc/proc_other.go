//go:build !unix

package proc

import (
	"os"
	"syscall"
)

var termSignal os.Signal = os.Kill

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(p *os.Process, sig os.Signal) error {
	return p.Signal(sig)
}
