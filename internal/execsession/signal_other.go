//go:build !unix

package execsession

import (
	"os/exec"
	"syscall"
)

func sessionProcAttr() *syscall.SysProcAttr {
	return nil
}

func sendCtrlC(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
