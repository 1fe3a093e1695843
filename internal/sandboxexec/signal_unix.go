//go:build unix

package sandboxexec

import (
	"fmt"
	"os/exec"
	"syscall"
)

// resourceShieldSignals are signals a rlimit trip or OOM kill raises; the
// spec treats these as benign accounting rather than a hard failure.
var resourceShieldSignals = map[syscall.Signal]string{
	syscall.SIGXCPU: "cpu time limit exceeded",
	syscall.SIGXFSZ: "file size limit exceeded",
	syscall.SIGKILL: "process killed (possible out-of-memory)",
}

// classifyExit inspects a completed command's error for signal termination,
// returning {exitCode, signaled, resourceNotice, unknownSignal}.
func classifyExit(cmd *exec.Cmd, runErr error, timedOut bool) (exitCode int, signaled bool, resourceNotice string, unknownSignal bool) {
	if timedOut {
		return 124, false, "", false
	}

	if cmd.ProcessState == nil {
		return -1, false, "", false
	}

	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return cmd.ProcessState.ExitCode(), false, "", false
	}

	if status.Signaled() {
		sig := status.Signal()
		if notice, known := resourceShieldSignals[sig]; known {
			return 128 + int(sig), true, fmt.Sprintf("[resource-shield] %s", notice), false
		}
		return 128 + int(sig), true, "", true
	}

	return cmd.ProcessState.ExitCode(), false, "", false
}

// sendCtrlC delivers SIGINT to the child process.
func sendCtrlC(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGINT)
}

// forceKill delivers SIGKILL to the child.
func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
