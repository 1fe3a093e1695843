//go:build !unix

package sandboxexec

import "os/exec"

// classifyExit has no signal information to work with on non-Unix
// platforms; it falls back to the raw process exit code.
func classifyExit(cmd *exec.Cmd, runErr error, timedOut bool) (exitCode int, signaled bool, resourceNotice string, unknownSignal bool) {
	if timedOut {
		return 124, false, "", false
	}
	if cmd.ProcessState == nil {
		return -1, false, "", false
	}
	return cmd.ProcessState.ExitCode(), false, "", false
}

func sendCtrlC(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
