package sandboxexec

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// buildCommand selects a spawn strategy by params.SandboxType and returns a
// ready-to-Start *exec.Cmd, gating each strategy on its own availability
// check rather than assuming a single hardcoded backend.
//
// It deliberately uses exec.Command rather than exec.CommandContext: the
// timeout-vs-wait race in exec.go needs to send Ctrl-C first and only
// force-kill if the child is still alive afterward, but CommandContext
// kills the process outright as soon as its context is done, which would
// skip the Ctrl-C step entirely.
func buildCommand(params ExecParams) (*exec.Cmd, func(), error) {
	switch params.SandboxType {
	case SandboxNone, "":
		return spawnNone(params)
	case SandboxMacosSeatbelt:
		return spawnMacosSeatbelt(params)
	case SandboxLinuxSeccomp:
		return spawnLinuxSeccomp(params)
	default:
		return nil, nil, fmt.Errorf("unknown sandbox type %q", params.SandboxType)
	}
}

func baseCmd(name string, args []string, params ExecParams) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.Dir = params.Cwd
	cmd.Env = os.Environ()
	for k, v := range params.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd
}

// spawnNone runs the command directly with pipes, no OS sandbox.
func spawnNone(params ExecParams) (*exec.Cmd, func(), error) {
	if len(params.Command) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}
	cmd := baseCmd(params.Command[0], params.Command[1:], params)
	return cmd, func() {}, nil
}

// spawnMacosSeatbelt translates the policy into a seatbelt profile file and
// runs the command under /usr/bin/sandbox-exec -f <profile>.
func spawnMacosSeatbelt(params ExecParams) (*exec.Cmd, func(), error) {
	if len(params.Command) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}

	profilePath, cleanup, err := writeSeatbeltProfile(params.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("write seatbelt profile: %w", err)
	}

	args := append([]string{"-f", profilePath}, params.Command...)
	cmd := baseCmd("/usr/bin/sandbox-exec", args, params)
	return cmd, cleanup, nil
}

// seatbeltProfile renders a minimal Scheme-syntax seatbelt profile from the
// policy's allow/deny sets. Default-deny, selectively allow.
func seatbeltProfile(policy SandboxPolicy) string {
	profile := "(version 1)\n(deny default)\n(allow process-fork)\n(allow file-read*)\n"
	for _, root := range policy.WritableRoots {
		profile += fmt.Sprintf("(allow file-write* (subpath %q))\n", root)
	}
	for _, root := range policy.ReadOnlyRoots {
		profile += fmt.Sprintf("(allow file-read* (subpath %q))\n", root)
	}
	if policy.AllowNetwork {
		profile += "(allow network*)\n"
	}
	return profile
}

func writeSeatbeltProfile(policy SandboxPolicy) (string, func(), error) {
	dir, err := os.MkdirTemp("", "sentrycore-seatbelt-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, "profile.sb")
	if err := os.WriteFile(path, []byte(seatbeltProfile(policy)), 0o600); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

// spawnLinuxSeccomp re-execs a trusted sandbox helper binary, passing the
// policy as a JSON argument and the real command after a "--" separator.
func spawnLinuxSeccomp(params ExecParams) (*exec.Cmd, func(), error) {
	if params.LinuxSandboxExe == "" {
		return nil, nil, fmt.Errorf("linux_seccomp sandbox requires a sandbox helper binary path")
	}
	if len(params.Command) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}

	policyJSON, err := json.Marshal(params.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sandbox policy: %w", err)
	}

	args := append([]string{"--policy", string(policyJSON), "--"}, params.Command...)
	cmd := baseCmd(params.LinuxSandboxExe, args, params)
	return cmd, func() {}, nil
}
