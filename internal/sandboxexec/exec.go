package sandboxexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// Scrubber replaces registered secret values with a placeholder, satisfied
// by *secretbroker.Broker.
type Scrubber interface {
	ScrubText(s string) string
}

// LatencyRecorder is satisfied by *telemetry.Hub.
type LatencyRecorder interface {
	RecordLatency(ms float64)
}

// AuditSink receives the sandbox_exec audit event without this package
// importing auditledger directly.
type AuditSink func(kind, actor, action, resource string, metadata map[string]string)

// EnvSecretEnsurer injects the broker-owned dynamic secret into a child's
// env (or registers a pre-existing value for scrubbing). Satisfied by
// *secretbroker.Broker; detected on the Scrubber by type assertion so
// test doubles that only scrub keep working.
type EnvSecretEnsurer interface {
	EnsureEnvSecret(env map[string]string) error
}

// auditKindSandboxExec matches auditledger.KindSandboxExec's label.
const auditKindSandboxExec = "sandbox_exec"

// auditActorExec is the fixed actor recorded for every exec audit event,
// mirroring the original implementation's exec path, which always
// attributes these events to the exec subsystem itself rather than the
// caller (the caller is implicit in the session/request context, not in
// this low-level audit trail).
const auditActorExec = "core:exec"

// Runner executes sandboxed commands. The Default* fields fill in
// ExecParams fields the caller left zero-valued; they are plain config
// defaults, never overrides.
type Runner struct {
	Scrubber  Scrubber
	Telemetry LatencyRecorder
	Audit     AuditSink

	DefaultSandboxType SandboxType
	DefaultTimeoutMS   int64
	DefaultLimits      ResourceLimits
	LinuxSandboxExe    string
}

// NewRunner builds a Runner. scrubber/telemetry/audit may be nil, in which
// case scrubbing, latency recording, and audit logging are skipped.
func NewRunner(scrubber Scrubber, telemetry LatencyRecorder, audit AuditSink) *Runner {
	if audit == nil {
		audit = func(string, string, string, string, map[string]string) {}
	}
	return &Runner{Scrubber: scrubber, Telemetry: telemetry, Audit: audit}
}

func (r *Runner) scrub(s string) string {
	if r.Scrubber == nil || s == "" {
		return s
	}
	return r.Scrubber.ScrubText(s)
}

// ProcessExecToolCall runs params under the selected sandbox strategy,
// enforcing the timeout and resource limits, collecting output, and
// returning a structured result or a typed sandbox error carrying the full
// captured output.
func (r *Runner) ProcessExecToolCall(ctx context.Context, params ExecParams, sink StreamSink) (*ExecToolCallOutput, error) {
	auditStartedAt := time.Now()

	if params.SandboxType == "" {
		params.SandboxType = r.DefaultSandboxType
	}
	if params.TimeoutMS == 0 {
		params.TimeoutMS = r.DefaultTimeoutMS
	}
	if params.LinuxSandboxExe == "" {
		params.LinuxSandboxExe = r.LinuxSandboxExe
	}

	limits := params.Limits
	if limits == (ResourceLimits{}) {
		limits = r.DefaultLimits
	}
	if limits == (ResourceLimits{}) {
		limits = EffectiveResourceLimits()
	}

	if ensurer, ok := r.Scrubber.(EnvSecretEnsurer); ok {
		if params.Env == nil {
			params.Env = make(map[string]string)
		}
		if err := ensurer.EnsureEnvSecret(params.Env); err != nil {
			return nil, fmt.Errorf("ensure dynamic secret: %w", err)
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if params.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, clampTimeout(params.TimeoutMS))
		defer cancel()
	}

	cmd, cleanup, err := buildCommand(params)
	if err != nil {
		return nil, fmt.Errorf("select spawn strategy: %w", err)
	}
	defer cleanup()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr pipe: %w", err)
	}

	collector := newOutputCollector(sink)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	if err := applyResourceLimits(cmd.Process.Pid, limits); err != nil {
		_ = err // best-effort on platforms/kernels that reject the rlimit
	}

	collector.consume("stdout", stdoutPipe)
	collector.consume("stderr", stderrPipe)

	// Wait closes the pipes once the process exits, so it runs only after
	// both readers have drained them to EOF; otherwise fast commands can
	// lose their output.
	waitDone := make(chan error, 1)
	go func() {
		collector.wait()
		waitDone <- cmd.Wait()
	}()

	var runErr error
	var timedOut bool
	select {
	case runErr = <-waitDone:
	case <-runCtx.Done():
		timedOut = true
		_ = sendCtrlC(cmd)
		select {
		case runErr = <-waitDone:
		case <-time.After(2 * time.Second):
			_ = forceKill(cmd)
			runErr = <-waitDone
		}
	}

	collector.wait()

	exitCode, signaled, resourceNotice, unknownSignal := classifyExit(cmd, runErr, timedOut)
	if resourceNotice != "" {
		collector.appendStderrNotice(resourceNotice)
	}
	if timedOut {
		collector.appendStderrNotice(fmt.Sprintf("command timed out after %dms", params.TimeoutMS))
	}

	stdout, stderr, aggregated := collector.snapshot()
	stdout = r.scrub(stdout)
	stderr = r.scrub(stderr)
	aggregated = r.scrub(aggregated)
	resourceNotice = r.scrub(resourceNotice)

	durationMS := time.Since(auditStartedAt).Milliseconds()

	if signaled && unknownSignal {
		r.auditExec(params, "exec_failed", auditStartedAt, durationMS, exitCode, timedOut, resourceNotice, "unhandled signal")
		return nil, &sentryerr.SandboxSignalError{Signal: exitCode - 128}
	}

	isSandboxed := params.SandboxType != SandboxNone && params.SandboxType != ""
	status := classifyStatus(isSandboxed, timedOut, exitCode)

	output := &ExecToolCallOutput{
		Status:           status,
		ExitCode:         exitCode,
		TimedOut:         timedOut,
		Stdout:           stdout,
		Stderr:           stderr,
		AggregatedOutput: aggregated,
		DurationMS:       durationMS,
		ResourceNotice:   resourceNotice,
	}

	switch status {
	case StatusTimeout:
		r.auditExec(params, "exec_timeout", auditStartedAt, durationMS, exitCode, timedOut, resourceNotice, "")
		return nil, &sentryerr.SandboxTimeoutError{TimeoutMS: params.TimeoutMS, Output: output}
	case StatusSandboxDenied:
		r.auditExec(params, "exec_denied", auditStartedAt, durationMS, exitCode, timedOut, resourceNotice, "")
		return nil, &sentryerr.SandboxDeniedError{ExitCode: exitCode, Output: output}
	default:
		if r.Telemetry != nil {
			r.Telemetry.RecordLatency(float64(durationMS))
		}
		r.auditExec(params, "exec_succeeded", auditStartedAt, durationMS, exitCode, timedOut, resourceNotice, "")
		return output, nil
	}
}

// classifyStatus decides Success/Timeout/SandboxDenied from the raw exit.
// Only the sandboxed path can be denied: the heuristic has nothing to deny
// when there's no sandbox, so an unsandboxed nonzero exit is still a
// successful exec call, with the exit code itself left in the output for
// the caller to inspect.
func classifyStatus(isSandboxed, timedOut bool, exitCode int) Status {
	if timedOut {
		return StatusTimeout
	}
	if isSandboxed && exitCode != 0 && exitCode != 127 {
		return StatusSandboxDenied
	}
	return StatusSuccess
}

func (r *Runner) auditExec(params ExecParams, action string, startedAt time.Time, durationMS int64, exitCode int, timedOut bool, resourceNotice, errText string) {
	policyJSON, _ := json.Marshal(params.Policy)
	metadata := map[string]string{
		"status":       action,
		"command":      r.scrub(fmt.Sprintf("%v", params.Command)),
		"cwd":          params.Cwd,
		"sandbox_type": string(params.SandboxType),
		"duration_ms":  fmt.Sprintf("%d", durationMS),
		"exit_code":    fmt.Sprintf("%d", exitCode),
		"timed_out":    fmt.Sprintf("%t", timedOut),
		"sandbox_policy": string(policyJSON),
	}
	if params.TimeoutMS > 0 {
		metadata["timeout_ms"] = fmt.Sprintf("%d", params.TimeoutMS)
	}
	if params.EscalatedPermissions {
		metadata["escalated_permissions"] = "true"
	}
	if params.Justification != "" {
		metadata["justification"] = r.scrub(params.Justification)
	}
	if resourceNotice != "" {
		metadata["resource_notice"] = resourceNotice
	}
	if errText != "" {
		metadata["error"] = r.scrub(errText)
	}
	r.Audit(auditKindSandboxExec, auditActorExec, action, params.Cwd, metadata)
}
