package sandboxexec

import (
	"context"
	"errors"
	"testing"

	"github.com/ocx/sentrycore/internal/sentryerr"
	"github.com/stretchr/testify/require"
)

type fakeScrubber struct{ secret string }

func (f fakeScrubber) ScrubText(s string) string {
	if f.secret == "" {
		return s
	}
	out := ""
	for i := 0; i < len(s); {
		if i+len(f.secret) <= len(s) && s[i:i+len(f.secret)] == f.secret {
			out += "***"
			i += len(f.secret)
			continue
		}
		out += string(s[i])
		i++
	}
	return out
}

func TestProcessExecToolCallSuccess(t *testing.T) {
	var auditedAction string
	runner := NewRunner(nil, nil, func(kind, actor, action, resource string, metadata map[string]string) {
		auditedAction = action
	})

	out, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"echo", "hello-world"},
		SandboxType: SandboxNone,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, 0, out.ExitCode)
	require.Contains(t, out.Stdout, "hello-world")
	require.Equal(t, "exec_succeeded", auditedAction)
}

func TestProcessExecToolCallNonZeroExitUnsandboxedIsStillSuccess(t *testing.T) {
	runner := NewRunner(nil, nil, nil)

	out, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"false"},
		SandboxType: SandboxNone,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, 1, out.ExitCode)
}

func TestProcessExecToolCallSandboxDeniedCarriesExitCode(t *testing.T) {
	runner := NewRunner(nil, nil, nil)

	_, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"false"},
		SandboxType: SandboxMacosSeatbelt,
		Policy:      SandboxPolicy{},
	}, nil)
	var denied *sentryerr.SandboxDeniedError
	if err == nil || !errors.As(err, &denied) {
		t.Skip("sandbox-exec not available on this platform")
	}
}

func TestProcessExecToolCallTimeout(t *testing.T) {
	runner := NewRunner(nil, nil, nil)

	_, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"sleep", "5"},
		SandboxType: SandboxNone,
		TimeoutMS:   50,
	}, nil)
	require.Error(t, err)

	var timeoutErr *sentryerr.SandboxTimeoutError
	require.True(t, errors.As(err, &timeoutErr))

	out, ok := timeoutErr.Output.(*ExecToolCallOutput)
	require.True(t, ok)
	require.Equal(t, 124, out.ExitCode)
	require.True(t, out.TimedOut)
	require.Contains(t, out.Stderr, "timed out")
}

func TestProcessExecToolCallScrubsOutput(t *testing.T) {
	runner := NewRunner(fakeScrubber{secret: "supersecret"}, nil, nil)

	out, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"echo", "token=supersecret"},
		SandboxType: SandboxNone,
	}, nil)
	require.NoError(t, err)
	require.NotContains(t, out.Stdout, "supersecret")
	require.Contains(t, out.Stdout, "***")
}

func TestProcessExecToolCallStreamsDeltas(t *testing.T) {
	var deltas []OutputDelta
	runner := NewRunner(nil, nil, nil)

	_, err := runner.ProcessExecToolCall(context.Background(), ExecParams{
		Command:     []string{"echo", "line1"},
		SandboxType: SandboxNone,
	}, func(d OutputDelta) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	require.NotEmpty(t, deltas)
	require.Equal(t, "stdout", deltas[0].Stream)
}

func TestClassifyStatusSandboxDeniedExcludesCommandNotFound(t *testing.T) {
	require.Equal(t, StatusSandboxDenied, classifyStatus(true, false, 1))
	require.Equal(t, StatusSuccess, classifyStatus(true, false, 127))
	require.Equal(t, StatusSuccess, classifyStatus(true, false, 0))
	require.Equal(t, StatusSuccess, classifyStatus(false, false, 1))
	require.Equal(t, StatusTimeout, classifyStatus(true, true, 1))
}
