// Package sentryerr holds the typed errors shared across sentrycore's
// trust, execution, and resilience packages. Most packages return plain
// wrapped errors for input/usage failures; this package exists only for
// the categories callers need to branch on with errors.As.
package sentryerr

import "fmt"

// PersonaDeniedError is returned when RBAC or a local guard precondition
// rejects an action before any state mutation happens.
type PersonaDeniedError struct {
	Persona  string
	ActionID string
	Reason   string
}

func (e *PersonaDeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("persona %q denied action %q: %s", e.Persona, e.ActionID, e.Reason)
	}
	return fmt.Sprintf("persona %q denied action %q", e.Persona, e.ActionID)
}

// SandboxTimeoutError carries the full captured output of a child process
// that was killed for exceeding its timeout.
type SandboxTimeoutError struct {
	TimeoutMS int64
	Output    any
}

func (e *SandboxTimeoutError) Error() string {
	return fmt.Sprintf("exec timed out after %dms", e.TimeoutMS)
}

// SandboxDeniedError carries the full captured output of a child process
// that the sandbox refused to run to completion.
type SandboxDeniedError struct {
	ExitCode int
	Output   any
}

func (e *SandboxDeniedError) Error() string {
	return fmt.Sprintf("sandbox denied execution (exit code %d)", e.ExitCode)
}

// SandboxSignalError is returned when the child was killed by a signal the
// resource-shield classifier does not recognize as a benign rlimit trip.
type SandboxSignalError struct {
	Signal int
}

func (e *SandboxSignalError) Error() string {
	return fmt.Sprintf("process terminated by unhandled signal %d", e.Signal)
}

// VerifyError describes why a knowledge-pack bundle failed verification.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "bundle verification failed: " + e.Reason
}

func NewVerifyError(reason string) error { return &VerifyError{Reason: reason} }

// StaleSignatureError is returned when a signed-command envelope's
// signed_at falls outside the acceptable freshness window.
type StaleSignatureError struct {
	Reason string
}

func (e *StaleSignatureError) Error() string {
	return "stale signed command: " + e.Reason
}

// InvalidVersionError is returned when a knowledge-pack version string is
// not valid semver.
type InvalidVersionError struct {
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid semver version %q", e.Version)
}

// VersionExistsError is returned by install when the target version
// already exists and the caller did not pass force=true, and by sign when
// that version was already signed.
type VersionExistsError struct {
	Name    string
	Version string
}

func (e *VersionExistsError) Error() string {
	return fmt.Sprintf("pack %q version %q already installed (use force to overwrite)", e.Name, e.Version)
}

// MissingVersionError is returned by rollback when the target version
// directory does not exist.
type MissingVersionError struct {
	Name    string
	Version string
}

func (e *MissingVersionError) Error() string {
	return fmt.Sprintf("pack %q has no installed version %q", e.Name, e.Version)
}

// SessionNotFoundError is returned when an operation names a session ID
// the manager no longer holds.
type SessionNotFoundError struct {
	SessionID int
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %d not found", e.SessionID)
}

// SessionTerminatedError is returned when an operation that requires a
// live child (write_stdin, send_ctrl_c, ...) targets a session that has
// already reached the Terminated state.
type SessionTerminatedError struct {
	SessionID int
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("session %d is terminated", e.SessionID)
}
