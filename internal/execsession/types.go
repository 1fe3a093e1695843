// Package execsession manages long-lived interactive child processes
// addressed by integer session ID: idle/hard timeouts, watch and
// stop-pattern evaluation on stdout, and cursor-based output reads,
// with a bounded ring buffer backing the per-session event log.
package execsession

import (
	"regexp"
	"time"
)

// State is a session's position in its Running -> Grace -> Terminated
// lifecycle.
type State string

const (
	Running    State = "running"
	Grace      State = "grace"
	Terminated State = "terminated"
)

// EventKind classifies one entry in a session's event ring buffer.
type EventKind string

const (
	EventStateTransition EventKind = "state_transition"
	EventWatcherTriggered EventKind = "watcher_triggered"
	EventStopPatternHit  EventKind = "stop_pattern_hit"
	EventIdleTimeout     EventKind = "idle_timeout"
	EventHardDeadline    EventKind = "hard_deadline"
	EventForceKilled     EventKind = "force_killed"
	EventExited          EventKind = "exited"
)

// Event is one entry in a session's bounded event ring buffer.
type Event struct {
	Seq    int64
	Kind   EventKind
	At     time.Time
	Detail string
}

// DefaultEventRingSize bounds the number of events retained per session.
const DefaultEventRingSize = 500

// WatchAction is what a watcher does when its pattern matches a new line.
type WatchAction string

const (
	WatchLog         WatchAction = "log"
	WatchSendCtrlC   WatchAction = "send_ctrl_c"
	WatchForceKill   WatchAction = "force_kill"
)

// DefaultWatchCooldown is applied to persistent watchers that don't set
// their own CooldownMS.
const DefaultWatchCooldown = 1000 * time.Millisecond

// Watch is a registered stdout-line pattern with an action to take on
// match, keyed by its pattern string for add/remove.
type Watch struct {
	Pattern       *regexp.Regexp
	Action        WatchAction
	Persist       bool
	Cooldown      time.Duration
	AutoSendCtrlC bool
	LastMatch     time.Time
	fired         bool
}

// DefaultIdleTimeout and DefaultGracePeriod match a conservative
// interactive-shell session: plenty of idle time, a short grace window
// before a stuck child is force-killed.
const (
	DefaultIdleTimeout = 10 * time.Minute
	DefaultGracePeriod = 3 * time.Second
)

// AuditSink receives execsession audit events without this package
// importing the ledger package directly.
type AuditSink func(kind, actor, action, resource string, metadata map[string]string)

// auditKindSandboxExec and auditActorExec mirror internal/sandboxexec's
// constants: a session is a long-lived exec, so its audit events belong to
// the same sandbox_exec/core:exec family rather than a session-specific one.
const (
	auditKindSandboxExec = "sandbox_exec"
	auditActorExec       = "core:exec"
)

// ExecCommandParams starts a new session.
type ExecCommandParams struct {
	Command       []string
	Cwd           string
	Env           map[string]string
	YieldMS       int64
	MaxOutputToks int
	IdleTimeout   time.Duration
	HardDeadline  time.Duration
	GracePeriod   time.Duration
	EventRingSize int
}

// ReadPolicy selects which slice of a session's output log a read
// returns.
type ReadPolicy struct {
	All                  bool
	TailLines            int
	FromLine, ToLine      int
	HasRange             bool
	SinceByte            *int64
	ResetCursor          bool
	SmartCompress        bool
	StopPattern          *regexp.Regexp
	StopPatternCut       bool
	StopPatternLabelTail bool
}

// WriteStdinParams writes to a session's stdin and then reads back
// output per the embedded ReadPolicy.
type WriteStdinParams struct {
	SessionID int
	Chars     string
	YieldMS   int64
	ReadPolicy
}

// ReadResult is the output of a tail read, plus whether a stop pattern
// fired during this call.
type ReadResult struct {
	Text            string
	StopPatternHit  bool
	CursorLine      int
}

// Snapshot is the state returned by exec_command and list_sessions.
type Snapshot struct {
	SessionID    int
	State        State
	Command      []string
	LaunchedAt   time.Time
	InlineOutput string
	LastLines    []string
}

// ControlAction is the payload for exec_control.
type ControlAction struct {
	Kind            string // keepalive|send_ctrl_c|terminate|force_kill|set_idle_timeout|watch|unwatch
	ExtendTimeoutMS int64
	IdleTimeoutMS   int64
	WatchPattern    string
	WatchAction     WatchAction
	Persist         bool
	CooldownMS      int64
	AutoSendCtrlC   *bool
}

// ListFilter narrows list_sessions.
type ListFilter struct {
	State   State
	Limit   int
	SinceMS int64
}
