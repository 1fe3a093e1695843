package execsession

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/ocx/sentrycore/internal/sentryerr"
)

// Defaults fills in ExecCommandParams fields a caller leaves zero-valued.
// The zero Defaults value falls back to this package's built-in constants.
type Defaults struct {
	IdleTimeout   time.Duration
	GracePeriod   time.Duration
	EventRingSize int
	MaxOutputToks int
	YieldMS       int64
}

// Manager owns the set of live sessions, addressed by integer ID.
type Manager struct {
	mu       sync.Mutex
	sessions map[int]*Session
	nextID   int
	audit    AuditSink

	Defaults Defaults
}

// NewManager builds an empty Manager. audit may be nil.
func NewManager(audit AuditSink) *Manager {
	if audit == nil {
		audit = func(string, string, string, string, map[string]string) {}
	}
	return &Manager{sessions: make(map[int]*Session), audit: audit}
}

func (m *Manager) applyDefaults(params *ExecCommandParams) {
	if params.IdleTimeout == 0 {
		params.IdleTimeout = m.Defaults.IdleTimeout
	}
	if params.GracePeriod == 0 {
		params.GracePeriod = m.Defaults.GracePeriod
	}
	if params.EventRingSize == 0 {
		params.EventRingSize = m.Defaults.EventRingSize
	}
	if params.MaxOutputToks == 0 {
		params.MaxOutputToks = m.Defaults.MaxOutputToks
	}
	if params.YieldMS == 0 {
		params.YieldMS = m.Defaults.YieldMS
	}
}

// ExecCommand spawns a new session, yields for YieldMS, and returns a
// snapshot. The session keeps running after this call returns.
func (m *Manager) ExecCommand(params ExecCommandParams) (Snapshot, error) {
	m.applyDefaults(&params)

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	sess := newSession(id, params)
	if err := sess.spawn(params); err != nil {
		return Snapshot{}, fmt.Errorf("spawn session %d: %w", id, err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.audit(auditKindSandboxExec, auditActorExec, "session_started", params.Cwd, map[string]string{
		"session_id": fmt.Sprintf("%d", id),
		"command":    fmt.Sprintf("%v", params.Command),
	})

	yield(params.YieldMS)
	return sess.snapshot(params.MaxOutputToks), nil
}

// WriteStdin writes chars to the session's stdin, yields, then applies
// the embedded tail/stop-pattern policy and returns the resulting text.
func (m *Manager) WriteStdin(params WriteStdinParams) (ReadResult, error) {
	sess, err := m.get(params.SessionID)
	if err != nil {
		return ReadResult{}, err
	}

	if params.Chars != "" {
		sess.mu.Lock()
		state := sess.state
		sess.mu.Unlock()
		if state == Terminated {
			return ReadResult{}, &sentryerr.SessionTerminatedError{SessionID: params.SessionID}
		}
		if err := sess.writeStdin(params.Chars); err != nil {
			return ReadResult{}, fmt.Errorf("write stdin to session %d: %w", params.SessionID, err)
		}
	}

	yield(params.YieldMS)

	if params.ResetCursor {
		sess.stdout.resetCursor()
	}

	lines := m.selectLines(sess, params.ReadPolicy)

	text := joinLines(lines)
	hit := false
	if params.StopPattern != nil {
		text, hit = sess.applyStopPattern(lines, params.StopPattern, params.StopPatternCut, params.StopPatternLabelTail)
	}
	if params.SmartCompress {
		text = joinLines(smartCompress(splitLines(text)))
	}

	return ReadResult{Text: text, StopPatternHit: hit, CursorLine: sess.stdout.lineCount()}, nil
}

func (m *Manager) selectLines(sess *Session, policy ReadPolicy) []string {
	switch {
	case policy.All:
		return sess.stdout.all()
	case policy.TailLines > 0:
		return sess.stdout.lastLines(policy.TailLines)
	case policy.HasRange:
		return sess.stdout.rangeLines(policy.FromLine, policy.ToLine)
	case policy.SinceByte != nil:
		return sess.stdout.sinceByte(*policy.SinceByte)
	default:
		lines, _ := sess.stdout.readCursor()
		return lines
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// ExecControl applies a control action to a session.
func (m *Manager) ExecControl(sessionID int, action ControlAction) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}

	switch action.Kind {
	case "keepalive":
		sess.touch()
		if action.ExtendTimeoutMS > 0 {
			sess.mu.Lock()
			if !sess.hardDeadline.IsZero() {
				sess.hardDeadline = sess.hardDeadline.Add(time.Duration(action.ExtendTimeoutMS) * time.Millisecond)
			}
			sess.mu.Unlock()
		}
	case "send_ctrl_c":
		sess.mu.Lock()
		cmd := sess.cmd
		sess.mu.Unlock()
		return sendCtrlC(cmd)
	case "terminate":
		sess.enterGrace(EventStateTransition, "terminate requested")
	case "force_kill":
		err := sess.forceKillLocked()
		sess.events.append(EventForceKilled, "force_kill requested")
		return err
	case "set_idle_timeout":
		sess.mu.Lock()
		sess.idleTimeout = time.Duration(action.IdleTimeoutMS) * time.Millisecond
		sess.mu.Unlock()
	case "watch":
		return m.addWatch(sess, action)
	case "unwatch":
		sess.mu.Lock()
		delete(sess.watches, action.WatchPattern)
		sess.mu.Unlock()
	default:
		return fmt.Errorf("unknown exec_control action %q", action.Kind)
	}
	return nil
}

func (m *Manager) addWatch(sess *Session, action ControlAction) error {
	re, err := regexp.Compile(action.WatchPattern)
	if err != nil {
		return fmt.Errorf("compile watch pattern: %w", err)
	}
	cooldown := time.Duration(action.CooldownMS) * time.Millisecond
	if cooldown == 0 && action.Persist {
		cooldown = DefaultWatchCooldown
	}
	autoSendCtrlC := action.Persist
	if action.AutoSendCtrlC != nil {
		autoSendCtrlC = *action.AutoSendCtrlC
	}
	sess.mu.Lock()
	sess.watches[action.WatchPattern] = &Watch{
		Pattern:       re,
		Action:        action.WatchAction,
		Persist:       action.Persist,
		Cooldown:      cooldown,
		AutoSendCtrlC: autoSendCtrlC,
	}
	sess.mu.Unlock()
	return nil
}

// ListSessions returns summaries for sessions matching the filter.
func (m *Manager) ListSessions(filter ListFilter) []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var out []Snapshot
	for _, s := range sessions {
		s.mu.Lock()
		state := s.state
		launched := s.LaunchedAt
		s.mu.Unlock()

		if filter.State != "" && state != filter.State {
			continue
		}
		if filter.SinceMS > 0 && time.Since(launched) > time.Duration(filter.SinceMS)*time.Millisecond {
			continue
		}
		out = append(out, s.snapshot(0))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// GetSessionEvents returns events newer than sinceID, oldest first,
// capped at limit (0 = unbounded).
func (m *Manager) GetSessionEvents(sessionID int, sinceID int64, limit int) ([]Event, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.events.since(sinceID, limit), nil
}

func (m *Manager) get(sessionID int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, &sentryerr.SessionNotFoundError{SessionID: sessionID}
	}
	return sess, nil
}

func yield(ms int64) {
	if ms <= 0 {
		return
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
