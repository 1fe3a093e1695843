package execsession

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecCommandYieldsAndSnapshots(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"sh", "-c", "printf 'hello\\nworld\\n'; sleep 5"},
		YieldMS: 50,
	})
	require.NoError(t, err)
	require.Equal(t, Running, snap.State)
	require.Contains(t, snap.InlineOutput, "hello")
}

func TestWriteStdinEchoesBack(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"cat"},
		YieldMS: 20,
	})
	require.NoError(t, err)

	res, err := m.WriteStdin(WriteStdinParams{
		SessionID: snap.SessionID,
		Chars:     "ping\n",
		YieldMS:   50,
		ReadPolicy: ReadPolicy{
			All: true,
		},
	})
	require.NoError(t, err)
	require.Contains(t, res.Text, "ping")
}

func TestWriteStdinIncrementalCursorAdvances(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"cat"},
		YieldMS: 20,
	})
	require.NoError(t, err)

	first, err := m.WriteStdin(WriteStdinParams{
		SessionID: snap.SessionID,
		Chars:     "one\n",
		YieldMS:   50,
	})
	require.NoError(t, err)
	require.Contains(t, first.Text, "one")

	second, err := m.WriteStdin(WriteStdinParams{
		SessionID: snap.SessionID,
		Chars:     "two\n",
		YieldMS:   50,
	})
	require.NoError(t, err)
	require.NotContains(t, second.Text, "one")
	require.Contains(t, second.Text, "two")
}

func TestStopPatternSendsCtrlCAndCuts(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"printf", "alpha\nstop-here\nbeta\n"},
		YieldMS: 50,
	})
	require.NoError(t, err)

	res, err := m.WriteStdin(WriteStdinParams{
		SessionID: snap.SessionID,
		YieldMS:   20,
		ReadPolicy: ReadPolicy{
			All:                  true,
			StopPattern:          regexp.MustCompile(`stop-here`),
			StopPatternCut:       true,
			StopPatternLabelTail: true,
		},
	})
	require.NoError(t, err)
	require.True(t, res.StopPatternHit)
	require.Contains(t, res.Text, "stop-here")
	require.NotContains(t, res.Text, "beta")
	require.Contains(t, res.Text, "elided")
}

func TestWatchFiresOnceWhenNotPersistent(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"sh", "-c", "sleep 0.2; echo boom; sleep 0.2; echo boom; sleep 0.2; echo boom"},
		YieldMS: 20,
	})
	require.NoError(t, err)

	err = m.ExecControl(snap.SessionID, ControlAction{
		Kind:         "watch",
		WatchPattern: "boom",
		WatchAction:  WatchLog,
		Persist:      false,
	})
	require.NoError(t, err)

	time.Sleep(900 * time.Millisecond)

	events, err := m.GetSessionEvents(snap.SessionID, 0, 0)
	require.NoError(t, err)

	hits := 0
	for _, ev := range events {
		if ev.Kind == EventWatcherTriggered {
			hits++
		}
	}
	require.Equal(t, 1, hits)
}

func TestForceKillTerminatesSession(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"sleep", "5"},
		YieldMS: 20,
	})
	require.NoError(t, err)

	require.NoError(t, m.ExecControl(snap.SessionID, ControlAction{Kind: "force_kill"}))
	time.Sleep(100 * time.Millisecond)

	listed := m.ListSessions(ListFilter{})
	var found *Snapshot
	for i := range listed {
		if listed[i].SessionID == snap.SessionID {
			found = &listed[i]
		}
	}
	require.NotNil(t, found)
	require.Equal(t, Terminated, found.State)
}

func TestWriteStdinRejectsTerminatedSession(t *testing.T) {
	m := NewManager(nil)
	snap, err := m.ExecCommand(ExecCommandParams{
		Command: []string{"true"},
		YieldMS: 50,
	})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	_, err = m.WriteStdin(WriteStdinParams{SessionID: snap.SessionID, Chars: "x"})
	require.Error(t, err)
}

func TestSmartCompressCollapsesDuplicatesAndSequences(t *testing.T) {
	lines := []string{"same", "same", "same", "1", "2", "3", "4", "tail"}
	out := smartCompress(lines)
	require.Len(t, out, 3)
	require.Contains(t, out[0], "x3")
	require.Contains(t, out[1], "1..4")
	require.Equal(t, "tail", out[2])
}

func TestListSessionsFiltersByState(t *testing.T) {
	m := NewManager(nil)
	_, err := m.ExecCommand(ExecCommandParams{Command: []string{"sleep", "5"}, YieldMS: 10})
	require.NoError(t, err)

	running := m.ListSessions(ListFilter{State: Running})
	require.NotEmpty(t, running)
	for _, s := range running {
		require.Equal(t, Running, s.State)
	}
}

func TestGetSessionEventsUnknownSessionErrors(t *testing.T) {
	m := NewManager(nil)
	_, err := m.GetSessionEvents(9999, 0, 0)
	require.Error(t, err)
}
