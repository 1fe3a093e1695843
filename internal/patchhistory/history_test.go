package patchhistory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastOnEmptyStore(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "apply_patch_history.json"))
	_, ok, err := s.Last()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordThenLast(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "apply_patch_history.json"))
	require.NoError(t, s.Record(Entry{Patch: "--- a.txt\n+++ a.txt\n", Files: []string{"a.txt"}}))

	entry, ok, err := s.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a.txt"}, entry.Files)
	require.False(t, entry.AppliedAt.IsZero())
}

func TestRecordReplacesPreviousEntry(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "apply_patch_history.json"))
	require.NoError(t, s.Record(Entry{Patch: "first", Files: []string{"a.txt"}}))
	require.NoError(t, s.Record(Entry{Patch: "second", Files: []string{"b.txt"}}))

	entry, ok, err := s.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", entry.Patch)
}

func TestTakeConsumesHistory(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "apply_patch_history.json"))
	require.NoError(t, s.Record(Entry{Patch: "p"}))

	entry, ok, err := s.Take()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p", entry.Patch)

	_, ok, err = s.Take()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHistorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apply_patch_history.json")
	require.NoError(t, New(path).Record(Entry{Patch: "durable"}))

	entry, ok, err := New(path).Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "durable", entry.Patch)
}
