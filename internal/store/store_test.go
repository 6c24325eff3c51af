package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndFetchPending(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.AppendEvent("manual", types.EventInput, "hello", map[string]any{"k": "v"})
	require.NoError(t, err)
	id2, err := s.AppendEvent("brain", types.EventDeepRequest, "go deeper", nil)
	require.NoError(t, err)
	// Trace events belong to neither track's pending set.
	_, err = s.AppendEvent("brain", types.EventTrace, "trace", nil)
	require.NoError(t, err)

	brain, err := s.FetchPendingBrain(10)
	require.NoError(t, err)
	require.Len(t, brain, 2)
	require.Equal(t, id1, brain[0].ID)
	require.Equal(t, "v", brain[0].Meta["k"])

	worker, err := s.FetchPendingWorker(10)
	require.NoError(t, err)
	require.Len(t, worker, 1)
	require.Equal(t, id2, worker[0].ID)

	// Each track's flag is independent.
	require.NoError(t, s.MarkBrainDone(id2))
	brain, err = s.FetchPendingBrain(10)
	require.NoError(t, err)
	require.Len(t, brain, 1)
	worker, err = s.FetchPendingWorker(10)
	require.NoError(t, err)
	require.Len(t, worker, 1)

	require.NoError(t, s.MarkWorkerDone(id2))
	worker, err = s.FetchPendingWorker(10)
	require.NoError(t, err)
	require.Empty(t, worker)
}

func TestCASVersioning(t *testing.T) {
	s := openTestStore(t)

	v, err := s.StateVersion()
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	ok, current, err := s.AdvanceStateVersion(0, "brain", "cycle commit")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), current)

	// Stale expectation fails but reports the winning version.
	ok, current, err = s.AdvanceStateVersion(0, "worker", "late commit")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), current)

	require.NoError(t, s.RecordCommitWindow(5, "worker", 0, 1, types.CommitDriftRace, "lost the race"))
	windows, err := s.RecentCommitWindows(10)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, types.CommitDriftRace, windows[0].Status)
	require.Equal(t, int64(5), windows[0].EventID)
}

func TestDecisionAndRouteRecords(t *testing.T) {
	s := openTestStore(t)

	eventID, err := s.AppendEvent("manual", types.EventInput, "check disk", nil)
	require.NoError(t, err)

	_, err = s.InsertDecision(eventID, types.ActionPlanNext, "default", "next step: inspect", map[string]any{"risk": "low"})
	require.NoError(t, err)
	_, err = s.InsertProviderRoute(eventID, types.ActionPlanNext, "medium_chain", map[string]any{"provider": "openai"})
	require.NoError(t, err)
	_, err = s.InsertContract(eventID, "dispatch_plan", `{"schema_version":"cos.v0.1"}`)
	require.NoError(t, err)
	_, err = s.InsertProtocolFlow(eventID, "task", `{"task_id":"task-1"}`)
	require.NoError(t, err)

	decisions, err := s.RecentDecisions(5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, types.ActionPlanNext, decisions[0].Action)
	require.Equal(t, "low", decisions[0].Meta["risk"])

	payload, err := s.LatestContract("dispatch_plan")
	require.NoError(t, err)
	require.Contains(t, payload, "cos.v0.1")

	flows, err := s.RecentProtocolFlows(5)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	require.Equal(t, "task", flows[0]["kind"])
}

func TestEventLines(t *testing.T) {
	s := openTestStore(t)

	line, err := s.LatestEventLine(types.EventDream)
	require.NoError(t, err)
	require.Equal(t, "-", line)

	_, err = s.AppendEvent("dream-worker", types.EventDream, "first\nline", nil)
	require.NoError(t, err)
	_, err = s.AppendEvent("dream-worker", types.EventDream, "second", nil)
	require.NoError(t, err)

	line, err = s.LatestEventLine(types.EventDream)
	require.NoError(t, err)
	require.Contains(t, line, "second")

	lines, err := s.RecentEventLines(types.EventDream, 4)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	// Oldest first, newlines flattened.
	require.Contains(t, lines[0], "first line")
}

func TestLatestEventDetailFilters(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendEvent("web_probe", types.EventWebProbe, "weather sunny", nil)
	require.NoError(t, err)
	_, err = s.AppendEvent("social", types.EventSocial, "weather rainy", nil)
	require.NoError(t, err)

	got, err := s.LatestEventDetail([]string{types.EventWebProbe, types.EventSocial}, "web_probe", "weather", 50)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "weather sunny", got.Content)

	got, err = s.LatestEventDetail([]string{types.EventWebProbe}, "", "snow", 50)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestQuarantineMalformedDB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file, definitely"), 0644))

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AppendEvent("manual", types.EventInput, "after recovery", nil)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	quarantined := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt_") {
			quarantined = true
		}
	}
	require.True(t, quarantined, "expected a quarantined copy of the malformed file")
}

func TestGCTrimsOldestRows(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 10; i++ {
		_, err := s.AppendEvent("manual", types.EventInput, "row", nil)
		require.NoError(t, err)
	}
	// Under threshold: nothing removed.
	require.NoError(t, s.GC())
	max, err := s.MaxEventID()
	require.NoError(t, err)
	require.Equal(t, int64(10), max)
}
