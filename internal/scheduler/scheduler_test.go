package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"azimind/internal/state"
	"azimind/internal/store"
	"azimind/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "azimind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(dir, st), st, dir
}

func TestComputeBrainEventBudgetNormal(t *testing.T) {
	rs := state.Default()
	got := ComputeBrainEventBudget(rs, 12)
	require.Equal(t, 12, got)
	require.Equal(t, "normal", rs.Stability.LastBudgetReason)
	require.Equal(t, 0, rs.Stability.DegradedCycles)
	require.Equal(t, 12, rs.Stability.RequestedBrainEvents)
	require.Equal(t, 12, rs.Stability.EffectiveBrainEvents)
}

func TestComputeBrainEventBudgetCompresses(t *testing.T) {
	rs := state.Default()
	rs.Stress = 0.9
	rs.Energy = 0.1

	// 12 * 0.45 * 0.6 = 3.24, rounded down to 3.
	got := ComputeBrainEventBudget(rs, 12)
	require.Equal(t, 3, got)
	require.Equal(t, "stress_high,energy_low", rs.Stability.LastBudgetReason)
	require.Equal(t, 1, rs.Stability.DegradedCycles)
}

func TestComputeBrainEventBudgetDegradedMode(t *testing.T) {
	rs := state.Default()
	rs.Stability.Mode = "degraded"
	rs.Uncertainty = 0.8
	rs.Continuity = 0.25

	// 12 * 0.8 * 0.8 * 0.8 = 6.144 -> 6.
	got := ComputeBrainEventBudget(rs, 12)
	require.Equal(t, 6, got)
	require.Equal(t, "uncertainty_high,continuity_low,degraded_mode", rs.Stability.LastBudgetReason)
}

func TestComputeBrainEventBudgetClampsRequested(t *testing.T) {
	rs := state.Default()
	require.Equal(t, 1, ComputeBrainEventBudget(rs, 0))
	require.Equal(t, 200, ComputeBrainEventBudget(rs, 5000))
}

func TestComputeWorkerEventBudgetAppendsReason(t *testing.T) {
	rs := state.Default()
	rs.Stress = 0.9
	ComputeBrainEventBudget(rs, 12)
	require.Equal(t, "stress_high", rs.Stability.LastBudgetReason)

	// 6 * 0.6 = 3.6 -> 4.
	got := ComputeWorkerEventBudget(rs, 6)
	require.Equal(t, 4, got)
	require.Equal(t, "stress_high|worker_stress_high", rs.Stability.LastBudgetReason)
	require.Equal(t, 6, rs.Stability.RequestedWorkerEvents)
	require.Equal(t, 4, rs.Stability.EffectiveWorkerEvents)
}

func TestRunOnceDrivesBothTracks(t *testing.T) {
	s, st, dir := newTestScheduler(t)
	s.Brain().ForceDeep = true

	_, err := st.AppendEvent("manual", types.EventInput, "tighten retrieval ranking", nil)
	require.NoError(t, err)

	handled, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	// One brain event plus the deep escalation it enqueued.
	require.Equal(t, 2, handled)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	require.Equal(t, types.ActionDeepPublish, decisions[0].Action)
	require.Equal(t, types.ActionEscalateDeep, decisions[1].Action)

	// The state file is persisted after each pass.
	rs := state.Load(filepath.Join(dir, "runtime_state.json"))
	require.Equal(t, 1, rs.Cycle)
	require.Equal(t, "normal", rs.Stability.LastBudgetReason)
}

func TestRunOnceEmptyLogIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	handled, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, handled)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, st, _ := newTestScheduler(t)
	s.BrainInterval = 20 * time.Millisecond
	s.WorkerInterval = 20 * time.Millisecond

	_, err := st.AppendEvent("manual", types.EventInput, "loop smoke probe", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		decisions, err := st.RecentDecisions(1)
		return err == nil && len(decisions) == 1
	}, 3*time.Second, 25*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
