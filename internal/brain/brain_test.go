package brain

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/diagnose"
	"azimind/internal/state"
	"azimind/internal/store"
	"azimind/internal/types"
)

func diagnoseFor(t *testing.T, text string) diagnose.Result {
	t.Helper()
	return diagnose.Diagnose(text, diagnose.FromRuntime(state.Default()))
}

func newTestRunner(t *testing.T) (*Runner, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "azimind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(dir, st), st, dir
}

func TestRunOnceHandlesPlainInput(t *testing.T) {
	r, st, _ := newTestRunner(t)
	rs := state.Default()

	id, err := st.AppendEvent("manual", types.EventInput, "系统性能下降，需要分析缓存命中率", nil)
	require.NoError(t, err)

	handled, err := r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	// Flag set for the brain track only.
	pending, err := st.FetchPendingBrain(12)
	require.NoError(t, err)
	require.Empty(t, pending)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, types.ActionPlanNext, decisions[0].Action)
	require.Equal(t, id, decisions[0].EventID)
	require.NotEmpty(t, decisions[0].Summary)

	windows, err := st.RecentCommitWindows(5)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, types.CommitCommitted, windows[0].Status)
	require.Equal(t, int64(0), windows[0].BaseVersion)

	version, err := st.StateVersion()
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	require.Equal(t, int64(1), rs.MVCCVersion)

	require.Equal(t, 1, rs.Cycle)
	require.Equal(t, "plan_next", rs.LastAction)
	require.Equal(t, id, rs.LastEventID)
	require.InDelta(t, 0.77, rs.Energy, 1e-9)

	// Contracts and protocol rows published for the event.
	planRow, err := st.LatestContract("plan")
	require.NoError(t, err)
	require.Contains(t, planRow, "analyze_event")
	dispatchRow, err := st.LatestContract("dispatch_plan")
	require.NoError(t, err)
	require.Contains(t, dispatchRow, "hub_prompt")
	flows, err := st.RecentProtocolFlows(5)
	require.NoError(t, err)
	require.Len(t, flows, 3)
}

func TestRunOnceEscalatesDeepRequest(t *testing.T) {
	r, st, _ := newTestRunner(t)
	rs := state.Default()

	_, err := st.AppendEvent("brain-loop", types.EventDeepRequest, "deep request: 排查内存泄漏", nil)
	require.NoError(t, err)

	handled, err := r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)
	require.Equal(t, 1, handled)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Equal(t, types.ActionEscalateDeep, decisions[0].Action)

	// A deep_request event never re-enqueues another deep request.
	maxID, err := st.MaxEventID()
	require.NoError(t, err)
	require.Equal(t, int64(1), maxID)

	// Escalation costs extra energy and stress.
	require.InDelta(t, 0.74, rs.Energy, 1e-9)
	require.InDelta(t, 0.25, rs.Stress, 1e-9)
}

func TestRunOnceForceDeepEnqueuesFollowup(t *testing.T) {
	r, st, _ := newTestRunner(t)
	r.ForceDeep = true
	rs := state.Default()

	id, err := st.AppendEvent("manual", types.EventInput, "review rollout plan", nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)

	follow, err := st.FetchPendingWorker(5)
	require.NoError(t, err)
	require.Len(t, follow, 1)
	require.Equal(t, types.EventDeepRequest, follow[0].EventType)
	require.Contains(t, follow[0].Content, "deep request from event 1")
	require.Equal(t, float64(id), follow[0].Meta["parent_event_id"])
}

func TestRunOnceHighRiskAwaitsApproval(t *testing.T) {
	r, st, _ := newTestRunner(t)
	rs := state.Default()

	_, err := st.AppendEvent("web-probe", types.EventInput, "delete production data and 删除备份", nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Equal(t, types.ActionAwaitApproval, decisions[0].Action)
	require.Equal(t, "high-risk action pending approval", decisions[0].Summary)

	// A risk event is enqueued for the operator.
	detail, err := st.LatestEventDetail([]string{types.EventRisk}, "risk-gate", "", 20)
	require.NoError(t, err)
	require.NotNil(t, detail)
	require.Contains(t, detail.Content, "approval required for event 1")

	approvalRow, err := st.LatestContract("approval")
	require.NoError(t, err)
	require.Contains(t, approvalRow, `"decision":"reject"`)
}

func TestRunOnceApprovalOverrideUnlocks(t *testing.T) {
	r, st, dir := newTestRunner(t)
	rs := state.Default()

	id, err := st.AppendEvent("manual", types.EventInput, "delete production data and 删除备份", nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "resident_output"), 0o755))
	approvals, err := json.Marshal(map[string]any{"approved_event_ids": []int64{id}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resident_output", "approvals.json"), approvals, 0o644))

	_, err = r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Equal(t, types.ActionPlanNext, decisions[0].Action)

	approvalRow, err := st.LatestContract("approval")
	require.NoError(t, err)
	require.Contains(t, approvalRow, `"decision":"approve"`)
}

func TestRunOnceImmutableGuardHalts(t *testing.T) {
	r, st, dir := newTestRunner(t)
	rs := state.Default()

	content := "please overwrite " + filepath.Join(dir, "azimind.db") + " with a fresh copy"
	_, err := st.AppendEvent("manual", types.EventInput, content, nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Equal(t, types.ActionHaltAndFallback, decisions[0].Action)

	var count int
	require.NoError(t, st.DB().QueryRow(
		`SELECT COUNT(*) FROM guard_events WHERE guard_type = 'immutable'`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRunOnceHealthStabilizes(t *testing.T) {
	r, st, _ := newTestRunner(t)
	rs := state.Default()

	_, err := st.AppendEvent("health-monitor", types.EventHealth, "heartbeat ok", nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background(), rs, 12)
	require.NoError(t, err)

	decisions, err := st.RecentDecisions(5)
	require.NoError(t, err)
	require.Equal(t, types.ActionStabilize, decisions[0].Action)
	// Stabilize relaxes stress below the plain-cycle baseline.
	require.Less(t, rs.Stress, 0.22)
}

func TestChooseAction(t *testing.T) {
	res := diagnoseFor(t, "正常输入")
	require.Equal(t, types.ActionPlanNext, chooseAction(res, types.EventInput, false, nil))
	require.Equal(t, types.ActionEscalateDeep, chooseAction(res, types.EventIteration, false, nil))
	require.Equal(t, types.ActionEscalateDream, chooseAction(res, types.EventDreamRequest, false, nil))
	require.Equal(t, types.ActionEscalateDream, chooseAction(res, types.EventInput, false, map[string]any{"mode": "dream"}))
	require.Equal(t, types.ActionStabilize, chooseAction(res, types.EventHealth, false, nil))
	require.Equal(t, types.ActionEscalateDeep, chooseAction(res, types.EventInput, true, nil))

	halted := diagnoseFor(t, "进入无限递归")
	require.Equal(t, types.ActionHaltAndFallback, chooseAction(halted, types.EventInput, false, nil))
}
