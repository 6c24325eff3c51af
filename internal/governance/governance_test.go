package governance

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/store"
	"azimind/internal/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAssessRiskLevels(t *testing.T) {
	low := AssessRisk(1, types.ActionPlanNext, "summarize today's notes", "manual", 0.8)
	require.Equal(t, types.RiskLow, low.RiskLevel)
	require.False(t, low.RequiresApproval)

	// One keyword alone lands in mid.
	mid := AssessRisk(2, types.ActionPlanNext, "please delete old logs", "manual", 0.8)
	require.Equal(t, types.RiskMid, mid.RiskLevel)
	require.Contains(t, mid.Reasons, "keyword:delete")

	// Keyword plus untrusted surface plus low trust crosses the high bar.
	high := AssessRisk(3, types.ActionPlanNext, "delete the staging bucket", "web_probe", 0.3)
	require.Equal(t, types.RiskHigh, high.RiskLevel)
	require.True(t, high.RequiresApproval)
	require.Contains(t, high.Reasons, "low_source_trust")
	require.Contains(t, high.Reasons, "untrusted_input_surface")
}

func TestCheckImmutableGuard(t *testing.T) {
	paths := []string{"/opt/azimind/azimind.db", "/opt/azimind/permissions.json"}

	ok := CheckImmutableGuard("rotate the access logs", paths)
	require.False(t, ok.Blocked)

	hit := CheckImmutableGuard("overwrite /opt/azimind/AZIMIND.DB with a fresh copy", paths)
	require.True(t, hit.Blocked)
	require.Equal(t, []string{"/opt/azimind/azimind.db"}, hit.Hits)
}

func TestRecordRiskGate(t *testing.T) {
	st := openTestStore(t)
	a := AssessRisk(7, types.ActionAwaitApproval, "delete production data 删除", "manual", 0.8)
	require.Equal(t, types.RiskHigh, a.RiskLevel)

	id, err := RecordRiskGate(st, a, types.ActionAwaitApproval, false)
	require.NoError(t, err)
	require.Positive(t, id)

	var level string
	var requires, approved int
	require.NoError(t, st.DB().QueryRow(
		"SELECT risk_level, requires_approval, approved FROM risk_gate WHERE id=?", id).
		Scan(&level, &requires, &approved))
	require.Equal(t, "high", level)
	require.Equal(t, 1, requires)
	require.Equal(t, 0, approved)
}

func TestEmergenceGuard(t *testing.T) {
	st := openTestStore(t)

	// Too little history: never alerts.
	for i := 0; i < 3; i++ {
		_, err := st.InsertDecision(int64(i+1), types.ActionPlanNext, "r", "s", nil)
		require.NoError(t, err)
	}
	alert, err := EmergenceGuard(st)
	require.NoError(t, err)
	require.False(t, alert.Alert)

	// Five repeats of the newest action in the last six trip the guard.
	for i := 0; i < 3; i++ {
		_, err := st.InsertDecision(int64(i+4), types.ActionPlanNext, "r", "s", nil)
		require.NoError(t, err)
	}
	alert, err = EmergenceGuard(st)
	require.NoError(t, err)
	require.True(t, alert.Alert)
	require.Equal(t, "repeated_action_loop:plan_next", alert.Reason)

	var guardCount int
	require.NoError(t, st.DB().QueryRow("SELECT COUNT(1) FROM guard_events WHERE guard_type='emergence'").Scan(&guardCount))
	require.Equal(t, 1, guardCount)
}
