package diagnose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/state"
)

func TestFromRuntimeProjection(t *testing.T) {
	rs := state.Default()
	s := FromRuntime(rs)
	require.Equal(t, ChangeSymptom, s.D4Change)
	require.Equal(t, PhasePeak, s.D5CyclePhase)
	require.Equal(t, 1.6, s.D1Quantity)
	require.Equal(t, "operator", s.D7RoleID)
	require.Empty(t, s.D10HaltConditions)

	rs.Stress = 0.8
	rs.Continuity = 0.2
	rs.Uncertainty = 0.96
	s = FromRuntime(rs)
	require.Equal(t, ChangeTransform, s.D4Change)
	require.Equal(t, PhaseTrough, s.D5CyclePhase)
	require.True(t, s.D4ApproachingThreshold)
	require.InDelta(t, 1.16, s.D6Kappa[ChannelFire], 1e-9)
	require.Equal(t, []string{"no_new_actionability"}, s.D10HaltConditions)

	rs.Stress = 0.3
	rs.Uncertainty = 0.65
	s = FromRuntime(rs)
	require.Equal(t, ChangeRoot, s.D4Change)
}

func TestDiagnoseFullPipeline(t *testing.T) {
	res := Diagnose("系统性能下降，缓存命中率走低", FromRuntime(state.Default()))
	require.Contains(t, res.State, "d4")
	require.Contains(t, res.State, "d8")
	require.False(t, res.Halt.Triggered)
	require.NotEmpty(t, res.ActionableAdvice)
	require.Contains(t, res.Diagnosis, "4D:")
	require.Contains(t, res.Diagnosis, "8D:")

	vars := res.State["d4"]["key_variables"].([]string)
	require.Contains(t, vars, "延迟与吞吐")
	require.Contains(t, vars, "上下文缓存命中")
}

func TestDiagnoseHaltKeyword(t *testing.T) {
	res := Diagnose("进入无限递归状态", FromRuntime(state.Default()))
	require.True(t, res.Halt.Triggered)
	require.Equal(t, "keyword:无限递归", res.Halt.Reason)
}

func TestDiagnoseStopsAtUndefinedRole(t *testing.T) {
	s := FromRuntime(state.Default())
	s.D7RoleID = ""
	res := Diagnose("常规巡检", s)
	require.Contains(t, res.State, "d7")
	require.NotContains(t, res.State, "d8")

	// 7D advice is present even when the stage fails.
	found := false
	for _, a := range res.ActionableAdvice {
		if strings.HasPrefix(a, "[7D]") {
			found = true
		}
	}
	require.True(t, found)
}

func TestEnsureActionableBackfills6D(t *testing.T) {
	dimension := map[string]map[string]any{
		"d6": {"low_cost_paths": []string{"W", "E"}},
	}
	out := ensureActionable([]string{"[4D] something"}, dimension)
	require.Len(t, out, 2)
	require.Contains(t, out[1], "[6D]")
	require.Contains(t, out[1], "W")
}
