package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/config"
	"azimind/internal/state"
	"azimind/internal/types"
)

func testConfig() config.LLMConfig {
	return config.LLMConfig{
		ProviderGroups: map[string][]string{
			"fast_chain":    {"fast"},
			"shallow_chain": {"shallow"},
			"medium_chain":  {"medium"},
			"deep_chain":    {"deep"},
		},
	}
}

func TestInferTaskType(t *testing.T) {
	cases := []struct {
		name   string
		action types.Action
		risk   types.RiskLevel
		ctx    RouteContext
		want   string
	}{
		{"dream event", types.ActionPlanNext, types.RiskLow,
			RouteContext{EventType: types.EventDreamRequest}, TaskDream},
		{"dream action", types.ActionEscalateDream, types.RiskLow,
			RouteContext{EventType: types.EventInput}, TaskDream},
		{"iteration event", types.ActionPlanNext, types.RiskLow,
			RouteContext{EventType: types.EventIteration}, TaskDeepReflection},
		{"deep action", types.ActionEscalateDeep, types.RiskLow,
			RouteContext{EventType: types.EventInput}, TaskDeepReflection},
		{"coding signal", types.ActionPlanNext, types.RiskLow,
			RouteContext{EventType: types.EventInput, Prompt: "fix the bug in parser"}, TaskCoding},
		{"coding signal zh", types.ActionPlanNext, types.RiskLow,
			RouteContext{EventType: types.EventInput, Prompt: "需要重构这段逻辑"}, TaskCoding},
		{"risk high", types.ActionPlanNext, types.RiskHigh,
			RouteContext{EventType: types.EventInput, Prompt: "delete staging data"}, TaskRiskControl},
		{"short stabilize", types.ActionStabilize, types.RiskLow,
			RouteContext{EventType: types.EventHealth, Prompt: "heartbeat ok"}, TaskShallowReaction},
		{"long plan", types.ActionPlanNext, types.RiskLow,
			RouteContext{EventType: types.EventInput,
				Prompt: string(make([]byte, 0)) + longPrompt(200)}, TaskAnalysis},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, InferTaskType(tc.action, tc.risk, tc.ctx))
		})
	}
}

func longPrompt(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestRouteCandidatesForTask(t *testing.T) {
	cfg := testConfig()

	got := RouteCandidatesForTask(TaskShallowReaction, cfg)
	require.Equal(t, []string{"shallow_chain", "fast_chain", "medium_chain", "deep_chain"}, got)

	got = RouteCandidatesForTask(TaskDeepReflection, cfg)
	require.Equal(t, "deep_chain", got[0])

	// Custom preferences are prepended and deduplicated.
	cfg.RoutingPolicy.TaskPreferences = map[string][]string{
		TaskAnalysis: {"fast_chain", "fast_chain", "ghost_chain"},
	}
	got = RouteCandidatesForTask(TaskAnalysis, cfg)
	require.Equal(t, []string{"fast_chain", "medium_chain", "shallow_chain", "deep_chain"}, got)

	// Wildcard applies when the task has no explicit entry.
	cfg.RoutingPolicy.TaskPreferences = map[string][]string{"*": {"deep_chain"}}
	got = RouteCandidatesForTask(TaskShallowReaction, cfg)
	require.Equal(t, "deep_chain", got[0])

	require.Equal(t, []string{"fallback-local"}, RouteCandidatesForTask(TaskAnalysis, config.LLMConfig{}))
}

func TestGroupScore(t *testing.T) {
	// No history: neutral success rate, default latency, exploration bonus.
	score := groupScore("fresh", &state.Orchestration{})
	require.InDelta(t, 0.5*0.62+(1-0.18)*0.24+0.12+0.06, score, 1e-9)

	orch := &state.Orchestration{GroupMetrics: map[string]state.GroupMetric{
		"steady": {Total: 10, Success: 9, LatencyMSEMA: 1000, CostUSDEMA: 0.001, FallbackRatio: 0.1},
	}}
	steady := groupScore("steady", orch)
	require.Greater(t, steady, score)
}

func TestChooseGroupWithMeta(t *testing.T) {
	cfg := testConfig()

	meta := ChooseGroupWithMeta(types.ActionPlanNext, types.RiskLow, config.LLMConfig{}, RouteContext{}, nil)
	require.Equal(t, "fallback-local", meta.Group)
	require.Equal(t, "no_provider_groups", meta.Reason)

	meta = ChooseGroupWithMeta(types.ActionPlanNext, types.RiskHigh, cfg,
		RouteContext{EventType: types.EventInput, Prompt: "drop table users"}, nil)
	require.Equal(t, "deep_chain", meta.Group)
	require.Equal(t, "risk_high_force_deep", meta.Reason)
	require.Equal(t, TaskRiskControl, meta.TaskType)

	orch := &state.Orchestration{GroupMetrics: map[string]state.GroupMetric{
		"medium_chain":  {Total: 20, Success: 19, LatencyMSEMA: 900, CostUSDEMA: 0.0005},
		"shallow_chain": {Total: 20, Success: 5, LatencyMSEMA: 4000, CostUSDEMA: 0.01, FallbackRatio: 0.6},
	}}
	meta = ChooseGroupWithMeta(types.ActionPlanNext, types.RiskLow, cfg,
		RouteContext{EventType: types.EventInput, Prompt: longPrompt(200)}, orch)
	require.Equal(t, "medium_chain", meta.Group)
	require.Equal(t, "task_policy+score", meta.Reason)
	require.Contains(t, meta.Scores, "shallow_chain")
}

func TestFallbackGroup(t *testing.T) {
	require.Equal(t, "shallow_chain", FallbackGroup(testConfig()))
	require.Equal(t, "fast_chain", FallbackGroup(config.LLMConfig{
		ProviderGroups: map[string][]string{"fast_chain": {}, "deep_chain": {}},
	}))
	require.Equal(t, "fallback-local", FallbackGroup(config.LLMConfig{
		ProviderGroups: map[string][]string{"deep_chain": {}},
	}))
}
