// Package routing infers a task type for each event, picks a provider group
// from the scoreboard, and invokes providers (OpenAI-compatible HTTP, zhipu,
// or gemini) with a deterministic local fallback.
package routing

import (
	"strings"

	"azimind/internal/config"
	"azimind/internal/state"
	"azimind/internal/types"
)

// Task types the router distinguishes.
const (
	TaskDream           = "dream"
	TaskDeepReflection  = "deep_reflection"
	TaskCoding          = "coding"
	TaskRiskControl     = "risk_control"
	TaskShallowReaction = "shallow_reaction"
	TaskAnalysis        = "analysis"
)

var codingSignals = []string{
	"code", "patch", "refactor", "bug", "test", "pytest", "traceback",
	".py", "函数", "重构", "修复", "测试", "代码",
}

// RouteContext carries the event fields that influence task inference.
type RouteContext struct {
	EventType string
	Prompt    string
	Objective string
}

// InferTaskType classifies the work implied by an action and its context.
// The cascade is ordered: escalations first, then coding signals, risk,
// and finally prompt length.
func InferTaskType(action types.Action, riskLevel types.RiskLevel, ctx RouteContext) string {
	evt := strings.ToLower(strings.TrimSpace(ctx.EventType))
	act := strings.ToLower(strings.TrimSpace(string(action)))
	text := strings.ToLower(ctx.Prompt + " " + ctx.Objective)

	if evt == types.EventDreamRequest || act == "escalate_dream" {
		return TaskDream
	}
	if evt == types.EventIteration || evt == types.EventDeepRequest ||
		act == "escalate_deep" || act == "deep_reflect" {
		return TaskDeepReflection
	}
	for _, sig := range codingSignals {
		if strings.Contains(text, sig) {
			return TaskCoding
		}
	}
	if riskLevel == types.RiskHigh {
		return TaskRiskControl
	}
	shortText := len(strings.TrimSpace(ctx.Prompt)) <= 120 && len(strings.TrimSpace(ctx.Objective)) <= 160
	if (act == "stabilize" || act == "plan_next") && shortText {
		return TaskShallowReaction
	}
	return TaskAnalysis
}

var taskPreferenceOrder = map[string][]string{
	TaskDream:           {"dream_chain", "deep_chain", "medium_chain", "shallow_chain", "fast_chain"},
	TaskDeepReflection:  {"deep_chain", "medium_chain", "shallow_chain", "fast_chain"},
	TaskCoding:          {"coder_chain", "deep_chain", "medium_chain", "shallow_chain"},
	TaskRiskControl:     {"deep_chain", "medium_chain", "shallow_chain", "fast_chain"},
	TaskShallowReaction: {"shallow_chain", "fast_chain", "medium_chain", "deep_chain"},
	TaskAnalysis:        {"medium_chain", "shallow_chain", "deep_chain", "fast_chain"},
}

// RouteCandidatesForTask orders the configured groups for a task type.
// Operator preferences (exact task key, then "*") are prepended.
func RouteCandidatesForTask(taskType string, cfg config.LLMConfig) []string {
	available := map[string]bool{}
	for name := range cfg.ProviderGroups {
		if strings.TrimSpace(name) != "" {
			available[name] = true
		}
	}
	if len(available) == 0 {
		return []string{"fallback-local"}
	}

	customPref := cfg.RoutingPolicy.TaskPreferences[taskType]
	if len(customPref) == 0 {
		customPref = cfg.RoutingPolicy.TaskPreferences["*"]
	}

	base := taskPreferenceOrder[taskType]
	if base == nil {
		base = taskPreferenceOrder[TaskAnalysis]
	}
	var preferred []string
	for _, g := range base {
		if available[g] {
			preferred = append(preferred, g)
		}
	}
	if len(customPref) > 0 {
		var custom []string
		seen := map[string]bool{}
		for _, g := range customPref {
			g = strings.TrimSpace(g)
			if g != "" && available[g] && !seen[g] {
				custom = append(custom, g)
				seen[g] = true
			}
		}
		for _, g := range preferred {
			if !seen[g] {
				custom = append(custom, g)
			}
		}
		preferred = custom
	}
	if len(preferred) == 0 {
		for _, g := range taskPreferenceOrder[TaskAnalysis] {
			if available[g] {
				preferred = append(preferred, g)
			}
		}
	}
	if len(preferred) == 0 {
		for name := range available {
			preferred = append(preferred, name)
		}
	}
	if len(preferred) == 0 {
		return []string{"fallback-local"}
	}
	return preferred
}

func groupScore(group string, orch *state.Orchestration) float64 {
	var item state.GroupMetric
	if orch != nil {
		item = orch.GroupMetrics[group]
	}
	successRate := 0.5
	if item.Total > 0 {
		successRate = float64(item.Success) / float64(item.Total)
	}
	latency := item.LatencyMSEMA
	if latency == 0 {
		latency = 1800.0
	}
	latencyScore := 1.0 - minF(latency/10000.0, 1.0)
	costScore := 1.0 - minF(item.CostUSDEMA/0.02, 1.0)
	fallbackPenalty := minF(item.FallbackRatio, 1.0)
	explorationBonus := 0.0
	if item.Total < 3 {
		explorationBonus = 0.06
	}
	return successRate*0.62 + latencyScore*0.24 + costScore*0.12 - fallbackPenalty*0.08 + explorationBonus
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RouteMeta is a full routing decision with its scoreboard.
type RouteMeta struct {
	Group      string             `json:"group"`
	TaskType   string             `json:"task_type"`
	Reason     string             `json:"reason"`
	Candidates []string           `json:"candidates"`
	Scores     map[string]float64 `json:"scores"`
}

// ChooseGroupWithMeta resolves the provider group for an action. High risk
// forces the deep chain when one is configured.
func ChooseGroupWithMeta(action types.Action, riskLevel types.RiskLevel, cfg config.LLMConfig, ctx RouteContext, orch *state.Orchestration) RouteMeta {
	if len(cfg.ProviderGroups) == 0 {
		return RouteMeta{
			Group:      "fallback-local",
			TaskType:   TaskAnalysis,
			Reason:     "no_provider_groups",
			Candidates: []string{"fallback-local"},
			Scores:     map[string]float64{"fallback-local": 1.0},
		}
	}

	taskType := InferTaskType(action, riskLevel, ctx)
	candidates := RouteCandidatesForTask(taskType, cfg)

	_, hasDeep := cfg.ProviderGroups["deep_chain"]
	riskHigh := riskLevel == types.RiskHigh
	if riskHigh && hasDeep {
		reordered := []string{"deep_chain"}
		for _, g := range candidates {
			if g != "deep_chain" {
				reordered = append(reordered, g)
			}
		}
		candidates = reordered
	}

	scores := map[string]float64{}
	for _, g := range candidates {
		if _, ok := cfg.ProviderGroups[g]; ok {
			scores[g] = groupScore(g, orch)
		}
	}
	if len(scores) == 0 {
		return RouteMeta{
			Group:      "fallback-local",
			TaskType:   taskType,
			Reason:     "empty_scoreboard",
			Candidates: candidates,
			Scores:     map[string]float64{"fallback-local": 1.0},
		}
	}

	if riskHigh {
		if _, ok := scores["deep_chain"]; ok {
			return RouteMeta{
				Group:      "deep_chain",
				TaskType:   taskType,
				Reason:     "risk_high_force_deep",
				Candidates: candidates,
				Scores:     scores,
			}
		}
	}

	best := ""
	bestScore := 0.0
	for _, g := range candidates {
		score, ok := scores[g]
		if !ok {
			continue
		}
		if best == "" || score > bestScore {
			best, bestScore = g, score
		}
	}
	return RouteMeta{
		Group:      best,
		TaskType:   taskType,
		Reason:     "task_policy+score",
		Candidates: candidates,
		Scores:     scores,
	}
}

// FallbackGroup names the substitute group used during cooldowns, walking
// the shallower chains first.
func FallbackGroup(cfg config.LLMConfig) string {
	for _, g := range []string{"shallow_chain", "fast_chain", "medium_chain"} {
		if _, ok := cfg.ProviderGroups[g]; ok {
			return g
		}
	}
	return "fallback-local"
}
