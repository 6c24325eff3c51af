package contracts

import (
	"fmt"
	"math"
	"strings"

	"azimind/internal/config"
	"azimind/internal/types"
)

// NormalizeDispatchTaskType collapses router task types onto the dispatch
// ladder: shallow, deep, dream, coding, ops.
func NormalizeDispatchTaskType(taskType string) string {
	switch strings.ToLower(strings.TrimSpace(taskType)) {
	case "deep_reflection":
		return "deep"
	case "dream":
		return "dream"
	case "coding":
		return "coding"
	case "risk_control":
		return "ops"
	default:
		return "shallow"
	}
}

// IssueSignal is the actionability verdict for an event.
type IssueSignal struct {
	Detected   bool
	Reason     string
	Confidence float64
}

var nonworkTokens = []string{"你好", "hi", "hello", "谢谢", "ok", "好的", "收到", "在吗"}

var workTokens = []string{
	"修复", "重构", "实现", "排查", "分析", "优化", "部署", "编写", "生成", "写一个",
	"计划", "执行", "debug", "bug", "error", "traceback", "fix", "refactor",
	"implement", "build", "todo",
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DetectActionableIssue decides whether the event demands real work.
// Escalation events and actions are always actionable; short smalltalk is
// not; otherwise a token score decides.
func DetectActionableIssue(content, eventType string, meta map[string]any, action types.Action) IssueSignal {
	text := strings.ToLower(strings.TrimSpace(content))
	evt := strings.ToLower(strings.TrimSpace(eventType))
	act := strings.ToLower(strings.TrimSpace(string(action)))

	switch evt {
	case types.EventIteration, types.EventDeepRequest, types.EventDreamRequest:
		return IssueSignal{Detected: true, Reason: "event_type=" + evt, Confidence: 0.92}
	}
	switch act {
	case "escalate_deep", "escalate_dream", "await_approval":
		return IssueSignal{Detected: true, Reason: "action=" + act, Confidence: 0.88}
	}
	if text == "" {
		return IssueSignal{Reason: "empty_input", Confidence: 0.28}
	}
	if len([]rune(text)) <= 24 {
		for _, tok := range nonworkTokens {
			if strings.Contains(text, tok) {
				return IssueSignal{Reason: "smalltalk", Confidence: 0.33}
			}
		}
	}

	score := 0.0
	for _, tok := range workTokens {
		if strings.Contains(text, tok) {
			score += 0.55
			break
		}
	}
	if strings.Contains(text, "?") || strings.Contains(text, "？") {
		score += 0.16
	}
	if metaBool(meta, "trigger_update") || metaBool(meta, "run_once") {
		score += 0.12
	}
	if len([]rune(text)) >= 40 {
		score += 0.08
	}

	detected := score >= 0.45
	reason := "insufficient_action_signal"
	if detected {
		reason = "explicit_work_signal"
	}
	return IssueSignal{Detected: detected, Reason: reason, Confidence: clamp(0.32+score, 0, 0.96)}
}

func metaBool(meta map[string]any, key string) bool {
	if meta == nil {
		return false
	}
	v, ok := meta[key].(bool)
	return ok && v
}

func dispatchWorker(taskType, content, eventType string, meta map[string]any) string {
	text := strings.ToLower(content)
	evt := strings.ToLower(eventType)
	if connector, ok := meta["connector_id"].(string); ok &&
		strings.Contains(strings.ToLower(connector), "mcp") {
		return "mcp"
	}
	if strings.Contains(text, "mcp") || strings.HasPrefix(evt, "mcp") {
		return "mcp"
	}
	if strings.Contains(text, "api") || evt == types.EventAPIBridge {
		return "api"
	}
	switch taskType {
	case "coding":
		return "coder"
	case "deep", "dream":
		return "deep"
	}
	return "shallow"
}

func dispatchModelGroup(taskType, routeGroup string) string {
	if rg := strings.TrimSpace(routeGroup); rg != "" {
		return rg
	}
	switch taskType {
	case "coding":
		return "coder_chain"
	case "deep", "dream":
		return "deep_chain"
	}
	return "shallow_chain"
}

func dispatchTool(worker, taskType string) string {
	switch {
	case worker == "coder":
		return "deep_coder_worker.run_once"
	case worker == "deep" && taskType == "dream":
		return "deep_worker.dream_replay_once"
	case worker == "deep":
		return "deep_worker.run_once"
	case worker == "mcp":
		return "panel_connector.call_mcp_tool"
	case worker == "api":
		return "panel_connector.call_api_connector"
	}
	return "brain_loop.run_once"
}

func dispatchTimeout(worker, taskType string) int {
	switch {
	case worker == "coder":
		return 240
	case worker == "deep" && taskType == "dream":
		return 120
	case worker == "deep":
		return 180
	case worker == "mcp" || worker == "api":
		return 90
	}
	return 45
}

var dreamSkillPack = []string{
	"algorithmic-art", "generative-art", "canvas-design", "theme-factory",
	"artifacts-builder", "web-artifacts-builder", "slack-gif-creator",
	"imagegen", "sora", "speech", "transcribe",
}

// TaskSkillPack resolves the skill names recommended for a dispatch task
// type, preferring operator configuration and falling back to the built-in
// dream pack.
func TaskSkillPack(taskType string, cfg config.LLMConfig) []string {
	packs := cfg.RoutingPolicy.TaskSkillPacks
	raw := packs[taskType]
	if len(raw) == 0 {
		raw = packs["*"]
	}
	items := make([]string, 0, len(raw))
	for _, x := range raw {
		if v := strings.ToLower(strings.TrimSpace(x)); v != "" {
			items = append(items, v)
		}
	}
	if len(items) == 0 && taskType == "dream" {
		items = append(items, dreamSkillPack...)
	}
	var out []string
	seen := map[string]bool{}
	for _, x := range items {
		if !seen[x] {
			out = append(out, x)
			seen[x] = true
		}
	}
	if len(out) > 16 {
		out = out[:16]
	}
	return out
}

// StateBrief summarizes the dials shown to the hub prompt.
type StateBrief struct {
	Cycle      int
	Energy     float64
	Stress     float64
	Continuity float64
}

// BuildHubDispatchPrompt renders the scheduling-hub prompt for one event.
func BuildHubDispatchPrompt(goal, eventSummary string, brief StateBrief, riskLevel, routeGroup string, requiresApproval bool) string {
	workers := "shallow, deep, coder, mcp, api"
	tools := "brain_loop.run_once, deep_worker.run_once, deep_worker.dream_replay_once, " +
		"deep_coder_worker.run_once, panel_connector.call_mcp_tool, panel_connector.call_api_connector"
	rg := routeGroup
	if rg == "" {
		rg = "-"
	}
	constraints := []string{
		"中枢只做调度，不直接执行",
		"输出必须是可执行任务单（1-3条）",
		"当前风险=" + riskLevel,
		"当前路由组=" + rg,
		fmt.Sprintf("requires_approval=%t", requiresApproval),
		"默认优先可回滚动作",
	}
	stateBrief := fmt.Sprintf("cycle=%d, energy=%.2f, stress=%.2f, continuity=%.2f",
		brief.Cycle, brief.Energy, brief.Stress, brief.Continuity)
	return "你是阿紫调度中枢，不直接执行，只产出可执行任务单。\n" +
		"目标：" + truncRunes(goal, 220) + "\n" +
		"输入事件流：" + truncRunes(eventSummary, 420) + "\n" +
		"状态：" + stateBrief + "\n" +
		"可用执行单元：" + workers + "\n" +
		"可用工具：" + tools + "\n" +
		"约束：" + strings.Join(constraints, "；")
}

// DispatchContext gathers everything the dispatch-plan builder consumes.
type DispatchContext struct {
	EventID          int64
	Brief            StateBrief
	Content          string
	EventType        string
	Meta             map[string]any
	Action           types.Action
	TaskType         string
	RouteGroup       string
	RouteSummary     string
	RouteNextStep    string
	LiveAPI          bool
	Diagnosis        string
	RiskLevel        types.RiskLevel
	RequiresApproval bool
	Approved         bool
}

// BuildDispatchPlan assembles the hub's task-order contract: a primary item
// for the chosen worker, escalation and coding companions when an issue is
// detected, capped at three items.
func BuildDispatchPlan(ctx DispatchContext, cfg config.LLMConfig) DispatchPlan {
	taskType := NormalizeDispatchTaskType(ctx.TaskType)
	riskLevel := ToRiskLevel(ctx.RiskLevel, false)
	issue := DetectActionableIssue(ctx.Content, ctx.EventType, ctx.Meta, ctx.Action)

	worker := dispatchWorker(taskType, ctx.Content, ctx.EventType, ctx.Meta)
	modelGroup := dispatchModelGroup(taskType, ctx.RouteGroup)
	tool := dispatchTool(worker, taskType)
	timeout := dispatchTimeout(worker, taskType)
	reversible := riskLevel == "L0" || riskLevel == "L1"

	primaryExpected := ctx.RouteSummary
	if primaryExpected == "" {
		primaryExpected = ctx.Diagnosis
	}
	if primaryExpected == "" {
		primaryExpected = "actionable output"
	}
	items := []DispatchItem{{
		Worker:         worker,
		ModelGroup:     modelGroup,
		Tool:           tool,
		Input:          truncRunes(ctx.Content, 360),
		ExpectedOutput: truncRunes(primaryExpected, 180),
		TimeoutSec:     timeout,
		Reversible:     reversible,
	}}

	if issue.Detected {
		switch ctx.Action {
		case types.ActionEscalateDeep:
			items = append(items, DispatchItem{
				Worker:         "deep",
				ModelGroup:     "deep_chain",
				Tool:           "deep_worker.run_once",
				Input:          fmt.Sprintf("deep request for event#%d: %s", ctx.EventID, truncRunes(ctx.Content, 220)),
				ExpectedOutput: "evidence + proposal + deep_release",
				TimeoutSec:     180,
				Reversible:     true,
			})
		case types.ActionEscalateDream:
			items = append(items, DispatchItem{
				Worker:         "deep",
				ModelGroup:     "deep_chain",
				Tool:           "deep_worker.dream_replay_once",
				Input:          fmt.Sprintf("dream replay for event#%d: %s", ctx.EventID, truncRunes(ctx.Content, 220)),
				ExpectedOutput: "dream insight + dream_release",
				TimeoutSec:     120,
				Reversible:     true,
			})
		}
		if taskType == "coding" && worker != "coder" {
			items = append(items, DispatchItem{
				Worker:         "coder",
				ModelGroup:     "coder_chain",
				Tool:           "deep_coder_worker.run_once",
				Input:          truncRunes(ctx.Content, 260),
				ExpectedOutput: "patch proposal + test hints",
				TimeoutSec:     240,
				Reversible:     true,
			})
		}
	}
	if len(items) > 3 {
		items = items[:3]
	}
	if ctx.RequiresApproval && !ctx.Approved {
		for i := range items {
			items[i].ExpectedOutput = "[待审批] " + truncRunes(items[i].ExpectedOutput, 150)
		}
	}

	criteria := []string{
		"至少生成 1 条可执行任务单",
		"执行单包含 worker/model_group/tool/timeout/reversible",
		"输出可用于下一轮调度",
	}
	if issue.Detected {
		criteria = append(criteria, "任务单覆盖当前事件的核心意图")
	} else {
		criteria = append(criteria, "识别为非执行型输入并保持系统稳定")
	}
	if ctx.RequiresApproval {
		criteria = append(criteria, "高风险任务进入审批流程")
	}
	if len(criteria) > 6 {
		criteria = criteria[:6]
	}

	rollback := "fallback_to_previous_state + reopen_at_7d"
	if riskLevel == "L2" || riskLevel == "L3" || ctx.RequiresApproval {
		rollback = "block_external_side_effects + fallback_to_previous_state + require_human_review"
	}

	confidence := issue.Confidence
	if ctx.LiveAPI {
		confidence += 0.08
	}
	confidence = clamp(confidence, 0.05, 0.98)
	if !issue.Detected && confidence > 0.58 {
		confidence = 0.58
	}

	diagnosis := ctx.Diagnosis
	if diagnosis == "" {
		diagnosis = "-"
	}
	nextStep := ctx.RouteNextStep
	if nextStep == "" {
		nextStep = "-"
	}
	eventSummary := fmt.Sprintf("event_type=%s; action=%s; diagnosis=%s; route=%s; next=%s",
		ctx.EventType, ctx.Action, truncRunes(diagnosis, 200), ctx.RouteGroup, truncRunes(nextStep, 140))

	intent := strings.TrimSpace(ctx.Diagnosis)
	if intent == "" {
		intent = truncRunes(ctx.Content, 180)
	}
	return DispatchPlan{
		Base:              newBase("dispatch", ctx.EventID, "brain-loop"),
		Intent:            truncRunes(intent, 220),
		TaskType:          taskType,
		RiskLevel:         riskLevel,
		Dispatch:          items,
		RecommendedSkills: TaskSkillPack(taskType, cfg),
		SuccessCriteria:   criteria,
		RollbackPlan:      truncRunes(rollback, 280),
		Confidence:        math.Round(confidence*1e4) / 1e4,
		IssueDetected:     issue.Detected,
		IssueReason:       truncRunes(issue.Reason, 160),
		HubPrompt: truncRunes(BuildHubDispatchPrompt(
			truncRunes(ctx.Content, 220), eventSummary, ctx.Brief, riskLevel, ctx.RouteGroup, ctx.RequiresApproval), 1200),
	}
}
