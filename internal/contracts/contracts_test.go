package contracts

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/config"
	"azimind/internal/types"
)

func TestMakeContractID(t *testing.T) {
	id := MakeContractID("plan", 42)
	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	require.Equal(t, "plan", parts[0])
	require.Equal(t, "42", parts[1])
}

func TestToRiskLevel(t *testing.T) {
	require.Equal(t, "L3", ToRiskLevel(types.RiskLow, true))
	require.Equal(t, "L2", ToRiskLevel(types.RiskHigh, false))
	require.Equal(t, "L1", ToRiskLevel(types.RiskMid, false))
	require.Equal(t, "L0", ToRiskLevel(types.RiskLow, false))
}

func TestNewPlanSerializes(t *testing.T) {
	p := NewPlan(7, "stabilize the cache tier", types.ActionPlanNext, "medium_chain", "scale cache first")
	require.Len(t, p.Steps, 2)
	require.Equal(t, "7-1", p.Steps[0].StepID)
	require.Equal(t, "analyze_event", p.Steps[0].Action)
	require.Equal(t, "provider_group:medium_chain", p.Steps[1].Tool)

	payload, err := ToRow(p)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	require.Equal(t, SchemaVersion, decoded["schema_version"])
	require.Equal(t, "fallback_to_previous_state + reopen_at_7d", decoded["rollback_plan"])
}

func TestNewRiskReportAndApproval(t *testing.T) {
	r := NewRiskReport(3, types.RiskHigh, []string{"keyword:删除"}, true, false)
	require.Equal(t, "L2", r.RiskLevel)
	require.Equal(t, "approval", r.RequiredPermission)
	require.True(t, r.RequiresApproval)

	a := NewApproval(3, types.ActionAwaitApproval, false)
	require.Equal(t, "reject", a.Decision)
	require.Equal(t, "policy", a.Approver)

	a = NewApproval(3, types.ActionPlanNext, true)
	require.Equal(t, "approve", a.Decision)
	require.Equal(t, "override", a.Approver)
	require.Equal(t, "override_approved", a.Reason)
}

func TestNewExecTraceStatus(t *testing.T) {
	tr := NewExecTrace(9, types.ActionAwaitApproval, "deep_chain", "delete prod table", "sum", "plan-9-1", "risk-9-1")
	require.Equal(t, "blocked", tr.Status)
	require.Len(t, tr.TraceID, 36)
	require.Len(t, tr.ToolCalls, 1)
	require.Len(t, tr.ToolCalls[0].CallID, 36)
	require.Len(t, tr.ToolCalls[0].ArgsHash, 16)
	require.Equal(t, []string{"action:await_approval", "provider_group:deep_chain"}, tr.Artifacts)

	tr = NewExecTrace(9, types.ActionPlanNext, "fast_chain", "x", "y", "p", "r")
	require.Equal(t, "success", tr.Status)
}

func TestDetectActionableIssue(t *testing.T) {
	sig := DetectActionableIssue("anything", types.EventIteration, nil, types.ActionPlanNext)
	require.True(t, sig.Detected)
	require.Equal(t, "event_type=iteration", sig.Reason)
	require.InDelta(t, 0.92, sig.Confidence, 1e-9)

	sig = DetectActionableIssue("x", types.EventInput, nil, types.ActionEscalateDeep)
	require.True(t, sig.Detected)
	require.Equal(t, "action=escalate_deep", sig.Reason)

	sig = DetectActionableIssue("", types.EventInput, nil, types.ActionPlanNext)
	require.False(t, sig.Detected)
	require.Equal(t, "empty_input", sig.Reason)

	sig = DetectActionableIssue("你好", types.EventInput, nil, types.ActionPlanNext)
	require.False(t, sig.Detected)
	require.Equal(t, "smalltalk", sig.Reason)

	sig = DetectActionableIssue("请修复这个 bug", types.EventInput, nil, types.ActionPlanNext)
	require.True(t, sig.Detected)
	require.Equal(t, "explicit_work_signal", sig.Reason)
	require.InDelta(t, 0.87, sig.Confidence, 1e-9)

	sig = DetectActionableIssue("random chatter about weather", types.EventInput, nil, types.ActionPlanNext)
	require.False(t, sig.Detected)
	require.Equal(t, "insufficient_action_signal", sig.Reason)
}

func TestTaskSkillPack(t *testing.T) {
	var cfg config.LLMConfig
	require.Empty(t, TaskSkillPack("shallow", cfg))

	pack := TaskSkillPack("dream", cfg)
	require.Contains(t, pack, "generative-art")
	require.Contains(t, pack, "imagegen")

	cfg.RoutingPolicy.TaskSkillPacks = map[string][]string{
		"coding": {"Code-Review", "code-review", " linting "},
	}
	require.Equal(t, []string{"code-review", "linting"}, TaskSkillPack("coding", cfg))
}

func TestBuildDispatchPlan(t *testing.T) {
	cfg := config.LLMConfig{}
	ctx := DispatchContext{
		EventID:      11,
		Brief:        StateBrief{Cycle: 4, Energy: 0.8, Stress: 0.2, Continuity: 0.7},
		Content:      "deep request: 排查内存泄漏并修复",
		EventType:    types.EventDeepRequest,
		Action:       types.ActionEscalateDeep,
		TaskType:     "deep_reflection",
		RouteGroup:   "deep_chain",
		RouteSummary: "inspect allocation sites",
		LiveAPI:      true,
		Diagnosis:    "4D: 变化类型=biao",
		RiskLevel:    types.RiskMid,
	}
	plan := BuildDispatchPlan(ctx, cfg)

	require.Equal(t, "deep", plan.TaskType)
	require.Equal(t, "L1", plan.RiskLevel)
	require.True(t, plan.IssueDetected)
	require.Len(t, plan.Dispatch, 2)
	require.Equal(t, "deep", plan.Dispatch[0].Worker)
	require.Equal(t, "deep_worker.run_once", plan.Dispatch[0].Tool)
	require.Equal(t, 180, plan.Dispatch[0].TimeoutSec)
	require.Equal(t, "deep_worker.run_once", plan.Dispatch[1].Tool)
	require.InDelta(t, 0.98, plan.Confidence, 1e-9)
	require.Contains(t, plan.HubPrompt, "阿紫调度中枢")
	require.Contains(t, plan.HubPrompt, "cycle=4")
}

func TestBuildDispatchPlanApprovalPrefix(t *testing.T) {
	ctx := DispatchContext{
		EventID:          5,
		Content:          "删除生产数据并重置集群",
		EventType:        types.EventInput,
		Action:           types.ActionAwaitApproval,
		TaskType:         "risk_control",
		RouteGroup:       "deep_chain",
		RouteSummary:     "needs operator signoff",
		RiskLevel:        types.RiskHigh,
		RequiresApproval: true,
	}
	plan := BuildDispatchPlan(ctx, config.LLMConfig{})

	require.Equal(t, "ops", plan.TaskType)
	require.Equal(t, "L2", plan.RiskLevel)
	require.False(t, plan.Dispatch[0].Reversible)
	for _, item := range plan.Dispatch {
		require.True(t, strings.HasPrefix(item.ExpectedOutput, "[待审批] "))
	}
	require.Contains(t, plan.RollbackPlan, "require_human_review")
	require.Contains(t, plan.SuccessCriteria, "高风险任务进入审批流程")
}

func TestBuildDispatchPlanCodingCompanion(t *testing.T) {
	ctx := DispatchContext{
		EventID:    6,
		Content:    "fix the parser bug in tokenizer.go and add tests",
		EventType:  types.EventInput,
		Action:     types.ActionPlanNext,
		TaskType:   "coding",
		RouteGroup: "",
		RiskLevel:  types.RiskLow,
	}
	plan := BuildDispatchPlan(ctx, config.LLMConfig{})

	require.Equal(t, "coding", plan.TaskType)
	require.Equal(t, "coder", plan.Dispatch[0].Worker)
	require.Equal(t, "coder_chain", plan.Dispatch[0].ModelGroup)
	// Primary already targets the coder; no duplicate companion item.
	require.Len(t, plan.Dispatch, 1)
}
