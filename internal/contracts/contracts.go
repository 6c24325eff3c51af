// Package contracts defines the structured records the brain publishes for
// every handled event: plan, risk report, approval, dispatch plan, exec
// trace, eval result, and reward update. Each serializes to one row in the
// contracts table.
package contracts

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"azimind/internal/types"
)

// SchemaVersion tags every contract payload.
const SchemaVersion = "cos.v0.1"

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

func truncRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// MakeContractID builds "{prefix}-{eventID}-{msEpoch}".
func MakeContractID(prefix string, eventID int64) string {
	return fmt.Sprintf("%s-%d-%d", prefix, eventID, time.Now().UnixMilli())
}

// DigestText is the short sha1 digest used for tool-call argument and result
// fingerprints.
func DigestText(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// Base carries the header fields shared by every contract.
type Base struct {
	SchemaVersion string `json:"schema_version"`
	ID            string `json:"id"`
	TS            string `json:"ts"`
	Source        string `json:"source"`
}

func newBase(prefix string, eventID int64, source string) Base {
	return Base{
		SchemaVersion: SchemaVersion,
		ID:            MakeContractID(prefix, eventID),
		TS:            nowISO(),
		Source:        source,
	}
}

// PlanStep is one step of a plan contract.
type PlanStep struct {
	StepID         string `json:"step_id"`
	Action         string `json:"action"`
	Tool           string `json:"tool"`
	ExpectedOutput string `json:"expected_output"`
}

// Plan is the two-step brain plan for an event.
type Plan struct {
	Base
	Goal         string     `json:"goal"`
	Steps        []PlanStep `json:"steps"`
	Assumptions  []string   `json:"assumptions"`
	RollbackPlan string     `json:"rollback_plan"`
}

// RiskReport grades an event L0 through L3.
type RiskReport struct {
	Base
	RiskLevel          string   `json:"risk_level"`
	Reasons            []string `json:"reasons"`
	RequiredPermission string   `json:"required_permission"`
	RequiresApproval   bool     `json:"requires_approval"`
	Forbidden          bool     `json:"forbidden"`
}

// Approval records the approve/reject outcome for a gated event.
type Approval struct {
	Base
	Decision string   `json:"decision"`
	Approver string   `json:"approver"`
	Reason   string   `json:"reason"`
	Scope    []string `json:"scope"`
}

// ToolCallTrace is one tool invocation inside an exec trace.
type ToolCallTrace struct {
	CallID       string `json:"call_id"`
	Tool         string `json:"tool"`
	ArgsHash     string `json:"args_hash"`
	StartedTS    string `json:"started_ts"`
	EndedTS      string `json:"ended_ts"`
	ResultDigest string `json:"result_digest"`
}

// ExecTrace links the plan and risk report to what actually ran.
type ExecTrace struct {
	Base
	TraceID      string          `json:"trace_id"`
	PlanID       string          `json:"plan_id"`
	RiskReportID string          `json:"risk_report_id"`
	ToolCalls    []ToolCallTrace `json:"tool_calls"`
	Artifacts    []string        `json:"artifacts"`
	Status       string          `json:"status"`
}

// EvalResult is one harness verdict.
type EvalResult struct {
	Base
	Suite      string   `json:"suite"`
	Score      float64  `json:"score"`
	Pass       bool     `json:"pass"`
	Regression bool     `json:"regression"`
	Findings   []string `json:"findings"`
}

// RewardUpdate records a worker reputation change.
type RewardUpdate struct {
	Base
	ActorID     string   `json:"actor_id"`
	RepBefore   float64  `json:"rep_before"`
	RepAfter    float64  `json:"rep_after"`
	Delta       float64  `json:"delta"`
	ReasonCodes []string `json:"reason_codes"`
}

// DispatchItem is one executable task order.
type DispatchItem struct {
	Worker         string `json:"worker"`
	ModelGroup     string `json:"model_group"`
	Tool           string `json:"tool"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
	TimeoutSec     int    `json:"timeout_sec"`
	Reversible     bool   `json:"reversible"`
}

// DispatchPlan is the hub's task-order sheet for an event.
type DispatchPlan struct {
	Base
	Intent            string         `json:"intent"`
	TaskType          string         `json:"task_type"`
	RiskLevel         string         `json:"risk_level"`
	Dispatch          []DispatchItem `json:"dispatch_plan"`
	RecommendedSkills []string       `json:"recommended_skills"`
	SuccessCriteria   []string       `json:"success_criteria"`
	RollbackPlan      string         `json:"rollback_plan"`
	Confidence        float64        `json:"confidence"`
	IssueDetected     bool           `json:"issue_detected"`
	IssueReason       string         `json:"issue_reason"`
	HubPrompt         string         `json:"hub_prompt"`
}

// ToRow serializes a contract for the contracts table.
func ToRow(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal contract: %w", err)
	}
	return string(data), nil
}

// ToRiskLevel maps a governance level to the contract ladder. A forbidden
// action is always L3.
func ToRiskLevel(level types.RiskLevel, forbidden bool) string {
	if forbidden {
		return "L3"
	}
	switch level {
	case types.RiskHigh:
		return "L2"
	case types.RiskMid:
		return "L1"
	default:
		return "L0"
	}
}

// NewPlan builds the two-step brain plan contract.
func NewPlan(eventID int64, content string, action types.Action, routeGroup, routeSummary string) Plan {
	goal := truncRunes(content, 260)
	if goal == "" {
		goal = fmt.Sprintf("event#%d", eventID)
	}
	expected := truncRunes(routeSummary, 180)
	if expected == "" {
		expected = "-"
	}
	return Plan{
		Base: newBase("plan", eventID, "brain-loop"),
		Goal: goal,
		Steps: []PlanStep{
			{
				StepID:         fmt.Sprintf("%d-1", eventID),
				Action:         "analyze_event",
				Tool:           "diagnose+memory",
				ExpectedOutput: "diagnosis+risk",
			},
			{
				StepID:         fmt.Sprintf("%d-2", eventID),
				Action:         string(action),
				Tool:           "provider_group:" + routeGroup,
				ExpectedOutput: expected,
			},
		},
		Assumptions: []string{
			"prefer_reversible_changes",
			"risk_checked_before_execution",
		},
		RollbackPlan: "fallback_to_previous_state + reopen_at_7d",
	}
}

// NewRiskReport builds the gatekeeper contract for an event.
func NewRiskReport(eventID int64, level types.RiskLevel, reasons []string, requiresApproval, forbidden bool) RiskReport {
	permission := "none"
	if requiresApproval {
		permission = "approval"
	}
	return RiskReport{
		Base:               newBase("risk", eventID, "gatekeeper"),
		RiskLevel:          ToRiskLevel(level, forbidden),
		Reasons:            append([]string{}, reasons...),
		RequiredPermission: permission,
		RequiresApproval:   requiresApproval,
		Forbidden:          forbidden,
	}
}

// NewApproval builds the risk-gate approval contract.
func NewApproval(eventID int64, action types.Action, approved bool) Approval {
	decision, approver, reason := "reject", "policy", "approval_required"
	if approved {
		decision, approver, reason = "approve", "override", "override_approved"
	}
	return Approval{
		Base:     newBase("approval", eventID, "risk-gate"),
		Decision: decision,
		Approver: approver,
		Reason:   reason,
		Scope:    []string{string(action)},
	}
}

// NewExecTrace records what the brain actually invoked for an event.
func NewExecTrace(eventID int64, action types.Action, routeGroup, content, routeSummary, planID, riskReportID string) ExecTrace {
	started := nowISO()
	status := "success"
	if action == types.ActionAwaitApproval || action == types.ActionHaltAndFallback {
		status = "blocked"
	}
	return ExecTrace{
		Base:         newBase("trace", eventID, "brain-loop"),
		TraceID:      uuid.NewString(),
		PlanID:       planID,
		RiskReportID: riskReportID,
		ToolCalls: []ToolCallTrace{{
			CallID:       uuid.NewString(),
			Tool:         "provider_group:" + routeGroup,
			ArgsHash:     DigestText(fmt.Sprintf("%d|%s|%s|%s", eventID, action, routeGroup, truncRunes(content, 120))),
			StartedTS:    started,
			EndedTS:      nowISO(),
			ResultDigest: DigestText(routeSummary),
		}},
		Artifacts: []string{"action:" + string(action), "provider_group:" + routeGroup},
		Status:    status,
	}
}

// NewEvalResult builds one harness verdict contract.
func NewEvalResult(eventID int64, source, suite string, score float64, pass, regression bool, findings []string) EvalResult {
	return EvalResult{
		Base:       newBase("eval", eventID, source),
		Suite:      suite,
		Score:      score,
		Pass:       pass,
		Regression: regression,
		Findings:   append([]string{}, findings...),
	}
}

// NewRewardUpdate builds one reputation-change contract.
func NewRewardUpdate(eventID int64, actorID string, repBefore, repAfter float64, reasonCodes []string) RewardUpdate {
	return RewardUpdate{
		Base:        newBase("reward", eventID, "reward-engine"),
		ActorID:     actorID,
		RepBefore:   repBefore,
		RepAfter:    repAfter,
		Delta:       repAfter - repBefore,
		ReasonCodes: append([]string{}, reasonCodes...),
	}
}
