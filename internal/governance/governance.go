// Package governance scores actions for risk, enforces the immutable-path
// guard, and watches decision history for repetition loops.
package governance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"azimind/internal/logging"
	"azimind/internal/store"
	"azimind/internal/types"
)

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

// highRiskKeywords each add 0.35 to the risk score when found in the
// action+content text.
var highRiskKeywords = []string{
	"delete", "drop table", "rm -rf", "format", "shutdown",
	"override policy", "destructive", "生产", "删除", "覆盖", "重置",
}

// Assessment is the outcome of scoring one action.
type Assessment struct {
	EventID          int64           `json:"event_id"`
	RiskLevel        types.RiskLevel `json:"risk_level"`
	RequiresApproval bool            `json:"requires_approval"`
	Reasons          []string        `json:"reasons"`
}

// AssessRisk scores an action against keyword, trust, and surface signals.
// High risk always requires approval.
func AssessRisk(eventID int64, action types.Action, content, source string, sourceTrust float64) Assessment {
	text := strings.ToLower(string(action) + " " + content)
	var reasons []string
	score := 0.0

	for _, kw := range highRiskKeywords {
		if strings.Contains(text, kw) {
			score += 0.35
			reasons = append(reasons, "keyword:"+kw)
		}
	}
	if sourceTrust < 0.45 {
		score += 0.20
		reasons = append(reasons, "low_source_trust")
	}
	low := strings.ToLower(source)
	if strings.HasPrefix(low, "web") || strings.HasPrefix(low, "social") || strings.HasPrefix(low, "device") {
		score += 0.10
		reasons = append(reasons, "untrusted_input_surface")
	}

	level := types.RiskLow
	switch {
	case score >= 0.55:
		level = types.RiskHigh
	case score >= 0.25:
		level = types.RiskMid
	}
	return Assessment{
		EventID:          eventID,
		RiskLevel:        level,
		RequiresApproval: level == types.RiskHigh,
		Reasons:          reasons,
	}
}

// GuardResult reports an immutable-path check.
type GuardResult struct {
	Blocked bool     `json:"blocked"`
	Hits    []string `json:"hits"`
}

// CheckImmutableGuard blocks any content mentioning a protected path.
func CheckImmutableGuard(content string, immutablePaths []string) GuardResult {
	text := strings.ToLower(content)
	var hits []string
	for _, p := range immutablePaths {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			hits = append(hits, p)
		}
	}
	return GuardResult{Blocked: len(hits) > 0, Hits: hits}
}

// RecordRiskGate persists one risk assessment row and returns its id.
func RecordRiskGate(st *store.Store, assessment Assessment, action types.Action, approved bool) (int64, error) {
	reasonJSON, err := json.Marshal(map[string]any{"reasons": assessment.Reasons})
	if err != nil {
		reasonJSON = []byte("{}")
	}
	requires := 0
	if assessment.RequiresApproval {
		requires = 1
	}
	approvedFlag := 0
	if approved {
		approvedFlag = 1
	}
	res, err := st.DB().Exec(
		`INSERT INTO risk_gate(ts, event_id, action, risk_level, requires_approval, approved, reason_json)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		nowISO(), assessment.EventID, string(action), string(assessment.RiskLevel), requires, approvedFlag, string(reasonJSON))
	if err != nil {
		return 0, fmt.Errorf("record risk gate: %w", err)
	}
	return res.LastInsertId()
}

// RecordGuardEvent persists one guard trip.
func RecordGuardEvent(st *store.Store, guardType, severity, detail string) error {
	r := []rune(detail)
	if len(r) > 1000 {
		detail = string(r[:1000])
	}
	_, err := st.DB().Exec(
		`INSERT INTO guard_events(ts, guard_type, severity, detail)
		 VALUES(?, ?, ?, ?)`,
		nowISO(), guardType, severity, detail)
	if err != nil {
		return fmt.Errorf("record guard event: %w", err)
	}
	return nil
}

// EmergenceAlert reports a detected behavior loop.
type EmergenceAlert struct {
	Alert  bool   `json:"alert"`
	Reason string `json:"reason,omitempty"`
}

// EmergenceGuard inspects the last six decisions; when the newest action
// repeats five or more times the loop is flagged and recorded.
func EmergenceGuard(st *store.Store) (EmergenceAlert, error) {
	log := logging.Get(logging.CategoryGovernance)
	decisions, err := st.RecentDecisions(6)
	if err != nil {
		return EmergenceAlert{}, err
	}
	if len(decisions) < 4 {
		return EmergenceAlert{}, nil
	}
	top := decisions[0].Action
	repeat := 0
	for _, d := range decisions {
		if d.Action == top {
			repeat++
		}
	}
	if repeat >= 5 {
		reason := "repeated_action_loop:" + string(top)
		log.Warn("emergence guard tripped: %s", reason)
		if err := RecordGuardEvent(st, "emergence", "warn", reason); err != nil {
			return EmergenceAlert{}, err
		}
		return EmergenceAlert{Alert: true, Reason: reason}, nil
	}
	return EmergenceAlert{}, nil
}
