// Package protocol defines the task, evidence-pack, and proposal records the
// tracks exchange through the protocol_flow table.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"azimind/internal/memory"
)

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

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Task is one unit of work derived from an event.
type Task struct {
	TaskID        string   `json:"task_id"`
	CreatedAt     string   `json:"created_at"`
	SourceEventID int64    `json:"source_event_id"`
	Title         string   `json:"title"`
	Objective     string   `json:"objective"`
	Priority      string   `json:"priority"`
	Constraints   []string `json:"constraints"`
	Tags          []string `json:"tags"`
}

// EvidenceItem is one piece of supporting material in a pack.
type EvidenceItem struct {
	EvidenceID string  `json:"evidence_id"`
	Kind       string  `json:"kind"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	RefEventID int64   `json:"ref_event_id,omitempty"`
}

// EvidencePack bundles retrieved facts and memories with the observation.
type EvidencePack struct {
	PackID       string         `json:"pack_id"`
	CreatedAt    string         `json:"created_at"`
	SourceTaskID string         `json:"source_task_id"`
	Items        []EvidenceItem `json:"items"`
	Retrieval    map[string]int `json:"retrieval"`
}

// Proposal is the drafted next action for a task.
type Proposal struct {
	ProposalID       string `json:"proposal_id"`
	CreatedAt        string `json:"created_at"`
	SourceTaskID     string `json:"source_task_id"`
	Action           string `json:"action"`
	Rationale        string `json:"rationale"`
	RiskLevel        string `json:"risk_level"`
	RollbackPlan     string `json:"rollback_plan"`
	RequiresApproval bool   `json:"requires_approval"`
	Status           string `json:"status"`
}

// MakeTask derives a task record from an event's content.
func MakeTask(eventID int64, content, source, priority string) Task {
	trimmed := strings.TrimSpace(content)
	title := ""
	if trimmed != "" {
		title = truncRunes(strings.SplitN(trimmed, "\n", 2)[0], 72)
	}
	if title == "" {
		title = fmt.Sprintf("event-%d", eventID)
	}
	if priority != "low" && priority != "mid" && priority != "high" {
		priority = "mid"
	}
	if source == "" {
		source = "unknown"
	}
	return Task{
		TaskID:        fmt.Sprintf("task-%d", eventID),
		CreatedAt:     nowISO(),
		SourceEventID: eventID,
		Title:         title,
		Objective:     truncRunes(trimmed, 400),
		Priority:      priority,
		Constraints: []string{
			"keep_state_consistent",
			"prefer_reversible_changes",
			"emit_actionable_output",
		},
		Tags: []string{source, "runtime"},
	}
}

// MakeEvidencePack bundles up to six facts and six memory hits plus the raw
// observation for a task.
func MakeEvidencePack(sourceTaskID string, facts []memory.Fact, vectors []memory.VectorHit, observation string, eventID int64) EvidencePack {
	var items []EvidenceItem
	for i, fact := range facts {
		if i >= 6 {
			break
		}
		source := fact.Source
		if source == "" {
			source = "fact-memory"
		}
		items = append(items, EvidenceItem{
			EvidenceID: fmt.Sprintf("%s-fact-%d", sourceTaskID, i+1),
			Kind:       "fact",
			Content:    truncRunes(fact.ClaimText, 400),
			Confidence: clamp01(fact.Confidence),
			Source:     source,
			RefEventID: fact.LastSeenEventID,
		})
	}
	for i, vec := range vectors {
		if i >= 6 {
			break
		}
		source := vec.Source
		if source == "" {
			source = "vector-memory"
		}
		items = append(items, EvidenceItem{
			EvidenceID: fmt.Sprintf("%s-mem-%d", sourceTaskID, i+1),
			Kind:       "memory",
			Content:    truncRunes(vec.Content, 400),
			Confidence: clamp01(vec.Score),
			Source:     source,
			RefEventID: vec.EventID,
		})
	}
	if observation != "" {
		items = append(items, EvidenceItem{
			EvidenceID: sourceTaskID + "-obs-1",
			Kind:       "observation",
			Content:    truncRunes(observation, 400),
			Confidence: 0.5,
			Source:     "event",
			RefEventID: eventID,
		})
	}
	return EvidencePack{
		PackID:       "pack-" + sourceTaskID,
		CreatedAt:    nowISO(),
		SourceTaskID: sourceTaskID,
		Items:        items,
		Retrieval: map[string]int{
			"fact_hits":   len(facts),
			"memory_hits": len(vectors),
		},
	}
}

// MakeProposal drafts the next action with its rationale and rollback plan.
func MakeProposal(sourceTaskID, action, rationale, riskLevel string, requiresApproval bool, rollbackPlan string) Proposal {
	if riskLevel != "low" && riskLevel != "mid" && riskLevel != "high" {
		riskLevel = "mid"
	}
	return Proposal{
		ProposalID:       "proposal-" + sourceTaskID,
		CreatedAt:        nowISO(),
		SourceTaskID:     sourceTaskID,
		Action:           action,
		Rationale:        truncRunes(rationale, 600),
		RiskLevel:        riskLevel,
		RollbackPlan:     truncRunes(rollbackPlan, 400),
		RequiresApproval: requiresApproval,
		Status:           "draft",
	}
}

// ToRow serializes a protocol record for the protocol_flow table.
func ToRow(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal protocol record: %w", err)
	}
	return string(data), nil
}
