package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/memory"
)

func TestMakeTask(t *testing.T) {
	task := MakeTask(12, "first line of the goal\nsecond line with detail", "manual", "high")
	require.Equal(t, "task-12", task.TaskID)
	require.Equal(t, int64(12), task.SourceEventID)
	require.Equal(t, "first line of the goal", task.Title)
	require.Contains(t, task.Objective, "second line")
	require.Equal(t, "high", task.Priority)
	require.Equal(t, []string{"keep_state_consistent", "prefer_reversible_changes", "emit_actionable_output"}, task.Constraints)
	require.Equal(t, []string{"manual", "runtime"}, task.Tags)

	task = MakeTask(13, "", "", "urgent")
	require.Equal(t, "event-13", task.Title)
	require.Equal(t, "mid", task.Priority)
	require.Equal(t, []string{"unknown", "runtime"}, task.Tags)

	long := strings.Repeat("x", 500)
	task = MakeTask(14, long, "manual", "low")
	require.Len(t, []rune(task.Title), 72)
	require.Len(t, []rune(task.Objective), 400)
}

func TestMakeEvidencePack(t *testing.T) {
	facts := make([]memory.Fact, 8)
	for i := range facts {
		facts[i] = memory.Fact{ClaimText: "claim", Confidence: 0.7, Source: "manual", LastSeenEventID: int64(i + 1)}
	}
	vectors := []memory.VectorHit{
		{EventID: 3, Content: "memory line", Score: 1.4},
	}
	pack := MakeEvidencePack("task-12", facts, vectors, "observed spike", 12)

	require.Equal(t, "pack-task-12", pack.PackID)
	// Capped at six facts, plus one memory and the observation.
	require.Len(t, pack.Items, 8)
	require.Equal(t, "task-12-fact-1", pack.Items[0].EvidenceID)
	require.Equal(t, "fact", pack.Items[0].Kind)
	require.Equal(t, "memory", pack.Items[6].Kind)
	require.Equal(t, "vector-memory", pack.Items[6].Source)
	require.Equal(t, 1.0, pack.Items[6].Confidence)
	require.Equal(t, "observation", pack.Items[7].Kind)
	require.Equal(t, int64(12), pack.Items[7].RefEventID)
	require.Equal(t, 8, pack.Retrieval["fact_hits"])
	require.Equal(t, 1, pack.Retrieval["memory_hits"])
}

func TestMakeProposal(t *testing.T) {
	p := MakeProposal("task-9", "escalate_deep", "next; diagnosis=4D", "high", true, "fallback to previous stable state")
	require.Equal(t, "proposal-task-9", p.ProposalID)
	require.Equal(t, "high", p.RiskLevel)
	require.True(t, p.RequiresApproval)
	require.Equal(t, "draft", p.Status)

	p = MakeProposal("task-9", "plan_next", "r", "catastrophic", false, "x")
	require.Equal(t, "mid", p.RiskLevel)

	payload, err := ToRow(p)
	require.NoError(t, err)
	require.Contains(t, payload, `"proposal_id":"proposal-task-9"`)
}
