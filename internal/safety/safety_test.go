package safety

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"azimind/internal/store"
)

func newTestChain(t *testing.T) (*Chain, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "azimind.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewChain(dir, st), st, dir
}

func TestSandboxBlocksForbiddenPatterns(t *testing.T) {
	chain, st, dir := newTestChain(t)

	res := chain.Run(context.Background(), 7, "apply cleanup then rm -rf /data")
	require.False(t, res.OK)
	require.Equal(t, "sandbox", res.Stages[0].Stage)
	require.Equal(t, "blocked", res.Stages[0].Status)
	require.Equal(t, "forbidden_pattern:rm -rf", res.Stages[0].Reason)
	require.Equal(t, "rollback", res.Stages[1].Stage)

	// Rollback artifact is written under resident_output/rollback.
	entries, err := os.ReadDir(filepath.Join(dir, "resident_output", "rollback"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "rollback_7_"))

	gates, err := st.RecentEvalGates(10)
	require.NoError(t, err)
	require.Empty(t, gates)
}

func TestChainPassesWithBuiltinEval(t *testing.T) {
	chain, st, dir := newTestChain(t)

	res := chain.Run(context.Background(), 9, "apply reversible refinement for event#9")
	require.True(t, res.OK)
	require.Len(t, res.Stages, 3)
	require.Equal(t, "eval", res.Stages[1].Stage)
	require.Equal(t, "ok", res.Stages[1].Status)
	require.Equal(t, "canary", res.Stages[2].Stage)
	require.NotNil(t, res.EvalGate)
	require.True(t, res.EvalGate.PublishAllowed)
	require.Equal(t, "passed", res.EvalGate.Status)

	entries, err := os.ReadDir(filepath.Join(dir, "resident_output", "canary"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, strings.HasPrefix(entries[0].Name(), "canary_9_"))
	require.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	gates, err := st.RecentEvalGates(10)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	require.Equal(t, "deep_eval_harness", gates[0].GateName)
	require.Equal(t, "passed", gates[0].Status)
	require.True(t, gates[0].Blocking)
}

func TestEvalDisabledFailsGate(t *testing.T) {
	chain, st, _ := newTestChain(t)
	chain.EvalEnabled = false

	res := chain.Run(context.Background(), 4, "safe plan")
	require.False(t, res.OK)
	require.Equal(t, "eval_required", res.Stages[1].Reason)
	require.NotNil(t, res.EvalGate)
	require.Equal(t, "failed", res.EvalGate.Status)
	require.False(t, res.EvalGate.PublishAllowed)

	gates, err := st.RecentEvalGates(10)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	require.Equal(t, "failed", gates[0].Status)
}

func TestExternalEvalCommandParsesPassedCount(t *testing.T) {
	chain, _, _ := newTestChain(t)
	chain.EvalCommand = []string{"sh", "-c", "echo '3 passed in 0.4s'"}

	res := chain.Run(context.Background(), 5, "safe plan")
	require.True(t, res.OK)
	require.Equal(t, "eval_passed", res.Stages[1].Reason)
	require.Equal(t, 3, res.Stages[1].Detail["passed_count"])

	chain.EvalCommand = []string{"sh", "-c", "echo 'no tests ran'"}
	res = chain.Run(context.Background(), 6, "safe plan")
	require.False(t, res.OK)
	require.Equal(t, "eval_no_passed_tests", res.Stages[1].Reason)
}

func TestRollbackWritesLog(t *testing.T) {
	chain, _, _ := newTestChain(t)
	path, err := chain.Rollback(11, "drift_rebase_required")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "rollback triggered: drift_rebase_required")
}
