// Package safety runs the deep-publish gate: a sandbox screen over the patch
// plan, the eval harness, and a canary snapshot. Any failed stage writes a
// rollback artifact and blocks the publish.
package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"azimind/internal/logging"
	"azimind/internal/store"
)

var forbiddenPatchPatterns = []string{
	"rm -rf",
	"drop table",
	"del /f",
	"format c:",
	"git reset --hard",
}

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

// StageResult is the outcome of one chain stage.
type StageResult struct {
	Stage  string         `json:"stage"`
	Status string         `json:"status"`
	Reason string         `json:"reason"`
	Detail map[string]any `json:"detail,omitempty"`
}

// EvalGate summarizes the harness verdict attached to a chain run.
type EvalGate struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	PublishAllowed bool   `json:"publish_allowed"`
}

// ChainResult is the full publish-gate outcome for one event.
type ChainResult struct {
	OK       bool          `json:"ok"`
	Stages   []StageResult `json:"stages"`
	EvalGate *EvalGate     `json:"eval_gate,omitempty"`
}

// Chain drives the sandbox, eval, canary, rollback sequence.
type Chain struct {
	baseDir string
	st      *store.Store
	log     *logging.Logger

	// EvalCommand overrides the harness invocation. When empty the chain
	// runs a built-in storage smoke suite instead of shelling out.
	EvalCommand []string
	// EvalEnabled=false fails the eval stage outright; the gate demands a
	// real harness run before any publish.
	EvalEnabled bool
}

// NewChain builds a publish gate writing artifacts under baseDir.
func NewChain(baseDir string, st *store.Store) *Chain {
	return &Chain{
		baseDir:     baseDir,
		st:          st,
		log:         logging.Get(logging.CategorySafety),
		EvalEnabled: true,
	}
}

// Run executes the chain for one patch plan. The sandbox and eval stages
// each roll back on failure; only a clean canary allows the publish.
func (c *Chain) Run(ctx context.Context, eventID int64, patchPlan string) ChainResult {
	var res ChainResult

	sandbox := c.sandboxStage(patchPlan)
	res.Stages = append(res.Stages, sandbox)
	c.recordStage(eventID, sandbox)
	if sandbox.Status != "ok" {
		res.Stages = append(res.Stages, c.rollback(eventID, sandbox.Reason))
		return res
	}

	eval := c.evalStage(ctx)
	res.Stages = append(res.Stages, eval)
	c.recordStage(eventID, eval)
	gateStatus := "passed"
	if eval.Status != "ok" {
		gateStatus = "failed"
	}
	c.recordEvalGate(eventID, "deep_eval_harness", gateStatus, eval)
	if eval.Status != "ok" {
		res.Stages = append(res.Stages, c.rollback(eventID, eval.Reason))
		res.EvalGate = &EvalGate{Name: "deep_eval_harness", Status: "failed"}
		return res
	}

	canary := c.canaryStage(eventID, patchPlan)
	res.Stages = append(res.Stages, canary)
	c.recordStage(eventID, canary)

	res.OK = canary.Status == "ok"
	res.EvalGate = &EvalGate{Name: "deep_eval_harness", Status: "passed", PublishAllowed: res.OK}
	return res
}

func (c *Chain) sandboxStage(patchPlan string) StageResult {
	low := strings.ToLower(patchPlan)
	for _, pat := range forbiddenPatchPatterns {
		if strings.Contains(low, pat) {
			return StageResult{Stage: "sandbox", Status: "blocked", Reason: "forbidden_pattern:" + pat}
		}
	}
	return StageResult{Stage: "sandbox", Status: "ok", Reason: "passed"}
}

var passedPattern = regexp.MustCompile(`(\d+)\s+passed`)

func (c *Chain) evalStage(ctx context.Context) StageResult {
	if !c.EvalEnabled {
		return StageResult{Stage: "eval", Status: "failed", Reason: "eval_required"}
	}
	if len(c.EvalCommand) == 0 {
		return c.builtinEval()
	}

	evalCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := exec.CommandContext(evalCtx, c.EvalCommand[0], c.EvalCommand[1:]...)
	cmd.Dir = c.baseDir
	out, err := cmd.CombinedOutput()
	stdout := string(out)
	if err != nil {
		return StageResult{
			Stage:  "eval",
			Status: "failed",
			Reason: "eval_failed",
			Detail: map[string]any{"output": truncRunes(stdout, 800), "error": err.Error()},
		}
	}
	m := passedPattern.FindStringSubmatch(stdout)
	passedCount := 0
	if m != nil {
		passedCount, _ = strconv.Atoi(m[1])
	}
	if passedCount <= 0 {
		return StageResult{
			Stage:  "eval",
			Status: "failed",
			Reason: "eval_no_passed_tests",
			Detail: map[string]any{"output": truncRunes(stdout, 800)},
		}
	}
	return StageResult{
		Stage:  "eval",
		Status: "ok",
		Reason: "eval_passed",
		Detail: map[string]any{"passed_count": passedCount, "suite": strings.Join(c.EvalCommand, " ")},
	}
}

// builtinEval exercises the store end to end: append, fetch, flag, version
// read. Each passing check counts toward the same "N passed" contract the
// external harness reports.
func (c *Chain) builtinEval() StageResult {
	passed := 0

	id, err := c.st.AppendEvent("eval-harness", "trace", "eval smoke probe", map[string]any{"eval": true})
	if err != nil {
		return StageResult{Stage: "eval", Status: "failed", Reason: "eval_failed",
			Detail: map[string]any{"error": err.Error()}}
	}
	passed++

	if err := c.st.MarkWorkerDone(id); err != nil {
		return StageResult{Stage: "eval", Status: "failed", Reason: "eval_failed",
			Detail: map[string]any{"error": err.Error()}}
	}
	passed++

	if _, err := c.st.StateVersion(); err != nil {
		return StageResult{Stage: "eval", Status: "failed", Reason: "eval_failed",
			Detail: map[string]any{"error": err.Error()}}
	}
	passed++

	stdout := fmt.Sprintf("%d passed", passed)
	m := passedPattern.FindStringSubmatch(stdout)
	if m == nil {
		return StageResult{Stage: "eval", Status: "failed", Reason: "eval_no_passed_tests"}
	}
	return StageResult{
		Stage:  "eval",
		Status: "ok",
		Reason: "eval_passed",
		Detail: map[string]any{"passed_count": passed, "suite": "builtin_storage_smoke"},
	}
}

func (c *Chain) canaryStage(eventID int64, patchPlan string) StageResult {
	ts := strings.NewReplacer(":", "", "-", "").Replace(nowISO())
	canaryDir := filepath.Join(c.baseDir, "resident_output", "canary")
	if err := os.MkdirAll(canaryDir, 0o755); err != nil {
		return StageResult{Stage: "canary", Status: "failed", Reason: "canary_dir:" + err.Error()}
	}
	path := filepath.Join(canaryDir, fmt.Sprintf("canary_%d_%s.json", eventID, ts))
	payload := map[string]any{
		"event_id":   eventID,
		"created_at": nowISO(),
		"patch_plan": truncRunes(patchPlan, 4000),
		"status":     "canary_passed",
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return StageResult{Stage: "canary", Status: "failed", Reason: "canary_marshal:" + err.Error()}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return StageResult{Stage: "canary", Status: "failed", Reason: "canary_write:" + err.Error()}
	}
	if err := c.st.RecordCanarySnapshot(eventID, path, "ok"); err != nil {
		c.log.Warn("canary snapshot record failed: %v", err)
	}
	return StageResult{
		Stage:  "canary",
		Status: "ok",
		Reason: "canary_saved",
		Detail: map[string]any{"snapshot_path": path},
	}
}

// Rollback writes a rollback log for the event and returns its path. It is
// also invoked directly by the worker on commit drift.
func (c *Chain) Rollback(eventID int64, reason string) (string, error) {
	rollbackDir := filepath.Join(c.baseDir, "resident_output", "rollback")
	if err := os.MkdirAll(rollbackDir, 0o755); err != nil {
		return "", fmt.Errorf("rollback dir: %w", err)
	}
	path := filepath.Join(rollbackDir, fmt.Sprintf("rollback_%d_%d.log", eventID, time.Now().Unix()))
	line := fmt.Sprintf("%s rollback triggered: %s\n", nowISO(), reason)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("rollback write: %w", err)
	}
	return path, nil
}

func (c *Chain) rollback(eventID int64, reason string) StageResult {
	path, err := c.Rollback(eventID, reason)
	if err != nil {
		c.log.Error("rollback stage failed: %v", err)
		path = "-"
	}
	stage := StageResult{
		Stage:  "rollback",
		Status: "ok",
		Reason: reason,
		Detail: map[string]any{"rollback_log": path},
	}
	c.recordStage(eventID, stage)
	return stage
}

func (c *Chain) recordStage(eventID int64, stage StageResult) {
	detail, err := json.Marshal(stage)
	if err != nil {
		detail = []byte("{}")
	}
	if err := c.st.RecordDeepRun(eventID, stage.Stage, stage.Status, string(detail)); err != nil {
		c.log.Warn("deep run record failed: %v", err)
	}
}

func (c *Chain) recordEvalGate(eventID int64, name, status string, stage StageResult) {
	detail, err := json.Marshal(stage)
	if err != nil {
		detail = []byte("{}")
	}
	if err := c.st.RecordEvalGate(eventID, name, status, true, string(detail)); err != nil {
		c.log.Warn("eval gate record failed: %v", err)
	}
}
