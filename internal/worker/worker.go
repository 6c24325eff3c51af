// Package worker implements the slow track: dream replays over the recent
// event window, and deep refinements that must pass the safety chain and the
// MVCC gate before publishing.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"azimind/internal/config"
	"azimind/internal/contracts"
	"azimind/internal/logging"
	"azimind/internal/routing"
	"azimind/internal/safety"
	"azimind/internal/state"
	"azimind/internal/store"
	"azimind/internal/types"
)

func truncRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// Runner drives one worker cycle over the pending escalation window.
type Runner struct {
	baseDir string
	st      *store.Store
	chain   *safety.Chain
	log     *logging.Logger
}

// New builds a worker runner sharing the store with the brain track.
func New(baseDir string, st *store.Store) *Runner {
	return &Runner{
		baseDir: baseDir,
		st:      st,
		chain:   safety.NewChain(baseDir, st),
		log:     logging.Get(logging.CategoryWorker),
	}
}

// Chain exposes the publish gate for configuration.
func (r *Runner) Chain() *safety.Chain { return r.chain }

var dreamReplayTypes = []string{
	types.EventInput, types.EventIteration, types.EventDeepRequest,
	types.EventDreamRequest, types.EventWebProbe, types.EventFileFeed,
	types.EventVSCodeObserve, types.EventSocial, types.EventDeviceCapture,
}

// composeDreamReplay weaves the recent input flow into a replay draft: the
// dominant source becomes the focus and the last five fragments the weave.
func (r *Runner) composeDreamReplay(seed string, limit int) string {
	if limit < 3 {
		limit = 3
	}
	if limit > 20 {
		limit = 20
	}
	events, err := r.st.RecentEventsByTypes(dreamReplayTypes, limit)
	if err != nil {
		r.log.Warn("dream replay window: %v", err)
	}
	if len(events) == 0 {
		return "Dream replay: input flow is quiet; keep stable rhythm and wait for higher-value signals."
	}

	sourceCount := map[string]int{}
	var merged []string
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		source := e.Source
		if source == "" {
			source = "unknown"
		}
		sourceCount[source]++
		eventType := e.EventType
		if eventType == "" {
			eventType = "-"
		}
		content := strings.TrimSpace(strings.ReplaceAll(e.Content, "\n", " "))
		merged = append(merged, fmt.Sprintf("%s/%s:%s", source, eventType, truncRunes(content, 36)))
	}

	focus := ""
	best := 0
	for source, n := range sourceCount {
		if n > best || (n == best && (focus == "" || source < focus)) {
			focus, best = source, n
		}
	}
	weaveStart := len(merged) - 5
	if weaveStart < 0 {
		weaveStart = 0
	}
	weave := strings.Join(merged[weaveStart:], " | ")

	seedText := truncRunes(strings.TrimSpace(strings.ReplaceAll(seed, "\n", " ")), 80)
	seedPart := ""
	if seedText != "" {
		seedPart = ", trigger=" + seedText
	}
	return fmt.Sprintf("Dream replay focus `%s`%s. Reordered fragments: %s", focus, seedPart, weave)
}

// RunOnce handles up to maxEvents pending escalations and returns how many
// it processed. The caller supplies the budgeted window size.
func (r *Runner) RunOnce(ctx context.Context, rs *state.RuntimeState, maxEvents int) (int, error) {
	cfg := config.LoadLLMConfig(r.baseDir)
	rs.Normalize()

	events, err := r.st.FetchPendingWorker(maxEvents)
	if err != nil {
		return 0, fmt.Errorf("fetch pending worker: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	handled := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if ev.EventType == types.EventDreamRequest {
			err = r.handleDream(ctx, rs, cfg, ev)
		} else {
			err = r.handleDeep(ctx, rs, ev)
		}
		if err != nil {
			r.log.Error("worker event %d failed: %v", ev.ID, err)
			r.haltOnFailure(ev, err)
			continue
		}
		handled++
	}

	if rs.Cycle%40 == 0 {
		if err := r.st.GC(); err != nil {
			r.log.Warn("gc failed: %v", err)
		}
	}
	return handled, nil
}

// haltOnFailure converts a failed escalation into a halt decision so a
// poison event cannot wedge the track.
func (r *Runner) haltOnFailure(ev types.Event, cause error) {
	reason := truncRunes("internal_exception:"+cause.Error(), 320)
	if _, err := r.st.InsertDecision(ev.ID, types.ActionHaltAndFallback, reason,
		"worker processing failed, fallback engaged", map[string]any{"error": cause.Error()}); err != nil {
		r.log.Warn("halt decision for event %d: %v", ev.ID, err)
	}
	if err := r.st.MarkWorkerDone(ev.ID); err != nil {
		r.log.Warn("mark failed event %d done: %v", ev.ID, err)
	}
}

const dreamObjective = "Turn dream replay fragments into one concise actionable insight."

func (r *Runner) handleDream(ctx context.Context, rs *state.RuntimeState, cfg config.LLMConfig, ev types.Event) error {
	baseVersion, err := r.st.StateVersion()
	if err != nil {
		return fmt.Errorf("read state version: %w", err)
	}

	draft := r.composeDreamReplay(ev.Content, 12)
	routeCtx := routing.RouteContext{EventType: ev.EventType, Prompt: draft, Objective: dreamObjective}
	taskType := routing.InferTaskType(types.ActionEscalateDream, types.RiskMid, routing.RouteContext{
		EventType: ev.EventType, Prompt: draft, Objective: "dream replay",
	})
	cfgRoute, _ := routing.MemoryBiasedConfig(rs, cfg, taskType)
	routeMeta := routing.ChooseGroupWithMeta(types.ActionEscalateDream, types.RiskMid, cfgRoute, routeCtx, &rs.Orchestration)

	requestedGroup := routeMeta.Group
	routeGroup, overrideReason := rs.ApplyRouteCooldownOverride(requestedGroup, routing.FallbackGroup(cfgRoute))
	payload := routing.GenerateStructuredResponse(ctx, routeGroup, draft, dreamObjective, cfgRoute, taskType)
	outcome := payload.Outcome()

	rs.ObserveRouteOutcome(requestedGroup, routeGroup, outcome, cfgRoute.APILiveEnabled)
	effectiveReason := routeMeta.Reason
	if overrideReason != "" {
		effectiveReason = overrideReason
	}
	rs.UpdateOrchestrationMetrics(taskType, routeGroup, effectiveReason, outcome)
	policy := state.WorkMemoryPolicyFor(cfgRoute.RoutingPolicy.WorkMemoryStrength)
	rs.UpdateWorkMemory(taskType, requestedGroup, routeGroup, outcome, policy)

	dreamText := strings.TrimSpace(payload.Summary)
	if dreamText == "" {
		dreamText = draft
	}
	r.appendEvent("deep-worker", types.EventDream, dreamText, map[string]any{
		"parent_event_id": ev.ID,
		"seed":            truncRunes(ev.Content, 200),
		"provider":        payload.Provider,
		"model":           payload.Model,
		"live_api":        payload.LiveAPI,
	})
	r.appendEvent("deep-worker", types.EventDreamRelease,
		fmt.Sprintf("dream replay published for event#%d", ev.ID),
		map[string]any{"parent_event_id": ev.ID, "mode": "dream"})

	if err := r.st.RecordCommitWindow(ev.ID, "deep-worker", baseVersion, baseVersion,
		types.CommitDreamNoCommit, "memory replay only"); err != nil {
		r.log.Warn("dream commit window: %v", err)
	}
	if _, err := r.st.InsertDecision(ev.ID, types.ActionDreamReflect,
		"worker dream replay generated", truncRunes(dreamText, 220),
		map[string]any{"worker": "dream", "parent_event_id": ev.ID, "mode": "dream"}); err != nil {
		return fmt.Errorf("dream decision: %w", err)
	}

	score := 0.64
	if payload.LiveAPI {
		score = 0.78
	}
	r.insertContract(ev.ID, "eval_result", contracts.NewEvalResult(
		ev.ID, "deep-worker", "dream_replay", score, true, false,
		[]string{"provider=" + payload.Provider, "model=" + payload.Model}))

	repBefore := rs.RewardRepDreamWorker
	delta := 0.1
	liveCode := "fallback"
	if payload.LiveAPI {
		delta = 0.35
		liveCode = "api_live"
	}
	rs.RewardRepDreamWorker = repBefore + delta
	r.insertContract(ev.ID, "reward_update", contracts.NewRewardUpdate(
		ev.ID, "dream-worker", repBefore, rs.RewardRepDreamWorker,
		[]string{"dream_reflect", liveCode}))

	return r.st.MarkWorkerDone(ev.ID)
}

func (r *Runner) handleDeep(ctx context.Context, rs *state.RuntimeState, ev types.Event) error {
	baseVersion, err := r.st.StateVersion()
	if err != nil {
		return fmt.Errorf("read state version: %w", err)
	}

	patchPlan := fmt.Sprintf("apply reversible refinement for event#%d; source=%s; type=%s; objective=%s",
		ev.ID, ev.Source, ev.EventType, truncRunes(ev.Content, 120))
	chain := r.chain.Run(ctx, ev.ID, patchPlan)
	gatePass := chain.OK && chain.EvalGate != nil && chain.EvalGate.PublishAllowed

	observedVersion, err := r.st.StateVersion()
	if err != nil {
		return fmt.Errorf("read observed version: %w", err)
	}

	commitStatus := types.CommitBlockedEvalGate
	publishAllowed := false
	publishReason := "failed"
	if chain.EvalGate != nil {
		publishReason = chain.EvalGate.Status
	}

	if gatePass {
		if observedVersion != baseVersion {
			commitStatus = types.CommitDriftRebaseNeeded
			publishReason = fmt.Sprintf("mvcc drift: base=%d, observed=%d", baseVersion, observedVersion)
			if _, err := r.chain.Rollback(ev.ID, publishReason); err != nil {
				r.log.Warn("drift rollback: %v", err)
			}
		} else {
			committed, newVersion, err := r.st.AdvanceStateVersion(baseVersion, "deep-worker",
				fmt.Sprintf("event#%d:deep_publish", ev.ID))
			if err != nil {
				return fmt.Errorf("advance version: %w", err)
			}
			if committed {
				commitStatus = types.CommitCommitted
				publishAllowed = true
				publishReason = fmt.Sprintf("published@v%d", newVersion)
				rs.MVCCVersion = newVersion
			} else {
				commitStatus = types.CommitDriftRace
				publishReason = "mvcc commit race"
				if _, err := r.chain.Rollback(ev.ID, publishReason); err != nil {
					r.log.Warn("race rollback: %v", err)
				}
			}
		}
	}

	if err := r.st.RecordCommitWindow(ev.ID, "deep-worker", baseVersion, observedVersion,
		commitStatus, publishReason); err != nil {
		r.log.Warn("deep commit window: %v", err)
	}

	proposalLine := fmt.Sprintf("proposal: %s safe plan for `%s`",
		applyOrHold(publishAllowed), truncRunes(ev.Content, 120))
	safetyState := "failed"
	if chain.OK {
		safetyState = "ok"
	}
	evidenceLine := fmt.Sprintf("evidence: source=%s, type=%s, cycle=%d, safety=%s, publish=%t, status=%s",
		ev.Source, ev.EventType, rs.Cycle, safetyState, publishAllowed, commitStatus)

	commitMeta := map[string]any{
		"base_version":     baseVersion,
		"observed_version": observedVersion,
		"status":           string(commitStatus),
	}
	r.appendEvent("deep-worker", types.EventEvidence, evidenceLine, map[string]any{
		"parent_event_id": ev.ID,
		"safety_chain":    chain,
		"commit_window":   commitMeta,
	})
	if publishAllowed {
		r.appendEvent("deep-worker", types.EventProposal, proposalLine,
			map[string]any{"parent_event_id": ev.ID, "safety_chain": chain})
		r.appendEvent("deep-worker", types.EventDeepRelease,
			fmt.Sprintf("deep release published for event#%d", ev.ID),
			map[string]any{"parent_event_id": ev.ID, "commit_status": string(commitStatus)})
	} else {
		r.appendEvent("deep-worker", types.EventGuard,
			fmt.Sprintf("deep publish blocked for event#%d: %s", ev.ID, publishReason),
			map[string]any{"parent_event_id": ev.ID, "commit_status": string(commitStatus), "eval_gate": chain.EvalGate})
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		chainJSON = []byte("{}")
	}
	r.appendEvent("deep-worker", types.EventTrace,
		fmt.Sprintf("deep safety chain event#%d: %s", ev.ID, truncRunes(string(chainJSON), 600)),
		map[string]any{"parent_event_id": ev.ID})

	action := types.ActionRollback
	summary := fmt.Sprintf("blocked: %s", publishReason)
	if publishAllowed {
		action = types.ActionDeepPublish
		summary = proposalLine
	}
	if _, err := r.st.InsertDecision(ev.ID, action, "worker gate+mvcc checked",
		truncRunes(summary, 220), map[string]any{
			"worker":          "deep",
			"parent_event_id": ev.ID,
			"safety_chain":    chain,
			"eval_gate":       chain.EvalGate,
			"commit_window":   commitMeta,
		}); err != nil {
		return fmt.Errorf("deep decision: %w", err)
	}

	evalScore := 0.3
	if publishAllowed {
		evalScore = 0.92
	} else if chain.OK {
		evalScore = 0.66
	}
	gateStatus := "failed"
	if chain.EvalGate != nil {
		gateStatus = chain.EvalGate.Status
	}
	r.insertContract(ev.ID, "eval_result", contracts.NewEvalResult(
		ev.ID, "deep-worker", "deep_eval_harness", evalScore, publishAllowed, !chain.OK,
		[]string{gateStatus, truncRunes(publishReason, 180)}))

	repBefore := rs.RewardRepDeepWorker
	delta := -0.25
	publishCode := "publish_blocked"
	if publishAllowed {
		delta = 0.45
		publishCode = "publish_allowed"
	}
	rs.RewardRepDeepWorker = repBefore + delta
	r.insertContract(ev.ID, "reward_update", contracts.NewRewardUpdate(
		ev.ID, "deep-worker", repBefore, rs.RewardRepDeepWorker,
		[]string{string(commitStatus), publishCode}))

	return r.st.MarkWorkerDone(ev.ID)
}

func applyOrHold(publish bool) string {
	if publish {
		return "apply"
	}
	return "hold"
}

func (r *Runner) appendEvent(source, eventType, content string, meta map[string]any) {
	if _, err := r.st.AppendEvent(source, eventType, content, meta); err != nil {
		r.log.Warn("append %s event: %v", eventType, err)
	}
}

func (r *Runner) insertContract(eventID int64, kind string, v any) {
	payload, err := contracts.ToRow(v)
	if err != nil {
		r.log.Warn("contract %s marshal: %v", kind, err)
		return
	}
	if _, err := r.st.InsertContract(eventID, kind, payload); err != nil {
		r.log.Warn("contract %s insert: %v", kind, err)
	}
}
