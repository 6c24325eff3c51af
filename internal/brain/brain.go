// Package brain implements the fast track: for each pending event it ingests
// memory, diagnoses the dials, chooses an action, routes a provider call,
// publishes contracts and protocol records, and commits the cycle through
// the MVCC version gate.
package brain

import (
	"context"
	"fmt"
	"strings"

	"azimind/internal/config"
	"azimind/internal/contracts"
	"azimind/internal/diagnose"
	"azimind/internal/governance"
	"azimind/internal/logging"
	"azimind/internal/memory"
	"azimind/internal/protocol"
	"azimind/internal/routing"
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

// Runner drives one brain cycle over the pending event window.
type Runner struct {
	baseDir string
	st      *store.Store
	mem     *memory.Index
	log     *logging.Logger

	// ForceDeep escalates every handled event to the deep track.
	ForceDeep bool
}

// New builds a brain runner over the shared store.
func New(baseDir string, st *store.Store) *Runner {
	return &Runner{
		baseDir: baseDir,
		st:      st,
		mem:     memory.New(st),
		log:     logging.Get(logging.CategoryBrain),
	}
}

func chooseAction(result diagnose.Result, eventType string, forceDeep bool, meta map[string]any) types.Action {
	if result.Halt.Triggered {
		return types.ActionHaltAndFallback
	}
	mode, _ := meta["mode"].(string)
	if eventType == types.EventDreamRequest || strings.ToLower(strings.TrimSpace(mode)) == "dream" {
		return types.ActionEscalateDream
	}
	if forceDeep || eventType == types.EventIteration || eventType == types.EventDeepRequest {
		return types.ActionEscalateDeep
	}
	if eventType == types.EventHealth {
		return types.ActionStabilize
	}
	return types.ActionPlanNext
}

// RunOnce handles up to maxEvents pending events and returns how many it
// processed. The caller supplies the budgeted window size.
func (r *Runner) RunOnce(ctx context.Context, rs *state.RuntimeState, maxEvents int) (int, error) {
	cfg := config.LoadLLMConfig(r.baseDir)
	immutablePaths := config.LoadImmutablePaths(r.baseDir)
	rs.Normalize()

	events, err := r.st.FetchPendingBrain(maxEvents)
	if err != nil {
		return 0, fmt.Errorf("fetch pending brain: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	skillPolicy := config.LoadSkillPolicy(r.baseDir)

	handled := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := r.handleEvent(ctx, rs, cfg, skillPolicy, immutablePaths, ev); err != nil {
			r.log.Error("event %d failed: %v", ev.ID, err)
			r.haltOnFailure(ev, err)
			continue
		}
		handled++
	}

	if err := r.st.AppendHealth("brain-loop", "ok", fmt.Sprintf("handled=%d cycle=%d", handled, rs.Cycle)); err != nil {
		r.log.Warn("health record: %v", err)
	}
	if rs.Cycle%40 == 0 {
		if err := r.st.GC(); err != nil {
			r.log.Warn("gc failed: %v", err)
		}
	}
	return handled, nil
}

// haltOnFailure converts a failed event into a halt decision so a poison
// event cannot wedge the track.
func (r *Runner) haltOnFailure(ev types.Event, cause error) {
	reason := truncRunes("internal_exception:"+cause.Error(), 320)
	if _, err := r.st.InsertDecision(ev.ID, types.ActionHaltAndFallback, reason,
		"event processing failed, fallback engaged", map[string]any{"error": cause.Error()}); err != nil {
		r.log.Warn("halt decision for event %d: %v", ev.ID, err)
	}
	if err := r.st.MarkBrainDone(ev.ID); err != nil {
		r.log.Warn("mark failed event %d done: %v", ev.ID, err)
	}
}

func (r *Runner) handleEvent(ctx context.Context, rs *state.RuntimeState, cfg config.LLMConfig, skillPolicy config.SkillPolicy, immutablePaths []string, ev types.Event) error {
	baseVersion, err := r.st.StateVersion()
	if err != nil {
		return fmt.Errorf("read state version: %w", err)
	}

	memStats, err := r.mem.IngestEvent(ev.ID, ev.Source, ev.Content, ev.Meta)
	if err != nil {
		r.log.Warn("memory ingest for event %d: %v", ev.ID, err)
	}
	retrieved, err := r.mem.HybridRetrieve(ev.Content, 8)
	if err != nil {
		r.log.Warn("retrieve for event %d: %v", ev.ID, err)
	}

	result := diagnose.Diagnose(ev.Content, diagnose.FromRuntime(rs))
	action := chooseAction(result, ev.EventType, r.ForceDeep, ev.Meta)

	trust := r.mem.SourceTrust(ev.Source)
	risk := governance.AssessRisk(ev.ID, action, ev.Content, ev.Source, trust)
	guard := governance.CheckImmutableGuard(ev.Content, immutablePaths)
	if guard.Blocked {
		action = types.ActionHaltAndFallback
		detail := fmt.Sprintf("event#%d blocked paths=%v", ev.ID, guard.Hits)
		if err := governance.RecordGuardEvent(r.st, "immutable", "high", detail); err != nil {
			r.log.Warn("guard event record: %v", err)
		}
	}

	requiresApproval := risk.RequiresApproval
	approved := !requiresApproval || config.LoadApprovalOverride(r.baseDir, ev.ID)
	if requiresApproval && !approved {
		action = types.ActionAwaitApproval
	}

	routeCtx := routing.RouteContext{
		EventType: ev.EventType,
		Prompt:    ev.Content,
		Objective: result.Diagnosis,
	}
	taskTypeHint := routing.InferTaskType(action, risk.RiskLevel, routeCtx)
	cfgRoute, memPrefGroups := routing.MemoryBiasedConfig(rs, cfg, taskTypeHint)
	routeMeta := routing.ChooseGroupWithMeta(action, risk.RiskLevel, cfgRoute, routeCtx, &rs.Orchestration)

	requestedGroup := routeMeta.Group
	taskType := routeMeta.TaskType
	routeGroup, overrideReason := rs.ApplyRouteCooldownOverride(requestedGroup, routing.FallbackGroup(cfgRoute))

	payload := routing.GenerateStructuredResponse(ctx, routeGroup, ev.Content, result.Diagnosis, cfgRoute, taskType)
	outcome := payload.Outcome()

	rs.ObserveRouteOutcome(requestedGroup, routeGroup, outcome, cfgRoute.APILiveEnabled)
	effectiveReason := routeMeta.Reason
	if overrideReason != "" {
		effectiveReason = overrideReason
	}
	rs.UpdateOrchestrationMetrics(taskType, routeGroup, effectiveReason, outcome)
	policy := state.WorkMemoryPolicyFor(cfgRoute.RoutingPolicy.WorkMemoryStrength)
	rs.UpdateWorkMemory(taskType, requestedGroup, routeGroup, outcome, policy)

	routeDetail := map[string]any{
		"summary":            payload.Summary,
		"next_step":          payload.NextStep,
		"provider":           payload.Provider,
		"model":              payload.Model,
		"live_api":           payload.LiveAPI,
		"latency_ms":         payload.LatencyMS,
		"estimated_cost_usd": payload.EstimatedCostUSD,
		"task_type":          taskType,
		"route_reason":       routeMeta.Reason,
		"route_candidates":   routeMeta.Candidates,
		"route_scores":       routeMeta.Scores,
		"requested_group":    requestedGroup,
		"effective_group":    routeGroup,
	}
	if payload.Error != "" {
		routeDetail["error"] = payload.Error
	}
	if overrideReason != "" {
		routeDetail["stability_override"] = overrideReason
	}
	if len(memPrefGroups) > 0 {
		groups := memPrefGroups
		if len(groups) > 6 {
			groups = groups[:6]
		}
		routeDetail["memory_bias"] = map[string]any{
			"task_type":        taskTypeHint,
			"preferred_groups": groups,
			"strength":         policy.Strength,
		}
	}
	if _, err := r.st.InsertProviderRoute(ev.ID, action, routeGroup, routeDetail); err != nil {
		r.log.Warn("provider route record: %v", err)
	}

	r.publishContracts(rs, cfgRoute, skillPolicy, ev, action, taskType, routeGroup, payload, result, risk, guard, requiresApproval, approved)
	r.publishProtocol(ev, action, payload, result, risk, retrieved, requiresApproval)

	summary := result.Diagnosis
	if len(result.ActionableAdvice) > 0 {
		summary = result.ActionableAdvice[0]
	}
	summary = truncRunes(summary, 240)
	if action == types.ActionAwaitApproval {
		summary = "high-risk action pending approval"
	}
	decisionMeta := map[string]any{
		"result":       result,
		"event_meta":   ev.Meta,
		"memory_stats": memStats,
		"retrieve":     retrieved,
		"risk":         risk,
		"route":        routeDetail,
	}
	if _, err := r.st.InsertDecision(ev.ID, action, truncRunes(result.Diagnosis, 240), summary, decisionMeta); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	if _, err := governance.RecordRiskGate(r.st, risk, action, approved); err != nil {
		r.log.Warn("risk gate record: %v", err)
	}

	r.enqueueEscalations(ev, action, risk, approved)

	observedVersion, err := r.st.StateVersion()
	if err != nil {
		return fmt.Errorf("read observed version: %w", err)
	}
	note := fmt.Sprintf("event#%d:%s", ev.ID, action)
	committed, newVersion, err := r.st.AdvanceStateVersion(baseVersion, "brain-loop", note)
	if err != nil {
		return fmt.Errorf("advance version: %w", err)
	}
	status := types.CommitCommitted
	if !committed {
		status = types.CommitRebaseCommitted
		rebased, v, err := r.st.AdvanceStateVersion(observedVersion, "brain-loop", note+":rebase")
		if err != nil {
			return fmt.Errorf("rebase version: %w", err)
		}
		newVersion = v
		if !rebased {
			status = types.CommitDriftUnresolved
			newVersion, _ = r.st.StateVersion()
		}
	}
	if err := r.st.RecordCommitWindow(ev.ID, "brain-loop", baseVersion, observedVersion, status, "action="+string(action)); err != nil {
		r.log.Warn("commit window record: %v", err)
	}

	rs.MVCCVersion = newVersion
	applyStateDeltas(rs, ev.ID, action, result)
	if err := r.st.MarkBrainDone(ev.ID); err != nil {
		return fmt.Errorf("mark brain done: %w", err)
	}

	emergence, err := governance.EmergenceGuard(r.st)
	if err != nil {
		r.log.Warn("emergence guard: %v", err)
	} else if emergence.Alert {
		if _, err := r.st.AppendEvent("emergence-guard", types.EventGuard, emergence.Reason,
			map[string]any{"event_id": ev.ID}); err != nil {
			r.log.Warn("emergence enqueue: %v", err)
		}
	}
	return nil
}

func (r *Runner) publishContracts(rs *state.RuntimeState, cfg config.LLMConfig, skillPolicy config.SkillPolicy, ev types.Event, action types.Action, taskType, routeGroup string, payload routing.Payload, result diagnose.Result, risk governance.Assessment, guard governance.GuardResult, requiresApproval, approved bool) {
	plan := contracts.NewPlan(ev.ID, ev.Content, action, routeGroup, payload.Summary)
	r.insertContract(ev.ID, "plan", plan)

	riskReport := contracts.NewRiskReport(ev.ID, risk.RiskLevel, risk.Reasons, requiresApproval, guard.Blocked)
	r.insertContract(ev.ID, "risk_report", riskReport)

	if requiresApproval {
		r.insertContract(ev.ID, "approval", contracts.NewApproval(ev.ID, action, approved))
	}

	dispatch := contracts.BuildDispatchPlan(contracts.DispatchContext{
		EventID: ev.ID,
		Brief: contracts.StateBrief{
			Cycle:      rs.Cycle,
			Energy:     rs.Energy,
			Stress:     rs.Stress,
			Continuity: rs.Continuity,
		},
		Content:          ev.Content,
		EventType:        ev.EventType,
		Meta:             ev.Meta,
		Action:           action,
		TaskType:         taskType,
		RouteGroup:       routeGroup,
		RouteSummary:     payload.Summary,
		RouteNextStep:    payload.NextStep,
		LiveAPI:          payload.LiveAPI,
		Diagnosis:        result.Diagnosis,
		RiskLevel:        risk.RiskLevel,
		RequiresApproval: requiresApproval,
		Approved:         approved,
	}, cfg)
	dispatch.RecommendedSkills = skillPolicy.FilterSkills(dispatch.RecommendedSkills)
	r.insertContract(ev.ID, "dispatch_plan", dispatch)

	trace := contracts.NewExecTrace(ev.ID, action, routeGroup, ev.Content, payload.Summary, plan.ID, riskReport.ID)
	r.insertContract(ev.ID, "exec_trace", trace)
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

func (r *Runner) publishProtocol(ev types.Event, action types.Action, payload routing.Payload, result diagnose.Result, risk governance.Assessment, retrieved memory.Retrieval, requiresApproval bool) {
	priority := "mid"
	if risk.RiskLevel == types.RiskHigh {
		priority = "high"
	}
	task := protocol.MakeTask(ev.ID, ev.Content, ev.Source, priority)
	pack := protocol.MakeEvidencePack(task.TaskID, retrieved.Facts, retrieved.Vectors, ev.Content, ev.ID)

	nextStep := payload.NextStep
	if nextStep == "" {
		nextStep = "-"
	}
	diagnosis := result.Diagnosis
	if diagnosis == "" {
		diagnosis = "-"
	}
	proposal := protocol.MakeProposal(task.TaskID, string(action),
		fmt.Sprintf("%s; diagnosis=%s", nextStep, diagnosis),
		string(risk.RiskLevel), requiresApproval, "fallback_to_previous_state + reopen_at_7d")

	r.insertProtocol(ev.ID, "task", task)
	r.insertProtocol(ev.ID, "evidence", pack)
	r.insertProtocol(ev.ID, "proposal", proposal)
}

func (r *Runner) insertProtocol(eventID int64, kind string, v any) {
	payload, err := protocol.ToRow(v)
	if err != nil {
		r.log.Warn("protocol %s marshal: %v", kind, err)
		return
	}
	if _, err := r.st.InsertProtocolFlow(eventID, kind, payload); err != nil {
		r.log.Warn("protocol %s insert: %v", kind, err)
	}
}

func (r *Runner) enqueueEscalations(ev types.Event, action types.Action, risk governance.Assessment, approved bool) {
	switch {
	case action == types.ActionEscalateDeep && approved && ev.EventType != types.EventDeepRequest:
		r.appendEvent("brain-loop", types.EventDeepRequest,
			fmt.Sprintf("deep request from event %d: %s", ev.ID, truncRunes(ev.Content, 200)),
			map[string]any{"parent_event_id": ev.ID})
	case action == types.ActionEscalateDream && approved && ev.EventType != types.EventDreamRequest:
		r.appendEvent("brain-loop", types.EventDreamRequest,
			fmt.Sprintf("dream request from event %d: %s", ev.ID, truncRunes(ev.Content, 200)),
			map[string]any{"parent_event_id": ev.ID})
	case action == types.ActionAwaitApproval:
		r.appendEvent("risk-gate", types.EventRisk,
			fmt.Sprintf("approval required for event %d: %s", ev.ID, truncRunes(ev.Content, 180)),
			map[string]any{"parent_event_id": ev.ID, "risk": risk})
	}
}

func (r *Runner) appendEvent(source, eventType, content string, meta map[string]any) {
	if _, err := r.st.AppendEvent(source, eventType, content, meta); err != nil {
		r.log.Warn("append %s event: %v", eventType, err)
	}
}

// applyStateDeltas folds one handled event into the dials. The base cost of
// a cycle is adjusted per action, degraded mode, actionable output, and
// halts, then clamped to [0,1].
func applyStateDeltas(rs *state.RuntimeState, eventID int64, action types.Action, result diagnose.Result) {
	energyDelta := -0.03
	stressDelta := 0.02
	continuityDelta := 0.01
	uncertaintyDelta := -0.01
	integrityDelta := 0.005

	switch action {
	case types.ActionEscalateDeep:
		energyDelta -= 0.03
		stressDelta += 0.03
	case types.ActionEscalateDream:
		energyDelta -= 0.015
		stressDelta -= 0.01
		continuityDelta += 0.015
		uncertaintyDelta -= 0.015
	case types.ActionHaltAndFallback:
		stressDelta -= 0.05
		continuityDelta -= 0.02
		uncertaintyDelta += 0.04
	case types.ActionStabilize:
		stressDelta -= 0.04
		continuityDelta += 0.02
		uncertaintyDelta -= 0.02
	}

	if rs.Stability.Mode == "degraded" {
		stressDelta += 0.01
		continuityDelta -= 0.005
		uncertaintyDelta += 0.01
	}
	if len(result.ActionableAdvice) > 0 {
		uncertaintyDelta -= 0.02
		continuityDelta += 0.01
	}
	if result.Halt.Triggered {
		uncertaintyDelta += 0.06
		integrityDelta -= 0.01
	}

	rs.Cycle++
	rs.Energy = state.Clamp(rs.Energy+energyDelta, 0, 1)
	rs.Stress = state.Clamp(rs.Stress+stressDelta, 0, 1)
	rs.Uncertainty = state.Clamp(rs.Uncertainty+uncertaintyDelta, 0, 1)
	rs.Integrity = state.Clamp(rs.Integrity+integrityDelta, 0, 1)
	rs.Continuity = state.Clamp(rs.Continuity+continuityDelta, 0, 1)
	rs.LastEventID = eventID
	rs.LastAction = string(action)
	rs.LastReason = truncRunes(result.Diagnosis, 220)
	rs.Stability.LastUpdated = state.NowISO()
}
