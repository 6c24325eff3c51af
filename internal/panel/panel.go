// Package panel assembles the read-only runtime snapshot served over HTTP:
// dials, decision trail, external lanes, protocol flows, guardrails, the
// deep/dream worker trail, and the learned routing scoreboards.
package panel

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"azimind/internal/logging"
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

func lastEight(ts string) string {
	if len(ts) > 8 {
		return ts[len(ts)-8:]
	}
	return ts
}

func round(v float64, digits int) float64 {
	p := math.Pow10(digits)
	return math.Round(v*p) / p
}

// Builder reads the store and state into one snapshot document.
type Builder struct {
	st  *store.Store
	log *logging.Logger
}

// NewBuilder wraps the shared store.
func NewBuilder(st *store.Store) *Builder {
	return &Builder{st: st, log: logging.Get(logging.CategoryPanel)}
}

func parseJSONDict(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func eventDetail(e *types.Event) map[string]any {
	if e == nil {
		return nil
	}
	return map[string]any{
		"id":         e.ID,
		"ts":         e.TS.Format("2006-01-02T15:04:05"),
		"source":     e.Source,
		"event_type": e.EventType,
		"content":    truncRunes(e.Content, 1000),
		"meta":       e.Meta,
	}
}

func (b *Builder) latestEventDetail(eventTypes []string, source, contentLike string) map[string]any {
	ev, err := b.st.LatestEventDetail(eventTypes, source, contentLike, 80)
	if err != nil {
		b.log.Warn("latest event detail: %v", err)
		return nil
	}
	return eventDetail(ev)
}

func (b *Builder) latestDecisionDetail(actions []string, worker string) map[string]any {
	decisions, err := b.st.RecentDecisions(120)
	if err != nil {
		b.log.Warn("decision detail: %v", err)
		return nil
	}
	wanted := map[string]bool{}
	for _, a := range actions {
		wanted[a] = true
	}
	for _, d := range decisions {
		if !wanted[string(d.Action)] {
			continue
		}
		if worker != "" {
			w, _ := d.Meta["worker"].(string)
			if w != worker {
				continue
			}
		}
		return map[string]any{
			"id":       d.ID,
			"event_id": d.EventID,
			"ts":       d.TS.Format("2006-01-02T15:04:05"),
			"action":   string(d.Action),
			"reason":   truncRunes(d.Reason, 320),
			"summary":  truncRunes(d.Summary, 320),
			"meta":     d.Meta,
		}
	}
	return nil
}

func (b *Builder) latestContractDetail(kind, suite, actorID string) map[string]any {
	records, err := b.st.RecentContracts(kind, 160)
	if err != nil {
		b.log.Warn("contract detail: %v", err)
		return nil
	}
	for _, rec := range records {
		payload := parseJSONDict(rec.Payload)
		if suite != "" {
			got, _ := payload["suite"].(string)
			if got != suite {
				continue
			}
		}
		if actorID != "" {
			got, _ := payload["actor_id"].(string)
			if got != actorID {
				continue
			}
		}
		return map[string]any{
			"id":       rec.ID,
			"ts":       rec.TS,
			"event_id": rec.EventID,
			"kind":     rec.Kind,
			"payload":  payload,
		}
	}
	return nil
}

func (b *Builder) recentEventLinesByTypes(eventTypes []string, limit int) []string {
	events, err := b.st.RecentEventsByTypes(eventTypes, limit)
	if err != nil {
		b.log.Warn("recent event lines: %v", err)
		return nil
	}
	var out []string
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		source := e.Source
		if source == "" {
			source = "-"
		}
		content := strings.ReplaceAll(e.Content, "\n", " ")
		out = append(out, fmt.Sprintf("[%s] %s(%s) %s",
			e.TS.Format("15:04:05"), e.EventType, source, truncRunes(content, 160)))
	}
	return out
}

func (b *Builder) protocolLines(kind string, limit int) []string {
	records, err := b.st.RecentProtocolPayloads(kind, limit)
	if err != nil {
		b.log.Warn("protocol lines: %v", err)
		return nil
	}
	var out []string
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		payload := parseJSONDict(rec.Payload)
		var msg string
		switch kind {
		case "task":
			msg = fmt.Sprintf("%v: %v", payload["task_id"], payload["title"])
		case "evidence":
			items, _ := payload["items"].([]any)
			msg = fmt.Sprintf("%v: items=%d", payload["pack_id"], len(items))
		default:
			msg = fmt.Sprintf("%v: action=%v", payload["proposal_id"], payload["action"])
		}
		out = append(out, fmt.Sprintf("[%s] %s", lastEight(rec.TS), truncRunes(msg, 180)))
	}
	return out
}

func (b *Builder) commitWindowLines(limit int) []string {
	windows, err := b.st.RecentCommitWindows(limit)
	if err != nil {
		b.log.Warn("commit window lines: %v", err)
		return nil
	}
	var out []string
	for i := len(windows) - 1; i >= 0; i-- {
		w := windows[i]
		out = append(out, fmt.Sprintf("[%s] %s event#%d v%d->%d %s %s",
			w.TS.Format("15:04:05"), w.Actor, w.EventID, w.BaseVersion,
			w.ObservedVersion, w.Status, truncRunes(w.Note, 80)))
	}
	return out
}

func (b *Builder) evalGateLines(limit int) []string {
	gates, err := b.st.RecentEvalGates(limit)
	if err != nil {
		b.log.Warn("eval gate lines: %v", err)
		return nil
	}
	var out []string
	for i := len(gates) - 1; i >= 0; i-- {
		g := gates[i]
		blocking := 0
		if g.Blocking {
			blocking = 1
		}
		out = append(out, fmt.Sprintf("[%s] event#%d %s %s blocking=%d",
			lastEight(g.TS), g.EventID, g.GateName, g.Status, blocking))
	}
	return out
}

var flowReflectionTypes = []string{
	types.EventInput, types.EventIteration, types.EventDeepRequest,
	types.EventDreamRequest, types.EventDream, types.EventWebProbe,
	types.EventFileFeed, types.EventVSCodeObserve, types.EventSocial,
	types.EventDeviceCapture, types.EventShallow,
}

var internalSources = map[string]bool{
	"brain-loop":      true,
	"deep-worker":     true,
	"risk-gate":       true,
	"emergence-guard": true,
	"health-check":    true,
}

func (b *Builder) flowReflection() string {
	events, err := b.st.RecentEventsByTypes(flowReflectionTypes, 120)
	if err != nil {
		b.log.Warn("flow reflection: %v", err)
	}
	counts := map[string]int{}
	total := 0
	for _, e := range events {
		if internalSources[e.Source] {
			continue
		}
		source := e.Source
		if source == "" {
			source = "-"
		}
		counts[source]++
		total++
	}
	if total == 0 {
		return "信息流很安静，我先保持低负荷监听。"
	}

	topSource := ""
	topCount := 0
	for source, n := range counts {
		if n > topCount || (n == topCount && (topSource == "" || source < topSource)) {
			topSource, topCount = source, n
		}
	}
	ratio := float64(topCount) / float64(total) * 100.0

	guardCount := 0
	if recent, err := b.st.RecentEvents(80); err == nil {
		for _, e := range recent {
			if e.EventType == types.EventGuard {
				guardCount++
			}
		}
	}

	var tone string
	switch {
	case strings.Contains(topSource, "web"):
		tone = "外部网页信号占主导，我会优先做事实压缩再入链路。"
	case strings.Contains(topSource, "file"), strings.Contains(topSource, "vscode"):
		tone = "代码与文件流更强，我会先稳住上下文一致性。"
	case strings.Contains(topSource, "social"):
		tone = "对话输入密度上升，我会把可执行建议放在前面。"
	case strings.Contains(topSource, "device"):
		tone = "设备采集流量偏高，我会先做边界和风险筛查。"
	default:
		tone = "多源输入比较均衡，我会维持快慢路径协同。"
	}
	riskHint := "风险闸门目前可控。"
	if guardCount >= 6 {
		riskHint = "警戒信号偏高，先收敛再扩展。"
	}
	return fmt.Sprintf("最近120条输入里，`%s` 占比约 %.0f%%（%d/%d）。%s %s",
		topSource, ratio, topCount, total, tone, riskHint)
}

func stabilitySnapshot(rs *state.RuntimeState) map[string]any {
	st := rs.Stability
	active := map[string]int{}
	for group, until := range st.RouteCooldownUntil {
		if until > rs.Cycle {
			active[group] = until
		}
	}
	return map[string]any{
		"mode":            st.Mode,
		"panic_count":     st.PanicCount,
		"degraded_cycles": st.DegradedCycles,
		"brain_budget": map[string]any{
			"requested": st.RequestedBrainEvents,
			"effective": st.EffectiveBrainEvents,
		},
		"worker_budget": map[string]any{
			"requested": st.RequestedWorkerEvents,
			"effective": st.EffectiveWorkerEvents,
		},
		"route": map[string]any{
			"last_group":            st.LastRouteGroup,
			"last_override":         st.LastRouteOverride,
			"last_error":            st.LastRouteError,
			"consecutive_fallbacks": st.ConsecutiveFallbacks,
			"active_cooldowns":      active,
		},
		"last_budget_reason": st.LastBudgetReason,
		"last_updated":       st.LastUpdated,
	}
}

func orchestrationSnapshot(rs *state.RuntimeState) map[string]any {
	orch := rs.Orchestration

	type groupRow struct {
		group string
		sr    float64
		total int
		lat   float64
	}
	groups := make([]groupRow, 0, len(orch.GroupMetrics))
	for name, m := range orch.GroupMetrics {
		groups = append(groups, groupRow{name, m.SuccessRate, m.Total, m.LatencyMSEMA})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].sr != groups[j].sr {
			return groups[i].sr > groups[j].sr
		}
		if groups[i].total != groups[j].total {
			return groups[i].total > groups[j].total
		}
		if groups[i].lat != groups[j].lat {
			return groups[i].lat < groups[j].lat
		}
		return groups[i].group < groups[j].group
	})
	if len(groups) > 5 {
		groups = groups[:5]
	}
	topGroups := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		topGroups = append(topGroups, map[string]any{
			"group":          g.group,
			"success_rate":   round(g.sr, 4),
			"total":          g.total,
			"latency_ms_ema": round(g.lat, 2),
		})
	}

	type modelRow struct {
		key   string
		sr    float64
		total int
	}
	models := make([]modelRow, 0, len(orch.ModelMetrics))
	for key, m := range orch.ModelMetrics {
		models = append(models, modelRow{key, m.SuccessRate, m.Total})
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].sr != models[j].sr {
			return models[i].sr > models[j].sr
		}
		if models[i].total != models[j].total {
			return models[i].total > models[j].total
		}
		return models[i].key < models[j].key
	})
	if len(models) > 6 {
		models = models[:6]
	}
	topModels := make([]map[string]any, 0, len(models))
	for _, m := range models {
		topModels = append(topModels, map[string]any{
			"model_key":    m.key,
			"success_rate": round(m.sr, 4),
			"total":        m.total,
		})
	}

	return map[string]any{
		"last_task_type":    orch.LastTaskType,
		"last_route_group":  orch.LastRouteGroup,
		"last_route_reason": orch.LastRouteReason,
		"last_provider":     orch.LastProvider,
		"last_model":        orch.LastModel,
		"last_error":        orch.LastError,
		"last_latency_ms":   orch.LastLatencyMS,
		"last_cost_usd":     round(orch.LastCostUSD, 6),
		"top_groups":        topGroups,
		"top_models":        topModels,
		"task_route_stats":  orch.TaskRouteStats,
		"updated_at":        orch.UpdatedAt,
	}
}

func workMemorySnapshot(rs *state.RuntimeState) map[string]any {
	wm := rs.WorkMemory

	tasks := make([]string, 0, len(wm.TaskPreferences))
	for task := range wm.TaskPreferences {
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)
	topPreferences := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		groups := wm.TaskPreferences[task]
		if len(groups) == 0 {
			continue
		}
		if len(groups) > 4 {
			groups = groups[:4]
		}
		topPreferences = append(topPreferences, map[string]any{
			"task_type":        task,
			"preferred_groups": groups,
		})
		if len(topPreferences) >= 10 {
			break
		}
	}

	taskTotals := map[string]int{}
	for task, row := range wm.TaskRouteStats {
		total := 0
		for _, stat := range row {
			total += stat.Total
		}
		if total > 0 {
			taskTotals[task] = total
		}
	}

	recent := wm.RecentSuccesses
	if len(recent) > 8 {
		recent = recent[len(recent)-8:]
	}
	return map[string]any{
		"strength":         wm.Strength,
		"updated_at":       wm.UpdatedAt,
		"top_preferences":  topPreferences,
		"task_totals":      taskTotals,
		"recent_successes": recent,
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func toStr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func strSlice(v any, limit, each int) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		out = append(out, truncRunes(strings.TrimSpace(s), each))
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (b *Builder) dispatchSnapshot() map[string]any {
	latest := b.latestContractDetail("dispatch_plan", "", "")
	if latest == nil {
		return map[string]any{}
	}
	payload, _ := latest["payload"].(map[string]any)

	items, _ := payload["dispatch_plan"].([]any)
	compact := make([]map[string]any, 0, 3)
	for _, raw := range items {
		if len(compact) >= 3 {
			break
		}
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		timeout := toInt(item["timeout_sec"])
		if timeout < 0 {
			timeout = 0
		}
		reversible := true
		if v, ok := item["reversible"].(bool); ok {
			reversible = v
		}
		compact = append(compact, map[string]any{
			"worker":          truncRunes(toStr(item["worker"], "-"), 32),
			"model_group":     truncRunes(toStr(item["model_group"], "-"), 60),
			"tool":            truncRunes(toStr(item["tool"], "-"), 100),
			"expected_output": truncRunes(toStr(item["expected_output"], ""), 160),
			"timeout_sec":     timeout,
			"reversible":      reversible,
		})
	}

	issueDetected, _ := payload["issue_detected"].(bool)
	return map[string]any{
		"id":                 toStr(payload["id"], "-"),
		"ts":                 toStr(payload["ts"], "-"),
		"intent":             truncRunes(toStr(payload["intent"], ""), 220),
		"task_type":          toStr(payload["task_type"], "-"),
		"risk_level":         toStr(payload["risk_level"], "-"),
		"issue_detected":     issueDetected,
		"issue_reason":       truncRunes(toStr(payload["issue_reason"], ""), 180),
		"confidence":         round(toFloat(payload["confidence"]), 4),
		"dispatch_plan":      compact,
		"recommended_skills": strSlice(payload["recommended_skills"], 16, 80),
		"success_criteria":   strSlice(payload["success_criteria"], 5, 140),
		"rollback_plan":      truncRunes(toStr(payload["rollback_plan"], ""), 220),
	}
}

func (b *Builder) deepDreamSnapshot() map[string]any {
	deep := map[string]any{
		"request":  b.latestEventDetail([]string{types.EventDeepRequest}, "", ""),
		"output":   b.latestEventDetail([]string{types.EventProposal, types.EventEvidence}, "deep-worker", ""),
		"release":  b.latestEventDetail([]string{types.EventDeepRelease}, "deep-worker", ""),
		"blocked":  b.latestEventDetail([]string{types.EventGuard}, "deep-worker", "deep publish blocked"),
		"decision": b.latestDecisionDetail([]string{"deep_publish", "rollback"}, "deep"),
		"trace":    b.latestEventDetail([]string{types.EventTrace}, "deep-worker", "deep safety chain"),
		"eval":     b.latestContractDetail("eval_result", "deep_eval_harness", ""),
		"reward":   b.latestContractDetail("reward_update", "", "deep-worker"),
		"recent": b.recentEventLinesByTypes([]string{
			types.EventDeepRequest, types.EventEvidence, types.EventProposal,
			types.EventDeepRelease, types.EventGuard, types.EventTrace,
		}, 6),
	}
	dream := map[string]any{
		"request":  b.latestEventDetail([]string{types.EventDreamRequest}, "", ""),
		"output":   b.latestEventDetail([]string{types.EventDream}, "deep-worker", ""),
		"release":  b.latestEventDetail([]string{types.EventDreamRelease}, "deep-worker", ""),
		"decision": b.latestDecisionDetail([]string{"dream_reflect"}, "dream"),
		"eval":     b.latestContractDetail("eval_result", "dream_replay", ""),
		"reward":   b.latestContractDetail("reward_update", "", "dream-worker"),
		"recent": b.recentEventLinesByTypes([]string{
			types.EventDreamRequest, types.EventDream, types.EventDreamRelease,
		}, 6),
	}
	return map[string]any{"deep": deep, "dream": dream}
}

func (b *Builder) externalLanes() map[string]string {
	lanes := map[string]string{}
	for label, eventType := range map[string]string{
		"Autoweb":       types.EventWebProbe,
		"File Feed":     types.EventFileFeed,
		"Social":        types.EventSocial,
		"API Bridge":    types.EventAPIBridge,
		"Risk Gate":     types.EventRisk,
		"Guard":         types.EventGuard,
		"Deep Worker":   types.EventDeepRequest,
		"Deep Release":  types.EventDeepRelease,
		"Dream Worker":  types.EventDreamRequest,
		"Dream":         types.EventDream,
		"Dream Release": types.EventDreamRelease,
	} {
		line, err := b.st.LatestEventLine(eventType)
		if err != nil {
			line = "-"
		}
		lanes[label] = line
	}
	return lanes
}

func (b *Builder) healthLines(limit int) []string {
	records, err := b.st.RecentHealth(limit)
	if err != nil {
		b.log.Warn("health lines: %v", err)
		return nil
	}
	var out []string
	for i := len(records) - 1; i >= 0; i-- {
		h := records[i]
		out = append(out, fmt.Sprintf("[%s] %s %s %s",
			h.TS.Format("15:04:05"), h.Component, h.Status, truncRunes(h.Detail, 120)))
	}
	return out
}

// BuildSnapshot assembles the full panel document from the store and the
// persisted runtime state.
func (b *Builder) BuildSnapshot(rs *state.RuntimeState) map[string]any {
	rs.Normalize()
	stateVersion, err := b.st.StateVersion()
	if err != nil {
		b.log.Warn("state version: %v", err)
	}
	decisions, err := b.st.RecentDecisions(5)
	if err != nil {
		b.log.Warn("recent decisions: %v", err)
	}

	decisionText := "action=- | source=- | model=-\nreason=-\nnext=-\nprocessing=-\nreflection=-"
	post := "-"
	if len(decisions) > 0 {
		latest := decisions[0]
		decisionText = fmt.Sprintf(
			"action=%s | source=azimind | model=rule+10d\nreason=%s\nnext=%s\nprocessing=event#%d\nreflection=%s",
			latest.Action, truncRunes(latest.Reason, 220), truncRunes(latest.Summary, 220),
			latest.EventID, truncRunes(latest.Summary, 160))
		post = latest.Summary
	}

	var trajectory []string
	for i := len(decisions) - 1; i >= 0; i-- {
		d := decisions[i]
		trajectory = append(trajectory, fmt.Sprintf("[%s] action=%s | %s",
			d.TS.Format("15:04:05"), d.Action, truncRunes(d.Summary, 100)))
	}

	narrativeBundle := fmt.Sprintf("[Narrative]\n%s\n\n[Post]\n%s\n\n[Model Raw]\n%s",
		truncRunes(rs.LastReason, 500), truncRunes(post, 500), "-")

	return map[string]any{
		"updated_at": state.NowISO(),
		"state": map[string]any{
			"cycle":            rs.Cycle,
			"energy":           rs.Energy,
			"stress":           rs.Stress,
			"uncertainty":      rs.Uncertainty,
			"integrity":        rs.Integrity,
			"continuity":       rs.Continuity,
			"mvcc_version":     stateVersion,
			"permission_level": rs.PermissionLevel,
			"last_event_id":    rs.LastEventID,
		},
		"decision_text": decisionText,
		"trajectory":    trajectory,
		"external":      b.externalLanes(),
		"protocol": map[string]any{
			"tasks":     b.protocolLines("task", 4),
			"evidences": b.protocolLines("evidence", 4),
			"proposals": b.protocolLines("proposal", 4),
		},
		"guardrails": map[string]any{
			"state_version":  stateVersion,
			"commit_windows": b.commitWindowLines(6),
			"eval_gates":     b.evalGateLines(6),
		},
		"murmur": map[string]any{
			"reflection": b.flowReflection(),
			"latest":     b.murmurLines(6),
		},
		"deep_dream":       b.deepDreamSnapshot(),
		"dispatch":         b.dispatchSnapshot(),
		"narrative_bundle": narrativeBundle,
		"health":           b.healthLines(6),
		"stability":        stabilitySnapshot(rs),
		"orchestration":    orchestrationSnapshot(rs),
		"work_memory":      workMemorySnapshot(rs),
	}
}

func (b *Builder) murmurLines(limit int) []string {
	lines, err := b.st.RecentEventLines(types.EventShallow, limit)
	if err != nil {
		b.log.Warn("murmur lines: %v", err)
		return nil
	}
	return lines
}
