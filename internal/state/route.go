package state

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// RouteOutcome carries the result of one provider invocation back into the
// stability, orchestration, and work-memory records.
type RouteOutcome struct {
	Provider  string
	Model     string
	LiveAPI   bool
	Error     string
	LatencyMS float64
	CostUSD   float64
	Summary   string
}

func (r RouteOutcome) provider() string {
	p := strings.TrimSpace(r.Provider)
	if p == "" {
		return "-"
	}
	return p
}

func (r RouteOutcome) model() string {
	m := strings.TrimSpace(r.Model)
	if m == "" {
		return "-"
	}
	return m
}

// success means a live call answered without error through a real provider.
func (r RouteOutcome) success() bool {
	p := r.provider()
	return r.LiveAPI && strings.TrimSpace(r.Error) == "" && p != "fallback-local" && p != "-"
}

func (r RouteOutcome) fallbackUsed() bool {
	p := r.provider()
	return p == "fallback-local" || p == "-" || !r.LiveAPI
}

func ema(old, new, alpha float64) float64 {
	if old <= 0 {
		return new
	}
	a := Clamp(alpha, 0.05, 0.95)
	return old*(1.0-a) + new*a
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// WorkMemoryPolicy tunes how strongly learned preferences bias routing.
type WorkMemoryPolicy struct {
	Strength        string
	BiasLimit       int
	MinTotalForPref int
	MinScoreForPref float64
	MaxPrefGroups   int
}

// WorkMemoryPolicyFor maps a strength name to its thresholds.
func WorkMemoryPolicyFor(strength string) WorkMemoryPolicy {
	switch NormalizeStrength(strength) {
	case "conservative":
		return WorkMemoryPolicy{Strength: "conservative", BiasLimit: 2, MinTotalForPref: 4, MinScoreForPref: 0.68, MaxPrefGroups: 2}
	case "aggressive":
		return WorkMemoryPolicy{Strength: "aggressive", BiasLimit: 6, MinTotalForPref: 1, MinScoreForPref: 0.35, MaxPrefGroups: 6}
	default:
		return WorkMemoryPolicy{Strength: "balanced", BiasLimit: 4, MinTotalForPref: 2, MinScoreForPref: 0.5, MaxPrefGroups: 4}
	}
}

// PreferredGroups returns the learned preference list for a task type,
// capped at the policy's bias limit.
func (s *RuntimeState) PreferredGroups(taskType string, policy WorkMemoryPolicy) []string {
	prefs := s.WorkMemory.TaskPreferences[taskType]
	limit := policy.BiasLimit
	if limit < 1 {
		limit = 1
	}
	out := make([]string, 0, limit)
	for _, g := range prefs {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

// UpdateWorkMemory folds one routing outcome into the learned per-task stats
// and recomputes the preference list.
func (s *RuntimeState) UpdateWorkMemory(taskType, requestedGroup, actualGroup string, outcome RouteOutcome, policy WorkMemoryPolicy) {
	wm := &s.WorkMemory
	wm.Strength = policy.Strength
	if wm.TaskRouteStats == nil {
		wm.TaskRouteStats = map[string]map[string]RouteStat{}
	}
	if wm.TaskPreferences == nil {
		wm.TaskPreferences = map[string][]string{}
	}

	tt := taskType
	if strings.TrimSpace(tt) == "" {
		tt = "analysis"
	}
	tt = truncate(tt, 80)
	groupKey := actualGroup
	if strings.TrimSpace(groupKey) == "" {
		groupKey = requestedGroup
	}
	if strings.TrimSpace(groupKey) == "" {
		groupKey = "-"
	}
	groupKey = truncate(groupKey, 80)

	success := outcome.success()
	fallbackUsed := outcome.fallbackUsed()

	row := wm.TaskRouteStats[tt]
	if row == nil {
		row = map[string]RouteStat{}
		wm.TaskRouteStats[tt] = row
	}
	item := row[groupKey]
	item.Total++
	if success {
		item.Success++
	} else {
		item.Fail++
	}
	if fallbackUsed {
		item.Fallback++
	}
	item.SuccessRate = roundTo(float64(item.Success)/float64(maxInt(1, item.Total)), 4)
	item.FallbackRatio = roundTo(float64(item.Fallback)/float64(maxInt(1, item.Total)), 4)
	item.LastProvider = truncate(outcome.provider(), 80)
	item.LastModel = truncate(outcome.model(), 120)
	item.LastError = truncate(strings.TrimSpace(outcome.Error), 220)
	item.LastSeen = NowISO()
	row[groupKey] = item

	type candidate struct {
		group string
		score float64
		total int
	}
	ranked := make([]candidate, 0, len(row))
	for g, m := range row {
		if m.Total <= 0 {
			continue
		}
		sr := Clamp(m.SuccessRate, 0, 1)
		fr := Clamp(m.FallbackRatio, 0, 1)
		confidence := math.Min(1.0, float64(m.Total)/10.0)
		score := sr*0.72 + (1.0-fr)*0.18 + confidence*0.1
		ranked = append(ranked, candidate{group: g, score: score, total: m.Total})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].total > ranked[j].total
	})
	preferred := make([]string, 0, policy.MaxPrefGroups)
	for _, c := range ranked {
		if c.total >= maxInt(1, policy.MinTotalForPref) && c.score >= Clamp(policy.MinScoreForPref, 0, 1) {
			preferred = append(preferred, c.group)
		}
		if len(preferred) >= maxInt(1, policy.MaxPrefGroups) {
			break
		}
	}
	// First live success may promote the group immediately depending on
	// the configured strength.
	if len(preferred) == 0 && success {
		switch policy.Strength {
		case "aggressive":
			preferred = []string{groupKey}
		case "balanced":
			if item.Total >= 2 {
				preferred = []string{groupKey}
			}
		}
	}
	if len(preferred) > 0 {
		wm.TaskPreferences[tt] = preferred
	}

	if success {
		wm.RecentSuccesses = append(wm.RecentSuccesses, SuccessNote{
			TS:       NowISO(),
			TaskType: tt,
			Group:    groupKey,
			Provider: item.LastProvider,
			Model:    item.LastModel,
			Summary:  truncate(outcome.Summary, 180),
		})
		if len(wm.RecentSuccesses) > 30 {
			wm.RecentSuccesses = wm.RecentSuccesses[len(wm.RecentSuccesses)-30:]
		}
	}
	wm.UpdatedAt = NowISO()
}

// UpdateOrchestrationMetrics folds one routing outcome into the rolling
// group and model scoreboards.
func (s *RuntimeState) UpdateOrchestrationMetrics(taskType, routeGroup, routeReason string, outcome RouteOutcome) {
	o := &s.Orchestration
	if o.GroupMetrics == nil {
		o.GroupMetrics = map[string]GroupMetric{}
	}
	if o.ModelMetrics == nil {
		o.ModelMetrics = map[string]ModelMetric{}
	}
	if o.TaskRouteStats == nil {
		o.TaskRouteStats = map[string]map[string]int{}
	}

	groupKey := truncate(orDash(routeGroup), 80)
	provider := truncate(outcome.provider(), 80)
	model := truncate(outcome.model(), 120)
	modelKey := provider + ":" + model
	latency := math.Max(0, outcome.LatencyMS)
	cost := math.Max(0, outcome.CostUSD)
	errText := strings.TrimSpace(outcome.Error)
	success := outcome.success()
	fallbackUsed := outcome.fallbackUsed()

	g := o.GroupMetrics[groupKey]
	g.Total++
	if success {
		g.Success++
	} else {
		g.Fail++
	}
	if fallbackUsed {
		g.Fallback++
	}
	g.FallbackRatio = roundTo(float64(g.Fallback)/float64(maxInt(1, g.Total)), 4)
	g.SuccessRate = roundTo(float64(g.Success)/float64(maxInt(1, g.Total)), 4)
	g.LatencyMSEMA = roundTo(ema(g.LatencyMSEMA, latency, 0.3), 2)
	g.CostUSDEMA = roundTo(ema(g.CostUSDEMA, cost, 0.3), 6)
	g.LastProvider = provider
	g.LastModel = model
	g.LastError = truncate(errText, 220)
	g.UpdatedAt = NowISO()
	o.GroupMetrics[groupKey] = g

	m := o.ModelMetrics[modelKey]
	m.Provider = provider
	m.Model = model
	m.Total++
	if success {
		m.Success++
	}
	m.SuccessRate = roundTo(float64(m.Success)/float64(maxInt(1, m.Total)), 4)
	m.LatencyMSEMA = roundTo(ema(m.LatencyMSEMA, latency, 0.3), 2)
	m.CostUSDEMA = roundTo(ema(m.CostUSDEMA, cost, 0.3), 6)
	m.UpdatedAt = NowISO()
	o.ModelMetrics[modelKey] = m

	tt := taskType
	if strings.TrimSpace(tt) == "" {
		tt = "analysis"
	}
	tt = truncate(tt, 80)
	row := o.TaskRouteStats[tt]
	if row == nil {
		row = map[string]int{}
		o.TaskRouteStats[tt] = row
	}
	row[groupKey]++

	o.LastTaskType = tt
	o.LastRouteGroup = groupKey
	o.LastRouteReason = truncate(orDash(routeReason), 220)
	o.LastProvider = provider
	o.LastModel = model
	o.LastError = truncate(errText, 320)
	o.LastLatencyMS = int(math.Round(latency))
	o.LastCostUSD = roundTo(cost, 6)
	o.UpdatedAt = NowISO()
}

// ApplyRouteCooldownOverride substitutes the fallback group when the chosen
// group is still cooling down. The returned reason is empty when no
// override applied.
func (s *RuntimeState) ApplyRouteCooldownOverride(routeGroup, fallbackGroup string) (string, string) {
	st := &s.Stability
	key := strings.TrimSpace(routeGroup)
	if key == "" {
		return fallbackGroup, "empty_route_group"
	}
	until := st.RouteCooldownUntil[key]
	if until > s.Cycle {
		reason := truncate(fmt.Sprintf("cooldown:%s->%s@%d", key, fallbackGroup, until), 220)
		st.Mode = "degraded"
		st.LastRouteOverride = reason
		st.LastUpdated = NowISO()
		return fallbackGroup, reason
	}
	st.LastRouteOverride = ""
	return key, ""
}

// ObserveRouteOutcome updates fail streaks, cooldowns, and degraded mode
// from one routing outcome. liveEnabled is the config's api_live_enabled
// flag; outcomes only count as live failures when live calls were expected.
func (s *RuntimeState) ObserveRouteOutcome(requestedGroup, actualGroup string, outcome RouteOutcome, liveEnabled bool) {
	st := &s.Stability
	key := strings.TrimSpace(requestedGroup)
	if key == "" {
		key = strings.TrimSpace(actualGroup)
	}
	if key == "" {
		key = "-"
	}
	if st.RouteFailStreak == nil {
		st.RouteFailStreak = map[string]int{}
	}
	if st.RouteSuccessCount == nil {
		st.RouteSuccessCount = map[string]int{}
	}
	if st.RouteCooldownUntil == nil {
		st.RouteCooldownUntil = map[string]int{}
	}

	routeError := strings.TrimSpace(outcome.Error)
	provider := strings.TrimSpace(outcome.Provider)

	failed := liveEnabled && (!outcome.LiveAPI || routeError != "")
	if failed {
		st.RouteFailStreak[key]++
		msg := routeError
		if msg == "" {
			msg = "live_route_failed"
		}
		st.LastRouteError = truncate(msg, 320)
		if st.RouteFailStreak[key] >= 3 {
			st.RouteCooldownUntil[key] = s.Cycle + 15
			st.PanicCount++
			st.Mode = "degraded"
		}
	} else {
		st.RouteFailStreak[key] = 0
		st.RouteSuccessCount[key]++
		st.LastRouteError = ""
	}

	if provider == "fallback-local" {
		st.ConsecutiveFallbacks++
		if st.ConsecutiveFallbacks == 3 {
			if until := s.Cycle + 12; until > st.RouteCooldownUntil[key] {
				st.RouteCooldownUntil[key] = until
			}
			st.PanicCount++
			st.Mode = "degraded"
		}
	} else {
		st.ConsecutiveFallbacks = 0
	}

	anyActive := false
	for _, until := range st.RouteCooldownUntil {
		if until > s.Cycle {
			anyActive = true
			break
		}
	}
	if !anyActive && st.Mode == "degraded" && !failed && st.ConsecutiveFallbacks <= 1 {
		st.Mode = "normal"
	}

	group := actualGroup
	if strings.TrimSpace(group) == "" {
		group = key
	}
	st.LastRouteGroup = truncate(group, 120)
	st.LastUpdated = NowISO()
}

// ActiveCooldowns returns cooldown entries still in the future, keyed by
// group.
func (s *RuntimeState) ActiveCooldowns() map[string]int {
	out := map[string]int{}
	for k, until := range s.Stability.RouteCooldownUntil {
		if until > s.Cycle {
			out[k] = until
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
