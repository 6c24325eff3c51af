// Package state models the runtime's durable singleton: the five scalar
// dials plus the stability, orchestration, and work-memory records. All
// three nested records are structured types with explicit normalization;
// Normalize is idempotent and applied on load and before each save.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RuntimeState is the mutable singleton persisted as one JSON document.
type RuntimeState struct {
	Cycle           int     `json:"cycle"`
	Energy          float64 `json:"energy"`
	Stress          float64 `json:"stress"`
	Uncertainty     float64 `json:"uncertainty"`
	Integrity       float64 `json:"integrity"`
	Continuity      float64 `json:"continuity"`
	PermissionLevel int     `json:"permission_level"`
	LastEventID     int64   `json:"last_event_id"`
	RoleID          string  `json:"role_id"`
	LastAction      string  `json:"last_action"`
	LastReason      string  `json:"last_reason"`
	MVCCVersion     int64   `json:"mvcc_version"`

	RewardRepDeepWorker  float64 `json:"reward_rep_deep_worker"`
	RewardRepDreamWorker float64 `json:"reward_rep_dream_worker"`

	Stability     Stability     `json:"stability"`
	Orchestration Orchestration `json:"orchestration"`
	WorkMemory    WorkMemory    `json:"work_memory"`
}

// Stability tracks budgets, degraded mode, and route cooldown bookkeeping.
type Stability struct {
	Mode                  string         `json:"mode"`
	PanicCount            int            `json:"panic_count"`
	DegradedCycles        int            `json:"degraded_cycles"`
	RequestedBrainEvents  int            `json:"requested_brain_events"`
	EffectiveBrainEvents  int            `json:"effective_brain_events"`
	RequestedWorkerEvents int            `json:"requested_worker_events"`
	EffectiveWorkerEvents int            `json:"effective_worker_events"`
	LastBudgetReason      string         `json:"last_budget_reason"`
	LastRouteGroup        string         `json:"last_route_group"`
	LastRouteOverride     string         `json:"last_route_override"`
	LastRouteError        string         `json:"last_route_error"`
	ConsecutiveFallbacks  int            `json:"consecutive_fallbacks"`
	RouteFailStreak       map[string]int `json:"route_fail_streak"`
	RouteSuccessCount     map[string]int `json:"route_success_count"`
	RouteCooldownUntil    map[string]int `json:"route_cooldown_until"`
	LastUpdated           string         `json:"last_updated"`
}

// GroupMetric is the per-route-group scoreboard row.
type GroupMetric struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Fail          int     `json:"fail"`
	Fallback      int     `json:"fallback"`
	SuccessRate   float64 `json:"success_rate"`
	FallbackRatio float64 `json:"fallback_ratio"`
	LatencyMSEMA  float64 `json:"latency_ms_ema"`
	CostUSDEMA    float64 `json:"cost_usd_ema"`
	LastProvider  string  `json:"last_provider"`
	LastModel     string  `json:"last_model"`
	LastError     string  `json:"last_error"`
	UpdatedAt     string  `json:"updated_at"`
}

// ModelMetric aggregates per provider:model pair.
type ModelMetric struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	SuccessRate  float64 `json:"success_rate"`
	LatencyMSEMA float64 `json:"latency_ms_ema"`
	CostUSDEMA   float64 `json:"cost_usd_ema"`
	UpdatedAt    string  `json:"updated_at"`
}

// Orchestration records the last routing outcome and rolling metrics.
type Orchestration struct {
	LastTaskType    string                    `json:"last_task_type"`
	LastRouteGroup  string                    `json:"last_route_group"`
	LastRouteReason string                    `json:"last_route_reason"`
	LastProvider    string                    `json:"last_provider"`
	LastModel       string                    `json:"last_model"`
	LastError       string                    `json:"last_error"`
	LastLatencyMS   int                       `json:"last_latency_ms"`
	LastCostUSD     float64                   `json:"last_cost_usd"`
	UpdatedAt       string                    `json:"updated_at"`
	GroupMetrics    map[string]GroupMetric    `json:"group_metrics"`
	ModelMetrics    map[string]ModelMetric    `json:"model_metrics"`
	TaskRouteStats  map[string]map[string]int `json:"task_route_stats"`
}

// RouteStat is one task-type x group cell of learned work memory.
type RouteStat struct {
	Total         int     `json:"total"`
	Success       int     `json:"success"`
	Fail          int     `json:"fail"`
	Fallback      int     `json:"fallback"`
	SuccessRate   float64 `json:"success_rate"`
	FallbackRatio float64 `json:"fallback_ratio"`
	LastProvider  string  `json:"last_provider"`
	LastModel     string  `json:"last_model"`
	LastError     string  `json:"last_error"`
	LastSeen      string  `json:"last_seen"`
}

// SuccessNote is one remembered live success.
type SuccessNote struct {
	TS       string `json:"ts"`
	TaskType string `json:"task_type"`
	Group    string `json:"group"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Summary  string `json:"summary"`
}

// WorkMemory holds learned routing preferences per task type.
type WorkMemory struct {
	TaskRouteStats  map[string]map[string]RouteStat `json:"task_route_stats"`
	TaskPreferences map[string][]string             `json:"task_preferences"`
	RecentSuccesses []SuccessNote                   `json:"recent_successes"`
	Strength        string                          `json:"strength"`
	UpdatedAt       string                          `json:"updated_at"`
}

// NowISO is the timestamp format shared by every persisted record.
func NowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Default returns a fresh runtime state with the standing dial values.
func Default() *RuntimeState {
	s := &RuntimeState{
		Energy:               0.8,
		Stress:               0.2,
		Uncertainty:          0.3,
		Integrity:            0.85,
		Continuity:           0.7,
		PermissionLevel:      1,
		RoleID:               "operator",
		LastAction:           "-",
		LastReason:           "-",
		RewardRepDeepWorker:  50.0,
		RewardRepDreamWorker: 50.0,
	}
	s.Normalize()
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// Normalize coerces every field into its valid range and fills structural
// defaults. Safe to call repeatedly.
func (s *RuntimeState) Normalize() {
	if s.Cycle < 0 {
		s.Cycle = 0
	}
	s.Energy = Clamp(s.Energy, 0, 1)
	s.Stress = Clamp(s.Stress, 0, 1)
	s.Uncertainty = Clamp(s.Uncertainty, 0, 1)
	s.Integrity = Clamp(s.Integrity, 0, 1)
	s.Continuity = Clamp(s.Continuity, 0, 1)
	if s.RoleID == "" {
		s.RoleID = "operator"
	}
	s.LastAction = orDash(s.LastAction)
	s.LastReason = orDash(s.LastReason)
	if s.MVCCVersion < 0 {
		s.MVCCVersion = 0
	}
	if s.RewardRepDeepWorker == 0 {
		s.RewardRepDeepWorker = 50.0
	}
	if s.RewardRepDreamWorker == 0 {
		s.RewardRepDreamWorker = 50.0
	}

	s.Stability.normalize()
	s.Orchestration.normalize()
	s.WorkMemory.normalize()
}

func intMapOrEmpty(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = v
	}
	return out
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}

func (st *Stability) normalize() {
	st.Mode = strings.ToLower(strings.TrimSpace(st.Mode))
	if st.Mode == "" {
		st.Mode = "normal"
	}
	st.PanicCount = atLeast(st.PanicCount, 0)
	st.DegradedCycles = atLeast(st.DegradedCycles, 0)
	if st.RequestedBrainEvents < 1 {
		st.RequestedBrainEvents = 12
	}
	if st.EffectiveBrainEvents < 1 {
		st.EffectiveBrainEvents = 12
	}
	if st.RequestedWorkerEvents < 1 {
		st.RequestedWorkerEvents = 6
	}
	if st.EffectiveWorkerEvents < 1 {
		st.EffectiveWorkerEvents = 6
	}
	if st.EffectiveBrainEvents > st.RequestedBrainEvents {
		st.EffectiveBrainEvents = st.RequestedBrainEvents
	}
	if st.EffectiveWorkerEvents > st.RequestedWorkerEvents {
		st.EffectiveWorkerEvents = st.RequestedWorkerEvents
	}
	st.ConsecutiveFallbacks = atLeast(st.ConsecutiveFallbacks, 0)
	if st.LastBudgetReason == "" {
		st.LastBudgetReason = "normal"
	}
	st.LastBudgetReason = truncate(st.LastBudgetReason, 320)
	st.LastRouteGroup = truncate(orDash(st.LastRouteGroup), 120)
	st.LastRouteOverride = truncate(st.LastRouteOverride, 220)
	st.LastRouteError = truncate(st.LastRouteError, 320)
	st.LastUpdated = truncate(orDash(st.LastUpdated), 40)
	st.RouteFailStreak = intMapOrEmpty(st.RouteFailStreak)
	st.RouteSuccessCount = intMapOrEmpty(st.RouteSuccessCount)
	st.RouteCooldownUntil = intMapOrEmpty(st.RouteCooldownUntil)
}

func (o *Orchestration) normalize() {
	o.LastTaskType = truncate(orDash(o.LastTaskType), 80)
	o.LastRouteGroup = truncate(orDash(o.LastRouteGroup), 80)
	o.LastRouteReason = truncate(orDash(o.LastRouteReason), 220)
	o.LastProvider = truncate(orDash(o.LastProvider), 80)
	o.LastModel = truncate(orDash(o.LastModel), 120)
	o.LastError = truncate(o.LastError, 320)
	o.LastLatencyMS = atLeast(o.LastLatencyMS, 0)
	if o.LastCostUSD < 0 {
		o.LastCostUSD = 0
	}
	o.UpdatedAt = truncate(orDash(o.UpdatedAt), 40)
	if o.GroupMetrics == nil {
		o.GroupMetrics = map[string]GroupMetric{}
	}
	if o.ModelMetrics == nil {
		o.ModelMetrics = map[string]ModelMetric{}
	}
	if o.TaskRouteStats == nil {
		o.TaskRouteStats = map[string]map[string]int{}
	}
}

func (w *WorkMemory) normalize() {
	if w.TaskRouteStats == nil {
		w.TaskRouteStats = map[string]map[string]RouteStat{}
	}
	stats := make(map[string]map[string]RouteStat, len(w.TaskRouteStats))
	for task, row := range w.TaskRouteStats {
		tk := truncate(strings.TrimSpace(task), 80)
		if tk == "" || len(row) == 0 {
			continue
		}
		out := make(map[string]RouteStat, len(row))
		for group, item := range row {
			gk := truncate(strings.TrimSpace(group), 80)
			if gk == "" {
				continue
			}
			item.Total = atLeast(item.Total, 0)
			item.Success = atLeast(item.Success, 0)
			item.Fail = atLeast(item.Fail, 0)
			item.Fallback = atLeast(item.Fallback, 0)
			item.SuccessRate = Clamp(item.SuccessRate, 0, 1)
			item.FallbackRatio = Clamp(item.FallbackRatio, 0, 1)
			item.LastProvider = truncate(orDash(item.LastProvider), 80)
			item.LastModel = truncate(orDash(item.LastModel), 120)
			item.LastError = truncate(item.LastError, 220)
			item.LastSeen = truncate(orDash(item.LastSeen), 40)
			out[gk] = item
		}
		if len(out) > 0 {
			stats[tk] = out
		}
	}
	w.TaskRouteStats = stats

	if w.TaskPreferences == nil {
		w.TaskPreferences = map[string][]string{}
	}
	prefs := make(map[string][]string, len(w.TaskPreferences))
	for task, groups := range w.TaskPreferences {
		tk := truncate(strings.TrimSpace(task), 80)
		if tk == "" {
			continue
		}
		dedup := make([]string, 0, len(groups))
		seen := map[string]bool{}
		for _, g := range groups {
			gk := truncate(strings.TrimSpace(g), 80)
			if gk == "" || seen[gk] {
				continue
			}
			dedup = append(dedup, gk)
			seen[gk] = true
			if len(dedup) >= 6 {
				break
			}
		}
		prefs[tk] = dedup
	}
	w.TaskPreferences = prefs

	if len(w.RecentSuccesses) > 30 {
		w.RecentSuccesses = w.RecentSuccesses[len(w.RecentSuccesses)-30:]
	}
	for i := range w.RecentSuccesses {
		n := &w.RecentSuccesses[i]
		n.TS = truncate(orDash(n.TS), 40)
		n.TaskType = truncate(n.TaskType, 80)
		if n.TaskType == "" {
			n.TaskType = "analysis"
		}
		n.Group = truncate(orDash(n.Group), 80)
		n.Provider = truncate(orDash(n.Provider), 80)
		n.Model = truncate(orDash(n.Model), 120)
		n.Summary = truncate(n.Summary, 180)
	}
	w.Strength = NormalizeStrength(w.Strength)
	w.UpdatedAt = truncate(orDash(w.UpdatedAt), 40)
}

// NormalizeStrength maps operator input (including the Chinese aliases) to
// one of conservative | balanced | aggressive.
func NormalizeStrength(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "conservative", "保守":
		return "conservative"
	case "aggressive", "激进":
		return "aggressive"
	default:
		return "balanced"
	}
}

// Load reads the state document from path. Missing or corrupt input yields
// defaults; Load never returns an error to callers.
func Load(path string) *RuntimeState {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		data = data[3:]
	}
	s := Default()
	if err := json.Unmarshal(data, s); err != nil {
		return Default()
	}
	s.Normalize()
	return s
}

// Save writes the state atomically via a temp file and rename.
func (s *RuntimeState) Save(path string) error {
	s.Normalize()
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
