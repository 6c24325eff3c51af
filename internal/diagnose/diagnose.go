package diagnose

import (
	"fmt"
	"sort"
	"strings"
)

var haltKeywords = []string{"终极", "绝对真理", "自指", "循环", "无限递归", "cannot act"}

// HaltCheck reports whether the text or an empty advice list forces a halt.
type HaltCheck struct {
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
}

func haltCheck(text string, actionable []string) HaltCheck {
	content := strings.ToLower(text)
	for _, kw := range haltKeywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			return HaltCheck{Triggered: true, Reason: "keyword:" + kw}
		}
	}
	if len(actionable) == 0 {
		return HaltCheck{Triggered: true, Reason: "no_new_actionability"}
	}
	return HaltCheck{}
}

// Result is a full staged diagnosis.
type Result struct {
	State            map[string]map[string]any `json:"state"`
	Diagnosis        string                    `json:"diagnosis"`
	ActionableAdvice []string                  `json:"actionable_advice"`
	Invalidations    []string                  `json:"invalidation_conditions"`
	Halt             HaltCheck                 `json:"halt_check"`
}

type stage struct {
	valid         bool
	payload       map[string]any
	summary       string
	advice        []string
	invalidations []string
}

// Diagnose runs the 4d through 8d stages over the object description. An
// invalid stage stops the pipeline; its partial output is still returned.
func Diagnose(objectDescription string, s State10D) Result {
	text := strings.TrimSpace(objectDescription)

	dimension := map[string]map[string]any{}
	var invalidations, actionable, summaries []string

	run := func(name string, st stage) bool {
		dimension[name] = st.payload
		invalidations = append(invalidations, st.invalidations...)
		actionable = append(actionable, st.advice...)
		summaries = append(summaries, st.summary)
		return st.valid
	}

	for _, step := range []struct {
		name string
		fn   func(string, State10D) stage
	}{
		{"d4", diagnose4D},
		{"d5", diagnose5D},
		{"d6", diagnose6D},
		{"d7", diagnose7D},
		{"d8", diagnose8D},
	} {
		if !run(step.name, step.fn(text, s)) {
			break
		}
	}

	actionable = ensureActionable(actionable, dimension)
	return Result{
		State:            dimension,
		Diagnosis:        strings.Join(summaries, " "),
		ActionableAdvice: actionable,
		Invalidations:    invalidations,
		Halt:             haltCheck(text, actionable),
	}
}

// ensureActionable guarantees at least one 6D or 7D grounded advice line.
func ensureActionable(actionable []string, dimension map[string]map[string]any) []string {
	var out []string
	for _, a := range actionable {
		if a != "" {
			out = append(out, a)
		}
	}
	for _, a := range out {
		if strings.HasPrefix(a, "[6D]") || strings.HasPrefix(a, "[7D]") {
			return out
		}
	}
	if d6, ok := dimension["d6"]; ok {
		if low, ok := d6["low_cost_paths"].([]string); ok && len(low) > 0 {
			return append(out, fmt.Sprintf("[6D] 优先沿低耗散路径执行: %s", low[0]))
		}
	}
	if d7, ok := dimension["d7"]; ok {
		if role, ok := d7["current_role"].(string); ok && role != "" {
			out = append(out, fmt.Sprintf("[7D] 先明确角色边界与退出代价: %s", role))
		}
	}
	return out
}

var keyVariableMap = []struct{ keyword, name string }{
	{"资金", "资金燃烧率"},
	{"团队", "团队吞吐"},
	{"风险", "风险暴露"},
	{"周期", "迭代周期"},
	{"并发", "并发冲突"},
	{"缓存", "上下文缓存命中"},
	{"性能", "延迟与吞吐"},
}

func pickKeyVariables(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	for _, kv := range keyVariableMap {
		if strings.Contains(text, kv.keyword) {
			found = append(found, kv.name)
		}
	}
	if len(found) == 0 {
		return []string{"关键变量待补充"}
	}
	return found
}

func diagnose4D(text string, s State10D) stage {
	nearThreshold := s.D4ApproachingThreshold
	for _, kw := range []string{"阈值", "临界", "崩", "耗尽", "deadline"} {
		if strings.Contains(text, kw) {
			nearThreshold = true
			break
		}
	}
	proximity := "normal"
	if nearThreshold {
		proximity = "high"
	}
	keyVars := pickKeyVariables(text)
	return stage{
		valid: len(keyVars) > 0,
		payload: map[string]any{
			"key_variables":       keyVars,
			"threshold_proximity": proximity,
			"change_type":         string(s.D4Change),
			"phase_transition":    s.D4PhaseTransition,
		},
		summary:       fmt.Sprintf("4D: 变化类型=%s, 临界接近=%s", s.D4Change, proximity),
		advice:        []string{"[4D] 对关键快变量设置阈值告警，并定义触发动作。"},
		invalidations: []string{"若关键变量发生替换或观测延迟超过1个周期，4D判断失效。"},
	}
}

func diagnose5D(_ string, s State10D) stage {
	var advice []string
	if s.D5DepletionRisk >= 0.7 {
		advice = append(advice, "[5D] 将高耗散任务拆分为短周期批次，优先降低枯竭风险。")
	}
	if s.D5RecoveryRate < 0.3 {
		advice = append(advice, "[5D] 增加恢复窗口或替换执行节奏，提升恢复率。")
	}
	return stage{
		valid: true,
		payload: map[string]any{
			"recovery_exists": s.D5RecoveryRate >= 0.3,
			"recovery_rate":   s.D5RecoveryRate,
			"long_term_cost":  s.D5LongTermCost,
			"cycle_phase":     string(s.D5CyclePhase),
			"depletion_risk":  s.D5DepletionRisk,
		},
		summary:       fmt.Sprintf("5D: 恢复率=%.2f, 枯竭风险=%.2f", s.D5RecoveryRate, s.D5DepletionRisk),
		advice:        advice,
		invalidations: []string{"若外部资源注入或约束突然变化，5D持续性判断需重算。"},
	}
}

func diagnose6D(_ string, s State10D) stage {
	type pair struct {
		channel Channel
		kappa   float64
	}
	ordered := make([]pair, 0, len(s.D6Kappa))
	for _, c := range Channels {
		ordered = append(ordered, pair{channel: c, kappa: s.D6Kappa[c]})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].kappa < ordered[j].kappa })

	low := []string{string(ordered[0].channel), string(ordered[1].channel)}
	high := []string{string(ordered[len(ordered)-2].channel), string(ordered[len(ordered)-1].channel)}

	kappaVec := map[string]float64{}
	for c, v := range s.D6Kappa {
		kappaVec[string(c)] = v
	}
	return stage{
		valid: true,
		payload: map[string]any{
			"kappa_vector":    kappaVec,
			"low_cost_paths":  low,
			"high_cost_paths": high,
		},
		summary: fmt.Sprintf("6D: 低耗散=%s; 高耗散=%s", strings.Join(low, ","), strings.Join(high, ",")),
		advice: []string{
			fmt.Sprintf("[6D] 当前优先走低耗散通道: %s", strings.Join(low, ", ")),
			fmt.Sprintf("[6D] 对高耗散通道设置限流: %s", strings.Join(high, ", ")),
		},
		invalidations: []string{"若偏置矩阵被策略更新，6D建议需同步刷新。"},
	}
}

func diagnose7D(_ string, s State10D) stage {
	role := strings.TrimSpace(s.D7RoleID)
	valid := role != ""
	var advice []string
	roleLabel := role
	if valid {
		advice = append(advice, fmt.Sprintf("[7D] 以角色 `%s` 为边界定义可逆与不可逆动作清单。", role))
	} else {
		advice = append(advice, "[7D] 先定义角色ID，否则无法稳定评估不可逆承诺。")
		roleLabel = "未定义"
	}
	return stage{
		valid: valid,
		payload: map[string]any{
			"current_role":       role,
			"irreversible_items": append([]string{}, s.D7Irreversible...),
			"exit_cost":          s.D7ExitCost,
		},
		summary:       fmt.Sprintf("7D: 角色=%s, 退出代价=%.2f", roleLabel, s.D7ExitCost),
		advice:        advice,
		invalidations: []string{"若角色责任重组，7D判断失效。"},
	}
}

func diagnose8D(_ string, s State10D) stage {
	summary := "8D: 无需退位"
	var advice []string
	if s.D8Active {
		summary = "8D: 退位激活"
		advice = append(advice, fmt.Sprintf(
			"[8D] 退位模式已激活，必须在 %d 步内按 `%s` 回到6D/7D。", s.D8MaxDuration, s.D8ReturnPath))
	}
	return stage{
		valid: true,
		payload: map[string]any{
			"needs_abdication": s.D8Active,
			"return_path":      s.D8ReturnPath,
			"projection_loss":  append([]string{}, s.D8ProjectionLoss...),
			"max_duration":     s.D8MaxDuration,
		},
		summary:       summary,
		advice:        advice,
		invalidations: []string{"若退位路径不可达，必须立即退出8D并回落7D。"},
	}
}
