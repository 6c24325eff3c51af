package routing

import (
	"azimind/internal/config"
	"azimind/internal/state"
)

// MemoryBiasedConfig prepends the learned work-memory preferences for a task
// type to the operator's configured ordering. Returns the (possibly copied)
// config and the merged preference list, or the original config and nil when
// nothing was learned.
func MemoryBiasedConfig(rs *state.RuntimeState, cfg config.LLMConfig, taskType string) (config.LLMConfig, []string) {
	policy := state.WorkMemoryPolicyFor(cfg.RoutingPolicy.WorkMemoryStrength)
	preferred := rs.PreferredGroups(taskType, policy)
	if len(preferred) == 0 {
		return cfg, nil
	}

	existing := cfg.RoutingPolicy.TaskPreferences[taskType]
	var merged []string
	seen := map[string]bool{}
	for _, g := range append(append([]string{}, preferred...), existing...) {
		if g != "" && !seen[g] {
			merged = append(merged, g)
			seen[g] = true
		}
	}
	if len(merged) > 8 {
		merged = merged[:8]
	}

	biased := cfg
	biased.RoutingPolicy.TaskPreferences = map[string][]string{}
	for k, v := range cfg.RoutingPolicy.TaskPreferences {
		biased.RoutingPolicy.TaskPreferences[k] = append([]string{}, v...)
	}
	biased.RoutingPolicy.TaskPreferences[taskType] = merged
	return biased, merged
}
