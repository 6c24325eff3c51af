package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Permissions lists paths the runtime must never touch. Any event content
// mentioning one of them halts the action.
type Permissions struct {
	ImmutablePaths []string `json:"immutable_paths" yaml:"immutable_paths"`
}

// LoadImmutablePaths returns the built-in protected paths plus any extras
// from permissions.json. The runtime's own binary and database are always
// protected.
func LoadImmutablePaths(baseDir string) []string {
	defaults := []string{
		filepath.Join(baseDir, "azimind"),
		filepath.Join(baseDir, "azimind.db"),
		filepath.Join(baseDir, "permissions.json"),
	}
	var perms Permissions
	if err := loadDocument(baseDir, "permissions", &perms); err != nil {
		return defaults
	}
	out := defaults
	for _, p := range perms.ImmutablePaths {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Approvals is the operator override file unlocking awaiting events.
type Approvals struct {
	ApprovedEventIDs []int64 `json:"approved_event_ids" yaml:"approved_event_ids"`
}

// LoadApprovalOverride reports whether eventID was explicitly approved via
// resident_output/approvals.json.
func LoadApprovalOverride(baseDir string, eventID int64) bool {
	path := filepath.Join(baseDir, "resident_output", "approvals.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var a Approvals
	if err := json.Unmarshal(stripBOM(data), &a); err != nil {
		return false
	}
	for _, id := range a.ApprovedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// SkillPolicy filters the recommended-skill lists in dispatch plans.
type SkillPolicy struct {
	EnabledTiers struct {
		Core         bool `json:"core" yaml:"core"`
		Experimental bool `json:"experimental" yaml:"experimental"`
		HighRisk     bool `json:"high_risk" yaml:"high_risk"`
	} `json:"enabled_tiers" yaml:"enabled_tiers"`
	MaxActive int                 `json:"max_active" yaml:"max_active"`
	Allowlist map[string][]string `json:"allowlist" yaml:"allowlist"`
	Denylist  []string            `json:"denylist" yaml:"denylist"`
}

// LoadSkillPolicy reads skill_router_policy.json, applying defaults and
// clamping max_active to [6, 500]. Missing file means core-only defaults.
func LoadSkillPolicy(baseDir string) SkillPolicy {
	var p SkillPolicy
	if err := loadDocument(baseDir, "skill_router_policy", &p); err != nil {
		p.EnabledTiers.Core = true
		p.MaxActive = 64
		return p
	}
	if p.MaxActive < 6 {
		p.MaxActive = 6
	}
	if p.MaxActive > 500 {
		p.MaxActive = 500
	}
	return p
}

// FilterSkills drops denylisted names and caps the list at max_active.
func (p SkillPolicy) FilterSkills(names []string) []string {
	deny := make(map[string]bool, len(p.Denylist))
	for _, d := range p.Denylist {
		deny[strings.ToLower(strings.TrimSpace(d))] = true
	}
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if key == "" || deny[key] || seen[key] {
			continue
		}
		out = append(out, key)
		seen[key] = true
		if p.MaxActive > 0 && len(out) >= p.MaxActive {
			break
		}
	}
	return out
}
