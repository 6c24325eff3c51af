// Package diagnose projects the runtime dials into a staged 10-dimension
// assessment. Stages 4d through 8d each emit a payload, advice, and
// invalidation conditions; a failed stage short-circuits the rest.
package diagnose

import (
	"azimind/internal/state"
)

// ChangeType classifies what kind of change the object is undergoing.
type ChangeType string

const (
	ChangeRoot      ChangeType = "ben"
	ChangeSymptom   ChangeType = "biao"
	ChangeTransform ChangeType = "bian"
)

// CyclePhase locates the object on its sustainability cycle.
type CyclePhase string

const (
	PhaseAscending  CyclePhase = "ascending"
	PhasePeak       CyclePhase = "peak"
	PhaseDescending CyclePhase = "descending"
	PhaseTrough     CyclePhase = "trough"
)

// Channel names one of the five dissipation channels.
type Channel string

const (
	ChannelWood  Channel = "W"
	ChannelFire  Channel = "F"
	ChannelEarth Channel = "E"
	ChannelMetal Channel = "M"
	ChannelWater Channel = "A"
)

// Channels in canonical order.
var Channels = []Channel{ChannelWood, ChannelFire, ChannelEarth, ChannelMetal, ChannelWater}

// State10D is the projected dimensional state fed into Diagnose.
type State10D struct {
	D1Quantity             float64
	D4Change               ChangeType
	D4ApproachingThreshold bool
	D4PhaseTransition      string
	D5RecoveryRate         float64
	D5LongTermCost         float64
	D5CyclePhase           CyclePhase
	D5DepletionRisk        float64
	D6Kappa                map[Channel]float64
	D7RoleID               string
	D7Irreversible         []string
	D7ExitCost             float64
	D8Active               bool
	D8ReturnPath           string
	D8ProjectionLoss       []string
	D8MaxDuration          int
	D10HaltConditions      []string
}

// Default returns a neutral dimensional state.
func Default() State10D {
	kappa := map[Channel]float64{}
	for _, c := range Channels {
		kappa[c] = 1.0
	}
	return State10D{
		D1Quantity:        1.0,
		D4Change:          ChangeSymptom,
		D4PhaseTransition: "continuous",
		D5RecoveryRate:    0.5,
		D5LongTermCost:    1.0,
		D5CyclePhase:      PhaseAscending,
		D5DepletionRisk:   0.3,
		D6Kappa:           kappa,
		D8MaxDuration:     3,
	}
}

// FromRuntime projects the five runtime dials into dimensional state.
func FromRuntime(rs *state.RuntimeState) State10D {
	s := Default()

	switch {
	case rs.Stress >= 0.7:
		s.D4Change = ChangeTransform
	case rs.Uncertainty >= 0.6:
		s.D4Change = ChangeRoot
	default:
		s.D4Change = ChangeSymptom
	}

	switch {
	case rs.Continuity >= 0.75:
		s.D5CyclePhase = PhaseAscending
	case rs.Continuity >= 0.55:
		s.D5CyclePhase = PhasePeak
	case rs.Continuity >= 0.35:
		s.D5CyclePhase = PhaseDescending
	default:
		s.D5CyclePhase = PhaseTrough
	}

	s.D1Quantity = rs.Energy * 2.0
	if s.D1Quantity < 0 {
		s.D1Quantity = 0
	}
	s.D4ApproachingThreshold = rs.Stress >= 0.75
	s.D5RecoveryRate = state.Clamp(rs.Integrity, 0, 1)
	s.D5LongTermCost = 1.0 + rs.Stress*2.0
	s.D5DepletionRisk = state.Clamp(rs.Stress, 0, 1)
	s.D6Kappa = map[Channel]float64{
		ChannelWood:  1.0,
		ChannelFire:  1.0 + 0.2*rs.Stress,
		ChannelEarth: 1.0,
		ChannelMetal: 1.0 + 0.2*rs.Uncertainty,
		ChannelWater: 1.0 - 0.2*rs.Continuity,
	}
	s.D7RoleID = rs.RoleID
	s.D7ExitCost = state.Clamp(1.0-rs.Continuity, 0, 1)
	s.D8ReturnPath = "fallback_to_7d"
	if rs.Uncertainty >= 0.95 {
		s.D10HaltConditions = []string{"no_new_actionability"}
	}
	return s
}
