package usage

import (
	"fmt"
	"time"

	"github.com/metyatech/agent-runner/internal/config"
)

// Decision is the outcome of evaluating the gate for one engine.
type Decision struct {
	Allowed bool
	// Reason explains a denial for logs and the status snapshot.
	Reason string
	// Window is the long window the decision was taken against, when
	// present.
	Window *Window
	// MinutesToReset is the distance to the long-window reset.
	MinutesToReset float64
	// Required is the percent-left the ramp demanded at this instant.
	Required float64
}

// Evaluate applies the two-window gate: a hard floor on the short window
// and a linear ramp on the long one, from gate.StartPercent at
// StartMinutes before reset down to gate.EndPercent at the reset instant.
func Evaluate(now time.Time, status Status, gate config.GateConfig) Decision {
	if status.Long == nil {
		return Decision{Reason: "no long usage window reported"}
	}
	long := status.Long

	minutesToReset := long.ResetAt.Sub(now).Minutes()
	if minutesToReset < 0 {
		minutesToReset = 0
	}

	if minutesToReset > float64(gate.StartMinutes) {
		return Decision{
			Reason:         fmt.Sprintf("too early in quota period: %.0fm to reset, ramp starts at %dm", minutesToReset, gate.StartMinutes),
			Window:         long,
			MinutesToReset: minutesToReset,
		}
	}

	required := RequiredPercent(minutesToReset, gate)
	if long.PercentLeft < required {
		return Decision{
			Reason:         fmt.Sprintf("long window below ramp: %.1f%% left, %.1f%% required", long.PercentLeft, required),
			Window:         long,
			MinutesToReset: minutesToReset,
			Required:       required,
		}
	}

	if status.Short != nil && status.Short.PercentLeft < gate.ShortFloorPercent {
		return Decision{
			Reason:         fmt.Sprintf("short window below floor: %.1f%% left, %.1f%% required", status.Short.PercentLeft, gate.ShortFloorPercent),
			Window:         long,
			MinutesToReset: minutesToReset,
			Required:       required,
		}
	}

	return Decision{
		Allowed:        true,
		Window:         long,
		MinutesToReset: minutesToReset,
		Required:       required,
	}
}

// RequiredPercent computes the ramp value at minutesToReset: StartPercent
// at the top of the ramp, EndPercent at reset, linear in between.
func RequiredPercent(minutesToReset float64, gate config.GateConfig) float64 {
	startMinutes := float64(gate.StartMinutes)
	if startMinutes < 1 {
		startMinutes = 1
	}
	fraction := minutesToReset / startMinutes
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return gate.EndPercent + (gate.StartPercent-gate.EndPercent)*fraction
}

// Deny builds a denial decision for fetch failures.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}
