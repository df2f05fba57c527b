// Package usage normalizes per-engine quota payloads into generic usage
// windows and evaluates the two-window admission gate over them.
package usage

import (
	"fmt"
	"time"
)

// WindowKind distinguishes the short (hard floor) from the long (ramped)
// quota window.
type WindowKind string

const (
	WindowShort WindowKind = "short"
	WindowLong  WindowKind = "long"
)

// Window is a normalized quota window.
type Window struct {
	Kind        WindowKind
	PercentLeft float64
	ResetAt     time.Time
	// Duration is the window length when the backend reports one; zero
	// when unknown.
	Duration time.Duration
}

// Status is the pair of windows an engine exposes. Either may be nil.
type Status struct {
	Short *Window
	Long  *Window
}

// longThreshold separates short from long windows when only durations are
// known: a day or more counts as long.
const longThreshold = 24 * time.Hour

// NewWindow normalizes one backend window. usedPercent is clamped into
// [0,100]; when resetAt is zero it is derived from now + duration.
func NewWindow(now time.Time, usedPercent float64, resetAt time.Time, duration time.Duration) Window {
	left := 100 - usedPercent
	if left < 0 {
		left = 0
	}
	if left > 100 {
		left = 100
	}
	if resetAt.IsZero() && duration > 0 {
		resetAt = now.Add(duration)
	}
	kind := WindowShort
	if duration >= longThreshold {
		kind = WindowLong
	}
	return Window{Kind: kind, PercentLeft: left, ResetAt: resetAt, Duration: duration}
}

// Pair classifies two windows into (short, long) by duration. With a single
// window, it lands on the side its duration implies.
func Pair(windows ...Window) Status {
	var status Status
	for i := range windows {
		w := windows[i]
		switch {
		case len(windows) == 1:
			if w.Duration >= longThreshold {
				w.Kind = WindowLong
				status.Long = &w
			} else {
				w.Kind = WindowShort
				status.Short = &w
			}
		case status.Long == nil && (w.Duration >= longThreshold || (status.Short != nil && w.Duration > status.Short.Duration)):
			w.Kind = WindowLong
			status.Long = &w
		case status.Short == nil:
			w.Kind = WindowShort
			status.Short = &w
		default:
			// Two candidates for the same slot: keep the longer as long.
			if w.Duration > status.Long.Duration {
				prev := *status.Long
				prev.Kind = WindowShort
				status.Short = &prev
				w.Kind = WindowLong
				status.Long = &w
			}
		}
	}
	// A lone short-classified window longer than the long one means the
	// order of arguments was reversed; swap.
	if status.Short != nil && status.Long != nil && status.Short.Duration > status.Long.Duration {
		short, long := *status.Long, *status.Short
		short.Kind = WindowShort
		long.Kind = WindowLong
		status.Short, status.Long = &short, &long
	}
	return status
}

func (w Window) String() string {
	return fmt.Sprintf("%s window: %.1f%% left, resets %s", w.Kind, w.PercentLeft, w.ResetAt.UTC().Format(time.RFC3339))
}
