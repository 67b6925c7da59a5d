package orchestrator

import (
	"fmt"
	"time"
)

// Tuning holds the orchestrator's timing knobs. Exact values are tunable;
// the ordering ActivePoll < Cooldown < MaxCooldownWait is a requirement.
type Tuning struct {
	// FirstCheckDelay is the wait before the very first worker check after
	// session creation.
	FirstCheckDelay time.Duration
	// IdlePoll is the steady-state poll interval while no event is staged.
	IdlePoll time.Duration
	// ActivePoll is the short poll interval used while an event is staged
	// and the settlement window is open, so bursts are detected promptly.
	ActivePoll time.Duration
	// Cooldown is the quiet period that must elapse after the most recent
	// event before a staged event is forwarded to the planner.
	Cooldown time.Duration
	// MaxCooldownWait caps the total time a staged event may wait since
	// the cooldown window first opened.
	MaxCooldownWait time.Duration
}

func DefaultTuning() Tuning {
	return Tuning{
		FirstCheckDelay: 1 * time.Second,
		IdlePoll:        5 * time.Second,
		ActivePoll:      3 * time.Second,
		Cooldown:        30 * time.Second,
		MaxCooldownWait: 120 * time.Second,
	}
}

func (t Tuning) Validate() error {
	if t.FirstCheckDelay <= 0 || t.IdlePoll <= 0 || t.ActivePoll <= 0 || t.Cooldown <= 0 || t.MaxCooldownWait <= 0 {
		return fmt.Errorf("tuning intervals must be > 0")
	}
	if t.ActivePoll >= t.Cooldown {
		return fmt.Errorf("active poll (%s) must be shorter than cooldown (%s)", t.ActivePoll, t.Cooldown)
	}
	if t.Cooldown >= t.MaxCooldownWait {
		return fmt.Errorf("cooldown (%s) must be shorter than max cooldown wait (%s)", t.Cooldown, t.MaxCooldownWait)
	}
	return nil
}

// shouldFlush decides whether a staged event has settled: either the
// worker has been quiet for the cooldown window since the staged event
// arrived, or the window has been open for the hard ceiling.
func (t Tuning) shouldFlush(stagedAt, cooldownStart, now time.Time) bool {
	if now.Sub(stagedAt) >= t.Cooldown {
		return true
	}
	return now.Sub(cooldownStart) >= t.MaxCooldownWait
}

// burstBroken reports whether the gap between the previous event's
// arrival and now already exceeds the cooldown, in which case a newly
// observed event flushes immediately instead of reopening the wait.
func (t Tuning) burstBroken(previousArrival, now time.Time) bool {
	return now.Sub(previousArrival) >= t.Cooldown
}
