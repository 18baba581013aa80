// Package pace tracks how the retrieval pipeline has been performing and
// turns that into concrete timing policy: search timeouts, inter-record
// delays, and rest pauses. The policy is coarse, just two modes (fast and
// normal), because the target site punishes aggressive clients and
// rewards nothing finer-grained than "currently going well".
package pace

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

type Mode string

const (
	ModeFast   Mode = "fast"
	ModeNormal Mode = "normal"
)

// Stage names the pipeline phases whose durations are tracked.
type Stage string

const (
	StageSearch Stage = "search"
	StageToken  Stage = "token"
	StageFetch  Stage = "fetch"
)

const (
	maxSamples        = 20
	fastModeTrigger   = 3
	degradedSearchAvg = 12 * time.Second
	quickSearchAvg    = 8 * time.Second
)

// TimeoutProfile drives the search strategy's adaptive wait computation.
type TimeoutProfile struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

// Range is a half-open random delay interval.
type Range struct {
	Low  time.Duration
	High time.Duration
}

var (
	timeoutProfiles = map[Mode]TimeoutProfile{
		ModeFast:   {Base: 3 * time.Second, Increment: 500 * time.Millisecond, Max: 6 * time.Second},
		ModeNormal: {Base: 4 * time.Second, Increment: time.Second, Max: 8 * time.Second},
	}
	successDelays = map[Mode]Range{
		ModeFast:   {300 * time.Millisecond, 500 * time.Millisecond},
		ModeNormal: {600 * time.Millisecond, time.Second},
	}
	failureDelays = map[Mode]Range{
		ModeFast:   {1500 * time.Millisecond, 2500 * time.Millisecond},
		ModeNormal: {2 * time.Second, 3500 * time.Millisecond},
	}
	restRanges = map[Mode]Range{
		ModeFast:   {1200 * time.Millisecond, 2400 * time.Millisecond},
		ModeNormal: {3 * time.Second, 5 * time.Second},
	}
)

// Governor is the process-wide operating-mode state machine plus rolling
// per-stage timing windows. It is owned by the orchestrator and consulted by
// the search strategy; all methods are safe for that single-writer use.
type Governor struct {
	mu      sync.Mutex
	mode    Mode
	streak  int
	samples map[Stage][]time.Duration
	rng     *rand.Rand
}

func NewGovernor() *Governor {
	return &Governor{
		mode:    ModeNormal,
		samples: map[Stage][]time.Duration{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *Governor) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// RecordStageTime appends a duration sample to the stage's rolling window,
// evicting the oldest sample past the window cap.
func (g *Governor) RecordStageTime(stage Stage, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	window := append(g.samples[stage], d)
	if len(window) > maxSamples {
		window = window[1:]
	}
	g.samples[stage] = window
}

// AverageStageTime returns the arithmetic mean over the stage's current
// window; ok=false when no samples exist.
func (g *Governor) AverageStageTime(stage Stage) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.averageLocked(stage)
}

func (g *Governor) averageLocked(stage Stage) (time.Duration, bool) {
	window := g.samples[stage]
	if len(window) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, d := range window {
		total += d
	}
	return total / time.Duration(len(window)), true
}

// UpdateAfterOutcome advances the mode state machine after one identifier has
// been fully processed. Fallback successes count against fast mode: needing
// the resilient tactic means the site is not behaving well enough for it.
func (g *Governor) UpdateAfterOutcome(success, usedFallback bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !success || usedFallback {
		if g.mode != ModeNormal {
			log.Printf("pace mode=normal reason=%s", outcomeReason(success))
		}
		g.mode = ModeNormal
		g.streak = 0
		return
	}
	g.streak++
	if g.mode == ModeNormal && g.streak >= fastModeTrigger {
		g.mode = ModeFast
		g.streak = 0
		log.Printf("pace mode=fast streak=%d", fastModeTrigger)
		return
	}
	if g.mode == ModeFast {
		if avg, ok := g.averageLocked(StageSearch); ok && avg > degradedSearchAvg {
			g.mode = ModeNormal
			g.streak = 0
			log.Printf("pace mode=normal reason=slow-search avg=%s", avg)
		}
	}
}

func outcomeReason(success bool) string {
	if success {
		return "fallback-used"
	}
	return "failure"
}

// SearchTimeout computes the adaptive DOM wait for a given retry attempt
// (1-based): mode base plus a per-attempt increment, clamped to the mode max.
// In fast mode the base shifts with the rolling average search duration.
func (g *Governor) SearchTimeout(attempt int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	profile := timeoutProfiles[g.mode]
	base := profile.Base
	if g.mode == ModeFast {
		if avg, ok := g.averageLocked(StageSearch); ok {
			switch {
			case avg <= quickSearchAvg:
				base -= time.Second
				if base < 3500*time.Millisecond {
					base = 3500 * time.Millisecond
				}
			case avg >= degradedSearchAvg:
				base += 1500 * time.Millisecond
				if base > profile.Max {
					base = profile.Max
				}
			}
		}
	}
	timeout := base + time.Duration(attempt-1)*profile.Increment
	if timeout > profile.Max {
		timeout = profile.Max
	}
	return timeout
}

// SearchAttempts returns the retry budget for the current mode. Fast mode
// gets one fewer attempt: prior consistent success earned the shortcut.
func (g *Governor) SearchAttempts() int {
	if g.Mode() == ModeFast {
		return 2
	}
	return 3
}

// Backoff returns the pre-retry delay for a failed search attempt, drawn from
// the mode's failure range widened linearly with the attempt number.
func (g *Governor) Backoff(attempt int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := failureDelays[g.mode]
	low := r.Low + time.Duration(attempt)*300*time.Millisecond
	high := r.High + time.Duration(attempt)*500*time.Millisecond
	return g.betweenLocked(low, high)
}

// Delay returns the inter-record pause. Failures escalate with the current
// failure streak, capped at +1.5s.
func (g *Governor) Delay(success bool, consecutiveFailures int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if success {
		r := successDelays[g.mode]
		return g.betweenLocked(r.Low, r.High)
	}
	if consecutiveFailures > 0 {
		r := failureDelays[g.mode]
		penalty := time.Duration(consecutiveFailures) * 500 * time.Millisecond
		if penalty > 1500*time.Millisecond {
			penalty = 1500 * time.Millisecond
		}
		return g.betweenLocked(r.Low+penalty, r.High+penalty)
	}
	return g.betweenLocked(800*time.Millisecond, 1600*time.Millisecond)
}

// Rest returns the periodic long pause applied every few records.
func (g *Governor) Rest() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := restRanges[g.mode]
	return g.betweenLocked(r.Low, r.High)
}

func (g *Governor) betweenLocked(low, high time.Duration) time.Duration {
	if high <= low {
		return low
	}
	return low + time.Duration(g.rng.Int63n(int64(high-low)))
}
