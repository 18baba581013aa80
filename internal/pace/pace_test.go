package pace

import (
	"testing"
	"time"
)

func TestModeTransitionsToFastAfterStreak(t *testing.T) {
	g := NewGovernor()
	if g.Mode() != ModeNormal {
		t.Fatalf("initial mode = %s", g.Mode())
	}
	g.UpdateAfterOutcome(true, false)
	g.UpdateAfterOutcome(true, false)
	if g.Mode() != ModeNormal {
		t.Fatal("two successes must not flip the mode")
	}
	g.UpdateAfterOutcome(true, false)
	if g.Mode() != ModeFast {
		t.Fatal("three consecutive successes must enter fast mode")
	}
}

func TestFailureDropsToNormalAndResetsStreak(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < 3; i++ {
		g.UpdateAfterOutcome(true, false)
	}
	g.UpdateAfterOutcome(false, false)
	if g.Mode() != ModeNormal {
		t.Fatal("failure in fast mode must drop to normal")
	}
	// The streak restarted at zero: two successes are not enough again.
	g.UpdateAfterOutcome(true, false)
	g.UpdateAfterOutcome(true, false)
	if g.Mode() != ModeNormal {
		t.Fatal("streak must have been reset by the failure")
	}
}

func TestFallbackSuccessCountsAgainstFastMode(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < 3; i++ {
		g.UpdateAfterOutcome(true, false)
	}
	g.UpdateAfterOutcome(true, true)
	if g.Mode() != ModeNormal {
		t.Fatal("fallback success must drop out of fast mode")
	}
}

func TestSlowSearchAverageDegradesFastMode(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < 3; i++ {
		g.UpdateAfterOutcome(true, false)
	}
	if g.Mode() != ModeFast {
		t.Fatal("setup: expected fast mode")
	}
	g.RecordStageTime(StageSearch, 15*time.Second)
	g.UpdateAfterOutcome(true, false)
	if g.Mode() != ModeNormal {
		t.Fatal("degraded search average must drop out of fast mode")
	}
}

func TestRollingWindowEvictsOldest(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < maxSamples; i++ {
		g.RecordStageTime(StageFetch, 10*time.Second)
	}
	for i := 0; i < maxSamples; i++ {
		g.RecordStageTime(StageFetch, 2*time.Second)
	}
	avg, ok := g.AverageStageTime(StageFetch)
	if !ok {
		t.Fatal("expected an average")
	}
	if avg != 2*time.Second {
		t.Fatalf("avg = %s, old samples were not evicted", avg)
	}
}

func TestAverageEmptyWindow(t *testing.T) {
	g := NewGovernor()
	if _, ok := g.AverageStageTime(StageToken); ok {
		t.Fatal("empty window must report no average")
	}
}

func TestSearchTimeoutClamps(t *testing.T) {
	g := NewGovernor()
	if got := g.SearchTimeout(1); got != 4*time.Second {
		t.Fatalf("normal attempt 1 timeout = %s", got)
	}
	if got := g.SearchTimeout(3); got != 6*time.Second {
		t.Fatalf("normal attempt 3 timeout = %s", got)
	}
	if got := g.SearchTimeout(10); got != 8*time.Second {
		t.Fatalf("timeout must clamp to the mode max, got %s", got)
	}
}

func TestSearchTimeoutFastModeNudges(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < 3; i++ {
		g.UpdateAfterOutcome(true, false)
	}
	g.RecordStageTime(StageSearch, 5*time.Second)
	if got := g.SearchTimeout(1); got != 3500*time.Millisecond {
		t.Fatalf("fast-mode quick average should floor the base at 3.5s, got %s", got)
	}
}

func TestSearchAttemptsBudget(t *testing.T) {
	g := NewGovernor()
	if got := g.SearchAttempts(); got != 3 {
		t.Fatalf("normal attempts = %d", got)
	}
	for i := 0; i < 3; i++ {
		g.UpdateAfterOutcome(true, false)
	}
	if got := g.SearchAttempts(); got != 2 {
		t.Fatalf("fast attempts = %d", got)
	}
}

func TestDelayEscalatesWithFailures(t *testing.T) {
	g := NewGovernor()
	for i := 0; i < 50; i++ {
		d := g.Delay(false, 3)
		if d < 3500*time.Millisecond || d > 5*time.Second {
			t.Fatalf("failure delay out of range: %s", d)
		}
	}
	for i := 0; i < 50; i++ {
		d := g.Delay(true, 0)
		if d < 600*time.Millisecond || d > time.Second {
			t.Fatalf("success delay out of range: %s", d)
		}
	}
}
