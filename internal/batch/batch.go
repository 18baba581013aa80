// Package batch drives the whole harvest: it walks the identifier list,
// coordinates search, token minting and record fetch, keeps the output
// durable after every success, and nurses the browser session through
// failures.
package batch

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/cxip/patentharvest/internal/fastpath"
	"github.com/cxip/patentharvest/internal/fetch"
	"github.com/cxip/patentharvest/internal/ledger"
	"github.com/cxip/patentharvest/internal/pace"
	"github.com/cxip/patentharvest/internal/tokens"
	ph "github.com/cxip/patentharvest/internal/trace"
)

// ErrNotFound classifies a miss where the record simply is not there, as
// opposed to an infrastructure failure.
var ErrNotFound = errors.New("record not found")

// StageError wraps a failure with the pipeline stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// SearchStrategy is the search collaborator (tactics A/B/C).
type SearchStrategy interface {
	LocateAndOpen(ctx context.Context, id string) bool
	FastTokens(ctx context.Context, id string) (tokens.TokenSet, bool)
	UsedFallback() bool
}

// RecordFetcher resolves tokens into a full record.
type RecordFetcher interface {
	FetchDetails(ctx context.Context, set tokens.TokenSet, id string) (*fetch.PatentRecord, error)
}

// SessionController is the slice of the browser session the orchestrator
// needs for health management.
type SessionController interface {
	Login(ctx context.Context) error
	LoggedIn(ctx context.Context) bool
	Restart(ctx context.Context) error
	EnsureHome(ctx context.Context) error
	CloseExtraPages(ctx context.Context) error
	DrainTraffic() []fastpath.TrafficEntry
}

const (
	maxConsecutiveFailures = 3
	maxConsecutiveNotFound = 5
	restEvery              = 10
	refreshEvery           = 20
)

type Orchestrator struct {
	session SessionController
	strat   SearchStrategy
	fetcher RecordFetcher
	gov     *pace.Governor
	cache   *fastpath.Cache
	ledger  *ledger.Ledger

	// injected for tests
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	lastSummary Summary
}

// Summary is what a finished run reports.
type Summary struct {
	Started         time.Time
	Finished        time.Time
	Requested       int
	Resumed         int
	Succeeded       int
	Failed          []string
	Unavailable     []string
	ModeTransitions int
}

func NewOrchestrator(session SessionController, strat SearchStrategy, fetcher RecordFetcher,
	gov *pace.Governor, cache *fastpath.Cache, ldg *ledger.Ledger) *Orchestrator {
	return &Orchestrator{
		session: session,
		strat:   strat,
		fetcher: fetcher,
		gov:     gov,
		cache:   cache,
		ledger:  ldg,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Summary returns the tallies of the last Run.
func (o *Orchestrator) Summary() Summary { return o.lastSummary }

// Run processes ids in order, resuming from outputPath if it exists. The
// output JSON and CSV are rewritten after every success; failed and
// unavailable identifier lists are written next to them at the end. Stage
// failures never abort the run; only a failed forced re-login does.
func (o *Orchestrator) Run(ctx context.Context, ids []string, outputPath string) ([]fetch.PatentRecord, error) {
	tracer := ph.Tracer("patentharvest/batch")
	started := o.now()

	results := loadResults(outputPath)
	done := make(map[string]bool, len(results))
	for _, r := range results {
		done[r.PatentNo] = true
	}
	var remaining []string
	for _, id := range ids {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	resumed := len(ids) - len(remaining)
	if resumed > 0 {
		log.Printf("batch resume skipping=%d remaining=%d", resumed, len(remaining))
	}

	sum := Summary{Started: started, Requested: len(ids), Resumed: resumed}
	if len(remaining) == 0 {
		sum.Finished = o.now()
		o.lastSummary = sum
		log.Printf("batch nothing to do")
		return results, nil
	}

	if err := o.session.Login(ctx); err != nil {
		return results, &StageError{Stage: "login", Err: err}
	}
	if o.ledger != nil {
		if err := o.ledger.BeginRun(len(remaining)); err != nil {
			log.Printf("batch ledger begin err=%v", err)
		}
	}

	failStreak, notFoundStreak := 0, 0
	lastMode := o.gov.Mode()
	runErr := func() error {
		for i, id := range remaining {
			n := i + 1
			if err := ctx.Err(); err != nil {
				return err
			}

			if notFoundStreak >= maxConsecutiveNotFound {
				log.Printf("batch id=%s marked unavailable after %d consecutive misses", id, notFoundStreak)
				sum.Unavailable = append(sum.Unavailable, id)
				notFoundStreak = 0
				o.record(ledger.Attempt{Identifier: id, Outcome: ledger.OutcomeUnavailable, Reason: "consecutive not-found streak"})
				continue
			}

			if failStreak >= maxConsecutiveFailures {
				log.Printf("batch restarting browser after %d consecutive failures", failStreak)
				if err := o.session.Restart(ctx); err != nil {
					return &StageError{Stage: "restart", Err: err}
				}
				if err := o.session.Login(ctx); err != nil {
					return &StageError{Stage: "relogin", Err: err}
				}
				failStreak = 0
			}

			idCtx, span := tracer.Start(ctx, "process",
				oteltrace.WithAttributes(attribute.String("patent.id", id)))
			rec, times, err := o.processOne(idCtx, id)
			span.End()

			if mode := o.gov.Mode(); mode != lastMode {
				sum.ModeTransitions++
				lastMode = mode
			}

			if err == nil {
				results = append(results, *rec)
				sum.Succeeded++
				failStreak, notFoundStreak = 0, 0
				if err := saveJSON(outputPath, results); err != nil {
					log.Printf("batch save json err=%v", err)
				}
				if err := saveCSV(csvPathFor(outputPath), results); err != nil {
					log.Printf("batch save csv err=%v", err)
				}
				o.record(ledger.Attempt{Identifier: id, Outcome: ledger.OutcomeSuccess,
					SearchTime: times.search, TokenTime: times.token, FetchTime: times.fetch})
				log.Printf("batch saved id=%s progress=%d/%d", id, n, len(remaining))
			} else {
				if errors.Is(err, ErrNotFound) {
					notFoundStreak++
				} else {
					notFoundStreak = 0
				}
				failStreak++
				sum.Failed = append(sum.Failed, id)
				outcome := ledger.OutcomeFailed
				if errors.Is(err, ErrNotFound) {
					outcome = ledger.OutcomeNotFound
				}
				o.record(ledger.Attempt{Identifier: id, Outcome: outcome, Reason: err.Error(),
					SearchTime: times.search, TokenTime: times.token, FetchTime: times.fetch})
				log.Printf("batch failed id=%s err=%v streak=%d", id, err, failStreak)
			}

			if n < len(remaining) {
				o.sleep(ctx, o.gov.Delay(err == nil, failStreak))
			}

			if n%restEvery == 0 && n < len(remaining) {
				rest := o.gov.Rest()
				log.Printf("batch resting for %s after %d identifiers", rest.Round(100*time.Millisecond), n)
				o.sleep(ctx, rest)
				o.logStats(started, n, len(remaining), sum.Succeeded, len(sum.Failed))
				if n%refreshEvery == 0 {
					o.refreshSession(ctx)
				}
			}
		}
		return nil
	}()

	o.writeSidecars(outputPath, sum)
	if o.ledger != nil {
		if err := o.ledger.FinishRun(sum.Succeeded, len(sum.Failed), len(sum.Unavailable)); err != nil {
			log.Printf("batch ledger finish err=%v", err)
		}
	}
	sum.Finished = o.now()
	o.lastSummary = sum
	log.Printf("batch done succeeded=%d failed=%d unavailable=%d elapsed=%s",
		sum.Succeeded, len(sum.Failed), len(sum.Unavailable), sum.Finished.Sub(started).Round(time.Second))
	return results, runErr
}

type stageTimes struct {
	search, token, fetch time.Duration
}

// processOne runs the per-identifier pipeline. The template replay path is
// tried first since it avoids the DOM entirely; otherwise a full search
// locates the record and the tokens are mined from the captured traffic.
func (o *Orchestrator) processOne(ctx context.Context, id string) (*fetch.PatentRecord, stageTimes, error) {
	var times stageTimes
	tracer := ph.Tracer("patentharvest/batch")

	tokenCtx, tokenSpan := tracer.Start(ctx, "token")
	tokenStart := o.now()
	set, fast := o.strat.FastTokens(tokenCtx, id)
	if fast {
		times.token = o.now().Sub(tokenStart)
		tokenSpan.End()
		o.gov.RecordStageTime(pace.StageToken, times.token)
	} else {
		tokenSpan.End()
		searchCtx, searchSpan := tracer.Start(ctx, "search")
		searchStart := o.now()
		found := o.strat.LocateAndOpen(searchCtx, id)
		times.search = o.now().Sub(searchStart)
		searchSpan.End()
		if !found {
			o.gov.UpdateAfterOutcome(false, false)
			return nil, times, &StageError{Stage: "search", Err: ErrNotFound}
		}
		o.gov.RecordStageTime(pace.StageSearch, times.search)

		tokenStart = o.now()
		traffic := o.session.DrainTraffic()
		o.cache.CaptureFromTraffic(traffic, id)
		var ok bool
		set, ok = tokensFromTraffic(traffic, id)
		times.token = o.now().Sub(tokenStart)
		if !ok {
			o.gov.UpdateAfterOutcome(false, o.strat.UsedFallback())
			return nil, times, &StageError{Stage: "token", Err: errors.New("no tokens in captured traffic")}
		}
		o.gov.RecordStageTime(pace.StageToken, times.token)
	}

	fetchCtx, fetchSpan := tracer.Start(ctx, "fetch")
	fetchStart := o.now()
	rec, err := o.fetcher.FetchDetails(fetchCtx, set, id)
	times.fetch = o.now().Sub(fetchStart)
	fetchSpan.End()
	if err != nil {
		if !fast {
			o.gov.UpdateAfterOutcome(false, o.strat.UsedFallback())
		}
		return nil, times, &StageError{Stage: "fetch", Err: err}
	}
	o.gov.RecordStageTime(pace.StageFetch, times.fetch)
	if !fast {
		o.gov.UpdateAfterOutcome(true, o.strat.UsedFallback())
	}
	return rec, times, nil
}

// tokensFromTraffic mines the drained request log for an access token set,
// newest entries first. Both request bodies and URLs are candidates.
func tokensFromTraffic(entries []fastpath.TrafficEntry, id string) (tokens.TokenSet, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.PostData != "" {
			if set, ok := tokens.Decode(e.PostData, headerValue(e.Headers, "content-type")); ok {
				return set, true
			}
		}
		if set, ok := tokens.Decode(e.URL, ""); ok {
			return set, true
		}
	}
	return tokens.TokenSet{}, false
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// refreshSession keeps the long-lived browser healthy: extra detail windows
// are closed, the home surface reloaded, and the login state probed.
func (o *Orchestrator) refreshSession(ctx context.Context) {
	if err := o.session.CloseExtraPages(ctx); err != nil {
		log.Printf("batch close extra pages err=%v", err)
	}
	if err := o.session.EnsureHome(ctx); err != nil {
		log.Printf("batch reload home err=%v", err)
		return
	}
	if o.session.LoggedIn(ctx) {
		return
	}
	log.Printf("batch session lapsed, re-authenticating")
	if err := o.session.Login(ctx); err != nil {
		// Not fatal here: the forced re-login path after a failure streak is
		// the one that aborts.
		log.Printf("batch periodic re-login err=%v", err)
	}
}

func (o *Orchestrator) logStats(started time.Time, n, total, succeeded, failed int) {
	elapsed := o.now().Sub(started)
	perItem := elapsed / time.Duration(n)
	eta := perItem * time.Duration(total-n)
	log.Printf("batch stats processed=%d/%d success=%d failed=%d rate=%.1f%% avg=%s eta=%s",
		n, total, succeeded, failed,
		float64(succeeded)/float64(n)*100, perItem.Round(100*time.Millisecond), eta.Round(time.Second))
}

func (o *Orchestrator) writeSidecars(outputPath string, sum Summary) {
	if err := writeIDList(sidecarPath(outputPath, "_failed"), sum.Failed); err != nil {
		log.Printf("batch write failed list err=%v", err)
	}
	if err := writeIDList(sidecarPath(outputPath, "_unavailable"), sum.Unavailable); err != nil {
		log.Printf("batch write unavailable list err=%v", err)
	}
}

func (o *Orchestrator) record(a ledger.Attempt) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.RecordAttempt(a); err != nil {
		log.Printf("batch ledger attempt err=%v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
