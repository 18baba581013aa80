// Package search locates a patent record on the target site and opens its
// detail context, producing the short-lived access key the fetch stage needs.
// Three independent tactics cover the site's moods: a fast cached-element DOM
// search, direct replay of a captured search request, and a slow resilient
// DOM fallback that re-derives everything from a fresh page load.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/fastpath"
	"github.com/cxip/patentharvest/internal/pace"
)

// Browser is the slice of the browser session the strategy drives.
type Browser interface {
	EnsureHome(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Eval(ctx context.Context, js string, out any) error
	EvalAsync(ctx context.Context, js string, out any, timeout time.Duration) error
	Clear(ctx context.Context, sel string) error
	SendKeys(ctx context.Context, sel, text string) error
	Submit(ctx context.Context, sel string) error
	SwitchToMain()
	SwitchToNewestPage(ctx context.Context) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
	PageSource(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]browser.Cookie, error)
	UserAgent(ctx context.Context) string
	DrainTraffic() []fastpath.TrafficEntry
	WaitDocumentReady(ctx context.Context, timeout time.Duration)
	HomeURL() string
}

const (
	resultPollInterval = 500 * time.Millisecond
	primaryPollRounds  = 6
	openPollRounds     = 10
	openPollInterval   = 200 * time.Millisecond
)

// boxMarkerSel tags the search input the locate script found so later
// revalidation and typing can address it without holding a node reference.
const boxMarkerSel = "input[data-ph-box='1']"

type Config struct {
	DebugDir       string
	RequestTimeout time.Duration
}

// Strategy is owned by the orchestrator; one instance per run.
type Strategy struct {
	br    Browser
	cache *fastpath.Cache
	gov   *pace.Governor
	httpc *http.Client
	cfg   Config

	boxCached    bool
	usedFallback bool
}

func NewStrategy(br Browser, cache *fastpath.Cache, gov *pace.Governor, httpc *http.Client, cfg Config) *Strategy {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 6 * time.Second
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Strategy{br: br, cache: cache, gov: gov, httpc: httpc, cfg: cfg}
}

// UsedFallback reports whether the last successful LocateAndOpen needed the
// resilient fallback tactic; the governor treats those successes as warnings.
func (st *Strategy) UsedFallback() bool { return st.usedFallback }

// LocateAndOpen searches for id and leaves the browser inside the record's
// detail context. Tactic A runs first; on failure the traffic so far is mined
// for a replayable template, then the fallback tactic consumes the remaining
// retry budget with a diagnostic capture before the first retry.
func (st *Strategy) LocateAndOpen(ctx context.Context, id string) bool {
	st.usedFallback = false
	attempts := st.gov.SearchAttempts()

	if st.primarySearch(ctx, id) {
		return true
	}
	st.cache.CaptureFromTraffic(st.br.DrainTraffic(), id)
	st.recordSearchContext(ctx, id, "primary")

	for attempt := 2; attempt <= attempts; attempt++ {
		waitTimeout := st.gov.SearchTimeout(attempt)
		log.Printf("search retry id=%s attempt=%d wait=%s", id, attempt, waitTimeout)
		if st.fallbackSearch(ctx, id, waitTimeout) {
			st.usedFallback = true
			return true
		}
		st.recordSearchContext(ctx, id, fmt.Sprintf("fallback%d", attempt-1))
		sleep(ctx, st.gov.Backoff(attempt))
	}
	return false
}

// primarySearch is tactic A: the accelerated DOM search, retried once after a
// home reload since the first miss is most often a stale surface.
func (st *Strategy) primarySearch(ctx context.Context, id string) bool {
	if st.acceleratedDOMSearch(ctx, id) {
		return true
	}
	if err := st.br.EnsureHome(ctx); err != nil {
		return false
	}
	sleep(ctx, 500*time.Millisecond)
	return st.acceleratedDOMSearch(ctx, id)
}

func (st *Strategy) acceleratedDOMSearch(ctx context.Context, id string) bool {
	if err := st.br.EnsureHome(ctx); err != nil {
		return false
	}
	if !st.searchBox(ctx) {
		return false
	}
	st.clearSearchBox(ctx)
	if err := st.br.SendKeys(ctx, boxMarkerSel, id); err != nil {
		return false
	}
	if err := st.br.Submit(ctx, boxMarkerSel); err != nil {
		return false
	}
	for i := 0; i < primaryPollRounds; i++ {
		sleep(ctx, resultPollInterval)
		if st.clickResult(ctx, id) && st.waitDetailOpen(ctx) {
			return true
		}
	}
	return false
}

// fallbackSearch is tactic C: reload the home surface, re-derive the search
// input without cache reuse, and poll at the adaptive timeout.
func (st *Strategy) fallbackSearch(ctx context.Context, id string, waitTimeout time.Duration) bool {
	st.br.SwitchToMain()
	if err := st.br.Navigate(ctx, st.br.HomeURL()); err != nil {
		return false
	}
	sleep(ctx, time.Second)
	st.boxCached = false
	if !st.searchBox(ctx) {
		return false
	}
	st.clearSearchBox(ctx)
	if err := st.br.SendKeys(ctx, boxMarkerSel, id); err != nil {
		return false
	}
	if err := st.br.Submit(ctx, boxMarkerSel); err != nil {
		return false
	}
	sleep(ctx, 300*time.Millisecond)

	rounds := int(waitTimeout / resultPollInterval)
	for i := 0; i < rounds; i++ {
		sleep(ctx, resultPollInterval)
		if st.clickResult(ctx, id) {
			opened := st.waitDetailOpen(ctx)
			if opened {
				return true
			}
		}
	}
	return false
}

const locateBoxJS = `(() => {
	document.querySelectorAll('input[data-ph-box]').forEach(el => el.removeAttribute('data-ph-box'));
	const sels = ["input[placeholder*='请输入']", "input[type='text']"];
	for (const sel of sels) {
		for (const el of document.querySelectorAll(sel)) {
			if (el.offsetParent !== null && !el.disabled) {
				el.setAttribute('data-ph-box', '1');
				return true;
			}
		}
	}
	return false;
})()`

const validateBoxJS = `(() => {
	const el = document.querySelector("input[data-ph-box='1']");
	return !!el && el.offsetParent !== null && !el.disabled;
})()`

// searchBox ensures the box marker points at a usable input, reusing the
// previously located one when it still validates.
func (st *Strategy) searchBox(ctx context.Context) bool {
	if st.boxCached {
		var ok bool
		if err := st.br.Eval(ctx, validateBoxJS, &ok); err == nil && ok {
			return true
		}
		st.boxCached = false
	}
	var found bool
	if err := st.br.Eval(ctx, locateBoxJS, &found); err != nil || !found {
		return false
	}
	st.boxCached = true
	return true
}

const clearBoxJS = `(() => {
	const el = document.querySelector("input[data-ph-box='1']");
	if (el) { el.value = ''; el.dispatchEvent(new Event('input', {bubbles: true})); }
})()`

// clearSearchBox empties the input both by script and by the driver; either
// alone has been observed to leave stale text behind.
func (st *Strategy) clearSearchBox(ctx context.Context) {
	_ = st.br.Eval(ctx, clearBoxJS, nil)
	_ = st.br.Clear(ctx, boxMarkerSel)
}

// clickResult scans the document (and up to two iframes) for a result row
// matching id, normalized: whitespace stripped, case folded, exact match on
// the publication-number span or substring match on the detail links.
func (st *Strategy) clickResult(ctx context.Context, id string) bool {
	normalized := strings.ToUpper(regexp.MustCompile(`\s+`).ReplaceAllString(id, ""))
	js := fmt.Sprintf(resultProbeJS, jsString(normalized))
	var clicked bool
	if err := st.br.Eval(ctx, js, &clicked); err != nil {
		return false
	}
	return clicked
}

const resultProbeJS = `(() => {
	const target = %s;
	const norm = s => (s || '').replace(/\s+/g, '').toUpperCase();
	const docs = [document];
	const frames = document.querySelectorAll('iframe');
	for (let i = 0; i < frames.length && i < 2; i++) {
		try { if (frames[i].contentDocument) docs.push(frames[i].contentDocument); } catch (e) {}
	}
	const sels = ["a[onclick*='openDetail']", "a[href*='openDetail']",
		"a[onclick*='openDetailedInfo']", "a[href*='openDetailedInfo']"];
	for (const doc of docs) {
		for (const span of doc.querySelectorAll("span[name='pnDom']")) {
			if (norm(span.textContent) === target) {
				const link = span.closest('a');
				if (link) { link.click(); return true; }
			}
		}
		for (const sel of sels) {
			for (const link of doc.querySelectorAll(sel)) {
				if (norm(link.textContent).includes(target)) { link.click(); return true; }
			}
		}
	}
	return false;
})()`

// waitDetailOpen waits for the click to land: either a new window appears or
// the current one navigates into the detail view.
func (st *Strategy) waitDetailOpen(ctx context.Context) bool {
	for i := 0; i < openPollRounds; i++ {
		sleep(ctx, openPollInterval)
		if switched, err := st.br.SwitchToNewestPage(ctx); err == nil && switched {
			return true
		}
		if u, err := st.br.CurrentURL(ctx); err == nil && strings.Contains(u, "depthBrowse") {
			return true
		}
	}
	return false
}

// recordSearchContext saves the page HTML and a screenshot for post-mortem
// inspection of a failed attempt.
func (st *Strategy) recordSearchContext(ctx context.Context, id, tag string) {
	if st.cfg.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(st.cfg.DebugDir, 0o755); err != nil {
		return
	}
	base := fmt.Sprintf("%s_%s_%s", safeName(id), tag, time.Now().Format("20060102_150405"))
	if html, err := st.br.PageSource(ctx); err == nil {
		_ = os.WriteFile(filepath.Join(st.cfg.DebugDir, base+".html"), []byte(html), 0o644)
	}
	if png, err := st.br.Screenshot(ctx); err == nil {
		_ = os.WriteFile(filepath.Join(st.cfg.DebugDir, base+".png"), png, 0o644)
	}
	log.Printf("search saved debug context id=%s tag=%s", id, tag)
}

var unsafeNameRe = regexp.MustCompile(`[^0-9A-Za-z]`)

func safeName(id string) string {
	return unsafeNameRe.ReplaceAllString(id, "_")
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// jsValue embeds an arbitrary value as a JSON literal inside a script.
func jsValue(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
