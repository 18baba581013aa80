// Package fastpath captures the search request the site's own frontend makes
// and replays it directly, skipping DOM interaction entirely. The request
// shape is not a stable contract: it is discovered at runtime from browser
// traffic and invalidated as soon as it stops decoding.
package fastpath

import (
	"log"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Placeholder substitutes for the publication number inside a captured
// template URL or body.
const Placeholder = "{PATENT_NO}"

// TrafficEntry is one outbound request observed in the browser's network log.
type TrafficEntry struct {
	URL      string
	Method   string
	Headers  map[string]string
	PostData string
	At       time.Time
}

// Template is a replayable search request with the publication number
// generalized to Placeholder.
type Template struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	HasBody bool
}

// Expand substitutes id into the template, returning the concrete URL and body.
func (t *Template) Expand(id string) (string, string) {
	u := strings.ReplaceAll(t.URL, Placeholder, id)
	body := ""
	if t.HasBody {
		body = strings.ReplaceAll(t.Body, Placeholder, id)
	}
	return u, body
}

// FailureReason classifies a replay failure for the cache's bookkeeping.
// Only decode-class failures poison the template and the identifier.
type FailureReason string

const (
	ReasonTransport   FailureReason = "transport"
	ReasonStatus      FailureReason = "status"
	ReasonTimeout     FailureReason = "timeout"
	ReasonParseFailed FailureReason = "parse-failed"
	ReasonNoTokens    FailureReason = "no-tokens"
)

func (r FailureReason) decodeClass() bool {
	return r == ReasonParseFailed || r == ReasonNoTokens
}

// headerSafelist is the subset of captured headers worth replaying. Everything
// else (cookies, sec-, content-length) is either supplied fresh per request or
// would be wrong on replay.
var headerSafelist = map[string]bool{
	"accept":           true,
	"content-type":     true,
	"x-requested-with": true,
	"origin":           true,
	"referer":          true,
}

// Cache holds at most one captured template per process run, together with the
// failure ledger that decides when the fast path must stand down.
type Cache struct {
	origin         string
	requestTimeout time.Duration
	now            func() time.Time

	mu            sync.Mutex
	template      *Template
	failures      int
	disabledUntil time.Time
	denied        map[string]bool
}

// NewCache builds a cache scoped to requests against origin (host suffix
// match). requestTimeout feeds the circuit-breaker cooldown formula.
func NewCache(origin string, requestTimeout time.Duration) *Cache {
	return &Cache{
		origin:         origin,
		requestTimeout: requestTimeout,
		now:            time.Now,
		denied:         map[string]bool{},
	}
}

// CaptureFromTraffic scans entries newest-first for a same-origin request that
// carries id in its URL or body and generalizes it into the template. No-op
// when a template is already set or nothing usable is found.
func (c *Cache) CaptureFromTraffic(entries []TrafficEntry, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.template != nil {
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !strings.HasPrefix(e.URL, "http") {
			continue
		}
		if !strings.Contains(e.URL, id) && !strings.Contains(e.PostData, id) {
			continue
		}
		parsed, err := url.Parse(e.URL)
		if err != nil || parsed.Hostname() == "" || !strings.Contains(parsed.Hostname(), c.origin) {
			continue
		}
		headers := map[string]string{}
		for k, v := range e.Headers {
			if headerSafelist[strings.ToLower(k)] {
				headers[k] = v
			}
		}
		tmpl := &Template{
			URL:     strings.ReplaceAll(e.URL, id, Placeholder),
			Method:  e.Method,
			Headers: headers,
		}
		if e.PostData != "" {
			tmpl.Body = strings.ReplaceAll(e.PostData, id, Placeholder)
			tmpl.HasBody = true
		} else if !strings.Contains(e.URL, id) {
			// Neither URL nor body carries the identifier; nothing to replay.
			return
		}
		c.template = tmpl
		c.failures = 0
		c.disabledUntil = time.Time{}
		log.Printf("fastpath captured search template method=%s url=%s", tmpl.Method, tmpl.URL)
		return
	}
}

// Template returns the replayable template, or nil when none is captured, the
// identifier-independent circuit breaker is open, or the template was cleared.
func (c *Cache) Template() *Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disabledUntil.IsZero() {
		if c.now().Before(c.disabledUntil) {
			return nil
		}
		c.disabledUntil = time.Time{}
		c.failures = 0
	}
	return c.template
}

// Denied reports whether id has been blocked from the fast path.
func (c *Cache) Denied(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denied[id]
}

// RecordFailure updates the failure ledger after a replay attempt fails.
// Two accumulated decode-class failures clear the template so a fresher
// request can be captured; any decode-class failure denylists the identifier;
// three failures of any kind open the circuit breaker.
func (c *Cache) RecordFailure(reason FailureReason, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= 2 && reason.decodeClass() {
		c.template = nil
		log.Printf("fastpath cleared template after repeated decode failures")
	}
	if id != "" && reason.decodeClass() && !c.denied[id] {
		c.denied[id] = true
		log.Printf("fastpath denylisted id=%s reason=%s", id, reason)
	}
	if c.failures >= 3 {
		cooldown := 180 * time.Second
		if scaled := 10 * c.requestTimeout; scaled > cooldown {
			cooldown = scaled
		}
		c.disabledUntil = c.now().Add(cooldown)
		log.Printf("fastpath circuit open failures=%d cooldown=%s reason=%s", c.failures, cooldown, reason)
	} else {
		log.Printf("fastpath failure count=%d reason=%s", c.failures, reason)
	}
}

// RecordSuccess resets the failure ledger after a successful replay+decode.
func (c *Cache) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.disabledUntil = time.Time{}
}
