package search

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cxip/patentharvest/internal/fastpath"
	"github.com/cxip/patentharvest/internal/tokens"
)

// fetchResult is what the in-page replay script resolves with.
type fetchResult struct {
	OK          bool   `json:"ok"`
	Status      int    `json:"status"`
	Text        string `json:"text"`
	ContentType string `json:"contentType"`
	Error       string `json:"error"`
}

// FastTokens tries to mint access tokens for id without touching the DOM at
// all, by replaying the captured search request with the identifier swapped
// in. The replay runs inside the page first so it rides the live session;
// only transport-level trouble falls through to a direct HTTP attempt.
func (st *Strategy) FastTokens(ctx context.Context, id string) (tokens.TokenSet, bool) {
	if st.cache.Denied(id) {
		return tokens.TokenSet{}, false
	}
	tmpl := st.cache.Template()
	if tmpl == nil {
		return tokens.TokenSet{}, false
	}
	url, body := tmpl.Expand(id)

	res, err := st.replayInPage(ctx, tmpl, url, body)
	if err != nil {
		log.Printf("fastpath in-page replay failed id=%s err=%v", id, err)
		res, err = st.replayDirect(ctx, tmpl, url, body)
	}
	if err != nil {
		reason := fastpath.ReasonTransport
		if strings.Contains(err.Error(), "abort") || strings.Contains(err.Error(), "deadline") {
			reason = fastpath.ReasonTimeout
		}
		st.cache.RecordFailure(reason, id)
		return tokens.TokenSet{}, false
	}
	if !res.OK {
		st.cache.RecordFailure(fastpath.ReasonStatus, id)
		return tokens.TokenSet{}, false
	}

	set, ok := tokens.Decode(res.Text, res.ContentType)
	if !ok {
		st.saveResponseDump(id, res.Text)
		st.cache.RecordFailure(fastpath.ReasonNoTokens, id)
		return tokens.TokenSet{}, false
	}
	st.cache.RecordSuccess()
	return set, true
}

const replayJS = `(() => {
	const cfg = %s;
	return new Promise(resolve => {
		const ctl = new AbortController();
		const timer = setTimeout(() => ctl.abort(), cfg.timeoutMs);
		const opts = {method: cfg.method, headers: cfg.headers, signal: ctl.signal, credentials: 'include'};
		if (cfg.body !== null && cfg.method !== 'GET') { opts.body = cfg.body; }
		fetch(cfg.url, opts).then(resp =>
			resp.text().then(text => {
				clearTimeout(timer);
				resolve({ok: resp.ok, status: resp.status, text: text,
					contentType: resp.headers.get('content-type') || '', error: ''});
			})
		).catch(err => {
			clearTimeout(timer);
			resolve({ok: false, status: 0, text: '', contentType: '', error: String(err)});
		});
	});
})()`

func (st *Strategy) replayInPage(ctx context.Context, tmpl *fastpath.Template, url, body string) (fetchResult, error) {
	cfg := map[string]any{
		"url":       url,
		"method":    tmpl.Method,
		"headers":   tmpl.Headers,
		"body":      nil,
		"timeoutMs": st.cfg.RequestTimeout.Milliseconds(),
	}
	if tmpl.HasBody {
		cfg["body"] = body
	}
	js := fmt.Sprintf(replayJS, jsValue(cfg))

	var res fetchResult
	if err := st.br.EvalAsync(ctx, js, &res, st.cfg.RequestTimeout+2*time.Second); err != nil {
		return fetchResult{}, fmt.Errorf("evaluate replay: %w", err)
	}
	if res.Error != "" {
		return fetchResult{}, fmt.Errorf("page fetch: %s", res.Error)
	}
	return res, nil
}

// replayDirect re-issues the template over a plain HTTP client, borrowing the
// browser's cookies and user agent so the site sees the same session.
func (st *Strategy) replayDirect(ctx context.Context, tmpl *fastpath.Template, url, body string) (fetchResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, st.cfg.RequestTimeout)
	defer cancel()

	var reqBody io.Reader
	if tmpl.HasBody && tmpl.Method != http.MethodGet {
		reqBody = strings.NewReader(body)
	} else if tmpl.HasBody {
		// GET with a captured body means the params ride the query string.
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + body
	}
	req, err := http.NewRequestWithContext(reqCtx, tmpl.Method, url, reqBody)
	if err != nil {
		return fetchResult{}, fmt.Errorf("build replay request: %w", err)
	}
	for k, v := range tmpl.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", st.br.UserAgent(ctx))
	if cur, err := st.br.CurrentURL(ctx); err == nil && cur != "" {
		req.Header.Set("Referer", cur)
	}
	if cookies, err := st.br.Cookies(ctx); err == nil {
		var parts []string
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		if len(parts) > 0 {
			req.Header.Set("Cookie", strings.Join(parts, "; "))
		}
	}

	resp, err := st.httpc.Do(req)
	if err != nil {
		return fetchResult{}, fmt.Errorf("direct replay: %w", err)
	}
	defer resp.Body.Close()
	text, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fetchResult{}, fmt.Errorf("read replay body: %w", err)
	}
	return fetchResult{
		OK:          resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:      resp.StatusCode,
		Text:        string(text),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// saveResponseDump keeps the undecodable response around; these are the only
// evidence when the site changes its search payload shape.
func (st *Strategy) saveResponseDump(id, text string) {
	if st.cfg.DebugDir == "" {
		return
	}
	if err := os.MkdirAll(st.cfg.DebugDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("tokens_%s_%s.txt", safeName(id), time.Now().Format("20060102_150405"))
	_ = os.WriteFile(filepath.Join(st.cfg.DebugDir, name), []byte(text), 0o644)
}
