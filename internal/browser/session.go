// Package browser wraps a chromedp Chromium session with the primitives the
// retrieval pipeline needs: navigation, script evaluation, element
// interaction, cookie export, target juggling, and an in-memory log of the
// page's outbound network requests for template capture.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/cxip/patentharvest/internal/fastpath"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

// trafficLogCap bounds the in-memory request log; oldest entries are dropped.
const trafficLogCap = 512

type Config struct {
	HomeURL     string
	ChromePath  string
	Headless    bool
	UserAgent   string
	DownloadDir string
	NavTimeout  time.Duration
	Username    string
	Password    string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.UserAgent == "" {
		out.UserAgent = defaultUserAgent
	}
	if out.NavTimeout == 0 {
		out.NavTimeout = 30 * time.Second
	}
	if out.HomeURL == "" {
		out.HomeURL = "https://www.incopat.com/"
	}
	return out
}

type Cookie struct {
	Name  string
	Value string
}

// Session owns one Chromium process and its main tab. The orchestrator's
// single control flow is the only user; methods are not designed for
// concurrent callers, though the traffic log is internally synchronized
// because CDP events arrive on chromedp's goroutines.
type Session struct {
	cfg         Config
	allocCtx    context.Context
	allocCancel context.CancelFunc
	main        context.Context
	mainCancel  context.CancelFunc
	cur         context.Context
	curCancel   context.CancelFunc

	mu        sync.Mutex
	traffic   []fastpath.TrafficEntry
	userAgent string
}

// NewSession launches Chromium and opens the main tab.
func NewSession(parent context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)

	s := &Session{cfg: cfg, allocCtx: allocCtx, allocCancel: allocCancel}
	if err := s.openMainTab(); err != nil {
		allocCancel()
		return nil, err
	}
	return s, nil
}

func (s *Session) openMainTab() error {
	s.main, s.mainCancel = chromedp.NewContext(s.allocCtx)
	s.cur, s.curCancel = s.main, nil
	s.attachListeners(s.main)

	if err := chromedp.Run(s.main,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Keep the automation marker out of the page's sight.
			_, err := page.AddScriptToEvaluateOnNewDocument(
				"Object.defineProperty(navigator, 'webdriver', {get: () => undefined})").Do(ctx)
			return err
		}),
	); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	return nil
}

func (s *Session) attachListeners(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			s.recordRequest(e)
		case *page.EventJavascriptDialogOpening:
			// Multi-device login prompts surface as JS dialogs; accept them.
			go func() {
				_ = chromedp.Run(ctx, page.HandleJavaScriptDialog(true))
			}()
		}
	})
}

func (s *Session) recordRequest(ev *network.EventRequestWillBeSent) {
	if ev == nil || ev.Request == nil {
		return
	}
	headers := map[string]string{}
	for k, v := range ev.Request.Headers {
		headers[k] = fmt.Sprint(v)
	}
	entry := fastpath.TrafficEntry{
		URL:      ev.Request.URL,
		Method:   ev.Request.Method,
		Headers:  headers,
		PostData: postData(ev.Request),
		At:       time.Now(),
	}
	s.mu.Lock()
	s.traffic = append(s.traffic, entry)
	if len(s.traffic) > trafficLogCap {
		s.traffic = s.traffic[len(s.traffic)-trafficLogCap:]
	}
	s.mu.Unlock()
}

func postData(req *network.Request) string {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range req.PostDataEntries {
		if e == nil || e.Bytes == "" {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(e.Bytes); err == nil {
			b.Write(decoded)
		} else {
			b.WriteString(e.Bytes)
		}
	}
	return b.String()
}

// DrainTraffic returns the accumulated network log and clears it, newest last.
func (s *Session) DrainTraffic() []fastpath.TrafficEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.traffic
	s.traffic = nil
	return out
}

// run executes chromedp actions against the current tab, bounded by timeout
// and by the caller's context.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx := s.cur
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		tctx, cancel = context.WithTimeout(tctx, timeout)
	}
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

// Navigate loads url in the current tab and waits for the document body.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, s.cfg.NavTimeout, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

// CurrentURL returns the current tab's location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, 5*time.Second, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

// Cookies exports the browser's cookie jar for reuse by direct HTTP calls.
func (s *Session) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, 5*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		if c.Name != "" {
			out = append(out, Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out, nil
}

// Eval evaluates js in the page and stores the result in out (pass nil to
// discard).
func (s *Session) Eval(ctx context.Context, js string, out any) error {
	if out == nil {
		var discard any
		out = &discard
	}
	return s.run(ctx, 10*time.Second, chromedp.Evaluate(js, out))
}

// EvalAsync evaluates js that returns a Promise, waiting up to timeout for it
// to settle, and stores the resolved value in out.
func (s *Session) EvalAsync(ctx context.Context, js string, out any, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.Evaluate(js, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// Click clicks the first node matching the CSS selector.
func (s *Session) Click(ctx context.Context, sel string) error {
	return s.run(ctx, 10*time.Second, chromedp.Click(sel, chromedp.ByQuery))
}

// Clear empties an input via chromedp's native clear.
func (s *Session) Clear(ctx context.Context, sel string) error {
	return s.run(ctx, 5*time.Second, chromedp.Clear(sel, chromedp.ByQuery))
}

// SendKeys types text into the node matching sel.
func (s *Session) SendKeys(ctx context.Context, sel, text string) error {
	return s.run(ctx, 10*time.Second, chromedp.SendKeys(sel, text, chromedp.ByQuery))
}

// Submit types the enter key into the node matching sel.
func (s *Session) Submit(ctx context.Context, sel string) error {
	return s.run(ctx, 5*time.Second, chromedp.SendKeys(sel, kb.Enter, chromedp.ByQuery))
}

// Screenshot captures the visible viewport as PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, 10*time.Second, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// PageSource returns the current document's outer HTML.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, 10*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// WaitDocumentReady polls document.readyState until complete or timeout;
// a timeout is not an error, matching how little the home surface can be
// trusted to finish loading.
func (s *Session) WaitDocumentReady(ctx context.Context, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var state string
		if err := s.Eval(ctx, "document.readyState", &state); err == nil && state == "complete" {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// UserAgent returns the browser's real user agent, cached after first read.
func (s *Session) UserAgent(ctx context.Context) string {
	s.mu.Lock()
	cached := s.userAgent
	s.mu.Unlock()
	if cached != "" {
		return cached
	}
	var ua string
	if err := s.Eval(ctx, "navigator.userAgent", &ua); err != nil || ua == "" {
		ua = s.cfg.UserAgent
	}
	s.mu.Lock()
	s.userAgent = ua
	s.mu.Unlock()
	return ua
}

// HomeURL exposes the configured home surface.
func (s *Session) HomeURL() string { return s.cfg.HomeURL }

// EnsureHome navigates back to the home surface unless the current tab is
// already on it (and not buried in a detail view).
func (s *Session) EnsureHome(ctx context.Context) error {
	u, err := s.CurrentURL(ctx)
	if err != nil || !strings.Contains(u, hostOf(s.cfg.HomeURL)) || strings.Contains(u, "depthBrowse") {
		if err := s.Navigate(ctx, s.cfg.HomeURL); err != nil {
			return err
		}
		s.WaitDocumentReady(ctx, 3*time.Second)
	}
	return nil
}

func hostOf(url string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	trimmed = strings.TrimPrefix(trimmed, "www.")
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// Pages lists open page targets.
func (s *Session) Pages(ctx context.Context) ([]*target.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(s.main)
	if err != nil {
		return nil, err
	}
	var pages []*target.Info
	for _, info := range infos {
		if info.Type == "page" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

func (s *Session) currentTargetID() target.ID {
	if c := chromedp.FromContext(s.cur); c != nil && c.Target != nil {
		return c.Target.TargetID
	}
	return ""
}

func (s *Session) mainTargetID() target.ID {
	if c := chromedp.FromContext(s.main); c != nil && c.Target != nil {
		return c.Target.TargetID
	}
	return ""
}

// SwitchToNewestPage attaches the session to the most recently opened page
// target, if one exists beyond the current tab. Returns true when a switch
// happened.
func (s *Session) SwitchToNewestPage(ctx context.Context) (bool, error) {
	pages, err := s.Pages(ctx)
	if err != nil {
		return false, err
	}
	curID := s.currentTargetID()
	for i := len(pages) - 1; i >= 0; i-- {
		if pages[i].TargetID == curID {
			continue
		}
		cctx, cancel := chromedp.NewContext(s.main, chromedp.WithTargetID(pages[i].TargetID))
		if err := chromedp.Run(cctx); err != nil {
			cancel()
			return false, err
		}
		if s.curCancel != nil {
			s.curCancel()
		}
		s.cur, s.curCancel = cctx, cancel
		return true, nil
	}
	return false, nil
}

// SwitchToMain reattaches the session to the main tab.
func (s *Session) SwitchToMain() {
	if s.curCancel != nil {
		s.curCancel()
		s.curCancel = nil
	}
	s.cur = s.main
}

// CloseExtraPages closes every page target except the main tab and switches
// back to it.
func (s *Session) CloseExtraPages(ctx context.Context) error {
	s.SwitchToMain()
	pages, err := s.Pages(ctx)
	if err != nil {
		return err
	}
	mainID := s.mainTargetID()
	for _, p := range pages {
		if p.TargetID == mainID {
			continue
		}
		id := p.TargetID
		if err := chromedp.Run(s.main, chromedp.ActionFunc(func(ctx context.Context) error {
			return target.CloseTarget(id).Do(ctx)
		})); err != nil {
			log.Printf("browser close target id=%s err=%v", id, err)
		}
	}
	return nil
}

// Restart tears the current tab tree down and opens a fresh main tab in the
// same Chromium process.
func (s *Session) Restart(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.SwitchToMain()
	if s.mainCancel != nil {
		s.mainCancel()
	}
	s.mu.Lock()
	s.traffic = nil
	s.mu.Unlock()
	return s.openMainTab()
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.SwitchToMain()
	if s.mainCancel != nil {
		s.mainCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}
