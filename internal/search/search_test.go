package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/fastpath"
	"github.com/cxip/patentharvest/internal/pace"
)

type fakeBrowser struct {
	ensureHomeErr error
	navigateErr   error
	currentURL    string

	boxFound    bool
	clickResult bool
	newestPage  bool

	traffic []fastpath.TrafficEntry
	cookies []browser.Cookie

	evalAsyncOut string
	evalAsyncErr error

	navigations int
	submits     int
}

func (f *fakeBrowser) EnsureHome(ctx context.Context) error { return f.ensureHomeErr }

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error {
	f.navigations++
	return f.navigateErr
}

func (f *fakeBrowser) CurrentURL(ctx context.Context) (string, error) { return f.currentURL, nil }

func (f *fakeBrowser) Eval(ctx context.Context, js string, out any) error {
	if out == nil {
		return nil
	}
	b, ok := out.(*bool)
	if !ok {
		return nil
	}
	switch {
	case strings.Contains(js, "data-ph-box"):
		*b = f.boxFound
	case strings.Contains(js, "pnDom"):
		*b = f.clickResult
	}
	return nil
}

func (f *fakeBrowser) EvalAsync(ctx context.Context, js string, out any, timeout time.Duration) error {
	if f.evalAsyncErr != nil {
		return f.evalAsyncErr
	}
	res, ok := out.(*fetchResult)
	if !ok {
		return errors.New("unexpected out type")
	}
	res.OK = true
	res.Status = 200
	res.Text = f.evalAsyncOut
	res.ContentType = "application/json"
	return nil
}

func (f *fakeBrowser) Clear(ctx context.Context, sel string) error          { return nil }
func (f *fakeBrowser) SendKeys(ctx context.Context, sel, text string) error { return nil }

func (f *fakeBrowser) Submit(ctx context.Context, sel string) error {
	f.submits++
	return nil
}

func (f *fakeBrowser) SwitchToMain() {}

func (f *fakeBrowser) SwitchToNewestPage(ctx context.Context) (bool, error) {
	return f.newestPage, nil
}

func (f *fakeBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (f *fakeBrowser) PageSource(ctx context.Context) (string, error) { return "<html/>", nil }

func (f *fakeBrowser) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	return f.cookies, nil
}

func (f *fakeBrowser) UserAgent(ctx context.Context) string { return "test-agent" }

func (f *fakeBrowser) DrainTraffic() []fastpath.TrafficEntry {
	out := f.traffic
	f.traffic = nil
	return out
}

func (f *fakeBrowser) WaitDocumentReady(ctx context.Context, timeout time.Duration) {}
func (f *fakeBrowser) HomeURL() string                                              { return "https://www.incopat.com/" }

func newStrategy(t *testing.T, fb *fakeBrowser) (*Strategy, *fastpath.Cache) {
	t.Helper()
	cache := fastpath.NewCache("incopat.com", 2*time.Second)
	gov := pace.NewGovernor()
	st := NewStrategy(fb, cache, gov, nil, Config{
		DebugDir:       t.TempDir(),
		RequestTimeout: 2 * time.Second,
	})
	return st, cache
}

func TestLocateAndOpenPrimarySuccess(t *testing.T) {
	fb := &fakeBrowser{boxFound: true, clickResult: true, newestPage: true}
	st, _ := newStrategy(t, fb)

	if !st.LocateAndOpen(context.Background(), "CN111111111A") {
		t.Fatal("expected primary search to succeed")
	}
	if st.UsedFallback() {
		t.Error("primary success should not be marked as fallback")
	}
	if fb.navigations != 0 {
		t.Errorf("primary path should not navigate, got %d navigations", fb.navigations)
	}
}

func TestLocateAndOpenFallbackAfterPrimaryFailure(t *testing.T) {
	fb := &fakeBrowser{
		ensureHomeErr: errors.New("home unreachable"),
		boxFound:      true,
		clickResult:   true,
		newestPage:    true,
		traffic: []fastpath.TrafficEntry{{
			URL:    "https://www.incopat.com/search?pn=CN222222222A",
			Method: "GET",
			At:     time.Now(),
		}},
	}
	st, cache := newStrategy(t, fb)

	if !st.LocateAndOpen(context.Background(), "CN222222222A") {
		t.Fatal("expected fallback search to succeed")
	}
	if !st.UsedFallback() {
		t.Error("fallback success should be marked")
	}
	if cache.Template() == nil {
		t.Error("primary failure should have mined the traffic for a template")
	}

	// The primary failure must leave a diagnostic capture behind.
	entries, err := os.ReadDir(st.cfg.DebugDir)
	if err != nil {
		t.Fatal(err)
	}
	var html, png bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "_primary_") {
			switch filepath.Ext(e.Name()) {
			case ".html":
				html = true
			case ".png":
				png = true
			}
		}
	}
	if !html || !png {
		t.Errorf("missing primary diagnostic capture, html=%v png=%v", html, png)
	}
}

func TestLocateAndOpenExhaustsBudget(t *testing.T) {
	fb := &fakeBrowser{
		ensureHomeErr: errors.New("home unreachable"),
		navigateErr:   errors.New("navigate failed"),
	}
	st, _ := newStrategy(t, fb)

	if st.LocateAndOpen(context.Background(), "CN333333333A") {
		t.Fatal("expected search to fail with everything broken")
	}
	if fb.navigations != 2 {
		t.Errorf("normal mode allows two fallback attempts, got %d", fb.navigations)
	}
}

func primeTemplate(t *testing.T, cache *fastpath.Cache, url string) {
	t.Helper()
	cache.CaptureFromTraffic([]fastpath.TrafficEntry{{
		URL:    url,
		Method: "POST",
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
		PostData: "searchKey=CN444444444A&mode=quick",
		At:       time.Now(),
	}}, "CN444444444A")
	if cache.Template() == nil {
		t.Fatal("template capture failed")
	}
}

func TestFastTokensWithoutTemplate(t *testing.T) {
	fb := &fakeBrowser{}
	st, _ := newStrategy(t, fb)
	if _, ok := st.FastTokens(context.Background(), "CN444444444A"); ok {
		t.Error("no template should mean no fast tokens")
	}
}

func TestFastTokensInPageSuccess(t *testing.T) {
	fb := &fakeBrowser{
		evalAsyncOut: `{"pnk":"K123","folderFlag":"F1","oid":"O9"}`,
	}
	st, cache := newStrategy(t, fb)
	primeTemplate(t, cache, "https://www.incopat.com/search?searchKey=CN444444444A")

	set, ok := st.FastTokens(context.Background(), "CN555555555A")
	if !ok {
		t.Fatal("expected in-page replay to yield tokens")
	}
	if set.PNK != "K123" || set.FolderFlag != "F1" || set.OID != "O9" {
		t.Errorf("unexpected token set %+v", set)
	}
	if cache.Template() == nil {
		t.Error("success must keep the template alive")
	}
}

func TestFastTokensDirectFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "test-agent" {
			t.Errorf("direct replay should carry the browser user agent, got %q", got)
		}
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "sid=abc") {
			t.Errorf("direct replay should carry browser cookies, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pnk":"K777","folderFlag":"F7","oid":"O7"}`))
	}))
	defer srv.Close()

	fb := &fakeBrowser{
		evalAsyncErr: errors.New("page context gone"),
		cookies:      []browser.Cookie{{Name: "sid", Value: "abc"}},
		currentURL:   "https://www.incopat.com/home",
	}
	st, cache := newStrategy(t, fb)
	primeTemplate(t, cache, srv.URL+"/search?searchKey=CN444444444A")

	set, ok := st.FastTokens(context.Background(), "CN666666666A")
	if !ok {
		t.Fatal("expected direct replay to yield tokens")
	}
	if set.PNK != "K777" {
		t.Errorf("unexpected pnk %q", set.PNK)
	}
}

func TestFastTokensUndecodableResponseDisablesID(t *testing.T) {
	fb := &fakeBrowser{evalAsyncOut: `<html>unexpected interstitial</html>`}
	st, cache := newStrategy(t, fb)
	primeTemplate(t, cache, "https://www.incopat.com/search?searchKey=CN444444444A")

	id := "CN888888888A"
	if _, ok := st.FastTokens(context.Background(), id); ok {
		t.Fatal("interstitial page must not decode into tokens")
	}
	if !cache.Denied(id) {
		t.Error("decode failure should denylist the identifier")
	}

	entries, err := os.ReadDir(st.cfg.DebugDir)
	if err != nil {
		t.Fatal(err)
	}
	var dumped bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "tokens_") {
			dumped = true
		}
	}
	if !dumped {
		t.Error("undecodable response should be dumped for inspection")
	}
}
