package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/fetch"
)

type staticSession struct{}

func (staticSession) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	return []browser.Cookie{{Name: "sid", Value: "xyz"}}, nil
}
func (staticSession) CurrentURL(ctx context.Context) (string, error) {
	return "https://www.incopat.com/home", nil
}
func (staticSession) UserAgent(ctx context.Context) string { return "test-agent" }

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	info := fetch.NewClient(staticSession{}, srv.Client(), fetch.Config{BaseURL: srv.URL})
	return NewClient(staticSession{}, info, srv.Client(), Config{
		BaseURL: srv.URL,
		OutDir:  t.TempDir(),
	})
}

func TestExtractPNKDirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solrResult/existsPn", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("pn") != "CN110123456A" {
			t.Errorf("existsPn form mismatch: %v", r.PostForm)
		}
		fmt.Fprint(w, `{"data": "ENCQ"}`)
	})
	mux.HandleFunc("/detail/init2", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("formerQuery") != "ENCQ" {
			t.Errorf("formerQuery not forwarded: %q", r.URL.RawQuery)
		}
		io.WriteString(w, `<script>var cfg = {"pnk": "ab%2Fcd%3D", "x": 1};</script>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pnk, err := newClient(t, srv).ExtractPNK(context.Background(), "CN110123456A")
	if err != nil {
		t.Fatal(err)
	}
	// The key must stay percent-encoded exactly as the page carried it.
	if pnk != "ab%2Fcd%3D" {
		t.Errorf("pnk = %q, want raw encoded value", pnk)
	}
}

func TestExtractPNKFollowsOneRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solrResult/existsPn", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": "ENCQ"}`)
	})
	mux.HandleFunc("/detail/init2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/detail/landing?puuid_g=OLDKEY123", http.StatusFound)
	})
	mux.HandleFunc("/detail/landing", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>no inline key here</html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pnk, err := newClient(t, srv).ExtractPNK(context.Background(), "CN1A")
	if err != nil {
		t.Fatal(err)
	}
	if pnk != "OLDKEY123" {
		t.Errorf("pnk = %q, want legacy key from landed url", pnk)
	}
}

func TestExamineMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "sid=xyz") {
			t.Errorf("missing session cookie, got %q", got)
		}
		fmt.Fprint(w, `{"status": true, "data": {"examineMessages": [
			{"examineMessageTitle": "受理通知书", "token": "t0", "examinetype": "9", "examineDate": "2020-01-01"},
			{"examineMessageTitle": "第一次审查意见通知书正文", "token": "t1", "examinetype": "2", "examineDate": "2021-05-06"}
		]}}`)
	}))
	defer srv.Close()

	msgs, err := newClient(t, srv).ExamineMessages(context.Background(), "201910612345", "1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Token != "t1" || msgs[1].ExamineType != "2" || msgs[1].Date != "2021-05-06" {
		t.Errorf("unexpected message %+v", msgs[1])
	}
}

func TestExamineMessagesServiceRefusalNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"status": false}`)
	}))
	defer srv.Close()

	if _, err := newClient(t, srv).ExamineMessages(context.Background(), "an", "1"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("service refusal should not retry, got %d calls", calls)
	}
}

func TestDownloadURL(t *testing.T) {
	c := NewClient(staticSession{}, nil, http.DefaultClient, Config{BaseURL: "https://www.incopat.com", OutDir: "x"})
	got := c.DownloadURL("201910612345", "2021-05-06 第一次审查意见通知书正文", "tok/1+2", "2", "1")
	for _, want := range []string{
		"/image/getExamineMessagePDF?",
		"an=201910612345",
		"token=tok%2F1%2B2",
		"examineType=2",
		"pat=1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("url %q missing %q", got, want)
		}
	}
}

func TestFetchPDFRejectsNonPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>session expired</html>")
	}))
	defer srv.Close()

	c := newClient(t, srv)
	if _, err := c.fetchPDF(context.Background(), "CN1A", srv.URL+"/image/getExamineMessagePDF"); err == nil {
		t.Fatal("html response must be rejected")
	}
}

func TestFetchPDFRejectsSmallArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 tiny"))
	}))
	defer srv.Close()

	c := newClient(t, srv)
	_, err := c.fetchPDF(context.Background(), "CN1A", srv.URL+"/image/getExamineMessagePDF")
	if err == nil {
		t.Fatal("undersized artifact must be rejected")
	}
	entries, _ := os.ReadDir(c.cfg.OutDir)
	if len(entries) != 0 {
		t.Errorf("rejected artifact should be removed, found %d files", len(entries))
	}
}

func TestValidatePDFRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pdf")
	if err := os.WriteFile(path, []byte(strings.Repeat("not a pdf ", 20000)), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ValidatePDF(path); err == nil {
		t.Fatal("garbage file must not validate")
	}
}

func TestFetchFirstOfficeActionNoDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/solrResult/existsPn", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": "ENCQ"}`)
	})
	mux.HandleFunc("/detail/init2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script>"pnk": "KEY1"</script>`)
	})
	mux.HandleFunc("/detailNew/getPatentCommonInfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": true, "data": {"pt": "1", "an": "201910612345"}}`)
	})
	mux.HandleFunc("/detailNew/getExamineMessage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": true, "data": {"examineMessages": [
			{"examineMessageTitle": "受理通知书", "token": "t0"}
		]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newClient(t, srv).FetchFirstOfficeAction(context.Background(), "CN110123456A")
	if !errors.Is(err, ErrNoDocument) {
		t.Fatalf("want ErrNoDocument, got %v", err)
	}
}
