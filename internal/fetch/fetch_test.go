package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/tokens"
)

type fakeSession struct {
	cookies []browser.Cookie
	url     string
}

func (f *fakeSession) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	return f.cookies, nil
}
func (f *fakeSession) CurrentURL(ctx context.Context) (string, error) { return f.url, nil }
func (f *fakeSession) UserAgent(ctx context.Context) string           { return "test-agent" }

const baseInfoPayload = `{
	"status": true,
	"data": {
		"axisSortMap": {
			"k1": {"axisName": "公开日", "axisDate": "2021-03-01"},
			"k2": {"axisName": "申请日", "axisDate": "2019-07-15"}
		},
		"bibliographicItems": {
			"in_or": "张三;李四",
			"apRoot": ["华为技术有限公司", "张三"]
		},
		"summaryInformation": {"ab_cn": "一种测试装置。"},
		"firstClaim": {"first_claim_or": "1. 一种装置，其特征在于……"},
		"otherBibliographicItems": [
			{"field": "f1", "name": "代理机构", "value": "某代理所"},
			{"field": "f2", "name": "审查员", "value": "王五"}
		]
	}
}`

func detailServer(t *testing.T, pt any, baseBody string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["pnk"] == "" {
			t.Error("request missing pnk")
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/detailNew/getPatentCommonInfo":
			json.NewEncoder(w).Encode(map[string]any{
				"status": true,
				"data":   map[string]any{"pt": pt, "an": "CN201910612345"},
			})
		case "/detailNew/baseInfo":
			w.Write([]byte(baseBody))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchDetails(t *testing.T) {
	srv := detailServer(t, "1", baseInfoPayload)
	defer srv.Close()

	c := NewClient(&fakeSession{}, srv.Client(), Config{BaseURL: srv.URL, PDFDir: t.TempDir()})
	rec, err := c.FetchDetails(context.Background(), tokens.TokenSet{PNK: "K1"}, "CN110123456A")
	if err != nil {
		t.Fatal(err)
	}

	want := PatentRecord{
		PatentNo:          "CN110123456A",
		PatentType:        "invention-application",
		ApplicationDate:   "20190715",
		ApplicationNumber: "201910612345",
		Inventors:         "张三;李四",
		FirstApplicant:    "华为技术有限公司",
		Abstract:          "一种测试装置。",
		Examiner:          "王五",
		FirstClaim:        "1. 一种装置，其特征在于……",
	}
	if *rec != want {
		t.Errorf("record mismatch:\n got %+v\nwant %+v", *rec, want)
	}
}

func TestFetchDetailsNumericTypeCode(t *testing.T) {
	srv := detailServer(t, 4, baseInfoPayload)
	defer srv.Close()

	c := NewClient(&fakeSession{}, srv.Client(), Config{BaseURL: srv.URL, PDFDir: t.TempDir()})
	rec, err := c.FetchDetails(context.Background(), tokens.TokenSet{PNK: "K1"}, "CN110123456B")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PatentType != "invention-grant" {
		t.Errorf("pt=4 should map to invention-grant, got %q", rec.PatentType)
	}
}

func TestFetchDetailsEmptyPNK(t *testing.T) {
	c := NewClient(&fakeSession{}, nil, Config{})
	if _, err := c.FetchDetails(context.Background(), tokens.TokenSet{}, "CN1A"); err == nil {
		t.Fatal("empty pnk must fail before any network call")
	}
}

func TestFetchDetailsServiceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": false}`))
	}))
	defer srv.Close()

	c := NewClient(&fakeSession{}, srv.Client(), Config{BaseURL: srv.URL})
	if _, err := c.FetchDetails(context.Background(), tokens.TokenSet{PNK: "K1"}, "CN1A"); err == nil {
		t.Fatal("status=false must surface as an error")
	}
}

func TestExaminerPDFFallback(t *testing.T) {
	// Examiner absent from the payload; the type must be invention-application
	// for the filename fallback to apply.
	stripped := map[string]any{}
	if err := json.Unmarshal([]byte(baseInfoPayload), &stripped); err != nil {
		t.Fatal(err)
	}
	delete(stripped["data"].(map[string]any), "otherBibliographicItems")
	body, _ := json.Marshal(stripped)

	pdfDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(pdfDir, "CN110123456A_赵六.pdf"), []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := detailServer(t, "1", string(body))
	defer srv.Close()
	c := NewClient(&fakeSession{}, srv.Client(), Config{BaseURL: srv.URL, PDFDir: pdfDir})
	rec, err := c.FetchDetails(context.Background(), tokens.TokenSet{PNK: "K1"}, "CN110123456A")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Examiner != "赵六" {
		t.Errorf("expected examiner from PDF filename, got %q", rec.Examiner)
	}

	// A granted patent must not use the filename fallback.
	srv2 := detailServer(t, "4", string(body))
	defer srv2.Close()
	c2 := NewClient(&fakeSession{}, srv2.Client(), Config{BaseURL: srv2.URL, PDFDir: pdfDir})
	rec2, err := c2.FetchDetails(context.Background(), tokens.TokenSet{PNK: "K1"}, "CN110123456A")
	if err != nil {
		t.Fatal(err)
	}
	if rec2.Examiner != "" {
		t.Errorf("grant should not take the filename fallback, got %q", rec2.Examiner)
	}
}

func TestIsOrganization(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"华为技术有限公司", true},
		{"清华大学", true},
		{"中国科学院自动化研究所", true},
		{"ABC Technology Co., Ltd.", true},
		{"IBM", true},
		{"Snecma", true},
		{"Smith & Wesson", true},
		{"Area 51", true},
		{"张三", false},
		{"李四", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsOrganization(tc.name); got != tc.want {
			t.Errorf("IsOrganization(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
