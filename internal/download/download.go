// Package download acquires examination-document PDFs straight from the
// site's detail endpoints, skipping the search surface entirely. The access
// key is minted through the existsPn/init2 round trip, the document list
// comes from the examine-message endpoint, and the artifact itself is
// validated before it counts as downloaded.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/cxip/patentharvest/internal/fetch"
	"github.com/cxip/patentharvest/internal/tokens"
)

const (
	// firstOfficeAction is the document every run is after: the first
	// office action (第一次审查意见通知书).
	firstOfficeAction = "第一次审查意见通知书"
	defaultTitle      = "第一次审查意见通知书正文"

	minPDFSize = 100 << 10
	maxCalls   = 3
)

// ErrNoDocument marks a patent that has no first office action on file; the
// batch loop counts these as handled, not failed.
var ErrNoDocument = errors.New("no first office action available")

type Config struct {
	BaseURL string
	OutDir  string
	Timeout time.Duration
}

type Client struct {
	httpc *http.Client
	src   fetch.SessionSource
	info  *fetch.Client
	cfg   Config
}

func NewClient(src fetch.SessionSource, info *fetch.Client, httpc *http.Client, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.incopat.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.OutDir == "" {
		cfg.OutDir = "pdfs"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{httpc: httpc, src: src, info: info, cfg: cfg}
}

var pnkRe = regexp.MustCompile(`["']pnk["']\s*[:=]\s*["']([^"']+)["']`)
var puuidRe = regexp.MustCompile(`puuid_g=([A-Za-z0-9@._-]+)`)

// ExtractPNK mints an access key for a publication number without any
// browser search: existsPn yields an opaque formerQuery, and the init2 page
// it unlocks carries the pnk in its HTML. The value is returned exactly as
// found; the server rejects percent-decoded keys.
func (c *Client) ExtractPNK(ctx context.Context, pubNo string) (string, error) {
	form := url.Values{"pn": {pubNo}}
	req, err := c.newRequest(ctx, http.MethodPost, "/solrResult/existsPn", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("existsPn %s: %w", pubNo, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("existsPn %s: status %d", pubNo, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("existsPn %s: %w", pubNo, err)
	}
	parsed, err := tokens.ParseJSON(string(raw))
	if err != nil {
		return "", fmt.Errorf("existsPn %s: decode: %w", pubNo, err)
	}
	formerQuery := tokens.Str(tokens.Map(parsed)["data"])
	if formerQuery == "" {
		return "", fmt.Errorf("existsPn %s: no formerQuery", pubNo)
	}

	return c.pnkFromInit2(ctx, formerQuery)
}

// pnkFromInit2 loads the detail bootstrap page. Redirects are not followed
// automatically; at most one Location hop is taken by hand since the key
// sometimes lives in the redirect target instead of the first response.
func (c *Client) pnkFromInit2(ctx context.Context, formerQuery string) (string, error) {
	noRedirect := *c.httpc
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	pageURL := c.cfg.BaseURL + "/detail/init2?formerQuery=" + url.QueryEscape(formerQuery)
	req, err := c.newRequest(ctx, http.MethodGet, "", nil)
	if err != nil {
		return "", err
	}
	req.URL, err = url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("init2 url: %w", err)
	}

	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("init2: %w", err)
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	var html []byte
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if strings.HasPrefix(loc, "/") {
			loc = c.cfg.BaseURL + loc
		}
		req2, err := c.newRequest(ctx, http.MethodGet, "", nil)
		if err != nil {
			return "", err
		}
		if req2.URL, err = url.Parse(loc); err != nil {
			return "", fmt.Errorf("init2 redirect url: %w", err)
		}
		resp2, err := c.httpc.Do(req2)
		if err != nil {
			return "", fmt.Errorf("init2 redirect: %w", err)
		}
		defer resp2.Body.Close()
		finalURL = resp2.Request.URL.String()
		html, err = io.ReadAll(io.LimitReader(resp2.Body, 8<<20))
		if err != nil {
			return "", fmt.Errorf("init2 redirect body: %w", err)
		}
	} else {
		html, err = io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return "", fmt.Errorf("init2 body: %w", err)
		}
	}

	if m := pnkRe.FindSubmatch(html); m != nil {
		return string(m[1]), nil
	}
	if m := puuidRe.FindStringSubmatch(finalURL); m != nil {
		return m[1], nil
	}
	return "", errors.New("init2: pnk not found in page or url")
}

// ExamineMessage is one row of a patent's examination history.
type ExamineMessage struct {
	Title       string
	Token       string
	ExamineType string
	Date        string
}

// ExamineMessages lists the examination documents for an application number.
// Connection-level faults are retried with linear backoff; service-level
// refusals are not.
func (c *Client) ExamineMessages(ctx context.Context, an, pat string) ([]ExamineMessage, error) {
	payload, _ := json.Marshal(map[string]string{"an": an, "pat": pat})

	var lastErr error
	for attempt := 1; attempt <= maxCalls; attempt++ {
		if attempt > 1 {
			sleep(ctx, time.Duration(attempt)*time.Second)
		}
		msgs, err := c.examineMessagesOnce(ctx, payload)
		if err == nil {
			return msgs, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		log.Printf("download examine-messages retry an=%s attempt=%d err=%v", an, attempt, err)
	}
	return nil, lastErr
}

func (c *Client) examineMessagesOnce(ctx context.Context, payload []byte) ([]ExamineMessage, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/detailNew/getExamineMessage", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getExamineMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getExamineMessage: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("getExamineMessage: %w", err)
	}
	parsed, err := tokens.ParseJSON(string(raw))
	if err != nil {
		return nil, fmt.Errorf("getExamineMessage: decode: %w", err)
	}
	envelope := tokens.Map(parsed)
	if envelope == nil || envelope["status"] != true {
		return nil, errors.New("getExamineMessage: service reported failure")
	}

	var out []ExamineMessage
	for _, v := range tokens.Slice(tokens.Map(envelope["data"])["examineMessages"]) {
		item := tokens.Map(v)
		if item == nil {
			continue
		}
		out = append(out, ExamineMessage{
			Title:       tokens.Str(item["examineMessageTitle"]),
			Token:       tokens.Str(item["token"]),
			ExamineType: tokens.Str(item["examinetype"]),
			Date:        tokens.Str(item["examineDate"]),
		})
	}
	return out, nil
}

// DownloadURL builds the direct artifact URL for one examination document.
func (c *Client) DownloadURL(an, title, token, examineType, pat string) string {
	if title == "" {
		title = defaultTitle
	}
	if pat == "" {
		pat = "1"
	}
	return fmt.Sprintf("%s/image/getExamineMessagePDF?an=%s&title=%s&token=%s&examineType=%s&pat=%s",
		c.cfg.BaseURL, url.QueryEscape(an), url.QueryEscape(title),
		url.QueryEscape(token), url.QueryEscape(examineType), url.QueryEscape(pat))
}

// FetchFirstOfficeAction runs the whole per-patent flow and returns the path
// of the stored PDF. ErrNoDocument means the patent simply has no first
// office action; any other error is a real failure.
func (c *Client) FetchFirstOfficeAction(ctx context.Context, pubNo string) (string, error) {
	pnk, err := c.ExtractPNK(ctx, pubNo)
	if err != nil {
		return "", fmt.Errorf("extract pnk: %w", err)
	}

	pt, an := "1", pubNo
	if gotPT, gotAN, err := c.info.CommonInfo(ctx, pnk); err != nil {
		log.Printf("download common-info miss id=%s err=%v", pubNo, err)
	} else {
		if gotPT != "" {
			pt = gotPT
		}
		if gotAN != "" {
			an = gotAN
		}
	}

	msgs, err := c.ExamineMessages(ctx, an, pt)
	if err != nil {
		return "", fmt.Errorf("examine messages: %w", err)
	}
	var target *ExamineMessage
	for i := range msgs {
		if strings.Contains(msgs[i].Title, firstOfficeAction) {
			target = &msgs[i]
			break
		}
	}
	if target == nil {
		return "", ErrNoDocument
	}
	if target.Token == "" {
		return "", errors.New("examine message has no token")
	}

	title := target.Title
	if title == "" {
		title = defaultTitle
	}
	if target.Date != "" && !strings.Contains(title, target.Date) {
		title = target.Date + " " + title
	}

	return c.fetchPDF(ctx, pubNo, c.DownloadURL(an, title, target.Token, target.ExamineType, pt))
}

// fetchPDF downloads the artifact, then applies the acceptance gates: PDF
// content type, a minimum size of 100 KiB, and a parseable document with at
// least one page. Rejected artifacts are removed.
func (c *Client) fetchPDF(ctx context.Context, pubNo, downloadURL string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "", nil)
	if err != nil {
		return "", err
	}
	if req.URL, err = url.Parse(downloadURL); err != nil {
		return "", fmt.Errorf("download url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/pdf") && !strings.Contains(contentType, "application/octet-stream") {
		return "", fmt.Errorf("download: unexpected content type %q", contentType)
	}

	if err := os.MkdirAll(c.cfg.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(c.cfg.OutDir, fmt.Sprintf("%s_%s.pdf", pubNo, firstOfficeAction))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create pdf file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		os.Remove(path)
		if err == nil {
			err = closeErr
		}
		return "", fmt.Errorf("write pdf: %w", err)
	}

	if n < minPDFSize {
		os.Remove(path)
		return "", fmt.Errorf("artifact too small: %d bytes", n)
	}
	if err := ValidatePDF(path); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("artifact rejected: %w", err)
	}
	log.Printf("download stored id=%s bytes=%d path=%s", pubNo, n, path)
	return path, nil
}

// ValidatePDF checks that the file parses as a PDF with at least one page.
func ValidatePDF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pdfCtx, err := api.ReadContext(f, conf)
	if err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return fmt.Errorf("page count: %w", err)
	}
	if pdfCtx.PageCount < 1 {
		return errors.New("pdf has no pages")
	}
	return nil
}

// newRequest builds a request carrying the browser's session identity.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.src.UserAgent(ctx))
	req.Header.Set("Origin", c.cfg.BaseURL)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")
	if cur, err := c.src.CurrentURL(ctx); err == nil && cur != "" {
		req.Header.Set("Referer", cur)
	}
	if cookies, err := c.src.Cookies(ctx); err == nil {
		var parts []string
		for _, ck := range cookies {
			parts = append(parts, ck.Name+"="+ck.Value)
		}
		if len(parts) > 0 {
			req.Header.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	return req, nil
}

func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "EOF")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
