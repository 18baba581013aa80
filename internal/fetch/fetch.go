// Package fetch turns a minted access key into a complete bibliographic
// record by calling the site's detail endpoints and walking their JSON
// payloads.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/tokens"
)

// PatentRecord is the harvested output row. All fields are always present;
// extraction misses leave them empty rather than dropping the record.
type PatentRecord struct {
	PatentNo          string `json:"patent_no"`
	PatentType        string `json:"patent_type"`
	ApplicationDate   string `json:"application_date"`
	ApplicationNumber string `json:"application_number"`
	Inventors         string `json:"inventors"`
	FirstApplicant    string `json:"first_applicant"`
	Abstract          string `json:"abstract"`
	Examiner          string `json:"examiner"`
	FirstClaim        string `json:"first_claim"`
}

// patentTypes maps the common-info pt code to the record's type slug.
var patentTypes = map[string]string{
	"1": "invention-application",
	"2": "utility-model",
	"3": "design",
	"4": "invention-grant",
}

const TypeInventionApplication = "invention-application"

// SessionSource supplies the live browser identity the HTTP calls ride on.
type SessionSource interface {
	Cookies(ctx context.Context) ([]browser.Cookie, error)
	CurrentURL(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) string
}

type Config struct {
	BaseURL string
	PDFDir  string
	Timeout time.Duration
}

type Client struct {
	httpc *http.Client
	src   SessionSource
	cfg   Config
}

func NewClient(src SessionSource, httpc *http.Client, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.incopat.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PDFDir == "" {
		cfg.PDFDir = "pdfs"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{httpc: httpc, src: src, cfg: cfg}
}

// FetchDetails resolves the full record for id using the minted token set.
// Session cookies are re-read from the browser before every call since the
// site rotates them mid-run.
func (c *Client) FetchDetails(ctx context.Context, set tokens.TokenSet, id string) (*PatentRecord, error) {
	if set.PNK == "" {
		return nil, fmt.Errorf("fetch %s: empty pnk", id)
	}

	pt, an, err := c.CommonInfo(ctx, set.PNK)
	if err != nil {
		return nil, fmt.Errorf("common info for %s: %w", id, err)
	}
	patentType := patentTypes[pt]
	applicationNo := strings.TrimPrefix(an, "CN")

	base, err := c.postJSON(ctx, "/detailNew/baseInfo", map[string]string{"pnk": set.PNK})
	if err != nil {
		return nil, fmt.Errorf("base info for %s: %w", id, err)
	}
	data := tokens.Map(base["data"])
	if data == nil {
		return nil, fmt.Errorf("base info for %s: data is not an object", id)
	}

	rec := &PatentRecord{
		PatentNo:          id,
		PatentType:        patentType,
		ApplicationNumber: applicationNo,
	}
	c.extractFields(rec, data)
	log.Printf("fetch record id=%s type=%s examiner=%q", id, rec.PatentType, rec.Examiner)
	return rec, nil
}

// CommonInfo returns the raw type code and application number for a pnk.
// The downloader uses this directly; FetchDetails maps the code to a slug.
func (c *Client) CommonInfo(ctx context.Context, pnk string) (pt, an string, err error) {
	common, err := c.postJSON(ctx, "/detailNew/getPatentCommonInfo", map[string]string{"pnk": pnk})
	if err != nil {
		return "", "", err
	}
	data := tokens.Map(common["data"])
	return asString(data["pt"]), asString(data["an"]), nil
}

// TypeOf maps a pt code to its record slug, or "" for unknown codes.
func TypeOf(pt string) string { return patentTypes[pt] }

// postJSON issues one JSON POST with the browser's current cookies, user
// agent and referer, and returns the decoded envelope after checking its
// status field.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.src.UserAgent(ctx))
	req.Header.Set("Origin", c.cfg.BaseURL)
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

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post %s: status %d", path, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	parsed, err := tokens.ParseJSON(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	envelope := tokens.Map(parsed)
	if envelope == nil {
		return nil, fmt.Errorf("decode %s: not an object", path)
	}
	if !truthy(envelope["status"]) {
		return nil, fmt.Errorf("post %s: service reported failure", path)
	}
	return envelope, nil
}

// asString renders JSON scalars uniformly; the pt code in particular arrives
// sometimes as a number and sometimes as a string.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}
