package fetch

import (
	"path/filepath"
	"strings"

	"github.com/cxip/patentharvest/internal/tokens"
)

// A fieldExtractor pulls one candidate value out of the base-info payload.
// Extractors run in order per field and the first non-empty value wins; a
// miss is not an error.
type fieldExtractor func(data map[string]any) string

var (
	applicationDateExtractors = []fieldExtractor{dateFromAxisSortMap}
	inventorExtractors        = []fieldExtractor{inventorsFromBiblio}
	applicantExtractors       = []fieldExtractor{organizationFromApRoot}
	abstractExtractors        = []fieldExtractor{abstractFromSummary}
	firstClaimExtractors      = []fieldExtractor{claimFromFirstClaim}
	examinerExtractors        = []fieldExtractor{examinerFromOtherBiblio}
)

func (c *Client) extractFields(rec *PatentRecord, data map[string]any) {
	rec.ApplicationDate = firstMatch(data, applicationDateExtractors)
	rec.Inventors = firstMatch(data, inventorExtractors)
	rec.FirstApplicant = firstMatch(data, applicantExtractors)
	rec.Abstract = firstMatch(data, abstractExtractors)
	rec.FirstClaim = firstMatch(data, firstClaimExtractors)
	rec.Examiner = firstMatch(data, examinerExtractors)
	if rec.Examiner == "" && rec.PatentType == TypeInventionApplication {
		rec.Examiner = c.examinerFromPDFName(rec.PatentNo)
	}
}

func firstMatch(data map[string]any, extractors []fieldExtractor) string {
	for _, ex := range extractors {
		if v := ex(data); v != "" {
			return v
		}
	}
	return ""
}

// dateFromAxisSortMap finds the timeline entry labeled 申请日 (application
// date) and strips the date separators.
func dateFromAxisSortMap(data map[string]any) string {
	for _, v := range tokens.Map(data["axisSortMap"]) {
		entry := tokens.Map(v)
		if entry == nil || tokens.Str(entry["axisName"]) != "申请日" {
			continue
		}
		if d := tokens.Str(entry["axisDate"]); d != "" {
			return strings.ReplaceAll(d, "-", "")
		}
	}
	return ""
}

func inventorsFromBiblio(data map[string]any) string {
	return tokens.Str(tokens.Map(data["bibliographicItems"])["in_or"])
}

// organizationFromApRoot keeps the first applicant only when it classifies
// as a company or institution; individual applicants are deliberately left
// out of the record.
func organizationFromApRoot(data map[string]any) string {
	root := tokens.Slice(tokens.Map(data["bibliographicItems"])["apRoot"])
	if len(root) == 0 {
		return ""
	}
	first := tokens.Str(root[0])
	if first != "" && IsOrganization(first) {
		return first
	}
	return ""
}

func abstractFromSummary(data map[string]any) string {
	return tokens.Str(tokens.Map(data["summaryInformation"])["ab_cn"])
}

func claimFromFirstClaim(data map[string]any) string {
	return tokens.Str(tokens.Map(data["firstClaim"])["first_claim_or"])
}

// examinerFromOtherBiblio scans the auxiliary bibliographic list for the
// entry named 审查员 (examiner).
func examinerFromOtherBiblio(data map[string]any) string {
	for _, v := range tokens.Slice(data["otherBibliographicItems"]) {
		item := tokens.Map(v)
		if item == nil {
			continue
		}
		if tokens.Str(item["name"]) == "审查员" {
			if val := tokens.Str(item["value"]); val != "" {
				return val
			}
		}
	}
	return ""
}

// examinerFromPDFName falls back to previously downloaded examination PDFs,
// whose filenames carry the examiner as the trailing underscore segment.
func (c *Client) examinerFromPDFName(patentNo string) string {
	matches, err := filepath.Glob(filepath.Join(c.cfg.PDFDir, patentNo+"_*.pdf"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	name := strings.TrimSuffix(filepath.Base(matches[0]), ".pdf")
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}
