package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cxip/patentharvest/internal/fetch"
)

// loadResults reads a prior run's output so completed identifiers are not
// redone. A missing or unreadable file simply means a fresh start.
func loadResults(path string) []fetch.PatentRecord {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var records []fetch.PatentRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}
	return records
}

// writeAtomic writes via a temp file in the same directory and renames it
// into place, so a crash mid-write never truncates the previous output.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// saveJSON rewrites the whole result set. HTML escaping is off so the
// Chinese text stays readable in the file.
func saveJSON(path string, records []fetch.PatentRecord) error {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	return writeAtomic(path, []byte(b.String()))
}

var csvHeader = []string{
	"patent_no", "patent_type", "application_date", "application_number",
	"inventors", "first_applicant", "abstract", "examiner", "first_claim",
}

// saveCSV mirrors the JSON output as a spreadsheet-friendly file.
func saveCSV(path string, records []fetch.PatentRecord) error {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.PatentNo, r.PatentType, r.ApplicationDate, r.ApplicationNumber,
			r.Inventors, r.FirstApplicant, r.Abstract, r.Examiner, r.FirstClaim,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return writeAtomic(path, []byte(b.String()))
}

// csvPathFor derives the CSV mirror path from the JSON output path.
func csvPathFor(outputPath string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".csv"
}

// sidecarPath derives the failed/unavailable list path from the output path.
func sidecarPath(outputPath, suffix string) string {
	return strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + suffix + ".txt"
}

// writeIDList writes one identifier per line; nothing is written for an
// empty list.
func writeIDList(path string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return writeAtomic(path, []byte(strings.Join(ids, "\n")+"\n"))
}
