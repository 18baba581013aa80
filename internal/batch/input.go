package batch

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadIDs loads publication numbers from the input CSV, keyed by the
// patent_no header column. Order is preserved and duplicates dropped.
func ReadIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.ToLower(name)) == "patent_no" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("input %s has no patent_no column", path)
	}

	seen := map[string]bool{}
	var ids []string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if col >= len(row) {
			continue
		}
		id := strings.TrimSpace(row[col])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}
