// Package rename restores meaningful filenames to downloaded examination
// PDFs: the application number comes from the existing filename (repaired
// and normalized), the examiner's name from the document text, with OCR as
// a fallback for scanned documents.
package rename

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

type Options struct {
	Dir       string
	BackupDir string
	DryRun    bool
	Backup    bool
}

type Failure struct {
	File   string
	Reason string
}

type Summary struct {
	Renamed   int
	Unchanged int
	Failed    []Failure
}

type Renamer struct {
	reader DocumentReader
	opts   Options
}

// NewRenamer builds a renamer; reader may be nil, in which case only the
// PDFs' embedded text is consulted.
func NewRenamer(reader DocumentReader, opts Options) *Renamer {
	if opts.Dir == "" {
		opts.Dir = "pdfs"
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(opts.Dir, "backup")
	}
	return &Renamer{reader: reader, opts: opts}
}

// Run processes every PDF in the directory and returns the tallies.
func (rn *Renamer) Run(ctx context.Context) (Summary, error) {
	matches, err := filepath.Glob(filepath.Join(rn.opts.Dir, "*.pdf"))
	if err != nil {
		return Summary{}, fmt.Errorf("list pdfs: %w", err)
	}
	sort.Strings(matches)

	var sum Summary
	for _, path := range matches {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		status, reason := rn.processOne(ctx, path)
		switch status {
		case "renamed":
			sum.Renamed++
		case "unchanged":
			sum.Unchanged++
		default:
			sum.Failed = append(sum.Failed, Failure{File: filepath.Base(path), Reason: reason})
		}
	}
	log.Printf("rename done renamed=%d unchanged=%d failed=%d",
		sum.Renamed, sum.Unchanged, len(sum.Failed))
	return sum, nil
}

func (rn *Renamer) processOne(ctx context.Context, path string) (status, reason string) {
	base := filepath.Base(path)

	number := NumberFromFilename(base)
	if number == "" || !IsValidNumber(number) {
		// The filename may carry a damaged number; the document itself is
		// more reliable then.
		if fromText := FindNumberInText(directPageText(path, 1)); fromText != "" {
			if normalized := NormalizeNumber(fromText); normalized != "" {
				number = normalized
			} else {
				number = fromText
			}
		}
	}
	if number == "" {
		return "failed", "no usable number in filename or document"
	}

	examiner := rn.findExaminer(ctx, path)
	if examiner == "" {
		return "failed", "no examiner found"
	}

	newName := sanitizeFilename(number + "_" + examiner + ".pdf")
	newPath := filepath.Join(rn.opts.Dir, newName)
	for counter := 1; pathExists(newPath) && newPath != path; counter++ {
		newName = sanitizeFilename(fmt.Sprintf("%s_%s_%d.pdf", number, examiner, counter))
		newPath = filepath.Join(rn.opts.Dir, newName)
	}
	if newPath == path {
		return "unchanged", ""
	}

	if rn.opts.DryRun {
		log.Printf("rename dry-run %s -> %s", base, newName)
		return "renamed", ""
	}
	if rn.opts.Backup {
		if err := rn.backup(path); err != nil {
			return "failed", fmt.Sprintf("backup: %v", err)
		}
	}
	if err := os.Rename(path, newPath); err != nil {
		return "failed", fmt.Sprintf("rename: %v", err)
	}
	log.Printf("rename %s -> %s", base, newName)
	return "renamed", ""
}

// findExaminer gathers candidates from the embedded text and from OCR over
// the signature regions, then picks the most frequent one. A flat tie goes
// to the second page, where the name is printed rather than stamped.
func (rn *Renamer) findExaminer(ctx context.Context, path string) string {
	pages, err := pageCount(path)
	if err != nil || pages == 0 {
		return ""
	}

	type candidate struct {
		source string
		name   string
	}
	var candidates []candidate
	add := func(source, text string) {
		if name := ExaminerFromText(text); name != "" {
			candidates = append(candidates, candidate{source, name})
		}
	}

	if pages >= 2 {
		add("page2", directPageText(path, 2))
	}
	add("last", directPageText(path, pages))

	if rn.reader != nil {
		if pages >= 2 {
			add("page2", regionText(ctx, rn.reader, path, 2, BottomLeft))
		}
		add("last", regionText(ctx, rn.reader, path, pages, BottomHalf))
		add("last", regionText(ctx, rn.reader, path, pages, WholePage))
	}
	if len(candidates) == 0 {
		return ""
	}

	counts := map[string]int{}
	for _, c := range candidates {
		counts[c.name]++
	}
	best, bestCount := "", 0
	for name, n := range counts {
		if n > bestCount {
			best, bestCount = name, n
		}
	}
	if bestCount == 1 && len(candidates) > 1 {
		for _, c := range candidates {
			if c.source == "page2" {
				return c.name
			}
		}
	}
	return best
}

var illegalFilenameRe = regexp.MustCompile(`[<>:"/\\|?*]`)

func sanitizeFilename(name string) string {
	name = illegalFilenameRe.ReplaceAllString(name, "_")
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (rn *Renamer) backup(path string) error {
	if err := os.MkdirAll(rn.opts.BackupDir, 0o755); err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(rn.opts.BackupDir, filepath.Base(path)))
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
