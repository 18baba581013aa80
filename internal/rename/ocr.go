package rename

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommandReader shells out to an external OCR tool. The command is invoked
// with the PDF path, the 1-based page number, and the four region fractions
// appended as arguments, and must print one fragment per line on stdout as
// "<confidence>\t<text>".
type CommandReader struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func (r *CommandReader) ReadRegion(ctx context.Context, pdfPath string, page int, region Region) ([]Fragment, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, r.Args...)
	args = append(args, pdfPath, strconv.Itoa(page),
		formatFraction(region.Left), formatFraction(region.Top),
		formatFraction(region.Right), formatFraction(region.Bottom))

	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ocr command: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseFragments(stdout.Bytes())
}

// parseFragments decodes the tool's line protocol. Malformed lines are
// skipped so a chatty tool does not sink the whole page.
func parseFragments(out []byte) ([]Fragment, error) {
	var frags []Fragment
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		conf, text, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		c, err := strconv.ParseFloat(strings.TrimSpace(conf), 64)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		frags = append(frags, Fragment{Text: text, Confidence: c})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ocr output: %w", err)
	}
	return frags, nil
}

func formatFraction(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
