// Package report renders an end-of-run summary: a markdown document built
// from the run's tallies and ledger aggregates, converted to a standalone
// HTML file.
package report

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/cxip/patentharvest/internal/ledger"
)

// RunSummary carries what the orchestrator knows at completion.
type RunSummary struct {
	Started         time.Time
	Finished        time.Time
	Requested       int
	Resumed         int
	Succeeded       int
	Failed          []string
	Unavailable     []string
	ModeTransitions int
	OutputPath      string
}

// Markdown renders the run summary as a GFM document.
func Markdown(sum RunSummary, stats ledger.RunStats) string {
	var b strings.Builder
	b.WriteString("# Harvest run summary\n\n")
	fmt.Fprintf(&b, "- Started: %s\n", sum.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Finished: %s\n", sum.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", sum.Finished.Sub(sum.Started).Round(time.Second))
	fmt.Fprintf(&b, "- Output: `%s`\n\n", sum.OutputPath)

	b.WriteString("## Outcomes\n\n")
	b.WriteString("| Requested | Resumed | Succeeded | Failed | Unavailable | Success rate |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	attempted := sum.Requested - sum.Resumed
	rate := 0.0
	if attempted > 0 {
		rate = float64(sum.Succeeded) / float64(attempted) * 100
	}
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d | %.1f%% |\n\n",
		sum.Requested, sum.Resumed, sum.Succeeded, len(sum.Failed), len(sum.Unavailable), rate)

	fmt.Fprintf(&b, "Pace mode changed %d times during the run.\n\n", sum.ModeTransitions)

	if len(stats.Slowest) > 0 {
		b.WriteString("## Slowest identifiers\n\n")
		b.WriteString("| Identifier | Total stage time | Outcome |\n")
		b.WriteString("|---|---|---|\n")
		for _, s := range stats.Slowest {
			fmt.Fprintf(&b, "| %s | %s | %s |\n",
				s.Identifier, (time.Duration(s.TotalMS) * time.Millisecond).String(), s.Outcome)
		}
		b.WriteString("\n")
	}

	writeIDList(&b, "Failed", sum.Failed)
	writeIDList(&b, "Unavailable", sum.Unavailable)
	return b.String()
}

func writeIDList(b *strings.Builder, title string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s (%d)\n\n", title, len(ids))
	for _, id := range ids {
		fmt.Fprintf(b, "- %s\n", id)
	}
	b.WriteString("\n")
}

const htmlShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Harvest run summary</title>
<style>
body { font-family: sans-serif; max-width: 60em; margin: 2em auto; padding: 0 1em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3em 0.8em; text-align: left; }
code { background: #f4f4f4; padding: 0.1em 0.3em; }
</style>
</head>
<body>
%s</body>
</html>
`

// WriteHTML converts the markdown summary and writes it as a standalone
// HTML file.
func WriteHTML(path string, sum RunSummary, stats ledger.RunStats) error {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(Markdown(sum, stats)), &content); err != nil {
		return fmt.Errorf("markdown convert: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(htmlShell, content.String())), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
