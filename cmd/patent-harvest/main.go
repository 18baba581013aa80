package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cxip/patentharvest/internal/batch"
	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/fastpath"
	"github.com/cxip/patentharvest/internal/fetch"
	"github.com/cxip/patentharvest/internal/ledger"
	"github.com/cxip/patentharvest/internal/pace"
	"github.com/cxip/patentharvest/internal/report"
	"github.com/cxip/patentharvest/internal/search"
	"github.com/cxip/patentharvest/internal/trace"
)

func main() {
	var (
		inputPath  = flag.String("input", "", "CSV file with a patent_no column (required)")
		outputPath = flag.String("output", "results.json", "Path for harvested records (CSV written alongside)")
		baseURL    = flag.String("base-url", "https://www.incopat.com", "Service base URL")
		chromePath = flag.String("chrome", "", "Chrome executable path (default: let chromedp find one)")
		headless   = flag.Bool("headless", true, "Run the browser headless")
		pdfDir     = flag.String("pdf-dir", "pdfs", "Directory with downloaded PDFs (examiner fallback)")
		debugDir   = flag.String("debug-dir", "debug", "Directory for failed-search page dumps")
		ledgerPath = flag.String("ledger", "harvest.db", "SQLite attempt ledger")
		reportPath = flag.String("report", "run_report.html", "HTML run report output")
		otlp       = flag.String("otlp-endpoint", os.Getenv("OTLP_ENDPOINT"), "OTLP trace collector endpoint (empty disables tracing)")
	)
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}
	username := requiredEnv("INCOPAT_USERNAME")
	password := requiredEnv("INCOPAT_PASSWORD")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := trace.Setup(ctx, *otlp, "patent-harvest")
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer shutdown(context.Background())

	ids, err := batch.ReadIDs(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	log.Printf("harvest input=%s identifiers=%d", *inputPath, len(ids))

	sess, err := browser.NewSession(ctx, browser.Config{
		HomeURL:     *baseURL + "/",
		ChromePath:  *chromePath,
		Headless:    *headless,
		DownloadDir: *pdfDir,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		log.Fatalf("start browser: %v", err)
	}
	defer sess.Close()

	ldg, err := ledger.Open(*ledgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ldg.Close()

	httpc := &http.Client{Timeout: 30 * time.Second}
	gov := pace.NewGovernor()
	cache := fastpath.NewCache("incopat.com", 6*time.Second)
	strat := search.NewStrategy(sess, cache, gov, httpc, search.Config{DebugDir: *debugDir})
	fetcher := fetch.NewClient(sess, httpc, fetch.Config{BaseURL: *baseURL, PDFDir: *pdfDir})

	orch := batch.NewOrchestrator(sess, strat, fetcher, gov, cache, ldg)
	_, runErr := orch.Run(ctx, ids, *outputPath)

	sum := orch.Summary()
	stats, err := ldg.Stats(5)
	if err != nil {
		log.Printf("ledger stats: %v", err)
	}
	if err := report.WriteHTML(*reportPath, report.RunSummary{
		Started:         sum.Started,
		Finished:        sum.Finished,
		Requested:       sum.Requested,
		Resumed:         sum.Resumed,
		Succeeded:       sum.Succeeded,
		Failed:          sum.Failed,
		Unavailable:     sum.Unavailable,
		ModeTransitions: sum.ModeTransitions,
		OutputPath:      *outputPath,
	}, stats); err != nil {
		log.Printf("write report: %v", err)
	} else {
		log.Printf("report written to %s", *reportPath)
	}

	if runErr != nil {
		log.Fatalf("harvest: %v", runErr)
	}
}

func requiredEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required environment variable %s", key)
	}
	return v
}
