package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cxip/patentharvest/internal/batch"
	"github.com/cxip/patentharvest/internal/browser"
	"github.com/cxip/patentharvest/internal/download"
	"github.com/cxip/patentharvest/internal/fetch"
)

func main() {
	var (
		inputPath  = flag.String("input", "", "CSV file with a patent_no column (required)")
		outDir     = flag.String("out-dir", "pdfs", "Directory for downloaded office action PDFs")
		baseURL    = flag.String("base-url", "https://www.incopat.com", "Service base URL")
		chromePath = flag.String("chrome", "", "Chrome executable path (default: let chromedp find one)")
		headless   = flag.Bool("headless", true, "Run the browser headless")
		delay      = flag.Duration("delay", 2*time.Second, "Pause between downloads")
	)
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}
	username := requiredEnv("INCOPAT_USERNAME")
	password := requiredEnv("INCOPAT_PASSWORD")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ids, err := batch.ReadIDs(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	sess, err := browser.NewSession(ctx, browser.Config{
		HomeURL:     *baseURL + "/",
		ChromePath:  *chromePath,
		Headless:    *headless,
		DownloadDir: *outDir,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		log.Fatalf("start browser: %v", err)
	}
	defer sess.Close()

	if err := sess.Login(ctx); err != nil {
		log.Fatalf("login: %v", err)
	}

	httpc := &http.Client{Timeout: 30 * time.Second}
	info := fetch.NewClient(sess, httpc, fetch.Config{BaseURL: *baseURL})
	dl := download.NewClient(sess, info, httpc, download.Config{BaseURL: *baseURL, OutDir: *outDir})

	var downloaded, missing, failed int
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		path, err := dl.FetchFirstOfficeAction(ctx, id)
		switch {
		case err == nil:
			downloaded++
			log.Printf("downloader saved id=%s path=%s progress=%d/%d", id, path, i+1, len(ids))
		case errors.Is(err, download.ErrNoDocument):
			missing++
			log.Printf("downloader no office action id=%s", id)
		default:
			failed++
			log.Printf("downloader failed id=%s err=%v", id, err)
		}
		if i+1 < len(ids) {
			select {
			case <-ctx.Done():
			case <-time.After(*delay):
			}
		}
	}
	log.Printf("downloader done downloaded=%d missing=%d failed=%d", downloaded, missing, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func requiredEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required environment variable %s", key)
	}
	return v
}
