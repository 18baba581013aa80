package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cxip/patentharvest/internal/rename"
)

func main() {
	var (
		dir       = flag.String("dir", "pdfs", "Directory of office action PDFs to rename")
		backupDir = flag.String("backup-dir", "", "Where originals are copied before renaming (default: <dir>/backup)")
		dryRun    = flag.Bool("dry-run", false, "Report planned renames without touching files")
		noBackup  = flag.Bool("no-backup", false, "Skip backing up originals")
		ocrCmd    = flag.String("ocr-cmd", "", "External OCR command for scanned pages (empty: embedded text only)")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var reader rename.DocumentReader
	if *ocrCmd != "" {
		parts := strings.Fields(*ocrCmd)
		reader = &rename.CommandReader{Command: parts[0], Args: parts[1:]}
	}

	rn := rename.NewRenamer(reader, rename.Options{
		Dir:       *dir,
		BackupDir: *backupDir,
		DryRun:    *dryRun,
		Backup:    !*noBackup,
	})

	sum, err := rn.Run(ctx)
	if err != nil {
		log.Fatalf("rename: %v", err)
	}
	for _, f := range sum.Failed {
		log.Printf("renamer skipped file=%s reason=%s", f.File, f.Reason)
	}
	log.Printf("renamer done renamed=%d unchanged=%d failed=%d", sum.Renamed, sum.Unchanged, len(sum.Failed))
	if len(sum.Failed) > 0 {
		os.Exit(1)
	}
}
