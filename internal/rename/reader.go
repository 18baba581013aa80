package rename

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Fragment is one piece of recognized text with its recognition confidence.
type Fragment struct {
	Text       string
	Confidence float64
}

// Region is a page area in page-fraction coordinates, origin top-left.
type Region struct {
	Left, Top, Right, Bottom float64
}

var (
	// WholePage covers the full page.
	WholePage = Region{0, 0, 1, 1}
	// BottomLeft is where the examiner signature block sits on notice
	// documents.
	BottomLeft = Region{0, 0.6, 0.5, 1}
	// BottomHalf covers the closing block of the last page.
	BottomHalf = Region{0, 0.5, 1, 1}
)

// minConfidence is the floor below which recognized fragments are discarded.
const minConfidence = 0.3

// DocumentReader recognizes text in a region of a PDF page. Implementations
// wrap external OCR engines; the renamer works without one, falling back to
// the PDF's embedded text alone.
type DocumentReader interface {
	ReadRegion(ctx context.Context, pdfPath string, page int, region Region) ([]Fragment, error)
}

// regionText runs the reader and joins the confident fragments.
func regionText(ctx context.Context, reader DocumentReader, path string, page int, region Region) string {
	frags, err := reader.ReadRegion(ctx, path, page, region)
	if err != nil {
		return ""
	}
	var lines []string
	for _, f := range frags {
		if f.Confidence >= minConfidence && strings.TrimSpace(f.Text) != "" {
			lines = append(lines, f.Text)
		}
	}
	return strings.Join(lines, "\n")
}

// pageCount returns the number of pages in the PDF.
func pageCount(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	return r.NumPage(), nil
}

// directPageText extracts the embedded text of one page (1-based) without
// any OCR.
func directPageText(path string, page int) string {
	f, r, err := pdf.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if page < 1 || page > r.NumPage() {
		return ""
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return ""
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}
