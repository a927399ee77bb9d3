package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads stored PDF bytes page by page.
type PDFExtractor struct{}

func (e *PDFExtractor) Extract(ctx context.Context, req Request) (*Document, error) {
	if req.Limits.MaxPDFBytes > 0 {
		info, err := os.Stat(req.Path)
		if err != nil {
			return nil, fmt.Errorf("stat pdf: %w", err)
		}
		if info.Size() > req.Limits.MaxPDFBytes {
			maxMB := float64(req.Limits.MaxPDFBytes) / (1024 * 1024)
			return nil, fmt.Errorf("pdf exceeds max size of %.1f MB", maxMB)
		}
	}

	f, reader, err := pdf.Open(req.Path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	if req.Limits.MaxPDFPages > 0 && totalPages > req.Limits.MaxPDFPages {
		return nil, fmt.Errorf("pdf exceeds max page count of %d", req.Limits.MaxPDFPages)
	}

	doc := &Document{SectionsByPage: make(map[int][]string)}
	var currentHeading string
	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		if h := firstHeading(text); h != "" {
			currentHeading = h
		}
		if currentHeading != "" {
			doc.SectionsByPage[i] = []string{currentHeading}
		}
		doc.Pages = append(doc.Pages, Page{Number: i, Text: text})
	}

	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("no extractable text found; if this is a scanned pdf, run OCR and re-upload")
	}
	return doc, nil
}

// firstHeading returns the first heading-like line on a page: a short line
// that is all caps or starts with a section number.
func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > 80 {
			continue
		}
		if isNumberedHeading(line) || isAllCapsHeading(line) {
			return line
		}
		// Only the top few lines of a page can be headings.
		return ""
	}
	return ""
}

func isNumberedHeading(line string) bool {
	if len(line) < 3 {
		return false
	}
	if !unicode.IsDigit(rune(line[0])) {
		return false
	}
	dot := strings.IndexByte(line, '.')
	return dot > 0 && dot < 4 && len(strings.Fields(line)) >= 2
}

func isAllCapsHeading(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			letters++
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return letters >= 4 && len(strings.Fields(line)) <= 10
}
