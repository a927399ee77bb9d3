// Package extract turns stored source payloads into raw page text. One
// extractor exists per source type (pdf, text, url, xlsx); the ingestion
// pipeline normalizes and chunks the result.
package extract

import (
	"context"
	"fmt"
)

// Page is one unit of raw extracted text, 1-based. Sources without a page
// concept produce a single page.
type Page struct {
	Number int
	Text   string
}

// Document is the output of an extractor: raw pages plus the heading path
// active on each page (may be empty).
type Document struct {
	Pages          []Page
	SectionsByPage map[int][]string
}

// Limits carries the ingestion caps an extractor must enforce.
type Limits struct {
	MaxPDFBytes  int64
	MaxPDFPages  int
	MaxURLBytes  int64
	MaxTextBytes int64
	URLAllowlist []string
}

// Request identifies the stored payload to extract.
type Request struct {
	Path   string // payload file under the storage root
	Limits Limits
}

// Extractor produces a Document from a stored payload.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Document, error)
}

// Registry maps source types to extractors.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry returns a registry with all built-in extractors.
func NewRegistry() *Registry {
	return &Registry{
		extractors: map[string]Extractor{
			"pdf":  &PDFExtractor{},
			"text": &TextExtractor{},
			"url":  &URLExtractor{},
			"xlsx": &XLSXExtractor{},
		},
	}
}

// Extract dispatches to the extractor for sourceType.
func (r *Registry) Extract(ctx context.Context, sourceType string, req Request) (*Document, error) {
	ex, ok := r.extractors[sourceType]
	if !ok {
		return nil, fmt.Errorf("no extractor for source type %q", sourceType)
	}
	return ex.Extract(ctx, req)
}

// Supported reports whether sourceType has an extractor.
func (r *Registry) Supported(sourceType string) bool {
	_, ok := r.extractors[sourceType]
	return ok
}

// FileExt returns the on-disk extension used for a source type's payload.
func FileExt(sourceType string) string {
	switch sourceType {
	case "pdf":
		return ".pdf"
	case "xlsx":
		return ".xlsx"
	case "url":
		return ".url"
	default:
		return ".txt"
	}
}
