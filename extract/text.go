package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// TextExtractor reads a pasted-text payload as a single page.
type TextExtractor struct{}

func (e *TextExtractor) Extract(_ context.Context, req Request) (*Document, error) {
	if req.Limits.MaxTextBytes > 0 {
		info, err := os.Stat(req.Path)
		if err != nil {
			return nil, fmt.Errorf("stat text payload: %w", err)
		}
		if info.Size() > req.Limits.MaxTextBytes {
			return nil, fmt.Errorf("text exceeds max size of %d bytes", req.Limits.MaxTextBytes)
		}
	}

	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("reading text payload: %w", err)
	}

	text := sanitizeUTF8(string(data))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text found; please provide a longer input")
	}
	return &Document{Pages: []Page{{Number: 1, Text: text}}}, nil
}

// sanitizeUTF8 replaces invalid byte sequences so downstream offsets stay
// well defined.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
