package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// URLExtractor fetches the URL stored in the payload file and extracts its
// text. HTML responses are reduced to visible text; other textual content
// types pass through.
type URLExtractor struct {
	// Client may be set in tests; nil uses a 20s-timeout default.
	Client *http.Client
}

func (e *URLExtractor) Extract(ctx context.Context, req Request) (*Document, error) {
	payload, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("reading url payload: %w", err)
	}
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return nil, fmt.Errorf("missing url payload for source")
	}

	target, err := checkURL(ctx, raw, req.Limits.URLAllowlist)
	if err != nil {
		return nil, err
	}

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", target, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		return nil, fmt.Errorf("unsupported url content-type: %s", contentType)
	}

	limit := req.Limits.MaxURLBytes
	var body []byte
	if limit > 0 {
		body, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err == nil && int64(len(body)) > limit {
			err = fmt.Errorf("url response exceeds max size of %d bytes", limit)
		}
	} else {
		body, err = io.ReadAll(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	text := sanitizeUTF8(string(body))
	if isHTMLContent(contentType) {
		text, err = htmlToText(text)
		if err != nil {
			return nil, fmt.Errorf("parsing html from %s: %w", target, err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text found at %s", target)
	}
	return &Document{Pages: []Page{{Number: 1, Text: text}}}, nil
}

func isTextContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	ctype := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if strings.HasPrefix(ctype, "text/") {
		return true
	}
	switch ctype {
	case "application/json", "application/xml", "application/xhtml+xml":
		return true
	}
	return false
}

func isHTMLContent(contentType string) bool {
	return strings.Contains(contentType, "text/html") ||
		strings.Contains(contentType, "application/xhtml+xml")
}
