// Package chunker splits cleaned source text into overlapping character
// windows with exact offsets, page ranges, and section paths.
package chunker

import (
	"strings"
)

// Config controls the chunking behaviour.
type Config struct {
	TargetChars  int // Window size in bytes of cleaned text.
	OverlapChars int // Overlap between consecutive windows.
}

// Chunk is one window of cleaned source text. Text is the verbatim slice
// [CharStart:CharEnd) of the joined cleaned text, so offsets always round
// trip.
type Chunk struct {
	Index       int
	Text        string
	CharStart   int
	CharEnd     int
	PageStart   int // 1-based, 0 when the source has no pages
	PageEnd     int
	SectionPath []string
}

// Page is one unit of extracted text, 1-based. Sources without a page
// concept use a single page.
type Page struct {
	Number int
	Text   string
}

// Chunker converts extracted pages into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.TargetChars == 0 {
		cfg.TargetChars = 5000
	}
	if cfg.OverlapChars == 0 {
		cfg.OverlapChars = 800
	}
	if cfg.OverlapChars >= cfg.TargetChars {
		cfg.OverlapChars = cfg.TargetChars / 4
	}
	return &Chunker{cfg: cfg}
}

// minBoundaryFraction is how much of the target window must be filled
// before a structural boundary is eligible for snapping. Boundaries
// earlier than this would produce degenerate, mostly-overlap chunks.
const minBoundaryFraction = 0.6

// Split chunks the given pages. sectionsByPage maps a 1-based page number
// to the heading path active on that page; it may be nil.
func (c *Chunker) Split(pages []Page, sectionsByPage map[int][]string) []Chunk {
	text, ranges := joinPages(pages)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + c.cfg.TargetChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.snapBoundary(text, start, end)
		}

		pageStart, pageEnd := pageSpan(ranges, start, end)
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        text[start:end],
			CharStart:   start,
			CharEnd:     end,
			PageStart:   pageStart,
			PageEnd:     pageEnd,
			SectionPath: sectionPathAt(sectionsByPage, pageStart, pageEnd),
		})

		if end == len(text) {
			break
		}
		next := end - c.cfg.OverlapChars
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// snapBoundary moves the window end back to the nearest structural
// boundary: paragraph break, then sentence end, then word break. A
// boundary is only used when it keeps the chunk above minBoundaryFraction
// of the target; otherwise the hard cut stands.
func (c *Chunker) snapBoundary(text string, start, hardEnd int) int {
	window := text[start:hardEnd]
	minLen := int(float64(c.cfg.TargetChars) * minBoundaryFraction)

	if idx := strings.LastIndex(window, "\n\n"); idx > minLen {
		return start + idx
	}
	if idx := lastSentenceEnd(window); idx > minLen {
		return start + idx
	}
	if idx := strings.LastIndexByte(window, ' '); idx > minLen {
		return start + idx
	}
	return hardEnd
}

// lastSentenceEnd returns the offset just past the last sentence-ending
// punctuation followed by whitespace, or -1.
func lastSentenceEnd(window string) int {
	for i := len(window) - 1; i > 0; i-- {
		ch := window[i]
		if ch != ' ' && ch != '\n' && ch != '\t' {
			continue
		}
		prev := window[i-1]
		if prev == '.' || prev == '?' || prev == '!' {
			return i
		}
	}
	return -1
}

// pageRange maps a page number onto [start,end) offsets in the joined text.
type pageRange struct {
	page  int
	start int
	end   int
}

// joinPages concatenates page texts with a blank line between pages and
// records which offsets each page covers.
func joinPages(pages []Page) (string, []pageRange) {
	var b strings.Builder
	var ranges []pageRange
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		start := b.Len()
		b.WriteString(p.Text)
		ranges = append(ranges, pageRange{page: p.Number, start: start, end: b.Len()})
	}
	return b.String(), ranges
}

// pageSpan returns the first and last page overlapping [start,end),
// or (0, 0) when the source has no page ranges.
func pageSpan(ranges []pageRange, start, end int) (int, int) {
	first, last := 0, 0
	for _, r := range ranges {
		if r.end <= start || r.start >= end {
			continue
		}
		if first == 0 {
			first = r.page
		}
		last = r.page
	}
	return first, last
}

// sectionPathAt picks the heading path for a chunk: the path on its first
// page, falling back to the last page.
func sectionPathAt(sectionsByPage map[int][]string, pageStart, pageEnd int) []string {
	if len(sectionsByPage) == 0 {
		return nil
	}
	if path, ok := sectionsByPage[pageStart]; ok && len(path) > 0 {
		return path
	}
	if path, ok := sectionsByPage[pageEnd]; ok && len(path) > 0 {
		return path
	}
	return nil
}

// Normalize cleans extracted text: trims line edges, collapses runs of
// blank lines, and trims the result.
func Normalize(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	blankRun := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blankRun++
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
			if blankRun > 0 {
				b.WriteString("\n")
			}
		}
		blankRun = 0
		b.WriteString(line)
	}
	return b.String()
}
