package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor renders each sheet of a workbook as one page of pipe-
// delimited rows, with the sheet name as the page's section.
type XLSXExtractor struct{}

func (e *XLSXExtractor) Extract(ctx context.Context, req Request) (*Document, error) {
	f, err := excelize.OpenFile(req.Path)
	if err != nil {
		return nil, fmt.Errorf("opening xlsx: %w", err)
	}
	defer f.Close()

	doc := &Document{SectionsByPage: make(map[int][]string)}
	for i, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		var content strings.Builder
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}

		pageNum := i + 1
		doc.Pages = append(doc.Pages, Page{Number: pageNum, Text: content.String()})
		doc.SectionsByPage[pageNum] = []string{sheet}
	}

	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("no data found in workbook")
	}
	return doc, nil
}
