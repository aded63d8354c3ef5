package csvstream

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// Page is one slice of a paged source.
type Page struct {
	Rows       []Row
	TotalPages int
}

// PageSource returns the 1-based page of rows to write.
type PageSource func(page int) (Page, error)

// WriteRowsStreaming writes header and then every page produced by source until the
// pages are exhausted. The header is written even when there are no rows. It returns
// the number of rows written.
func WriteRowsStreaming(path string, header []string, source PageSource) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create dir for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	written := 0
	record := make([]string, len(header))
	for page := 1; ; page++ {
		p, err := source(page)
		if err != nil {
			return written, fmt.Errorf("load page %d: %w", page, err)
		}
		for _, row := range p.Rows {
			for i, h := range header {
				record[i] = row[h]
			}
			if err := w.Write(record); err != nil {
				return written, fmt.Errorf("write row: %w", err)
			}
			written++
		}
		// flush per page so at most one page is buffered
		w.Flush()
		if err := w.Error(); err != nil {
			return written, fmt.Errorf("flush %s: %w", path, err)
		}
		if page >= p.TotalPages || len(p.Rows) == 0 {
			break
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return written, err
	}
	return written, f.Close()
}

// SlicePages adapts an in-memory slice to a PageSource.
func SlicePages(rows []Row, pageSize int) PageSource {
	if pageSize <= 0 {
		pageSize = len(rows)
		if pageSize == 0 {
			pageSize = 1
		}
	}
	total := (len(rows) + pageSize - 1) / pageSize
	return func(page int) (Page, error) {
		start := (page - 1) * pageSize
		if start >= len(rows) {
			return Page{TotalPages: total}, nil
		}
		end := start + pageSize
		if end > len(rows) {
			end = len(rows)
		}
		return Page{Rows: rows[start:end], TotalPages: total}, nil
	}
}
