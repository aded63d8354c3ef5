// Package csvstream reads and writes tabular files in bounded memory.
package csvstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Row is one record keyed by header name.
type Row map[string]string

// ChunkReader yields row batches from a file. It is lazy, forward-only and cannot be
// restarted; open a new reader to read the file again.
type ChunkReader struct {
	path      string
	chunkSize int
	file      *os.File
	csv       *csv.Reader
	header    []string
	opened    bool
	done      bool
}

// ReadChunks returns a reader over path producing batches of at most chunkSize rows.
// Nothing is opened until the first call to Next.
func ReadChunks(path string, chunkSize int) *ChunkReader {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &ChunkReader{path: path, chunkSize: chunkSize}
}

// Next returns the next batch, or io.EOF once the file is exhausted. A missing file
// yields io.EOF on the first call: an absent input is "no data", not a failure.
func (r *ChunkReader) Next() ([]Row, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.opened {
		if err := r.open(); err != nil {
			r.finish()
			return nil, err
		}
		if r.done {
			return nil, io.EOF
		}
	}

	batch := make([]Row, 0, r.chunkSize)
	for len(batch) < r.chunkSize {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.finish()
			break
		}
		if err != nil {
			r.finish()
			return nil, fmt.Errorf("read %s: %w", r.path, err)
		}
		row := make(Row, len(r.header))
		for i, h := range r.header {
			if i < len(record) {
				row[h] = record[i]
			} else {
				row[h] = ""
			}
		}
		batch = append(batch, row)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Header returns the parsed header. It is empty until the first call to Next.
func (r *ChunkReader) Header() []string {
	return r.header
}

// Close releases the file early. Readers that run to io.EOF close themselves.
func (r *ChunkReader) Close() error {
	r.finish()
	return nil
}

func (r *ChunkReader) open() error {
	r.opened = true

	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.done = true
			return nil
		}
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	r.file = f

	// honours a UTF-8 or UTF-16 byte order mark and drops it from the first header
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	r.csv = csv.NewReader(transform.NewReader(f, decoder))
	r.csv.FieldsPerRecord = -1
	r.csv.LazyQuotes = true

	header, err := r.csv.Read()
	if errors.Is(err, io.EOF) {
		r.finish()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", r.path, err)
	}
	r.header = header
	return nil
}

func (r *ChunkReader) finish() {
	r.done = true
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}
