package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
)

// CSVSink appends rows, header included, to a file, like appending to a
// spreadsheet range.
type CSVSink struct {
	path string
}

func NewCSVSink(path string) *CSVSink { return &CSVSink{path: path} }

func (s *CSVSink) Append(_ context.Context, rows [][]string) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return f.Close()
}

func (s *CSVSink) Close() error { return nil }
