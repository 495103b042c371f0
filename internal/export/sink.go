package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"prophetx-mm/internal/config"
)

// ErrExport wraps every delivery failure. Exports are never retried.
var ErrExport = errors.New("export failed")

// Sink appends rows to a named destination. rows[0] is Header.
type Sink interface {
	Append(ctx context.Context, rows [][]string) error
	Close() error
}

// NewSink builds the sink cfg.Sink names. Destination is the file path
// (csv), list key (redis), topic (kafka) or table name (postgres).
func NewSink(ctx context.Context, cfg config.ExportConfig) (Sink, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("%w: no destination", ErrExport)
	}
	switch cfg.Sink {
	case "csv":
		return NewCSVSink(cfg.Destination), nil
	case "redis":
		return NewRedisSink(cfg.RedisAddr, cfg.Destination), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("%w: kafka sink needs brokers", ErrExport)
		}
		return NewKafkaSink(cfg.KafkaBrokers, cfg.Destination), nil
	case "postgres":
		s, err := OpenPostgresSink(ctx, cfg.PostgresDSN, cfg.Destination)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExport, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown sink %q", ErrExport, cfg.Sink)
	}
}

// Export produces rows from src and appends them to sink, returning the
// number of data rows written.
func Export(ctx context.Context, sink Sink, src Source, logger *slog.Logger) (int, error) {
	logger = logger.With("component", "export")
	rows := ProduceRows(src)
	if err := sink.Append(ctx, rows); err != nil {
		logger.Error("export failed", "rows", len(rows)-1, "error", err)
		return 0, fmt.Errorf("%w: %w", ErrExport, err)
	}
	logger.Info("exported snapshot", "rows", len(rows)-1)
	return len(rows) - 1, nil
}

// record keys a data row by header.
func record(header, row []string) map[string]string {
	out := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(row) {
			out[h] = row[i]
		}
	}
	return out
}

// ColumnName turns a header label into a snake_case column name.
func ColumnName(label string) string {
	return strings.ReplaceAll(strings.ToLower(label), " ", "_")
}

func split(rows [][]string) (header []string, data [][]string) {
	if len(rows) == 0 {
		return Header, nil
	}
	return rows[0], rows[1:]
}
