package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"prophetx-mm/internal/config"
	"prophetx-mm/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type events []types.SportEvent

func (e events) Events() []types.SportEvent { return e }

const updatedNanos = 1709294400123456000 // 2024-03-01 12:00:00.123456 UTC

func sampleEvents() events {
	fav := true
	return events{{
		EventID:     100,
		Name:        "Lakers@Celtics",
		DisplayName: "Lakers at Celtics",
		Scheduled:   "2024-03-02T00:30:00Z",
		Status:      "not_started",
		Competitors: []types.Competitor{
			{DisplayName: "Lakers", Abbreviation: "LAL", Side: "away"},
			{DisplayName: "Celtics", Abbreviation: "BOS", Side: "home"},
		},
		Markets: []types.Market{
			{
				ID: 9, Name: "Moneyline", Type: "moneyline", Status: "active", UpdatedAt: updatedNanos,
				Selections: [][]types.Selection{
					{{LineID: "55", DisplayName: "Lakers", Odds: -110, Stake: 10, Value: 9.09}},
					{{LineID: "56", DisplayName: "Celtics", Odds: 120}},
				},
			},
			{
				ID: 10, Name: "Spread", Type: "spread", Status: "active", UpdatedAt: updatedNanos,
				MarketLines: []types.MarketLine{
					{ID: 7, Name: "-3.5", Line: -3.5, Favourite: &fav, Type: "spread", Selections: [][]types.Selection{
						{{LineID: "70", DisplayName: "Lakers -3.5", Odds: 105}},
					}},
					{ID: 8, Name: "+1.5", Line: 1.5, Type: "spread", Selections: [][]types.Selection{
						{{LineID: "80", DisplayName: "Lakers +1.5", Odds: -130}},
						{},
					}},
				},
			},
		},
	}}
}

func TestProduceRows(t *testing.T) {
	t.Parallel()
	rows := ProduceRows(sampleEvents())

	if len(Header) != 25 {
		t.Fatalf("header has %d columns, want 25", len(Header))
	}
	if len(rows) != 5 {
		t.Fatalf("got %d rows, want header + 4", len(rows))
	}
	for i, r := range rows {
		if len(r) != len(Header) {
			t.Errorf("row %d has %d columns", i, len(r))
		}
	}

	col := func(name string) int {
		for i, h := range Header {
			if h == name {
				return i
			}
		}
		t.Fatalf("no column %q", name)
		return -1
	}

	flat := rows[1]
	for _, c := range []string{"Market Line ID", "Market Line Name", "Market Line", "Market Line Favourite", "Market Line Type"} {
		if flat[col(c)] != NA {
			t.Errorf("flat row %s = %q, want NA", c, flat[col(c)])
		}
	}
	if flat[col("Event Competitor 2 Abbreviation")] != "BOS" || flat[col("Selection Odds")] != "-110" {
		t.Errorf("flat row = %v", flat)
	}
	if flat[col("Selection Value")] != "9.09" {
		t.Errorf("value = %q", flat[col("Selection Value")])
	}
	if flat[col("Market Updated")] != "2024-03-01 12:00:00.123456" {
		t.Errorf("updated = %q", flat[col("Market Updated")])
	}
	if flat[col("Event Name")] != "Lakers at Celtics" {
		t.Errorf("event name column should carry the display name, got %q", flat[col("Event Name")])
	}

	lined := rows[3]
	if lined[col("Market Line")] != "-3.5" || lined[col("Market Line Favourite")] != "true" {
		t.Errorf("lined row = %v", lined)
	}
	if rows[4][col("Market Line Favourite")] != NA {
		t.Errorf("absent favourite = %q, want NA", rows[4][col("Market Line Favourite")])
	}
}

func TestProduceRowsMissingCompetitors(t *testing.T) {
	t.Parallel()
	ev := sampleEvents()
	ev[0].Competitors = nil
	rows := ProduceRows(ev)
	if got := rows[1][3]; got != "" {
		t.Errorf("competitor column = %q, want empty", got)
	}
}

func TestCSVSinkAppends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.csv")
	sink := NewCSVSink(path)
	ctx := context.Background()

	if _, err := Export(ctx, sink, sampleEvents(), testLogger()); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if _, err := Export(ctx, sink, sampleEvents(), testLogger()); err != nil {
		t.Fatalf("second export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("file has %d records, want 10 after two appends", len(got))
	}
}

func TestCSVSinkUnwritable(t *testing.T) {
	t.Parallel()
	sink := NewCSVSink(filepath.Join(t.TempDir(), "missing", "out.csv"))
	_, err := Export(context.Background(), sink, sampleEvents(), testLogger())
	if !errors.Is(err, ErrExport) {
		t.Errorf("error = %v, want ErrExport", err)
	}
}

type fakeRedis struct {
	key    string
	values []interface{}
	err    error
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.values = append(f.values, values...)
	return redis.NewIntResult(int64(len(f.values)), f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisSink(t *testing.T) {
	t.Parallel()
	fake := &fakeRedis{}
	sink := &RedisSink{client: fake, key: "pmm:snapshot"}

	n, err := Export(context.Background(), sink, sampleEvents(), testLogger())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 4 || len(fake.values) != 4 || fake.key != "pmm:snapshot" {
		t.Fatalf("n = %d pushed = %d key = %q", n, len(fake.values), fake.key)
	}
	var rec map[string]string
	if err := json.Unmarshal(fake.values[0].([]byte), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["Selection ID"] != "55" || rec["Market Line ID"] != NA {
		t.Errorf("record = %v", rec)
	}

	fake.err = errors.New("connection refused")
	if _, err := Export(context.Background(), sink, sampleEvents(), testLogger()); !errors.Is(err, ErrExport) {
		t.Errorf("error = %v, want ErrExport", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByEvent(t *testing.T) {
	t.Parallel()
	fake := &fakeWriter{}
	sink := &KafkaSink{writer: fake, now: func() time.Time { return time.Unix(0, 0) }}

	if _, err := Export(context.Background(), sink, sampleEvents(), testLogger()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(fake.msgs) != 4 {
		t.Fatalf("published %d messages, want 4", len(fake.msgs))
	}
	for _, m := range fake.msgs {
		if string(m.Key) != "100" {
			t.Errorf("key = %q, want event id", m.Key)
		}
	}
}

type fakeCopier struct {
	table   pgx.Identifier
	columns []string
	rows    [][]any
	ddl     string
}

func (f *fakeCopier) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	f.table, f.columns = table, columns
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.rows = append(f.rows, vals)
	}
	return int64(len(f.rows)), nil
}

func (f *fakeCopier) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.ddl = sql
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func TestPostgresSinkCopiesRows(t *testing.T) {
	t.Parallel()
	fake := &fakeCopier{}
	sink := &PostgresSink{db: fake, table: pgx.Identifier{"snapshot_rows"}}
	ctx := context.Background()

	if err := sink.ensureTable(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fake.ddl, `"market_line_favourite" text`) {
		t.Errorf("ddl = %s", fake.ddl)
	}

	if _, err := Export(ctx, sink, sampleEvents(), testLogger()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(fake.rows) != 4 || len(fake.columns) != 25 {
		t.Fatalf("rows = %d columns = %d", len(fake.rows), len(fake.columns))
	}
	if fake.columns[0] != "event_id" || fake.columns[24] != "market_updated" {
		t.Errorf("columns = %v", fake.columns)
	}
}

func TestNewSinkValidates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.ExportConfig
	}{
		{"no destination", config.ExportConfig{Sink: "csv"}},
		{"unknown sink", config.ExportConfig{Sink: "sheets", Destination: "x"}},
		{"kafka without brokers", config.ExportConfig{Sink: "kafka", Destination: "topic"}},
		{"bad postgres dsn", config.ExportConfig{Sink: "postgres", Destination: "t", PostgresDSN: "::::"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSink(context.Background(), tt.cfg); !errors.Is(err, ErrExport) {
				t.Errorf("error = %v, want ErrExport", err)
			}
		})
	}
}
