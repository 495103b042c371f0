package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"prophetx-mm/internal/scheduler"
	"prophetx-mm/internal/stream"
	"prophetx-mm/pkg/types"
)

// Provider is what the status server reads from the running client.
type Provider interface {
	Health() Health
	Status() Status
	Wagers() []types.Wager
	CancelAll(ctx context.Context) error
}

// Health is served on /health. OK is false until a session is installed.
type Health struct {
	OK        bool      `json:"ok"`
	Session   bool      `json:"session"`
	Stream    string    `json:"stream"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the full operator view served on /api/snapshot.
type Status struct {
	Timestamp time.Time `json:"timestamp"`

	Balance   decimal.Decimal `json:"balance"`
	BalanceAt time.Time       `json:"balance_at"`

	Catalog CatalogStatus         `json:"catalog"`
	Stream  StreamStatus          `json:"stream"`
	Ledger  LedgerStatus          `json:"ledger"`
	Tasks   []scheduler.TaskStats `json:"tasks"`
	Config  ConfigSummary         `json:"config"`
}

type CatalogStatus struct {
	Tournaments []types.Tournament `json:"tournaments"`
	Events      int                `json:"events"`
	Markets     int                `json:"markets"`
	ValidOdds   int                `json:"valid_odds"`
	LastUpdated time.Time          `json:"last_updated"`
}

type StreamStatus struct {
	State         string                      `json:"state"`
	Stats         stream.Stats                `json:"stats"`
	Subscriptions []types.ChannelSubscription `json:"subscriptions"`
}

type LedgerStatus struct {
	Confirmed int `json:"confirmed"`
	Pending   int `json:"pending"`
}

// ConfigSummary exposes the non-secret settings.
type ConfigSummary struct {
	BaseURL         string          `json:"base_url"`
	MarketType      string          `json:"market_type"`
	Stake           decimal.Decimal `json:"stake"`
	BatchSize       int             `json:"batch_size"`
	WageringEnabled bool            `json:"wagering_enabled"`
	ExportSink      string          `json:"export_sink"`
}
