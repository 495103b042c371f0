// Package engine is the central orchestrator of the market-making client.
//
// It wires together all subsystems:
//
//  1. Session manager logs in and rotates the bearer token.
//  2. Seeder discovers tournaments, events and markets into the Snapshot.
//  3. Stream manager keeps the Snapshot current from the pub/sub feed and is
//     rebuilt after every token rotation.
//  4. Wager engine places and cancels wagers against the Snapshot.
//  5. Scheduler drives refresh, balance, play and cancel sweeps.
//
// Lifecycle: New() → Run(ctx) → [runs until ctx is cancelled] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"prophetx-mm/internal/api"
	"prophetx-mm/internal/config"
	"prophetx-mm/internal/exchange"
	"prophetx-mm/internal/export"
	"prophetx-mm/internal/market"
	"prophetx-mm/internal/metrics"
	"prophetx-mm/internal/scheduler"
	"prophetx-mm/internal/session"
	"prophetx-mm/internal/store"
	"prophetx-mm/internal/stream"
	"prophetx-mm/internal/wager"
	"prophetx-mm/pkg/types"
)

// Task names.
const (
	TaskRefresh     = "session-refresh"
	TaskBalance     = "balance"
	TaskPlay        = "play"
	TaskCancel      = "random-cancel"
	TaskBatchCancel = "random-batch-cancel"
)

// Engine owns every component and the lifecycle of their goroutines.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	session  *session.Manager
	snapshot *market.Snapshot
	seeder   *market.Seeder
	stream   *stream.Manager
	wagers   *wager.Engine
	store    *store.Store
	sched    *scheduler.Scheduler
	metrics  *metrics.Metrics
	logger   *slog.Logger

	startedAt time.Time

	balMu     sync.RWMutex
	balance   decimal.Decimal
	balanceAt time.Time

	running  atomic.Bool
	stopOnce sync.Once
}

// New creates and wires all engine components. Nothing touches the network
// until Run or Export.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	m := metrics.New()

	client := exchange.NewClient(cfg.API, logger)
	sess := session.NewManager(client, cfg.Credentials, m, logger)
	client.SetAuth(sess)

	snap := market.NewSnapshot()
	seeder := market.NewSeeder(client, snap, cfg.Tournaments, logger)
	streamMgr := stream.NewManager(client, snap, cfg.API.PusherURLTemplate, m, logger)

	ledger := wager.NewLedger()
	policy := wager.NewRandomPolicy(cfg.Wager, nil)
	wagers := wager.NewEngine(client, snap, ledger, policy, cfg.Wager, m, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		client:    client,
		session:   sess,
		snapshot:  snap,
		seeder:    seeder,
		stream:    streamMgr,
		wagers:    wagers,
		store:     st,
		sched:     scheduler.New(logger),
		metrics:   m,
		logger:    logger.With("component", "engine"),
		startedAt: time.Now(),
	}

	// A rotated token invalidates the channel authorisation of the live
	// connection. The hook runs under the session's rotation lock, so no
	// other rotation can interleave with the rebuild.
	sess.OnRotate(func(ctx context.Context, _ types.Session) {
		if err := e.stream.Reconnect(ctx); err != nil {
			e.logger.Error("resubscribe after refresh failed", "error", err)
		}
	})

	return e, nil
}

// Metrics returns the collectors for the /metrics handler.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// start performs login, balance, seeding and the first subscription. Login
// and seeding failures abort startup; the rest are logged.
func (e *Engine) start(ctx context.Context) error {
	if _, err := e.session.Login(ctx); err != nil {
		return err
	}
	e.updateBalance(ctx)

	if err := e.seeder.Seed(ctx); err != nil {
		return err
	}
	if err := e.stream.Connect(ctx); err != nil {
		e.logger.Warn("starting without a live subscription", "error", err)
	}
	return nil
}

// Run starts the client and blocks until ctx is cancelled. It returns a
// non-nil error only when startup fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}

	e.running.Store(true)
	e.restoreLedger()

	if e.cfg.Schedule.Enabled && wager.IsProduction(e.client.BaseURL()) {
		e.logger.Warn("base url is production, every placement will be refused", "base_url", e.client.BaseURL())
	}

	if err := e.schedule(); err != nil {
		return err
	}

	_, events, markets := e.snapshot.Counts()
	e.logger.Info("market maker running",
		"base_url", e.client.BaseURL(),
		"events", events,
		"markets", markets,
		"wagering", e.cfg.Schedule.Enabled,
	)

	if err := e.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *Engine) schedule() error {
	sc := e.cfg.Schedule
	tasks := []scheduler.Task{
		{Name: TaskRefresh, Interval: sc.RefreshInterval, Run: e.refresh},
	}
	if sc.BalanceInterval > 0 {
		tasks = append(tasks, scheduler.Task{Name: TaskBalance, Interval: sc.BalanceInterval, Run: func(ctx context.Context) error {
			e.updateBalance(ctx)
			return nil
		}})
	}
	if sc.Enabled {
		tasks = append(tasks,
			scheduler.Task{Name: TaskPlay, Interval: sc.PlayInterval, Run: e.play},
			scheduler.Task{Name: TaskCancel, Interval: sc.CancelInterval, Run: e.cancelSweep},
			scheduler.Task{Name: TaskBatchCancel, Interval: sc.BatchCancelInterval, Run: e.batchCancelSweep},
		)
	} else {
		e.logger.Info("wagering disabled, keeping session and subscription alive only")
	}

	for _, t := range tasks {
		if err := e.sched.Add(t); err != nil {
			return fmt.Errorf("schedule %s: %w", t.Name, err)
		}
	}
	return nil
}

// refresh rotates the token. A failure keeps the stale session and is
// retried on the next tick.
func (e *Engine) refresh(ctx context.Context) error {
	_, err := e.session.Refresh(ctx)
	return err
}

func (e *Engine) play(ctx context.Context) error {
	// The stream never redials on its own.
	if e.stream.State() == stream.Disconnected {
		if err := e.stream.Connect(ctx); err != nil {
			e.logger.Warn("stream still down", "error", err)
		}
	}
	_, err := e.wagers.Play(ctx)
	return err
}

func (e *Engine) cancelSweep(ctx context.Context) error {
	if n := e.wagers.RandomCancelSweep(ctx); n > 0 {
		e.logger.Info("random cancel sweep", "removed", n, "ledger", e.wagers.Ledger().Len())
	}
	return nil
}

func (e *Engine) batchCancelSweep(ctx context.Context) error {
	ids, err := e.wagers.RandomBatchCancelSweep(ctx)
	if len(ids) > 0 {
		e.logger.Info("random batch cancel sweep", "submitted", len(ids), "ledger", e.wagers.Ledger().Len())
	}
	return err
}

func (e *Engine) updateBalance(ctx context.Context) {
	bal, err := e.client.Balance(ctx)
	if err != nil {
		e.logger.Warn("balance unavailable", exchange.LogAttrs(err)...)
		return
	}
	e.balMu.Lock()
	e.balance, e.balanceAt = bal, time.Now()
	e.balMu.Unlock()
	e.logger.Info("balance", "balance", bal.String())
}

func (e *Engine) restoreLedger() {
	ws, err := e.store.LoadWagers()
	if err != nil {
		e.logger.Error("failed to load saved wagers", "path", e.store.Path(), "error", err)
		return
	}
	if n := e.wagers.Ledger().Restore(ws); n > 0 {
		e.metrics.SetLedgerSize(e.wagers.Ledger().Len())
		e.logger.Info("restored wager ledger", "wagers", n)
	}
}

// Stop persists the ledger and tears down the subscription. Outstanding
// wagers are left on the exchange; cancel-all is an operator action. The
// ledger file is only rewritten when Run got past startup, so a failed start
// or an export does not clobber wagers saved by an earlier run.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("shutting down...")

		if e.running.Load() {
			ws := e.wagers.Ledger().Confirmed()
			if err := e.store.SaveWagers(ws); err != nil {
				e.logger.Error("failed to save wager ledger", "error", err)
			} else if len(ws) > 0 {
				e.logger.Info("saved outstanding wagers", "wagers", len(ws), "path", e.store.Path())
			}
		}

		e.stream.Disconnect()
		e.store.Close()
		e.logger.Info("shutdown complete")
	})
}

// Export logs in, seeds, lets the live feed settle, then appends one
// snapshot to the configured sink. It returns the number of rows written.
func (e *Engine) Export(ctx context.Context) (int, error) {
	if err := e.start(ctx); err != nil {
		return 0, err
	}
	defer e.stream.Disconnect()

	if d := e.cfg.Export.SettleDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	sink, err := export.NewSink(ctx, e.cfg.Export)
	if err != nil {
		return 0, err
	}
	defer sink.Close()
	return export.Export(ctx, sink, e.snapshot, e.logger)
}

// ————————————————————————————————————————————————————————————————————————
// api.Provider
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) Health() api.Health {
	_, ok := e.session.Current()
	return api.Health{
		OK:        ok,
		Session:   ok,
		Stream:    e.stream.State().String(),
		StartedAt: e.startedAt,
	}
}

func (e *Engine) Status() api.Status {
	_, events, markets := e.snapshot.Counts()

	e.balMu.RLock()
	bal, balAt := e.balance, e.balanceAt
	e.balMu.RUnlock()

	ledger := e.wagers.Ledger()
	return api.Status{
		Timestamp: time.Now(),
		Balance:   bal,
		BalanceAt: balAt,
		Catalog: api.CatalogStatus{
			Tournaments: e.snapshot.Tournaments(),
			Events:      events,
			Markets:     markets,
			ValidOdds:   len(e.snapshot.ValidOdds()),
			LastUpdated: e.snapshot.LastUpdated(),
		},
		Stream: api.StreamStatus{
			State:         e.stream.State().String(),
			Stats:         e.stream.Stats(),
			Subscriptions: e.stream.Subscriptions(),
		},
		Ledger: api.LedgerStatus{Confirmed: ledger.Len(), Pending: ledger.Pending()},
		Tasks:  e.sched.Stats(),
		Config: api.ConfigSummary{
			BaseURL:         e.client.BaseURL(),
			MarketType:      e.cfg.Wager.MarketType,
			Stake:           e.cfg.Wager.Stake,
			BatchSize:       e.cfg.Wager.BatchSize,
			WageringEnabled: e.cfg.Schedule.Enabled,
			ExportSink:      e.cfg.Export.Sink,
		},
	}
}

func (e *Engine) Wagers() []types.Wager { return e.wagers.Ledger().Confirmed() }

func (e *Engine) CancelAll(ctx context.Context) error { return e.wagers.CancelAll(ctx) }
