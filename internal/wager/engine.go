// Package wager implements the Wager Engine: the ledger of outstanding
// wagers, the decision policy, and placement and cancellation against the
// exchange.
//
// Placement and cancellation never retry. A failed placement leaves no
// ledger entry; a failed cancellation leaves the entry in place for the
// next sweep. A 404 from any cancellation call means the exchange no longer
// has the wager, so the entry is removed as if the call had succeeded.
package wager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prophetx-mm/internal/config"
	"prophetx-mm/internal/exchange"
	"prophetx-mm/internal/metrics"
	"prophetx-mm/pkg/types"
)

var (
	ErrPlacement    = errors.New("wager placement failed")
	ErrCancellation = errors.New("wager cancellation failed")

	// ErrProductionURL is returned by every placement call when the client
	// points at the production exchange. It is not configurable.
	ErrProductionURL = errors.New("wager placement is only allowed outside production")
)

const productionHostMarker = ".prophetx.co"

// IsProduction reports whether baseURL addresses the production exchange.
func IsProduction(baseURL string) bool {
	return strings.Contains(strings.ToLower(baseURL), productionHostMarker)
}

// API is the subset of the exchange client the engine needs.
type API interface {
	BaseURL() string
	PlaceWager(ctx context.Context, req types.PlaceWagerRequest) (types.ID, error)
	PlaceWagers(ctx context.Context, reqs []types.PlaceWagerRequest) ([]types.SucceededWager, error)
	CancelWager(ctx context.Context, req types.CancelWagerRequest) error
	CancelWagers(ctx context.Context, reqs []types.CancelWagerRequest) error
	CancelAllWagers(ctx context.Context) error
}

// Metric labels.
const (
	modeSingle = "single"
	modeBatch  = "batch"

	scopeOne   = "one"
	scopeBatch = "batch"
	scopeAll   = "all"

	resultCancelled   = "cancelled"
	resultAlreadyGone = "already_gone"
	resultFailed      = "failed"
)

type Engine struct {
	api     API
	source  Source
	ledger  *Ledger
	policy  Policy
	cfg     config.WagerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	newID func() (string, error)
	now   func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

func NewEngine(api API, source Source, ledger *Ledger, policy Policy, cfg config.WagerConfig, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		api:     api,
		source:  source,
		ledger:  ledger,
		policy:  policy,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "wager"),
		newID:   newExternalID,
		now:     time.Now,
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// newExternalID returns a time-based UUID, as the exchange's sample clients do.
func newExternalID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) guard() error {
	if IsProduction(e.api.BaseURL()) {
		return ErrProductionURL
	}
	return nil
}

func (e *Engine) reserve(c types.Candidate) (types.Wager, error) {
	id, err := e.newID()
	if err != nil {
		return types.Wager{}, fmt.Errorf("%w: external id: %w", ErrPlacement, err)
	}
	w := types.Wager{
		ExternalID: id,
		LineID:     c.LineID,
		Odds:       c.Odds,
		Stake:      c.Stake,
		PlacedAt:   e.now(),
	}
	e.ledger.Reserve(w)
	return w, nil
}

func placeRequest(w types.Wager) types.PlaceWagerRequest {
	return types.PlaceWagerRequest{
		ExternalID: w.ExternalID,
		LineID:     w.LineID,
		Odds:       w.Odds,
		Stake:      w.Stake.InexactFloat64(),
	}
}

// PlaceSingle submits one wager for c. On success the ledger holds the
// confirmed entry; on failure it holds nothing for it.
func (e *Engine) PlaceSingle(ctx context.Context, c types.Candidate) (types.Wager, error) {
	if err := e.guard(); err != nil {
		return types.Wager{}, err
	}
	w, err := e.reserve(c)
	if err != nil {
		return types.Wager{}, err
	}

	wagerID, err := e.api.PlaceWager(ctx, placeRequest(w))
	if err == nil && wagerID == "" {
		err = errors.New("response has no wager id")
	}
	if err != nil {
		e.ledger.Discard(w.ExternalID)
		e.metrics.PlacementFailed(modeSingle, 1)
		e.logger.Warn("wager placement failed", append(exchange.LogAttrs(err),
			"external_id", w.ExternalID, "line_id", w.LineID, "odds", w.Odds)...)
		return types.Wager{}, fmt.Errorf("%w: %w", ErrPlacement, err)
	}

	e.ledger.Confirm(w.ExternalID, wagerID)
	w.WagerID, w.Confirmed = wagerID, true
	e.metrics.Placed(modeSingle, 1)
	e.metrics.SetLedgerSize(e.ledger.Len())
	e.logger.Info("wager placed",
		"external_id", w.ExternalID,
		"wager_id", wagerID,
		"event", c.EventName,
		"selection", c.SelectionName,
		"odds", w.Odds,
		"stake", w.Stake.String(),
	)
	return w, nil
}

// PlaceBatch submits all candidates in one call. The exchange may accept a
// subset; exactly the entries listed as succeeded are confirmed and
// returned, the rest are dropped.
func (e *Engine) PlaceBatch(ctx context.Context, candidates []types.Candidate) ([]types.Wager, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	reserved := make(map[string]types.Wager, len(candidates))
	reqs := make([]types.PlaceWagerRequest, 0, len(candidates))
	discardAll := func() {
		for id := range reserved {
			e.ledger.Discard(id)
		}
	}
	for _, c := range candidates {
		w, err := e.reserve(c)
		if err != nil {
			discardAll()
			return nil, err
		}
		reserved[w.ExternalID] = w
		reqs = append(reqs, placeRequest(w))
	}

	succeeded, err := e.api.PlaceWagers(ctx, reqs)
	if err != nil {
		discardAll()
		e.metrics.PlacementFailed(modeBatch, len(reqs))
		e.logger.Warn("batch placement failed", append(exchange.LogAttrs(err), "wagers", len(reqs))...)
		return nil, fmt.Errorf("%w: %w", ErrPlacement, err)
	}

	placed := make([]types.Wager, 0, len(succeeded))
	for _, s := range succeeded {
		w, ok := reserved[s.ExternalID]
		if !ok || s.ID == "" {
			e.logger.Warn("ignoring unknown entry in batch response", "external_id", s.ExternalID, "wager_id", s.ID)
			continue
		}
		delete(reserved, s.ExternalID)
		e.ledger.Confirm(w.ExternalID, s.ID)
		w.WagerID, w.Confirmed = s.ID, true
		placed = append(placed, w)
	}
	rejected := len(reserved)
	discardAll()

	e.metrics.Placed(modeBatch, len(placed))
	e.metrics.PlacementFailed(modeBatch, rejected)
	e.metrics.SetLedgerSize(e.ledger.Len())
	e.logger.Info("batch placed", "submitted", len(reqs), "accepted", len(placed), "rejected", rejected)
	return placed, nil
}

// CancelOne cancels the confirmed wager externalID. It reports whether the
// entry was removed; an id not in the ledger is a no-op.
func (e *Engine) CancelOne(ctx context.Context, externalID string) (bool, error) {
	w, ok := e.ledger.Get(externalID)
	if !ok || !w.Confirmed {
		e.logger.Debug("nothing to cancel", "external_id", externalID)
		return false, nil
	}

	err := e.api.CancelWager(ctx, types.CancelWagerRequest{ExternalID: w.ExternalID, WagerID: w.WagerID})
	switch {
	case err == nil:
		e.metrics.Cancelled(scopeOne, resultCancelled)
		e.logger.Info("wager cancelled", "external_id", externalID, "wager_id", w.WagerID)
	case exchange.IsNotFound(err):
		e.metrics.Cancelled(scopeOne, resultAlreadyGone)
		e.logger.Info("wager already cancelled", "external_id", externalID, "wager_id", w.WagerID)
	default:
		e.metrics.Cancelled(scopeOne, resultFailed)
		e.logger.Warn("wager cancellation failed", append(exchange.LogAttrs(err), "external_id", externalID)...)
		return false, fmt.Errorf("%w: %w", ErrCancellation, err)
	}

	removed := e.ledger.Remove(externalID)
	e.metrics.SetLedgerSize(e.ledger.Len())
	return removed, nil
}

// CancelBatch cancels the confirmed wagers among externalIDs in one call.
// Ids not in the ledger are skipped.
func (e *Engine) CancelBatch(ctx context.Context, externalIDs []string) error {
	reqs := make([]types.CancelWagerRequest, 0, len(externalIDs))
	for _, id := range externalIDs {
		if w, ok := e.ledger.Get(id); ok && w.Confirmed {
			reqs = append(reqs, types.CancelWagerRequest{ExternalID: w.ExternalID, WagerID: w.WagerID})
		}
	}
	if len(reqs) == 0 {
		return nil
	}

	err := e.api.CancelWagers(ctx, reqs)
	switch {
	case err == nil:
		e.metrics.Cancelled(scopeBatch, resultCancelled)
		e.logger.Info("batch cancelled", "wagers", len(reqs))
	case exchange.IsNotFound(err):
		e.metrics.Cancelled(scopeBatch, resultAlreadyGone)
		e.logger.Info("batch already cancelled", "wagers", len(reqs))
	default:
		e.metrics.Cancelled(scopeBatch, resultFailed)
		e.logger.Warn("batch cancellation failed", append(exchange.LogAttrs(err), "wagers", len(reqs))...)
		return fmt.Errorf("%w: %w", ErrCancellation, err)
	}

	for _, r := range reqs {
		e.ledger.Remove(r.ExternalID)
	}
	e.metrics.SetLedgerSize(e.ledger.Len())
	return nil
}

// CancelAll cancels every open wager on the account. Success and 404 both
// clear the ledger, so calling it twice in a row is harmless.
func (e *Engine) CancelAll(ctx context.Context) error {
	err := e.api.CancelAllWagers(ctx)
	switch {
	case err == nil:
		e.metrics.Cancelled(scopeAll, resultCancelled)
	case exchange.IsNotFound(err):
		e.metrics.Cancelled(scopeAll, resultAlreadyGone)
	default:
		e.metrics.Cancelled(scopeAll, resultFailed)
		e.logger.Warn("cancel all failed", exchange.LogAttrs(err)...)
		return fmt.Errorf("%w: %w", ErrCancellation, err)
	}

	n := e.ledger.Clear()
	e.metrics.SetLedgerSize(0)
	e.logger.Info("cancelled all wagers", "cleared", n, "already_gone", err != nil)
	return nil
}

// Play runs one placement round: for every candidate the policy selects, a
// single wager and then a batch of BatchSize wagers on the same line and
// odds. Failures are logged and the round continues. It returns the number
// of wagers confirmed.
func (e *Engine) Play(ctx context.Context) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}

	candidates := e.policy.Select(e.source)
	if len(candidates) == 0 {
		e.logger.Debug("no candidates this round")
		return 0, nil
	}

	placed := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return placed, ctx.Err()
		}
		if _, err := e.PlaceSingle(ctx, c); err == nil {
			placed++
		}

		if e.cfg.BatchSize <= 0 {
			continue
		}
		batch := make([]types.Candidate, e.cfg.BatchSize)
		for i := range batch {
			batch[i] = c
		}
		if ws, err := e.PlaceBatch(ctx, batch); err == nil {
			placed += len(ws)
		}
	}

	e.logger.Info("play round done", "candidates", len(candidates), "placed", placed, "ledger", e.ledger.Len())
	return placed, nil
}

// RandomCancelSweep cancels each confirmed wager with probability
// CancelProbability, one call per wager. It returns the number removed.
func (e *Engine) RandomCancelSweep(ctx context.Context) int {
	removed := 0
	for _, w := range e.ledger.Confirmed() {
		if ctx.Err() != nil {
			break
		}
		if e.roll() >= e.cfg.CancelProbability {
			continue
		}
		if ok, _ := e.CancelOne(ctx, w.ExternalID); ok {
			removed++
		}
	}
	return removed
}

// RandomBatchCancelSweep cancels up to BatchCancelMax distinct confirmed
// wagers, drawn at random, in one call. It returns the ids submitted.
func (e *Engine) RandomBatchCancelSweep(ctx context.Context) ([]string, error) {
	confirmed := e.ledger.Confirmed()
	k := min(e.cfg.BatchCancelMax, len(confirmed))
	if k <= 0 {
		return nil, nil
	}

	ids := make([]string, 0, k)
	for _, i := range e.perm(len(confirmed))[:k] {
		ids = append(ids, confirmed[i].ExternalID)
	}
	return ids, e.CancelBatch(ctx, ids)
}

func (e *Engine) roll() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64()
}

func (e *Engine) perm(n int) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Perm(n)
}
