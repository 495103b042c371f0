package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"prophetx-mm/internal/exchange"
	"prophetx-mm/pkg/types"
)

// ErrSeed is returned when the catalog cannot be discovered at all.
var ErrSeed = errors.New("catalog seeding failed")

// Catalog is the subset of the exchange client used for discovery.
type Catalog interface {
	OddsLadder(ctx context.Context) ([]int, error)
	Tournaments(ctx context.Context) ([]types.Tournament, error)
	SportEvents(ctx context.Context, tournamentID int64) ([]types.SportEvent, error)
	MultipleMarkets(ctx context.Context, eventIDs []int64) (map[string][]types.Market, error)
}

// Seeder performs bulk discovery of tournaments, events and markets.
type Seeder struct {
	api        Catalog
	snapshot   *Snapshot
	interested []string
	logger     *slog.Logger
}

func NewSeeder(api Catalog, snapshot *Snapshot, interested []string, logger *slog.Logger) *Seeder {
	return &Seeder{
		api:        api,
		snapshot:   snapshot,
		interested: interested,
		logger:     logger.With("component", "seeder"),
	}
}

// Seed populates the snapshot. Only the tournament listing is fatal; a
// failing tournament or a missing event is logged and skipped.
func (s *Seeder) Seed(ctx context.Context) error {
	s.seedOdds(ctx)

	all, err := s.api.Tournaments(ctx)
	if err != nil {
		s.logger.Error("failed to fetch tournaments", exchange.LogAttrs(err)...)
		return fmt.Errorf("%w: %w", ErrSeed, err)
	}

	var events int
	for _, t := range all {
		if !slices.Contains(s.interested, t.Name) {
			continue
		}
		s.snapshot.AddTournament(t)
		n, err := s.seedTournament(ctx, t)
		if err != nil {
			s.logger.Warn("skipping tournament", append([]any{"tournament", t.Name}, exchange.LogAttrs(err)...)...)
			continue
		}
		events += n
	}

	tournaments, _, markets := s.snapshot.Counts()
	s.logger.Info("seeding done",
		"tournaments_listed", len(all),
		"tournaments_interested", tournaments,
		"events", events,
		"markets", markets,
	)
	return nil
}

func (s *Seeder) seedOdds(ctx context.Context) {
	ladder, err := s.api.OddsLadder(ctx)
	if err != nil || len(ladder) == 0 {
		attrs := []any{"fallback_size", len(FallbackOddsLadder)}
		if err != nil {
			attrs = append(attrs, exchange.LogAttrs(err)...)
		}
		s.logger.Warn("odds ladder unavailable, using fallback", attrs...)
		s.snapshot.SetValidOdds(FallbackOddsLadder)
		return
	}
	s.snapshot.SetValidOdds(ladder)
}

// seedTournament returns the number of events stored for t.
func (s *Seeder) seedTournament(ctx context.Context, t types.Tournament) (int, error) {
	events, err := s.api.SportEvents(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		s.logger.Info("tournament has no events", "tournament", t.Name)
		return 0, nil
	}

	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
	}
	markets, err := s.api.MultipleMarkets(ctx, ids)
	if err != nil {
		return 0, err
	}

	var stored int
	for _, ev := range events {
		ms, ok := markets[strconv.FormatInt(ev.EventID, 10)]
		if !ok {
			s.logger.Debug("no markets for event", "event_id", ev.EventID)
			continue
		}
		if ev.TournamentID == 0 {
			ev.TournamentID = t.ID
		}
		ev.Markets = ms
		if err := s.snapshot.PutEvent(ev); err != nil {
			s.logger.Warn("dropped malformed markets", "event_id", ev.EventID, "error", err)
		}
		stored++
	}
	return stored, nil
}
