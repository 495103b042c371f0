// Package market provides the in-memory Market Snapshot and its two writers.
//
// Snapshot mirrors the exchange catalog: interested tournaments, their sport
// events, and each event's markets. It is updated from two sources:
//   - Seeder.Seed (bulk REST discovery at startup)
//   - Snapshot.ApplyDelta (live pub/sub deltas, from the stream package)
//
// A single RWMutex guards the whole snapshot. Readers always receive deep
// copies so they never observe a market mid-update. Every market entering
// the snapshot is validated to have exactly one shape (flat or lined).
package market

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"prophetx-mm/pkg/types"
)

type Snapshot struct {
	mu          sync.RWMutex
	tournaments map[int64]types.Tournament
	events      map[int64]*types.SportEvent
	validOdds   []int
	updated     time.Time
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		tournaments: make(map[int64]types.Tournament),
		events:      make(map[int64]*types.SportEvent),
	}
}

// SetValidOdds replaces the valid-odds domain.
func (s *Snapshot) SetValidOdds(odds []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validOdds = slices.Clone(odds)
}

func (s *Snapshot) ValidOdds() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.validOdds)
}

// AddTournament marks t as interested.
func (s *Snapshot) AddTournament(t types.Tournament) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tournaments[t.ID] = t
}

// Tournaments returns the interested tournaments ordered by id.
func (s *Snapshot) Tournaments() []types.Tournament {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Tournament, 0, len(s.tournaments))
	for _, t := range s.tournaments {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b types.Tournament) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *Snapshot) IsInterested(tournamentID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tournaments[tournamentID]
	return ok
}

// PutEvent inserts or replaces an event. Markets that fail shape validation
// are dropped; the event is stored with the remaining ones and the returned
// error joins every rejection.
func (s *Snapshot) PutEvent(ev types.SportEvent) error {
	ev = ev.Clone()
	valid, err := validMarkets(ev.Markets)
	ev.Markets = valid

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.EventID] = &ev
	s.updated = time.Now()
	return err
}

// Event returns a copy of one event.
func (s *Snapshot) Event(id int64) (types.SportEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return types.SportEvent{}, false
	}
	return ev.Clone(), true
}

// Events returns copies of all events ordered by event id.
func (s *Snapshot) Events() []types.SportEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SportEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Clone())
	}
	slices.SortFunc(out, func(a, b types.SportEvent) int { return cmp.Compare(a.EventID, b.EventID) })
	return out
}

// Counts reports interested tournaments, events and markets.
func (s *Snapshot) Counts() (tournaments, events, markets int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		markets += len(ev.Markets)
	}
	return len(s.tournaments), len(s.events), markets
}

// LastUpdated is the time of the most recent mutation, zero if none.
func (s *Snapshot) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// mergeEvent applies the mutable fields of upd onto an existing event, or
// inserts it when it belongs to an interested tournament. Reports whether the
// snapshot changed.
func (s *Snapshot) mergeEvent(upd types.SportEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.events[upd.EventID]
	if !ok {
		if _, interested := s.tournaments[upd.TournamentID]; !interested {
			return false, nil
		}
		ev := upd.Clone()
		valid, err := validMarkets(ev.Markets)
		ev.Markets = valid
		s.events[ev.EventID] = &ev
		s.updated = time.Now()
		return true, err
	}

	if upd.Status != "" {
		cur.Status = upd.Status
	}
	if upd.Name != "" {
		cur.Name = upd.Name
	}
	if upd.DisplayName != "" {
		cur.DisplayName = upd.DisplayName
	}
	if upd.Scheduled != "" {
		cur.Scheduled = upd.Scheduled
	}
	s.updated = time.Now()
	return true, nil
}

// putMarket replaces the market with the same id in eventID, or appends it.
func (s *Snapshot) putMarket(eventID int64, m types.Market) (bool, error) {
	m = m.Clone()
	if err := m.Normalize(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return false, nil
	}
	for i := range ev.Markets {
		if ev.Markets[i].ID == m.ID {
			ev.Markets[i] = m
			s.updated = time.Now()
			return true, nil
		}
	}
	ev.Markets = append(ev.Markets, m)
	s.updated = time.Now()
	return true, nil
}

func validMarkets(in []types.Market) ([]types.Market, error) {
	var errs []error
	out := make([]types.Market, 0, len(in))
	for _, m := range in {
		if err := m.Normalize(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("rejected %d market(s): %w", len(errs), errors.Join(errs...))
	}
	return out, nil
}
