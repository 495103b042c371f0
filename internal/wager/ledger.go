package wager

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"prophetx-mm/pkg/types"
)

// Ledger maps client external ids to exchange wager ids for wagers believed
// outstanding. An entry is reserved before submission and confirmed once the
// exchange acknowledges it; only confirmed entries are visible to
// cancellation.
//
// A single mutex guards the map. Every read returns a copy.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]types.Wager
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]types.Wager)}
}

// Reserve records a submitted but unacknowledged wager.
func (l *Ledger) Reserve(w types.Wager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.Confirmed = false
	w.WagerID = ""
	l.entries[w.ExternalID] = w
}

// Confirm attaches the exchange wager id to a reserved entry. It reports
// false when externalID was never reserved or was discarded meanwhile.
func (l *Ledger) Confirm(externalID string, wagerID types.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.entries[externalID]
	if !ok {
		return false
	}
	w.WagerID = wagerID
	w.Confirmed = true
	l.entries[externalID] = w
	return true
}

// Discard drops a reservation whose submission failed. Confirmed entries
// are left alone.
func (l *Ledger) Discard(externalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.entries[externalID]; ok && !w.Confirmed {
		delete(l.entries, externalID)
	}
}

// Remove deletes a confirmed entry and reports whether it was present.
func (l *Ledger) Remove(externalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.entries[externalID]
	if !ok || !w.Confirmed {
		return false
	}
	delete(l.entries, externalID)
	return true
}

// Clear removes every confirmed entry and returns how many were removed.
// Reservations still in flight are settled by their own submission.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, w := range l.entries {
		if w.Confirmed {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

func (l *Ledger) Get(externalID string) (types.Wager, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.entries[externalID]
	return w, ok
}

// Confirmed returns confirmed entries, oldest first.
func (l *Ledger) Confirmed() []types.Wager {
	l.mu.Lock()
	out := make([]types.Wager, 0, len(l.entries))
	for _, w := range l.entries {
		if w.Confirmed {
			out = append(out, w)
		}
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b types.Wager) int {
		if c := a.PlacedAt.Compare(b.PlacedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})
	return out
}

// Len is the number of confirmed entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.entries {
		if w.Confirmed {
			n++
		}
	}
	return n
}

// Pending is the number of reservations awaiting acknowledgement.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.entries {
		if !w.Confirmed {
			n++
		}
	}
	return n
}

// Restore loads previously confirmed wagers, typically from disk at
// startup. Entries without a wager id are skipped. It returns the number
// restored.
func (l *Ledger) Restore(ws []types.Wager) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range ws {
		if w.ExternalID == "" || w.WagerID == "" {
			continue
		}
		w.Confirmed = true
		if w.PlacedAt.IsZero() {
			w.PlacedAt = time.Now()
		}
		l.entries[w.ExternalID] = w
		n++
	}
	return n
}
