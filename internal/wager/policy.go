package wager

import (
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"prophetx-mm/internal/config"
	"prophetx-mm/pkg/types"
)

// Source is the read side of the Market Snapshot a policy draws from.
type Source interface {
	Events() []types.SportEvent
	ValidOdds() []int
}

// Policy decides which selections to bet on in one placement round.
type Policy interface {
	Select(src Source) []types.Candidate
}

// RandomPolicy considers each event that has at least one market of the
// configured type with probability EventProbability, then each quoted
// selection of those markets with probability SelectionProbability. Odds
// are drawn with PickRandomOdds.
type RandomPolicy struct {
	marketType string
	pEvent     float64
	pSelection float64
	stake      decimal.Decimal

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy builds the default policy. A nil rng seeds a fresh one.
func NewRandomPolicy(cfg config.WagerConfig, rng *rand.Rand) *RandomPolicy {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &RandomPolicy{
		marketType: cfg.MarketType,
		pEvent:     cfg.EventProbability,
		pSelection: cfg.SelectionProbability,
		stake:      cfg.Stake,
		rng:        rng,
	}
}

func (p *RandomPolicy) Select(src Source) []types.Candidate {
	odds := src.ValidOdds()
	if len(odds) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Candidate
	for _, ev := range src.Events() {
		markets := p.eligible(ev.Markets)
		if len(markets) == 0 || p.rng.Float64() >= p.pEvent {
			continue
		}
		for _, m := range markets {
			for _, sel := range quoted(m) {
				if sel.LineID == "" || p.rng.Float64() >= p.pSelection {
					continue
				}
				o, err := PickRandomOdds(p.rng, odds)
				if err != nil {
					return out
				}
				out = append(out, types.Candidate{
					EventID:       ev.EventID,
					EventName:     ev.Name,
					MarketID:      m.ID,
					MarketType:    m.Type,
					SelectionName: sel.Name,
					LineID:        sel.LineID,
					Odds:          o,
					Stake:         p.stake,
				})
			}
		}
	}
	return out
}

func (p *RandomPolicy) eligible(markets []types.Market) []types.Market {
	var out []types.Market
	for _, m := range markets {
		if p.marketType == "" || m.Type == p.marketType {
			out = append(out, m)
		}
	}
	return out
}

// quoted returns the first selection of every outcome group, across all
// lines for a lined market.
func quoted(m types.Market) []types.Selection {
	var groups [][]types.Selection
	switch m.Shape() {
	case types.ShapeFlat:
		groups = m.Selections
	case types.ShapeLined:
		for _, l := range m.MarketLines {
			groups = append(groups, l.Selections...)
		}
	}
	out := make([]types.Selection, 0, len(groups))
	for _, g := range groups {
		if len(g) > 0 {
			out = append(out, g[0])
		}
	}
	return out
}
