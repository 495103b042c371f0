package wager

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"prophetx-mm/pkg/types"
)

func TestPickRandomOddsNeverMinus100(t *testing.T) {
	t.Parallel()
	domains := [][]int{
		{100},
		{100, 105, 110},
		{100, 150, 200, 250, 300, 1000},
	}
	rng := rand.New(rand.NewPCG(7, 7))
	for _, domain := range domains {
		for range 2000 {
			o, err := PickRandomOdds(rng, domain)
			if err != nil {
				t.Fatalf("PickRandomOdds: %v", err)
			}
			if o == -100 {
				t.Fatalf("drew -100 from %v", domain)
			}
			if !slices.Contains(domain, abs(o)) {
				t.Fatalf("magnitude of %d not in %v", o, domain)
			}
		}
	}
}

func TestPickRandomOddsBothSigns(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 1))
	var pos, neg int
	for range 500 {
		o, _ := PickRandomOdds(rng, []int{150})
		if o > 0 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		t.Errorf("positive %d negative %d, want both", pos, neg)
	}
}

func TestPickRandomOddsEmptyDomain(t *testing.T) {
	t.Parallel()
	if _, err := PickRandomOdds(rand.New(rand.NewPCG(1, 1)), nil); !errors.Is(err, ErrNoOdds) {
		t.Errorf("error = %v, want ErrNoOdds", err)
	}
}

func policySource() staticSource {
	fav := true
	return staticSource{
		odds: []int{120},
		events: []types.SportEvent{
			{
				EventID: 1, Name: "A@B",
				Markets: []types.Market{
					{ID: 10, Type: "moneyline", Selections: [][]types.Selection{
						{{LineID: "1", Name: "A"}, {LineID: "1b", Name: "A alt"}},
						{{LineID: "2", Name: "B"}},
					}},
					{ID: 11, Type: "total", Selections: [][]types.Selection{{{LineID: "3"}}}},
				},
			},
			{
				EventID: 2, Name: "C@D",
				Markets: []types.Market{
					{ID: 20, Type: "moneyline", MarketLines: []types.MarketLine{
						{ID: 1, Favourite: &fav, Selections: [][]types.Selection{{{LineID: "4"}}, {{LineID: "5"}}}},
						{ID: 2, Selections: [][]types.Selection{{{LineID: ""}}}},
					}},
				},
			},
			{
				EventID: 3, Name: "no moneyline",
				Markets: []types.Market{{ID: 30, Type: "spread", Selections: [][]types.Selection{{{LineID: "6"}}}}},
			},
		},
	}
}

func lineIDs(cs []types.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.LineID.String()
	}
	return out
}

func TestRandomPolicySelect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		marketType string
		pEvent     float64
		pSelection float64
		want       []string
	}{
		{"everything", "moneyline", 1, 1, []string{"1", "2", "4", "5"}},
		{"no events", "moneyline", 0, 1, nil},
		{"no selections", "moneyline", 1, 0, nil},
		{"other market type", "spread", 1, 1, []string{"6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testWagerConfig()
			cfg.MarketType, cfg.EventProbability, cfg.SelectionProbability = tt.marketType, tt.pEvent, tt.pSelection
			p := NewRandomPolicy(cfg, rand.New(rand.NewPCG(1, 2)))

			got := p.Select(policySource())
			if !slices.Equal(lineIDs(got), tt.want) {
				t.Errorf("line ids = %v, want %v", lineIDs(got), tt.want)
			}
			for _, c := range got {
				if c.Odds != 120 && c.Odds != -120 {
					t.Errorf("odds %d not drawn from domain", c.Odds)
				}
				if !c.Stake.Equal(cfg.Stake) {
					t.Errorf("stake = %s, want %s", c.Stake, cfg.Stake)
				}
			}
		})
	}
}

func TestRandomPolicyWithoutOdds(t *testing.T) {
	t.Parallel()
	cfg := testWagerConfig()
	cfg.EventProbability, cfg.SelectionProbability = 1, 1
	src := policySource()
	src.odds = nil
	if got := NewRandomPolicy(cfg, nil).Select(src); got != nil {
		t.Errorf("candidates without odds domain: %v", got)
	}
}
