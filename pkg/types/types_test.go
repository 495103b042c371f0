package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIDUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want ID
	}{
		{`"abc"`, "abc"},
		{`123`, "123"},
		{`9007199254740993`, "9007199254740993"}, // beyond float64 precision
		{`null`, ""},
	}

	for _, tt := range tests {
		var got ID
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	var bad ID
	if err := json.Unmarshal([]byte(`{}`), &bad); err == nil {
		t.Error("object accepted as id")
	}
}

func TestMarketShape(t *testing.T) {
	t.Parallel()

	sel := [][]Selection{{{LineID: "1"}}}
	tests := []struct {
		name    string
		market  Market
		want    MarketShape
		wantErr error
	}{
		{"flat", Market{Selections: sel}, ShapeFlat, nil},
		{"lined", Market{MarketLines: []MarketLine{{Selections: sel}}}, ShapeLined, nil},
		{"lined with empty selections", Market{Selections: [][]Selection{}, MarketLines: []MarketLine{}}, ShapeLined, nil},
		{"both", Market{Selections: sel, MarketLines: []MarketLine{{}}}, ShapeInvalid, ErrMarketBothShapes},
		{"neither", Market{}, ShapeInvalid, ErrMarketNoShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.market.Shape(); got != tt.want {
				t.Errorf("Shape() = %s, want %s", got, tt.want)
			}
			m := tt.market
			err := m.Normalize()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Normalize() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarketUnmarshalKeepsShape(t *testing.T) {
	t.Parallel()

	var m Market
	raw := `{"id":9,"type":"spread","market_lines":[{"id":1,"line":-3.5,"selections":[[{"line_id":55,"odds":-110}]]}]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	if m.Shape() != ShapeLined {
		t.Fatalf("shape = %s", m.Shape())
	}
	if got := m.MarketLines[0].Selections[0][0].LineID; got != "55" {
		t.Errorf("numeric line_id decoded as %q", got)
	}
	if m.MarketLines[0].Favourite != nil {
		t.Error("absent favourite decoded as set")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	fav := true
	ev := SportEvent{
		EventID:     1,
		Competitors: []Competitor{{DisplayName: "A"}},
		Markets: []Market{
			{ID: 1, Selections: [][]Selection{{{Odds: 100}}}},
			{ID: 2, MarketLines: []MarketLine{{Favourite: &fav, Selections: [][]Selection{{{Odds: 120}}}}}},
		},
	}
	c := ev.Clone()
	c.Competitors[0].DisplayName = "B"
	c.Markets[0].Selections[0][0].Odds = 999
	c.Markets[1].MarketLines[0].Selections[0][0].Odds = 999
	*c.Markets[1].MarketLines[0].Favourite = false

	if ev.Competitors[0].DisplayName != "A" ||
		ev.Markets[0].Selections[0][0].Odds != 100 ||
		ev.Markets[1].MarketLines[0].Selections[0][0].Odds != 120 ||
		!*ev.Markets[1].MarketLines[0].Favourite {
		t.Errorf("clone aliases the original: %+v", ev)
	}
}

func TestSessionValid(t *testing.T) {
	t.Parallel()
	if (Session{RefreshToken: "r"}).Valid() {
		t.Error("session without access token is valid")
	}
	if !(Session{AccessToken: "a"}).Valid() {
		t.Error("session with access token is invalid")
	}
}
