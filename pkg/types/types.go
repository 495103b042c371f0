// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the client: the session, the
// tournament/event/market catalog mirrored from the exchange, wager ledger
// entries, and the request/response bodies of the REST API. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Identifiers
// ————————————————————————————————————————————————————————————————————————

// ID is an exchange identifier that may arrive as a JSON string or number.
// It is always carried (and re-sent) as a string.
type ID string

// UnmarshalJSON accepts "abc", 123 and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

// Session holds the bearer credentials returned by the login endpoint.
// It is replaced wholesale on refresh, never mutated field by field.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Valid reports whether the session can authenticate a request.
func (s Session) Valid() bool { return s.AccessToken != "" }

// ————————————————————————————————————————————————————————————————————————
// Catalog
// ————————————————————————————————————————————————————————————————————————

// Tournament is immutable once seeded.
type Tournament struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Competitor is one side of a SportEvent.
type Competitor struct {
	DisplayName  string `json:"display_name"`
	Abbreviation string `json:"abbreviation"`
	Side         string `json:"side"`
}

// SportEvent is keyed uniquely by EventID. Markets and Status are mutated in
// place by live deltas; everything else is fixed at seeding.
type SportEvent struct {
	EventID      int64        `json:"event_id"`
	TournamentID int64        `json:"tournament_id"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Scheduled    string       `json:"scheduled"`
	Status       string       `json:"status"`
	Competitors  []Competitor `json:"competitors"`
	Markets      []Market     `json:"markets"`
}

// Clone returns a deep copy so readers never alias snapshot-owned slices.
func (e SportEvent) Clone() SportEvent {
	out := e
	if e.Competitors != nil {
		out.Competitors = append([]Competitor(nil), e.Competitors...)
	}
	if e.Markets != nil {
		out.Markets = make([]Market, len(e.Markets))
		for i, m := range e.Markets {
			out.Markets[i] = m.Clone()
		}
	}
	return out
}

// MarketShape tells consumers how a market's selections are laid out.
type MarketShape int

const (
	ShapeInvalid MarketShape = iota
	ShapeFlat                // selections directly on the market
	ShapeLined               // selections nested under market_lines
)

func (s MarketShape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeLined:
		return "lined"
	default:
		return "invalid"
	}
}

var (
	ErrMarketBothShapes = errors.New("market has both selections and market_lines")
	ErrMarketNoShape    = errors.New("market has neither selections nor market_lines")
)

// Market is either flat or lined, never both. Selections is a list of
// outcome groups; the first entry of each group is the quoted selection.
//
// UpdatedAt is assumed to be a nanosecond epoch timestamp; the exchange does
// not document the unit.
type Market struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	UpdatedAt   int64         `json:"updated_at"`
	Selections  [][]Selection `json:"selections,omitempty"`
	MarketLines []MarketLine  `json:"market_lines,omitempty"`
}

// Shape classifies the market. A present market_lines key wins over an empty
// selections list, matching how the exchange serialises lined markets.
func (m Market) Shape() MarketShape {
	lined := m.MarketLines != nil
	flat := m.Selections != nil
	switch {
	case lined && flat && len(m.Selections) > 0:
		return ShapeInvalid
	case lined:
		return ShapeLined
	case flat:
		return ShapeFlat
	default:
		return ShapeInvalid
	}
}

// Normalize drops an empty selections list from a lined market and reports
// whether the market has exactly one shape.
func (m *Market) Normalize() error {
	if m.MarketLines != nil && len(m.Selections) == 0 {
		m.Selections = nil
	}
	switch {
	case m.MarketLines != nil && m.Selections != nil:
		return fmt.Errorf("market %d: %w", m.ID, ErrMarketBothShapes)
	case m.MarketLines == nil && m.Selections == nil:
		return fmt.Errorf("market %d: %w", m.ID, ErrMarketNoShape)
	}
	return nil
}

// Clone deep-copies the selection tree.
func (m Market) Clone() Market {
	out := m
	out.Selections = cloneGroups(m.Selections)
	if m.MarketLines != nil {
		out.MarketLines = make([]MarketLine, len(m.MarketLines))
		for i, l := range m.MarketLines {
			l.Selections = cloneGroups(l.Selections)
			if l.Favourite != nil {
				fav := *l.Favourite
				l.Favourite = &fav
			}
			out.MarketLines[i] = l
		}
	}
	return out
}

func cloneGroups(in [][]Selection) [][]Selection {
	if in == nil {
		return nil
	}
	out := make([][]Selection, len(in))
	for i, g := range in {
		out[i] = append([]Selection(nil), g...)
	}
	return out
}

// MarketLine groups selections of a lined market (spread/total variants).
type MarketLine struct {
	ID         int64         `json:"id"`
	Name       string        `json:"name"`
	Line       float64       `json:"line"`
	Favourite  *bool         `json:"favourite,omitempty"`
	Type       string        `json:"type"`
	Selections [][]Selection `json:"selections"`
}

// Selection is one priceable outcome. Odds are American-style signed integers.
type Selection struct {
	LineID      ID      `json:"line_id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Odds        int     `json:"odds"`
	Stake       float64 `json:"stake"`
	Value       float64 `json:"value"`
}

// ————————————————————————————————————————————————————————————————————————
// Wagers
// ————————————————————————————————————————————————————————————————————————

// Candidate is a selection the decision policy wants to bet on.
type Candidate struct {
	EventID       int64
	EventName     string
	MarketID      int64
	MarketType    string
	SelectionName string
	LineID        ID
	Odds          int
	Stake         decimal.Decimal
}

// Wager is a local ledger entry. A wager with Confirmed == false has been
// submitted but the exchange has not acknowledged it yet.
type Wager struct {
	ExternalID string          `json:"external_id"`
	WagerID    ID              `json:"wager_id"`
	LineID     ID              `json:"line_id"`
	Odds       int             `json:"odds"`
	Stake      decimal.Decimal `json:"stake"`
	Confirmed  bool            `json:"confirmed"`
	PlacedAt   time.Time       `json:"placed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Live subscription
// ————————————————————————————————————————————————————————————————————————

// ConnectionConfig locates the pub/sub cluster.
type ConnectionConfig struct {
	Key     string `json:"key"`
	Cluster string `json:"cluster"`
}

// BindingEvent is one event name the account may bind on a private channel.
type BindingEvent struct {
	Name string `json:"name"`
}

// Channel is one entry of the authorisation response.
type Channel struct {
	ChannelName   string         `json:"channel_name"`
	BindingEvents []BindingEvent `json:"binding_events"`
}

// ChannelSubscription is derived each connection cycle; never persisted.
type ChannelSubscription struct {
	ChannelName string   `json:"channel_name"`
	IsBroadcast bool     `json:"is_broadcast"`
	EventNames  []string `json:"bound_event_names"`
}

// Delta is the decoded payload of a live event.
type Delta struct {
	ChangeType string          `json:"change_type"`
	Op         string          `json:"op"`
	Info       json.RawMessage `json:"info"`
	Timestamp  int64           `json:"timestamp"`
}

// MarketDelta is the info body of a "market" delta.
type MarketDelta struct {
	EventID int64 `json:"event_id"`
	Market
}
