package types

import "github.com/shopspring/decimal"

// Envelope wraps every exchange response body.
type Envelope[T any] struct {
	Data T `json:"data"`
}

// --- Auth ---

type LoginRequest struct {
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries the rotated access token. The refresh token is
// only present when the exchange also rotates it.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// --- Catalog ---

type TournamentsResponse struct {
	Tournaments []Tournament `json:"tournaments"`
}

type SportEventsResponse struct {
	SportEvents []SportEvent `json:"sport_events"`
}

type BalanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// --- Wagers ---

// PlaceWagerRequest is one wager submission. Stake goes out as a JSON number.
type PlaceWagerRequest struct {
	ExternalID string  `json:"external_id"`
	LineID     ID      `json:"line_id"`
	Odds       int     `json:"odds"`
	Stake      float64 `json:"stake"`
}

type PlaceWagerResponse struct {
	Wager struct {
		ID ID `json:"id"`
	} `json:"wager"`
}

type PlaceMultipleRequest struct {
	Data []PlaceWagerRequest `json:"data"`
}

// SucceededWager is one accepted entry of a batch placement.
type SucceededWager struct {
	ExternalID string `json:"external_id"`
	ID         ID     `json:"id"`
}

type PlaceMultipleResponse struct {
	SucceedWagers []SucceededWager `json:"succeed_wagers"`
}

type CancelWagerRequest struct {
	ExternalID string `json:"external_id"`
	WagerID    ID     `json:"wager_id"`
}

type CancelMultipleRequest struct {
	Data []CancelWagerRequest `json:"data"`
}

// --- Pub/sub ---

type AuthorizedChannelsResponse struct {
	AuthorizedChannel []Channel `json:"authorized_channel"`
}

// ChannelAuth is the signature a private channel subscription presents.
type ChannelAuth struct {
	Auth string `json:"auth"`
}
