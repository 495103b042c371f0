package market

import (
	"encoding/json"
	"errors"
	"fmt"

	"prophetx-mm/pkg/types"
)

// Change types carried by live deltas.
const (
	ChangeSportEvent = "sport_event"
	ChangeMarket     = "market"
)

// ErrUnhandledDelta marks a delta whose change type the snapshot does not
// track (wager and matching updates on the private channel, for instance).
var ErrUnhandledDelta = errors.New("unhandled delta")

// ApplyDelta patches the snapshot with one decoded delta. It reports whether
// anything changed. Deltas for events outside the snapshot are ignored.
func (s *Snapshot) ApplyDelta(d types.Delta) (bool, error) {
	switch d.ChangeType {
	case ChangeSportEvent:
		var ev types.SportEvent
		if err := json.Unmarshal(d.Info, &ev); err != nil {
			return false, fmt.Errorf("decode sport_event delta: %w", err)
		}
		if ev.EventID == 0 {
			return false, errors.New("sport_event delta has no event_id")
		}
		return s.mergeEvent(ev)

	case ChangeMarket:
		var md types.MarketDelta
		if err := json.Unmarshal(d.Info, &md); err != nil {
			return false, fmt.Errorf("decode market delta: %w", err)
		}
		if md.EventID == 0 {
			return false, errors.New("market delta has no event_id")
		}
		return s.putMarket(md.EventID, md.Market)

	default:
		return false, fmt.Errorf("%w: change_type %q", ErrUnhandledDelta, d.ChangeType)
	}
}
