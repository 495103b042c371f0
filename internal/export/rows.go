// Package export flattens the Market Snapshot into fixed-width rows and
// appends them to a sink: a CSV file, a Redis list, a Kafka topic or a
// Postgres table.
package export

import (
	"strconv"
	"time"

	"prophetx-mm/pkg/types"
)

// NA fills the market-line columns of a flat market.
const NA = "NA"

// Header is the first row of every export. Data rows have the same width.
var Header = []string{
	"Event ID",
	"Event Scheduled Time",
	"Event Name",
	"Event Competitor 1",
	"Event Competitor 1 Abbreviation",
	"Event Competitor 1 Side",
	"Event Competitor 2",
	"Event Competitor 2 Abbreviation",
	"Event Competitor 2 Side",
	"Market ID",
	"Market Name",
	"Market Type",
	"Market Status",
	"Market Line ID",
	"Market Line Name",
	"Market Line",
	"Market Line Favourite",
	"Market Line Type",
	"Selection ID",
	"Selection Name",
	"Selection Odds",
	"Event Status",
	"Selection Stake",
	"Selection Value",
	"Market Updated",
}

// UpdatedLayout formats the Market Updated column.
const UpdatedLayout = "2006-01-02 15:04:05.999999"

// Source is the read side of the Market Snapshot.
type Source interface {
	Events() []types.SportEvent
}

// ProduceRows returns Header followed by one row per quoted selection of
// every market, in event then market order. Lined markets produce one row
// per selection group of each line; flat markets carry NA in the five line
// columns.
func ProduceRows(src Source) [][]string {
	rows := [][]string{append([]string(nil), Header...)}
	for _, ev := range src.Events() {
		for _, m := range ev.Markets {
			switch m.Shape() {
			case types.ShapeLined:
				for _, l := range m.MarketLines {
					line := []string{
						strconv.FormatInt(l.ID, 10),
						l.Name,
						formatFloat(l.Line),
						favourite(l.Favourite),
						l.Type,
					}
					for _, g := range l.Selections {
						if len(g) > 0 {
							rows = append(rows, row(ev, m, line, g[0]))
						}
					}
				}
			case types.ShapeFlat:
				line := []string{NA, NA, NA, NA, NA}
				for _, g := range m.Selections {
					if len(g) > 0 {
						rows = append(rows, row(ev, m, line, g[0]))
					}
				}
			}
		}
	}
	return rows
}

func row(ev types.SportEvent, m types.Market, line []string, sel types.Selection) []string {
	c1, c2 := competitor(ev, 0), competitor(ev, 1)
	out := make([]string, 0, len(Header))
	out = append(out,
		strconv.FormatInt(ev.EventID, 10),
		ev.Scheduled,
		ev.DisplayName,
		c1.DisplayName, c1.Abbreviation, c1.Side,
		c2.DisplayName, c2.Abbreviation, c2.Side,
		strconv.FormatInt(m.ID, 10),
		m.Name,
		m.Type,
		m.Status,
	)
	out = append(out, line...)
	out = append(out,
		sel.LineID.String(),
		sel.DisplayName,
		strconv.Itoa(sel.Odds),
		ev.Status,
		formatFloat(sel.Stake),
		formatFloat(sel.Value),
		Updated(m.UpdatedAt),
	)
	return out
}

// Updated renders a market's updated_at, read as nanoseconds since the
// epoch, in UTC.
func Updated(updatedAt int64) string {
	return time.Unix(0, updatedAt).UTC().Format(UpdatedLayout)
}

func competitor(ev types.SportEvent, i int) types.Competitor {
	if i < len(ev.Competitors) {
		return ev.Competitors[i]
	}
	return types.Competitor{}
}

func favourite(f *bool) string {
	if f == nil {
		return NA
	}
	return strconv.FormatBool(*f)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
