package market

// FallbackOddsLadder is used when the exchange's odds ladder cannot be
// fetched. It follows the exchange's American-odds increments.
var FallbackOddsLadder = buildLadder([]band{
	{from: 100, to: 200, step: 1},
	{from: 200, to: 300, step: 5},
	{from: 300, to: 500, step: 10},
	{from: 500, to: 1000, step: 25},
	{from: 1000, to: 2000, step: 50},
	{from: 2000, to: 5000, step: 100},
	{from: 5000, to: 10000, step: 250},
})

type band struct{ from, to, step int }

func buildLadder(bands []band) []int {
	var out []int
	for _, b := range bands {
		for v := b.from; v < b.to; v += b.step {
			out = append(out, v)
		}
	}
	return append(out, bands[len(bands)-1].to)
}
