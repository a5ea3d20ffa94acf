package sessions

import (
	"strings"

	"github.com/session-observatory/daemon/internal/rollout"
)

// Price is USD per million tokens for each bucket.
type Price struct {
	Input         float64
	Output        float64
	CacheRead     float64
	CacheCreation float64
}

// modelPrices is checked in order; the first prefix match wins, so more
// specific prefixes come first. Unknown models fall back to defaultPrice.
var modelPrices = []struct {
	Prefix string
	Price  Price
}{
	{"claude-opus-4", Price{Input: 15, Output: 75, CacheRead: 1.5, CacheCreation: 18.75}},
	{"claude-sonnet-4", Price{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}},
	{"claude-3-7-sonnet", Price{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}},
	{"claude-3-5-haiku", Price{Input: 0.8, Output: 4, CacheRead: 0.08, CacheCreation: 1}},
	{"claude-haiku-4", Price{Input: 1, Output: 5, CacheRead: 0.1, CacheCreation: 1.25}},
	{"gpt-5-codex", Price{Input: 1.25, Output: 10, CacheRead: 0.125}},
	{"gpt-5", Price{Input: 1.25, Output: 10, CacheRead: 0.125}},
	{"gpt-4.1", Price{Input: 2, Output: 8, CacheRead: 0.5}},
	{"o3", Price{Input: 2, Output: 8, CacheRead: 0.5}},
	{"o4-mini", Price{Input: 1.1, Output: 4.4, CacheRead: 0.275}},
}

var defaultPrice = Price{Input: 3, Output: 15, CacheRead: 0.3, CacheCreation: 3.75}

// PriceForModel looks up pricing by prefix match.
func PriceForModel(model string) Price {
	for _, entry := range modelPrices {
		if strings.HasPrefix(model, entry.Prefix) {
			return entry.Price
		}
	}
	return defaultPrice
}

// CostForTurn computes a turn's cost in USD from its token usage as a
// linear function of the model's four bucket prices.
func CostForTurn(model string, u rollout.TokenUsage) float64 {
	p := PriceForModel(model)
	const mtok = 1_000_000
	return float64(u.InputTokens)*p.Input/mtok +
		float64(u.OutputTokens)*p.Output/mtok +
		float64(u.CacheReadInputTokens)*p.CacheRead/mtok +
		float64(u.CacheCreationInputTokens)*p.CacheCreation/mtok
}
