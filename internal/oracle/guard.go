package oracle

import (
	"fmt"
	"strings"

	"okx-carry-bot/internal/market"

	"github.com/shopspring/decimal"
)

// Decision is a recommendation after local validation.
type Decision struct {
	Action    Action
	Pairs     []string
	RiskScore float64
	Reason    string
	Rejected  []string
}

// AllowsEntries reports whether new hedges may be opened this cycle.
func (d Decision) AllowsEntries() bool {
	return d.Action == ActionBuy
}

// Guard re-validates rec against locally known funding rates keyed by swap
// instrument id. A single suggested pair with an unknown or non-positive
// rate turns the whole decision into WAIT with no pairs.
func Guard(rec Recommendation, rates map[string]decimal.Decimal) Decision {
	if !rec.Action.Valid() {
		return Decision{Action: ActionError, Reason: fmt.Sprintf("unknown action %q", rec.Action)}
	}
	if rec.RiskScore < 0 || rec.RiskScore > 100 {
		return Decision{Action: ActionError, Reason: fmt.Sprintf("risk score %.2f outside 0-100", rec.RiskScore)}
	}
	pairs := make([]string, 0, len(rec.SuggestedPairs))
	var rejected []string
	for _, raw := range rec.SuggestedPairs {
		id, ok := resolvePair(raw, rates)
		if !ok || rates[id].Sign() <= 0 {
			rejected = append(rejected, raw)
			continue
		}
		pairs = append(pairs, id)
	}
	if len(rejected) > 0 {
		return Decision{
			Action:    ActionWait,
			RiskScore: rec.RiskScore,
			Rejected:  rejected,
			Reason:    fmt.Sprintf("rejected pairs without a positive funding rate: %s", strings.Join(rejected, ", ")),
		}
	}
	return Decision{Action: rec.Action, Pairs: pairs, RiskScore: rec.RiskScore, Reason: rec.Reasoning}
}

// resolvePair accepts a swap id, a spot id or a bare base currency.
func resolvePair(raw string, rates map[string]decimal.Decimal) (string, bool) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	if _, ok := rates[raw]; ok {
		return raw, true
	}
	if _, ok := rates[raw+"-SWAP"]; ok {
		return raw + "-SWAP", true
	}
	for id := range rates {
		if base, _, err := market.SplitSwapID(id); err == nil && base == raw {
			return id, true
		}
	}
	return "", false
}

// Narrow reorders queue to the decision's pairs. With no pairs the queue is
// returned unchanged.
func Narrow(queue []market.Candidate, d Decision) []market.Candidate {
	if len(d.Pairs) == 0 {
		return queue
	}
	byID := make(map[string]market.Candidate, len(queue))
	for _, c := range queue {
		byID[c.InstID] = c
	}
	out := make([]market.Candidate, 0, len(d.Pairs))
	for _, id := range d.Pairs {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
