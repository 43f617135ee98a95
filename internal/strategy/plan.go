package strategy

import (
	"okx-carry-bot/internal/market"

	"github.com/shopspring/decimal"
)

type Plan struct {
	Exits   []Exit
	Entries []market.Candidate
}

// BuildPlan decides which holdings to close and which candidates to open.
// queue must already be in preference order. Holdings with an unknown rate
// are kept: the engine does not act on missing data.
func BuildPlan(holdings []Holding, queue []market.Candidate, p Params, costs CostModel) Plan {
	var plan Plan
	exitThreshold := decimal.NewFromFloat(p.ExitThreshold)
	touched := make(map[string]struct{}, len(holdings))
	kept := make([]Holding, 0, len(holdings))
	for _, h := range holdings {
		touched[h.InstID] = struct{}{}
		if h.HasRate && h.FundingRate.LessThan(exitThreshold) {
			plan.Exits = append(plan.Exits, Exit{InstID: h.InstID, Contracts: h.Contracts, Reason: ExitFundingDip})
			continue
		}
		kept = append(kept, h)
	}

	if len(kept) >= p.MaxPositions {
		if best, ok := firstUnheld(queue, touched); ok {
			if idx, ok := weakest(kept); ok {
				weak := kept[idx]
				improvement := best.FundingRate.Sub(weak.FundingRate)
				if improvement.GreaterThan(decimal.NewFromFloat(p.RotationThreshold)) &&
					NetRotationGainRate(weak.FundingRate, best.FundingRate, p.RotationPeriods, costs) > 0 {
					plan.Exits = append(plan.Exits, Exit{InstID: weak.InstID, Contracts: weak.Contracts, Reason: ExitRotation})
					kept = append(kept[:idx], kept[idx+1:]...)
				}
			}
		}
	}

	free := p.MaxPositions - len(kept)
	for _, c := range queue {
		if free <= 0 {
			break
		}
		if _, ok := touched[c.InstID]; ok {
			continue
		}
		touched[c.InstID] = struct{}{}
		plan.Entries = append(plan.Entries, c)
		free--
	}
	return plan
}

func firstUnheld(queue []market.Candidate, held map[string]struct{}) (market.Candidate, bool) {
	for _, c := range queue {
		if _, ok := held[c.InstID]; !ok {
			return c, true
		}
	}
	return market.Candidate{}, false
}

func weakest(holdings []Holding) (int, bool) {
	idx := -1
	for i, h := range holdings {
		if !h.HasRate {
			continue
		}
		if idx < 0 || h.FundingRate.LessThan(holdings[idx].FundingRate) {
			idx = i
		}
	}
	return idx, idx >= 0
}
