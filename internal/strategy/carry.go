package strategy

import "github.com/shopspring/decimal"

// A rotation closes two legs and opens two more.
const roundTripLegs = 4

type CostModel struct {
	FeeBps      float64
	SlippageBps float64
}

// RoundTripCostRate is the fraction of notional spent rotating one hedge.
func (c CostModel) RoundTripCostRate() float64 {
	rate := (c.FeeBps + c.SlippageBps) / 10000
	if rate <= 0 {
		return 0
	}
	return rate * roundTripLegs
}

// FundingPaymentEstimateUSD is one funding payment on a short of notional.
func FundingPaymentEstimateUSD(notional, rate decimal.Decimal) decimal.Decimal {
	return notional.Mul(rate)
}

// NetRotationGainRate is the funding improvement collected over periods
// minus the round-trip cost, both as a fraction of notional.
func NetRotationGainRate(from, to decimal.Decimal, periods int, costs CostModel) float64 {
	if periods <= 0 {
		periods = 1
	}
	diff := to.Sub(from).InexactFloat64()
	return diff*float64(periods) - costs.RoundTripCostRate()
}
