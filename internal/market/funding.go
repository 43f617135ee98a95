package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is one eligible swap from a scan. Turnover24h is always the
// derived quote turnover, never an exchange-reported field.
type Candidate struct {
	InstID          string
	SpotInstID      string
	Base            string
	Quote           string
	Last            decimal.Decimal
	Volume24h       decimal.Decimal
	Turnover24h     decimal.Decimal
	FundingRate     decimal.Decimal
	NextFundingTime time.Time
}

// DeriveTurnover converts a contract volume into quote turnover. Bulk swap
// tickers report volume in contracts.
func DeriveTurnover(volContracts, last decimal.Decimal) decimal.Decimal {
	return volContracts.Mul(last)
}

// Eligible reports whether a funding rate can be collected by shorting the
// swap and clears the configured floor.
func Eligible(rate, minRate decimal.Decimal) bool {
	return rate.Sign() > 0 && rate.GreaterThanOrEqual(minRate)
}

func RateMap(candidates []Candidate) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(candidates))
	for _, c := range candidates {
		out[c.InstID] = c.FundingRate
	}
	return out
}
