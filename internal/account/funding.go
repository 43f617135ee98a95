package account

import (
	"context"
	"time"

	"okx-carry-bot/internal/okx/exchange"

	"github.com/shopspring/decimal"
)

type FundingPayment struct {
	InstID string
	Ccy    string
	Amount decimal.Decimal
	Time   time.Time
}

// FundingSince returns swap funding ledger entries at or after since, most
// recent first as the exchange reports them.
func (a *Account) FundingSince(ctx context.Context, since time.Time) ([]FundingPayment, error) {
	bills, err := a.api.FundingBills(ctx, exchange.InstSwap)
	if err != nil {
		return nil, err
	}
	out := make([]FundingPayment, 0, len(bills))
	for _, b := range bills {
		if !since.IsZero() && b.Ts.Before(since) {
			continue
		}
		out = append(out, FundingPayment{InstID: b.InstID, Ccy: b.Ccy, Amount: b.BalChg, Time: b.Ts})
	}
	return out, nil
}

// FundingByInstrument totals payments per swap.
func FundingByInstrument(payments []FundingPayment) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range payments {
		out[p.InstID] = out[p.InstID].Add(p.Amount)
	}
	return out
}
