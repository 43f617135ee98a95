package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrBudgetExceeded        = errors.New("entry budget exceeds configured maximum")
	ErrInsufficientAvailable = errors.New("available balance below configured minimum")
)

type RiskLimits struct {
	MaxNotionalUSD  float64
	MinAvailableUSD float64
}

// EntryBudget sizes one entry from account equity and clamps it to the
// configured per-position maximum.
func EntryBudget(equity decimal.Decimal, p Params, limits RiskLimits) decimal.Decimal {
	budget := equity.Mul(decimal.NewFromFloat(p.AllocationPct))
	if limits.MaxNotionalUSD > 0 {
		budget = decimal.Min(budget, decimal.NewFromFloat(limits.MaxNotionalUSD))
	}
	return budget
}

func CheckEntry(limits RiskLimits, budget, available decimal.Decimal) error {
	if budget.Sign() <= 0 {
		return fmt.Errorf("budget %s: %w", budget, ErrInsufficientAvailable)
	}
	if limits.MaxNotionalUSD > 0 && budget.GreaterThan(decimal.NewFromFloat(limits.MaxNotionalUSD)) {
		return fmt.Errorf("budget %s: %w", budget, ErrBudgetExceeded)
	}
	if available.LessThan(budget) {
		return fmt.Errorf("available %s below budget %s: %w", available, budget, ErrInsufficientAvailable)
	}
	if limits.MinAvailableUSD > 0 && available.Sub(budget).LessThan(decimal.NewFromFloat(limits.MinAvailableUSD)) {
		return fmt.Errorf("available %s after entry below reserve %.2f: %w", available.Sub(budget), limits.MinAvailableUSD, ErrInsufficientAvailable)
	}
	return nil
}
