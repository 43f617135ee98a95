// Package sizing converts raw quantities into exchange-legal order sizes.
//
// Precision always comes from the exchange's step text ("0.001" has three
// fractional digits), never from inspecting a floating value.
package sizing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Precision returns the number of fractional digits in step.
func Precision(step string) int {
	step = strings.TrimSpace(step)
	if i := strings.IndexByte(step, '.'); i >= 0 {
		return len(step) - i - 1
	}
	return 0
}

func parseStep(step string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(step))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid step %q: %w", step, err)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("step %q must be positive", step)
	}
	return d, nil
}

// FloorToStep truncates v toward zero onto a multiple of step. Used for
// anything that reduces exposure, so the size never exceeds holdings.
func FloorToStep(v decimal.Decimal, step string) (decimal.Decimal, error) {
	s, err := parseStep(step)
	if err != nil {
		return decimal.Zero, err
	}
	units := v.Div(s)
	if v.Sign() >= 0 {
		units = units.Floor()
	} else {
		units = units.Ceil()
	}
	return units.Mul(s).Round(int32(Precision(step))), nil
}

// CeilToStep rounds v up onto a multiple of step. Used when buying to cover
// a target, so the resulting holding is at least the target.
func CeilToStep(v decimal.Decimal, step string) (decimal.Decimal, error) {
	s, err := parseStep(step)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Div(s).Ceil().Mul(s).Round(int32(Precision(step))), nil
}

// Format renders v with exactly Precision(step) fractional digits.
func Format(v decimal.Decimal, step string) string {
	return v.StringFixed(int32(Precision(step)))
}

// InflateForFee returns the gross quantity whose fee-net equals target.
func InflateForFee(target, feeRate decimal.Decimal) decimal.Decimal {
	if feeRate.Sign() <= 0 {
		return target
	}
	return target.DivRound(decimal.NewFromInt(1).Sub(feeRate), 16)
}

// AtLeast reports whether size clears the exchange minimum.
func AtLeast(size decimal.Decimal, minSz string) bool {
	minimum, err := decimal.NewFromString(strings.TrimSpace(minSz))
	if err != nil {
		return size.Sign() > 0
	}
	return size.Sign() > 0 && size.GreaterThanOrEqual(minimum)
}
