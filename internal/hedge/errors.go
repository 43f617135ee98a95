package hedge

import (
	"errors"
	"fmt"

	"okx-carry-bot/internal/okx/rest"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds for a minimum hedge")
	ErrRolledBack        = errors.New("partial execution rolled back")
	ErrHedgeDeviation    = errors.New("hedge deviation over threshold, emergency unwind executed")
	ErrHedgeUnverified   = errors.New("hedge placed but not verified")
	ErrUnhedged          = errors.New("UNHEDGED position requires manual intervention")
	ErrNoPosition        = errors.New("no open swap position")
)

// UnhedgedError describes exposure the engine could not remove. It always
// matches ErrUnhedged and is never folded into another class.
type UnhedgedError struct {
	InstID string
	Ccy    string
	Size   decimal.Decimal
	Stage  string
	Cause  error
}

func (e *UnhedgedError) Error() string {
	size := "unknown size"
	if !e.Size.IsZero() {
		size = e.Size.String() + " " + e.Ccy
	}
	return fmt.Sprintf("%s: %s (%s) during %s: %v", ErrUnhedged, e.InstID, size, e.Stage, e.Cause)
}

func (e *UnhedgedError) Is(target error) bool { return target == ErrUnhedged }

func (e *UnhedgedError) Unwrap() error { return e.Cause }

type Class int

const (
	ClassNone Class = iota
	ClassUnhedged
	ClassDeviation
	ClassRolledBack
	ClassInsufficientFunds
	ClassNoPosition
	ClassUnverified
	ClassTransient
	ClassExchange
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassUnhedged:
		return "unhedged"
	case ClassDeviation:
		return "hedge_deviation"
	case ClassRolledBack:
		return "rolled_back"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassNoPosition:
		return "no_position"
	case ClassUnverified:
		return "unverified"
	case ClassTransient:
		return "transient"
	case ClassExchange:
		return "exchange"
	default:
		return "other"
	}
}

// Classify maps err onto the failure taxonomy. Unhedged wins over every
// other class an error chain might also match.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrUnhedged):
		return ClassUnhedged
	case errors.Is(err, ErrHedgeDeviation):
		return ClassDeviation
	case errors.Is(err, ErrHedgeUnverified):
		return ClassUnverified
	case errors.Is(err, ErrRolledBack):
		return ClassRolledBack
	case errors.Is(err, ErrInsufficientFunds):
		return ClassInsufficientFunds
	case errors.Is(err, ErrNoPosition):
		return ClassNoPosition
	}
	var exErr *rest.ExchangeError
	if errors.As(err, &exErr) && !rest.IsTransient(err) {
		return ClassExchange
	}
	if errors.Is(err, rest.ErrUpstreamNonJSON) || rest.IsTransient(err) {
		return ClassTransient
	}
	return ClassOther
}
