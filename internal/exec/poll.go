package exec

import (
	"context"
	"time"

	"okx-carry-bot/internal/okx/exchange"

	"go.uber.org/zap"
)

type PollOutcome int

const (
	PollFilled PollOutcome = iota
	PollTimedOut
	PollCanceled
)

func (o PollOutcome) String() string {
	switch o {
	case PollFilled:
		return "filled"
	case PollTimedOut:
		return "timed_out"
	case PollCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PollResult is the outcome of a bounded fill wait. Order is the last state
// read from the exchange; its AccFillSz is the authoritative fill.
type PollResult struct {
	Outcome PollOutcome
	Order   exchange.Order
}

// WaitForFill polls until the order is filled or canceled, at most
// PollAttempts times. On timeout it cancels the remainder and re-reads the
// order so the caller sees whatever filled in the meantime. The error is
// non-nil only when the final state could not be read.
func (e *Executor) WaitForFill(ctx context.Context, instID, orderID string) (PollResult, error) {
	for attempt := 0; attempt < e.opts.PollAttempts; attempt++ {
		order, err := e.api.GetOrder(ctx, instID, orderID)
		if err == nil {
			switch {
			case order.State == exchange.OrderFilled:
				return PollResult{Outcome: PollFilled, Order: order}, nil
			case order.State.Terminal():
				return PollResult{Outcome: PollCanceled, Order: order}, nil
			}
		} else {
			e.log.Debug("order poll failed", zap.String("ord_id", orderID), zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if attempt == e.opts.PollAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return e.settle(context.WithoutCancel(ctx), instID, orderID)
		case <-time.After(e.opts.PollInterval):
		}
	}
	return e.settle(ctx, instID, orderID)
}

func (e *Executor) settle(ctx context.Context, instID, orderID string) (PollResult, error) {
	if err := e.CancelOrder(ctx, instID, orderID); err != nil {
		e.log.Warn("cancel after poll timeout failed", zap.String("ord_id", orderID), zap.Error(err))
	}
	order, err := e.GetOrder(ctx, instID, orderID)
	if err != nil {
		return PollResult{Outcome: PollTimedOut}, err
	}
	switch {
	case order.State == exchange.OrderFilled:
		return PollResult{Outcome: PollFilled, Order: order}, nil
	case order.State.Terminal():
		return PollResult{Outcome: PollCanceled, Order: order}, nil
	default:
		return PollResult{Outcome: PollTimedOut, Order: order}, nil
	}
}
