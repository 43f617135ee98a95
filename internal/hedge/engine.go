// Package hedge opens, closes and repairs spot-long / swap-short pairs.
//
// Every exported operation either leaves the pair in a confirmed state or
// returns an error whose class (see Classify) says what is left behind.
// Orders within one operation are strictly sequential except the two
// independent legs of an exit.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/rest"
	"okx-carry-bot/internal/sizing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Market interface {
	Instrument(ctx context.Context, instID string) (exchange.Instrument, error)
	Last(ctx context.Context, instID string) (decimal.Decimal, error)
}

type Account interface {
	SpotBalance(ctx context.Context, ccy string) (exchange.Balance, error)
	SwapPosition(ctx context.Context, instID string) (exchange.Position, bool, error)
}

type Orders interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	WaitForFill(ctx context.Context, instID, orderID string) (exec.PollResult, error)
	ClosePosition(ctx context.Context, instID, mgnMode string) error
	LookupClientOrder(ctx context.Context, instID, clOrdID string) (exchange.Order, bool, error)
}

type Leverager interface {
	SetLeverage(ctx context.Context, instID, lever, mgnMode string) error
}

type Config struct {
	SideBudgetFraction decimal.Decimal
	FeeRate            decimal.Decimal
	MaxDeviation       decimal.Decimal
	ExtremeDeviation   decimal.Decimal
	NoiseContracts     decimal.Decimal
	Leverage           string
	MarginMode         string
	SweepDustOnExit    bool
	// VerifyAttempts bounds the post-trade balance and position reads.
	VerifyAttempts int
	VerifyDelay    time.Duration
}

type Engine struct {
	cfg     Config
	market  Market
	account Account
	orders  Orders
	lever   Leverager
	events  EventSink
	log     *zap.Logger
	now     func() time.Time
}

func NewEngine(cfg Config, m Market, a Account, o Orders, lever Leverager, events EventSink, log *zap.Logger) *Engine {
	if cfg.MarginMode == "" {
		cfg.MarginMode = exchange.TdCross
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 3
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = 250 * time.Millisecond
	}
	if events == nil {
		events = nopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, market: m, account: a, orders: o, lever: lever, events: events, log: log, now: time.Now}
}

type EntryResult struct {
	Success     bool
	Message     string
	InstID      string
	SpotInstID  string
	SpotOrderID string
	SwapOrderID string
	SpotFilled  decimal.Decimal
	Contracts   decimal.Decimal
}

// pair is the resolved reference data for one hedge.
type pair struct {
	swapID string
	spotID string
	base   string
	swap   exchange.Instrument
	spot   exchange.Instrument
}

func (e *Engine) resolve(ctx context.Context, swapInstID string) (pair, error) {
	base, quote, err := market.SplitSwapID(swapInstID)
	if err != nil {
		return pair{}, err
	}
	p := pair{swapID: swapInstID, spotID: base + "-" + quote, base: base}
	if p.swap, err = e.market.Instrument(ctx, p.swapID); err != nil {
		return pair{}, err
	}
	if p.spot, err = e.market.Instrument(ctx, p.spotID); err != nil {
		return pair{}, err
	}
	if p.swap.CtVal.Sign() <= 0 {
		return pair{}, fmt.Errorf("swap %s has no contract value", p.swapID)
	}
	return p, nil
}

// Enter opens a hedge on swapInstID with at most budget quote currency.
// Contracts are derived from the spot quantity actually received, so the
// short never exceeds the spot it is hedged against.
func (e *Engine) Enter(ctx context.Context, swapInstID string, budget decimal.Decimal) (EntryResult, error) {
	res := EntryResult{InstID: swapInstID}
	p, err := e.resolve(ctx, swapInstID)
	if err != nil {
		return res, err
	}
	res.SpotInstID = p.spotID
	log := e.log.With(zap.String("inst_id", p.swapID), zap.String("spot_inst_id", p.spotID))

	price, err := e.market.Last(ctx, p.swapID)
	if err != nil {
		return res, fmt.Errorf("swap price: %w", err)
	}
	sideBudget := budget.Mul(e.cfg.SideBudgetFraction)
	maxContracts := sideBudget.Div(p.swap.CtVal.Mul(price)).Floor()
	if maxContracts.LessThan(decimal.NewFromInt(1)) || !sizing.AtLeast(maxContracts, p.swap.MinSz) {
		res.Message = fmt.Sprintf("side budget %s affords %s contracts at %s", sideBudget.StringFixed(2), maxContracts, price)
		return res, fmt.Errorf("%s: %w", res.Message, ErrInsufficientFunds)
	}
	target := maxContracts.Mul(p.swap.CtVal)
	buySz, err := sizing.CeilToStep(sizing.InflateForFee(target, e.cfg.FeeRate), p.spot.LotSz)
	if err != nil {
		return res, err
	}
	if !sizing.AtLeast(buySz, p.spot.MinSz) {
		res.Message = fmt.Sprintf("spot size %s below minimum %s", buySz, p.spot.MinSz)
		return res, fmt.Errorf("%s: %w", res.Message, ErrInsufficientFunds)
	}
	if e.lever != nil && e.cfg.Leverage != "" {
		if err := e.lever.SetLeverage(ctx, p.swapID, e.cfg.Leverage, e.cfg.MarginMode); err != nil {
			return res, fmt.Errorf("set leverage: %w", err)
		}
	}

	buy := exchange.OrderRequest{
		InstID:  p.spotID,
		TdMode:  exchange.TdCash,
		Side:    exchange.SideBuy,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(buySz, p.spot.LotSz),
		ClOrdID: exec.NewClientOrderID(),
		TgtCcy:  exchange.TgtBase,
	}
	spotOrderID, err := e.orders.PlaceOrder(ctx, buy)
	if err != nil {
		if spotOrderID, err = e.confirmPlacement(ctx, p, buy, err); err != nil {
			return res, err
		}
	}
	res.SpotOrderID = spotOrderID
	poll, err := e.orders.WaitForFill(ctx, p.spotID, spotOrderID)
	if err != nil {
		// The fill is unknown; holdings may exist without a hedge.
		uerr := &UnhedgedError{InstID: p.spotID, Ccy: p.base, Stage: "spot fill confirmation", Cause: err}
		e.emit(EventUnhedged, p.swapID, decimal.Zero, decimal.Zero, uerr.Error())
		return res, uerr
	}
	filled := received(poll.Order, p.base)
	filled, err = sizing.FloorToStep(filled, p.spot.LotSz)
	if err != nil {
		return res, err
	}
	res.SpotFilled = filled
	if filled.Sign() <= 0 {
		res.Message = fmt.Sprintf("spot buy %s ended %s with no fill", spotOrderID, poll.Outcome)
		return res, fmt.Errorf("%s: %w", res.Message, ErrRolledBack)
	}
	log.Info("spot leg filled", zap.String("ord_id", spotOrderID), zap.String("filled", filled.String()), zap.Stringer("outcome", poll.Outcome))

	contracts := filled.Div(p.swap.CtVal).Floor()
	if contracts.GreaterThan(maxContracts) {
		contracts = maxContracts
	}
	if contracts.LessThan(decimal.NewFromInt(1)) || !sizing.AtLeast(contracts, p.swap.MinSz) {
		cause := fmt.Errorf("filled %s covers %s contracts", filled, contracts)
		return res, e.rollback(ctx, p, filled, cause, &res)
	}

	swapOrderID, err := e.orders.PlaceOrder(ctx, exchange.OrderRequest{
		InstID:  p.swapID,
		TdMode:  e.cfg.MarginMode,
		Side:    exchange.SideSell,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(contracts, p.swap.LotSz),
	})
	if err != nil {
		return res, e.rollback(ctx, p, filled, fmt.Errorf("swap sell: %w", err), &res)
	}
	res.SwapOrderID = swapOrderID
	swapPoll, err := e.orders.WaitForFill(ctx, p.swapID, swapOrderID)
	if err != nil {
		uerr := &UnhedgedError{InstID: p.swapID, Ccy: p.base, Size: filled, Stage: "swap fill confirmation", Cause: err}
		e.emit(EventUnhedged, p.swapID, filled, contracts, uerr.Error())
		return res, uerr
	}
	shorted := swapPoll.Order.AccFillSz
	if shorted.Sign() <= 0 {
		cause := fmt.Errorf("swap sell %s ended %s with no fill", swapOrderID, swapPoll.Outcome)
		return res, e.rollback(ctx, p, filled, cause, &res)
	}
	res.Contracts = shorted

	if err := e.checkDeviation(ctx, p, &res); err != nil {
		return res, err
	}
	res.Success = true
	res.Message = fmt.Sprintf("hedged %s %s against %s contracts", filled, p.base, shorted)
	e.emit(EventEntered, p.swapID, filled, shorted, res.Message)
	log.Info("hedge opened", zap.String("spot_filled", filled.String()), zap.String("contracts", shorted.String()))
	return res, nil
}

// confirmPlacement decides whether a buy that failed with a transient error
// reached the book anyway. A landed order is returned so the caller carries
// on into the fill and rollback path.
func (e *Engine) confirmPlacement(ctx context.Context, p pair, req exchange.OrderRequest, placeErr error) (string, error) {
	if !rest.IsTransient(placeErr) {
		return "", fmt.Errorf("spot buy: %w", placeErr)
	}
	order, found, err := e.orders.LookupClientOrder(ctx, req.InstID, req.ClOrdID)
	if err != nil {
		uerr := &UnhedgedError{InstID: p.spotID, Ccy: p.base, Stage: "spot buy confirmation", Cause: errors.Join(placeErr, err)}
		e.emit(EventUnhedged, p.swapID, decimal.Zero, decimal.Zero, uerr.Error())
		return "", uerr
	}
	if !found {
		return "", fmt.Errorf("spot buy: %w", placeErr)
	}
	e.log.Warn("spot buy landed despite placement error",
		zap.String("inst_id", p.spotID), zap.String("cl_ord_id", req.ClOrdID), zap.String("ord_id", order.OrdID), zap.Error(placeErr))
	return order.OrdID, nil
}

// rollback sells exactly the filled spot quantity. It returns ErrRolledBack
// on success and an UnhedgedError when the reverse trade fails.
func (e *Engine) rollback(ctx context.Context, p pair, qty decimal.Decimal, cause error, res *EntryResult) error {
	e.log.Warn("rolling back spot leg", zap.String("inst_id", p.spotID), zap.String("qty", qty.String()), zap.Error(cause))
	err := e.sell(ctx, p.spotID, qty, p.spot.LotSz)
	if err != nil {
		uerr := &UnhedgedError{InstID: p.spotID, Ccy: p.base, Size: qty, Stage: "rollback", Cause: fmt.Errorf("%v; rollback: %w", cause, err)}
		res.Message = uerr.Error()
		e.emit(EventUnhedged, p.swapID, qty, decimal.Zero, res.Message)
		return uerr
	}
	res.Message = fmt.Sprintf("rolled back %s %s: %v", qty, p.base, cause)
	e.emit(EventRolledBack, p.swapID, qty, decimal.Zero, res.Message)
	return fmt.Errorf("%w: %w", ErrRolledBack, cause)
}

// checkDeviation is the post-trade circuit breaker. Balances within the
// noise floor are ignored. When the account cannot be read the hedge is
// reported as unverified rather than assumed sound.
func (e *Engine) checkDeviation(ctx context.Context, p pair, res *EntryResult) error {
	bal, pos, err := e.readHedge(ctx, p)
	if err != nil {
		res.Message = fmt.Sprintf("hedged %s %s against %s contracts, unverified: %v", res.SpotFilled, p.base, res.Contracts, err)
		e.log.Warn("post-trade verification failed", zap.String("inst_id", p.swapID), zap.Int("attempts", e.cfg.VerifyAttempts), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrHedgeUnverified, err)
	}
	spot := bal.CashBal
	implied := pos.Pos.Abs().Mul(p.swap.CtVal)
	noise := e.cfg.NoiseContracts.Mul(p.swap.CtVal)
	if spot.LessThanOrEqual(noise) {
		return nil
	}
	deviation := spot.Sub(implied).Abs().Div(spot)
	if deviation.LessThanOrEqual(e.cfg.MaxDeviation) {
		return nil
	}
	detail := fmt.Sprintf("spot %s vs implied %s (deviation %s)", spot, implied, deviation.StringFixed(4))
	res.Message = "circuit breaker: " + detail
	return e.emergencyUnwind(ctx, p, detail)
}

func (e *Engine) readHedge(ctx context.Context, p pair) (exchange.Balance, exchange.Position, error) {
	var err error
	for attempt := 0; attempt < e.cfg.VerifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return exchange.Balance{}, exchange.Position{}, ctx.Err()
			case <-time.After(e.cfg.VerifyDelay):
			}
		}
		var bal exchange.Balance
		if bal, err = e.account.SpotBalance(ctx, p.base); err != nil {
			err = fmt.Errorf("balance %s: %w", p.base, err)
			continue
		}
		var pos exchange.Position
		if pos, _, err = e.account.SwapPosition(ctx, p.swapID); err != nil {
			err = fmt.Errorf("position %s: %w", p.swapID, err)
			continue
		}
		return bal, pos, nil
	}
	return exchange.Balance{}, exchange.Position{}, err
}

// emergencyUnwind closes the swap and sells the whole available spot
// balance. Even a clean unwind is reported as ErrHedgeDeviation.
func (e *Engine) emergencyUnwind(ctx context.Context, p pair, detail string) error {
	e.log.Error("emergency unwind", zap.String("inst_id", p.swapID), zap.String("detail", detail))
	closeErr := e.orders.ClosePosition(ctx, p.swapID, e.cfg.MarginMode)
	var sold decimal.Decimal
	sellErr := func() error {
		bal, err := e.account.SpotBalance(ctx, p.base)
		if err != nil {
			return err
		}
		qty, err := sizing.FloorToStep(bal.AvailBal, p.spot.LotSz)
		if err != nil {
			return err
		}
		if !sizing.AtLeast(qty, p.spot.MinSz) {
			return nil
		}
		sold = qty
		return e.sell(ctx, p.spotID, qty, p.spot.LotSz)
	}()
	if closeErr != nil || sellErr != nil {
		uerr := &UnhedgedError{InstID: p.swapID, Ccy: p.base, Size: sold, Stage: "emergency unwind", Cause: errors.Join(closeErr, sellErr)}
		e.emit(EventUnhedged, p.swapID, sold, decimal.Zero, uerr.Error())
		return uerr
	}
	e.emit(EventEmergencyUnwind, p.swapID, sold, decimal.Zero, detail)
	return fmt.Errorf("%w: %s", ErrHedgeDeviation, detail)
}

// sell places a spot market sell of qty base units and waits for it to
// settle completely.
func (e *Engine) sell(ctx context.Context, spotID string, qty decimal.Decimal, lotSz string) error {
	orderID, err := e.orders.PlaceOrder(ctx, exchange.OrderRequest{
		InstID:  spotID,
		TdMode:  exchange.TdCash,
		Side:    exchange.SideSell,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(qty, lotSz),
		TgtCcy:  exchange.TgtBase,
	})
	if err != nil {
		return err
	}
	poll, err := e.orders.WaitForFill(ctx, spotID, orderID)
	if err != nil {
		return err
	}
	if poll.Outcome != exec.PollFilled {
		return fmt.Errorf("sell %s %s: %s after filling %s", spotID, orderID, poll.Outcome, poll.Order.AccFillSz)
	}
	return nil
}

func (e *Engine) emit(kind EventKind, instID string, spot, contracts decimal.Decimal, detail string) {
	e.events.HedgeEvent(Event{Time: e.now().UTC(), Kind: kind, InstID: instID, SpotQty: spot, Contracts: contracts, Detail: detail})
}

// received is the base quantity credited by a buy: the cumulative fill net
// of any fee charged in the base currency.
func received(o exchange.Order, base string) decimal.Decimal {
	qty := o.AccFillSz
	if o.FeeCcy == base && o.Fee.Sign() < 0 {
		qty = qty.Add(o.Fee)
	}
	return qty
}
