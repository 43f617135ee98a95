package hedge

import (
	"context"
	"fmt"

	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/sizing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Classification string

const (
	Balanced Classification = "balanced"
	Dusty    Classification = "dusty"
	AtRisk   Classification = "at_risk"
)

type Action string

const (
	ActionNone            Action = "none"
	ActionShortMore       Action = "short_more"
	ActionSellDust        Action = "sell_dust"
	ActionBuyCover        Action = "buy_cover"
	ActionDustReported    Action = "dust_reported"
	ActionGapReported     Action = "gap_reported"
	ActionEmergencyUnwind Action = "emergency_unwind"
)

// AuditResult compares live spot against the spot implied by the short.
// Delta is spot minus implied; negative means the short is partly naked.
type AuditResult struct {
	InstID         string
	SpotBalance    decimal.Decimal
	Contracts      decimal.Decimal
	ImpliedSpot    decimal.Decimal
	SwapNotional   decimal.Decimal
	Delta          decimal.Decimal
	Classification Classification
	Action         Action
	ActionSize     decimal.Decimal
	OrderID        string
	Message        string
}

// Audit repairs drift on one pair. It is safe to repeat: a balanced pair is
// never traded.
func (e *Engine) Audit(ctx context.Context, swapInstID string) (AuditResult, error) {
	res := AuditResult{InstID: swapInstID, Action: ActionNone}
	p, err := e.resolve(ctx, swapInstID)
	if err != nil {
		return res, err
	}
	pos, ok, err := e.account.SwapPosition(ctx, p.swapID)
	if err != nil {
		return res, fmt.Errorf("read position: %w", err)
	}
	if !ok {
		return res, fmt.Errorf("%s: %w", p.swapID, ErrNoPosition)
	}
	bal, err := e.account.SpotBalance(ctx, p.base)
	if err != nil {
		return res, fmt.Errorf("read balance: %w", err)
	}
	res.SpotBalance = bal.CashBal
	res.Contracts = pos.Pos.Abs()
	res.ImpliedSpot = res.Contracts.Mul(p.swap.CtVal)
	if price, err := e.market.Last(ctx, p.swapID); err == nil {
		res.SwapNotional = res.ImpliedSpot.Mul(price)
	}
	res.Delta = res.SpotBalance.Sub(res.ImpliedSpot)
	log := e.log.With(zap.String("inst_id", p.swapID), zap.String("delta", res.Delta.String()))

	lot, err := decimal.NewFromString(p.spot.LotSz)
	if err != nil {
		return res, fmt.Errorf("spot lot size %q: %w", p.spot.LotSz, err)
	}
	if res.Delta.Abs().LessThanOrEqual(lot.Div(decimal.NewFromInt(2))) {
		res.Classification = Balanced
		res.Message = "balanced"
		return res, nil
	}

	noise := e.cfg.NoiseContracts.Mul(p.swap.CtVal)
	if res.ImpliedSpot.GreaterThan(noise) && e.cfg.ExtremeDeviation.Sign() > 0 {
		deviation := res.Delta.Abs().Div(res.ImpliedSpot)
		if deviation.GreaterThan(e.cfg.ExtremeDeviation) {
			res.Classification = AtRisk
			res.Action = ActionEmergencyUnwind
			res.Message = fmt.Sprintf("spot %s vs implied %s (deviation %s)", res.SpotBalance, res.ImpliedSpot, deviation.StringFixed(4))
			return res, e.emergencyUnwind(ctx, p, res.Message)
		}
	}

	if res.Delta.Sign() > 0 {
		res.Classification = Dusty
		err = e.absorbExcess(ctx, p, &res)
	} else {
		res.Classification = AtRisk
		err = e.coverShortfall(ctx, p, &res)
	}
	if err != nil {
		log.Error("audit correction failed", zap.String("action", string(res.Action)), zap.Error(err))
		return res, err
	}
	if res.OrderID != "" {
		e.emit(EventAuditCorrection, p.swapID, res.ActionSize, res.Contracts, res.Message)
	}
	log.Info("hedge audited", zap.String("classification", string(res.Classification)), zap.String("action", string(res.Action)))
	return res, nil
}

func (e *Engine) absorbExcess(ctx context.Context, p pair, res *AuditResult) error {
	extra := res.Delta.Div(p.swap.CtVal).Floor()
	if extra.GreaterThanOrEqual(decimal.NewFromInt(1)) && sizing.AtLeast(extra, p.swap.MinSz) {
		orderID, err := e.execute(ctx, exchange.OrderRequest{
			InstID:  p.swapID,
			TdMode:  e.cfg.MarginMode,
			Side:    exchange.SideSell,
			OrdType: exchange.OrdMarket,
			Sz:      sizing.Format(extra, p.swap.LotSz),
		})
		if err != nil {
			return fmt.Errorf("short %s more contracts: %w", extra, err)
		}
		res.Action = ActionShortMore
		res.ActionSize = extra
		res.OrderID = orderID
		res.Message = fmt.Sprintf("shorted %s more contracts to absorb %s %s", extra, res.Delta, p.base)
		return e.sellResidual(ctx, p, res.Delta.Sub(extra.Mul(p.swap.CtVal)), res)
	}
	dust, err := sizing.FloorToStep(res.Delta, p.spot.LotSz)
	if err != nil {
		return err
	}
	if !sizing.AtLeast(dust, p.spot.MinSz) {
		res.Action = ActionDustReported
		res.ActionSize = res.Delta
		res.Message = fmt.Sprintf("untradeable dust %s %s below minimum %s", res.Delta, p.base, p.spot.MinSz)
		return nil
	}
	orderID, err := e.execute(ctx, exchange.OrderRequest{
		InstID:  p.spotID,
		TdMode:  exchange.TdCash,
		Side:    exchange.SideSell,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(dust, p.spot.LotSz),
		TgtCcy:  exchange.TgtBase,
	})
	if err != nil {
		return fmt.Errorf("sell dust %s: %w", dust, err)
	}
	res.Action = ActionSellDust
	res.ActionSize = dust
	res.OrderID = orderID
	res.Message = fmt.Sprintf("sold %s %s dust", dust, p.base)
	return nil
}

// sellResidual disposes of what a whole-contract short could not absorb.
// Anything below the spot minimum is left for the dust report next pass.
func (e *Engine) sellResidual(ctx context.Context, p pair, residual decimal.Decimal, res *AuditResult) error {
	qty, err := sizing.FloorToStep(residual, p.spot.LotSz)
	if err != nil {
		return err
	}
	if qty.Sign() <= 0 || !sizing.AtLeast(qty, p.spot.MinSz) {
		return nil
	}
	if _, err := e.execute(ctx, exchange.OrderRequest{
		InstID:  p.spotID,
		TdMode:  exchange.TdCash,
		Side:    exchange.SideSell,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(qty, p.spot.LotSz),
		TgtCcy:  exchange.TgtBase,
	}); err != nil {
		return fmt.Errorf("sell residual %s: %w", qty, err)
	}
	res.Message += fmt.Sprintf(", sold %s %s residual", qty, p.base)
	return nil
}

func (e *Engine) coverShortfall(ctx context.Context, p pair, res *AuditResult) error {
	gap := res.Delta.Neg()
	buy, err := sizing.CeilToStep(sizing.InflateForFee(gap, e.cfg.FeeRate), p.spot.LotSz)
	if err != nil {
		return err
	}
	if !sizing.AtLeast(buy, p.spot.MinSz) {
		res.Action = ActionGapReported
		res.ActionSize = gap
		res.Message = fmt.Sprintf("unresolved shortfall %s %s below minimum %s", gap, p.base, p.spot.MinSz)
		e.log.Warn("hedge gap below minimum order size", zap.String("inst_id", p.swapID), zap.String("gap", gap.String()))
		return nil
	}
	orderID, err := e.execute(ctx, exchange.OrderRequest{
		InstID:  p.spotID,
		TdMode:  exchange.TdCash,
		Side:    exchange.SideBuy,
		OrdType: exchange.OrdMarket,
		Sz:      sizing.Format(buy, p.spot.LotSz),
		TgtCcy:  exchange.TgtBase,
	})
	if err != nil {
		return fmt.Errorf("cover shortfall %s: %w", gap, err)
	}
	res.Action = ActionBuyCover
	res.ActionSize = buy
	res.OrderID = orderID
	res.Message = fmt.Sprintf("bought %s %s to cover shortfall %s", buy, p.base, gap)
	return nil
}

// execute places a corrective order and waits for it to settle so an
// immediate re-audit sees the result.
func (e *Engine) execute(ctx context.Context, req exchange.OrderRequest) (string, error) {
	orderID, err := e.orders.PlaceOrder(ctx, req)
	if err != nil {
		return "", err
	}
	poll, err := e.orders.WaitForFill(ctx, req.InstID, orderID)
	if err != nil {
		return orderID, err
	}
	if poll.Order.AccFillSz.Sign() <= 0 {
		return orderID, fmt.Errorf("order %s %s with no fill", orderID, poll.Outcome)
	}
	return orderID, nil
}
