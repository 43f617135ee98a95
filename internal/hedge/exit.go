package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"okx-carry-bot/internal/sizing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ExitResult struct {
	Success     bool
	Message     string
	InstID      string
	Contracts   decimal.Decimal
	SpotSold    decimal.Decimal
	SwapClosed  bool
	SpotOrderID string
}

// Exit closes the swap and sells the hedged spot at the same time so
// neither leg sits alone in the market longer than necessary.
func (e *Engine) Exit(ctx context.Context, swapInstID string, contracts decimal.Decimal) (ExitResult, error) {
	res := ExitResult{InstID: swapInstID, Contracts: contracts.Abs()}
	p, err := e.resolve(ctx, swapInstID)
	if err != nil {
		return res, err
	}
	qty, err := e.exitQuantity(ctx, p, res.Contracts)
	if err != nil {
		return res, err
	}

	var (
		wg       sync.WaitGroup
		closeErr error
		sellErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		closeErr = e.orders.ClosePosition(ctx, p.swapID, e.cfg.MarginMode)
	}()
	go func() {
		defer wg.Done()
		if !sizing.AtLeast(qty, p.spot.MinSz) {
			return
		}
		sellErr = e.sell(ctx, p.spotID, qty, p.spot.LotSz)
	}()
	wg.Wait()

	res.SwapClosed = closeErr == nil
	if sellErr == nil && sizing.AtLeast(qty, p.spot.MinSz) {
		res.SpotSold = qty
	}
	switch {
	case closeErr != nil && sellErr == nil && res.SpotSold.Sign() > 0:
		// Spot is gone but the short is still open.
		uerr := &UnhedgedError{InstID: p.swapID, Ccy: p.base, Size: res.Contracts.Mul(p.swap.CtVal), Stage: "exit", Cause: closeErr}
		res.Message = uerr.Error()
		e.emit(EventUnhedged, p.swapID, res.SpotSold, res.Contracts, res.Message)
		return res, uerr
	case closeErr == nil && sellErr != nil:
		// The short is gone but some or all of the spot is still held.
		uerr := &UnhedgedError{InstID: p.spotID, Ccy: p.base, Size: qty, Stage: "exit spot sell", Cause: sellErr}
		res.Message = uerr.Error()
		e.emit(EventUnhedged, p.swapID, qty, decimal.Zero, res.Message)
		return res, uerr
	case closeErr != nil || sellErr != nil:
		err := errors.Join(wrapLeg("swap close", closeErr), wrapLeg("spot sell", sellErr))
		res.Message = err.Error()
		e.log.Error("exit failed", zap.String("inst_id", p.swapID), zap.Bool("swap_closed", res.SwapClosed), zap.Error(err))
		return res, err
	}
	res.Success = true
	res.Message = fmt.Sprintf("closed %s contracts and sold %s %s", res.Contracts, res.SpotSold, p.base)
	e.emit(EventExited, p.swapID, res.SpotSold, res.Contracts, res.Message)
	e.log.Info("hedge closed", zap.String("inst_id", p.swapID), zap.String("contracts", res.Contracts.String()), zap.String("spot_sold", res.SpotSold.String()))
	return res, nil
}

// exitQuantity is the hedge-implied spot floored to the lot step. With dust
// sweeping it is the whole available balance instead, so residue from fee
// inflation leaves with the hedge.
func (e *Engine) exitQuantity(ctx context.Context, p pair, contracts decimal.Decimal) (decimal.Decimal, error) {
	implied, err := sizing.FloorToStep(contracts.Mul(p.swap.CtVal), p.spot.LotSz)
	if err != nil {
		return decimal.Zero, err
	}
	if !e.cfg.SweepDustOnExit {
		return implied, nil
	}
	bal, err := e.account.SpotBalance(ctx, p.base)
	if err != nil {
		e.log.Warn("balance read failed, selling implied quantity", zap.String("inst_id", p.swapID), zap.Error(err))
		return implied, nil
	}
	return sizing.FloorToStep(bal.AvailBal, p.spot.LotSz)
}

func wrapLeg(leg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", leg, err)
}
