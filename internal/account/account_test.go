package account

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"okx-carry-bot/internal/okx/exchange"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeGateway struct {
	balances  []exchange.Balance
	positions []exchange.Position
	bills     []exchange.Bill
	err       error
	failures  atomic.Int32
	calls     atomic.Int32
}

func (f *fakeGateway) Balances(_ context.Context, ccys ...string) ([]exchange.Balance, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("down")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(ccys) == 0 {
		return f.balances, nil
	}
	var out []exchange.Balance
	for _, b := range f.balances {
		for _, c := range ccys {
			if b.Ccy == c {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (f *fakeGateway) Positions(_ context.Context, _ string, instID string) ([]exchange.Position, error) {
	if f.err != nil {
		return nil, f.err
	}
	if instID == "" {
		return f.positions, nil
	}
	var out []exchange.Position
	for _, p := range f.positions {
		if p.InstID == instID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeGateway) FundingBills(context.Context, string) ([]exchange.Bill, error) {
	return f.bills, f.err
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReconcileSkipsFlatPositionsAndSumsEquity(t *testing.T) {
	api := &fakeGateway{
		balances: []exchange.Balance{
			{Ccy: "USDT", AvailBal: d("500"), EqUSD: d("500")},
			{Ccy: "BTC", AvailBal: d("0.01"), EqUSD: d("600")},
		},
		positions: []exchange.Position{
			{InstID: "BTC-USDT-SWAP", Pos: d("-1")},
			{InstID: "ETH-USDT-SWAP", Pos: decimal.Zero},
		},
	}
	acct := New(api, zap.NewNop())
	state, err := acct.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(state.Positions) != 1 {
		t.Fatalf("expected flat position dropped, got %+v", state.Positions)
	}
	if !state.Equity().Equal(d("1100")) || !state.Available("USDT").Equal(d("500")) {
		t.Fatalf("unexpected equity %s", state.Equity())
	}
	snap := acct.Snapshot()
	snap.Balances["USDT"] = exchange.Balance{}
	if acct.Snapshot().Available("USDT").IsZero() {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestSpotBalanceMissingCurrencyIsZero(t *testing.T) {
	acct := New(&fakeGateway{}, nil)
	b, err := acct.SpotBalance(context.Background(), "DOGE")
	if err != nil || b.Ccy != "DOGE" || !b.AvailBal.IsZero() {
		t.Fatalf("unexpected balance %+v %v", b, err)
	}
}

func TestSwapPosition(t *testing.T) {
	acct := New(&fakeGateway{positions: []exchange.Position{{InstID: "BTC-USDT-SWAP", Pos: d("-3")}}}, nil)
	p, ok, err := acct.SwapPosition(context.Background(), "BTC-USDT-SWAP")
	if err != nil || !ok || !p.Pos.Equal(d("-3")) {
		t.Fatalf("unexpected position %+v %v %v", p, ok, err)
	}
	if _, ok, _ := acct.SwapPosition(context.Background(), "ETH-USDT-SWAP"); ok {
		t.Fatalf("expected no ETH position")
	}
}

func TestFundingSince(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	acct := New(&fakeGateway{bills: []exchange.Bill{
		{InstID: "BTC-USDT-SWAP", BalChg: d("0.12"), Ts: base.Add(16 * time.Hour)},
		{InstID: "BTC-USDT-SWAP", BalChg: d("0.10"), Ts: base.Add(8 * time.Hour)},
		{InstID: "ETH-USDT-SWAP", BalChg: d("-0.02"), Ts: base.Add(8 * time.Hour)},
		{InstID: "BTC-USDT-SWAP", BalChg: d("0.5"), Ts: base.Add(-time.Hour)},
	}}, nil)
	payments, err := acct.FundingSince(context.Background(), base)
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	totals := FundingByInstrument(payments)
	if !totals["BTC-USDT-SWAP"].Equal(d("0.22")) || !totals["ETH-USDT-SWAP"].Equal(d("-0.02")) {
		t.Fatalf("unexpected totals %v", totals)
	}
}

func TestPollerNotifiesObserversAndSurvivesErrors(t *testing.T) {
	api := &fakeGateway{}
	api.failures.Store(3)
	acct := New(api, nil)
	var seen atomic.Int32
	p := NewPoller(acct, 5*time.Millisecond, zap.NewNop(), ObserverFunc(func(State) { seen.Add(1) }))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)
	if seen.Load() == 0 {
		t.Fatalf("expected observer to be called after recovery")
	}
	if api.calls.Load() < 2 {
		t.Fatalf("expected repeated polls")
	}
}
