package account

import (
	"context"
	"errors"
	"sync"
	"time"

	"okx-carry-bot/internal/okx/exchange"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Gateway interface {
	Balances(ctx context.Context, ccys ...string) ([]exchange.Balance, error)
	Positions(ctx context.Context, instType, instID string) ([]exchange.Position, error)
	FundingBills(ctx context.Context, instType string) ([]exchange.Bill, error)
}

// Account reads balances and positions. The exchange is the system of
// record; the cached State is only a snapshot for reporting.
type Account struct {
	api Gateway
	log *zap.Logger

	mu    sync.RWMutex
	state State
}

type State struct {
	Balances  map[string]exchange.Balance
	Positions map[string]exchange.Position
	UpdatedAt time.Time
}

func New(api Gateway, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{api: api, log: log}
}

// Reconcile refreshes balances and swap positions in parallel.
func (a *Account) Reconcile(ctx context.Context) (*State, error) {
	if a.api == nil {
		return nil, errors.New("exchange client is required")
	}
	var (
		balances  []exchange.Balance
		positions []exchange.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balances, err = a.api.Balances(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		positions, err = a.api.Positions(gctx, exchange.InstSwap, "")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	state := State{
		Balances:  make(map[string]exchange.Balance, len(balances)),
		Positions: make(map[string]exchange.Position, len(positions)),
		UpdatedAt: time.Now().UTC(),
	}
	for _, b := range balances {
		state.Balances[b.Ccy] = b
	}
	for _, p := range positions {
		if p.Pos.IsZero() {
			continue
		}
		state.Positions[p.InstID] = p
	}
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	return &state, nil
}

func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.state)
}

// SpotBalance is a live read of one currency. A currency the account does
// not hold returns a zero balance.
func (a *Account) SpotBalance(ctx context.Context, ccy string) (exchange.Balance, error) {
	list, err := a.api.Balances(ctx, ccy)
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, b := range list {
		if b.Ccy == ccy {
			return b, nil
		}
	}
	return exchange.Balance{Ccy: ccy}, nil
}

// SwapPosition is a live read of the open position on one swap.
func (a *Account) SwapPosition(ctx context.Context, instID string) (exchange.Position, bool, error) {
	list, err := a.api.Positions(ctx, exchange.InstSwap, instID)
	if err != nil {
		return exchange.Position{}, false, err
	}
	for _, p := range list {
		if p.InstID == instID && !p.Pos.IsZero() {
			return p, true, nil
		}
	}
	return exchange.Position{}, false, nil
}

// Equity sums USD equity across all currencies in the snapshot.
func (s State) Equity() decimal.Decimal {
	total := decimal.Zero
	for _, b := range s.Balances {
		total = total.Add(b.EqUSD)
	}
	return total
}

func (s State) Available(ccy string) decimal.Decimal {
	return s.Balances[ccy].AvailBal
}

func copyState(state State) State {
	out := State{UpdatedAt: state.UpdatedAt}
	if state.Balances != nil {
		out.Balances = make(map[string]exchange.Balance, len(state.Balances))
		for k, v := range state.Balances {
			out.Balances[k] = v
		}
	}
	if state.Positions != nil {
		out.Positions = make(map[string]exchange.Position, len(state.Positions))
		for k, v := range state.Positions {
			out.Positions[k] = v
		}
	}
	return out
}
