package account

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Observer receives every successful account snapshot.
type Observer interface {
	ObserveAccount(State)
}

type ObserverFunc func(State)

func (f ObserverFunc) ObserveAccount(s State) { f(s) }

// Poller is the low-priority read-only refresh that runs beside the
// scheduler. It never places orders.
type Poller struct {
	account   *Account
	interval  time.Duration
	log       *zap.Logger
	observers []Observer
}

func NewPoller(account *Account, interval time.Duration, log *zap.Logger, observers ...Observer) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{account: account, interval: interval, log: log, observers: observers}
}

func (p *Poller) Run(ctx context.Context) error {
	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	state, err := p.account.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("account refresh failed", zap.Error(err))
		}
		return
	}
	for _, o := range p.observers {
		o.ObserveAccount(*state)
	}
}
