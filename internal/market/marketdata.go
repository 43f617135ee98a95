package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/ws"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the read-only slice of the exchange this package needs.
type Gateway interface {
	Instruments(ctx context.Context, instType string) ([]exchange.Instrument, error)
	Tickers(ctx context.Context, instType string) ([]exchange.Ticker, error)
	Ticker(ctx context.Context, instID string) (exchange.Ticker, error)
	FundingRate(ctx context.Context, instID string) (exchange.FundingRate, error)
}

type pricePoint struct {
	last decimal.Decimal
	at   time.Time
}

type fundingPoint struct {
	rate exchange.FundingRate
	at   time.Time
}

// MarketData caches instrument reference data, live prices from the ticker
// stream and recently fetched funding rates.
type MarketData struct {
	api Gateway
	ws  *ws.Client
	log *zap.Logger

	mu               sync.RWMutex
	instruments      map[string]exchange.Instrument
	prices           map[string]pricePoint
	funding          map[string]fundingPoint
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
	maxPriceAge      time.Duration
	now              func() time.Time
}

func New(api Gateway, wsClient *ws.Client, maxPriceAge time.Duration, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPriceAge <= 0 {
		maxPriceAge = 5 * time.Second
	}
	return &MarketData{
		api:              api,
		ws:               wsClient,
		log:              log,
		instruments:      make(map[string]exchange.Instrument),
		prices:           make(map[string]pricePoint),
		funding:          make(map[string]fundingPoint),
		ctxRefreshWindow: 10 * time.Minute,
		maxPriceAge:      maxPriceAge,
		now:              time.Now,
	}
}

// Start connects the ticker stream. Without a websocket client every price
// read goes to REST.
func (m *MarketData) Start(ctx context.Context) error {
	if err := m.RefreshInstruments(ctx); err != nil {
		m.log.Warn("instrument refresh failed", zap.Error(err))
	}
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	go func() {
		_ = m.ws.Run(ctx, m.handleMessage)
	}()
	return nil
}

// Track subscribes the ticker stream for the given spot or swap instruments.
func (m *MarketData) Track(ctx context.Context, instIDs ...string) error {
	if m.ws == nil || len(instIDs) == 0 {
		return nil
	}
	return m.ws.Subscribe(ctx, ws.TickerArgs(instIDs...)...)
}

func (m *MarketData) RefreshInstruments(ctx context.Context) error {
	if m.api == nil || !m.shouldRefresh() {
		return nil
	}
	fresh := make(map[string]exchange.Instrument)
	for _, instType := range []string{exchange.InstSpot, exchange.InstSwap} {
		list, err := m.api.Instruments(ctx, instType)
		if err != nil {
			return fmt.Errorf("load %s instruments: %w", instType, err)
		}
		for _, inst := range list {
			fresh[inst.InstID] = inst
		}
	}
	m.mu.Lock()
	m.instruments = fresh
	m.lastCtxRefresh = m.now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.ctxRefreshWindow
	now := m.now()
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= window
}

// Instrument returns cached reference data, refreshing once when the id is
// unknown so newly listed instruments resolve.
func (m *MarketData) Instrument(ctx context.Context, instID string) (exchange.Instrument, error) {
	if err := m.RefreshInstruments(ctx); err != nil {
		return exchange.Instrument{}, err
	}
	m.mu.RLock()
	inst, ok := m.instruments[instID]
	m.mu.RUnlock()
	if ok {
		return inst, nil
	}
	m.mu.Lock()
	m.lastCtxRefresh = time.Time{}
	m.mu.Unlock()
	if err := m.RefreshInstruments(ctx); err != nil {
		return exchange.Instrument{}, err
	}
	m.mu.RLock()
	inst, ok = m.instruments[instID]
	m.mu.RUnlock()
	if !ok {
		return exchange.Instrument{}, fmt.Errorf("instrument %s: %w", instID, exchange.ErrNotFound)
	}
	return inst, nil
}

// Last returns the streamed price when fresh, otherwise a REST ticker read.
func (m *MarketData) Last(ctx context.Context, instID string) (decimal.Decimal, error) {
	m.mu.RLock()
	p, ok := m.prices[instID]
	now := m.now()
	m.mu.RUnlock()
	if ok && now.Sub(p.at) <= m.maxPriceAge && p.last.Sign() > 0 {
		return p.last, nil
	}
	t, err := m.api.Ticker(ctx, instID)
	if err != nil {
		return decimal.Zero, err
	}
	if t.Last.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("ticker %s has no last price", instID)
	}
	m.storePrice(instID, t.Last)
	return t.Last, nil
}

// FundingRate returns a rate fetched within the refresh window or asks the
// exchange. Scan results should be fed through Remember to warm the cache.
func (m *MarketData) FundingRate(ctx context.Context, instID string) (exchange.FundingRate, error) {
	m.mu.RLock()
	fp, ok := m.funding[instID]
	now := m.now()
	m.mu.RUnlock()
	if ok && now.Sub(fp.at) < time.Minute {
		return fp.rate, nil
	}
	fr, err := m.api.FundingRate(ctx, instID)
	if err != nil {
		return exchange.FundingRate{}, err
	}
	m.rememberRate(fr)
	return fr, nil
}

func (m *MarketData) Remember(candidates []Candidate) {
	for _, c := range candidates {
		m.rememberRate(exchange.FundingRate{InstID: c.InstID, Rate: c.FundingRate, NextFundingTime: c.NextFundingTime})
	}
}

func (m *MarketData) rememberRate(fr exchange.FundingRate) {
	m.mu.Lock()
	m.funding[fr.InstID] = fundingPoint{rate: fr, at: m.now()}
	m.mu.Unlock()
}

func (m *MarketData) storePrice(instID string, last decimal.Decimal) {
	m.mu.Lock()
	m.prices[instID] = pricePoint{last: last, at: m.now()}
	m.mu.Unlock()
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	ticks, err := ws.DecodeTicks(msg)
	if err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	for _, t := range ticks {
		m.storePrice(t.InstID, t.Last)
	}
}
