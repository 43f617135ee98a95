package exec

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

type mockGateway struct {
	mu          sync.Mutex
	placeCalls  int
	placeErrs   []error
	orderID     string
	lastReq     exchange.OrderRequest
	states      []exchange.Order
	getCalls    int
	cancels     int
	cancelErr   error
	byClient    exchange.Order
	byClientErr error
}

func (m *mockGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeCalls++
	m.lastReq = req
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return exchange.PlaceResult{}, err
		}
	}
	return exchange.PlaceResult{OrdID: m.orderID, ClOrdID: req.ClOrdID}, nil
}

func (m *mockGateway) GetOrder(context.Context, string, string) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.getCalls
	m.getCalls++
	if idx >= len(m.states) {
		idx = len(m.states) - 1
	}
	return m.states[idx], nil
}

func (m *mockGateway) OrderByClientID(context.Context, string, string) (exchange.Order, error) {
	return m.byClient, m.byClientErr
}

func (m *mockGateway) CancelOrder(context.Context, string, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return m.cancelErr
}

func (m *mockGateway) ClosePosition(context.Context, string, string) error { return nil }

func fastOptions() Options {
	return Options{PollAttempts: 3, PollInterval: time.Millisecond, RetryBackoff: time.Millisecond}
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	api := &mockGateway{orderID: "oid-1"}
	executor := New(api, store, fastOptions(), zap.NewNop())

	ctx := context.Background()
	req := exchange.OrderRequest{InstID: "BTC-USDT", Side: exchange.SideBuy, Sz: "1", ClOrdID: "abc"}

	id1, err := executor.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != "oid-1" || id2 != "oid-1" {
		t.Fatalf("unexpected ids %q %q", id1, id2)
	}
	if api.placeCalls != 1 {
		t.Fatalf("expected one placement, got %d", api.placeCalls)
	}
	if v, ok, _ := store.Get(ctx, "clordid:abc"); !ok || !strings.HasPrefix(v, "oid-1@") {
		t.Fatalf("expected persisted order id, got %q", v)
	}

	restarted := New(api, store, fastOptions(), zap.NewNop())
	if id, err := restarted.PlaceOrder(ctx, req); err != nil || id != "oid-1" {
		t.Fatalf("expected id from store after restart, got %q %v", id, err)
	}
	if api.placeCalls != 1 {
		t.Fatalf("restart must not re-place, got %d calls", api.placeCalls)
	}
}

func TestExecutorAssignsClientOrderID(t *testing.T) {
	api := &mockGateway{orderID: "oid"}
	executor := New(api, nil, fastOptions(), nil)
	if _, err := executor.PlaceOrder(context.Background(), exchange.OrderRequest{InstID: "BTC-USDT"}); err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(api.lastReq.ClOrdID) != 32 {
		t.Fatalf("expected 32 char client order id, got %q", api.lastReq.ClOrdID)
	}
}

func TestExecutorDoesNotRetryExchangeRejection(t *testing.T) {
	api := &mockGateway{orderID: "oid", placeErrs: []error{&rest.ExchangeError{Code: "1", SubCode: "51008"}}}
	executor := New(api, nil, fastOptions(), nil)
	_, err := executor.PlaceOrder(context.Background(), exchange.OrderRequest{InstID: "BTC-USDT"})
	var exErr *rest.ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected exchange error, got %v", err)
	}
	if api.placeCalls != 1 {
		t.Fatalf("expected no retry, got %d calls", api.placeCalls)
	}
}

func TestExecutorRetriesTransientAndResolvesDuplicate(t *testing.T) {
	api := &mockGateway{
		orderID:  "never",
		byClient: exchange.Order{OrdID: "oid-first"},
		placeErrs: []error{
			&rest.HTTPError{Status: 502},
			&rest.ExchangeError{Code: "1", SubCode: subCodeDuplicateClOrdID},
		},
	}
	executor := New(api, nil, fastOptions(), nil)
	id, err := executor.PlaceOrder(context.Background(), exchange.OrderRequest{InstID: "BTC-USDT", ClOrdID: "x"})
	if err != nil || id != "oid-first" {
		t.Fatalf("expected original order id, got %q %v", id, err)
	}
}

func TestWaitForFillFilled(t *testing.T) {
	api := &mockGateway{states: []exchange.Order{
		{State: exchange.OrderLive},
		{State: exchange.OrderFilled, AccFillSz: decimal.RequireFromString("4.004")},
	}}
	executor := New(api, nil, fastOptions(), nil)
	res, err := executor.WaitForFill(context.Background(), "BTC-USDT", "1")
	if err != nil || res.Outcome != PollFilled {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if api.cancels != 0 {
		t.Fatalf("filled order must not be canceled")
	}
}

func TestWaitForFillTimeoutCancelsAndRereadsCumulativeFill(t *testing.T) {
	api := &mockGateway{
		states: []exchange.Order{
			{State: exchange.OrderPartiallyFilled, FillSz: decimal.RequireFromString("1"), AccFillSz: decimal.RequireFromString("1")},
			{State: exchange.OrderPartiallyFilled, FillSz: decimal.RequireFromString("1"), AccFillSz: decimal.RequireFromString("2")},
			{State: exchange.OrderPartiallyFilled, FillSz: decimal.RequireFromString("0.5"), AccFillSz: decimal.RequireFromString("2.5")},
			{State: exchange.OrderCanceled, FillSz: decimal.RequireFromString("0.2"), AccFillSz: decimal.RequireFromString("2.7")},
		},
		cancelErr: &rest.ExchangeError{Code: "1", SubCode: subCodeCancelFilled},
	}
	executor := New(api, nil, fastOptions(), nil)
	res, err := executor.WaitForFill(context.Background(), "BTC-USDT", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != PollCanceled || api.cancels != 1 {
		t.Fatalf("expected cancel then canceled outcome, got %v cancels=%d", res.Outcome, api.cancels)
	}
	if !res.Order.AccFillSz.Equal(decimal.RequireFromString("2.7")) {
		t.Fatalf("expected cumulative fill 2.7, got %s", res.Order.AccFillSz)
	}
}

func TestWaitForFillStillLiveIsTimedOut(t *testing.T) {
	api := &mockGateway{states: []exchange.Order{{State: exchange.OrderLive}}}
	executor := New(api, nil, fastOptions(), nil)
	res, err := executor.WaitForFill(context.Background(), "BTC-USDT", "1")
	if err != nil || res.Outcome != PollTimedOut {
		t.Fatalf("expected timeout, got %v %v", res.Outcome, err)
	}
}

func TestLookupClientOrder(t *testing.T) {
	api := &mockGateway{byClient: exchange.Order{OrdID: "oid-9", AccFillSz: decimal.RequireFromString("1")}}
	executor := New(api, nil, fastOptions(), nil)
	order, found, err := executor.LookupClientOrder(context.Background(), "BTC-USDT", "c1")
	if err != nil || !found || order.OrdID != "oid-9" {
		t.Fatalf("expected landed order, got %+v %v %v", order, found, err)
	}

	api.byClientErr = &rest.ExchangeError{Code: codeOrderMissing, Msg: "Order does not exist"}
	if _, found, err := executor.LookupClientOrder(context.Background(), "BTC-USDT", "c1"); err != nil || found {
		t.Fatalf("missing order must be reported as not found, got %v %v", found, err)
	}

	api.byClientErr = &rest.ExchangeError{Code: "50004", Msg: "endpoint timeout"}
	if _, _, err := executor.LookupClientOrder(context.Background(), "BTC-USDT", "c1"); err == nil {
		t.Fatalf("expected lookup error to surface")
	}
}

func TestPruneForgetsOldClientOrderIDs(t *testing.T) {
	store := newMemoryStore()
	api := &mockGateway{orderID: "oid-new"}
	executor := New(api, store, fastOptions(), nil)
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	executor.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Set(ctx, "clordid:old", encodeOrderRef("oid-old", now.Add(-48*time.Hour)))
	_ = store.Set(ctx, "clordid:bare", "oid-bare")
	if _, err := executor.PlaceOrder(ctx, exchange.OrderRequest{InstID: "BTC-USDT", ClOrdID: "fresh"}); err != nil {
		t.Fatalf("place: %v", err)
	}

	pruned, err := executor.Prune(ctx, 24*time.Hour)
	if err != nil || pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d %v", pruned, err)
	}
	rows, _ := store.List(ctx, "clordid:")
	if _, ok := rows["clordid:fresh"]; !ok || len(rows) != 1 {
		t.Fatalf("expected only the fresh id kept, got %v", rows)
	}
}
