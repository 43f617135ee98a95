package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/rest"
	"okx-carry-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subCodeDuplicateClOrdID = "51016"
	// Cancel rejections meaning the order already reached a final state.
	subCodeCancelFilled   = "51400"
	subCodeCancelCanceled = "51401"
	subCodeCancelComplete = "51402"
	codeOrderMissing      = "51603"

	maxAttempts = 5

	clOrdKeyPrefix = "clordid:"
)

type Gateway interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error)
	GetOrder(ctx context.Context, instID, ordID string) (exchange.Order, error)
	OrderByClientID(ctx context.Context, instID, clOrdID string) (exchange.Order, error)
	CancelOrder(ctx context.Context, instID, ordID string) error
	ClosePosition(ctx context.Context, instID, mgnMode string) error
}

type Options struct {
	PollAttempts int
	PollInterval time.Duration
	RetryBackoff time.Duration
}

type Executor struct {
	api   Gateway
	store state.Store
	log   *zap.Logger
	opts  Options
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]string
}

func New(api Gateway, store state.Store, opts Options, log *zap.Logger) *Executor {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		api:   api,
		store: store,
		log:   log,
		opts:  opts,
		now:   time.Now,
		cache: make(map[string]string),
	}
}

// NewClientOrderID returns an id within the exchange's 32 alphanumeric
// character limit.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PlaceOrder submits req once per client order id. A repeated call with the
// same id returns the exchange order id recorded the first time.
func (e *Executor) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if req.ClOrdID == "" {
		req.ClOrdID = NewClientOrderID()
	}
	cacheKey := clOrdKeyPrefix + req.ClOrdID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if raw, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			oid, _ := decodeOrderRef(raw)
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, encodeOrderRef(orderID, e.now())); err != nil {
			e.log.Warn("failed to persist order id", zap.String("cl_ord_id", req.ClOrdID), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (string, error) {
	var orderID string
	attempts := 0
	err := e.retry(ctx, func() error {
		attempts++
		res, err := e.api.PlaceOrder(ctx, req)
		if err != nil {
			// A retried submission may have landed the first time.
			if attempts > 1 && rest.HasSubCode(err, subCodeDuplicateClOrdID) {
				existing, lookupErr := e.api.OrderByClientID(ctx, req.InstID, req.ClOrdID)
				if lookupErr != nil {
					return lookupErr
				}
				orderID = existing.OrdID
				return nil
			}
			return err
		}
		orderID = res.OrdID
		return nil
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

// LookupClientOrder reads the order placed under clOrdID. found is false
// when the exchange has no such order, meaning the placement never landed.
func (e *Executor) LookupClientOrder(ctx context.Context, instID, clOrdID string) (exchange.Order, bool, error) {
	var order exchange.Order
	found := false
	err := e.retry(ctx, func() error {
		var err error
		order, err = e.api.OrderByClientID(ctx, instID, clOrdID)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, exchange.ErrNotFound) || orderMissing(err):
			return nil
		}
		return err
	})
	if err != nil || !found {
		return exchange.Order{}, false, err
	}
	return order, true, nil
}

func orderMissing(err error) bool {
	var exErr *rest.ExchangeError
	if !errors.As(err, &exErr) {
		return false
	}
	return exErr.Code == codeOrderMissing || exErr.SubCode == codeOrderMissing
}

// Prune deletes client order ids recorded more than maxAge ago. A resubmit
// that old is no longer a retry of the same intent.
func (e *Executor) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	rows, err := e.store.List(ctx, clOrdKeyPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-maxAge)
	pruned := 0
	for key, raw := range rows {
		if _, at := decodeOrderRef(raw); !at.IsZero() && at.After(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, key); err != nil {
			return pruned, err
		}
		e.mu.Lock()
		delete(e.cache, key)
		e.mu.Unlock()
		pruned++
	}
	return pruned, nil
}

func encodeOrderRef(orderID string, at time.Time) string {
	return orderID + "@" + strconv.FormatInt(at.UnixMilli(), 10)
}

func decodeOrderRef(raw string) (string, time.Time) {
	orderID, ms, ok := strings.Cut(raw, "@")
	if !ok {
		return raw, time.Time{}
	}
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return orderID, time.Time{}
	}
	return orderID, time.UnixMilli(v)
}

// CancelOrder treats "already filled or canceled" rejections as success.
func (e *Executor) CancelOrder(ctx context.Context, instID, orderID string) error {
	err := e.retry(ctx, func() error {
		return e.api.CancelOrder(ctx, instID, orderID)
	})
	if rest.HasSubCode(err, subCodeCancelFilled, subCodeCancelCanceled, subCodeCancelComplete) {
		return nil
	}
	return err
}

func (e *Executor) ClosePosition(ctx context.Context, instID, mgnMode string) error {
	return e.retry(ctx, func() error {
		return e.api.ClosePosition(ctx, instID, mgnMode)
	})
}

func (e *Executor) GetOrder(ctx context.Context, instID, orderID string) (exchange.Order, error) {
	var order exchange.Order
	err := e.retry(ctx, func() error {
		var err error
		order, err = e.api.GetOrder(ctx, instID, orderID)
		return err
	})
	return order, err
}

// retry re-runs fn on transient failures only. Exchange rejections are
// returned immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.opts.RetryBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !rest.IsTransient(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
