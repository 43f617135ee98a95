package app

import (
	"context"

	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/hedge"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/okx/exchange"

	"go.uber.org/zap"
)

// fanout delivers each hedge event to every sink in order.
type fanout []hedge.EventSink

func (f fanout) HedgeEvent(ev hedge.Event) {
	for _, s := range f {
		s.HedgeEvent(ev)
	}
}

type logSink struct {
	log *zap.Logger
}

func (l logSink) HedgeEvent(ev hedge.Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("inst_id", ev.InstID),
		zap.String("spot_qty", ev.SpotQty.String()),
		zap.String("contracts", ev.Contracts.String()),
		zap.String("detail", ev.Detail),
	}
	switch ev.Kind {
	case hedge.EventUnhedged, hedge.EventEmergencyUnwind:
		l.log.Error("hedge event", fields...)
	case hedge.EventRolledBack:
		l.log.Warn("hedge event", fields...)
	default:
		l.log.Info("hedge event", fields...)
	}
}

type metricsSink struct {
	m *metrics.Metrics
}

func (s metricsSink) HedgeEvent(ev hedge.Event) {
	switch ev.Kind {
	case hedge.EventEmergencyUnwind:
		s.m.EmergencyUnwinds.Inc()
	case hedge.EventUnhedged:
		s.m.UnhedgedEvents.Inc()
	case hedge.EventAuditCorrection:
		s.m.AuditCorrections.Inc()
	}
}

type orderPlacer interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	WaitForFill(ctx context.Context, instID, orderID string) (exec.PollResult, error)
	ClosePosition(ctx context.Context, instID, mgnMode string) error
	LookupClientOrder(ctx context.Context, instID, clOrdID string) (exchange.Order, bool, error)
}

// meteredOrders counts placements on their way to the executor.
type meteredOrders struct {
	next    orderPlacer
	metrics *metrics.Metrics
}

func (m meteredOrders) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	id, err := m.next.PlaceOrder(ctx, req)
	if err != nil {
		m.metrics.OrdersFailed.Inc()
		return "", err
	}
	m.metrics.OrdersPlaced.Inc()
	return id, nil
}

func (m meteredOrders) WaitForFill(ctx context.Context, instID, orderID string) (exec.PollResult, error) {
	return m.next.WaitForFill(ctx, instID, orderID)
}

func (m meteredOrders) LookupClientOrder(ctx context.Context, instID, clOrdID string) (exchange.Order, bool, error) {
	return m.next.LookupClientOrder(ctx, instID, clOrdID)
}

func (m meteredOrders) ClosePosition(ctx context.Context, instID, mgnMode string) error {
	if err := m.next.ClosePosition(ctx, instID, mgnMode); err != nil {
		m.metrics.OrdersFailed.Inc()
		return err
	}
	m.metrics.OrdersPlaced.Inc()
	return nil
}
