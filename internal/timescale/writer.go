package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/hedge"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// AuditRow is one auditor pass over a pair.
type AuditRow struct {
	Time           time.Time
	Strategy       string
	InstID         string
	SpotBalance    decimal.Decimal
	Contracts      decimal.Decimal
	ImpliedSpot    decimal.Decimal
	Delta          decimal.Decimal
	Classification string
	Action         string
	ActionSize     decimal.Decimal
}

// EventRow mirrors hedge.Event.
type EventRow struct {
	Time      time.Time
	Kind      string
	InstID    string
	SpotQty   decimal.Decimal
	Contracts decimal.Decimal
	Detail    string
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	audits     chan AuditRow
	events     chan EventRow
	started    atomic.Bool
	dropAudit  atomic.Uint64
	dropEvents atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		audits: make(chan AuditRow, queueSize),
		events: make(chan EventRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueAudit(row AuditRow) {
	if w == nil {
		return
	}
	select {
	case w.audits <- row:
	default:
		if w.dropAudit.Add(1) == 1 {
			w.log.Warn("timescale audit queue full")
		}
	}
}

// HedgeEvent queues ev for the hedge_events table.
func (w *Writer) HedgeEvent(ev hedge.Event) {
	if w == nil {
		return
	}
	row := EventRow{
		Time:      ev.Time,
		Kind:      string(ev.Kind),
		InstID:    ev.InstID,
		SpotQty:   ev.SpotQty,
		Contracts: ev.Contracts,
		Detail:    ev.Detail,
	}
	if row.Time.IsZero() {
		row.Time = time.Now().UTC()
	}
	select {
	case w.events <- row:
	default:
		if w.dropEvents.Add(1) == 1 {
			w.log.Warn("timescale event queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.audits:
			w.writeAudit(ctx, row)
		case row := <-w.events:
			w.writeEvent(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		inst_id TEXT NOT NULL,
		spot_balance NUMERIC NOT NULL,
		contracts NUMERIC NOT NULL,
		implied_spot NUMERIC NOT NULL,
		delta NUMERIC NOT NULL,
		classification TEXT NOT NULL,
		action TEXT NOT NULL,
		action_size NUMERIC NOT NULL
	)`, w.table("hedge_audits"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		inst_id TEXT NOT NULL,
		spot_qty NUMERIC NOT NULL,
		contracts NUMERIC NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	)`, w.table("hedge_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"hedge_audits", "hedge_events"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeAudit(ctx context.Context, row AuditRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, inst_id, spot_balance, contracts, implied_spot, delta, classification, action, action_size
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, w.table("hedge_audits"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Strategy,
		row.InstID,
		row.SpotBalance.String(),
		row.Contracts.String(),
		row.ImpliedSpot.String(),
		row.Delta.String(),
		row.Classification,
		row.Action,
		row.ActionSize.String(),
	); err != nil {
		w.log.Warn("timescale audit insert failed", zap.Error(err))
	}
}

func (w *Writer) writeEvent(ctx context.Context, row EventRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, inst_id, spot_qty, contracts, detail
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("hedge_events"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Kind,
		row.InstID,
		row.SpotQty.String(),
		row.Contracts.String(),
		row.Detail,
	); err != nil {
		w.log.Warn("timescale event insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
