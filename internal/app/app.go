package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"okx-carry-bot/internal/account"
	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/exec"
	"okx-carry-bot/internal/hedge"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/okx/rest"
	"okx-carry-bot/internal/okx/ws"
	"okx-carry-bot/internal/oracle"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/state/sqlite"
	"okx-carry-bot/internal/strategy"
	"okx-carry-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	netPosMode = "net_mode"
	// Client order ids older than this are no longer retries.
	clientOrderTTL = 24 * time.Hour
)

// Components is the exchange-facing object graph shared by the scheduler
// process and the operator CLI.
type Components struct {
	Exchange *exchange.Client
	Market   *market.MarketData
	Scanner  *market.Scanner
	Account  *account.Account
	Executor *exec.Executor
	Engine   *hedge.Engine
	Oracle   *oracle.Client
}

// Build wires the gateway client through to the hedge engine. events may be
// nil.
func Build(cfg *config.Config, store state.Store, m *metrics.Metrics, events hedge.EventSink, log *zap.Logger) (*Components, error) {
	var signer *rest.Signer
	if cfg.REST.Mode == config.ModeDirect {
		var err error
		signer, err = rest.NewSigner(rest.Credentials{
			APIKey:     cfg.REST.APIKey,
			Secret:     cfg.REST.APISecret,
			Passphrase: cfg.REST.Passphrase,
		})
		if err != nil {
			return nil, fmt.Errorf("direct mode: %w", err)
		}
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	restClient := rest.New(rest.Options{
		BaseURL:   cfg.REST.BaseURL,
		Timeout:   cfg.REST.Timeout,
		Signer:    signer,
		Simulated: cfg.REST.Simulated,
	}, log)
	exClient := exchange.New(restClient)

	var wsClient *ws.Client
	if cfg.WS.Enabled {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}
	marketData := market.New(exClient, wsClient, cfg.WS.MaxPriceAge, log)
	scanner := market.NewScanner(exClient, market.ScannerConfig{
		QuoteCcy:    cfg.Scanner.QuoteCcy,
		PrefixLimit: cfg.Scanner.PrefixLimit,
		TargetCount: cfg.Scanner.TargetCount,
		Concurrency: cfg.Scanner.Concurrency,
	}, log)
	accountClient := account.New(exClient, log)
	executor := exec.New(exClient, store, exec.Options{
		PollAttempts: cfg.Hedge.FillPollAttempts,
		PollInterval: cfg.Hedge.FillPollInterval,
	}, log)
	engine := hedge.NewEngine(hedgeConfig(cfg.Hedge), marketData, accountClient,
		meteredOrders{next: executor, metrics: m}, exClient, events, log)

	var oracleClient *oracle.Client
	if cfg.Oracle.Enabled {
		oracleClient = oracle.New(oracle.Options{
			BaseURL: cfg.Oracle.BaseURL,
			APIKey:  cfg.Oracle.APIKey,
			Timeout: cfg.Oracle.Timeout,
		}, log)
	}
	return &Components{
		Exchange: exClient,
		Market:   marketData,
		Scanner:  scanner,
		Account:  accountClient,
		Executor: executor,
		Engine:   engine,
		Oracle:   oracleClient,
	}, nil
}

func hedgeConfig(h config.HedgeConfig) hedge.Config {
	return hedge.Config{
		SideBudgetFraction: decimal.NewFromFloat(h.SideBudgetFraction),
		FeeRate:            decimal.NewFromFloat(h.FeeRate),
		MaxDeviation:       decimal.NewFromFloat(h.MaxDeviation),
		ExtremeDeviation:   decimal.NewFromFloat(h.ExtremeDeviation),
		NoiseContracts:     decimal.NewFromFloat(h.NoiseContracts),
		Leverage:           h.Leverage,
		MarginMode:         h.MarginMode,
		SweepDustOnExit:    h.SweepDustOnExitValue(),
	}
}

// OpenStore opens the sqlite store, creating its directory.
func OpenStore(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.New(path)
}

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	parts     *Components
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	scheduler *Scheduler
	poller    *account.Poller

	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	store, err := OpenStore(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	sinks := fanout{logSink{log: log}, metricsSink{m: m}, telegram}
	if writer != nil {
		sinks = append(sinks, writer)
	}
	parts, err := Build(cfg, store, m, sinks, log)
	if err != nil {
		_ = store.Close()
		_ = writer.Close()
		return nil, err
	}

	deps := schedulerDeps{
		store:   store,
		scanner: parts.Scanner,
		hedger:  parts.Engine,
		account: parts.Account,
		market:  parts.Market,
		metrics: m,
	}
	if parts.Oracle != nil {
		deps.advisor = parts.Oracle
	}
	if cfg.Telegram.Enabled {
		deps.alerts = telegram
	}
	if writer != nil {
		deps.audits = writer
	}
	scheduler := newScheduler(SchedulerConfig{
		TickInterval: cfg.Scheduler.TickInterval,
		QuoteCcy:     cfg.Scanner.QuoteCcy,
		Costs:        strategy.CostModel{FeeBps: cfg.Scheduler.FeeBps, SlippageBps: cfg.Scheduler.SlippageBps},
		Limits:       strategy.RiskLimits{MaxNotionalUSD: cfg.Risk.MaxNotionalUSD, MinAvailableUSD: cfg.Risk.MinAvailableUSD},
	}, cfg.Strategies, deps, log)

	poller := account.NewPoller(parts.Account, cfg.Scheduler.BalanceRefreshInterval, log,
		account.ObserverFunc(func(s account.State) {
			m.EquityUSD.Set(s.Equity().InexactFloat64())
		}),
	)
	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		parts:     parts,
		metrics:   m,
		prom:      prom,
		alerts:    telegram,
		timescale: writer,
		scheduler: scheduler,
		poller:    poller,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.timescale.Close()

	acct, err := a.parts.Exchange.AccountConfig(ctx)
	if err != nil {
		return fmt.Errorf("account config: %w", err)
	}
	if acct.PosMode != netPosMode {
		a.log.Warn("account is not in net position mode, short sizing assumes it is", zap.String("pos_mode", acct.PosMode))
	}
	live, err := a.parts.Account.Reconcile(ctx)
	if err != nil {
		return err
	}
	a.log.Info("reconciled state",
		zap.String("equity_usd", live.Equity().StringFixed(2)),
		zap.Int("swap_positions", len(live.Positions)),
	)
	if paused, reason, err := state.Paused(ctx, a.store); err == nil && paused {
		a.log.Warn("entries paused from a previous run", zap.String("reason", reason))
	}
	if pruned, err := a.parts.Executor.Prune(ctx, clientOrderTTL); err != nil {
		a.log.Warn("prune client order ids failed", zap.Error(err))
	} else if pruned > 0 {
		a.log.Info("pruned client order ids", zap.Int("count", pruned))
	}
	a.timescale.Start(ctx)
	if err := a.parts.Market.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Restore(ctx); err != nil {
		return fmt.Errorf("restore strategies: %w", err)
	}
	srv := a.startMetricsServer()
	a.startOperator(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	err = g.Wait()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

func (a *App) startMetricsServer() *http.Server {
	if a.prom == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("serving metrics", zap.String("addr", srv.Addr), zap.String("path", a.cfg.Metrics.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
