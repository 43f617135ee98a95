package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"okx-carry-bot/internal/account"
	"okx-carry-bot/internal/hedge"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/metrics"
	"okx-carry-bot/internal/okx/exchange"
	"okx-carry-bot/internal/oracle"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/strategy"
	"okx-carry-bot/internal/timescale"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type scanner interface {
	Scan(ctx context.Context, p market.ScanParams) ([]market.Candidate, error)
}

type hedger interface {
	Enter(ctx context.Context, swapInstID string, budget decimal.Decimal) (hedge.EntryResult, error)
	Exit(ctx context.Context, swapInstID string, contracts decimal.Decimal) (hedge.ExitResult, error)
	Audit(ctx context.Context, swapInstID string) (hedge.AuditResult, error)
}

type advisor interface {
	Consult(ctx context.Context, candidates []market.Candidate, label string) (oracle.Recommendation, error)
}

type accountReader interface {
	Reconcile(ctx context.Context) (*account.State, error)
}

type marketSource interface {
	FundingRate(ctx context.Context, instID string) (exchange.FundingRate, error)
	Remember(candidates []market.Candidate)
	Track(ctx context.Context, instIDs ...string) error
}

type notifier interface {
	Send(ctx context.Context, message string) error
}

type auditRecorder interface {
	EnqueueAudit(row timescale.AuditRow)
}

type SchedulerConfig struct {
	TickInterval time.Duration
	QuoteCcy     string
	Costs        strategy.CostModel
	Limits       strategy.RiskLimits
}

// Scheduler runs strategy cycles one at a time. Every order-placing call
// goes through RunCycle so two cycles never touch the account concurrently.
type Scheduler struct {
	cfg     SchedulerConfig
	store   state.Store
	scanner scanner
	hedger  hedger
	advisor advisor
	account accountReader
	market  marketSource
	tracker *strategy.Tracker
	metrics *metrics.Metrics
	alerts  notifier
	audits  auditRecorder
	log     *zap.Logger
	now     func() time.Time

	cycleMu    sync.Mutex
	mu         sync.Mutex
	strategies []strategy.Config
}

type schedulerDeps struct {
	store   state.Store
	scanner scanner
	hedger  hedger
	advisor advisor
	account accountReader
	market  marketSource
	metrics *metrics.Metrics
	alerts  notifier
	audits  auditRecorder
}

func newScheduler(cfg SchedulerConfig, seed []strategy.Config, deps schedulerDeps, log *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.QuoteCcy == "" {
		cfg.QuoteCcy = "USDT"
	}
	if deps.metrics == nil {
		deps.metrics = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	strategies := make([]strategy.Config, len(seed))
	copy(strategies, seed)
	return &Scheduler{
		cfg:        cfg,
		store:      deps.store,
		scanner:    deps.scanner,
		hedger:     deps.hedger,
		advisor:    deps.advisor,
		account:    deps.account,
		market:     deps.market,
		tracker:    strategy.NewTracker(),
		metrics:    deps.metrics,
		alerts:     deps.alerts,
		audits:     deps.audits,
		log:        log,
		now:        time.Now,
		strategies: strategies,
	}
}

// Restore merges persisted LastRun stamps into the configured strategies and
// seeds the per-instrument state machines from recorded hedges.
func (s *Scheduler) Restore(ctx context.Context) error {
	persisted, err := state.LoadStrategies(ctx, s.store)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.strategies = state.MergeStrategies(s.strategies, persisted)
	s.mu.Unlock()
	records, err := state.LoadHedges(ctx, s.store, "")
	if err != nil {
		return err
	}
	tracked := make([]string, 0, 2*len(records))
	for _, rec := range records {
		s.tracker.For(rec.InstID).SetState(strategy.StateHedgeOK)
		tracked = append(tracked, rec.InstID, rec.SpotInstID)
	}
	if len(tracked) > 0 && s.market != nil {
		if err := s.market.Track(ctx, tracked...); err != nil {
			s.log.Warn("ticker subscribe failed", zap.Error(err))
		}
	}
	s.metrics.OpenHedges.Set(float64(len(records)))
	return nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, cfg := range s.Strategies() {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		if !cfg.Due(now) {
			continue
		}
		if err := s.runSafely(ctx, cfg); err != nil {
			s.metrics.CycleFailures.Inc()
			s.log.Warn("strategy cycle failed", zap.String("strategy", cfg.Name), zap.Error(err))
		}
		s.stamp(ctx, cfg.Name, now)
	}
}

func (s *Scheduler) Strategies() []strategy.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]strategy.Config, len(s.strategies))
	copy(out, s.strategies)
	return out
}

func (s *Scheduler) stamp(ctx context.Context, name string, at time.Time) {
	s.mu.Lock()
	var cfg strategy.Config
	for i := range s.strategies {
		if s.strategies[i].Name == name {
			s.strategies[i].LastRun = at
			cfg = s.strategies[i]
		}
	}
	s.mu.Unlock()
	if cfg.Name == "" {
		return
	}
	if err := state.SaveStrategy(ctx, s.store, cfg); err != nil {
		s.log.Warn("persist strategy failed", zap.String("strategy", name), zap.Error(err))
	}
}

func (s *Scheduler) runSafely(ctx context.Context, cfg strategy.Config) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			s.log.Error("strategy cycle panicked",
				zap.String("strategy", cfg.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	_, err = s.RunCycle(ctx, cfg)
	return err
}

// CycleReport summarises one strategy cycle.
type CycleReport struct {
	Candidates []market.Candidate
	Decision   *oracle.Decision
	Plan       strategy.Plan
	Entered    []string
	Exited     []string
	Audited    []hedge.AuditResult
	Failures   int
	Paused     bool
}

// RunCycle executes scan, oracle, exits, audits and entries for cfg.
// Hedge operations run detached from ctx cancellation: once a leg is sent
// the engine finishes its rollback logic.
func (s *Scheduler) RunCycle(ctx context.Context, cfg strategy.Config) (CycleReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var report CycleReport
	log := s.log.With(zap.String("strategy", cfg.Name))
	p := cfg.Params

	candidates, err := s.scanner.Scan(ctx, market.ScanParams{
		MinTurnover:    decimal.NewFromFloat(p.MinVolume24h),
		MinFundingRate: decimal.NewFromFloat(p.MinFundingRate),
	})
	if err != nil {
		return report, fmt.Errorf("scan: %w", err)
	}
	report.Candidates = candidates
	if s.market != nil {
		s.market.Remember(candidates)
	}
	queue := candidates

	entriesAllowed := true
	if p.UseOracle && s.advisor != nil {
		rec, err := s.advisor.Consult(ctx, candidates, cfg.Name)
		if err != nil {
			entriesAllowed = false
			log.Warn("oracle consult failed, skipping entries", zap.Error(err))
		} else {
			decision := oracle.Guard(rec, market.RateMap(candidates))
			report.Decision = &decision
			if len(decision.Rejected) > 0 {
				s.metrics.OracleRejections.Inc()
				log.Warn("oracle recommendation rejected",
					zap.Strings("rejected", decision.Rejected),
					zap.String("reason", decision.Reason),
				)
			}
			if decision.AllowsEntries() {
				queue = oracle.Narrow(queue, decision)
			} else {
				entriesAllowed = false
				log.Info("oracle withholds entries", zap.String("action", string(decision.Action)), zap.String("reason", decision.Reason))
			}
		}
	}

	live, err := s.account.Reconcile(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	holdings, others, err := s.holdings(ctx, cfg.Name, live, candidates)
	if err != nil {
		return report, err
	}
	queue = withoutHeld(queue, others)

	plan := strategy.BuildPlan(holdings, queue, p, s.cfg.Costs)
	if !entriesAllowed {
		plan.Entries = nil
	}
	report.Plan = plan

	opCtx := context.WithoutCancel(ctx)
	exiting := make(map[string]struct{}, len(plan.Exits))
	failedExits := 0
	for _, ex := range plan.Exits {
		exiting[ex.InstID] = struct{}{}
		if s.exit(opCtx, cfg.Name, ex, log) {
			report.Exited = append(report.Exited, ex.InstID)
		} else {
			report.Failures++
			failedExits++
		}
	}
	// A hedge that failed to exit still holds its slot.
	if failedExits > 0 && len(plan.Entries) > 0 {
		keep := max(len(plan.Entries)-failedExits, 0)
		log.Warn("exits failed, holding back entries",
			zap.Int("failed_exits", failedExits),
			zap.Int("dropped", len(plan.Entries)-keep),
		)
		plan.Entries = plan.Entries[:keep]
	}
	for _, h := range holdings {
		if _, ok := exiting[h.InstID]; ok {
			continue
		}
		res, ok := s.audit(opCtx, cfg.Name, h.InstID, log)
		if !ok {
			report.Failures++
		}
		report.Audited = append(report.Audited, res)
	}

	paused, reason, err := state.Paused(ctx, s.store)
	if err != nil {
		log.Warn("read pause flag failed, skipping entries", zap.Error(err))
		paused = true
	}
	if paused && len(plan.Entries) > 0 {
		report.Paused = true
		log.Warn("entries paused", zap.String("reason", reason), zap.Int("skipped", len(plan.Entries)))
		plan.Entries = nil
	}
	for _, c := range plan.Entries {
		if _, ok := exiting[c.InstID]; ok {
			continue
		}
		outcome := s.enter(opCtx, cfg, c, log)
		switch outcome {
		case entryDone:
			report.Entered = append(report.Entered, c.InstID)
		case entryFailed, entryFailedStop:
			report.Failures++
		}
		if outcome == entrySkipped || outcome == entryFailedStop {
			break
		}
	}

	s.snapshot(ctx, cfg.Name, report)
	s.refreshOpenHedges(ctx)
	if report.Failures > 0 {
		return report, fmt.Errorf("%d hedge operations failed", report.Failures)
	}
	return report, nil
}

// holdings returns this strategy's recorded hedges reconciled against live
// positions, plus the instruments held by any other strategy or left with
// spot but no short.
func (s *Scheduler) holdings(ctx context.Context, name string, live *account.State, candidates []market.Candidate) ([]strategy.Holding, map[string]struct{}, error) {
	records, err := state.LoadHedges(ctx, s.store, "")
	if err != nil {
		return nil, nil, fmt.Errorf("load hedges: %w", err)
	}
	rates := market.RateMap(candidates)
	others := make(map[string]struct{})
	var out []strategy.Holding
	for _, rec := range records {
		if rec.Strategy != name {
			others[rec.InstID] = struct{}{}
			continue
		}
		pos, ok := live.Positions[rec.InstID]
		if !ok {
			if left := orphanedSpot(rec, live); left.Sign() > 0 {
				others[rec.InstID] = struct{}{}
				base, _, _ := market.SplitSwapID(rec.InstID)
				s.log.Error("recorded hedge lost its short while spot is still held",
					zap.String("strategy", name),
					zap.String("inst_id", rec.InstID),
					zap.String("spot_left", left.String()),
				)
				s.checkUnhedged(ctx, rec.InstID, &hedge.UnhedgedError{
					InstID: rec.SpotInstID,
					Ccy:    base,
					Size:   left,
					Stage:  "orphaned spot",
					Cause:  errors.New("swap position is gone"),
				})
				continue
			}
			s.log.Warn("recorded hedge has no live position, forgetting it",
				zap.String("strategy", name),
				zap.String("inst_id", rec.InstID),
			)
			if err := state.DeleteHedge(ctx, s.store, name, rec.InstID); err != nil {
				return nil, nil, err
			}
			s.tracker.For(rec.InstID).SetState(strategy.StateIdle)
			continue
		}
		h := strategy.Holding{InstID: rec.InstID, Contracts: pos.Pos.Abs(), OpenedAt: rec.OpenedAt}
		if rate, ok := rates[rec.InstID]; ok {
			h.FundingRate, h.HasRate = rate, true
		} else if s.market != nil {
			if fr, err := s.market.FundingRate(ctx, rec.InstID); err == nil {
				h.FundingRate, h.HasRate = fr.Rate, true
			} else {
				s.log.Warn("funding rate unavailable, holding kept", zap.String("inst_id", rec.InstID), zap.Error(err))
			}
		}
		out = append(out, h)
	}
	return out, others, nil
}

// orphanedSpot is the base balance still held for a hedge whose short is
// gone, or zero when less than half the recorded spot remains.
func orphanedSpot(rec state.HedgeRecord, live *account.State) decimal.Decimal {
	base, _, err := market.SplitSwapID(rec.InstID)
	if err != nil {
		return decimal.Zero
	}
	recorded, err := decimal.NewFromString(rec.SpotQty)
	if err != nil || recorded.Sign() <= 0 {
		return decimal.Zero
	}
	held := live.Balances[base].CashBal
	if held.LessThan(recorded.Div(decimal.NewFromInt(2))) {
		return decimal.Zero
	}
	return held
}

func withoutHeld(queue []market.Candidate, held map[string]struct{}) []market.Candidate {
	if len(held) == 0 {
		return queue
	}
	out := make([]market.Candidate, 0, len(queue))
	for _, c := range queue {
		if _, ok := held[c.InstID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scheduler) exit(ctx context.Context, name string, ex strategy.Exit, log *zap.Logger) bool {
	sm := s.tracker.For(ex.InstID)
	sm.Apply(strategy.EventExit)
	res, err := s.hedger.Exit(ctx, ex.InstID, ex.Contracts)
	if err != nil {
		s.metrics.ExitFailed.Inc()
		log.Error("exit failed",
			zap.String("inst_id", ex.InstID),
			zap.String("reason", string(ex.Reason)),
			zap.String("class", hedge.Classify(err).String()),
			zap.Error(err),
		)
		s.checkUnhedged(ctx, ex.InstID, err)
		if !errors.Is(err, hedge.ErrUnhedged) {
			sm.Apply(strategy.EventHedgeOK)
		}
		return false
	}
	if err := state.DeleteHedge(ctx, s.store, name, ex.InstID); err != nil {
		log.Warn("forget hedge failed", zap.String("inst_id", ex.InstID), zap.Error(err))
	}
	sm.Apply(strategy.EventDone)
	log.Info("hedge exited",
		zap.String("inst_id", ex.InstID),
		zap.String("reason", string(ex.Reason)),
		zap.String("spot_sold", res.SpotSold.String()),
	)
	return true
}

func (s *Scheduler) audit(ctx context.Context, name, instID string, log *zap.Logger) (hedge.AuditResult, bool) {
	res, err := s.hedger.Audit(ctx, instID)
	s.recordAudit(name, instID, res)
	if err != nil {
		if errors.Is(err, hedge.ErrNoPosition) {
			log.Warn("audited hedge is gone, forgetting it", zap.String("inst_id", instID))
			if delErr := state.DeleteHedge(ctx, s.store, name, instID); delErr != nil {
				log.Warn("forget hedge failed", zap.String("inst_id", instID), zap.Error(delErr))
			}
			s.tracker.For(instID).SetState(strategy.StateIdle)
			return res, true
		}
		log.Error("audit failed",
			zap.String("inst_id", instID),
			zap.String("class", hedge.Classify(err).String()),
			zap.Error(err),
		)
		s.checkUnhedged(ctx, instID, err)
		return res, false
	}
	if res.Action != hedge.ActionNone {
		log.Info("audit corrected hedge",
			zap.String("inst_id", instID),
			zap.String("classification", string(res.Classification)),
			zap.String("action", string(res.Action)),
			zap.String("size", res.ActionSize.String()),
		)
	}
	return res, true
}

type entryOutcome int

const (
	entryDone entryOutcome = iota
	entryFailed
	// entryFailedStop and entrySkipped end the entry loop for this cycle.
	entryFailedStop
	entrySkipped
)

func (s *Scheduler) enter(ctx context.Context, cfg strategy.Config, c market.Candidate, log *zap.Logger) entryOutcome {
	live, err := s.account.Reconcile(ctx)
	if err != nil {
		log.Warn("balance read failed, skipping entries", zap.Error(err))
		return entrySkipped
	}
	budget := strategy.EntryBudget(live.Equity(), cfg.Params, s.cfg.Limits)
	if err := strategy.CheckEntry(s.cfg.Limits, budget, live.Available(s.cfg.QuoteCcy)); err != nil {
		log.Info("entry skipped", zap.String("inst_id", c.InstID), zap.Error(err))
		return entrySkipped
	}
	sm := s.tracker.For(c.InstID)
	sm.Apply(strategy.EventEnter)
	res, err := s.hedger.Enter(ctx, c.InstID, budget)
	unverified := errors.Is(err, hedge.ErrHedgeUnverified)
	if err != nil && !unverified {
		s.metrics.EntryFailed.Inc()
		class := hedge.Classify(err)
		log.Error("entry failed",
			zap.String("inst_id", c.InstID),
			zap.String("class", class.String()),
			zap.Error(err),
		)
		if s.checkUnhedged(ctx, c.InstID, err) {
			return entryFailedStop
		}
		sm.SetState(strategy.StateIdle)
		if class == hedge.ClassInsufficientFunds {
			return entryFailedStop
		}
		return entryFailed
	}
	sm.Apply(strategy.EventHedgeOK)
	rec := state.HedgeRecord{
		Strategy:   cfg.Name,
		InstID:     c.InstID,
		SpotInstID: res.SpotInstID,
		Contracts:  res.Contracts.String(),
		SpotQty:    res.SpotFilled.String(),
		EntryRate:  c.FundingRate.String(),
		OpenedAt:   s.now().UTC(),
	}
	if err := state.SaveHedge(ctx, s.store, rec); err != nil {
		log.Error("record hedge failed", zap.String("inst_id", c.InstID), zap.Error(err))
	}
	if s.market != nil {
		if err := s.market.Track(ctx, res.InstID, res.SpotInstID); err != nil {
			log.Warn("ticker subscribe failed", zap.Error(err))
		}
	}
	if unverified {
		log.Warn("hedge entered unverified, next audit confirms it", zap.String("inst_id", c.InstID), zap.Error(err))
	}
	log.Info("hedge entered",
		zap.String("inst_id", c.InstID),
		zap.String("budget", budget.StringFixed(2)),
		zap.String("contracts", res.Contracts.String()),
		zap.String("spot_filled", res.SpotFilled.String()),
		zap.String("funding_rate", c.FundingRate.String()),
		zap.String("expected_funding_usd", strategy.FundingPaymentEstimateUSD(res.SpotFilled.Mul(c.Last), c.FundingRate).StringFixed(4)),
	)
	return entryDone
}

// checkUnhedged engages the entry kill switch when err left a naked leg.
func (s *Scheduler) checkUnhedged(ctx context.Context, instID string, err error) bool {
	if hedge.Classify(err) != hedge.ClassUnhedged {
		return false
	}
	reason := fmt.Sprintf("unhedged %s: %v", instID, err)
	if paused, prev, _ := state.Paused(ctx, s.store); paused && prev == reason {
		return true
	}
	if setErr := state.SetPaused(ctx, s.store, reason); setErr != nil {
		s.log.Error("kill switch persist failed", zap.Error(setErr))
	}
	s.metrics.KillSwitchEngaged.Inc()
	s.log.Error("entries paused, manual intervention required", zap.String("inst_id", instID), zap.Error(err))
	if s.alerts != nil {
		msg := fmt.Sprintf("[okx-carry-bot] KILL SWITCH: new entries paused\n%s\nsend /resume once the account is flat or hedged", reason)
		if sendErr := s.alerts.Send(ctx, msg); sendErr != nil {
			s.log.Warn("kill switch alert failed", zap.Error(sendErr))
		}
	}
	return true
}

func (s *Scheduler) snapshot(ctx context.Context, name string, report CycleReport) {
	snap := state.CycleSnapshot{
		Strategy: name,
		Decision: "NONE",
		Entered:  report.Entered,
		Exited:   report.Exited,
		Failures: report.Failures,
	}
	if report.Decision != nil {
		snap.Decision = string(report.Decision.Action)
		snap.Reason = report.Decision.Reason
	}
	if report.Paused {
		snap.Reason = "entries paused"
	}
	for _, c := range report.Candidates {
		snap.Candidates = append(snap.Candidates, c.InstID)
	}
	if err := state.SaveCycleSnapshot(ctx, s.store, snap); err != nil {
		s.log.Warn("persist cycle snapshot failed", zap.String("strategy", name), zap.Error(err))
	}
}

func (s *Scheduler) refreshOpenHedges(ctx context.Context) {
	records, err := state.LoadHedges(ctx, s.store, "")
	if err != nil {
		return
	}
	s.metrics.OpenHedges.Set(float64(len(records)))
}
