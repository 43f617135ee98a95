package market

import (
	"context"
	"sort"
	"strings"

	"okx-carry-bot/internal/okx/exchange"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ScannerConfig struct {
	QuoteCcy    string
	PrefixLimit int
	TargetCount int
	Concurrency int
}

type ScanParams struct {
	MinTurnover    decimal.Decimal
	MinFundingRate decimal.Decimal
	TopN           int
}

type Scanner struct {
	api Gateway
	cfg ScannerConfig
	log *zap.Logger
}

func NewScanner(api Gateway, cfg ScannerConfig, log *zap.Logger) *Scanner {
	if cfg.QuoteCcy == "" {
		cfg.QuoteCcy = "USDT"
	}
	if cfg.PrefixLimit <= 0 {
		cfg.PrefixLimit = 30
	}
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{api: api, cfg: cfg, log: log}
}

// Scan returns eligible swaps ranked by funding rate, highest first.
func (s *Scanner) Scan(ctx context.Context, p ScanParams) ([]Candidate, error) {
	tickers, err := s.api.Tickers(ctx, exchange.InstSwap)
	if err != nil {
		return nil, err
	}
	liquid := s.liquid(tickers, p.MinTurnover)
	if len(liquid) > s.cfg.PrefixLimit {
		liquid = liquid[:s.cfg.PrefixLimit]
	}

	var out []Candidate
	for start := 0; start < len(liquid) && len(out) < s.cfg.TargetCount; start += s.cfg.Concurrency {
		end := start + s.cfg.Concurrency
		if end > len(liquid) {
			end = len(liquid)
		}
		batch := liquid[start:end]
		if err := s.fillRates(ctx, batch); err != nil {
			return nil, err
		}
		for _, c := range batch {
			if len(out) >= s.cfg.TargetCount {
				break
			}
			if Eligible(c.FundingRate, p.MinFundingRate) {
				out = append(out, c)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FundingRate.GreaterThan(out[j].FundingRate)
	})
	if p.TopN > 0 && len(out) > p.TopN {
		out = out[:p.TopN]
	}
	return out, nil
}

func (s *Scanner) liquid(tickers []exchange.Ticker, minTurnover decimal.Decimal) []Candidate {
	suffix := "-" + s.cfg.QuoteCcy + "-" + swapSuffix
	out := make([]Candidate, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.InstID, suffix) {
			continue
		}
		base, quote, err := SplitSwapID(t.InstID)
		if err != nil {
			continue
		}
		turnover := DeriveTurnover(t.Vol24h, t.Last)
		if !turnover.GreaterThan(minTurnover) {
			continue
		}
		out = append(out, Candidate{
			InstID:      t.InstID,
			SpotInstID:  base + "-" + quote,
			Base:        base,
			Quote:       quote,
			Last:        t.Last,
			Volume24h:   t.Vol24h,
			Turnover24h: turnover,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Turnover24h.GreaterThan(out[j].Turnover24h)
	})
	return out
}

// fillRates looks up funding for one batch concurrently. A failed lookup
// leaves the candidate without a rate so it is skipped.
func (s *Scanner) fillRates(ctx context.Context, batch []Candidate) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		i := i
		g.Go(func() error {
			fr, err := s.api.FundingRate(gctx, batch[i].InstID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("funding rate lookup failed", zap.String("inst_id", batch[i].InstID), zap.Error(err))
				return nil
			}
			batch[i].FundingRate = fr.Rate
			batch[i].NextFundingTime = fr.NextFundingTime
			return nil
		})
	}
	return g.Wait()
}
