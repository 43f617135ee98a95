package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"okx-carry-bot/internal/app"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/logging"
	"okx-carry-bot/internal/market"
	"okx-carry-bot/internal/state"
	"okx-carry-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to env file with exchange credentials")
	scan := flag.Bool("scan", false, "print the current funding candidates and exit")
	auditInst := flag.String("audit", "", "swap instrument to audit and correct, e.g. BTC-USDT-SWAP")
	exitInst := flag.String("exit", "", "swap instrument whose hedge should be closed")
	dryRun := flag.Bool("dry-run", false, "print the live legs instead of trading")
	resume := flag.Bool("resume", false, "clear the entry kill switch and exit")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store state.Store
	if *dryRun {
		store = state.NewMemory()
	} else {
		sq, err := app.OpenStore(cfg.State.SQLitePath)
		if err != nil {
			fatal(err)
		}
		store = sq
	}
	defer store.Close()

	if *resume {
		paused, reason, err := state.Paused(ctx, store)
		if err != nil {
			fatal(err)
		}
		if !paused {
			fmt.Println("entries already active")
			return
		}
		if err := state.ClearPaused(ctx, store); err != nil {
			fatal(err)
		}
		fmt.Printf("entries resumed (was: %s)\n", reason)
		return
	}

	parts, err := app.Build(cfg, store, nil, nil, log)
	if err != nil {
		fatal(err)
	}

	switch {
	case *scan:
		runScan(ctx, cfg, parts)
	case *auditInst != "":
		runAudit(ctx, parts, strings.ToUpper(strings.TrimSpace(*auditInst)), *dryRun, log)
	case *exitInst != "":
		runExit(ctx, store, parts, strings.ToUpper(strings.TrimSpace(*exitInst)), *dryRun, log)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runScan(ctx context.Context, cfg *config.Config, parts *app.Components) {
	params := strategy.Defaults()
	if len(cfg.Strategies) > 0 {
		params = cfg.Strategies[0].Params
	}
	candidates, err := parts.Scanner.Scan(ctx, market.ScanParams{
		MinTurnover:    decimal.NewFromFloat(params.MinVolume24h),
		MinFundingRate: decimal.NewFromFloat(params.MinFundingRate),
		TopN:           cfg.Scanner.TargetCount,
	})
	if err != nil {
		fatal(err)
	}
	rows := make([]map[string]string, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, map[string]string{
			"inst_id":      c.InstID,
			"spot_inst_id": c.SpotInstID,
			"funding_rate": c.FundingRate.String(),
			"turnover_24h": c.Turnover24h.StringFixed(0),
		})
	}
	printJSON(rows)
}

func runAudit(ctx context.Context, parts *app.Components, instID string, dryRun bool, log *zap.Logger) {
	if dryRun {
		printLegs(ctx, parts, instID)
		return
	}
	res, err := parts.Engine.Audit(ctx, instID)
	if err != nil {
		log.Error("audit failed", zap.String("inst_id", instID), zap.Error(err))
		os.Exit(1)
	}
	printJSON(map[string]string{
		"inst_id":        res.InstID,
		"spot_balance":   res.SpotBalance.String(),
		"contracts":      res.Contracts.String(),
		"implied_spot":   res.ImpliedSpot.String(),
		"delta":          res.Delta.String(),
		"classification": string(res.Classification),
		"action":         string(res.Action),
		"action_size":    res.ActionSize.String(),
		"order_id":       res.OrderID,
		"message":        res.Message,
	})
}

func runExit(ctx context.Context, store state.Store, parts *app.Components, instID string, dryRun bool, log *zap.Logger) {
	if dryRun {
		printLegs(ctx, parts, instID)
		return
	}
	pos, ok, err := parts.Account.SwapPosition(ctx, instID)
	if err != nil {
		fatal(err)
	}
	if !ok || pos.Pos.IsZero() {
		fatal(fmt.Errorf("no open position on %s", instID))
	}
	res, err := parts.Engine.Exit(ctx, instID, pos.Pos.Abs())
	if err != nil {
		log.Error("exit failed", zap.String("inst_id", instID), zap.Error(err))
		os.Exit(1)
	}
	records, err := state.LoadHedges(ctx, store, "")
	if err == nil {
		for _, rec := range records {
			if rec.InstID == instID {
				_ = state.DeleteHedge(ctx, store, rec.Strategy, rec.InstID)
			}
		}
	}
	printJSON(map[string]string{
		"inst_id":       res.InstID,
		"contracts":     res.Contracts.String(),
		"spot_sold":     res.SpotSold.String(),
		"spot_order_id": res.SpotOrderID,
		"message":       res.Message,
	})
}

func printLegs(ctx context.Context, parts *app.Components, instID string) {
	spotID, err := market.SpotIDFromSwap(instID)
	if err != nil {
		fatal(err)
	}
	base, _, _ := strings.Cut(spotID, "-")
	bal, err := parts.Account.SpotBalance(ctx, base)
	if err != nil {
		fatal(err)
	}
	pos, ok, err := parts.Account.SwapPosition(ctx, instID)
	if err != nil {
		fatal(err)
	}
	contracts := decimal.Zero
	if ok {
		contracts = pos.Pos
	}
	printJSON(map[string]string{
		"inst_id":      instID,
		"spot_inst_id": spotID,
		"spot_balance": bal.CashBal.String(),
		"contracts":    contracts.String(),
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
