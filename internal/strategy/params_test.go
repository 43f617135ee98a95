package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

func TestParamsWithDefaultsKeepsExplicitValues(t *testing.T) {
	p := Params{MaxPositions: 7}.WithDefaults()
	if p.MaxPositions != 7 {
		t.Fatalf("expected explicit max positions, got %d", p.MaxPositions)
	}
	if p.ScanInterval != 5*time.Minute {
		t.Fatalf("expected default scan interval, got %s", p.ScanInterval)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestParamsValidateRejectsExitAboveEntry(t *testing.T) {
	p := Defaults()
	p.ExitThreshold = p.MinFundingRate * 2
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParamsKeepUnknownKeysInExtra(t *testing.T) {
	raw := []byte("min_funding_rate: 0.0002\nmax_positions: 4\nfuture_knob: 12\n")
	var p Params
	if err := yaml.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.MaxPositions != 4 || p.MinFundingRate != 0.0002 {
		t.Fatalf("unexpected params: %+v", p)
	}
	if p.Extra["future_knob"] != 12 {
		t.Fatalf("expected extra key preserved, got %v", p.Extra)
	}
}

func TestConfigDue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Name: "main", Active: true, Params: Defaults()}
	if !cfg.Due(now) {
		t.Fatalf("expected never-run strategy to be due")
	}
	cfg.LastRun = now.Add(-time.Minute)
	if cfg.Due(now) {
		t.Fatalf("expected strategy not due within interval")
	}
	cfg.LastRun = now.Add(-6 * time.Minute)
	if !cfg.Due(now) {
		t.Fatalf("expected strategy due after interval")
	}
	cfg.Active = false
	if cfg.Due(now) {
		t.Fatalf("inactive strategy must never be due")
	}
}

func TestEntryBudgetAndCheckEntry(t *testing.T) {
	p := Defaults()
	limits := RiskLimits{MaxNotionalUSD: 150, MinAvailableUSD: 50}
	budget := EntryBudget(decimal.NewFromInt(1000), p, limits)
	if !budget.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected budget clamped to 150, got %s", budget)
	}
	if err := CheckEntry(limits, budget, decimal.NewFromInt(300)); err != nil {
		t.Fatalf("expected entry allowed, got %v", err)
	}
	if err := CheckEntry(limits, budget, decimal.NewFromInt(180)); err == nil {
		t.Fatalf("expected reserve violation")
	}
	if err := CheckEntry(limits, budget, decimal.NewFromInt(100)); err == nil {
		t.Fatalf("expected insufficient available")
	}
}

func TestRoundTripCostRate(t *testing.T) {
	costs := CostModel{FeeBps: 10, SlippageBps: 5}
	if got := costs.RoundTripCostRate(); got != 0.006 {
		t.Fatalf("expected 0.006, got %v", got)
	}
	if got := FundingPaymentEstimateUSD(decimal.NewFromInt(1000), decimal.RequireFromString("0.0001")); !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected 0.1, got %s", got)
	}
}
