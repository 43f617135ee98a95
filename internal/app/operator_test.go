package app

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/state"

	"go.uber.org/zap"
)

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}
	if cmd, _, _ := parseOperatorCommand("/Resume@carry_bot"); cmd != "resume" {
		t.Fatalf("expected bot suffix stripped, got %s", cmd)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("plain text is not a command")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	store := state.NewMemory()
	a := &App{store: store, log: zap.NewNop()}
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 9, UserID: 7, Username: "ops", ChatID: 123, Raw: "/pause"}

	resp, err := a.handleOperatorCommand(ctx, "pause", meta)
	if err != nil || resp != "entries paused" {
		t.Fatalf("unexpected pause response %q %v", resp, err)
	}
	if paused, reason, _ := state.Paused(ctx, store); !paused || reason != operatorPause {
		t.Fatalf("expected operator pause, got %v %q", paused, reason)
	}
	resp, _ = a.handleOperatorCommand(ctx, "pause", meta)
	if resp != "entries already paused" {
		t.Fatalf("unexpected second pause response %q", resp)
	}

	meta.Raw = "/resume"
	resp, err = a.handleOperatorCommand(ctx, "resume", meta)
	if err != nil || !strings.HasPrefix(resp, "entries resumed") {
		t.Fatalf("unexpected resume response %q %v", resp, err)
	}
	if paused, _, _ := state.Paused(ctx, store); paused {
		t.Fatalf("expected entries active")
	}

	rows, _ := store.List(ctx, "ops:audit:")
	if len(rows) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(rows))
	}
	for _, raw := range rows {
		var ev operatorAuditEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			t.Fatalf("bad audit row: %v", err)
		}
		if ev.UserID != 7 || ev.ChatID != 123 {
			t.Fatalf("unexpected audit row %+v", ev)
		}
	}
}

func TestOperatorResumeClearsKillSwitch(t *testing.T) {
	store := state.NewMemory()
	a := &App{store: store, log: zap.NewNop()}
	ctx := context.Background()
	_ = state.SetPaused(ctx, store, "unhedged BTC-USDT-SWAP")
	resp, _ := a.handleOperatorCommand(ctx, "resume", operatorMeta{})
	if !strings.Contains(resp, "unhedged BTC-USDT-SWAP") {
		t.Fatalf("expected previous reason in response, got %q", resp)
	}
}

func TestOperatorStatusAndHedges(t *testing.T) {
	h := newHarness(richAccount())
	seedHedge(t, h.store, "carry", "BTC-USDT-SWAP")
	a := &App{store: h.store, log: zap.NewNop(), scheduler: h.sched}
	ctx := context.Background()
	_ = state.SetPaused(ctx, h.store, "unhedged ETH-USDT-SWAP")

	status := a.operatorStatus(ctx)
	for _, want := range []string{"paused: true", "pause_reason: unhedged ETH-USDT-SWAP", "strategy carry: active=true last_run=never"} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}
	hedges, err := a.hedgesStatus(ctx)
	if err != nil {
		t.Fatalf("hedges: %v", err)
	}
	if !strings.Contains(hedges, "BTC-USDT-SWAP [carry] contracts=5 spot=0.5") {
		t.Fatalf("unexpected hedges output:\n%s", hedges)
	}
	if help, _ := a.handleOperatorCommand(ctx, "bogus", operatorMeta{}); !strings.Contains(help, "/resume") {
		t.Fatalf("expected help text, got %q", help)
	}
}

func TestOperatorIgnoresForeignChatsAndUsers(t *testing.T) {
	store := state.NewMemory()
	a := &App{store: store, log: zap.NewNop(), alerts: alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop())}
	allowed := map[int64]struct{}{7: {}}
	ctx := context.Background()

	a.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 1, Message: &alerts.Message{
		Text: "/pause", From: &alerts.User{ID: 7}, Chat: &alerts.Chat{ID: 999},
	}}, 123, allowed)
	a.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 2, Message: &alerts.Message{
		Text: "/pause", From: &alerts.User{ID: 8}, Chat: &alerts.Chat{ID: 123},
	}}, 123, allowed)
	if paused, _, _ := state.Paused(ctx, store); paused {
		t.Fatalf("foreign chat or user must not pause")
	}

	a.handleOperatorUpdate(ctx, alerts.Update{UpdateID: 3, Message: &alerts.Message{
		Text: "/pause", From: &alerts.User{ID: 7}, Chat: &alerts.Chat{ID: 123},
	}}, 123, allowed)
	if paused, _, _ := state.Paused(ctx, store); !paused {
		t.Fatalf("expected pause from allowed user")
	}
}

func TestOperatorOffsetPersistence(t *testing.T) {
	store := state.NewMemory()
	a := &App{store: store, log: zap.NewNop()}
	ctx := context.Background()
	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	a.saveOperatorOffset(ctx, 42)
	if got := a.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
