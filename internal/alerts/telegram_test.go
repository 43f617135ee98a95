package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/hedge"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

func TestFormatEventOnlyAlertsOnDanger(t *testing.T) {
	if msg := FormatEvent(hedge.Event{Kind: hedge.EventEntered, InstID: "BTC-USDT-SWAP"}); msg != "" {
		t.Fatalf("entered must not alert, got %q", msg)
	}
	msg := FormatEvent(hedge.Event{
		Kind:      hedge.EventUnhedged,
		InstID:    "BTC-USDT-SWAP",
		SpotQty:   decimal.RequireFromString("0.5"),
		Contracts: decimal.Zero,
		Detail:    "swap leg failed",
	})
	if !strings.Contains(msg, "UNHEDGED LEG BTC-USDT-SWAP") || !strings.Contains(msg, "spot: 0.5") {
		t.Fatalf("unexpected alert %q", msg)
	}
	if strings.Contains(msg, "contracts:") {
		t.Fatalf("zero contracts must be omitted, got %q", msg)
	}
}

func TestHedgeEventSendsInBackground(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		got <- payload["text"]
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "1"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	client.HedgeEvent(hedge.Event{Kind: hedge.EventExited, InstID: "ETH-USDT-SWAP"})
	client.HedgeEvent(hedge.Event{Kind: hedge.EventEmergencyUnwind, InstID: "ETH-USDT-SWAP", Detail: "spot shortfall"})

	select {
	case text := <-got:
		if !strings.Contains(text, "EMERGENCY UNWIND ETH-USDT-SWAP") {
			t.Fatalf("unexpected alert text %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("alert was not delivered")
	}
}

func TestGetUpdatesPassesOffset(t *testing.T) {
	var gotOffset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotOffset = r.URL.Query().Get("offset")
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":42,"message":{"message_id":1,"text":"/status","from":{"id":7,"username":"ops"},"chat":{"id":123}}}]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 41, time.Second)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if gotOffset != "41" {
		t.Fatalf("expected offset 41, got %q", gotOffset)
	}
	if len(updates) != 1 || updates[0].Message.Text != "/status" || updates[0].Message.From.ID != 7 {
		t.Fatalf("unexpected updates %+v", updates)
	}
}
