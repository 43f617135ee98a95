package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"okx-carry-bot/internal/config"
	"okx-carry-bot/internal/hedge"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

const sendTimeout = 10 * time.Second

// Telegram posts operator alerts to one chat. Only events that leave the
// account in a state needing a human are forwarded.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: sendTimeout})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}

// HedgeEvent forwards emergency unwinds and unhedged legs. Delivery runs in
// the background so a slow chat API never stalls order flow.
func (t *Telegram) HedgeEvent(ev hedge.Event) {
	if !t.enabled {
		return
	}
	msg := FormatEvent(ev)
	if msg == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := t.Send(ctx, msg); err != nil {
			t.log.Warn("telegram alert failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}()
}

// FormatEvent renders an alert for ev, or "" when ev is not alert-worthy.
func FormatEvent(ev hedge.Event) string {
	var title string
	switch ev.Kind {
	case hedge.EventEmergencyUnwind:
		title = "EMERGENCY UNWIND"
	case hedge.EventUnhedged:
		title = "UNHEDGED LEG"
	default:
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[okx-carry-bot] %s %s\n", title, ev.InstID)
	if !ev.SpotQty.IsZero() {
		fmt.Fprintf(&b, "spot: %s\n", ev.SpotQty.String())
	}
	if !ev.Contracts.IsZero() {
		fmt.Fprintf(&b, "contracts: %s\n", ev.Contracts.String())
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, "%s\n", ev.Detail)
	}
	return strings.TrimRight(b.String(), "\n")
}
