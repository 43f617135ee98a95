package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"okx-carry-bot/internal/account"
	"okx-carry-bot/internal/alerts"
	"okx-carry-bot/internal/state"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	operatorPause     = "paused by operator"
	fundingLookback   = 24 * time.Hour
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, _, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats append the bot name: /status@carry_bot.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "hedges":
		return a.hedgesStatus(ctx)
	case "pause":
		before, _, err := state.Paused(ctx, a.store)
		if err != nil {
			return "", err
		}
		if !before {
			if err := state.SetPaused(ctx, a.store, operatorPause); err != nil {
				return "", err
			}
		}
		a.auditOperatorEvent(ctx, "pause", meta, before, true)
		if before {
			return "entries already paused", nil
		}
		return "entries paused", nil
	case "resume":
		before, reason, err := state.Paused(ctx, a.store)
		if err != nil {
			return "", err
		}
		if before {
			if err := state.ClearPaused(ctx, a.store); err != nil {
				return "", err
			}
		}
		a.auditOperatorEvent(ctx, "resume", meta, before, false)
		if !before {
			return "entries already active", nil
		}
		return fmt.Sprintf("entries resumed (was: %s)", reason), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	paused, reason, err := state.Paused(ctx, a.store)
	lines := []string{fmt.Sprintf("paused: %t", paused)}
	if err != nil {
		lines[0] = fmt.Sprintf("paused: unknown (%v)", err)
	} else if paused {
		lines = append(lines, "pause_reason: "+reason)
	}
	if a.scheduler != nil {
		for _, cfg := range a.scheduler.Strategies() {
			last := "never"
			if !cfg.LastRun.IsZero() {
				last = cfg.LastRun.UTC().Format(time.RFC3339)
			}
			lines = append(lines, fmt.Sprintf("strategy %s: active=%t last_run=%s", cfg.Name, cfg.Active, last))
		}
	}
	if a.parts != nil && a.parts.Account != nil {
		snap := a.parts.Account.Snapshot()
		lines = append(lines, "equity_usd: "+snap.Equity().StringFixed(2))
		payments, err := a.parts.Account.FundingSince(ctx, time.Now().Add(-fundingLookback))
		if err != nil {
			lines = append(lines, fmt.Sprintf("funding_24h: unavailable (%v)", err))
		} else {
			byInst := account.FundingByInstrument(payments)
			ids := make([]string, 0, len(byInst))
			for id := range byInst {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				lines = append(lines, fmt.Sprintf("funding_24h %s: %s", id, byInst[id].String()))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (a *App) hedgesStatus(ctx context.Context) (string, error) {
	records, err := state.LoadHedges(ctx, a.store, "")
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no open hedges", nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].InstID < records[j].InstID })
	var states map[string]string
	if a.scheduler != nil {
		states = make(map[string]string)
		for id, st := range a.scheduler.tracker.Snapshot() {
			states[id] = string(st)
		}
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		line := fmt.Sprintf("%s [%s] contracts=%s spot=%s entry_rate=%s", rec.InstID, rec.Strategy, rec.Contracts, rec.SpotQty, rec.EntryRate)
		if st, ok := states[rec.InstID]; ok {
			line += " state=" + st
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - pause flag, strategies, equity and funding received",
		"/hedges - open hedges",
		"/pause - stop opening new hedges",
		"/resume - allow new hedges again",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, action string, meta operatorMeta, before, after bool) {
	event := operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before,
		PausedAfter:  after,
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
