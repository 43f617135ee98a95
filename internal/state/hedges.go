package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const (
	hedgeKeyPrefix = "hedge:"
	pausedKey      = "ops:paused"
)

// HedgeRecord marks a hedge opened by this engine. Sizes are decimal text.
type HedgeRecord struct {
	Strategy   string    `json:"strategy"`
	InstID     string    `json:"inst_id"`
	SpotInstID string    `json:"spot_inst_id"`
	Contracts  string    `json:"contracts"`
	SpotQty    string    `json:"spot_qty"`
	EntryRate  string    `json:"entry_rate"`
	OpenedAt   time.Time `json:"opened_at"`
}

func hedgeKey(strategy, instID string) string {
	return hedgeKeyPrefix + strategy + ":" + instID
}

func SaveHedge(ctx context.Context, store Store, rec HedgeRecord) error {
	if rec.Strategy == "" || rec.InstID == "" {
		return errors.New("hedge record needs strategy and instrument")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, hedgeKey(rec.Strategy, rec.InstID), string(payload))
}

func DeleteHedge(ctx context.Context, store Store, strategy, instID string) error {
	return store.Delete(ctx, hedgeKey(strategy, instID))
}

// LoadHedges returns the hedges of one strategy, or of all strategies when
// strategy is empty.
func LoadHedges(ctx context.Context, store Store, strategy string) ([]HedgeRecord, error) {
	prefix := hedgeKeyPrefix
	if strategy != "" {
		prefix += strategy + ":"
	}
	rows, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]HedgeRecord, 0, len(rows))
	for _, raw := range rows {
		var rec HedgeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetPaused engages the entry kill switch.
func SetPaused(ctx context.Context, store Store, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "paused"
	}
	return store.Set(ctx, pausedKey, reason)
}

func ClearPaused(ctx context.Context, store Store) error {
	return store.Delete(ctx, pausedKey)
}

func Paused(ctx context.Context, store Store) (bool, string, error) {
	reason, ok, err := store.Get(ctx, pausedKey)
	if err != nil {
		return false, "", err
	}
	return ok, reason, nil
}
