package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"okx-carry-bot/internal/strategy"
)

const (
	strategyKeyPrefix = "strategy:config:"
	snapshotKeyPrefix = "strategy:last_snapshot:"
)

// CycleSnapshot summarises the most recent cycle of one strategy.
type CycleSnapshot struct {
	Strategy    string   `json:"strategy"`
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason,omitempty"`
	Candidates  []string `json:"candidates"`
	Entered     []string `json:"entered"`
	Exited      []string `json:"exited"`
	Failures    int      `json:"failures"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

func SaveStrategy(ctx context.Context, store Store, cfg strategy.Config) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return store.Set(ctx, strategyKeyPrefix+cfg.Name, string(payload))
}

func LoadStrategies(ctx context.Context, store Store) (map[string]strategy.Config, error) {
	out := make(map[string]strategy.Config)
	if store == nil {
		return out, nil
	}
	rows, err := store.List(ctx, strategyKeyPrefix)
	if err != nil {
		return nil, err
	}
	for key, raw := range rows {
		var cfg strategy.Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(key, strategyKeyPrefix)] = cfg
	}
	return out, nil
}

// MergeStrategies seeds configs from the file and carries over the persisted
// LastRun so a restart does not rescan every strategy at once.
func MergeStrategies(seed []strategy.Config, persisted map[string]strategy.Config) []strategy.Config {
	out := make([]strategy.Config, 0, len(seed))
	for _, cfg := range seed {
		if prev, ok := persisted[cfg.Name]; ok {
			cfg.LastRun = prev.LastRun
		}
		out = append(out, cfg)
	}
	return out
}

func SaveCycleSnapshot(ctx context.Context, store Store, snapshot CycleSnapshot) error {
	if store == nil {
		return nil
	}
	if snapshot.UpdatedAtMS == 0 {
		snapshot.UpdatedAtMS = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, snapshotKeyPrefix+snapshot.Strategy, string(payload))
}

func LoadCycleSnapshot(ctx context.Context, store Store, name string) (CycleSnapshot, bool, error) {
	if store == nil {
		return CycleSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, snapshotKeyPrefix+name)
	if err != nil {
		return CycleSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CycleSnapshot{}, false, nil
	}
	var snapshot CycleSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return CycleSnapshot{}, false, err
	}
	return snapshot, true, nil
}
