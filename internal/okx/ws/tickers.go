package ws

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const ChannelTickers = "tickers"

type Tick struct {
	InstID string
	Last   decimal.Decimal
	Ts     time.Time
}

type push struct {
	Arg   Arg             `json:"arg"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeTicks extracts ticker updates from a push frame. Subscription
// acknowledgements and other channels yield nil.
func DecodeTicks(msg json.RawMessage) ([]Tick, error) {
	var p push
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, err
	}
	if p.Event != "" || p.Arg.Channel != ChannelTickers || len(p.Data) == 0 {
		return nil, nil
	}
	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(p.Data, &rows); err != nil {
		return nil, err
	}
	out := make([]Tick, 0, len(rows))
	for _, r := range rows {
		last, err := decimal.NewFromString(r.Last)
		if err != nil {
			continue
		}
		tick := Tick{InstID: r.InstID, Last: last}
		if ms, err := strconv.ParseInt(r.Ts, 10, 64); err == nil {
			tick.Ts = time.UnixMilli(ms).UTC()
		}
		out = append(out, tick)
	}
	return out, nil
}

func TickerArgs(instIDs ...string) []Arg {
	args := make([]Arg, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, Arg{Channel: ChannelTickers, InstID: id})
	}
	return args
}
