// Package oracle consults the external advisory service and validates its
// answer against locally known funding rates.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"okx-carry-bot/internal/market"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const recommendPath = "/v1/recommend"

type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionWait  Action = "WAIT"
	ActionError Action = "ERROR"
)

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionWait, ActionError:
		return true
	}
	return false
}

// Recommendation is the oracle's raw, untrusted answer.
type Recommendation struct {
	Action         Action   `json:"recommendedAction"`
	Reasoning      string   `json:"reasoning"`
	RiskScore      float64  `json:"riskScore"`
	SuggestedPairs []string `json:"suggestedPairs"`
}

type candidatePayload struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	Turnover24h string `json:"turnover24h"`
	Last        string `json:"last"`
}

type recommendRequest struct {
	Strategy   string             `json:"strategy"`
	Candidates []candidatePayload `json:"candidates"`
}

type Client struct {
	http *resty.Client
	log  *zap.Logger
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func New(opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		c.SetAuthToken(opts.APIKey)
	}
	return &Client{http: c, log: log}
}

// Consult sends the candidate queue and a free-text strategy label.
func (c *Client) Consult(ctx context.Context, candidates []market.Candidate, label string) (Recommendation, error) {
	body := recommendRequest{Strategy: label, Candidates: make([]candidatePayload, 0, len(candidates))}
	for _, cand := range candidates {
		body.Candidates = append(body.Candidates, candidatePayload{
			InstID:      cand.InstID,
			FundingRate: cand.FundingRate.String(),
			Turnover24h: cand.Turnover24h.StringFixed(2),
			Last:        cand.Last.String(),
		})
	}
	var rec Recommendation
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&rec).
		Post(recommendPath)
	if err != nil {
		return Recommendation{}, fmt.Errorf("oracle request: %w", err)
	}
	if !resp.IsSuccess() {
		return Recommendation{}, fmt.Errorf("oracle http %d: %s", resp.StatusCode(), snippet(resp.String()))
	}
	if rec.Action == "" {
		return Recommendation{}, errors.New("oracle response missing recommendedAction")
	}
	rec.Action = Action(strings.ToUpper(string(rec.Action)))
	c.log.Debug("oracle recommendation", zap.String("action", string(rec.Action)), zap.Float64("risk_score", rec.RiskScore), zap.Strings("pairs", rec.SuggestedPairs))
	return rec, nil
}

func snippet(s string) string {
	const limit = 256
	s = strings.TrimSpace(s)
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
