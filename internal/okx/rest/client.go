package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// Client talks to the exchange REST API, either through a signing gateway
// (signer == nil) or directly with request signing.
type Client struct {
	baseURL   string
	http      *http.Client
	signer    *Signer
	simulated bool
	log       *zap.Logger
}

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Signer    *Signer
	Simulated bool
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		signer:    opts.Signer,
		simulated: opts.Simulated,
		log:       log,
	}
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type subStatus struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

func (c *Client) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, query, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, nil, body)
}

// Request performs one call and returns the envelope's data payload.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.simulated {
		httpReq.Header.Set("x-simulated-trading", "1")
	}
	if c.signer != nil {
		c.signer.apply(httpReq, requestPath, string(payload))
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	data, err := decodeResponse(path, resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	if err != nil {
		c.log.Debug("okx request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return data, err
}

func decodeResponse(path string, status int, contentType string, raw []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if !looksLikeJSON(contentType, trimmed) {
		if len(trimmed) == 0 && status >= 200 && status < 300 {
			return nil, &UpstreamNonJSONError{Path: path, Status: status, ContentType: contentType, Snippet: "empty body"}
		}
		if len(trimmed) == 0 {
			return nil, &HTTPError{Path: path, Status: status}
		}
		return nil, &UpstreamNonJSONError{Path: path, Status: status, ContentType: contentType, Snippet: snippet(trimmed)}
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Code == "" {
		if status < 200 || status >= 300 {
			return nil, &HTTPError{Path: path, Status: status, Body: snippet(trimmed)}
		}
		if err != nil {
			return nil, err
		}
		return nil, &HTTPError{Path: path, Status: status, Body: snippet(trimmed)}
	}
	if env.Code != "0" {
		exErr := &ExchangeError{Path: path, Status: status, Code: env.Code, Msg: env.Msg}
		if sub, ok := firstSubStatus(env.Data); ok {
			exErr.SubCode = sub.SCode
			exErr.SubMsg = sub.SMsg
		}
		return nil, exErr
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{Path: path, Status: status, Body: snippet(trimmed)}
	}
	return env.Data, nil
}

func looksLikeJSON(contentType string, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if body[0] != '{' && body[0] != '[' {
		return false
	}
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "json") || strings.Contains(ct, "text/plain")
}

func firstSubStatus(data json.RawMessage) (subStatus, bool) {
	if len(data) == 0 {
		return subStatus{}, false
	}
	var items []subStatus
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return subStatus{}, false
	}
	if items[0].SCode == "" || items[0].SCode == "0" {
		return subStatus{}, false
	}
	return items[0], true
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
