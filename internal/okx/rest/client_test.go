package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts.BaseURL = srv.URL
	opts.Timeout = 2 * time.Second
	return New(opts, zap.NewNop())
}

func TestRequestReturnsDataOnSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/public/funding-rate" || r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","fundingRate":"0.0001"}]}`))
	}, Options{})
	data, err := client.Get(context.Background(), "/api/v5/public/funding-rate", map[string][]string{"instId": {"BTC-USDT-SWAP"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rows []map[string]string
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(rows) != 1 || rows[0]["fundingRate"] != "0.0001" {
		t.Fatalf("unexpected data: %v", rows)
	}
}

func TestRequestPreservesSubCode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"1","msg":"All operations failed","data":[{"ordId":"","sCode":"51008","sMsg":"Order failed. Insufficient balance"}]}`))
	}, Options{})
	_, err := client.Post(context.Background(), "/api/v5/trade/order", map[string]string{"instId": "BTC-USDT"})
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exErr.Code != "1" || exErr.SubCode != "51008" || exErr.SubMsg != "Order failed. Insufficient balance" {
		t.Fatalf("unexpected error fields: %+v", exErr)
	}
	if IsTransient(err) {
		t.Fatalf("exchange rejection must not be transient")
	}
}

func TestRequestNonJSONUpstream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html><body>502 Bad Gateway</body></html>`))
	}, Options{})
	_, err := client.Get(context.Background(), "/api/v5/market/tickers", nil)
	if !errors.Is(err, ErrUpstreamNonJSON) {
		t.Fatalf("expected ErrUpstreamNonJSON, got %v", err)
	}
	var upErr *UpstreamNonJSONError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusBadGateway {
		t.Fatalf("expected upstream error with status, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("upstream errors are transient")
	}
}

func TestRequestJSONBodyWithHTMLContentTypeIsNotDecoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`{"code":"0","data":[]}`))
	}, Options{})
	if _, err := client.Get(context.Background(), "/x", nil); !errors.Is(err, ErrUpstreamNonJSON) {
		t.Fatalf("expected ErrUpstreamNonJSON, got %v", err)
	}
}

func TestRequestHTTPErrorWithoutEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"maintenance"}`))
	}, Options{})
	_, err := client.Get(context.Background(), "/x", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTPError 503, got %v", err)
	}
}

func TestRequestAttachesSimulatedAndSignatureHeaders(t *testing.T) {
	var got http.Header
	var gotBody string
	signer, err := NewSigner(Credentials{APIKey: "key", Secret: "secret", Passphrase: "pass"})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	signer.now = func() time.Time { return fixed }
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[]}`))
	}, Options{Signer: signer, Simulated: true})
	if _, err := client.Post(context.Background(), "/api/v5/trade/order", map[string]string{"instId": "BTC-USDT"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Get("x-simulated-trading") != "1" {
		t.Fatalf("expected simulated header")
	}
	ts := "2026-01-02T03:04:05.006Z"
	if got.Get("OK-ACCESS-TIMESTAMP") != ts {
		t.Fatalf("unexpected timestamp %q", got.Get("OK-ACCESS-TIMESTAMP"))
	}
	want := signer.Sign(ts, http.MethodPost, "/api/v5/trade/order", gotBody)
	if got.Get("OK-ACCESS-SIGN") != want {
		t.Fatalf("signature mismatch")
	}
	if got.Get("OK-ACCESS-KEY") != "key" || got.Get("OK-ACCESS-PASSPHRASE") != "pass" {
		t.Fatalf("missing credential headers: %v", got)
	}
}

func TestNewSignerRequiresCredentials(t *testing.T) {
	if _, err := NewSigner(Credentials{APIKey: "key"}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
