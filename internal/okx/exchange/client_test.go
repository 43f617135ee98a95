package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"okx-carry-bot/internal/okx/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, routes map[string]string) (*Client, *[]*http.Request) {
	t.Helper()
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r)
		body, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":` + body + `}`))
	}))
	t.Cleanup(srv.Close)
	restClient := rest.New(rest.Options{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
	return New(restClient), &seen
}

func TestInstrumentsKeepsStepText(t *testing.T) {
	client, _ := newTestClient(t, map[string]string{
		"GET " + pathInstruments: `[{"instId":"BTC-USDT-SWAP","instType":"SWAP","settleCcy":"USDT","ctVal":"0.01","ctValCcy":"BTC","lotSz":"1","minSz":"1","tickSz":"0.1","state":"live"}]`,
	})
	got, err := client.Instruments(context.Background(), InstSwap)
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 instrument, got %d", len(got))
	}
	inst := got[0]
	if !inst.CtVal.Equal(decimal.RequireFromString("0.01")) || inst.LotSz != "1" || inst.TickSz != "0.1" {
		t.Fatalf("unexpected instrument: %+v", inst)
	}
}

func TestFundingRateParsesTimes(t *testing.T) {
	client, _ := newTestClient(t, map[string]string{
		"GET " + pathFundingRate: `[{"instId":"ETH-USDT-SWAP","fundingRate":"0.00035","fundingTime":"1700000000000","nextFundingTime":"1700028800000"}]`,
	})
	fr, err := client.FundingRate(context.Background(), "ETH-USDT-SWAP")
	if err != nil {
		t.Fatalf("funding rate: %v", err)
	}
	if !fr.Rate.Equal(decimal.RequireFromString("0.00035")) {
		t.Fatalf("unexpected rate %s", fr.Rate)
	}
	if fr.NextFundingTime.Sub(fr.FundingTime) != 8*time.Hour {
		t.Fatalf("unexpected funding times: %v %v", fr.FundingTime, fr.NextFundingTime)
	}
}

func TestFundingRateEmptyIsNotFound(t *testing.T) {
	client, _ := newTestClient(t, map[string]string{"GET " + pathFundingRate: `[]`})
	_, err := client.FundingRate(context.Background(), "X-USDT-SWAP")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBalancesFlattensDetails(t *testing.T) {
	client, seen := newTestClient(t, map[string]string{
		"GET " + pathBalance: `[{"details":[{"ccy":"USDT","cashBal":"1000","availBal":"950.5","eq":"1000","eqUsd":"1000"},{"ccy":"BTC","cashBal":"0.02","availBal":"0.02","eq":"0.02","eqUsd":"1200"}]}]`,
	})
	got, err := client.Balances(context.Background(), "USDT", "BTC")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(got) != 2 || got[1].Ccy != "BTC" || !got[0].AvailBal.Equal(decimal.RequireFromString("950.5")) {
		t.Fatalf("unexpected balances: %+v", got)
	}
	if q := (*seen)[0].URL.Query().Get("ccy"); q != "USDT,BTC" {
		t.Fatalf("unexpected ccy query %q", q)
	}
}

func TestPositionsSignsShortSide(t *testing.T) {
	client, _ := newTestClient(t, map[string]string{
		"GET " + pathPositions: `[{"instId":"BTC-USDT-SWAP","posSide":"short","pos":"3","avgPx":"60000","mgnMode":"cross","cTime":"1700000000000"},{"instId":"ETH-USDT-SWAP","posSide":"net","pos":"-2"}]`,
	})
	got, err := client.Positions(context.Background(), InstSwap, "")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if got[0].Pos.String() != "-3" || got[1].Pos.String() != "-2" {
		t.Fatalf("expected negative sizes, got %s and %s", got[0].Pos, got[1].Pos)
	}
	if got[0].OpenedAt.IsZero() {
		t.Fatalf("expected open time")
	}
}

func TestPlaceOrderSendsTargetCurrency(t *testing.T) {
	var body OrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"123","clOrdId":"abc","sCode":"0","sMsg":""}]}`))
	}))
	defer srv.Close()
	client := New(rest.New(rest.Options{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop()))

	res, err := client.PlaceOrder(context.Background(), OrderRequest{
		InstID: "BTC-USDT", TdMode: TdCash, Side: SideBuy, OrdType: OrdMarket,
		Sz: "480", TgtCcy: TgtQuote, ClOrdID: "abc",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.OrdID != "123" || res.ClOrdID != "abc" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if body.TgtCcy != TgtQuote || body.Sz != "480" || body.ReduceOnly {
		t.Fatalf("unexpected request body: %+v", body)
	}
}

func TestGetOrderSeparatesLastAndCumulativeFill(t *testing.T) {
	client, _ := newTestClient(t, map[string]string{
		"GET " + pathOrder: `[{"ordId":"9","instId":"BTC-USDT","state":"partially_filled","sz":"4","fillSz":"0.5","accFillSz":"3.999","avgPx":"60000","fee":"-0.004","feeCcy":"BTC"}]`,
	})
	o, err := client.GetOrder(context.Background(), "BTC-USDT", "9")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !o.AccFillSz.Equal(decimal.RequireFromString("3.999")) || !o.FillSz.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected fills: %+v", o)
	}
	if o.State.Terminal() {
		t.Fatalf("partially filled must not be terminal")
	}
}
