package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	pathInstruments   = "/api/v5/public/instruments"
	pathTickers       = "/api/v5/market/tickers"
	pathTicker        = "/api/v5/market/ticker"
	pathFundingRate   = "/api/v5/public/funding-rate"
	pathBalance       = "/api/v5/account/balance"
	pathPositions     = "/api/v5/account/positions"
	pathAccountConfig = "/api/v5/account/config"
	pathBills         = "/api/v5/account/bills"
	pathSetLeverage   = "/api/v5/account/set-leverage"
	pathOrder         = "/api/v5/trade/order"
	pathCancelOrder   = "/api/v5/trade/cancel-order"
	pathClosePosition = "/api/v5/trade/close-position"
)

var ErrNotFound = errors.New("not found")

type Requester interface {
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
	Post(ctx context.Context, path string, body any) (json.RawMessage, error)
}

type Client struct {
	rest Requester
}

func New(rest Requester) *Client {
	return &Client{rest: rest}
}

func (c *Client) Instruments(ctx context.Context, instType string) ([]Instrument, error) {
	var rows []struct {
		InstID    string `json:"instId"`
		InstType  string `json:"instType"`
		BaseCcy   string `json:"baseCcy"`
		QuoteCcy  string `json:"quoteCcy"`
		SettleCcy string `json:"settleCcy"`
		CtVal     string `json:"ctVal"`
		CtValCcy  string `json:"ctValCcy"`
		LotSz     string `json:"lotSz"`
		MinSz     string `json:"minSz"`
		TickSz    string `json:"tickSz"`
		State     string `json:"state"`
	}
	if err := c.get(ctx, pathInstruments, url.Values{"instType": {instType}}, &rows); err != nil {
		return nil, err
	}
	out := make([]Instrument, 0, len(rows))
	for _, r := range rows {
		out = append(out, Instrument{
			InstID:    r.InstID,
			InstType:  r.InstType,
			BaseCcy:   r.BaseCcy,
			QuoteCcy:  r.QuoteCcy,
			SettleCcy: r.SettleCcy,
			CtVal:     dec(r.CtVal),
			CtValCcy:  r.CtValCcy,
			LotSz:     r.LotSz,
			MinSz:     r.MinSz,
			TickSz:    r.TickSz,
			State:     r.State,
		})
	}
	return out, nil
}

type tickerRow struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Ts        string `json:"ts"`
}

func (r tickerRow) ticker() Ticker {
	return Ticker{
		InstID:    r.InstID,
		Last:      dec(r.Last),
		Vol24h:    dec(r.Vol24h),
		VolCcy24h: dec(r.VolCcy24h),
		Ts:        msTime(r.Ts),
	}
}

func (c *Client) Tickers(ctx context.Context, instType string) ([]Ticker, error) {
	var rows []tickerRow
	if err := c.get(ctx, pathTickers, url.Values{"instType": {instType}}, &rows); err != nil {
		return nil, err
	}
	out := make([]Ticker, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ticker())
	}
	return out, nil
}

func (c *Client) Ticker(ctx context.Context, instID string) (Ticker, error) {
	var rows []tickerRow
	if err := c.get(ctx, pathTicker, url.Values{"instId": {instID}}, &rows); err != nil {
		return Ticker{}, err
	}
	if len(rows) == 0 {
		return Ticker{}, fmt.Errorf("ticker %s: %w", instID, ErrNotFound)
	}
	return rows[0].ticker(), nil
}

func (c *Client) FundingRate(ctx context.Context, instID string) (FundingRate, error) {
	var rows []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := c.get(ctx, pathFundingRate, url.Values{"instId": {instID}}, &rows); err != nil {
		return FundingRate{}, err
	}
	if len(rows) == 0 {
		return FundingRate{}, fmt.Errorf("funding rate %s: %w", instID, ErrNotFound)
	}
	r := rows[0]
	return FundingRate{
		InstID:          r.InstID,
		Rate:            dec(r.FundingRate),
		FundingTime:     msTime(r.FundingTime),
		NextFundingTime: msTime(r.NextFundingTime),
	}, nil
}

// Balances returns per-currency balances; with no ccys every currency the
// account holds is returned.
func (c *Client) Balances(ctx context.Context, ccys ...string) ([]Balance, error) {
	var query url.Values
	if len(ccys) > 0 {
		query = url.Values{"ccy": {strings.Join(ccys, ",")}}
	}
	var rows []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			CashBal  string `json:"cashBal"`
			AvailBal string `json:"availBal"`
			Eq       string `json:"eq"`
			EqUSD    string `json:"eqUsd"`
		} `json:"details"`
	}
	if err := c.get(ctx, pathBalance, query, &rows); err != nil {
		return nil, err
	}
	var out []Balance
	for _, row := range rows {
		for _, d := range row.Details {
			out = append(out, Balance{
				Ccy:      d.Ccy,
				CashBal:  dec(d.CashBal),
				AvailBal: dec(d.AvailBal),
				Eq:       dec(d.Eq),
				EqUSD:    dec(d.EqUSD),
			})
		}
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, instType, instID string) ([]Position, error) {
	query := url.Values{}
	if instType != "" {
		query.Set("instType", instType)
	}
	if instID != "" {
		query.Set("instId", instID)
	}
	var rows []struct {
		InstID   string `json:"instId"`
		PosSide  string `json:"posSide"`
		Pos      string `json:"pos"`
		AvgPx    string `json:"avgPx"`
		Upl      string `json:"upl"`
		UplRatio string `json:"uplRatio"`
		Lever    string `json:"lever"`
		MgnMode  string `json:"mgnMode"`
		LiqPx    string `json:"liqPx"`
		CTime    string `json:"cTime"`
	}
	if err := c.get(ctx, pathPositions, query, &rows); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		pos := dec(r.Pos)
		if r.PosSide == "short" && pos.Sign() > 0 {
			pos = pos.Neg()
		}
		out = append(out, Position{
			InstID:   r.InstID,
			PosSide:  r.PosSide,
			Pos:      pos,
			AvgPx:    dec(r.AvgPx),
			Upl:      dec(r.Upl),
			UplRatio: dec(r.UplRatio),
			Lever:    dec(r.Lever),
			MgnMode:  r.MgnMode,
			LiqPx:    dec(r.LiqPx),
			OpenedAt: msTime(r.CTime),
		})
	}
	return out, nil
}

// FundingBills returns the most recent funding fee ledger entries.
func (c *Client) FundingBills(ctx context.Context, instType string) ([]Bill, error) {
	query := url.Values{"type": {billTypeFunding}}
	if instType != "" {
		query.Set("instType", instType)
	}
	var rows []struct {
		BillID string `json:"billId"`
		InstID string `json:"instId"`
		Ccy    string `json:"ccy"`
		BalChg string `json:"balChg"`
		Ts     string `json:"ts"`
	}
	if err := c.get(ctx, pathBills, query, &rows); err != nil {
		return nil, err
	}
	out := make([]Bill, 0, len(rows))
	for _, r := range rows {
		out = append(out, Bill{BillID: r.BillID, InstID: r.InstID, Ccy: r.Ccy, BalChg: dec(r.BalChg), Ts: msTime(r.Ts)})
	}
	return out, nil
}

func (c *Client) AccountConfig(ctx context.Context) (AccountConfig, error) {
	var rows []struct {
		UID     string `json:"uid"`
		AcctLv  string `json:"acctLv"`
		PosMode string `json:"posMode"`
	}
	if err := c.get(ctx, pathAccountConfig, nil, &rows); err != nil {
		return AccountConfig{}, err
	}
	if len(rows) == 0 {
		return AccountConfig{}, fmt.Errorf("account config: %w", ErrNotFound)
	}
	return AccountConfig{UID: rows[0].UID, AcctLv: rows[0].AcctLv, PosMode: rows[0].PosMode}, nil
}

func (c *Client) SetLeverage(ctx context.Context, instID, lever, mgnMode string) error {
	body := map[string]string{"instId": instID, "lever": lever, "mgnMode": mgnMode}
	_, err := c.rest.Post(ctx, pathSetLeverage, body)
	return err
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	var rows []struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
	}
	data, err := c.rest.Post(ctx, pathOrder, req)
	if err != nil {
		return PlaceResult{}, err
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return PlaceResult{}, fmt.Errorf("decode order response: %w", err)
	}
	if len(rows) == 0 || rows[0].OrdID == "" {
		return PlaceResult{}, errors.New("missing order id in exchange response")
	}
	return PlaceResult{OrdID: rows[0].OrdID, ClOrdID: rows[0].ClOrdID}, nil
}

func (c *Client) GetOrder(ctx context.Context, instID, ordID string) (Order, error) {
	return c.getOrder(ctx, url.Values{"instId": {instID}, "ordId": {ordID}}, ordID)
}

// OrderByClientID resolves an order placed with a client order id, used when
// a retried placement is rejected as a duplicate.
func (c *Client) OrderByClientID(ctx context.Context, instID, clOrdID string) (Order, error) {
	return c.getOrder(ctx, url.Values{"instId": {instID}, "clOrdId": {clOrdID}}, clOrdID)
}

func (c *Client) getOrder(ctx context.Context, query url.Values, ref string) (Order, error) {
	var rows []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		InstID    string `json:"instId"`
		Side      string `json:"side"`
		OrdType   string `json:"ordType"`
		Sz        string `json:"sz"`
		Px        string `json:"px"`
		State     string `json:"state"`
		FillSz    string `json:"fillSz"`
		AccFillSz string `json:"accFillSz"`
		FillPx    string `json:"fillPx"`
		AvgPx     string `json:"avgPx"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
	}
	if err := c.get(ctx, pathOrder, query, &rows); err != nil {
		return Order{}, err
	}
	if len(rows) == 0 {
		return Order{}, fmt.Errorf("order %s: %w", ref, ErrNotFound)
	}
	r := rows[0]
	return Order{
		OrdID:     r.OrdID,
		ClOrdID:   r.ClOrdID,
		InstID:    r.InstID,
		Side:      r.Side,
		OrdType:   r.OrdType,
		Sz:        dec(r.Sz),
		Px:        dec(r.Px),
		State:     OrderState(r.State),
		FillSz:    dec(r.FillSz),
		AccFillSz: dec(r.AccFillSz),
		FillPx:    dec(r.FillPx),
		AvgPx:     dec(r.AvgPx),
		Fee:       dec(r.Fee),
		FeeCcy:    r.FeeCcy,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, instID, ordID string) error {
	_, err := c.rest.Post(ctx, pathCancelOrder, map[string]string{"instId": instID, "ordId": ordID})
	return err
}

func (c *Client) ClosePosition(ctx context.Context, instID, mgnMode string) error {
	_, err := c.rest.Post(ctx, pathClosePosition, map[string]any{"instId": instID, "mgnMode": mgnMode, "autoCxl": true})
	return err
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	data, err := c.rest.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
