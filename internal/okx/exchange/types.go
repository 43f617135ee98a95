package exchange

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	InstSpot = "SPOT"
	InstSwap = "SWAP"

	SideBuy  = "buy"
	SideSell = "sell"

	OrdMarket = "market"
	OrdLimit  = "limit"

	TdCash  = "cash"
	TdCross = "cross"

	TgtBase  = "base_ccy"
	TgtQuote = "quote_ccy"
)

type OrderState string

const (
	OrderLive            OrderState = "live"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderMMPCanceled     OrderState = "mmp_canceled"
)

// Terminal reports whether no further fills can arrive.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderMMPCanceled
}

// Instrument is exchange reference data. LotSz, MinSz and TickSz stay as
// text because their digit count defines order precision.
type Instrument struct {
	InstID    string
	InstType  string
	BaseCcy   string
	QuoteCcy  string
	SettleCcy string
	CtVal     decimal.Decimal
	CtValCcy  string
	LotSz     string
	MinSz     string
	TickSz    string
	State     string
}

type Ticker struct {
	InstID    string
	Last      decimal.Decimal
	Vol24h    decimal.Decimal
	VolCcy24h decimal.Decimal
	Ts        time.Time
}

type FundingRate struct {
	InstID          string
	Rate            decimal.Decimal
	FundingTime     time.Time
	NextFundingTime time.Time
}

type Balance struct {
	Ccy      string
	CashBal  decimal.Decimal
	AvailBal decimal.Decimal
	Eq       decimal.Decimal
	EqUSD    decimal.Decimal
}

type Position struct {
	InstID   string
	PosSide  string
	Pos      decimal.Decimal
	AvgPx    decimal.Decimal
	Upl      decimal.Decimal
	UplRatio decimal.Decimal
	Lever    decimal.Decimal
	MgnMode  string
	LiqPx    decimal.Decimal
	OpenedAt time.Time
}

const billTypeFunding = "8"

// Bill is one account ledger entry. BalChg is positive for funding received.
type Bill struct {
	BillID string
	InstID string
	Ccy    string
	BalChg decimal.Decimal
	Ts     time.Time
}

type AccountConfig struct {
	UID     string
	AcctLv  string
	PosMode string
}

type OrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	TgtCcy     string `json:"tgtCcy,omitempty"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type PlaceResult struct {
	OrdID   string
	ClOrdID string
}

// Order tracks both the last fill (FillSz) and the cumulative fill
// (AccFillSz). Only AccFillSz is authoritative for position sizing.
type Order struct {
	OrdID     string
	ClOrdID   string
	InstID    string
	Side      string
	OrdType   string
	Sz        decimal.Decimal
	Px        decimal.Decimal
	State     OrderState
	FillSz    decimal.Decimal
	AccFillSz decimal.Decimal
	FillPx    decimal.Decimal
	AvgPx     decimal.Decimal
	Fee       decimal.Decimal
	FeeCcy    string
}

func dec(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
