package strategy

import (
	"time"

	"github.com/shopspring/decimal"
)

type State string

type Event string

const (
	StateIdle    State = "IDLE"
	StateEnter   State = "ENTER"
	StateHedgeOK State = "HEDGE_OK"
	StateExit    State = "EXIT"
)

const (
	EventEnter   Event = "ENTER"
	EventHedgeOK Event = "HEDGE_OK"
	EventExit    Event = "EXIT"
	EventDone    Event = "DONE"
)

// Holding is a hedge this engine opened and still believes to be open.
type Holding struct {
	InstID      string
	Contracts   decimal.Decimal
	FundingRate decimal.Decimal
	HasRate     bool
	OpenedAt    time.Time
}

type ExitReason string

const (
	ExitFundingDip ExitReason = "funding_dip"
	ExitRotation   ExitReason = "rotation"
)

type Exit struct {
	InstID    string
	Contracts decimal.Decimal
	Reason    ExitReason
}
