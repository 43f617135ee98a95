package hedge

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventEntered         EventKind = "entered"
	EventRolledBack      EventKind = "rolled_back"
	EventEmergencyUnwind EventKind = "emergency_unwind"
	EventUnhedged        EventKind = "unhedged"
	EventExited          EventKind = "exited"
	EventAuditCorrection EventKind = "audit_correction"
)

// Event is a structured record of something the engine did to the account.
type Event struct {
	Time      time.Time
	Kind      EventKind
	InstID    string
	SpotQty   decimal.Decimal
	Contracts decimal.Decimal
	Detail    string
}

type EventSink interface {
	HedgeEvent(Event)
}

type nopSink struct{}

func (nopSink) HedgeEvent(Event) {}
