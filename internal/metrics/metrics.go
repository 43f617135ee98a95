package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	EntryFailed       Counter
	ExitFailed        Counter
	EmergencyUnwinds  Counter
	UnhedgedEvents    Counter
	AuditCorrections  Counter
	CycleFailures     Counter
	OracleRejections  Counter
	KillSwitchEngaged Counter
	OpenHedges        Gauge
	EquityUSD         Gauge
}

type noop struct{}

func (noop) Inc()        {}
func (noop) Set(float64) {}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		EntryFailed:       n,
		ExitFailed:        n,
		EmergencyUnwinds:  n,
		UnhedgedEvents:    n,
		AuditCorrections:  n,
		CycleFailures:     n,
		OracleRejections:  n,
		KillSwitchEngaged: n,
		OpenHedges:        n,
		EquityUSD:         n,
	}
}
