package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "okx_carry_bot"

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	entryFailed      prometheus.Counter
	exitFailed       prometheus.Counter
	emergencyUnwinds prometheus.Counter
	unhedged         prometheus.Counter
	auditCorrections prometheus.Counter
	cycleFailures    prometheus.Counter
	oracleRejections prometheus.Counter
	killEngaged      prometheus.Counter
	openHedges       prometheus.Gauge
	equity           prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:         prometheus.NewRegistry(),
		ordersPlaced:     counter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:     counter("orders_failed_total", "Total number of order placement failures."),
		entryFailed:      counter("entry_failed_total", "Total number of entry flow failures."),
		exitFailed:       counter("exit_failed_total", "Total number of exit flow failures."),
		emergencyUnwinds: counter("emergency_unwinds_total", "Total number of circuit breaker unwinds after entry."),
		unhedged:         counter("unhedged_events_total", "Total number of operations that left a leg unhedged."),
		auditCorrections: counter("audit_corrections_total", "Total number of corrective spot orders placed by the auditor."),
		cycleFailures:    counter("cycle_failures_total", "Total number of strategy cycles that ended in error."),
		oracleRejections: counter("oracle_rejections_total", "Total number of oracle recommendations rejected by the guard."),
		killEngaged:      counter("kill_switch_engaged_total", "Total number of entry kill switch engagements."),
		openHedges:       gauge("open_hedges", "Number of hedges currently held."),
		equity:           gauge("equity_usd", "Total account equity in USD."),
	}
	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.entryFailed, p.exitFailed,
		p.emergencyUnwinds, p.unhedged, p.auditCorrections, p.cycleFailures,
		p.oracleRejections, p.killEngaged, p.openHedges, p.equity,
	)
	p.Metrics = &Metrics{
		OrdersPlaced:      p.ordersPlaced,
		OrdersFailed:      p.ordersFailed,
		EntryFailed:       p.entryFailed,
		ExitFailed:        p.exitFailed,
		EmergencyUnwinds:  p.emergencyUnwinds,
		UnhedgedEvents:    p.unhedged,
		AuditCorrections:  p.auditCorrections,
		CycleFailures:     p.cycleFailures,
		OracleRejections:  p.oracleRejections,
		KillSwitchEngaged: p.killEngaged,
		OpenHedges:        p.openHedges,
		EquityUSD:         p.equity,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
