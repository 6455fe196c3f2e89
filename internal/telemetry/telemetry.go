// Package telemetry exposes operational Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewdeck/internal/events"
)

// Telemetry owns a private registry so several instances can coexist in tests.
type Telemetry struct {
	reg *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	ProtocolLines      *prometheus.CounterVec
	ApprovalsDecided   *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	SubscribersDropped prometheus.Counter
	Subscribers        prometheus.Gauge
}

// New registers the collectors. activeProcesses is sampled at scrape time.
func New(activeProcesses func() int) *Telemetry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	t := &Telemetry{
		reg: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crewdeck_runs_total",
			Help: "Finished workflow runs by result",
		}, []string{"result"}),
		ProtocolLines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crewdeck_protocol_lines_total",
			Help: "Decoded workflow output lines by kind",
		}, []string{"kind"}),
		ApprovalsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crewdeck_approvals_decided_total",
			Help: "Approval decisions by outcome",
		}, []string{"decision"}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crewdeck_events_published_total",
			Help: "Events published to live subscribers by name",
		}, []string{"event"}),
		SubscribersDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "crewdeck_subscribers_dropped_total",
			Help: "Subscribers disconnected because their queue was full",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "crewdeck_subscribers",
			Help: "Connected live subscribers",
		}),
	}
	if activeProcesses != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "crewdeck_active_processes",
			Help: "Projects holding a process slot",
		}, func() float64 { return float64(activeProcesses()) })
	}
	return t
}

func (t *Telemetry) Registry() *prometheus.Registry { return t.reg }

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{Registry: t.reg})
}

func (t *Telemetry) RunFinished(result string) { t.RunsTotal.WithLabelValues(result).Inc() }

func (t *Telemetry) ProtocolLine(kind string) { t.ProtocolLines.WithLabelValues(kind).Inc() }

func (t *Telemetry) ApprovalDecided(decision string) {
	t.ApprovalsDecided.WithLabelValues(decision).Inc()
}

func (t *Telemetry) EventPublished(name events.Name) {
	t.EventsPublished.WithLabelValues(string(name)).Inc()
}

func (t *Telemetry) SubscriberDropped() { t.SubscribersDropped.Inc() }

func (t *Telemetry) SubscribersChanged(n int) { t.Subscribers.Set(float64(n)) }
