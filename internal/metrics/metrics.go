// Package metrics exposes application-level prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
)

type Metrics struct {
	Registry *prometheus.Registry

	InvoicesGenerated *prometheus.CounterVec
	UsageRecorded     prometheus.Counter
	RateLimitDenied   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: registry,
		InvoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chargeback_invoices_generated_total",
			Help: "Invoices generated, by facility and outcome.",
		}, []string{"facility_id", "outcome"}),
		UsageRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chargeback_usage_records_total",
			Help: "Usage records accepted.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chargeback_usage_rate_limited_total",
			Help: "Usage ingest requests rejected by the rate limiter.",
		}),
	}
	registry.MustRegister(m.InvoicesGenerated, m.UsageRecorded, m.RateLimitDenied)
	return m
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
