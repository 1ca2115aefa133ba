// Package metrics exposes Prometheus counters for lease traffic and the
// /metrics endpoint that serves them.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lease groups the counters recorded by the lease store.
type Lease struct {
	Acquisitions *prometheus.CounterVec
	Releases     prometheus.Counter
	Writes       *prometheus.CounterVec
	Reads        prometheus.Counter
}

// NewLease creates the lease counters and registers them with reg.
func NewLease(reg prometheus.Registerer) *Lease {
	m := &Lease{
		Acquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formlock_lease_acquisitions_total",
				Help: "Lease acquisition attempts by outcome and whether another session was displaced.",
			},
			[]string{"outcome", "takeover"},
		),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formlock_lease_releases_total",
			Help: "Leases released by their owner.",
		}),
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formlock_snapshot_writes_total",
				Help: "Snapshot writes by result.",
			},
			[]string{"result"},
		),
		Reads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formlock_snapshot_reads_total",
			Help: "Read-only snapshot pulls.",
		}),
	}
	reg.MustRegister(m.Acquisitions, m.Releases, m.Writes, m.Reads)
	return m
}

// ObserveAcquire records one acquisition attempt.
func (m *Lease) ObserveAcquire(granted, takeover bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	tk := "false"
	if takeover {
		tk = "true"
	}
	m.Acquisitions.WithLabelValues(outcome, tk).Inc()
}

// ObserveRelease records a release that cleared ownership.
func (m *Lease) ObserveRelease() {
	if m == nil {
		return
	}
	m.Releases.Inc()
}

// ObserveWrite records a snapshot write.
func (m *Lease) ObserveWrite(rejected bool) {
	if m == nil {
		return
	}
	result := "ok"
	if rejected {
		result = "rejected"
	}
	m.Writes.WithLabelValues(result).Inc()
}

// ObserveRead records a read-only pull.
func (m *Lease) ObserveRead() {
	if m == nil {
		return
	}
	m.Reads.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
