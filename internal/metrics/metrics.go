// Package metrics exposes Prometheus instruments for jobs and
// archival. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailarchiver"

// Metrics holds every instrument the service updates.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	jobsActive    *prometheus.GaugeVec
	archived      *prometheus.CounterVec
	failed        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	remoteDeleted *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"family", "status"}),
		jobsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs currently running.",
		}, []string{"family"}),
		archived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_archived_total",
			Help:      "Messages written to the archive.",
		}, []string{"account"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Messages that could not be processed.",
		}, []string{"account"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Messages skipped as already archived.",
		}, []string{"account"}),
		remoteDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_deleted_total",
			Help:      "Remote messages deleted by the retention pass.",
		}, []string{"account"}),
		syncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of account synchronization runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"account"}),
	}
}

// JobStarted marks a job of family as running.
func (m *Metrics) JobStarted(family string) {
	if m == nil {
		return
	}
	m.jobsActive.WithLabelValues(family).Inc()
}

// JobFinished records a terminal transition of a job that had started.
func (m *Metrics) JobFinished(family, status string, started bool) {
	if m == nil {
		return
	}
	if started {
		m.jobsActive.WithLabelValues(family).Dec()
	}
	m.jobsTotal.WithLabelValues(family, status).Inc()
}

// Archived counts n messages written for account.
func (m *Metrics) Archived(account string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archived.WithLabelValues(account).Add(float64(n))
}

// Failed counts n messages that failed for account.
func (m *Metrics) Failed(account string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.failed.WithLabelValues(account).Add(float64(n))
}

// Skipped counts n duplicates for account.
func (m *Metrics) Skipped(account string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skipped.WithLabelValues(account).Add(float64(n))
}

// RemoteDeleted counts n remote deletions for account.
func (m *Metrics) RemoteDeleted(account string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remoteDeleted.WithLabelValues(account).Add(float64(n))
}

// ObserveSync records the duration of one sync run.
func (m *Metrics) ObserveSync(account string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(account).Observe(d.Seconds())
}
