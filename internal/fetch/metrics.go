package fetch

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes per-pass operational counters. A nil *Metrics is valid
// and simply drops observations, so tests and the demonstration binary can
// opt out of registering anything.
type Metrics struct {
	listed   prometheus.Counter
	admitted prometheus.Counter
	deleted  prometheus.Counter
	bytes    prometheus.Counter
	blocked  prometheus.Counter
}

// NewMetrics registers the fetch orchestrator's counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		listed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afd", Subsystem: "fetch", Name: "listed_total",
			Help: "Remote directory entries observed across all passes.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afd", Subsystem: "fetch", Name: "admitted_total",
			Help: "Entries admitted for transfer across all passes.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afd", Subsystem: "fetch", Name: "deleted_total",
			Help: "Unknown remote files deleted across all passes.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afd", Subsystem: "fetch", Name: "admitted_bytes_total",
			Help: "Bytes of admitted entries across all passes.",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "afd", Subsystem: "fetch", Name: "budget_blocked_passes_total",
			Help: "Passes that left entries unassigned due to the per-pass budget.",
		}),
	}
	reg.MustRegister(m.listed, m.admitted, m.deleted, m.bytes, m.blocked)
	return m
}

func (m *Metrics) observe(s PassSummary) {
	if m == nil {
		return
	}
	m.listed.Add(float64(s.Listed))
	m.admitted.Add(float64(s.Admitted))
	m.deleted.Add(float64(s.Deleted))
	m.bytes.Add(float64(s.BytesAdmitted))
	if s.MoreFilesInList {
		m.blocked.Inc()
	}
}
