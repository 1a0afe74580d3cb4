package procpatch

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Errors         *prometheus.CounterVec
	BytesRead      prometheus.Counter
	BytesWritten   prometheus.Counter
	HooksInstalled *prometheus.CounterVec
	CavesFound     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpatch_errors_total",
			Help: "Total number of failed operations against a target process",
		}, []string{"op", "error"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpatch_bytes_read_total",
			Help: "Total number of bytes read from target memory",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpatch_bytes_written_total",
			Help: "Total number of bytes written to target memory",
		}),
		HooksInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "procpatch_hooks_installed_total",
			Help: "Total number of detours written",
		}, []string{"arch"}),
		CavesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procpatch_caves_found_total",
			Help: "Total number of successful code cave searches",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Errors,
			m.BytesRead,
			m.BytesWritten,
			m.HooksInstalled,
			m.CavesFound,
		)
	}

	return m
}
