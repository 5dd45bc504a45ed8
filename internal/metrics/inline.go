package metrics

import (
	"context"

	"github.com/AdguardTeam/golibs/container"
	"github.com/p4th0r/tunfilter/internal/inline"
	"github.com/prometheus/client_golang/prometheus"
)

// Inline is the Prometheus-based implementation of the [inline.Metrics]
// interface.
type Inline struct {
	// verdicts is a counter of queue verdicts by result and block reason.
	verdicts *prometheus.CounterVec
}

// type check
var _ inline.Metrics = (*Inline)(nil)

// NewInline registers the inline queue metrics in reg and returns a properly
// initialized *Inline.
func NewInline(namespace string, reg prometheus.Registerer) (m *Inline, err error) {
	const verdicts = "verdicts_total"

	m = &Inline{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      verdicts,
			Subsystem: subsystemInline,
			Namespace: namespace,
			Help:      "The number of NFQUEUE verdicts.",
		}, []string{"verdict", "reason"}),
	}

	err = register(reg, container.KeyValues[string, prometheus.Collector]{{
		Key:   verdicts,
		Value: m.verdicts,
	}})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// IncrementVerdicts implements the [inline.Metrics] interface for *Inline.
func (m *Inline) IncrementVerdicts(_ context.Context, accepted bool, reason string) {
	verdict := "drop"
	if accepted {
		verdict = "accept"
	}

	m.verdicts.WithLabelValues(verdict, reason).Inc()
}
