package metrics

import (
	"context"

	"github.com/AdguardTeam/golibs/container"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/p4th0r/tunfilter/internal/pump"
	"github.com/prometheus/client_golang/prometheus"
)

// Pump is the Prometheus-based implementation of the [pump.Metrics]
// interface.
type Pump struct {
	// packets is a counter of packets crossing the tunnel, by direction.
	packets *prometheus.CounterVec

	// bytes is a counter of bytes crossing the tunnel, by direction.
	bytes *prometheus.CounterVec

	// blocked is a counter of packets dropped by the blocklist, by reason.
	blocked *prometheus.CounterVec

	// dropped is a counter of packets dropped for other causes.
	dropped *prometheus.CounterVec

	// activeFlows is a gauge with the number of flows in the table.
	activeFlows prometheus.Gauge
}

// type check
var _ pump.Metrics = (*Pump)(nil)

// NewPump registers the pump metrics in reg and returns a properly
// initialized *Pump.
func NewPump(namespace string, reg prometheus.Registerer) (m *Pump, err error) {
	const (
		packets     = "packets_total"
		bytes       = "bytes_total"
		blocked     = "blocked_total"
		dropped     = "dropped_total"
		activeFlows = "active_flows"
	)

	m = &Pump{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      packets,
			Subsystem: subsystemPump,
			Namespace: namespace,
			Help:      "The number of packets crossing the tunnel.",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      bytes,
			Subsystem: subsystemPump,
			Namespace: namespace,
			Help:      "The number of bytes crossing the tunnel, headers included.",
		}, []string{"direction"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      blocked,
			Subsystem: subsystemPump,
			Namespace: namespace,
			Help:      "The number of packets dropped by the blocklist.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      dropped,
			Subsystem: subsystemPump,
			Namespace: namespace,
			Help:      "The number of packets dropped as malformed, unsupported, or on flow errors.",
		}, []string{"cause"}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      activeFlows,
			Subsystem: subsystemPump,
			Namespace: namespace,
			Help:      "The number of flows in the flow table.",
		}),
	}

	err = register(reg, container.KeyValues[string, prometheus.Collector]{{
		Key:   packets,
		Value: m.packets,
	}, {
		Key:   bytes,
		Value: m.bytes,
	}, {
		Key:   blocked,
		Value: m.blocked,
	}, {
		Key:   dropped,
		Value: m.dropped,
	}, {
		Key:   activeFlows,
		Value: m.activeFlows,
	}})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// IncrementPackets implements the [pump.Metrics] interface for *Pump.
func (m *Pump) IncrementPackets(_ context.Context, dir packet.Direction, size int) {
	d := dir.String()
	m.packets.WithLabelValues(d).Inc()
	m.bytes.WithLabelValues(d).Add(float64(size))
}

// IncrementBlocked implements the [pump.Metrics] interface for *Pump.
func (m *Pump) IncrementBlocked(_ context.Context, reason string) {
	m.blocked.WithLabelValues(reason).Inc()
}

// IncrementDropped implements the [pump.Metrics] interface for *Pump.
func (m *Pump) IncrementDropped(_ context.Context, cause string) {
	m.dropped.WithLabelValues(cause).Inc()
}

// SetActiveFlows implements the [pump.Metrics] interface for *Pump.
func (m *Pump) SetActiveFlows(_ context.Context, n int) {
	m.activeFlows.Set(float64(n))
}
