// Package metrics contains the Prometheus implementations of the metrics
// interfaces of tunfilter and the HTTP server exposing them.
package metrics

import (
	"fmt"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the default namespace of all tunfilter metrics.
const Namespace = "tunfilter"

// Subsystem names used in tunfilter metrics.
const (
	subsystemPump   = "pump"
	subsystemInline = "inline"
)

// register registers every collector in reg and returns the joined errors.
func register(reg prometheus.Registerer, collectors container.KeyValues[string, prometheus.Collector]) (err error) {
	var errs []error
	for _, c := range collectors {
		err = reg.Register(c.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("registering metrics %q: %w", c.Key, err))
		}
	}

	return errors.Join(errs...)
}
