package pump

import (
	"context"

	"github.com/p4th0r/tunfilter/internal/packet"
)

// Metrics is an interface used for collection of the packet pump
// statistics.
type Metrics interface {
	// IncrementPackets increments the number of packets read from or written
	// into the tunnel.
	IncrementPackets(ctx context.Context, dir packet.Direction, size int)

	// IncrementBlocked increments the number of packets dropped by the
	// blocklist.  reason is one of the logging.Reason constants.
	IncrementBlocked(ctx context.Context, reason string)

	// IncrementDropped increments the number of packets dropped for any other
	// reason: malformed, unsupported, or a flow error.
	IncrementDropped(ctx context.Context, cause string)

	// SetActiveFlows sets the number of flows in the table.
	SetActiveFlows(ctx context.Context, n int)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementPackets implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementPackets(_ context.Context, _ packet.Direction, _ int) {}

// IncrementBlocked implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementBlocked(_ context.Context, _ string) {}

// IncrementDropped implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementDropped(_ context.Context, _ string) {}

// SetActiveFlows implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) SetActiveFlows(_ context.Context, _ int) {}
