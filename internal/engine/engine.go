// Package engine is the control surface of the filter: it owns the blocklist,
// the flow table, and the pump goroutine.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/p4th0r/tunfilter/internal/filter"
	"github.com/p4th0r/tunfilter/internal/flow"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/pump"
)

const (
	// ErrRunning is returned by [Engine.Start] if the pump is already
	// running.
	ErrRunning errors.Error = "engine is already running"

	// ErrNotRunning is returned by [Engine.Stop] if the pump was not started.
	ErrNotRunning errors.Error = "engine is not running"
)

// Config is the configuration of an [Engine].
type Config struct {
	// Logger is the base logger; components add their own prefixes.  If nil,
	// a discard logger is used.
	Logger *slog.Logger

	// Protector exempts flow sockets from the tunnel.  If nil,
	// [flow.EmptyProtector] is used.
	Protector flow.Protector

	// Metrics is used for pump statistics.  If nil, [pump.EmptyMetrics] is
	// used.
	Metrics pump.Metrics

	// Recorder, if not nil, receives every packet crossing the tunnel.
	Recorder pump.Recorder

	// Events, if not nil, receives filtering events.
	Events chan<- logging.Event

	// Clock is used by the flow table and the pump.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// Blocklists are the blocklist files loaded by [Engine.Refresh].
	Blocklists []string

	// DNSBlockMode defines the answer to blocked DNS queries.
	DNSBlockMode pump.DNSBlockMode

	// MaxFlows is the flow table capacity.
	MaxFlows int

	// IdleTimeout is the flow inactivity timeout.
	IdleTimeout time.Duration

	// PollTimeout bounds the wait for socket replies when the tunnel is idle.
	PollTimeout time.Duration

	// SweepInterval is the period of idle-flow sweeps.
	SweepInterval time.Duration

	// MTU is the tunnel MTU.
	MTU int

	// MSS is the largest TCP payload in one synthesized segment.
	MSS uint16

	// TrackResolved enables blocking of flows to addresses resolved from
	// blocked names.
	TrackResolved bool
}

// Stats is a snapshot of the engine state.
type Stats struct {
	pump.Stats

	// Patterns is the number of blocklist patterns.
	Patterns int

	// Networks is the number of blocked networks.
	Networks int

	// Resolutions is the number of DNS replies observed.
	Resolutions int
}

// Engine owns the blocklist and runs the pump.  All methods are safe for
// concurrent use.
type Engine struct {
	logger     *slog.Logger
	index      *filter.Index
	networks   *filter.NetSet
	resolved   *dnstrack.Tracker
	flows      *flow.Tracker
	classifier *pump.Classifier
	pump       *pump.Pump

	// mu protects cancel, done, and runErr.
	mu     *sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	blocklists []string
}

// type check
var _ service.Refresher = (*Engine)(nil)

// New returns a new *Engine with an empty blocklist.  c must not be nil.
func New(c *Config) (e *Engine) {
	logger := c.Logger
	if logger == nil {
		logger = slogutil.NewDiscardLogger()
	}

	e = &Engine{
		logger:     logger.With(slogutil.KeyPrefix, "engine"),
		index:      filter.New(),
		networks:   filter.NewNetSet(),
		mu:         &sync.Mutex{},
		blocklists: c.Blocklists,
	}

	if c.TrackResolved {
		e.resolved = dnstrack.New(&dnstrack.Config{Clock: c.Clock})
	}

	e.flows = flow.New(&flow.Config{
		Logger:      logger.With(slogutil.KeyPrefix, "flow"),
		Protector:   c.Protector,
		Clock:       c.Clock,
		MaxFlows:    c.MaxFlows,
		IdleTimeout: c.IdleTimeout,
		MSS:         c.MSS,
	})

	e.classifier = pump.NewClassifier(&pump.ClassifierConfig{
		Index:    e.index,
		Networks: e.networks,
		Resolved: e.resolved,
	})

	e.pump = pump.New(&pump.Config{
		Logger:        logger.With(slogutil.KeyPrefix, "pump"),
		Classifier:    e.classifier,
		Flows:         e.flows,
		Resolved:      e.resolved,
		Metrics:       c.Metrics,
		Recorder:      c.Recorder,
		Events:        c.Events,
		Clock:         c.Clock,
		DNSBlockMode:  c.DNSBlockMode,
		PollTimeout:   c.PollTimeout,
		SweepInterval: c.SweepInterval,
		MTU:           c.MTU,
	})

	return e
}

// AddDomain adds a single pattern, exact or "*."-prefixed, to the blocklist.
// It returns false if the pattern is not a valid name.
func (e *Engine) AddDomain(pattern string) (ok bool) {
	return e.index.Insert(pattern)
}

// LoadDomains adds hosts-style lines to the blocklist and returns the number
// of entries inserted.
func (e *Engine) LoadDomains(lines []string) (n int) {
	return e.index.LoadLines(lines)
}

// Load adds hosts-style lines read from r to the blocklist.  On a read error
// it returns the number of entries inserted so far along with the error.
func (e *Engine) Load(r io.Reader) (n int, err error) {
	return e.index.Load(r)
}

// LoadFile adds the hosts-style file at path to the blocklist.
func (e *Engine) LoadFile(path string) (n int, err error) {
	return e.index.LoadFile(path)
}

// BlockNetwork adds an IPv4 CIDR or address to the blocked networks.
func (e *Engine) BlockNetwork(cidr string) (err error) {
	return e.networks.Add(cidr)
}

// CheckDomain reports whether name is blocked.
func (e *Engine) CheckDomain(name string) (blocked bool) {
	return e.index.Check(name)
}

// Classifier returns the classifier shared with the pump.
func (e *Engine) Classifier() (cl *pump.Classifier) {
	return e.classifier
}

// Resolved returns the resolved address tracker, or nil if tracking is
// disabled.
func (e *Engine) Resolved() (t *dnstrack.Tracker) {
	return e.resolved
}

// Refresh implements the [service.Refresher] interface for *Engine.  It
// loads every configured blocklist file again; the blocklist only grows, so
// lines removed from a file stay blocked until restart.
func (e *Engine) Refresh(ctx context.Context) (err error) {
	var errs []error
	total := 0
	for _, path := range e.blocklists {
		n, loadErr := e.index.LoadFile(path)
		total += n
		if loadErr != nil {
			errs = append(errs, loadErr)
		}
	}

	e.logger.DebugContext(ctx, "blocklists refreshed", "files", len(e.blocklists), "entries", total)

	return errors.Join(errs...)
}

// Start runs the pump over tun in a new goroutine.  It returns [ErrRunning]
// if the pump is already running.
func (e *Engine) Start(ctx context.Context, tun pump.Tunnel) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runErr = nil

	go e.run(runCtx, tun, e.done)

	e.logger.InfoContext(ctx, "started", "patterns", e.index.Len())

	return nil
}

// run runs the pump and records its error.
func (e *Engine) run(ctx context.Context, tun pump.Tunnel, done chan struct{}) {
	defer close(done)
	defer slogutil.RecoverAndLog(ctx, e.logger)

	err := e.pump.Run(ctx, tun)
	if err != nil {
		e.logger.ErrorContext(ctx, "pump exited", slogutil.KeyError, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.runErr = err
}

// Done returns a channel that is closed when the pump exits, or nil if the
// engine was never started.
func (e *Engine) Done() (done <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.done
}

// Err returns the error the pump exited with, if any.
func (e *Engine) Err() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.runErr
}

// Stop cancels the pump, waits for it to exit or for ctx to be done, and
// closes every flow.  The engine stays running until the pump has exited, so
// a Stop that failed on ctx may be retried.
func (e *Engine) Stop(ctx context.Context) (err error) {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for pump: %w", ctx.Err())
	}

	e.mu.Lock()
	if e.done == done {
		e.cancel = nil
	}
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "stopped", "flows", e.flows.Len(), "blocked", e.pump.BlockedCount())

	return e.flows.Close(ctx)
}

// BlockedCount returns the number of packets dropped by the blocklist.
func (e *Engine) BlockedCount() (n uint64) {
	return e.pump.BlockedCount()
}

// ResetFlows closes every active flow and returns their number.
func (e *Engine) ResetFlows(ctx context.Context) (closed int) {
	closed = e.flows.Reset(ctx)
	e.logger.InfoContext(ctx, "flows reset", "closed", closed)

	return closed
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() (s Stats) {
	s = Stats{
		Stats:    e.pump.Stats(),
		Patterns: e.index.Len(),
		Networks: e.networks.Len(),
	}

	if e.resolved != nil {
		s.Resolutions, _ = e.resolved.Stats()
	}

	return s
}

// Resolutions returns the DNS replies observed so far, or nil if resolved
// address tracking is disabled.
func (e *Engine) Resolutions() (rs []dnstrack.Resolution) {
	if e.resolved == nil {
		return nil
	}

	return e.resolved.Resolutions()
}
