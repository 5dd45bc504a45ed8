package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"golang.org/x/sys/unix"
)

// readBufSize is the size of the buffer replies are read into.  It fits the
// largest UDP datagram.
const readBufSize = 64 * 1024

// maxReadsPerPoll bounds the number of reads from one socket per poll so
// that a busy flow cannot starve the tunnel.
const maxReadsPerPoll = 16

// Config is the configuration of a [Tracker].
type Config struct {
	// Logger is used for debug logging of flow lifecycle.  If nil, a discard
	// logger is used.
	Logger *slog.Logger

	// Protector is called on every new socket before connect.  If nil,
	// [EmptyProtector] is used.
	Protector Protector

	// Clock is used for activity timestamps and sweeps.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// OnClose, if set, is called for every flow leaving the table, with the
	// table lock held.  It must not call into the tracker.
	OnClose func(f *Flow, reason CloseReason)

	// MaxFlows is the maximum number of flows in the table.  If zero,
	// [DefaultMaxFlows] is used.
	MaxFlows int

	// IdleTimeout is the inactivity period after which a sweep evicts a
	// flow.  If zero, [DefaultIdleTimeout] is used.
	IdleTimeout time.Duration

	// MSS is the largest TCP payload put in one synthesized segment.  If
	// zero, it is derived from a 1500-byte MTU.
	MSS uint16
}

// Tracker owns the flow table.  Every method takes the table-wide lock for
// its whole duration, so the pump and an external reset never interleave on
// the same socket.
type Tracker struct {
	logger    *slog.Logger
	protector Protector
	clock     timeutil.Clock
	onClose   func(f *Flow, reason CloseReason)

	mu    *sync.Mutex
	flows map[Key]*Flow

	pollFDs   []unix.PollFd
	pollFlows []*Flow
	buf       []byte

	maxFlows    int
	idleTimeout time.Duration
	mss         uint16
}

// New returns a new *Tracker.  c must not be nil.
func New(c *Config) (t *Tracker) {
	t = &Tracker{
		logger:      c.Logger,
		protector:   c.Protector,
		clock:       c.Clock,
		onClose:     c.OnClose,
		mu:          &sync.Mutex{},
		flows:       make(map[Key]*Flow),
		buf:         make([]byte, readBufSize),
		maxFlows:    c.MaxFlows,
		idleTimeout: c.IdleTimeout,
		mss:         c.MSS,
	}

	if t.logger == nil {
		t.logger = slogutil.NewDiscardLogger()
	}

	if t.protector == nil {
		t.protector = EmptyProtector{}
	}

	if t.clock == nil {
		t.clock = timeutil.SystemClock{}
	}

	if t.maxFlows <= 0 {
		t.maxFlows = DefaultMaxFlows
	}

	if t.idleTimeout <= 0 {
		t.idleTimeout = DefaultIdleTimeout
	}

	if t.mss == 0 {
		t.mss = 1500 - 40
	}

	return t
}

// Len returns the number of active flows.
func (t *Tracker) Len() (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.flows)
}

// Lookup returns the active flow for k or nil.
func (t *Tracker) Lookup(k Key) (f *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flows[k]
}

// Annotate records d as the domain of the flow for k unless one is already
// set.  It reports whether the flow exists.
func (t *Tracker) Annotate(k Key, d string) (ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.flows[k]
	if f == nil {
		return false
	}

	if f.Domain == "" {
		f.Domain = d
	}

	return true
}

// LookupOrCreate returns the flow for k, creating it if it is absent.  A new
// flow gets a socket of the matching type, protected and connected to k.Dst.
// Errors are [ErrTableFull], [ErrSocketCreate], and [ErrConnect]; none of
// them affects existing flows.
func (t *Tracker) LookupOrCreate(ctx context.Context, k Key) (f *Flow, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lookupOrCreateLocked(ctx, k)
}

func (t *Tracker) lookupOrCreateLocked(ctx context.Context, k Key) (f *Flow, created bool, err error) {
	if f = t.flows[k]; f != nil {
		f.LastActive = t.clock.Now()

		return f, false, nil
	}

	if len(t.flows) >= t.maxFlows {
		return nil, false, ErrTableFull
	}

	fd, err := openSocket(k, t.protector)
	if err != nil {
		return nil, false, fmt.Errorf("flow %s: %w", k, err)
	}

	now := t.clock.Now()
	f = &Flow{
		Key:        k,
		Created:    now,
		LastActive: now,
		fd:         fd,
		state:      StateActive,
	}
	t.flows[k] = f

	t.logger.DebugContext(ctx, "flow opened", "flow", k, "active", len(t.flows))

	return f, true, nil
}

// Forward writes payload to the socket of f.  Writes never block: if the
// socket is not writable the payload is dropped and n is zero.  A write
// error closes the flow.
func (t *Tracker) Forward(ctx context.Context, f *Flow, payload []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.forwardLocked(ctx, f, payload)
}

func (t *Tracker) forwardLocked(ctx context.Context, f *Flow, payload []byte) (n int, err error) {
	if f.state != StateActive {
		return 0, ErrClosed
	}

	n, err = unix.Write(f.fd, payload)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOTCONN) {
			t.logger.DebugContext(ctx, "write would block, dropped", "flow", f.Key, "len", len(payload))

			return 0, nil
		}

		t.closeLocked(ctx, f, ReasonError)

		return 0, fmt.Errorf("writing to %s: %w", f.Key, err)
	}

	f.BytesOut += uint64(n)
	f.LastActive = t.clock.Now()

	return n, nil
}

// Sweep evicts the flows idle for longer than the idle timeout and returns
// their number.
func (t *Tracker) Sweep(ctx context.Context) (evicted int) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.flows {
		if now.Sub(f.LastActive) > t.idleTimeout {
			t.closeLocked(ctx, f, ReasonIdle)
			evicted++
		}
	}

	return evicted
}

// Reset closes every flow.  It is safe to call from any goroutine.
func (t *Tracker) Reset(ctx context.Context) (closed int) {
	return t.closeAll(ctx, ReasonReset)
}

// Close closes every flow on shutdown.
func (t *Tracker) Close(ctx context.Context) (err error) {
	t.closeAll(ctx, ReasonShutdown)

	return nil
}

func (t *Tracker) closeAll(ctx context.Context, reason CloseReason) (closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range t.flows {
		t.closeLocked(ctx, f, reason)
		closed++
	}

	return closed
}

// closeLocked closes the socket of f and evicts it.  t.mu must be held.
func (t *Tracker) closeLocked(ctx context.Context, f *Flow, reason CloseReason) {
	if f.state == StateClosed {
		return
	}

	f.state = StateClosed
	delete(t.flows, f.Key)

	err := unix.Close(f.fd)
	if err != nil {
		t.logger.DebugContext(ctx, "closing socket", "flow", f.Key, slogutil.KeyError, err)
	}

	t.logger.DebugContext(
		ctx,
		"flow closed",
		"flow", f.Key,
		"reason", reason,
		"bytes_out", f.BytesOut,
		"bytes_in", f.BytesIn,
	)

	if t.onClose != nil {
		t.onClose(f, reason)
	}
}

// initialSeq returns a random initial sequence number for a synthesized TCP
// connection.
func initialSeq() (isn uint32) {
	return rand.Uint32()
}
