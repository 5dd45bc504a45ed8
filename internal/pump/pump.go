// Package pump contains the single-threaded loop moving packets between the
// tunnel and the flow sockets.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/p4th0r/tunfilter/internal/extract"
	"github.com/p4th0r/tunfilter/internal/flow"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/packet"
)

// Defaults for the [Config] fields.
const (
	DefaultPollTimeout   = 10 * time.Millisecond
	DefaultSweepInterval = 10 * time.Second
	DefaultMTU           = 1500
)

// Drop causes reported to [Metrics.IncrementDropped].
const (
	causeMalformed   = "malformed"
	causeUnsupported = "unsupported"
	causeFlowError   = "flow_error"
)

// Tunnel is the virtual interface the pump reads outbound packets from and
// writes replies to.
type Tunnel interface {
	// ReadPacket reads one whole IP packet into b.  It must not block: if no
	// packet is available it returns zero and a nil error.
	ReadPacket(b []byte) (n int, err error)

	// WritePacket writes one whole IP packet.
	WritePacket(b []byte) (err error)
}

// Recorder receives a copy of every packet crossing the tunnel.
type Recorder interface {
	Record(ctx context.Context, dir packet.Direction, pkt []byte)
}

// DNSBlockMode defines how blocked DNS queries are answered.
type DNSBlockMode string

// Valid DNSBlockMode values.
const (
	// DNSBlockDrop silently drops the query.
	DNSBlockDrop DNSBlockMode = "drop"

	// DNSBlockNXDomain answers the query with NXDOMAIN.
	DNSBlockNXDomain DNSBlockMode = "nxdomain"
)

// Verdict is the outcome of processing one outbound packet.
type Verdict uint8

// Verdict values.
const (
	VerdictRelayed Verdict = iota
	VerdictBlocked
	VerdictDropped
)

// String implements the [fmt.Stringer] interface for Verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictRelayed:
		return "relayed"
	case VerdictBlocked:
		return "blocked"
	case VerdictDropped:
		return "dropped"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Config is the configuration of a [Pump].
type Config struct {
	// Logger is used for debug logging.  If nil, a discard logger is used.
	Logger *slog.Logger

	// Classifier decides which packets are blocked.  It must not be nil.
	Classifier *Classifier

	// Flows is the flow table.  It must not be nil.
	Flows *flow.Tracker

	// Resolved, if not nil, is fed every DNS reply written into the tunnel.
	Resolved *dnstrack.Tracker

	// Metrics is used for statistics.  If nil, [EmptyMetrics] is used.
	Metrics Metrics

	// Recorder, if not nil, receives every packet crossing the tunnel.
	Recorder Recorder

	// Events, if not nil, receives filtering events.  Sends never block; an
	// event is discarded if the channel is full.
	Events chan<- logging.Event

	// Clock is used for sweeps and event timestamps.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// DNSBlockMode defines the answer to blocked DNS queries.  If empty,
	// [DNSBlockDrop] is used.
	DNSBlockMode DNSBlockMode

	// PollTimeout bounds the wait for socket replies when the tunnel is idle.
	// If zero, [DefaultPollTimeout] is used.
	PollTimeout time.Duration

	// SweepInterval is the period of idle-flow sweeps.  If zero,
	// [DefaultSweepInterval] is used.
	SweepInterval time.Duration

	// MTU is the largest packet read from the tunnel.  If zero,
	// [DefaultMTU] is used.
	MTU int
}

// Stats is a snapshot of the pump counters.
type Stats struct {
	// Blocked is the number of packets dropped by the blocklist.
	Blocked uint64

	// Relayed is the number of outbound packets handed to a flow.
	Relayed uint64

	// Replies is the number of packets written into the tunnel.
	Replies uint64

	// Dropped is the number of packets dropped for any other reason.
	Dropped uint64

	// ActiveFlows is the number of flows in the table.
	ActiveFlows int
}

// Pump drives packets between the tunnel and the flow sockets.  Only
// [Pump.Run] or [Pump.Process] touch the tunnel and the decoders, from one
// goroutine; the counters may be read from any goroutine.
type Pump struct {
	logger     *slog.Logger
	classifier *Classifier
	flows      *flow.Tracker
	resolved   *dnstrack.Tracker
	metrics    Metrics
	recorder   Recorder
	events     chan<- logging.Event
	clock      timeutil.Clock

	decoder      *packet.Decoder
	replyDecoder *packet.Decoder
	buf          []byte
	lastSweep    time.Time

	blocked atomic.Uint64
	relayed atomic.Uint64
	replies atomic.Uint64
	dropped atomic.Uint64

	dnsBlockMode  DNSBlockMode
	pollTimeout   time.Duration
	sweepInterval time.Duration
}

// New returns a new *Pump.  c must not be nil.
func New(c *Config) (p *Pump) {
	p = &Pump{
		logger:        c.Logger,
		classifier:    c.Classifier,
		flows:         c.Flows,
		resolved:      c.Resolved,
		metrics:       c.Metrics,
		recorder:      c.Recorder,
		events:        c.Events,
		clock:         c.Clock,
		decoder:       packet.NewDecoder(),
		replyDecoder:  packet.NewDecoder(),
		dnsBlockMode:  c.DNSBlockMode,
		pollTimeout:   c.PollTimeout,
		sweepInterval: c.SweepInterval,
	}

	if p.logger == nil {
		p.logger = slogutil.NewDiscardLogger()
	}

	if p.metrics == nil {
		p.metrics = EmptyMetrics{}
	}

	if p.clock == nil {
		p.clock = timeutil.SystemClock{}
	}

	if p.dnsBlockMode == "" {
		p.dnsBlockMode = DNSBlockDrop
	}

	if p.pollTimeout <= 0 {
		p.pollTimeout = DefaultPollTimeout
	}

	if p.sweepInterval <= 0 {
		p.sweepInterval = DefaultSweepInterval
	}

	mtu := c.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	p.buf = make([]byte, mtu)

	return p
}

// Run reads packets from tun until ctx is canceled or the tunnel fails.  When
// a packet was read, pending replies are relayed without waiting; otherwise
// the poll of flow sockets waits up to the poll timeout, so the loop never
// spins and never blocks indefinitely.
func (p *Pump) Run(ctx context.Context, tun Tunnel) (err error) {
	emit := p.newEmitter(ctx, tun)
	p.lastSweep = p.clock.Now()

	p.logger.InfoContext(ctx, "pump started", "poll_timeout", p.pollTimeout)
	defer p.logger.InfoContext(ctx, "pump stopped")

	for ctx.Err() == nil {
		var n int
		n, err = tun.ReadPacket(p.buf)
		if err != nil {
			return fmt.Errorf("reading tunnel: %w", err)
		}

		timeout := p.pollTimeout
		if n > 0 {
			p.Process(ctx, p.buf[:n], emit)
			timeout = 0
		}

		p.flows.PollAndRelay(ctx, timeout, emit)
		p.sweepIfDue(ctx)
	}

	return nil
}

// Process handles one outbound packet: it extracts and checks the domain,
// then either drops the packet or hands it to its flow.  Replies synthesized
// on the way, such as TCP handshake segments and DNS block answers, are
// passed to emit.
func (p *Pump) Process(ctx context.Context, pkt []byte, emit flow.EmitFunc) (v Verdict) {
	p.metrics.IncrementPackets(ctx, packet.Outbound, len(pkt))
	if p.recorder != nil {
		p.recorder.Record(ctx, packet.Outbound, pkt)
	}

	decoded, err := p.decoder.Decode(pkt)
	if err != nil {
		cause := causeMalformed
		if errors.Is(err, packet.ErrNotIPv4) || errors.Is(err, packet.ErrNoTransport) {
			cause = causeUnsupported
		}

		p.drop(ctx, cause)
		p.logger.Log(ctx, slogutil.LevelTrace, "dropping packet", "cause", cause, slogutil.KeyError, err)

		return VerdictDropped
	}

	k := flow.KeyOf(decoded)
	newFlow := p.flows.Lookup(k) == nil
	d := p.classifier.Classify(decoded, newFlow)
	if d.Blocked {
		p.block(ctx, decoded, d, emit)

		return VerdictBlocked
	}

	if d.Domain != "" {
		p.sendEvent(ctx, logging.EventAllowed, decoded, d, "")
	}

	switch decoded.Proto {
	case packet.ProtoTCP:
		err = p.flows.HandleTCP(ctx, decoded, emit)
	default:
		err = p.forwardUDP(ctx, k, decoded.Payload)
	}

	if err != nil {
		p.drop(ctx, causeFlowError)
		p.sendEvent(ctx, logging.EventFlowError, decoded, d, err.Error())
		p.logger.DebugContext(ctx, "flow error", "flow", k, slogutil.KeyError, err)

		return VerdictDropped
	}

	if d.Domain != "" {
		p.flows.Annotate(k, d.Domain)
	}

	if newFlow && p.flows.Lookup(k) != nil {
		p.metrics.SetActiveFlows(ctx, p.flows.Len())
		p.warnEncryptedDNS(ctx, decoded)
	}

	p.relayed.Add(1)

	return VerdictRelayed
}

// forwardUDP writes payload to the flow of k, creating it if needed.
func (p *Pump) forwardUDP(ctx context.Context, k flow.Key, payload []byte) (err error) {
	f, _, err := p.flows.LookupOrCreate(ctx, k)
	if err != nil {
		return err
	}

	_, err = p.flows.Forward(ctx, f, payload)

	return err
}

// block counts and reports a blocked packet.  A blocked segment of an open
// TCP flow closes the flow and resets the connection.  A DNS query is
// answered if the block mode asks for that.
func (p *Pump) block(ctx context.Context, pkt packet.Packet, d Decision, emit flow.EmitFunc) {
	p.blocked.Add(1)
	p.metrics.IncrementBlocked(ctx, d.Reason)
	p.sendEvent(ctx, logging.EventBlocked, pkt, d, "")

	p.logger.DebugContext(
		ctx,
		"blocked",
		"domain", d.Domain,
		"reason", d.Reason,
		"proto", pkt.Proto,
		"dst", pkt.Dst,
	)

	if pkt.Proto == packet.ProtoTCP && p.flows.AbortTCP(ctx, pkt, emit) {
		p.metrics.SetActiveFlows(ctx, p.flows.Len())

		return
	}

	if p.dnsBlockMode != DNSBlockNXDomain || d.Source != extract.SourceDNS {
		return
	}

	reply, err := nxdomainReply(pkt)
	if err != nil {
		p.logger.DebugContext(ctx, "building nxdomain reply", slogutil.KeyError, err)

		return
	}

	emit(reply)
}

func (p *Pump) drop(ctx context.Context, cause string) {
	p.dropped.Add(1)
	p.metrics.IncrementDropped(ctx, cause)
}

// warnEncryptedDNS reports a new flow to a well-known encrypted resolver.
func (p *Pump) warnEncryptedDNS(ctx context.Context, pkt packet.Packet) {
	if !slices.Contains(dnstrack.EncryptedPorts, pkt.Dst.Port()) {
		return
	}

	provider, ok := dnstrack.KnownResolver(pkt.Dst.Addr())
	if !ok {
		return
	}

	p.sendEvent(ctx, logging.EventDoHWarning, pkt, Decision{}, provider)
}

// newEmitter returns the function writing replies into tun.  It records and
// counts every reply and feeds DNS replies to the resolution tracker.
func (p *Pump) newEmitter(ctx context.Context, tun Tunnel) (emit flow.EmitFunc) {
	return func(pkt []byte) {
		p.observeReply(ctx, pkt)

		if p.recorder != nil {
			p.recorder.Record(ctx, packet.Inbound, pkt)
		}

		p.metrics.IncrementPackets(ctx, packet.Inbound, len(pkt))

		err := tun.WritePacket(pkt)
		if err != nil {
			p.logger.DebugContext(ctx, "writing to tunnel", slogutil.KeyError, err)

			return
		}

		p.replies.Add(1)
	}
}

// observeReply records pkt in the resolution tracker if it is a DNS reply.
func (p *Pump) observeReply(ctx context.Context, pkt []byte) {
	if p.resolved == nil {
		return
	}

	decoded, err := p.replyDecoder.Decode(pkt)
	if err != nil || decoded.Proto != packet.ProtoUDP || decoded.Src.Port() != extract.PortDNS {
		return
	}

	r, ok := p.resolved.ObserveReply(decoded.Payload)
	if !ok || len(r.Addrs) == 0 {
		return
	}

	p.emitEvent(ctx, logging.Event{
		Timestamp: r.Timestamp,
		Type:      logging.EventResolved,
		Protocol:  decoded.Proto.String(),
		Src:       decoded.Dst,
		Dst:       decoded.Src,
		Domain:    r.Domain,
		DomainSrc: extract.SourceDNS.String(),
		QueryType: r.QueryType,
		Addrs:     r.Addrs,
		CNAMEs:    r.CNAMEs,
	})
}

func (p *Pump) sweepIfDue(ctx context.Context) {
	now := p.clock.Now()
	if now.Sub(p.lastSweep) < p.sweepInterval {
		return
	}

	p.lastSweep = now
	evicted := p.flows.Sweep(ctx)
	if evicted > 0 {
		p.logger.DebugContext(ctx, "swept idle flows", "evicted", evicted)
	}

	p.metrics.SetActiveFlows(ctx, p.flows.Len())
}

// sendEvent reports an event about an outbound packet.
func (p *Pump) sendEvent(
	ctx context.Context,
	typ logging.EventType,
	pkt packet.Packet,
	d Decision,
	extra string,
) {
	if p.events == nil {
		return
	}

	p.emitEvent(ctx, logging.Event{
		Timestamp: p.clock.Now(),
		Type:      typ,
		Protocol:  pkt.Proto.String(),
		Src:       pkt.Src,
		Dst:       pkt.Dst,
		Domain:    d.Domain,
		DomainSrc: d.DomainSource(),
		Reason:    d.Reason,
		Extra:     extra,
	})
}

func (p *Pump) emitEvent(ctx context.Context, ev logging.Event) {
	if p.events == nil {
		return
	}

	select {
	case p.events <- ev:
	default:
		p.logger.Log(ctx, slogutil.LevelTrace, "event channel full", "type", ev.Type)
	}
}

// BlockedCount returns the number of packets dropped by the blocklist.
func (p *Pump) BlockedCount() (n uint64) {
	return p.blocked.Load()
}

// Stats returns a snapshot of the pump counters.
func (p *Pump) Stats() (s Stats) {
	return Stats{
		Blocked:     p.blocked.Load(),
		Relayed:     p.relayed.Load(),
		Replies:     p.replies.Load(),
		Dropped:     p.dropped.Load(),
		ActiveFlows: p.flows.Len(),
	}
}
