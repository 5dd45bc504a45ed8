// Package inline filters host traffic without a tunnel: nftables queues DNS
// queries and web connections to NFQUEUE, and the handler accepts or drops
// each packet.
package inline

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/florianl/go-nfqueue"
	"github.com/p4th0r/tunfilter/internal/dnstrack"
	"github.com/p4th0r/tunfilter/internal/extract"
	"github.com/p4th0r/tunfilter/internal/logging"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/p4th0r/tunfilter/internal/pump"
)

// DefaultQueueNum is the queue number used when it cannot be derived from the
// session ID.
const DefaultQueueNum uint16 = 100

// Metrics is an interface used for collection of the inline verdict
// statistics.
type Metrics interface {
	// IncrementVerdicts increments the number of verdicts.  reason is empty
	// for accepted packets.
	IncrementVerdicts(ctx context.Context, accepted bool, reason string)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementVerdicts implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementVerdicts(_ context.Context, _ bool, _ string) {}

// AddrBlocker blocks destination addresses at the firewall.
type AddrBlocker interface {
	BlockAddrs(addrs []netip.Addr) (err error)
}

// Config is the configuration of a [Handler].
type Config struct {
	// Logger is used for debug logging.  It must not be nil.
	Logger *slog.Logger

	// Classifier decides which packets are dropped.  It must not be nil.
	Classifier *pump.Classifier

	// Resolved, if not nil, is fed the queued DNS replies.
	Resolved *dnstrack.Tracker

	// Blocker, if not nil, receives the addresses of replies resolving
	// through a blocked name.
	Blocker AddrBlocker

	// Metrics is used for statistics.  If nil, [EmptyMetrics] is used.
	Metrics Metrics

	// Events, if not nil, receives filtering events.  Sends never block.
	Events chan<- logging.Event

	// Clock is used for event timestamps.  If nil, [timeutil.SystemClock] is
	// used.
	Clock timeutil.Clock

	// QueueNum is the NFQUEUE number to bind.
	QueueNum uint16
}

// Handler binds an NFQUEUE and sets a verdict on every queued packet.
type Handler struct {
	logger     *slog.Logger
	classifier *pump.Classifier
	resolved   *dnstrack.Tracker
	blocker    AddrBlocker
	metrics    Metrics
	events     chan<- logging.Event
	clock      timeutil.Clock

	// mu protects decoder, which the queue callback uses, from concurrent
	// calls to [Handler.Decide].
	mu      *sync.Mutex
	decoder *packet.Decoder

	nf       *nfqueue.Nfqueue
	cancel   context.CancelFunc
	queueNum uint16
}

// New returns a new *Handler.  c must not be nil.
func New(c *Config) (h *Handler) {
	h = &Handler{
		logger:     c.Logger,
		classifier: c.Classifier,
		resolved:   c.Resolved,
		blocker:    c.Blocker,
		metrics:    c.Metrics,
		events:     c.Events,
		clock:      c.Clock,
		mu:         &sync.Mutex{},
		decoder:    packet.NewDecoder(),
		queueNum:   c.QueueNum,
	}

	if h.metrics == nil {
		h.metrics = EmptyMetrics{}
	}

	if h.clock == nil {
		h.clock = timeutil.SystemClock{}
	}

	return h
}

// type check
var _ service.Interface = (*Handler)(nil)

// Start implements the [service.Interface] interface for *Handler.  It opens
// the queue and begins processing packets.
func (h *Handler) Start(ctx context.Context) (err error) {
	cfg := nfqueue.Config{
		NfQueue:      h.queueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  1024,
		Copymode:     nfqueue.NfQnlCopyPacket,
		// Accept packets instead of dropping them when the queue is full.
		Flags:        nfqueue.NfQaCfgFlagFailOpen,
		WriteTimeout: 1 * time.Second,
	}

	nf, err := nfqueue.Open(&cfg)
	if err != nil {
		return fmt.Errorf("opening nfqueue %d: %w", h.queueNum, err)
	}
	h.nf = nf

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	err = nf.RegisterWithErrorFunc(
		runCtx,
		func(a nfqueue.Attribute) int {
			h.handle(runCtx, a)

			return 0
		},
		func(e error) int {
			if runCtx.Err() != nil {
				return 1
			}

			h.logger.DebugContext(runCtx, "nfqueue error", slogutil.KeyError, e)

			return 0
		},
	)
	if err != nil {
		cancel()
		_ = nf.Close()

		return fmt.Errorf("registering nfqueue handler: %w", err)
	}

	h.logger.InfoContext(ctx, "nfqueue handler started", "queue", h.queueNum)

	return nil
}

// Shutdown implements the [service.Interface] interface for *Handler.
func (h *Handler) Shutdown(_ context.Context) (err error) {
	if h.cancel != nil {
		h.cancel()
	}

	if h.nf == nil {
		return nil
	}

	err = h.nf.Close()
	if err != nil {
		return fmt.Errorf("closing nfqueue: %w", err)
	}

	return nil
}

// handle sets the verdict of one queued packet.
func (h *Handler) handle(ctx context.Context, a nfqueue.Attribute) {
	if a.PacketID == nil {
		return
	}

	var payload []byte
	if a.Payload != nil {
		payload = *a.Payload
	}

	verdict, _ := h.Decide(ctx, payload)

	err := h.nf.SetVerdict(*a.PacketID, verdict)
	if err != nil {
		h.logger.DebugContext(ctx, "setting verdict", "id", *a.PacketID, slogutil.KeyError, err)
	}
}

// Decide returns the NFQUEUE verdict for the raw IPv4 packet pkt along with
// the filtering decision.  Packets that cannot be decoded are accepted.
// Inbound DNS replies are always accepted after being recorded.
func (h *Handler) Decide(ctx context.Context, pkt []byte) (verdict int, d pump.Decision) {
	h.mu.Lock()
	p, err := h.decoder.Decode(pkt)
	h.mu.Unlock()

	if err != nil {
		h.metrics.IncrementVerdicts(ctx, true, "")

		return nfqueue.NfAccept, d
	}

	if p.Proto == packet.ProtoUDP && p.Src.Port() == extract.PortDNS {
		h.observeReply(ctx, p)
		h.metrics.IncrementVerdicts(ctx, true, "")

		return nfqueue.NfAccept, d
	}

	newFlow := p.Proto == packet.ProtoUDP ||
		(p.Flags.Has(packet.FlagSYN) && !p.Flags.Has(packet.FlagACK))

	d = h.classifier.Classify(p, newFlow)
	if !d.Blocked {
		if d.Domain != "" {
			h.sendEvent(ctx, logging.EventAllowed, p, d)
		}

		h.metrics.IncrementVerdicts(ctx, true, "")

		return nfqueue.NfAccept, d
	}

	h.sendEvent(ctx, logging.EventBlocked, p, d)
	h.metrics.IncrementVerdicts(ctx, false, d.Reason)
	h.logger.DebugContext(ctx, "blocked", "domain", d.Domain, "reason", d.Reason, "dst", p.Dst)

	return nfqueue.NfDrop, d
}

// observeReply records a DNS reply and, if any name in its chain is blocked,
// blocks the resolved addresses at the firewall.
func (h *Handler) observeReply(ctx context.Context, p packet.Packet) {
	if h.resolved == nil {
		return
	}

	r, ok := h.resolved.ObserveReply(p.Payload)
	if !ok || len(r.Addrs) == 0 {
		return
	}

	blockedName := ""
	for _, name := range append([]string{r.Domain}, r.CNAMEs...) {
		if h.classifier.CheckDomain(name) {
			blockedName = name

			break
		}
	}

	if blockedName == "" || h.blocker == nil {
		return
	}

	err := h.blocker.BlockAddrs(r.Addrs)
	if err != nil {
		h.logger.WarnContext(ctx, "blocking resolved addresses", "domain", blockedName, slogutil.KeyError, err)

		return
	}

	h.logger.DebugContext(ctx, "blocked resolved addresses", "domain", blockedName, "addrs", r.Addrs)
}

func (h *Handler) sendEvent(ctx context.Context, typ logging.EventType, p packet.Packet, d pump.Decision) {
	if h.events == nil {
		return
	}

	ev := logging.Event{
		Timestamp: h.clock.Now(),
		Type:      typ,
		Protocol:  p.Proto.String(),
		Src:       p.Src,
		Dst:       p.Dst,
		Domain:    d.Domain,
		DomainSrc: d.DomainSource(),
		Reason:    d.Reason,
	}

	select {
	case h.events <- ev:
	default:
		h.logger.Log(ctx, slogutil.LevelTrace, "event channel full", "type", typ)
	}
}

// QueueNumFromSessionID derives an NFQUEUE number from the first four hex
// digits of the session ID.
func QueueNumFromSessionID(sessionID string) (num uint16) {
	if len(sessionID) < 4 {
		return DefaultQueueNum
	}

	n, err := strconv.ParseUint(sessionID[:4], 16, 16)
	if err != nil {
		return DefaultQueueNum
	}

	return uint16(n)
}
