package flow

import (
	"context"
	"net/netip"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/p4th0r/tunfilter/internal/packet"
	"golang.org/x/sys/unix"
)

// replyWindow is the receive window advertised in synthesized segments.
const replyWindow = 65535

// tcpState is the minimal per-flow TCP bookkeeping: our sequence space and
// the next byte expected from the device.  There is no retransmission and no
// reordering; only in-order data is forwarded and acknowledged.
type tcpState struct {
	ourISN      uint32
	ourNext     uint32
	theirNext   uint32
	finReceived bool
}

// HandleTCP processes one outbound TCP segment.
//
// A SYN for an absent key creates the flow and is answered with a SYN-ACK.
// In-order payload is written to the socket and acknowledged up to what the
// socket accepted, so the device retransmits the rest.  A FIN half-closes the
// socket; an RST closes the flow.  Segments for absent keys other than SYN
// get a stateless reply: RST for data, ACK for FIN, nothing otherwise.
func (t *Tracker) HandleTCP(ctx context.Context, p packet.Packet, emit EmitFunc) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := KeyOf(p)
	f := t.flows[k]
	if f == nil {
		return t.openTCPLocked(ctx, k, p, emit)
	}

	f.LastActive = t.clock.Now()

	switch {
	case p.Flags.Has(packet.FlagRST):
		t.closeLocked(ctx, f, ReasonRST)

		return nil
	case p.Flags.Has(packet.FlagSYN):
		// Retransmitted SYN, the SYN-ACK was lost.
		t.sendSynAckLocked(ctx, f, emit)

		return nil
	}

	if len(p.Payload) > 0 && p.Seq == f.tcp.theirNext {
		var written int
		written, err = t.forwardLocked(ctx, f, p.Payload)
		if err != nil {
			t.sendStateless(ctx, p, packet.FlagRST, emit)

			return err
		}

		f.tcp.theirNext += uint32(written)
	}

	fin := p.Flags.Has(packet.FlagFIN) &&
		!f.tcp.finReceived &&
		p.Seq+uint32(len(p.Payload)) == f.tcp.theirNext
	if fin {
		f.tcp.finReceived = true
		f.tcp.theirNext++

		shutErr := unix.Shutdown(f.fd, unix.SHUT_WR)
		if shutErr != nil {
			t.logger.DebugContext(ctx, "half-closing", "flow", k, slogutil.KeyError, shutErr)
		}
	}

	if len(p.Payload) > 0 || p.Flags.Has(packet.FlagFIN) {
		t.sendTCPLocked(ctx, f, packet.FlagACK, f.tcp.ourNext, nil, emit)
	}

	return nil
}

// AbortTCP closes the TCP flow of p, if there is one, and resets the device
// side of the connection.  It reports whether a flow was closed.
func (t *Tracker) AbortTCP(ctx context.Context, p packet.Packet, emit EmitFunc) (closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f := t.flows[KeyOf(p)]
	if f == nil || f.Key.Proto != packet.ProtoTCP {
		return false
	}

	seg := packet.Segment{
		Seq:   f.tcp.ourNext,
		Ack:   p.Seq + uint32(len(p.Payload)),
		Flags: packet.FlagRST | packet.FlagACK,
	}

	t.closeLocked(ctx, f, ReasonBlocked)
	t.emitSegment(ctx, f.Key.Dst, f.Key.Src, seg, nil, emit)

	return true
}

// openTCPLocked handles a segment for an absent key.
func (t *Tracker) openTCPLocked(ctx context.Context, k Key, p packet.Packet, emit EmitFunc) (err error) {
	switch {
	case p.Flags.Has(packet.FlagRST):
		return nil
	case !p.Flags.Has(packet.FlagSYN) || p.Flags.Has(packet.FlagACK):
		if len(p.Payload) > 0 {
			t.sendStateless(ctx, p, packet.FlagRST, emit)
		} else if p.Flags.Has(packet.FlagFIN) {
			t.sendStateless(ctx, p, packet.FlagACK, emit)
		}

		return nil
	}

	f, _, err := t.lookupOrCreateLocked(ctx, k)
	if err != nil {
		t.sendStateless(ctx, p, packet.FlagRST, emit)

		return err
	}

	isn := initialSeq()
	f.tcp = tcpState{
		ourISN:    isn,
		ourNext:   isn + 1,
		theirNext: p.Seq + 1,
	}

	t.sendSynAckLocked(ctx, f, emit)

	return nil
}

func (t *Tracker) sendSynAckLocked(ctx context.Context, f *Flow, emit EmitFunc) {
	seg := packet.Segment{
		Seq:    f.tcp.ourISN,
		Ack:    f.tcp.theirNext,
		Flags:  packet.FlagSYN | packet.FlagACK,
		Window: replyWindow,
		MSS:    t.mss,
	}

	t.emitSegment(ctx, f.Key.Dst, f.Key.Src, seg, nil, emit)
}

// sendTCPLocked emits a segment of f from the remote side to the device.
func (t *Tracker) sendTCPLocked(
	ctx context.Context,
	f *Flow,
	flags packet.TCPFlags,
	seq uint32,
	payload []byte,
	emit EmitFunc,
) {
	seg := packet.Segment{
		Seq:    seq,
		Ack:    f.tcp.theirNext,
		Flags:  flags,
		Window: replyWindow,
	}

	t.emitSegment(ctx, f.Key.Dst, f.Key.Src, seg, payload, emit)
}

// sendStateless answers p without a flow.  flags is either RST or ACK.
func (t *Tracker) sendStateless(ctx context.Context, p packet.Packet, flags packet.TCPFlags, emit EmitFunc) {
	ack := p.Seq + uint32(len(p.Payload))
	if p.Flags.Has(packet.FlagSYN) || p.Flags.Has(packet.FlagFIN) {
		ack++
	}

	seg := packet.Segment{
		Seq:   p.Ack,
		Ack:   ack,
		Flags: flags | packet.FlagACK,
	}

	t.emitSegment(ctx, p.Dst, p.Src, seg, nil, emit)
}

func (t *Tracker) emitSegment(
	ctx context.Context,
	src netip.AddrPort,
	dst netip.AddrPort,
	seg packet.Segment,
	payload []byte,
	emit EmitFunc,
) {
	pkt, err := packet.BuildTCP(src, dst, seg, payload)
	if err != nil {
		t.logger.WarnContext(ctx, "building tcp segment", "dst", dst, slogutil.KeyError, err)

		return
	}

	emit(pkt)
}
