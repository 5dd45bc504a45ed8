package flow

import (
	"context"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/p4th0r/tunfilter/internal/packet"
	"golang.org/x/sys/unix"
)

// PollAndRelay waits up to timeout for any flow socket to become readable,
// reads what is available, and passes each reply, wrapped in IPv4 and UDP or
// TCP headers addressed from the flow's destination back to its source, to
// emit.  It returns the number of packets emitted.  With no active flows it
// simply waits for timeout.
func (t *Tracker) PollAndRelay(ctx context.Context, timeout time.Duration, emit EmitFunc) (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pollFDs = t.pollFDs[:0]
	t.pollFlows = t.pollFlows[:0]
	for _, f := range t.flows {
		t.pollFDs = append(t.pollFDs, unix.PollFd{
			Fd:     int32(f.fd),
			Events: unix.POLLIN,
		})
		t.pollFlows = append(t.pollFlows, f)
	}

	ready, err := unix.Poll(t.pollFDs, int(timeout.Milliseconds()))
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			t.logger.WarnContext(ctx, "polling flows", slogutil.KeyError, err)
		}

		return 0
	} else if ready == 0 {
		return 0
	}

	for i, pfd := range t.pollFDs {
		if pfd.Revents == 0 {
			continue
		}

		f := t.pollFlows[i]
		switch f.Key.Proto {
		case packet.ProtoUDP:
			n += t.relayUDPLocked(ctx, f, emit)
		case packet.ProtoTCP:
			n += t.relayTCPLocked(ctx, f, emit)
		}
	}

	return n
}

// relayUDPLocked reads pending datagrams of f.  A zero-length datagram is
// relayed like any other; only an error closes the flow.
func (t *Tracker) relayUDPLocked(ctx context.Context, f *Flow, emit EmitFunc) (n int) {
	for range maxReadsPerPoll {
		nr, err := unix.Read(f.fd, t.buf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				t.logger.DebugContext(ctx, "reading datagram", "flow", f.Key, slogutil.KeyError, err)
				t.closeLocked(ctx, f, ReasonError)
			}

			return n
		}

		pkt, err := packet.BuildUDP(f.Key.Dst, f.Key.Src, t.buf[:nr])
		if err != nil {
			t.logger.WarnContext(ctx, "building udp reply", "flow", f.Key, slogutil.KeyError, err)

			return n
		}

		f.BytesIn += uint64(nr)
		f.LastActive = t.clock.Now()
		emit(pkt)
		n++
	}

	return n
}

// relayTCPLocked reads pending stream data of f in MSS-sized segments.  A
// zero-length read is the remote's EOF: a FIN is emitted and the flow closes.
func (t *Tracker) relayTCPLocked(ctx context.Context, f *Flow, emit EmitFunc) (n int) {
	for range maxReadsPerPoll {
		nr, err := unix.Read(f.fd, t.buf[:t.mss])
		switch {
		case errors.Is(err, unix.EAGAIN):
			return n
		case err != nil:
			t.logger.DebugContext(ctx, "reading stream", "flow", f.Key, slogutil.KeyError, err)
			t.sendTCPLocked(ctx, f, packet.FlagRST|packet.FlagACK, f.tcp.ourNext, nil, emit)
			t.closeLocked(ctx, f, ReasonError)

			return n + 1
		case nr == 0:
			t.sendTCPLocked(ctx, f, packet.FlagFIN|packet.FlagACK, f.tcp.ourNext, nil, emit)
			f.tcp.ourNext++
			t.closeLocked(ctx, f, ReasonEOF)

			return n + 1
		}

		data := t.buf[:nr]
		t.sendTCPLocked(ctx, f, packet.FlagACK|packet.FlagPSH, f.tcp.ourNext, data, emit)
		f.tcp.ourNext += uint32(nr)
		f.BytesIn += uint64(nr)
		f.LastActive = t.clock.Now()
		n++
	}

	return n
}
