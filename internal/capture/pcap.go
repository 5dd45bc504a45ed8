package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/google/renameio/v2"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/p4th0r/tunfilter/internal/pump"
)

// snapLength is the snapshot length of both capture interfaces.
const snapLength = 65535

// Interface names of the pcapng interface blocks.  Outbound packets are
// written to the first interface and inbound ones to the second.
const (
	InterfaceOut = "tun-out"
	InterfaceIn  = "tun-in"
)

// RecorderConfig is the configuration of a [Recorder].
type RecorderConfig struct {
	// Logger is used for debug logging.  It must not be nil.
	Logger *slog.Logger

	// Clock is used for packet timestamps.  If nil, [timeutil.SystemClock] is
	// used.
	Clock timeutil.Clock

	// Path is the output pcapng file.  It appears once [Recorder.Close]
	// succeeds.
	Path string

	// Comment is the section header comment.
	Comment string
}

// Recorder writes the packets crossing the tunnel to a pcapng file.  It is
// safe for concurrent use.
type Recorder struct {
	logger *slog.Logger
	clock  timeutil.Clock
	path   string

	// mu protects file, writer, and count.
	mu     *sync.Mutex
	file   *renameio.PendingFile
	writer *pcapgo.NgWriter
	count  int
	inID   int
}

// type check
var _ pump.Recorder = (*Recorder)(nil)

// NewRecorder creates the pending capture file and writes the section header.
func NewRecorder(c *RecorderConfig) (r *Recorder, err error) {
	f, err := renameio.NewPendingFile(c.Path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("creating pcap file %q: %w", c.Path, err)
	}

	out := pcapgo.NgInterface{
		Name:       InterfaceOut,
		LinkType:   layers.LinkTypeRaw,
		SnapLength: snapLength,
	}
	opts := pcapgo.NgWriterOptions{
		SectionInfo: pcapgo.NgSectionInfo{
			Application: "tunfilter",
			Comment:     c.Comment,
		},
	}

	w, err := pcapgo.NewNgWriterInterface(f, out, opts)
	if err != nil {
		_ = f.Cleanup()

		return nil, fmt.Errorf("creating pcapng writer: %w", err)
	}

	inID, err := w.AddInterface(pcapgo.NgInterface{
		Name:       InterfaceIn,
		LinkType:   layers.LinkTypeRaw,
		SnapLength: snapLength,
	})
	if err != nil {
		_ = f.Cleanup()

		return nil, fmt.Errorf("adding inbound interface: %w", err)
	}

	clock := c.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	return &Recorder{
		logger: c.Logger,
		clock:  clock,
		path:   c.Path,
		mu:     &sync.Mutex{},
		file:   f,
		writer: w,
		inID:   inID,
	}, nil
}

// Record implements the [pump.Recorder] interface for *Recorder.
func (r *Recorder) Record(ctx context.Context, dir packet.Direction, pkt []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      r.clock.Now(),
		CaptureLength:  len(pkt),
		Length:         len(pkt),
		InterfaceIndex: 0,
	}
	if dir == packet.Inbound {
		ci.InterfaceIndex = r.inID
	}

	err := r.writer.WritePacket(ci, pkt)
	if err != nil {
		r.logger.DebugContext(ctx, "writing packet", slogutil.KeyError, err)

		return
	}

	r.count++
}

// Count returns the number of packets recorded.
func (r *Recorder) Count() (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.count
}

// Close flushes the capture and moves it to its final path.  Packets recorded
// after Close are ignored.
func (r *Recorder) Close(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return nil
	}

	defer func() { r.writer = nil }()

	err = r.writer.Flush()
	if err != nil {
		_ = r.file.Cleanup()

		return fmt.Errorf("flushing pcapng: %w", err)
	}

	err = r.file.CloseAtomicallyReplace()
	if err != nil {
		_ = r.file.Cleanup()

		return fmt.Errorf("saving pcap file: %w", err)
	}

	if info, statErr := os.Stat(r.path); statErr == nil {
		r.logger.InfoContext(ctx, "pcap saved", "path", r.path, "size", formatSize(info.Size()), "packets", r.count)
	} else {
		r.logger.InfoContext(ctx, "pcap saved", "path", r.path, "packets", r.count)
	}

	return nil
}
