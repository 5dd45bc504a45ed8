package capture_test

import (
	"bytes"
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/p4th0r/tunfilter/internal/capture"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 1 * time.Second

var (
	testDevice = netip.MustParseAddrPort("10.0.0.2:40000")
	testRemote = netip.MustParseAddrPort("192.0.2.1:53")
)

func TestBuildSectionComment(t *testing.T) {
	got := capture.BuildSectionComment("v1.2.3", "a3f8", "tun", []string{"hosts", "extra"})
	assert.Equal(t, "tunfilter v1.2.3 | session a3f8\nmode: tun\nblocklists: hosts, extra\n", got)

	got = capture.BuildSectionComment("", "a3f8", "inline", nil)
	assert.Equal(t, "tunfilter | session a3f8\nmode: inline\n", got)
}

func TestRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcapng")
	ctx := testutil.ContextWithTimeout(t, testTimeout)

	r, err := capture.NewRecorder(&capture.RecorderConfig{
		Logger: slogutil.NewDiscardLogger(),
		Clock: &faketime.Clock{
			OnNow: func() (now time.Time) { return time.Unix(1700000000, 0) },
		},
		Path:    path,
		Comment: "test",
	})
	require.NoError(t, err)

	query, err := packet.BuildUDP(testDevice, testRemote, []byte("query"))
	require.NoError(t, err)

	answer, err := packet.BuildUDP(testRemote, testDevice, []byte("answer"))
	require.NoError(t, err)

	r.Record(ctx, packet.Outbound, query)
	r.Record(ctx, packet.Inbound, answer)
	assert.Equal(t, 2, r.Count())

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx))

	// Packets recorded after Close are ignored.
	r.Record(ctx, packet.Outbound, query)
	assert.Equal(t, 2, r.Count())

	f, err := os.Open(path)
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, f.Close)

	var frames []capture.Frame
	err = capture.Read(f, func(fr capture.Frame) (err error) {
		frames = append(frames, fr)

		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, packet.Outbound, frames[0].Direction)
	assert.Equal(t, query, frames[0].Data)
	assert.Equal(t, packet.Inbound, frames[1].Direction)
	assert.Equal(t, answer, frames[1].Data)
}

func TestRead_ethernet(t *testing.T) {
	ipPkt, err := packet.BuildUDP(testDevice, testRemote, []byte("payload"))
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       []byte{0, 1, 2, 3, 4, 5},
		DstMAC:       []byte{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(ipPkt))
	require.NoError(t, err)

	arp := append([]byte(nil), buf.Bytes()...)
	arp[12], arp[13] = 0x08, 0x06

	var out bytes.Buffer
	w, err := pcapgo.NewNgWriter(&out, layers.LinkTypeEthernet)
	require.NoError(t, err)

	for _, frame := range [][]byte{buf.Bytes(), arp} {
		err = w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, 0),
			CaptureLength: len(frame),
			Length:        len(frame),
		}, frame)
		require.NoError(t, err)
	}
	require.NoError(t, w.Flush())

	var frames []capture.Frame
	err = capture.Read(&out, func(fr capture.Frame) (err error) {
		frames = append(frames, fr)

		return nil
	})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// The frame is padded to the Ethernet minimum, the padding is cut.
	require.Greater(t, len(buf.Bytes()), 14+len(ipPkt))
	assert.Equal(t, ipPkt, frames[0].Data)
	assert.Equal(t, packet.Outbound, frames[0].Direction)
}

func TestRead_bad(t *testing.T) {
	err := capture.Read(bytes.NewReader([]byte("not a capture")), func(_ capture.Frame) (err error) {
		return nil
	})
	assert.Error(t, err)
}

func TestRecorder_Close_context(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pcapng")

	r, err := capture.NewRecorder(&capture.RecorderConfig{
		Logger: slogutil.NewDiscardLogger(),
		Path:   path,
	})
	require.NoError(t, err)
	require.NoError(t, r.Close(context.Background()))

	err = capture.Read(mustOpen(t, path), func(_ capture.Frame) (err error) {
		return nil
	})
	assert.NoError(t, err)
}

func mustOpen(t *testing.T, path string) (f *os.File) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	testutil.CleanupAndRequireSuccess(t, f.Close)

	return f
}
