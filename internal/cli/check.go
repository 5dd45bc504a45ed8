package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/capture"
	"github.com/p4th0r/tunfilter/internal/engine"
	"github.com/p4th0r/tunfilter/internal/extract"
	"github.com/p4th0r/tunfilter/internal/packet"
	"github.com/spf13/cobra"
)

// errBadPattern is returned for blocklist patterns that are not valid names.
const errBadPattern errors.Error = "not a valid domain pattern"

// NewCheckCmd creates the check subcommand.
func NewCheckCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "check DOMAIN...",
		Short: "Check domains against the blocklist",
		Long: `Loads the configured blocklist and prints whether each domain is blocked.

Example:
  tunfilter check --blocklist hosts.block ads.example.com example.org`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := offlineEngine(cmd, o, false)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, d := range args {
				verdict := "allowed"
				if e.CheckDomain(d) {
					verdict = "blocked"
				}

				_, _ = fmt.Fprintf(w, "%s\t%s\n", verdict, d)
			}

			return w.Flush()
		},
	}

	addConfigFlags(cmd.Flags(), o)

	return cmd
}

// NewLoadCmd creates the load subcommand.
func NewLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE...",
		Short: "Validate blocklist files and print their entry counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e := engine.New(&engine.Config{})
			out := cmd.OutOrStdout()

			var errs []error
			for _, path := range args {
				n, loadErr := e.LoadFile(path)
				if loadErr != nil {
					errs = append(errs, loadErr)

					continue
				}

				_, _ = fmt.Fprintf(out, "%s: %d entries\n", path, n)
			}

			_, _ = fmt.Fprintf(out, "total: %d patterns\n", e.Stats().Patterns)

			return errors.Join(errs...)
		},
	}
}

// NewExtractCmd creates the extract subcommand.
func NewExtractCmd() *cobra.Command {
	o := &options{}
	var pcapPath string

	cmd := &cobra.Command{
		Use:   "extract [HEX_PACKET...]",
		Short: "Print the domains of raw packets and their verdicts",
		Long: `Decodes IPv4 packets given as hex strings or read from a pcapng capture,
extracts the domain of each one, and prints the verdict of the configured
blocklist.  DNS replies in a capture are tracked, so connections to addresses
resolved from blocked names are reported as blocked.

Example:
  tunfilter extract --pcap session.pcapng --blocklist hosts.block`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if (pcapPath == "") == (len(args) == 0) {
				return errors.Error("either --pcap or packets in hex are required")
			}

			e, err := offlineEngine(cmd, o, true)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			p := &extractPrinter{w: w, engine: e, decoder: packet.NewDecoder()}

			if pcapPath != "" {
				err = p.printCapture(pcapPath)
			} else {
				err = p.printHex(args)
			}

			return errors.WithDeferred(err, w.Flush())
		},
	}

	addConfigFlags(cmd.Flags(), o)
	cmd.Flags().StringVar(&pcapPath, "pcap", "", "Read packets from a pcapng capture")

	return cmd
}

// offlineEngine returns an engine loaded with the configured blocklist.  It
// never starts the pump.
func offlineEngine(cmd *cobra.Command, o *options, trackResolved bool) (e *engine.Engine, err error) {
	cfg, err := o.load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	e = engine.New(&engine.Config{
		Blocklists:    cfg.Blocklists,
		TrackResolved: trackResolved && cfg.TrackResolved,
	})

	err = loadBlocklist(context.Background(), e, cfg)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// extractPrinter prints one line per decoded packet.
type extractPrinter struct {
	w       io.Writer
	engine  *engine.Engine
	decoder *packet.Decoder
}

// printHex prints the packets given as hex strings.
func (p *extractPrinter) printHex(args []string) (err error) {
	for i, arg := range args {
		var b []byte
		b, err = hex.DecodeString(strings.Join(strings.Fields(arg), ""))
		if err != nil {
			return fmt.Errorf("packet at index %d: %w", i, err)
		}

		p.print(packet.Outbound, b)
	}

	return nil
}

// printCapture prints the packets of the pcapng file at path.
func (p *extractPrinter) printCapture(path string) (err error) {
	// #nosec G304 -- Trust the path given on the command line.
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening capture: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	return capture.Read(f, func(fr capture.Frame) (fnErr error) {
		p.print(fr.Direction, fr.Data)

		return nil
	})
}

// print decodes and prints one packet.  Inbound DNS replies are fed to the
// resolved address tracker.
func (p *extractPrinter) print(dir packet.Direction, b []byte) {
	pkt, err := p.decoder.Decode(b)
	if err != nil {
		_, _ = fmt.Fprintf(p.w, "%s\t-\t-\t-\tundecodable: %v\n", dir, err)

		return
	}

	if dir == packet.Inbound {
		if r := p.engine.Resolved(); r != nil && pkt.Src.Port() == extract.PortDNS {
			_, _ = r.ObserveReply(pkt.Payload)
		}

		return
	}

	newFlow := pkt.Proto == packet.ProtoUDP ||
		(pkt.Flags.Has(packet.FlagSYN) && !pkt.Flags.Has(packet.FlagACK))
	d := p.engine.Classifier().Classify(pkt, newFlow)

	domain := d.Domain
	if domain == "" {
		domain = "-"
	} else if src := d.DomainSource(); src != "" {
		domain = fmt.Sprintf("%s (%s)", domain, src)
	}

	verdict := "allowed"
	if d.Blocked {
		verdict = "blocked [" + d.Reason + "]"
	}

	_, _ = fmt.Fprintf(p.w, "%s\t%s\t%s\t%s\t%s\n", dir, pkt.Proto, pkt.Dst, domain, verdict)
}
