package cli

import (
	"fmt"
	"math"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/config"
	"github.com/spf13/pflag"
)

// options holds the values of the command-line flags.  Only the flags set
// explicitly override the loaded configuration.
type options struct {
	configPath string
	trace      bool

	tcpPorts []uint
	cfg      config.Config
}

// override copies a single flag value from src into dst.
type override func(dst, src *config.Config, o *options)

// overrides maps flag names to the configuration fields they set.
var overrides = map[string]override{
	"mode":             func(d, s *config.Config, _ *options) { d.Mode = s.Mode },
	"tun-name":         func(d, s *config.Config, _ *options) { d.TunName = s.TunName },
	"tun-fd":           func(d, s *config.Config, _ *options) { d.TunFD = s.TunFD },
	"address":          func(d, s *config.Config, _ *options) { d.Address = s.Address },
	"mtu":              func(d, s *config.Config, _ *options) { d.MTU = s.MTU },
	"route":            func(d, s *config.Config, _ *options) { d.Routes = s.Routes },
	"dns-server":       func(d, s *config.Config, _ *options) { d.DNSServers = s.DNSServers },
	"route-table":      func(d, s *config.Config, _ *options) { d.RouteTable = s.RouteTable },
	"fwmark":           func(d, s *config.Config, _ *options) { d.FWMark = s.FWMark },
	"bind-device":      func(d, s *config.Config, _ *options) { d.BindDevice = s.BindDevice },
	"blocklist":        func(d, s *config.Config, _ *options) { d.Blocklists = s.Blocklists },
	"domain":           func(d, s *config.Config, _ *options) { d.Domains = s.Domains },
	"block-network":    func(d, s *config.Config, _ *options) { d.BlockNetworks = s.BlockNetworks },
	"dns-block-mode":   func(d, s *config.Config, _ *options) { d.DNSBlockMode = s.DNSBlockMode },
	"track-resolved":   func(d, s *config.Config, _ *options) { d.TrackResolved = s.TrackResolved },
	"max-flows":        func(d, s *config.Config, _ *options) { d.MaxFlows = s.MaxFlows },
	"idle-timeout":     func(d, s *config.Config, _ *options) { d.IdleTimeout = s.IdleTimeout },
	"sweep-interval":   func(d, s *config.Config, _ *options) { d.SweepInterval = s.SweepInterval },
	"poll-timeout":     func(d, s *config.Config, _ *options) { d.PollTimeout = s.PollTimeout },
	"stats-interval":   func(d, s *config.Config, _ *options) { d.StatsInterval = s.StatsInterval },
	"refresh-interval": func(d, s *config.Config, _ *options) { d.RefreshInterval = s.RefreshInterval },
	"queue-num":        func(d, s *config.Config, _ *options) { d.QueueNum = s.QueueNum },
	"queue-replies":    func(d, s *config.Config, _ *options) { d.QueueReplies = s.QueueReplies },
	"pcap":             func(d, s *config.Config, _ *options) { d.PcapPath = s.PcapPath },
	"log":              func(d, s *config.Config, _ *options) { d.LogPath = s.LogPath },
	"no-log":           func(d, s *config.Config, _ *options) { d.NoLog = s.NoLog },
	"metrics-addr":     func(d, s *config.Config, _ *options) { d.MetricsAddr = s.MetricsAddr },
	"log-format":       func(d, s *config.Config, _ *options) { d.LogFormat = s.LogFormat },
	"log-timestamp":    func(d, s *config.Config, _ *options) { d.LogTimestamp = s.LogTimestamp },
	"quiet":            func(d, s *config.Config, _ *options) { d.Quiet = s.Quiet },
	"verbose":          func(d, s *config.Config, _ *options) { d.Verbose = s.Verbose },
	"tcp-port": func(d, _ *config.Config, o *options) {
		d.TCPPorts = nil
		for _, p := range o.tcpPorts {
			// #nosec G115 -- Ports are checked in [options.load].
			d.TCPPorts = append(d.TCPPorts, uint16(p))
		}
	},
}

// addConfigFlags adds the flags shared by every command that loads the
// configuration.
func addConfigFlags(fs *pflag.FlagSet, o *options) {
	def := config.Default()
	c := &o.cfg

	fs.StringVarP(&o.configPath, "config", "c", "", "Path to the YAML configuration file")

	// Blocklist
	fs.StringSliceVar(&c.Blocklists, "blocklist", nil, "Hosts-style blocklist file (repeatable)")
	fs.StringSliceVar(&c.Domains, "domain", nil, "Blocked domain pattern, exact or *.-prefixed (repeatable)")
	fs.StringSliceVar(&c.BlockNetworks, "block-network", nil, "Blocked IPv4 address or CIDR (repeatable)")

	// Output
	fs.BoolVarP(&c.Quiet, "quiet", "q", false, "Suppress real-time event logging")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "Show allowed flows, DNS replies, and debug output")
	fs.BoolVar(&o.trace, "trace", false, "Log every packet decision (implies --verbose)")
	fs.StringVar(&c.LogFormat, "log-format", def.LogFormat, "Format of the diagnostic log: text, json, jsonhybrid, adguard_legacy, or default")
	fs.BoolVar(&c.LogTimestamp, "log-timestamp", false, "Add timestamps to the diagnostic log")
}

// addRunFlags adds the flags of the run command.
func addRunFlags(fs *pflag.FlagSet, o *options) {
	def := config.Default()
	c := &o.cfg

	addConfigFlags(fs, o)

	// Mode
	fs.StringVar(&c.Mode, "mode", def.Mode, "Filtering mode: tun or inline")

	// Tunnel
	fs.StringVar(&c.TunName, "tun-name", "", "TUN device name (default: tfl<session id>)")
	fs.IntVar(&c.TunFD, "tun-fd", def.TunFD, "Adopt an already open TUN file descriptor")
	fs.StringVar(&c.Address, "address", def.Address, "TUN device address in CIDR form")
	fs.IntVar(&c.MTU, "mtu", def.MTU, "TUN device MTU")
	fs.StringSliceVar(&c.Routes, "route", def.Routes, "IPv4 prefix routed into the tunnel (repeatable)")
	fs.StringSliceVar(&c.DNSServers, "dns-server", nil, "DNS server routed into the tunnel (repeatable)")
	fs.IntVar(&c.RouteTable, "route-table", def.RouteTable, "Routing table of the tunnel routes")
	fs.Uint32Var(&c.FWMark, "fwmark", def.FWMark, "Mark of flow sockets, 0 disables the bypass rule")
	fs.StringVar(&c.BindDevice, "bind-device", "", "Uplink interface flow sockets are bound to")

	// Filtering
	fs.StringVar(&c.DNSBlockMode, "dns-block-mode", def.DNSBlockMode, "Answer to blocked DNS queries: drop or nxdomain")
	fs.BoolVar(&c.TrackResolved, "track-resolved", def.TrackResolved, "Block flows to addresses resolved from blocked names")
	fs.IntVar(&c.MaxFlows, "max-flows", def.MaxFlows, "Flow table capacity")
	fs.DurationVar((*time.Duration)(&c.IdleTimeout), "idle-timeout", time.Duration(def.IdleTimeout), "Flow inactivity timeout")
	fs.DurationVar((*time.Duration)(&c.SweepInterval), "sweep-interval", time.Duration(def.SweepInterval), "Period of idle flow sweeps")
	fs.DurationVar((*time.Duration)(&c.PollTimeout), "poll-timeout", time.Duration(def.PollTimeout), "Socket poll timeout when the tunnel is idle")
	fs.DurationVar((*time.Duration)(&c.StatsInterval), "stats-interval", time.Duration(def.StatsInterval), "Period of console statistics, 0 disables them")
	fs.DurationVar((*time.Duration)(&c.RefreshInterval), "refresh-interval", 0, "Period of blocklist reloads, 0 disables them")

	// Inline
	fs.UintSliceVar(&o.tcpPorts, "tcp-port", []uint{80, 443}, "Inline mode: queued TCP destination port (repeatable)")
	fs.Uint16Var(&c.QueueNum, "queue-num", 0, "Inline mode: NFQUEUE number (default: derived from the session id)")
	fs.BoolVar(&c.QueueReplies, "queue-replies", false, "Inline mode: also queue DNS replies to block CNAME targets")

	// Artifacts
	fs.StringVar(&c.PcapPath, "pcap", "", "Capture tunnel traffic to a pcapng file")
	fs.StringVar(&c.LogPath, "log", "", "Path for JSON log output (default: ./tunfilter-<sid>-<timestamp>.json)")
	fs.BoolVar(&c.NoLog, "no-log", false, "Disable the JSON log file")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// load returns the configuration from the file and the environment overridden
// by the flags set in fs.
func (o *options) load(fs *pflag.FlagSet) (c *config.Config, err error) {
	for _, p := range o.tcpPorts {
		if p > math.MaxUint16 {
			return nil, fmt.Errorf("tcp-port: %w: %d", errors.ErrOutOfRange, p)
		}
	}

	c, err = config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	o.apply(fs, c)
	if o.trace {
		c.Verbose = true
	}

	return c, nil
}

// apply copies the values of the flags changed in fs into c.
func (o *options) apply(fs *pflag.FlagSet, c *config.Config) {
	fs.Visit(func(f *pflag.Flag) {
		if ov, ok := overrides[f.Name]; ok {
			ov(c, &o.cfg, o)
		}
	})
}
