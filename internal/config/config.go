// Package config provides the unified configuration of a tunfilter session.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/caarlos0/env/v7"
	"github.com/p4th0r/tunfilter/internal/flow"
	"github.com/p4th0r/tunfilter/internal/pump"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of the environment variables overriding the
// configuration file.
const EnvPrefix = "TUNFILTER_"

// Modes of operation.
const (
	ModeTun    = "tun"
	ModeInline = "inline"
)

// Config holds the configuration of a tunfilter session.  The sources are,
// from the lowest precedence: [Default], the YAML file, the environment, and
// the command-line flags.
type Config struct {
	// Mode is either [ModeTun] or [ModeInline].
	Mode string `yaml:"mode" env:"MODE"`

	// TunName is the name of the TUN device.  If empty, it is derived from the
	// session ID.
	TunName string `yaml:"tun_name" env:"TUN_NAME"`

	// Address is the address of the TUN device in CIDR form.
	Address string `yaml:"address" env:"ADDRESS"`

	// BindDevice, if set, is the uplink interface flow sockets are bound to.
	BindDevice string `yaml:"bind_device" env:"BIND_DEVICE"`

	// DNSBlockMode is either "drop" or "nxdomain".
	DNSBlockMode string `yaml:"dns_block_mode" env:"DNS_BLOCK_MODE"`

	// PcapPath, if set, is the pcapng file of every packet crossing the
	// tunnel.
	PcapPath string `yaml:"pcap_path" env:"PCAP_PATH"`

	// LogPath is the JSON session log.  If empty, a path is derived from the
	// session ID.
	LogPath string `yaml:"log_path" env:"LOG_PATH"`

	// MetricsAddr, if set, is the address of the Prometheus HTTP endpoint.
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	// LogFormat is the format of the structured diagnostics.
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Routes are the IPv4 prefixes routed into the tunnel.
	Routes []string `yaml:"routes" env:"ROUTES"`

	// DNSServers are routed into the tunnel in addition to Routes.
	DNSServers []string `yaml:"dns_servers" env:"DNS_SERVERS"`

	// Blocklists are hosts-style blocklist files.
	Blocklists []string `yaml:"blocklists" env:"BLOCKLISTS"`

	// Domains are blocklist patterns given inline.
	Domains []string `yaml:"domains" env:"DOMAINS"`

	// BlockNetworks are blocked destination IPv4 networks.
	BlockNetworks []string `yaml:"block_networks" env:"BLOCK_NETWORKS"`

	// TCPPorts are the TCP ports queued in inline mode.
	TCPPorts []uint16 `yaml:"tcp_ports" env:"TCP_PORTS"`

	IdleTimeout     timeutil.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	SweepInterval   timeutil.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	PollTimeout     timeutil.Duration `yaml:"poll_timeout" env:"POLL_TIMEOUT"`
	StatsInterval   timeutil.Duration `yaml:"stats_interval" env:"STATS_INTERVAL"`
	RefreshInterval timeutil.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`

	// TunFD, if not negative, is an already open TUN descriptor to adopt.
	TunFD int `yaml:"tun_fd" env:"TUN_FD"`

	MTU        int `yaml:"mtu" env:"MTU"`
	MaxFlows   int `yaml:"max_flows" env:"MAX_FLOWS"`
	RouteTable int `yaml:"route_table" env:"ROUTE_TABLE"`

	// FWMark marks flow sockets so that their traffic bypasses the tunnel.
	FWMark uint32 `yaml:"fwmark" env:"FWMARK"`

	// QueueNum is the NFQUEUE number in inline mode.  If zero, it is derived
	// from the session ID.
	QueueNum uint16 `yaml:"queue_num" env:"QUEUE_NUM"`

	QueueReplies  bool `yaml:"queue_replies" env:"QUEUE_REPLIES"`
	TrackResolved bool `yaml:"track_resolved" env:"TRACK_RESOLVED"`
	NoLog         bool `yaml:"no_log" env:"NO_LOG"`
	LogTimestamp  bool `yaml:"log_timestamp" env:"LOG_TIMESTAMP"`
	Verbose       bool `yaml:"verbose" env:"VERBOSE"`
	Quiet         bool `yaml:"quiet" env:"QUIET"`
}

// Default returns the default configuration.
func Default() (c *Config) {
	return &Config{
		Mode:          ModeTun,
		Address:       "10.0.0.2/32",
		DNSBlockMode:  string(pump.DNSBlockDrop),
		LogFormat:     string(slogutil.FormatText),
		Routes:        []string{"0.0.0.0/0"},
		TCPPorts:      []uint16{80, 443},
		IdleTimeout:   timeutil.Duration(flow.DefaultIdleTimeout),
		SweepInterval: timeutil.Duration(pump.DefaultSweepInterval),
		PollTimeout:   timeutil.Duration(pump.DefaultPollTimeout),
		StatsInterval: timeutil.Duration(5 * time.Second),
		TunFD:         -1,
		MTU:           pump.DefaultMTU,
		MaxFlows:      flow.DefaultMaxFlows,
		RouteTable:    7466,
		FWMark:        0x7466,
		TrackResolved: true,
	}
}

// Load returns the default configuration overridden by the YAML file at path,
// if path is not empty, and then by the environment.
func Load(path string) (c *Config, err error) {
	c = Default()

	if path != "" {
		// #nosec G304 -- Trust the path given on the command line.
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		err = yaml.UnmarshalStrict(data, c)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	err = env.Parse(c, env.Options{Prefix: EnvPrefix})
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return c, nil
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.Positive("mtu", c.MTU),
		validate.Positive("max_flows", c.MaxFlows),
		validate.Positive("idle_timeout", c.IdleTimeout),
		validate.Positive("sweep_interval", c.SweepInterval),
		validate.Positive("poll_timeout", c.PollTimeout),
		validate.NotNegative("route_table", c.RouteTable),
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{{
		name: "stats_interval",
		val:  time.Duration(c.StatsInterval),
	}, {
		name: "refresh_interval",
		val:  time.Duration(c.RefreshInterval),
	}} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s: %w: %s", d.name, errors.ErrNegative, d.val))
		}
	}

	if !slices.Contains([]string{ModeTun, ModeInline}, c.Mode) {
		errs = append(errs, fmt.Errorf("mode: %w: %q", errors.ErrBadEnumValue, c.Mode))
	}

	switch pump.DNSBlockMode(c.DNSBlockMode) {
	case pump.DNSBlockDrop, pump.DNSBlockNXDomain:
		// Go on.
	default:
		errs = append(errs, fmt.Errorf("dns_block_mode: %w: %q", errors.ErrBadEnumValue, c.DNSBlockMode))
	}

	_, err = slogutil.NewFormat(c.LogFormat)
	if err != nil {
		errs = append(errs, fmt.Errorf("log_format: %w", err))
	}

	if c.Quiet && c.Verbose {
		errs = append(errs, errors.Error("quiet and verbose are mutually exclusive"))
	}

	if c.Mode == ModeInline && len(c.TCPPorts) == 0 {
		errs = append(errs, fmt.Errorf("tcp_ports: %w", errors.ErrEmptyValue))
	}

	errs = c.validateAddrs(errs)

	return errors.Join(errs...)
}

// validateAddrs appends the errors of the address fields to errs.
func (c *Config) validateAddrs(errs []error) (res []error) {
	if c.Mode == ModeTun {
		if p, err := netip.ParsePrefix(c.Address); err != nil {
			errs = append(errs, fmt.Errorf("address: %w", err))
		} else if !p.Addr().Is4() {
			errs = append(errs, fmt.Errorf("address: %q is not ipv4", c.Address))
		}

		_, err := c.RoutePrefixes()
		if err != nil {
			errs = append(errs, err)
		}
	}

	for i, n := range c.BlockNetworks {
		_, err := parseNetwork(n)
		if err != nil {
			errs = append(errs, fmt.Errorf("block_networks: at index %d: %w", i, err))
		}
	}

	return errs
}

// RoutePrefixes returns the parsed routes with a /32 route per DNS server.
func (c *Config) RoutePrefixes() (prefixes []netip.Prefix, err error) {
	for i, r := range c.Routes {
		var p netip.Prefix
		p, err = netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("routes: at index %d: %w", i, err)
		}

		prefixes = append(prefixes, p.Masked())
	}

	for i, s := range c.DNSServers {
		var a netip.Addr
		a, err = netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns_servers: at index %d: %w", i, err)
		}

		prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
	}

	return prefixes, nil
}

// NetworkPrefixes returns the parsed blocked networks.  c must be valid.
func (c *Config) NetworkPrefixes() (prefixes []netip.Prefix) {
	for _, n := range c.BlockNetworks {
		p, err := parseNetwork(n)
		if err == nil {
			prefixes = append(prefixes, p)
		}
	}

	return prefixes
}

// parseNetwork parses an address or a CIDR.
func parseNetwork(s string) (p netip.Prefix, err error) {
	if a, addrErr := netip.ParseAddr(s); addrErr == nil {
		return netip.PrefixFrom(a, a.BitLen()), nil
	}

	p, err = netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}

	return p.Masked(), nil
}

// TunAddress returns the parsed address of the TUN device.  c must be valid.
func (c *Config) TunAddress() (p netip.Prefix) {
	p, _ = netip.ParsePrefix(c.Address)

	return p
}
