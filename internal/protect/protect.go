// Package protect exempts flow sockets from the tunnel, so that relayed
// traffic leaves through the real uplink instead of looping back.
package protect

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/flow"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// RulePriority is the priority of the policy routing rule sending unmarked
// traffic to the tunnel table.
const RulePriority = 7466

// Config is the configuration of a [Protector].
type Config struct {
	// Logger is used for debug logging.  It must not be nil.
	Logger *slog.Logger

	// Device, if not empty, is the uplink interface sockets are bound to.
	Device string

	// Mark is the SO_MARK value of protected sockets.  Zero disables
	// marking.
	Mark uint32

	// Table is the tunnel routing table.  Unmarked traffic is looked up in
	// it once [Protector.Setup] installs the rule.
	Table int
}

// Protector marks and binds flow sockets.  It implements [flow.Protector].
type Protector struct {
	logger *slog.Logger
	device string

	// mu protects rule.
	mu   *sync.Mutex
	rule *netlink.Rule

	mark  uint32
	table int
}

// type check
var _ flow.Protector = (*Protector)(nil)

// New returns a new *Protector.  c must not be nil.
func New(c *Config) (p *Protector) {
	return &Protector{
		logger: c.Logger,
		device: c.Device,
		mu:     &sync.Mutex{},
		mark:   c.Mark,
		table:  c.Table,
	}
}

// Protect implements the [flow.Protector] interface for *Protector.
func (p *Protector) Protect(fd int) (err error) {
	var errs []error
	if p.mark != 0 {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(p.mark))
		if err != nil {
			errs = append(errs, fmt.Errorf("setting so_mark: %w", err))
		}
	}

	if p.device != "" {
		err = unix.BindToDevice(fd, p.device)
		if err != nil {
			errs = append(errs, fmt.Errorf("binding to %q: %w", p.device, err))
		}
	}

	return errors.Join(errs...)
}

// Rule returns the policy routing rule looking up every packet not carrying
// mark in table.
func Rule(mark uint32, table int) (r *netlink.Rule) {
	r = netlink.NewRule()
	r.Family = unix.AF_INET
	r.Priority = RulePriority
	r.Mark = mark
	r.Invert = true
	r.Table = table

	return r
}

// Setup installs the routing rule.  It does nothing if marking is disabled.
func (p *Protector) Setup() (err error) {
	if p.mark == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r := Rule(p.mark, p.table)
	err = netlink.RuleAdd(r)
	if err != nil {
		return fmt.Errorf("adding fwmark rule: %w", err)
	}

	p.rule = r
	p.logger.Debug("fwmark rule added", "mark", p.mark, "table", p.table)

	return nil
}

// Teardown removes the routing rule.  It is idempotent.
func (p *Protector) Teardown() (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rule == nil {
		return nil
	}

	err = netlink.RuleDel(p.rule)
	if err != nil {
		return fmt.Errorf("deleting fwmark rule: %w", err)
	}

	p.rule = nil

	return nil
}
