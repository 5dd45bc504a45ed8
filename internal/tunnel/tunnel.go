// Package tunnel opens and configures the TUN device the filter reads device
// traffic from.
package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/pump"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ErrClosed is returned by the methods of a closed [Device].
const ErrClosed errors.Error = "tunnel device closed"

// cloneDevice is the TUN clone device.
const cloneDevice = "/dev/net/tun"

// Config is the configuration of a TUN [Device].
type Config struct {
	// Logger is used for debug logging.  It must not be nil.
	Logger *slog.Logger

	// Name is the interface name.  The kernel picks one if it is empty.
	Name string

	// Address is the device address.
	Address netip.Prefix

	// Routes are installed through the device in Table.
	Routes []netip.Prefix

	// MTU is the device MTU.
	MTU int

	// Table is the routing table of Routes.  If zero, the main table is used.
	Table int
}

// Device is a non-blocking TUN device carrying raw IP packets.  It
// implements [pump.Tunnel].
type Device struct {
	logger *slog.Logger
	name   string

	// mu protects fd from being used after close.
	mu *sync.RWMutex
	fd int
}

// type check
var _ pump.Tunnel = (*Device)(nil)

// Open creates the TUN device and configures its address, MTU, and routes.
// The device is removed when it is closed.
func Open(c *Config) (d *Device, err error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(c.Name)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("interface name %q: %w", c.Name, err)
	}

	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("creating tun device: %w", err)
	}

	d, err = newDevice(c.Logger, fd, ifr.Name())
	if err != nil {
		return nil, err
	}

	err = d.configure(c)
	if err != nil {
		return nil, errors.WithDeferred(err, d.Close())
	}

	c.Logger.Debug("tun device created", "name", d.name, "addr", c.Address, "mtu", c.MTU)

	return d, nil
}

// FromFD adopts an already configured TUN descriptor, for example one passed
// by a supervisor.  The device takes ownership of fd.
func FromFD(logger *slog.Logger, fd int, name string) (d *Device, err error) {
	return newDevice(logger, fd, name)
}

func newDevice(logger *slog.Logger, fd int, name string) (d *Device, err error) {
	err = unix.SetNonblock(fd, true)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("setting tun non-blocking: %w", err)
	}

	return &Device{
		logger: logger,
		name:   name,
		mu:     &sync.RWMutex{},
		fd:     fd,
	}, nil
}

// configure sets the address, MTU, and routes and brings the link up.
func (d *Device) configure(c *Config) (err error) {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("finding tun link: %w", err)
	}

	err = netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet(c.Address)})
	if err != nil {
		return fmt.Errorf("setting tun address: %w", err)
	}

	err = netlink.LinkSetMTU(link, c.MTU)
	if err != nil {
		return fmt.Errorf("setting tun mtu: %w", err)
	}

	err = netlink.LinkSetUp(link)
	if err != nil {
		return fmt.Errorf("bringing up tun: %w", err)
	}

	for _, r := range c.Routes {
		err = netlink.RouteAdd(route(r, link.Attrs().Index, c.Table))
		if err != nil {
			return fmt.Errorf("adding route %s: %w", r, err)
		}
	}

	return nil
}

// route returns a link-scope route to dst through the link with index idx.
func route(dst netip.Prefix, idx, table int) (r *netlink.Route) {
	return &netlink.Route{
		LinkIndex: idx,
		Dst:       ipNet(dst),
		Scope:     netlink.SCOPE_LINK,
		Table:     table,
	}
}

// ipNet converts p into a *net.IPNet.
func ipNet(p netip.Prefix) (n *net.IPNet) {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// Name returns the interface name.
func (d *Device) Name() (name string) {
	return d.name
}

// ReadPacket implements the [pump.Tunnel] interface for *Device.
func (d *Device) ReadPacket(b []byte) (n int, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fd < 0 {
		return 0, ErrClosed
	}

	n, err = unix.Read(d.fd, b)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	default:
		return 0, fmt.Errorf("reading tun: %w", err)
	}
}

// WritePacket implements the [pump.Tunnel] interface for *Device.
func (d *Device) WritePacket(b []byte) (err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fd < 0 {
		return ErrClosed
	}

	_, err = unix.Write(d.fd, b)
	if err != nil {
		return fmt.Errorf("writing tun: %w", err)
	}

	return nil
}

// Close closes the descriptor.  It is idempotent.
func (d *Device) Close() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return nil
	}

	err = unix.Close(d.fd)
	d.fd = -1
	if err != nil {
		return fmt.Errorf("closing tun: %w", err)
	}

	return nil
}
