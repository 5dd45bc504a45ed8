package flow

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/packet"
	"golang.org/x/sys/unix"
)

// openSocket creates a non-blocking socket matching k.Proto, protects it, and
// connects it to k.Dst.  A TCP connect in progress counts as success.
func openSocket(k Key, p Protector) (fd int, err error) {
	typ := unix.SOCK_DGRAM
	if k.Proto == packet.ProtoTCP {
		typ = unix.SOCK_STREAM
	}

	fd, err = unix.Socket(unix.AF_INET, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrSocketCreate, err)
	}

	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	err = p.Protect(fd)
	if err != nil {
		return fd, fmt.Errorf("%w: protecting: %w", ErrSocketCreate, err)
	}

	sa := &unix.SockaddrInet4{
		Port: int(k.Dst.Port()),
		Addr: k.Dst.Addr().As4(),
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		return fd, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	return fd, nil
}
