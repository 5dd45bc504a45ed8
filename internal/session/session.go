// Package session provides session IDs, the names of per-session resources,
// and cleanup of resources left by crashed sessions.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/p4th0r/tunfilter/internal/firewall"
	"github.com/vishvananda/netlink"
)

// DevicePrefix is the name prefix of tunfilter TUN devices.
const DevicePrefix = "tfl"

// maxAttempts is the number of random IDs tried before giving up.
const maxAttempts = 100

// ErrNoFreeID is returned when every generated ID was in use.
const ErrNoFreeID errors.Error = "no unused session id (too many concurrent sessions?)"

// GenerateID returns a random 4-character hex session ID, such as "a3f8",
// whose device and nftables table do not exist yet.
func GenerateID() (id string, err error) {
	return generateID(isInUse)
}

// generateID returns a random ID for which inUse returns false.
func generateID(inUse func(id string) (ok bool)) (id string, err error) {
	b := make([]byte, 2)
	for range maxAttempts {
		_, err = rand.Read(b)
		if err != nil {
			return "", fmt.Errorf("generating session id: %w", err)
		}

		id = hex.EncodeToString(b)
		if !inUse(id) {
			return id, nil
		}
	}

	return "", ErrNoFreeID
}

// isInUse returns true if the TUN device or the nftables table of id
// exists.
func isInUse(id string) (ok bool) {
	if _, err := netlink.LinkByName(DeviceName(id)); err == nil {
		return true
	}

	// The nftables listing needs privileges, the proc file does not.
	data, err := os.ReadFile("/proc/net/nf_tables")
	if err != nil {
		return false
	}

	return strings.Contains(string(data), TableName(id))
}

// DeviceName returns the TUN device name of a session.
func DeviceName(id string) (name string) {
	return DevicePrefix + id
}

// TableName returns the nftables table name of a session.
func TableName(id string) (name string) {
	return firewall.TableName(id)
}
