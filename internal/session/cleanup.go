package session

import (
	"fmt"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/nftables"
	"github.com/p4th0r/tunfilter/internal/firewall"
	"github.com/p4th0r/tunfilter/internal/protect"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// ResourceType indicates the type of orphaned resource.
type ResourceType string

// Resource types.
const (
	ResourceDevice        ResourceType = "tun device"
	ResourceNFTablesTable ResourceType = "nftables table"
	ResourceRule          ResourceType = "fwmark rule"
)

// OrphanedResource is a tunfilter resource that needs cleanup.
type OrphanedResource struct {
	rule *netlink.Rule

	Type   ResourceType
	Name   string
	family nftables.TableFamily
}

// FindOrphanedResources scans for devices, nftables tables, and routing
// rules matching the tunfilter naming patterns.
func FindOrphanedResources() (resources []OrphanedResource, err error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}

	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}

	resources = append(resources, matchDevices(names)...)

	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("creating nftables connection: %w", err)
	}

	tables, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("listing nftables tables: %w", err)
	}

	resources = append(resources, matchTables(tables)...)

	rules, err := netlink.RuleList(unix.AF_INET)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	resources = append(resources, matchRules(rules)...)

	return resources, nil
}

// matchDevices returns the devices among the link names.
func matchDevices(names []string) (resources []OrphanedResource) {
	for _, name := range names {
		id, ok := strings.CutPrefix(name, DevicePrefix)
		if ok && isID(id) {
			resources = append(resources, OrphanedResource{
				Type: ResourceDevice,
				Name: name,
			})
		}
	}

	return resources
}

// matchTables returns the tunfilter tables.
func matchTables(tables []*nftables.Table) (resources []OrphanedResource) {
	for _, t := range tables {
		if strings.HasPrefix(t.Name, firewall.TablePrefix) {
			resources = append(resources, OrphanedResource{
				Type:   ResourceNFTablesTable,
				Name:   t.Name,
				family: t.Family,
			})
		}
	}

	return resources
}

// matchRules returns the rules installed with the tunfilter priority.
func matchRules(rules []netlink.Rule) (resources []OrphanedResource) {
	for _, r := range rules {
		if r.Priority != protect.RulePriority {
			continue
		}

		resources = append(resources, OrphanedResource{
			rule: &r,
			Type: ResourceRule,
			Name: fmt.Sprintf("not fwmark %#x lookup %d", r.Mark, r.Table),
		})
	}

	return resources
}

// isID returns true if s looks like a session ID.
func isID(s string) (ok bool) {
	if len(s) != 4 {
		return false
	}

	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}

	return true
}

// CleanupOrphanedResources removes the resources.  Resources that are already
// gone are not errors.
func CleanupOrphanedResources(resources []OrphanedResource) (err error) {
	var errs []error
	for _, res := range resources {
		switch res.Type {
		case ResourceDevice:
			err = cleanupDevice(res.Name)
		case ResourceNFTablesTable:
			err = cleanupNFTable(res.Name, res.family)
		case ResourceRule:
			err = cleanupRule(res.rule)
		default:
			err = fmt.Errorf("type: %w: %q", errors.ErrBadEnumValue, res.Type)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", res.Type, res.Name, err))
		}
	}

	return errors.Join(errs...)
}

func cleanupDevice(name string) (err error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if errors.As(err, &netlink.LinkNotFoundError{}) {
			return nil
		}

		return fmt.Errorf("finding link: %w", err)
	}

	err = netlink.LinkDel(link)
	if err != nil {
		return fmt.Errorf("deleting link: %w", err)
	}

	return nil
}

func cleanupNFTable(name string, family nftables.TableFamily) (err error) {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("creating nftables connection: %w", err)
	}

	conn.DelTable(&nftables.Table{
		Name:   name,
		Family: family,
	})

	// The table may already be gone.
	_ = conn.Flush()

	return nil
}

func cleanupRule(r *netlink.Rule) (err error) {
	if r == nil {
		return nil
	}

	err = netlink.RuleDel(r)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("deleting rule: %w", err)
	}

	return nil
}
