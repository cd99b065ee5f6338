//go:build linux

package xdpprog

import (
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"github.com/romshark/zcnet/ifacestat"
)

// GetInterfaceStats returns the kernel counters of interface name.
// Individual counters that cannot be read are left 0.
func GetInterfaceStats(name string) (ifacestat.Counters, error) {
	if _, err := netlink.LinkByName(name); err != nil {
		return ifacestat.Counters{}, errors.Wrapf(ErrInterfaceNotFound, "%s: %v", name, err)
	}
	c, err := ifacestat.Read(name)
	if err != nil {
		// The link exists but sysfs has no statistics for it.
		return ifacestat.Counters{}, nil
	}
	return c, nil
}
