//go:build linux

// Package ifacestat reads per-interface packet counters from sysfs and,
// for drivers that expose them, the PHY counters through ethtool.
package ifacestat

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/safchain/ethtool"
)

// SysfsNet is the directory holding one entry per network interface.
var SysfsNet = "/sys/class/net"

// Counters are the kernel's generic interface counters.
type Counters struct {
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	Drops     uint64 `json:"drops"`
	Errors    uint64 `json:"errors"`
}

// Read returns the counters of interface name. A counter that cannot be
// read stays 0; only a missing interface is an error.
func Read(name string) (Counters, error) {
	dir := filepath.Join(SysfsNet, name, "statistics")
	if _, err := os.Stat(dir); err != nil {
		return Counters{}, errors.Wrapf(err, "reading %s statistics", name)
	}
	get := func(file string) uint64 {
		b, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return 0
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return Counters{
		RxPackets: get("rx_packets"),
		RxBytes:   get("rx_bytes"),
		TxPackets: get("tx_packets"),
		TxBytes:   get("tx_bytes"),
		Drops:     get("rx_dropped") + get("tx_dropped"),
		Errors:    get("rx_errors") + get("tx_errors"),
	}, nil
}

// Since computes c(now) - old.
func (c Counters) Since(old Counters) Counters {
	return Counters{
		RxPackets: c.RxPackets - old.RxPackets,
		RxBytes:   c.RxBytes - old.RxBytes,
		TxPackets: c.TxPackets - old.TxPackets,
		TxBytes:   c.TxBytes - old.TxBytes,
		Drops:     c.Drops - old.Drops,
		Errors:    c.Errors - old.Errors,
	}
}

// Snapshot reads the counters of every interface in ifaces.
func Snapshot(ifaces []string) (map[string]Counters, error) {
	s := make(map[string]Counters, len(ifaces))
	for _, iface := range ifaces {
		c, err := Read(iface)
		if err != nil {
			return nil, err
		}
		s[iface] = c
	}
	return s, nil
}

// Print writes one block per interface, sorted by name.
func Print(w io.Writer, s map[string]Counters, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		c := s[iface]
		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s:\n", iface)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			c.TxPackets, humanize.Bytes(c.TxBytes), humanize.Comma(int64(c.TxBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			c.RxPackets, humanize.Bytes(c.RxBytes), humanize.Comma(int64(c.RxBytes)),
		)
		if _, err := fmt.Fprintf(w, "  drops %s  errors %s\n",
			humanize.Comma(int64(c.Drops)), humanize.Comma(int64(c.Errors)),
		); err != nil {
			return err
		}
	}
	return nil
}

// Common mlx5 PHY counter names.
const (
	TxPacketsPHY = "tx_packets_phy"
	TxBytesPHY   = "tx_bytes_phy"
	RxPacketsPHY = "rx_packets_phy"
	RxBytesPHY   = "rx_bytes_phy"
)

var (
	ethtoolStats  = ethtool.Stats
	ethtoolDriver = ethtool.DriverName
)

// PHY returns the requested driver counters of interface name, leaving out
// those the driver does not report. With no names, all counters are
// returned.
func PHY(name string, counters ...string) (map[string]uint64, error) {
	all, err := ethtoolStats(name)
	if err != nil {
		return nil, errors.Wrapf(err, "ethtool stats of %s", name)
	}
	if len(counters) == 0 {
		return all, nil
	}
	out := make(map[string]uint64, len(counters))
	for _, c := range counters {
		if v, ok := all[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

// Driver returns the kernel driver name of interface name.
func Driver(name string) (string, error) {
	d, err := ethtoolDriver(name)
	if err != nil {
		return "", errors.Wrapf(err, "ethtool driver of %s", name)
	}
	return d, nil
}

// PHYSnapshot reads the PHY counters of ifaces. Interfaces whose driver
// reports none of them are left out.
func PHYSnapshot(ifaces []string) map[string]map[string]uint64 {
	s := make(map[string]map[string]uint64)
	for _, iface := range ifaces {
		c, err := PHY(iface, TxPacketsPHY, TxBytesPHY, RxPacketsPHY, RxBytesPHY)
		if err != nil || len(c) == 0 {
			continue
		}
		s[iface] = c
	}
	return s
}

// PrintPHY writes the PHY counter deltas of every interface present in both
// snapshots, sorted by name and labeled with the driver.
func PrintPHY(w io.Writer, before, after map[string]map[string]uint64) error {
	ifaces := make([]string, 0, len(after))
	for iface := range after {
		if _, ok := before[iface]; ok {
			ifaces = append(ifaces, iface)
		}
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		b, a := before[iface], after[iface]
		delta := func(c string) uint64 { return a[c] - b[c] }

		header := iface + " PHY"
		if d, err := Driver(iface); err == nil {
			header += " (" + d + ")"
		}
		if _, err := fmt.Fprintf(w, "%s:\n", header); err != nil {
			return err
		}
		txBytes, rxBytes := delta(TxBytesPHY), delta(RxBytesPHY)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			delta(TxPacketsPHY), humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		if _, err := fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			delta(RxPacketsPHY), humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		); err != nil {
			return err
		}
	}
	return nil
}
