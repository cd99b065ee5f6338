//go:build linux

package main

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/romshark/zcnet/afxdp"
)

const (
	ethHdrLen = 14
	ipHdrMin  = 20
	etherIPv4 = 0x0800
)

type hop struct {
	prefix  netip.Prefix
	ifindex int
	srcMAC  net.HardwareAddr
	dstMAC  net.HardwareAddr
}

// routeTable is matched in order; the first matching prefix wins.
type routeTable []hop

// handler returns the packet callback for afxdp.RunWorkers. Frames whose
// destination matches a hop get their MACs rewritten and are forwarded;
// everything else is dropped. Every seen packet is counted in c.
func (rt routeTable) handler(c *counters) afxdp.Handler {
	return func(p *afxdp.Packet) (int, error) {
		buf := p.Buf
		c.rxPackets.Add(1)
		c.rxBytes.Add(uint64(len(buf)))

		if len(buf) < ethHdrLen+ipHdrMin ||
			binary.BigEndian.Uint16(buf[12:14]) != etherIPv4 {
			return -1, nil
		}
		ip := buf[ethHdrLen:]
		if ip[0]>>4 != 4 {
			return -1, nil
		}
		dst := netip.AddrFrom4([4]byte(ip[16:20]))

		for _, h := range rt {
			if !h.prefix.Contains(dst) {
				continue
			}
			if h.dstMAC != nil {
				copy(buf[0:6], h.dstMAC)
			}
			if h.srcMAC != nil {
				copy(buf[6:12], h.srcMAC)
			}
			c.forwarded.Add(1)
			return h.ifindex, nil
		}
		return -1, nil
	}
}
