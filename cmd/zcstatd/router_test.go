//go:build linux

package main

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/romshark/zcnet/afxdp"
)

func ipv4Frame(dst [4]byte) []byte {
	f := make([]byte, 64)
	copy(f[0:6], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	copy(f[6:12], []byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb})
	f[12], f[13] = 0x08, 0x00
	f[14] = 0x45
	copy(f[30:34], dst[:])
	return f
}

func TestRouteHandler(t *testing.T) {
	outMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x11}
	nextMAC := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x22}
	rt := routeTable{
		{prefix: netip.MustParsePrefix("10.0.2.0/24"), ifindex: 7, srcMAC: outMAC, dstMAC: nextMAC},
		{prefix: netip.MustParsePrefix("10.0.0.0/8"), ifindex: 3},
	}
	var c counters
	h := rt.handler(&c)

	f := ipv4Frame([4]byte{10, 0, 2, 9})
	to, err := h(&afxdp.Packet{Buf: f})
	if err != nil || to != 7 {
		t.Fatalf("10.0.2.9: to=%d err=%v", to, err)
	}
	if !bytes.Equal(f[0:6], nextMAC) || !bytes.Equal(f[6:12], outMAC) {
		t.Fatalf("MACs not rewritten: % x", f[:12])
	}

	// The broader prefix matches without MAC rewrite.
	f = ipv4Frame([4]byte{10, 9, 9, 9})
	if to, _ := h(&afxdp.Packet{Buf: f}); to != 3 {
		t.Fatalf("10.9.9.9: to=%d", to)
	}
	if f[0] != 0xaa || f[6] != 0xbb {
		t.Fatal("frame rewritten without configured MACs")
	}

	for name, f := range map[string][]byte{
		"no route": ipv4Frame([4]byte{192, 168, 0, 1}),
		"short":    make([]byte, 20),
		"ipv6": func() []byte {
			f := ipv4Frame([4]byte{10, 0, 2, 1})
			f[12], f[13] = 0x86, 0xdd
			return f
		}(),
		"bad version": func() []byte {
			f := ipv4Frame([4]byte{10, 0, 2, 1})
			f[14] = 0x65
			return f
		}(),
	} {
		if to, _ := h(&afxdp.Packet{Buf: f}); to != -1 {
			t.Errorf("%s: forwarded to %d", name, to)
		}
	}

	if got := c.rxPackets.Load(); got != 6 {
		t.Fatalf("rx packets = %d, want 6", got)
	}
	if got := c.forwarded.Load(); got != 2 {
		t.Fatalf("forwarded = %d, want 2", got)
	}
}

func TestEmptyRouteTableDrops(t *testing.T) {
	var c counters
	h := routeTable(nil).handler(&c)
	if to, err := h(&afxdp.Packet{Buf: ipv4Frame([4]byte{10, 0, 2, 1})}); to != -1 || err != nil {
		t.Fatalf("to=%d err=%v", to, err)
	}
	if c.rxBytes.Load() != 64 {
		t.Fatalf("rx bytes = %d", c.rxBytes.Load())
	}
}
