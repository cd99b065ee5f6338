//go:build linux

package main

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/romshark/zcnet/buffer"
)

const (
	headerLen = 14 + 20 + 8 // Ethernet + IPv4 + UDP
	seqLen    = 4
)

// frameTemplate holds the Ethernet, IPv4 and UDP headers shared by every
// packet of a run. Only the payload differs between packets.
type frameTemplate struct {
	header []byte
	size   int
}

type frameParams struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Size             int
}

func newFrameTemplate(p frameParams) (*frameTemplate, error) {
	size := max(p.Size, headerLen+seqLen)

	eth := layers.Ethernet{
		SrcMAC:       p.SrcMAC,
		DstMAC:       p.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.SrcIP.To4(),
		DstIP:    p.DstIP.To4(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(p.SrcPort),
		DstPort: layers.UDPPort(p.DstPort),
	}
	if ip.SrcIP == nil || ip.DstIP == nil {
		return nil, errors.New("source and destination must be IPv4 addresses")
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	sb := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(sb,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&eth, &ip, &udp, gopacket.Payload(make([]byte, size-headerLen)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "serializing headers")
	}

	hdr := make([]byte, headerLen)
	copy(hdr, sb.Bytes())
	// The payload changes per packet; a zero UDP checksum means none.
	hdr[headerLen-2], hdr[headerLen-1] = 0, 0
	return &frameTemplate{header: hdr, size: size}, nil
}

var zeroPad [2048]byte

// build writes one complete frame carrying seq into b.
func (t *frameTemplate) build(b *buffer.Buffer, seq uint32) error {
	b.Reset()
	if t.size > b.Cap() {
		return errors.Wrapf(buffer.ErrBufferFull, "frame of %d bytes", t.size)
	}
	b.Write(t.header)
	if err := b.WriteUint32(seq); err != nil {
		return err
	}
	for pad := t.size - b.Len(); pad > 0; {
		n := min(pad, len(zeroPad))
		b.Write(zeroPad[:n])
		pad -= n
	}
	return nil
}
