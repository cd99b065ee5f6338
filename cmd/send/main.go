//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/buffer"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/ratelimit"
)

func main() {
	fIface := flag.String("i", "", "Interface")
	fDestMACStr := flag.String("d", "", "Destination MAC")
	fSrcIPStr := flag.String("s", "", "Source IP")
	fDestIPStr := flag.String("D", "", "Destination IP")
	fPort := flag.Uint("p", 12345, "Destination port")
	fCount := flag.Uint64("n", 0, "Packets to send (0 = until interrupted)")
	fPktSize := flag.Int("l", 1360, "Packet size")
	fQueue := flag.Uint("q", 0, "Queue ID")
	fRate := flag.Uint64("r", 0, "Packets per second (0 = unlimited)")
	fZeroCopy := flag.Bool("z", false, "Prefer zerocopy "+
		"(falls back to copy mode if not supported)")
	fLogLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*fLogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, log, options{
		iface:    *fIface,
		dstMAC:   *fDestMACStr,
		srcIP:    *fSrcIPStr,
		dstIP:    *fDestIPStr,
		dstPort:  uint16(*fPort),
		count:    *fCount,
		size:     *fPktSize,
		queue:    uint32(*fQueue),
		rate:     *fRate,
		zeroCopy: *fZeroCopy,
	}); err != nil {
		log.WithError(err).Fatal("send failed")
	}
}

type options struct {
	iface, dstMAC, srcIP, dstIP string
	dstPort                     uint16
	count                       uint64
	size                        int
	queue                       uint32
	rate                        uint64
	zeroCopy                    bool
}

func run(ctx context.Context, log *logrus.Logger, o options) error {
	netIf, err := net.InterfaceByName(o.iface)
	if err != nil {
		return errors.Wrapf(err, "interface %q", o.iface)
	}
	dstMAC, err := net.ParseMAC(o.dstMAC)
	if err != nil {
		return errors.Wrap(err, "destination MAC")
	}
	tmpl, err := newFrameTemplate(frameParams{
		SrcMAC:  netIf.HardwareAddr,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(o.srcIP),
		DstIP:   net.ParseIP(o.dstIP),
		SrcPort: 12345,
		DstPort: o.dstPort,
		Size:    o.size,
	})
	if err != nil {
		return err
	}

	sock, err := afxdp.Open(afxdp.SocketConfig{
		InterfaceName: o.iface,
		QueueID:       o.queue,
		NumFrames:     1024 * 8,
		ZeroCopy:      o.zeroCopy,
		BindFallback:  afxdp.BindFallbackCopy,
		NeedWakeup:    true,
	}, nil, afxdp.WithLogger(log))
	if err != nil {
		return err
	}
	defer sock.Close()

	// A handful of staging buffers: Send copies into the UMEM right away.
	slots, err := mempool.New(mempool.Config{
		NumSlots:          64,
		SlotSize:          int(sock.Config().FrameSize),
		SkipZeroOnRelease: true,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	defer slots.Close()
	bufs := buffer.NewBufferPool(slots)

	log.WithFields(logrus.Fields{
		"iface":    o.iface,
		"queue":    o.queue,
		"dst_mac":  dstMAC,
		"dst_ip":   o.dstIP,
		"dst_port": o.dstPort,
		"count":    o.count,
		"rate":     o.rate,
		"zerocopy": sock.IsZeroCopy(),
	}).Info("AF_XDP TX")

	var (
		throttle = ratelimit.New(o.rate)
		seq      uint32
		sent     uint64
		bytes    uint64
		busy     uint64
		start    = time.Now()
	)

	for o.count == 0 || sent < o.count {
		if err := throttle.Wait(ctx, 1); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		b, err := bufs.Get()
		if err != nil {
			return err
		}
		if err := tmpl.build(b, seq); err != nil {
			bufs.Put(b)
			return err
		}
		err = sock.Send(b.Data())
		n := b.Len()
		if perr := bufs.Put(b); perr != nil {
			return perr
		}
		switch {
		case err == nil:
			seq++
			sent++
			bytes += uint64(n)
		case errors.Is(err, afxdp.ErrTxBusy):
			busy++
		default:
			return err
		}
	}

	// Let the NIC finish before reporting.
	deadline := time.Now().Add(time.Second)
	for sock.TxFreeFrames() < int(sock.Config().NumFrames-sock.Config().FillRingSize) &&
		time.Now().Before(deadline) {
		if _, err := sock.PollCompletions(128); err != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	elapsed := time.Since(start)
	pps := float64(sent) / elapsed.Seconds()
	st, _ := sock.Stats()

	fmt.Fprintf(os.Stderr,
		"finished: sent=%s bytes=%s busy=%s | duration=%s | rate=%s pps\n%s\n",
		humanize.Comma(int64(sent)),
		humanize.Bytes(bytes),
		humanize.Comma(int64(busy)),
		elapsed.Round(time.Millisecond),
		humanize.Comma(int64(pps)),
		st,
	)
	return nil
}
