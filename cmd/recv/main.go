//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/buffer"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/numa"
	"github.com/romshark/zcnet/xdpprog"
)

func main() {
	fIface := flag.String("i", "", "Interface")
	fProg := flag.String("prog", "", "Compiled XDP program (ELF object)")
	fMode := flag.String("mode", "", "XDP attach mode: skb, native or offload")
	fZeroCopy := flag.Bool("z", false, "Use zerocopy")
	fHugepages := flag.Bool("hugepages", false, "Back UMEM and pool with huge pages")
	fDecode := flag.Bool("decode", false, "Log a summary of every received packet")
	fLogLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*fLogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if *fIface == "" || *fProg == "" {
		fmt.Fprint(os.Stderr, "missing -i interface or -prog object\n")
		os.Exit(1)
	}
	var mode xdpprog.Mode
	if err := mode.UnmarshalText([]byte(*fMode)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, log, *fIface, *fProg, mode, *fZeroCopy, *fHugepages, *fDecode)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("receive failed")
	}
}

func run(
	ctx context.Context, log *logrus.Logger,
	iface, progPath string, mode xdpprog.Mode,
	zeroCopy, hugepages, decode bool,
) (err error) {
	prog, err := xdpprog.Load(xdpprog.Config{
		InterfaceName: iface,
		ProgramPath:   progPath,
		Mode:          mode,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, prog.Detach()) }()

	queues, err := prog.RXQueueIDs()
	if err != nil {
		return errors.Wrap(err, "listing queue ids")
	}

	node, ok := numa.NodeOfInterface(iface)
	if !ok {
		node = 0
	}

	var (
		sockets []*afxdp.Socket
		allocs  []*numa.Allocator
	)
	defer func() {
		for _, s := range sockets {
			err = multierr.Append(err, s.Close())
		}
		for _, a := range allocs {
			err = multierr.Append(err, a.Close())
		}
	}()

	for _, q := range queues {
		a, err := numa.NewAllocator(node, hugepages, numa.WithLogger(log))
		if err != nil {
			return err
		}
		allocs = append(allocs, a)

		s, err := afxdp.Open(afxdp.SocketConfig{
			InterfaceName:   iface,
			QueueID:         q,
			ZeroCopy:        zeroCopy,
			BindFallback:    afxdp.BindFallbackCopy,
			NeedWakeup:      true,
			PreferHugepages: hugepages,
		}, prog, afxdp.WithLogger(log), afxdp.WithAllocator(a))
		if err != nil {
			return errors.Wrapf(err, "queue %d", q)
		}
		sockets = append(sockets, s)
	}

	// Frames are copied out of the UMEM so they can be returned right away.
	slots, err := mempool.New(mempool.Config{
		NumSlots:     afxdp.DefaultBatchSize * len(sockets),
		SlotSize:     afxdp.DefaultFrameSize,
		NUMANode:     node,
		UseHugepages: hugepages,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, slots.Close()) }()
	bufs := buffer.NewBufferPool(slots)

	log.WithFields(logrus.Fields{
		"iface":  iface,
		"queues": queues,
		"node":   node,
		"zc":     zeroCopy,
	}).Info("AF_XDP RX")

	var totalPackets, totalBytes atomic.Uint64
	handle := func(p *afxdp.Packet) (int, error) {
		b, err := bufs.Get()
		if err != nil {
			// Pool exhausted: count the packet but skip the copy.
			totalPackets.Add(1)
			totalBytes.Add(uint64(len(p.Buf)))
			return -1, nil
		}
		b.Write(p.Buf)
		totalPackets.Add(1)
		totalBytes.Add(uint64(b.Len()))
		if decode {
			pkt := gopacket.NewPacket(b.Data(), layers.LayerTypeEthernet, gopacket.NoCopy)
			log.WithFields(logrus.Fields{
				"queue": p.Queue,
				"len":   b.Len(),
			}).Info(pkt.String())
		}
		return -1, bufs.Put(b)
	}

	go report(ctx, &totalPackets, &totalBytes)

	return afxdp.RunWorkers(ctx, sockets, afxdp.WorkerConfig{
		Allocators: allocs,
		Logger:     log,
	}, handle)
}

func report(ctx context.Context, totalPackets, totalBytes *atomic.Uint64) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()
			pkts := totalPackets.Load()
			bytes := totalBytes.Load()

			pps := float64(pkts-lastPackets) / elapsed
			mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
			maxPPS = max(maxPPS, pps)
			maxMbps = max(maxMbps, mbps)

			fmt.Printf(
				"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
				pkts, pps, mbps, maxPPS, maxMbps,
			)
			lastPackets, lastBytes, lastTime = pkts, bytes, now
		}
	}
}
