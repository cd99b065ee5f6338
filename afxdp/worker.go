//go:build linux

package afxdp

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/numa"
)

type WorkerConfig struct {
	// Allocators[i] pins the worker serving sockets[i] to its NUMA node.
	// Missing or nil entries leave that worker unpinned.
	Allocators []*numa.Allocator
	BatchSize  uint32
	Logger     logrus.FieldLogger
}

// Handler processes one packet. A forwardTo >= 0 transmits the packet on the
// socket bound to interface index forwardTo and the same queue; otherwise
// the packet is dropped once the handler returns.
type Handler func(p *Packet) (forwardTo int, err error)

// RunWorkers starts one OS-thread-locked worker per socket and calls fn for
// every packet received. Affinity is per thread, so each worker binds itself.
// It stops when ctx is canceled, returning ctx.Err(), or when a worker fails,
// returning that error. Sockets stay open; the caller owns them.
func RunWorkers(
	ctx context.Context, sockets []*Socket, conf WorkerConfig, fn Handler,
) error {
	if len(sockets) == 0 {
		return nil
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.Logger == nil {
		conf.Logger = logrus.WithField("module", "afxdp")
	}

	type target struct {
		ifindex int
		queue   uint32
	}
	targets := make(map[target]*Socket, len(sockets))
	for _, s := range sockets {
		_, idx, q := s.Info()
		targets[target{idx, q}] = s
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(sockets))
	var wg sync.WaitGroup
	wg.Add(len(sockets))

	for i, s := range sockets {
		var alloc *numa.Allocator
		if i < len(conf.Allocators) {
			alloc = conf.Allocators[i]
		}
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if alloc != nil {
				unbind, err := alloc.BindCurrentWorker()
				if err != nil {
					errCh <- errors.Wrapf(err, "pinning worker %d", i)
					return
				}
				defer unbind()
			}

			iface, _, queue := s.Info()
			log := conf.Logger.WithFields(logrus.Fields{
				"iface": iface, "queue": queue, "worker": i,
			})
			log.Debug("worker started")

			frames := make([]Frame, conf.BatchSize)
			done := make([]uint64, 0, conf.BatchSize)
			fwd := make(map[*Socket][][]byte)
			var p Packet

			for ctx.Err() == nil {
				got, err := s.ReceiveBatch(frames)
				if err != nil {
					errCh <- err
					return
				}
				if len(got) == 0 {
					if _, err := s.Wait(); err != nil {
						errCh <- err
						return
					}
					continue
				}

				for _, fr := range got {
					p = Packet{Buf: fr.Buf, Frame: fr.Index, Ingress: iface, Queue: queue}
					to, err := fn(&p)
					if err != nil {
						errCh <- err
						return
					}
					if to >= 0 {
						if t := targets[target{to, queue}]; t != nil {
							fwd[t] = append(fwd[t], fr.Buf)
						}
					}
					done = append(done, fr.Index)
				}

				for t, pkts := range fwd {
					n, err := t.SendBatch(pkts)
					if err != nil {
						errCh <- errors.Wrap(err, "forwarding")
						return
					}
					if n < len(pkts) {
						log.WithField("dropped", len(pkts)-n).Debug("forward target busy")
					}
					fwd[t] = pkts[:0]
				}

				// Frames go back only after forwarding copied them out.
				if err := s.ReturnFrames(done...); err != nil {
					errCh <- err
					return
				}
				done = done[:0]
			}
		}()
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	}
}
