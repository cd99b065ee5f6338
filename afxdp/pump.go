//go:build linux

package afxdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Packet is a received frame delivered through a channel.
type Packet struct {
	// Buf points into the UMEM and is valid until Frame is returned.
	Buf     []byte
	Frame   uint64
	Ingress string
	Queue   uint32
}

// Pump turns a Socket into a pair of channels: one goroutine moves received
// frames into RX, another drains packets queued with Enqueue into Send.
// While running, the pump is the only user of the RX and TX rings.
// ReturnFrame stays safe to call from any goroutine.
type Pump struct {
	sock *Socket
	rx   chan Packet
	tx   chan []byte

	mu      sync.RWMutex // guards tx against close
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	txDropped atomic.Uint64
}

func newPump(s *Socket) *Pump {
	depth := int(s.conf.BatchSize) * 4
	return &Pump{
		sock: s,
		rx:   make(chan Packet, depth),
		tx:   make(chan []byte, depth),
	}
}

// RX returns the channel of received packets. It is closed by Socket.Close.
// Every packet must be handed back with Socket.ReturnFrame.
func (p *Pump) RX() <-chan Packet { return p.rx }

// Start launches the RX and TX loops. They run until ctx is done or the
// socket is closed.
func (p *Pump) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrSocketClosed
	}
	if p.started {
		return errors.New("pump already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(2)
	go p.rxLoop(ctx)
	go p.txLoop(ctx)
	return nil
}

// Enqueue queues data for transmission without blocking. The pump owns data
// until it has been copied into the UMEM. A full queue yields ErrTxBusy.
func (p *Pump) Enqueue(data []byte) error {
	if len(data) > p.sock.conf.MaxPacketSize() {
		return errors.Wrapf(ErrPacketTooLarge, "%d bytes", len(data))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrSocketClosed
	}
	select {
	case p.tx <- data:
		return nil
	default:
		return ErrTxBusy
	}
}

// TxDropped returns how many enqueued packets were dropped because the
// socket stayed busy.
func (p *Pump) TxDropped() uint64 { return p.txDropped.Load() }

func (p *Pump) rxLoop(ctx context.Context) {
	defer p.wg.Done()
	s := p.sock
	iface, _, queue := s.Info()
	for ctx.Err() == nil {
		buf, idx, err := s.Receive()
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) {
				s.log.WithError(err).Error("pump receive failed")
			}
			return
		}
		if buf == nil {
			continue
		}
		select {
		case p.rx <- Packet{Buf: buf, Frame: idx, Ingress: iface, Queue: queue}:
		case <-ctx.Done():
			_ = s.ReturnFrame(idx)
			return
		}
	}
}

func (p *Pump) txLoop(ctx context.Context) {
	defer p.wg.Done()
	s := p.sock
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-p.tx:
			err := s.Send(data)
			switch {
			case err == nil:
			case errors.Is(err, ErrTxBusy):
				p.txDropped.Add(1)
				s.log.Debug("pump dropped TX packet, socket busy")
			case errors.Is(err, ErrSocketClosed):
				return
			default:
				s.log.WithError(err).Error("pump send failed")
				return
			}
		}
	}
}

// stop terminates both loops and closes the channels. Packets still
// buffered in RX are discarded since their frames are about to be unmapped.
func (p *Pump) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

drain:
	for {
		select {
		case <-p.rx:
		default:
			break drain
		}
	}
	close(p.rx)
	close(p.tx)
}
