//go:build linux

// Package afxdp implements AF_XDP sockets over a registered UMEM.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: descriptors of packets delivered from the NIC to userspace.
//   - Fill ring: UMEM addresses userspace lends the kernel for RX.
//   - TX ring: descriptors userspace hands to the NIC.
//   - Completion ring: TX frames the kernel is done with.
//
// A Socket serialises callers internally so a concurrent Close is always
// safe, but each ring still has a single logical producer and consumer:
// share a socket between workers only through its Pump.
package afxdp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/romshark/zcnet/numa"
)

var (
	ErrPacketTooLarge    = errors.New("packet too large")
	ErrUMEMSetupFailed   = errors.New("UMEM setup failed")
	ErrRingSetupFailed   = errors.New("ring setup failed")
	ErrBindFailed        = errors.New("bind failed")
	ErrSocketClosed      = errors.New("socket closed")
	ErrNumFramesTooSmall = errors.New("NumFrames must exceed FillRingSize")
	ErrFillRingFull      = errors.New("fill ring full")
	ErrTxBusy            = errors.New("no TX frame available")
	ErrInvalidFrame      = errors.New("invalid frame index")
)

// Registrar makes a bound socket reachable from the XDP program, usually by
// inserting its fd into an XSK map. *xdpprog.Program implements it.
// Close unregisters the queue before closing the fd.
type Registrar interface {
	Register(queueID uint32, fd int) error
	Unregister(queueID uint32) error
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	log   logrus.FieldLogger
	alloc *numa.Allocator
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(o *openOptions) { o.log = l }
}

// WithAllocator allocates the UMEM through a, placing it on a's NUMA node.
func WithAllocator(a *numa.Allocator) Option {
	return func(o *openOptions) { o.alloc = a }
}

// Frame is a received packet still owned by the socket.
type Frame struct {
	// Buf points directly into the UMEM.
	Buf []byte
	// Index identifies the frame for ReturnFrame.
	Index uint64
}

// Socket is an AF_XDP socket bound to one interface queue.
type Socket struct {
	conf     SocketConfig
	log      logrus.FieldLogger
	ifindex  int
	zeroCopy bool

	fd     int
	stopFd int

	// life is held shared by every operation touching fd, rings or UMEM and
	// exclusively by Close while tearing them down.
	life   sync.RWMutex
	closed atomic.Bool

	// One mutex per ring owner: rxMu guards rx, txMu guards tx, comp and
	// txFree, fillMu guards fill.
	rxMu   sync.Mutex
	txMu   sync.Mutex
	fillMu sync.Mutex

	reg   Registrar
	alloc *numa.Allocator
	umem  []byte
	maps  [][]byte

	rx   *descRing
	tx   *descRing
	fill *addrRing
	comp *addrRing

	// txFree is the stack of UMEM frame addresses available for TX.
	txFree  []uint64
	compBuf []uint64

	pump *Pump

	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
}

// Open creates the socket, registers a UMEM, maps the four rings, primes the
// Fill ring and binds to conf.InterfaceName:conf.QueueID. When reg is not nil
// the bound socket is registered with it. Any failure releases everything
// acquired so far.
func Open(conf SocketConfig, reg Registrar, opts ...Option) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.WithField("module", "afxdp")
	}
	log := o.log.WithFields(logrus.Fields{
		"iface": conf.InterfaceName,
		"queue": conf.QueueID,
	})

	lnk, err := netlink.LinkByName(conf.InterfaceName)
	if err != nil {
		return nil, errors.Wrapf(ErrBindFailed, "resolving interface %q: %v", conf.InterfaceName, err)
	}

	alloc := o.alloc
	if alloc == nil {
		alloc, err = numa.NewAllocator(0, conf.PreferHugepages,
			numa.WithTopology(numa.Topology{}), numa.WithLogger(log))
		if err != nil {
			return nil, errors.Wrap(ErrUMEMSetupFailed, err.Error())
		}
	}

	var (
		fd     = -1
		stopFd = -1
		umem   []byte
		maps   [][]byte
	)
	fail := func(err error) error {
		for _, m := range maps {
			_ = unix.Munmap(m)
		}
		if umem != nil {
			_ = alloc.Free(umem)
		}
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		if stopFd >= 0 {
			_ = unix.Close(stopFd)
		}
		return err
	}

	fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fail(errors.Wrap(err, "opening AF_XDP socket"))
	}
	stopFd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fail(errors.Wrap(err, "creating stop eventfd"))
	}

	// UMEM.
	umem, err = alloc.AllocateAligned(int(conf.NumFrames) * int(conf.FrameSize))
	if err != nil {
		return nil, fail(errors.Wrapf(ErrUMEMSetupFailed, "allocating UMEM: %v", err))
	}
	umemReg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:      uint64(len(umem)),
		Size:     conf.FrameSize,
		Headroom: conf.Headroom,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG,
		unsafe.Pointer(&umemReg), unsafe.Sizeof(umemReg)); err != nil {
		return nil, fail(errors.Wrapf(ErrUMEMSetupFailed, "XDP_UMEM_REG: %v", err))
	}

	// Rings.
	for _, r := range []struct {
		opt  int
		size uint32
		name string
	}{
		{unix.XDP_UMEM_FILL_RING, conf.FillRingSize, "XDP_UMEM_FILL_RING"},
		{unix.XDP_UMEM_COMPLETION_RING, conf.CompRingSize, "XDP_UMEM_COMPLETION_RING"},
		{unix.XDP_RX_RING, conf.RxRingSize, "XDP_RX_RING"},
		{unix.XDP_TX_RING, conf.TxRingSize, "XDP_TX_RING"},
	} {
		size := r.size
		if err := setsockopt(fd, r.opt, unsafe.Pointer(&size), unsafe.Sizeof(size)); err != nil {
			return nil, fail(errors.Wrapf(ErrRingSetupFailed, "%s: %v", r.name, err))
		}
	}

	var offs unix.XDPMmapOffsets
	if err := getsockopt(fd, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return nil, fail(errors.Wrapf(ErrRingSetupFailed, "XDP_MMAP_OFFSETS: %v", err))
	}

	descSize := uint64(unsafe.Sizeof(unix.XDPDesc{}))
	mapRing := func(name string, off unix.XDPRingOffset, entries uint32, entrySize uint64, pgoff int64) ([]byte, error) {
		m, err := unix.Mmap(fd, pgoff, int(off.Desc+uint64(entries)*entrySize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return nil, errors.Wrapf(ErrRingSetupFailed, "mmap %s ring: %v", name, err)
		}
		maps = append(maps, m)
		return m, nil
	}

	rxMap, err := mapRing("RX", offs.Rx, conf.RxRingSize, descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, fail(err)
	}
	txMap, err := mapRing("TX", offs.Tx, conf.TxRingSize, descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return nil, fail(err)
	}
	fillMap, err := mapRing("Fill", offs.Fr, conf.FillRingSize, 8, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return nil, fail(err)
	}
	compMap, err := mapRing("Completion", offs.Cr, conf.CompRingSize, 8, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return nil, fail(err)
	}

	s := &Socket{
		conf:    conf,
		log:     log,
		ifindex: lnk.Attrs().Index,
		fd:      fd,
		stopFd:  stopFd,
		alloc:   alloc,
		umem:    umem,
		maps:    maps,
	}
	if s.rx, err = newDescRing(rxMap, offs.Rx, conf.RxRingSize, false); err != nil {
		return nil, fail(err)
	}
	if s.tx, err = newDescRing(txMap, offs.Tx, conf.TxRingSize, true); err != nil {
		return nil, fail(err)
	}
	if s.fill, err = newAddrRing(fillMap, offs.Fr, conf.FillRingSize, true); err != nil {
		return nil, fail(err)
	}
	if s.comp, err = newAddrRing(compMap, offs.Cr, conf.CompRingSize, false); err != nil {
		return nil, fail(err)
	}

	// Lend frames [0, FillRingSize) to the kernel for RX.
	prime := make([]uint64, conf.FillRingSize)
	for i := range prime {
		prime[i] = uint64(i) * uint64(conf.FrameSize)
	}
	if !s.fill.push(prime...) {
		return nil, fail(errors.Wrap(ErrRingSetupFailed, "priming fill ring"))
	}

	if s.zeroCopy, err = bind(fd, s.ifindex, conf, log); err != nil {
		return nil, fail(err)
	}

	if reg != nil {
		if err := reg.Register(conf.QueueID, fd); err != nil {
			return nil, fail(errors.Wrap(err, "registering socket"))
		}
		s.reg = reg
	}

	// Frames [FillRingSize, NumFrames) are TX-only.
	s.txFree = make([]uint64, 0, conf.NumFrames-conf.FillRingSize)
	for i := conf.FillRingSize; i < conf.NumFrames; i++ {
		s.txFree = append(s.txFree, uint64(i)*uint64(conf.FrameSize))
	}
	s.compBuf = make([]uint64, conf.BatchSize)
	s.pump = newPump(s)

	log.WithFields(logrus.Fields{
		"zero_copy": s.zeroCopy,
		"frames":    conf.NumFrames,
		"umem":      humanize.IBytes(uint64(len(umem))),
	}).Info("AF_XDP socket bound")
	return s, nil
}

func bind(fd, ifindex int, conf SocketConfig, log logrus.FieldLogger) (zeroCopy bool, err error) {
	sa := unix.RawSockaddrXDP{
		Family:   unix.AF_XDP,
		Ifindex:  uint32(ifindex),
		Queue_id: conf.QueueID,
	}
	var wakeup uint16
	if conf.NeedWakeup {
		wakeup = unix.XDP_USE_NEED_WAKEUP
	}

	if conf.ZeroCopy {
		sa.Flags = unix.XDP_ZEROCOPY | wakeup
		err = rawBind(fd, &sa)
		if err == nil {
			return true, nil
		}
		// Drivers without zero-copy support report EOPNOTSUPP or
		// EPROTONOSUPPORT depending on where the check fails.
		unsupported := errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EPROTONOSUPPORT)
		if !unsupported || conf.BindFallback != BindFallbackCopy {
			return false, errors.Wrapf(ErrBindFailed, "zero-copy: %v", err)
		}
		log.WithError(err).Warn("zero-copy bind rejected, falling back to copy mode")
	}

	sa.Flags = unix.XDP_COPY | wakeup
	if err := rawBind(fd, &sa); err != nil {
		return false, errors.Wrapf(ErrBindFailed, "copy mode: %v", err)
	}
	return false, nil
}

// Config returns the validated configuration.
func (s *Socket) Config() SocketConfig { return s.conf }

// IsZeroCopy reports whether the socket ended up bound in zero-copy mode.
func (s *Socket) IsZeroCopy() bool { return s.zeroCopy }

// FD returns the socket descriptor.
func (s *Socket) FD() int { return s.fd }

// Info returns the interface name, index and queue the socket is bound to.
func (s *Socket) Info() (iface string, index int, queue uint32) {
	return s.conf.InterfaceName, s.ifindex, s.conf.QueueID
}

// Pump returns the socket's channel front end.
func (s *Socket) Pump() *Pump { return s.pump }

// lock takes the shared lifetime lock. It fails once Close has begun.
func (s *Socket) lock() error {
	s.life.RLock()
	if s.closed.Load() {
		s.life.RUnlock()
		return ErrSocketClosed
	}
	return nil
}

// wait polls the socket for events together with the stop fd. It returns
// false on timeout and ErrSocketClosed when Close fired.
func (s *Socket) wait(events int16, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: events},
		{Fd: int32(s.stopFd), Events: unix.POLLIN},
	}
	ms := int(timeout.Milliseconds())
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, errors.Wrap(err, "poll")
		}
		if fds[1].Revents != 0 || s.closed.Load() {
			return false, ErrSocketClosed
		}
		return n > 0 && fds[0].Revents&events != 0, nil
	}
}

// Bounds of the pause between Completion ring checks while Send waits for a
// free TX frame.
const (
	minTxBackoff = 10 * time.Microsecond
	maxTxBackoff = time.Millisecond
)

// sleep pauses for d or until the socket is closed.
func (s *Socket) sleep(d time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(s.stopFd), Events: unix.POLLIN}}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		_, err := unix.Ppoll(fds, &ts, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "ppoll")
		}
		if fds[0].Revents != 0 || s.closed.Load() {
			return ErrSocketClosed
		}
		return nil
	}
}

// Wait blocks until RX descriptors are pending, the poll timeout expires or
// the socket is closed.
func (s *Socket) Wait() (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.life.RUnlock()
	return s.wait(unix.POLLIN, s.conf.PollTimeout)
}

// Receive returns the next received packet and its frame index, waiting up
// to PollTimeout. A timeout returns (nil, 0, nil). The packet is a view into
// the UMEM that stays valid until the frame is handed back with ReturnFrame.
func (s *Socket) Receive() ([]byte, uint64, error) {
	if err := s.lock(); err != nil {
		return nil, 0, err
	}
	defer s.life.RUnlock()
	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	if s.rx.available(1) == 0 {
		ready, err := s.wait(unix.POLLIN, s.conf.PollTimeout)
		if err != nil || !ready {
			return nil, 0, err
		}
		if s.rx.available(1) == 0 {
			return nil, 0, nil
		}
	}

	d := *s.rx.at(s.rx.cachedCons)
	s.rx.release(1)
	return s.frame(d), d.Addr / uint64(s.conf.FrameSize), nil
}

// ReceiveBatch fills frames with whatever is pending without blocking and
// returns the filled prefix.
func (s *Socket) ReceiveBatch(frames []Frame) ([]Frame, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.life.RUnlock()
	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	n := s.rx.available(uint32(len(frames)))
	for i := range n {
		d := *s.rx.at(s.rx.cachedCons + i)
		frames[i] = Frame{Buf: s.frame(d), Index: d.Addr / uint64(s.conf.FrameSize)}
	}
	if n > 0 {
		s.rx.release(n)
	}
	return frames[:n], nil
}

func (s *Socket) frame(d unix.XDPDesc) []byte {
	s.rxPackets.Add(1)
	s.rxBytes.Add(uint64(d.Len))
	end := d.Addr + uint64(d.Len)
	return s.umem[d.Addr:end:end]
}

// ReturnFrame lends a received frame back to the kernel via the Fill ring.
// Frames that are never returned are lost to RX.
func (s *Socket) ReturnFrame(idx uint64) error {
	return s.ReturnFrames(idx)
}

// ReturnFrames is the batch form of ReturnFrame. Either all frames are
// queued or, with ErrFillRingFull, none.
func (s *Socket) ReturnFrames(idxs ...uint64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.life.RUnlock()

	addrs := make([]uint64, len(idxs))
	for i, idx := range idxs {
		if idx >= uint64(s.conf.FillRingSize) {
			return errors.Wrapf(ErrInvalidFrame,
				"frame %d is not an RX frame (RX frames are [0, %d))", idx, s.conf.FillRingSize)
		}
		addrs[i] = idx * uint64(s.conf.FrameSize)
	}

	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if !s.fill.push(addrs...) {
		return ErrFillRingFull
	}
	return nil
}

// Send copies data into a free TX frame and queues it for transmission.
// When no frame or TX slot frees up within PollTimeout it fails with
// ErrTxBusy.
func (s *Socket) Send(data []byte) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.life.RUnlock()
	if len(data) > s.conf.MaxPacketSize() {
		return errors.Wrapf(ErrPacketTooLarge, "%d bytes, limit %d", len(data), s.conf.MaxPacketSize())
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	deadline := time.Now().Add(s.conf.PollTimeout)
	pause := minTxBackoff
	for {
		s.reclaim(uint32(len(s.compBuf)))
		if len(s.txFree) > 0 && s.tx.free(1) > 0 {
			break
		}
		if err := s.kick(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTxBusy
		}
		if len(s.txFree) == 0 {
			// Completions do not make the socket pollable.
			if err := s.sleep(min(pause, remaining)); err != nil {
				return err
			}
			pause = min(2*pause, maxTxBackoff)
			continue
		}
		if _, err := s.wait(unix.POLLOUT, remaining); err != nil {
			return err
		}
	}

	s.enqueueTx(data)
	s.tx.submit()
	return s.kick()
}

// SendBatch queues as many packets as currently fit without waiting and
// returns how many were queued. Callers retry the remainder.
func (s *Socket) SendBatch(pkts [][]byte) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.life.RUnlock()
	for i, p := range pkts {
		if len(p) > s.conf.MaxPacketSize() {
			return 0, errors.Wrapf(ErrPacketTooLarge, "packet %d: %d bytes", i, len(p))
		}
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.reclaim(uint32(len(s.compBuf)))
	n := min(uint32(len(pkts)), uint32(len(s.txFree)), s.tx.free(uint32(len(pkts))))
	for _, p := range pkts[:n] {
		s.enqueueTx(p)
	}
	if n == 0 {
		return 0, s.kick()
	}
	s.tx.submit()
	return int(n), s.kick()
}

// enqueueTx copies p into a free frame and reserves a descriptor for it.
// Callers have checked both are available.
func (s *Socket) enqueueTx(p []byte) {
	last := len(s.txFree) - 1
	addr := s.txFree[last]
	s.txFree = s.txFree[:last]

	start := addr + uint64(s.conf.Headroom)
	n := copy(s.umem[start:addr+uint64(s.conf.FrameSize)], p)

	idx, _ := s.tx.reserve(1)
	*s.tx.at(idx) = unix.XDPDesc{Addr: start, Len: uint32(n)}

	s.txPackets.Add(1)
	s.txBytes.Add(uint64(n))
}

// PollCompletions reclaims up to maxFrames transmitted frames.
func (s *Socket) PollCompletions(maxFrames uint32) (uint32, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.life.RUnlock()
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.reclaim(maxFrames), nil
}

func (s *Socket) reclaim(maxFrames uint32) uint32 {
	maxFrames = min(maxFrames, uint32(len(s.compBuf)))
	n := s.comp.drain(s.compBuf[:maxFrames])
	fs := uint64(s.conf.FrameSize)
	for _, addr := range s.compBuf[:n] {
		s.txFree = append(s.txFree, addr/fs*fs)
	}
	return n
}

// TxFreeFrames returns the number of UMEM frames available for TX.
func (s *Socket) TxFreeFrames() int {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return len(s.txFree)
}

// kick rings the TX doorbell with a zero-length sendto. With need-wakeup
// the kernel flags whether it needs one.
func (s *Socket) kick() error {
	if s.conf.NeedWakeup && !s.tx.needWakeup() {
		return nil
	}
	err := unix.Sendto(s.fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
		return nil
	}
	return errors.Wrap(err, "TX wakeup")
}

// Stats combines the kernel's XDP_STATISTICS with userspace counters.
type Stats struct {
	RxDropped uint64 `json:"rx_dropped"`
	RxInvalid uint64 `json:"rx_invalid"`
	TxInvalid uint64 `json:"tx_invalid"`
	// RxRingFull counts packets dropped because the RX ring was full.
	RxRingFull uint64 `json:"rx_ring_full"`
	// FillRingFull counts packets dropped because the Fill ring had no
	// frame to receive into (rx_fill_ring_empty_descs).
	FillRingFull uint64 `json:"fill_ring_full"`
	// TxRingFull counts wakeups that found the TX ring empty
	// (tx_ring_empty_descs).
	TxRingFull uint64 `json:"tx_ring_full"`

	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
}

func (s Stats) String() string {
	return fmt.Sprintf("rx %s pkts (%s), tx %s pkts (%s), dropped %s, rx ring full %s, fill empty %s, invalid rx/tx %s/%s",
		humanize.Comma(int64(s.RxPackets)), humanize.Bytes(s.RxBytes),
		humanize.Comma(int64(s.TxPackets)), humanize.Bytes(s.TxBytes),
		humanize.Comma(int64(s.RxDropped)), humanize.Comma(int64(s.RxRingFull)),
		humanize.Comma(int64(s.FillRingFull)),
		humanize.Comma(int64(s.RxInvalid)), humanize.Comma(int64(s.TxInvalid)))
}

// Stats queries XDP_STATISTICS. Older kernels fill only a prefix of the
// structure; missing fields stay zero.
func (s *Socket) Stats() (Stats, error) {
	if err := s.lock(); err != nil {
		return Stats{}, err
	}
	defer s.life.RUnlock()

	var ks unix.XDPStatistics
	if err := getsockopt(s.fd, unix.XDP_STATISTICS,
		unsafe.Pointer(&ks), unsafe.Sizeof(ks)); err != nil {
		return Stats{}, errors.Wrap(err, "XDP_STATISTICS")
	}
	return Stats{
		RxDropped:    ks.Rx_dropped,
		RxInvalid:    ks.Rx_invalid_descs,
		TxInvalid:    ks.Tx_invalid_descs,
		RxRingFull:   ks.Rx_ring_full,
		FillRingFull: ks.Rx_fill_ring_empty_descs,
		TxRingFull:   ks.Tx_ring_empty_descs,
		RxPackets:    s.rxPackets.Load(),
		RxBytes:      s.rxBytes.Load(),
		TxPackets:    s.txPackets.Load(),
		TxBytes:      s.txBytes.Load(),
	}, nil
}

// Close wakes any blocked Receive or Send, stops the pump, closes its
// channels and releases the rings, the UMEM and the descriptors.
// Calls after the first return nil.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if s.stopFd >= 0 {
		var one [8]byte
		*(*uint64)(unsafe.Pointer(&one[0])) = 1
		if _, e := unix.Write(s.stopFd, one[:]); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "signalling stop fd"))
		}
	}
	if s.pump != nil {
		s.pump.stop()
	}

	s.life.Lock()
	defer s.life.Unlock()

	if s.reg != nil {
		if e := s.reg.Unregister(s.conf.QueueID); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "unregistering socket"))
		}
		s.reg = nil
	}
	for _, m := range s.maps {
		if e := unix.Munmap(m); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "unmapping ring"))
		}
	}
	s.maps = nil
	if s.umem != nil && s.alloc != nil {
		err = multierr.Append(err, s.alloc.Free(s.umem))
	}
	s.umem = nil
	if s.fd >= 0 {
		if e := unix.Close(s.fd); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "closing socket"))
		}
	}
	if s.stopFd >= 0 {
		if e := unix.Close(s.stopFd); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "closing stop fd"))
		}
	}
	s.log.Debug("AF_XDP socket closed")
	return err
}
