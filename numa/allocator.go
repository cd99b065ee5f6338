//go:build linux

package numa

import (
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidNode      = errors.New("invalid NUMA node")
	ErrNoCPUsForNode    = errors.New("no CPUs for NUMA node")
	ErrAllocationFailed = errors.New("allocation failed")
	ErrUnmapFailed      = errors.New("unmap failed")
)

// HugepageSize is the huge page granularity requested via MAP_HUGETLB.
const HugepageSize = 2 << 20

// mpolPreferred is MPOL_PREFERRED from linux/mempolicy.h.
const mpolPreferred = 1

// Allocator allocates page-aligned anonymous memory preferring one NUMA node
// and pins workers to that node's CPUs.
//
// When NUMA is unavailable the allocator is uninitialized: binding is a
// no-op and allocations are plain page-aligned mappings.
type Allocator struct {
	nodeID       int
	useHugepages bool
	initialized  bool
	cpus         []int
	log          logrus.FieldLogger

	mu     sync.Mutex
	allocs map[uintptr][]byte
}

// Option configures an Allocator.
type Option func(*allocOptions)

type allocOptions struct {
	log  logrus.FieldLogger
	topo *Topology
}

// WithLogger sets the logger used for non-fatal degradations.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *allocOptions) { o.log = l }
}

// WithTopology makes the allocator use t instead of discovering the host
// topology.
func WithTopology(t Topology) Option {
	return func(o *allocOptions) { o.topo = &t }
}

// NewAllocator creates an allocator bound to nodeID. It fails with
// ErrInvalidNode when NUMA is available and nodeID is not a known node.
func NewAllocator(nodeID int, useHugepages bool, opts ...Option) (*Allocator, error) {
	var o allocOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logrus.WithField("module", "numa")
	}
	topo := o.topo
	if topo == nil {
		t := Discover()
		topo = &t
	}

	a := &Allocator{
		nodeID:       nodeID,
		useHugepages: useHugepages,
		log:          o.log,
		allocs:       make(map[uintptr][]byte),
	}

	if !topo.Available {
		a.log.WithField("node", nodeID).
			Warn("NUMA not available, allocating without node binding")
		return a, nil
	}
	if nodeID < 0 || nodeID >= topo.NodeCount {
		return nil, errors.Wrapf(ErrInvalidNode,
			"node %d (host has %d)", nodeID, topo.NodeCount)
	}

	a.initialized = true
	a.cpus = topo.CPUsPerNode[nodeID]
	return a, nil
}

// NodeID returns the configured node.
func (a *Allocator) NodeID() int { return a.nodeID }

// Initialized reports whether NUMA binding is active.
func (a *Allocator) Initialized() bool { return a.initialized }

// Hugepages reports whether huge pages are requested.
func (a *Allocator) Hugepages() bool { return a.useHugepages }

// CPUs returns the CPU set of the configured node.
func (a *Allocator) CPUs() []int { return a.cpus }

// BindCurrentWorker locks the calling goroutine to its OS thread and pins that
// thread to the node's CPUs. Affinity is a per-thread property so every
// worker must call it for itself. The returned unbind restores the previous
// mask and unlocks the thread; it must run on the same goroutine.
func (a *Allocator) BindCurrentWorker() (unbind func(), err error) {
	if !a.initialized {
		return func() {}, nil
	}
	if len(a.cpus) == 0 {
		return nil, errors.Wrapf(ErrNoCPUsForNode, "node %d", a.nodeID)
	}

	var set unix.CPUSet
	set.Zero()
	for _, cpu := range a.cpus {
		set.Set(cpu)
	}

	runtime.LockOSThread()
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "sched_getaffinity")
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "sched_setaffinity node %d", a.nodeID)
	}
	return func() {
		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			// A pinned thread must not go back to the scheduler.
			// Staying locked makes the runtime drop it when the
			// goroutine exits.
			a.log.WithError(err).Warn("restoring worker affinity")
			return
		}
		runtime.UnlockOSThread()
	}, nil
}

// AllocateAligned maps size bytes (rounded up to the page size) of anonymous
// private memory. A failed huge page mapping is retried once with regular
// pages. Pinning the mapping against swap is best-effort.
func (a *Allocator) AllocateAligned(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrAllocationFailed, "invalid size %d", size)
	}

	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	var (
		buf []byte
		err error
	)
	if a.useHugepages {
		buf, err = unix.Mmap(-1, 0, alignUp(size, HugepageSize), prot, flags|unix.MAP_HUGETLB)
		if err != nil {
			a.log.WithError(err).WithField("size", size).
				Warn("hugepage mmap failed, retrying with regular pages")
		}
	}
	if buf == nil {
		buf, err = unix.Mmap(-1, 0, alignUp(size, os.Getpagesize()), prot, flags)
		if err != nil {
			return nil, errors.Wrapf(ErrAllocationFailed, "mmap %d bytes: %v", size, err)
		}
	}

	if a.initialized {
		if err := mbindPreferred(buf, a.nodeID); err != nil {
			a.log.WithError(err).WithField("node", a.nodeID).
				Warn("mbind failed, memory may be remote")
		}
	}
	if err := unix.Mlock(buf); err != nil {
		a.log.WithError(err).WithField("size", len(buf)).
			Warn("mlock failed, memory may be swapped")
	}

	a.mu.Lock()
	a.allocs[baseAddr(buf)] = buf
	a.mu.Unlock()

	return buf[:size:size], nil
}

// Free releases a buffer returned by AllocateAligned. Empty input is a no-op.
func (a *Allocator) Free(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	addr := baseAddr(buf)

	a.mu.Lock()
	full, ok := a.allocs[addr]
	delete(a.allocs, addr)
	a.mu.Unlock()

	if !ok {
		full = buf
	}
	if err := unix.Munmap(full); err != nil {
		return errors.Wrapf(ErrUnmapFailed, "munmap: %v", err)
	}
	return nil
}

// Close frees every allocation that is still outstanding.
func (a *Allocator) Close() error {
	a.mu.Lock()
	allocs := a.allocs
	a.allocs = make(map[uintptr][]byte)
	a.mu.Unlock()

	var err error
	for _, buf := range allocs {
		if e := unix.Munmap(buf); e != nil {
			err = multierr.Append(err, errors.Wrapf(ErrUnmapFailed, "munmap: %v", e))
		}
	}
	return err
}

// Outstanding returns the number of live allocations.
func (a *Allocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocs)
}

func mbindPreferred(buf []byte, node int) error {
	if node < 0 || node >= 64 {
		return errors.Errorf("node %d outside supported mask", node)
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		mpolPreferred,
		uintptr(unsafe.Pointer(&mask)),
		65, // maxnode: bits in mask + 1
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func baseAddr(b []byte) uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(b))) }

func alignUp(n, align int) int { return (n + align - 1) &^ (align - 1) }
