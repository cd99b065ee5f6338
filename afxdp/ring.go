//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ring holds the index bookkeeping shared by all four XDP rings.
//
// On a producer ring (TX, Fill) cachedCons is kept size entries ahead of the
// real consumer so cachedCons-cachedProd is the free space. On a consumer
// ring (RX, Completion) cachedProd-cachedCons is the number of entries ready.
type ring struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32

	// prod, cons and flags point into the shared ring header.
	prod  *uint32
	cons  *uint32
	flags *uint32
}

func makeRing(
	region []byte, off unix.XDPRingOffset, size, entrySize uint32, producer bool,
) (ring, unsafe.Pointer, error) {
	if size == 0 || size&(size-1) != 0 {
		return ring{}, nil, errors.Wrapf(ErrRingSetupFailed,
			"ring size %d is not a power of two", size)
	}
	need := off.Desc + uint64(size)*uint64(entrySize)
	if uint64(len(region)) < need ||
		uint64(len(region)) < off.Producer+4 || uint64(len(region)) < off.Consumer+4 {
		return ring{}, nil, errors.Wrapf(ErrRingSetupFailed,
			"region of %d bytes too small for %d entries", len(region), size)
	}

	base := unsafe.Pointer(&region[0])
	r := ring{
		mask: size - 1,
		size: size,
		prod: (*uint32)(unsafe.Add(base, off.Producer)),
		cons: (*uint32)(unsafe.Add(base, off.Consumer)),
	}
	if off.Flags != 0 {
		r.flags = (*uint32)(unsafe.Add(base, off.Flags))
	}

	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	if producer {
		r.cachedCons += size
	}
	return r, unsafe.Add(base, off.Desc), nil
}

// free returns the number of entries a producer may reserve, refreshing the
// consumer index only when the cached view has fewer than n.
func (r *ring) free(n uint32) uint32 {
	if f := r.cachedCons - r.cachedProd; f >= n {
		return f
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// reserve claims n producer slots and returns the first index.
func (r *ring) reserve(n uint32) (uint32, bool) {
	if r.free(n) < n {
		return 0, false
	}
	idx := r.cachedProd
	r.cachedProd += n
	return idx, true
}

// submit publishes every reserved entry to the other side.
func (r *ring) submit() { atomic.StoreUint32(r.prod, r.cachedProd) }

// available returns up to limit entries ready for the consumer.
func (r *ring) available(limit uint32) uint32 {
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		entries = r.cachedProd - r.cachedCons
	}
	return min(entries, limit)
}

// release hands n consumed entries back to the producer.
func (r *ring) release(n uint32) {
	r.cachedCons += n
	atomic.StoreUint32(r.cons, r.cachedCons)
}

// outstanding is the number of entries published but not yet consumed.
func (r *ring) outstanding() uint32 {
	return atomic.LoadUint32(r.prod) - atomic.LoadUint32(r.cons)
}

func (r *ring) needWakeup() bool {
	return r.flags != nil && atomic.LoadUint32(r.flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

// descRing is an RX or TX ring of packet descriptors.
type descRing struct {
	ring
	descs []unix.XDPDesc
}

func newDescRing(
	region []byte, off unix.XDPRingOffset, size uint32, producer bool,
) (*descRing, error) {
	r, p, err := makeRing(region, off, size, uint32(unsafe.Sizeof(unix.XDPDesc{})), producer)
	if err != nil {
		return nil, err
	}
	return &descRing{ring: r, descs: unsafe.Slice((*unix.XDPDesc)(p), size)}, nil
}

func (r *descRing) at(idx uint32) *unix.XDPDesc { return &r.descs[idx&r.mask] }

// addrRing is a Fill or Completion ring of UMEM addresses.
type addrRing struct {
	ring
	addrs []uint64
}

func newAddrRing(
	region []byte, off unix.XDPRingOffset, size uint32, producer bool,
) (*addrRing, error) {
	r, p, err := makeRing(region, off, size, 8, producer)
	if err != nil {
		return nil, err
	}
	return &addrRing{ring: r, addrs: unsafe.Slice((*uint64)(p), size)}, nil
}

// push reserves len(addrs) entries, writes them and publishes. It writes
// nothing when the ring lacks room for all of them.
func (r *addrRing) push(addrs ...uint64) bool {
	idx, ok := r.reserve(uint32(len(addrs)))
	if !ok {
		return false
	}
	for i, a := range addrs {
		r.addrs[(idx+uint32(i))&r.mask] = a
	}
	r.submit()
	return true
}

// drain moves up to len(dst) ready addresses into dst and releases them.
func (r *addrRing) drain(dst []uint64) uint32 {
	n := r.available(uint32(len(dst)))
	for i := range n {
		dst[i] = r.addrs[(r.cachedCons+i)&r.mask]
	}
	if n > 0 {
		r.release(n)
	}
	return n
}
