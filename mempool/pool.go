//go:build linux

// Package mempool implements a fixed-slot memory pool carved from a single
// NUMA-local allocation.
//
// Acquire and Release never block: an empty pool is reported immediately
// through ErrPoolExhausted so callers can apply their own backpressure.
package mempool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/numa"
)

var (
	ErrPoolExhausted    = errors.New("pool exhausted")
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrSlotNotInUse     = errors.New("slot not in use")
	ErrPoolClosed       = errors.New("pool closed")
	ErrAllocationFailed = numa.ErrAllocationFailed
)

const (
	DefaultNumSlots = 1024
	DefaultSlotSize = 2048
)

// Config is the construction-time pool configuration.
type Config struct {
	NumSlots     int  `yaml:"num-slots"`
	SlotSize     int  `yaml:"slot-size"`
	NUMANode     int  `yaml:"numa-node"`
	UseHugepages bool `yaml:"use-hugepages"`
	// Preallocate touches every page at construction time so the hot path
	// never takes a first-access page fault.
	Preallocate bool `yaml:"preallocate"`
	// SkipZeroOnRelease disables wiping slots on Release. Only safe when
	// every slot stays with a single logical owner.
	SkipZeroOnRelease bool `yaml:"skip-zero-on-release"`

	Logger logrus.FieldLogger `yaml:"-"`
	// Allocator overrides the allocator built from NUMANode/UseHugepages.
	Allocator *numa.Allocator `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.NumSlots == 0 {
		c.NumSlots = DefaultNumSlots
	}
	if c.SlotSize == 0 {
		c.SlotSize = DefaultSlotSize
	}
	if c.NumSlots < 0 {
		return errors.Errorf("num-slots must be > 0, got %d", c.NumSlots)
	}
	if c.SlotSize < 0 {
		return errors.Errorf("slot-size must be > 0, got %d", c.SlotSize)
	}
	if c.NUMANode < 0 {
		return errors.Errorf("numa-node must be >= 0, got %d", c.NUMANode)
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("module", "mempool")
	}
	return nil
}

// Pool hands out equally sized slots of one contiguous region.
// Slot i always covers region[i*SlotSize : (i+1)*SlotSize].
type Pool struct {
	conf  Config
	alloc *numa.Allocator
	log   logrus.FieldLogger

	region []byte
	free   chan int
	inUse  []atomic.Bool

	// mu guards region and free against Close; Acquire/Release hold it shared.
	mu     sync.RWMutex
	closed bool

	totalAllocs  atomic.Uint64
	totalFrees   atomic.Uint64
	currentUsage atomic.Int64
	peakUsage    atomic.Int64
}

// New allocates the backing region and fills the free set with every slot.
func New(conf Config) (*Pool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	alloc := conf.Allocator
	if alloc == nil {
		a, err := numa.NewAllocator(conf.NUMANode, conf.UseHugepages,
			numa.WithLogger(conf.Logger))
		if err != nil {
			return nil, errors.Wrap(err, "creating NUMA allocator")
		}
		alloc = a
	}

	total := conf.NumSlots * conf.SlotSize
	region, err := alloc.AllocateAligned(total)
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %s pool region", humanize.IBytes(uint64(total)))
	}

	if conf.Preallocate {
		page := os.Getpagesize()
		for off := 0; off < len(region); off += page {
			region[off] = 0
		}
	}

	p := &Pool{
		conf:   conf,
		alloc:  alloc,
		log:    conf.Logger,
		region: region,
		free:   make(chan int, conf.NumSlots),
		inUse:  make([]atomic.Bool, conf.NumSlots),
	}
	for i := range conf.NumSlots {
		p.free <- i
	}

	p.log.WithFields(logrus.Fields{
		"slots":     conf.NumSlots,
		"slot_size": conf.SlotSize,
		"total":     humanize.IBytes(uint64(total)),
		"node":      alloc.NodeID(),
		"numa":      alloc.Initialized(),
	}).Debug("memory pool created")
	return p, nil
}

// Acquire takes a free slot and returns its index and a view of its bytes.
// It fails with ErrPoolExhausted when no slot is free.
func (p *Pool) Acquire() (int, []byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, nil, ErrPoolClosed
	}

	var idx int
	select {
	case idx = <-p.free:
	default:
		return 0, nil, ErrPoolExhausted
	}

	if !p.inUse[idx].CompareAndSwap(false, true) {
		return 0, nil, errors.Wrapf(ErrInvalidSlot, "slot %d handed out while in use", idx)
	}

	p.totalAllocs.Add(1)
	cur := p.currentUsage.Add(1)
	for {
		peak := p.peakUsage.Load()
		if cur <= peak || p.peakUsage.CompareAndSwap(peak, cur) {
			break
		}
	}

	return idx, p.slot(idx), nil
}

// Release returns slot idx to the pool. The slot is zeroed first unless
// SkipZeroOnRelease is set.
func (p *Pool) Release(idx int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if idx < 0 || idx >= p.conf.NumSlots {
		return errors.Wrapf(ErrInvalidSlot, "slot %d out of range [0,%d)", idx, p.conf.NumSlots)
	}

	if !p.inUse[idx].CompareAndSwap(true, false) {
		return errors.Wrapf(ErrSlotNotInUse, "slot %d", idx)
	}
	// The slot is in neither state until it is pushed back, so wiping here
	// cannot race with a new owner.
	if !p.conf.SkipZeroOnRelease {
		clear(p.slot(idx))
	}

	p.totalFrees.Add(1)
	p.currentUsage.Add(-1)
	p.free <- idx
	return nil
}

func (p *Pool) slot(idx int) []byte {
	off := idx * p.conf.SlotSize
	end := off + p.conf.SlotSize
	return p.region[off:end:end]
}

// SlotSize returns the size of every slot in bytes.
func (p *Pool) SlotSize() int { return p.conf.SlotSize }

// NumSlots returns the total number of slots.
func (p *Pool) NumSlots() int { return p.conf.NumSlots }

// Close frees the backing region. It is safe to call more than once;
// Acquire and Release fail with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.free)

	region := p.region
	p.region = nil
	if err := p.alloc.Free(region); err != nil {
		return errors.Wrap(err, "freeing pool region")
	}
	return nil
}

// Stats is a best-effort snapshot of pool usage. Individual counters are
// monotonic or bounded; the fields are not mutually consistent.
type Stats struct {
	TotalSlots  int    `json:"total_slots"`
	FreeSlots   int    `json:"free_slots"`
	UsedSlots   int    `json:"used_slots"`
	TotalAllocs uint64 `json:"total_allocs"`
	TotalFrees  uint64 `json:"total_frees"`
	PeakUsage   int    `json:"peak_usage"`
	SlotSize    int    `json:"slot_size"`
	TotalMemory uint64 `json:"total_memory"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	used := int(p.currentUsage.Load())
	used = max(0, min(used, p.conf.NumSlots))
	return Stats{
		TotalSlots:  p.conf.NumSlots,
		FreeSlots:   p.conf.NumSlots - used,
		UsedSlots:   used,
		TotalAllocs: p.totalAllocs.Load(),
		TotalFrees:  p.totalFrees.Load(),
		PeakUsage:   int(p.peakUsage.Load()),
		SlotSize:    p.conf.SlotSize,
		TotalMemory: uint64(p.conf.NumSlots) * uint64(p.conf.SlotSize),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("slots %d/%d used (peak %d), %s allocs, %s frees, %s x %d = %s",
		s.UsedSlots, s.TotalSlots, s.PeakUsage,
		humanize.Comma(int64(s.TotalAllocs)), humanize.Comma(int64(s.TotalFrees)),
		humanize.IBytes(uint64(s.SlotSize)), s.TotalSlots, humanize.IBytes(s.TotalMemory))
}
