//go:build linux

package mempool

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/numa"
)

func newTestPool(t *testing.T, slots, size int) *Pool {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	alloc, err := numa.NewAllocator(0, false,
		numa.WithTopology(numa.Topology{}), numa.WithLogger(l))
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(Config{
		NumSlots:    slots,
		SlotSize:    size,
		Preallocate: true,
		Logger:      l,
		Allocator:   alloc,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestConfigErrorsCarryStack(t *testing.T) {
	for name, c := range map[string]Config{
		"slots": {NumSlots: -1},
		"size":  {SlotSize: -1},
		"node":  {NUMANode: -1},
	} {
		err := c.ValidateAndSetDefaults()
		if _, ok := err.(interface{ StackTrace() errors.StackTrace }); !ok {
			t.Errorf("%s: %v has no stack trace", name, err)
		}
	}
}

func TestAcquireExhaustRelease(t *testing.T) {
	p := newTestPool(t, 2, 16)

	i0, b0, err := p.Acquire()
	if err != nil || i0 != 0 {
		t.Fatalf("first Acquire = %d, %v", i0, err)
	}
	i1, _, err := p.Acquire()
	if err != nil || i1 != 1 {
		t.Fatalf("second Acquire = %d, %v", i1, err)
	}
	if _, _, err := p.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third Acquire err = %v, want ErrPoolExhausted", err)
	}

	copy(b0, "secret payload!!")
	if err := p.Release(0); err != nil {
		t.Fatalf("Release(0): %v", err)
	}

	idx, b, err := p.Acquire()
	if err != nil || idx != 0 {
		t.Fatalf("Acquire after release = %d, %v", idx, err)
	}
	if len(b) != 16 || cap(b) != 16 {
		t.Fatalf("slot len=%d cap=%d, want 16", len(b), cap(b))
	}
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d = %#x after release, want 0", i, c)
		}
	}
}

func TestReleaseErrors(t *testing.T) {
	p := newTestPool(t, 4, 8)

	for _, idx := range []int{-1, 4, 100} {
		if err := p.Release(idx); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("Release(%d) err = %v, want ErrInvalidSlot", idx, err)
		}
	}

	idx, _, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(idx); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(idx); !errors.Is(err, ErrSlotNotInUse) {
		t.Fatalf("double Release err = %v, want ErrSlotNotInUse", err)
	}
	if err := p.Release(3); !errors.Is(err, ErrSlotNotInUse) {
		t.Fatalf("Release of never acquired slot err = %v, want ErrSlotNotInUse", err)
	}
}

func TestSlotsDoNotOverlap(t *testing.T) {
	p := newTestPool(t, 3, 32)
	var slots [][]byte
	for range 3 {
		_, b, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		slots = append(slots, b)
	}
	for i, s := range slots {
		for j := range s {
			s[j] = byte(i + 1)
		}
	}
	for i, s := range slots {
		for _, c := range s {
			if c != byte(i+1) {
				t.Fatalf("slot %d was overwritten by a neighbour", i)
			}
		}
	}
}

func TestSkipZeroOnRelease(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	p, err := New(Config{NumSlots: 1, SlotSize: 8, SkipZeroOnRelease: true, Logger: l})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	idx, b, _ := p.Acquire()
	b[0] = 7
	if err := p.Release(idx); err != nil {
		t.Fatal(err)
	}
	_, b, _ = p.Acquire()
	if b[0] != 7 {
		t.Fatalf("expected slot contents to survive release, got %d", b[0])
	}
}

func TestStats(t *testing.T) {
	p := newTestPool(t, 4, 64)

	a, _, _ := p.Acquire()
	b, _, _ := p.Acquire()
	_, _, _ = p.Acquire()
	_ = p.Release(a)
	_ = p.Release(b)

	s := p.Stats()
	want := Stats{
		TotalSlots:  4,
		FreeSlots:   3,
		UsedSlots:   1,
		TotalAllocs: 3,
		TotalFrees:  2,
		PeakUsage:   3,
		SlotSize:    64,
		TotalMemory: 256,
	}
	if s != want {
		t.Fatalf("Stats() = %+v, want %+v", s, want)
	}
	if s.String() == "" {
		t.Fatal("empty Stats string")
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := newTestPool(t, 2, 16)
	if _, _, err := p.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := p.Acquire(); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Acquire after Close err = %v", err)
	}
	if err := p.Release(0); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Release after Close err = %v", err)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	const slots = 8
	p := newTestPool(t, slots, 64)

	var (
		wg        sync.WaitGroup
		exhausted atomic.Int64
		overflow  atomic.Bool
	)
	for w := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				idx, b, err := p.Acquire()
				if errors.Is(err, ErrPoolExhausted) {
					exhausted.Add(1)
					continue
				}
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				if p.Stats().UsedSlots > slots {
					overflow.Store(true)
				}
				for i := range b {
					if b[i] != 0 {
						t.Errorf("worker %d got dirty slot %d", w, idx)
						return
					}
					b[i] = byte(w)
				}
				if err := p.Release(idx); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if overflow.Load() {
		t.Fatal("usage exceeded number of slots")
	}
	s := p.Stats()
	if s.UsedSlots != 0 || s.FreeSlots != slots {
		t.Fatalf("unexpected final stats %+v", s)
	}
	if s.TotalAllocs != s.TotalFrees {
		t.Fatalf("allocs %d != frees %d", s.TotalAllocs, s.TotalFrees)
	}
	if s.PeakUsage > slots {
		t.Fatalf("peak %d > %d", s.PeakUsage, slots)
	}
}

func TestLastSlotRace(t *testing.T) {
	p := newTestPool(t, 1, 8)

	var (
		wg      sync.WaitGroup
		winners atomic.Int64
		losers  atomic.Int64
	)
	start := make(chan struct{})
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := p.Acquire()
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrPoolExhausted):
				losers.Add(1)
			default:
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 || losers.Load() != 15 {
		t.Fatalf("winners=%d losers=%d, want 1/15", winners.Load(), losers.Load())
	}
}
