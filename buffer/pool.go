package buffer

import (
	"github.com/pkg/errors"
)

// SlotPool is the slot source behind a BufferPool. *mempool.Pool implements it.
type SlotPool interface {
	Acquire() (int, []byte, error)
	Release(idx int) error
	SlotSize() int
}

// BufferPool hands out Buffers backed by slots of a SlotPool. Every Get
// returns a fresh wrapper, so a released Buffer never aliases a later one.
type BufferPool struct {
	slots SlotPool
}

func NewBufferPool(slots SlotPool) *BufferPool {
	return &BufferPool{slots: slots}
}

// Get acquires a slot and wraps it. Slot pool errors, such as exhaustion,
// are returned unchanged so callers can match them.
func (p *BufferPool) Get() (*Buffer, error) {
	idx, raw, err := p.slots.Acquire()
	if err != nil {
		return nil, err
	}
	return &Buffer{pool: p, slot: idx, raw: raw}, nil
}

// Put releases the slot owned by b. Putting nil or an already released
// buffer does nothing, even after its slot went to another Buffer.
func (p *BufferPool) Put(b *Buffer) error {
	if b == nil || b.released {
		return nil
	}
	if b.pool != p {
		return errors.New("buffer belongs to a different pool")
	}
	slot := b.slot
	*b = Buffer{released: true}
	if err := p.slots.Release(slot); err != nil {
		return errors.Wrapf(err, "releasing slot %d", slot)
	}
	return nil
}

// SlotSize returns the capacity of every Buffer from this pool.
func (p *BufferPool) SlotSize() int { return p.slots.SlotSize() }
