//go:build linux

package buffer_test

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/buffer"
	"github.com/romshark/zcnet/mempool"
)

func TestBufferPoolOverMempool(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	mp, err := mempool.New(mempool.Config{NumSlots: 2, SlotSize: 64, Logger: l})
	if err != nil {
		t.Fatal(err)
	}
	defer mp.Close()

	p := buffer.NewBufferPool(mp)
	a, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(); !errors.Is(err, mempool.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}

	_, _ = a.Write([]byte("leaky"))
	if err := p.Put(a); err != nil {
		t.Fatal(err)
	}
	if s := mp.Stats(); s.UsedSlots != 1 || s.TotalFrees != 1 {
		t.Fatalf("stats after Put: %+v", s)
	}

	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range c.RawData() {
		if v != 0 {
			t.Fatalf("reused slot byte %d = %#x", i, v)
		}
	}
}

func TestStalePutKeepsNewOwner(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	mp, err := mempool.New(mempool.Config{NumSlots: 1, SlotSize: 64, Logger: l})
	if err != nil {
		t.Fatal(err)
	}
	defer mp.Close()

	p := buffer.NewBufferPool(mp)
	a, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Put(a); err != nil {
		t.Fatal(err)
	}
	b, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("released wrapper handed out again")
	}
	_, _ = b.Write([]byte("owner b"))

	if err := p.Put(a); err != nil {
		t.Fatalf("stale Put = %v", err)
	}
	if string(b.Data()) != "owner b" {
		t.Fatalf("new owner sees %q", b.Data())
	}
	if s := mp.Stats(); s.UsedSlots != 1 {
		t.Fatalf("used slots = %d after stale Put, want 1", s.UsedSlots)
	}
	if _, err := p.Get(); !errors.Is(err, mempool.ErrPoolExhausted) {
		t.Fatalf("slot handed out twice: err = %v", err)
	}
}
