//go:build linux

package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/ifacestat"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/numa"
)

type fakePool mempool.Stats

func (p fakePool) Stats() mempool.Stats { return mempool.Stats(p) }

type fakeSocket struct {
	stats afxdp.Stats
	err   error
}

func (s fakeSocket) Stats() (afxdp.Stats, error) { return s.stats, s.err }

func testSource(t *testing.T) *Source {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)

	src := NewSource()
	src.Logger = l
	src.Topology = func() numa.Topology {
		return numa.Topology{
			NodeCount:   1,
			CPUsPerNode: map[int][]int{0: {0, 1}},
			Available:   true,
		}
	}
	src.InterfaceStats = func(name string) (ifacestat.Counters, error) {
		if name == "eth0" {
			return ifacestat.Counters{RxPackets: 5, RxBytes: 500, Drops: 1}, nil
		}
		return ifacestat.Counters{}, errors.New("interface not found")
	}

	src.AddPool("rx", fakePool{
		TotalSlots: 8, FreeSlots: 6, UsedSlots: 2,
		TotalAllocs: 10, TotalFrees: 8, PeakUsage: 4,
		SlotSize: 2048, TotalMemory: 16384,
	})
	src.AddSocket("eth0/0", fakeSocket{stats: afxdp.Stats{RxPackets: 3, TxPackets: 2, RxRingFull: 1}})
	src.AddSocket("eth0/1", fakeSocket{err: afxdp.ErrSocketClosed})
	src.AddInterface("eth0")
	src.AddInterface("eth1")
	src.AddInterface("eth0")
	return src
}

func TestSnapshot(t *testing.T) {
	snap := testSource(t).Snapshot()

	if !snap.NUMAAvailable || snap.NUMA.NodeCount != 1 {
		t.Fatalf("numa = %+v", snap.NUMA)
	}
	if p := snap.Pools["rx"]; p.UsedSlots != 2 || p.TotalMemory != 16384 {
		t.Fatalf("pool = %+v", p)
	}
	if s := snap.Sockets["eth0/0"]; s.Error != "" || s.RxPackets != 3 {
		t.Fatalf("socket = %+v", s)
	}
	if s := snap.Sockets["eth0/1"]; s.Error == "" {
		t.Fatal("closed socket must carry an error string")
	}
	if len(snap.Interfaces) != 2 {
		t.Fatalf("interfaces = %v", snap.Interfaces)
	}
	if i := snap.Interfaces["eth1"]; i.Error == "" {
		t.Fatal("missing interface must carry an error string")
	}
}

func TestHandler(t *testing.T) {
	srv := httptest.NewServer(testSource(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var body struct {
		NUMAAvailable bool `json:"numa_available"`
		Pools         map[string]struct {
			FreeSlots int `json:"free_slots"`
		} `json:"pools"`
		Sockets map[string]struct {
			RxPackets uint64 `json:"rx_packets"`
			Error     string `json:"error"`
		} `json:"sockets"`
		Interfaces map[string]struct {
			RxBytes uint64 `json:"rx_bytes"`
		} `json:"interfaces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.NUMAAvailable || body.Pools["rx"].FreeSlots != 6 {
		t.Fatalf("body = %+v", body)
	}
	if body.Sockets["eth0/0"].RxPackets != 3 || body.Sockets["eth0/1"].Error == "" {
		t.Fatalf("sockets = %+v", body.Sockets)
	}
	if body.Interfaces["eth0"].RxBytes != 500 {
		t.Fatalf("interfaces = %+v", body.Interfaces)
	}
}

func TestHandlerRejectsWrites(t *testing.T) {
	h := testSource(t).Handler()
	for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(m, "/status", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d", m, rec.Code)
		}
		if rec.Header().Get("Allow") == "" {
			t.Errorf("%s: missing Allow header", m)
		}
	}
}

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(testSource(t))); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	values := make(map[string][]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = append(values[mf.GetName()], m.GetGauge().GetValue())
			case m.GetCounter() != nil:
				values[mf.GetName()] = append(values[mf.GetName()], m.GetCounter().GetValue())
			}
		}
	}

	if v := values["zcnet_numa_available"]; len(v) != 1 || v[0] != 1 {
		t.Fatalf("zcnet_numa_available = %v", v)
	}
	if v := values["zcnet_pool_slots"]; len(v) != 2 {
		t.Fatalf("zcnet_pool_slots = %v", v)
	}
	if v := values["zcnet_pool_allocs_total"]; len(v) != 1 || v[0] != 10 {
		t.Fatalf("zcnet_pool_allocs_total = %v", v)
	}
	// One up gauge per socket; the closed one exports nothing else.
	if v := values["zcnet_socket_up"]; len(v) != 2 {
		t.Fatalf("zcnet_socket_up = %v", v)
	}
	if v := values["zcnet_socket_packets_total"]; len(v) != 2 {
		t.Fatalf("zcnet_socket_packets_total = %v", v)
	}
	// eth1 failed, so only eth0 is exported.
	if v := values["zcnet_interface_drops_total"]; len(v) != 1 || v[0] != 1 {
		t.Fatalf("zcnet_interface_drops_total = %v", v)
	}
}
