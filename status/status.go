//go:build linux

// Package status exposes read-only pool, socket, interface and NUMA
// statistics as JSON over HTTP and as Prometheus metrics.
package status

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/ifacestat"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/numa"
	"github.com/romshark/zcnet/xdpprog"
)

type PoolStatser interface {
	Stats() mempool.Stats
}

type SocketStatser interface {
	Stats() (afxdp.Stats, error)
}

// Source collects the components whose statistics are published.
// Components are only read, never mutated.
type Source struct {
	// Topology is called on every snapshot. Defaults to numa.Discover.
	Topology func() numa.Topology
	// InterfaceStats defaults to xdpprog.GetInterfaceStats.
	InterfaceStats func(name string) (ifacestat.Counters, error)
	Logger         logrus.FieldLogger

	mu      sync.RWMutex
	pools   map[string]PoolStatser
	sockets map[string]SocketStatser
	ifaces  []string
}

func NewSource() *Source {
	return &Source{
		Topology:       numa.Discover,
		InterfaceStats: xdpprog.GetInterfaceStats,
		Logger:         logrus.WithField("module", "status"),
		pools:          make(map[string]PoolStatser),
		sockets:        make(map[string]SocketStatser),
	}
}

func (s *Source) AddPool(name string, p PoolStatser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[name] = p
}

func (s *Source) AddSocket(name string, sock SocketStatser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[name] = sock
}

// RemoveSocket stops publishing a socket, typically before closing it.
func (s *Source) RemoveSocket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, name)
}

func (s *Source) AddInterface(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.ifaces, name) {
		s.ifaces = append(s.ifaces, name)
	}
}

type SocketStatus struct {
	afxdp.Stats
	Error string `json:"error,omitempty"`
}

type InterfaceStatus struct {
	ifacestat.Counters
	Error string `json:"error,omitempty"`
}

type Snapshot struct {
	Time          time.Time                  `json:"time"`
	NUMAAvailable bool                       `json:"numa_available"`
	NUMA          numa.Topology              `json:"numa"`
	Pools         map[string]mempool.Stats   `json:"pools"`
	Sockets       map[string]SocketStatus    `json:"sockets"`
	Interfaces    map[string]InterfaceStatus `json:"interfaces"`
}

// Snapshot reads every registered component. A component that fails to
// report gets an error string in its entry; the snapshot itself never fails.
func (s *Source) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Time:       time.Now(),
		Pools:      make(map[string]mempool.Stats, len(s.pools)),
		Sockets:    make(map[string]SocketStatus, len(s.sockets)),
		Interfaces: make(map[string]InterfaceStatus, len(s.ifaces)),
	}
	if s.Topology != nil {
		snap.NUMA = s.Topology()
		snap.NUMAAvailable = snap.NUMA.Available
	}
	for name, p := range s.pools {
		snap.Pools[name] = p.Stats()
	}
	for name, sock := range s.sockets {
		st, err := sock.Stats()
		e := SocketStatus{Stats: st}
		if err != nil {
			e.Error = err.Error()
		}
		snap.Sockets[name] = e
	}
	for _, name := range s.ifaces {
		var e InterfaceStatus
		if s.InterfaceStats != nil {
			c, err := s.InterfaceStats(name)
			e.Counters = c
			if err != nil {
				e.Error = err.Error()
			}
		}
		snap.Interfaces[name] = e
	}
	return snap
}

// Handler serves the snapshot as JSON. Only GET and HEAD are allowed.
func (s *Source) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			return
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.Snapshot()); err != nil {
			s.Logger.WithError(err).Debug("writing status response")
		}
	})
}
