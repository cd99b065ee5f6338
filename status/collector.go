//go:build linux

package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zcnet"

// Collector exports a Source as Prometheus metrics. Every scrape takes a
// fresh snapshot.
type Collector struct {
	src *Source

	numaAvailable *prometheus.Desc
	numaNodes     *prometheus.Desc

	poolSlots  *prometheus.Desc
	poolPeak   *prometheus.Desc
	poolAllocs *prometheus.Desc
	poolFrees  *prometheus.Desc
	poolMemory *prometheus.Desc

	sockUp      *prometheus.Desc
	sockPackets *prometheus.Desc
	sockBytes   *prometheus.Desc
	sockDrops   *prometheus.Desc

	ifPackets *prometheus.Desc
	ifBytes   *prometheus.Desc
	ifDrops   *prometheus.Desc
	ifErrors  *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src *Source) *Collector {
	d := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, sub, name), help, labels, nil)
	}
	return &Collector{
		src: src,

		numaAvailable: d("numa", "available", "1 if NUMA topology information is available."),
		numaNodes:     d("numa", "nodes", "Number of NUMA nodes."),

		poolSlots:  d("pool", "slots", "Pool slots by state.", "pool", "state"),
		poolPeak:   d("pool", "peak_usage_slots", "Highest number of slots in use at once.", "pool"),
		poolAllocs: d("pool", "allocs_total", "Successful slot acquisitions.", "pool"),
		poolFrees:  d("pool", "frees_total", "Successful slot releases.", "pool"),
		poolMemory: d("pool", "memory_bytes", "Memory backing the pool.", "pool"),

		sockUp:      d("socket", "up", "1 if the socket reported statistics.", "socket"),
		sockPackets: d("socket", "packets_total", "Packets moved by the socket.", "socket", "direction"),
		sockBytes:   d("socket", "bytes_total", "Bytes moved by the socket.", "socket", "direction"),
		sockDrops:   d("socket", "dropped_total", "Kernel drop and error counters.", "socket", "reason"),

		ifPackets: d("interface", "packets_total", "Interface packets.", "interface", "direction"),
		ifBytes:   d("interface", "bytes_total", "Interface bytes.", "interface", "direction"),
		ifDrops:   d("interface", "drops_total", "Interface drops, both directions.", "interface"),
		ifErrors:  d("interface", "errors_total", "Interface errors, both directions.", "interface"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.numaAvailable, c.numaNodes,
		c.poolSlots, c.poolPeak, c.poolAllocs, c.poolFrees, c.poolMemory,
		c.sockUp, c.sockPackets, c.sockBytes, c.sockDrops,
		c.ifPackets, c.ifBytes, c.ifDrops, c.ifErrors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.numaAvailable, boolFloat(snap.NUMAAvailable))
	gauge(c.numaNodes, float64(snap.NUMA.NodeCount))

	for name, p := range snap.Pools {
		gauge(c.poolSlots, float64(p.FreeSlots), name, "free")
		gauge(c.poolSlots, float64(p.UsedSlots), name, "used")
		gauge(c.poolPeak, float64(p.PeakUsage), name)
		counter(c.poolAllocs, p.TotalAllocs, name)
		counter(c.poolFrees, p.TotalFrees, name)
		gauge(c.poolMemory, float64(p.TotalMemory), name)
	}

	for name, s := range snap.Sockets {
		gauge(c.sockUp, boolFloat(s.Error == ""), name)
		if s.Error != "" {
			continue
		}
		counter(c.sockPackets, s.RxPackets, name, "rx")
		counter(c.sockPackets, s.TxPackets, name, "tx")
		counter(c.sockBytes, s.RxBytes, name, "rx")
		counter(c.sockBytes, s.TxBytes, name, "tx")
		counter(c.sockDrops, s.RxDropped, name, "rx_dropped")
		counter(c.sockDrops, s.RxInvalid, name, "rx_invalid")
		counter(c.sockDrops, s.TxInvalid, name, "tx_invalid")
		counter(c.sockDrops, s.RxRingFull, name, "rx_ring_full")
		counter(c.sockDrops, s.FillRingFull, name, "fill_ring_empty")
		counter(c.sockDrops, s.TxRingFull, name, "tx_ring_empty")
	}

	for name, i := range snap.Interfaces {
		if i.Error != "" {
			continue
		}
		counter(c.ifPackets, i.RxPackets, name, "rx")
		counter(c.ifPackets, i.TxPackets, name, "tx")
		counter(c.ifBytes, i.RxBytes, name, "rx")
		counter(c.ifBytes, i.TxBytes, name, "tx")
		counter(c.ifDrops, i.Drops, name)
		counter(c.ifErrors, i.Errors, name)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
