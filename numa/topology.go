//go:build linux

// Package numa discovers the NUMA layout of the host and allocates
// page-aligned memory bound to a single node.
//
// Every node-bound operation degrades to a no-op when the host exposes no
// NUMA information; callers never need to special-case such hosts.
package numa

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// SysfsNodePath is the standard sysfs location for NUMA node information.
const SysfsNodePath = "/sys/devices/system/node"

var nodeRegexp = regexp.MustCompile(`^node(\d+)$`)

// Topology is an immutable snapshot of the host NUMA layout.
// When Available is true, NodeCount == len(CPUsPerNode).
type Topology struct {
	NodeCount       int           `json:"node_count"`
	CurrentNode     int           `json:"current_node"`
	CPUsPerNode     map[int][]int `json:"cpus_per_node"`
	MemoryMBPerNode map[int]int   `json:"memory_mb_per_node"`
	Available       bool          `json:"available"`
}

// Discover reads the topology from sysfs. It never fails: hosts without NUMA
// information yield Available=false and empty maps.
func Discover() Topology {
	return discover(SysfsNodePath, currentCPU)
}

func discover(basePath string, cpuFn func() (int, bool)) Topology {
	t := Topology{
		CPUsPerNode:     make(map[int][]int),
		MemoryMBPerNode: make(map[int]int),
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return t
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := nodeRegexp.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		// The regexp guarantees a valid non-negative integer.
		nodeID, _ := strconv.Atoi(m[1])

		data, err := os.ReadFile(filepath.Join(basePath, e.Name(), "cpulist"))
		if err != nil {
			continue
		}
		t.CPUsPerNode[nodeID] = ParseCPUList(strings.TrimSpace(string(data)))

		if mb, ok := readNodeMemoryMB(filepath.Join(basePath, e.Name(), "meminfo")); ok {
			t.MemoryMBPerNode[nodeID] = mb
		}
	}

	if len(t.CPUsPerNode) == 0 {
		return t
	}

	t.NodeCount = len(t.CPUsPerNode)
	t.Available = true

	if cpu, ok := cpuFn(); ok {
		if node, ok := t.NodeOfCPU(cpu); ok {
			t.CurrentNode = node
		}
	}
	return t
}

// NodeOfCPU maps a CPU id back to the node that owns it.
func (t Topology) NodeOfCPU(cpu int) (int, bool) {
	for node, cpus := range t.CPUsPerNode {
		if _, found := slices.BinarySearch(cpus, cpu); found {
			return node, true
		}
	}
	return 0, false
}

// NodeOfInterface returns the node the NIC behind iface is attached to.
// Virtual devices and single-node hosts report no node.
func NodeOfInterface(iface string) (int, bool) {
	return nodeOfInterface("/sys/class/net", iface)
}

func nodeOfInterface(netPath, iface string) (int, bool) {
	b, err := os.ReadFile(filepath.Join(netPath, iface, "device", "numa_node"))
	if err != nil {
		return 0, false
	}
	node, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || node < 0 {
		return 0, false
	}
	return node, true
}

// String returns a human-readable summary of the topology.
func (t Topology) String() string {
	if !t.Available {
		return "NUMA not available"
	}
	nodes := make([]int, 0, len(t.CPUsPerNode))
	for n := range t.CPUsPerNode {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)

	var b strings.Builder
	fmt.Fprintf(&b, "%d NUMA node(s), current %d", t.NodeCount, t.CurrentNode)
	for _, n := range nodes {
		fmt.Fprintf(&b, "; node %d: %d cpus, %s", n, len(t.CPUsPerNode[n]),
			humanize.IBytes(uint64(t.MemoryMBPerNode[n])*1024*1024))
	}
	return b.String()
}

// readNodeMemoryMB parses the MemTotal line of a per-node meminfo file:
//
//	Node 0 MemTotal:       16318412 kB
func readNodeMemoryMB(path string) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "MemTotal:" {
			continue
		}
		kb, err := strconv.Atoi(fields[3])
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// ParseCPUList parses a kernel CPU list such as "0-3,8-11" into a sorted set
// of CPU ids. Empty and malformed segments are skipped.
func ParseCPUList(s string) []int {
	cpus := []int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			cpu, err := strconv.Atoi(part)
			if err != nil || cpu < 0 {
				continue
			}
			cpus = append(cpus, cpu)
			continue
		}
		start, err1 := strconv.Atoi(strings.TrimSpace(lo))
		end, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || start < 0 || end < start {
			continue
		}
		for i := start; i <= end; i++ {
			cpus = append(cpus, i)
		}
	}
	slices.Sort(cpus)
	return slices.Compact(cpus)
}

// currentCPU returns the CPU the calling thread is scheduled on.
func currentCPU() (int, bool) {
	var cpu, node uint32
	_, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&cpu)),
		uintptr(unsafe.Pointer(&node)),
		0,
	)
	if errno != 0 {
		return 0, false
	}
	return int(cpu), true
}
