//go:build linux

package ifacestat

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func fakeSysfs(t *testing.T, iface string, values map[string]string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, iface, "statistics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, v := range values {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	prev := SysfsNet
	SysfsNet = root
	t.Cleanup(func() { SysfsNet = prev })
}

func TestRead(t *testing.T) {
	fakeSysfs(t, "eth9", map[string]string{
		"rx_packets": "10\n",
		"rx_bytes":   "1500\n",
		"tx_packets": "7\n",
		"tx_bytes":   "700\n",
		"rx_dropped": "2\n",
		"tx_dropped": "3\n",
		"rx_errors":  "garbage\n",
		"tx_errors":  "1\n",
	})

	got, err := Read("eth9")
	if err != nil {
		t.Fatal(err)
	}
	want := Counters{
		RxPackets: 10, RxBytes: 1500,
		TxPackets: 7, TxBytes: 700,
		Drops: 5, Errors: 1,
	}
	if got != want {
		t.Fatalf("Read = %+v, want %+v", got, want)
	}
}

func TestReadMissingCounters(t *testing.T) {
	fakeSysfs(t, "eth9", map[string]string{"rx_packets": "4"})

	got, err := Read("eth9")
	if err != nil {
		t.Fatal(err)
	}
	if got != (Counters{RxPackets: 4}) {
		t.Fatalf("Read = %+v", got)
	}
}

func TestReadMissingInterface(t *testing.T) {
	fakeSysfs(t, "eth9", nil)
	if _, err := Read("nope0"); err == nil {
		t.Fatal("expected error for missing interface")
	}
	if _, err := Snapshot([]string{"eth9", "nope0"}); err == nil {
		t.Fatal("Snapshot must fail when one interface is missing")
	}
}

func TestSince(t *testing.T) {
	now := Counters{RxPackets: 30, RxBytes: 3000, TxPackets: 5, Drops: 4}
	old := Counters{RxPackets: 10, RxBytes: 1000, TxPackets: 5, Drops: 1}
	want := Counters{RxPackets: 20, RxBytes: 2000, Drops: 3}
	if got := now.Since(old); got != want {
		t.Fatalf("Since = %+v, want %+v", got, want)
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	err := Print(&buf, map[string]Counters{
		"eth1": {TxPackets: 3, TxBytes: 1_500_000},
		"eth0": {RxPackets: 2, RxBytes: 128},
	}, map[string]string{"eth1": "uplink"})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if i, j := strings.Index(out, "eth0:"), strings.Index(out, "eth1 (uplink):"); i < 0 || j < 0 || i > j {
		t.Fatalf("unexpected order or headers:\n%s", out)
	}
	if !strings.Contains(out, "1,500,000") || !strings.Contains(out, "1.5 MB") {
		t.Fatalf("bytes not humanized:\n%s", out)
	}
}

func fakeEthtool(t *testing.T, stats map[string]map[string]uint64, drivers map[string]string) {
	t.Helper()
	prevStats, prevDriver := ethtoolStats, ethtoolDriver
	ethtoolStats = func(name string) (map[string]uint64, error) {
		s, ok := stats[name]
		if !ok {
			return nil, errors.New("operation not supported")
		}
		return s, nil
	}
	ethtoolDriver = func(name string) (string, error) {
		d, ok := drivers[name]
		if !ok {
			return "", errors.New("no such device")
		}
		return d, nil
	}
	t.Cleanup(func() { ethtoolStats, ethtoolDriver = prevStats, prevDriver })
}

func TestPHY(t *testing.T) {
	fakeEthtool(t, map[string]map[string]uint64{
		"eth0": {RxPacketsPHY: 9, "rx_vport_unicast_packets": 4},
	}, nil)

	got, err := PHY("eth0", RxPacketsPHY, TxPacketsPHY)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[RxPacketsPHY] != 9 {
		t.Fatalf("PHY = %v, want only %s", got, RxPacketsPHY)
	}
	if all, _ := PHY("eth0"); len(all) != 2 {
		t.Fatalf("PHY without names = %v", all)
	}
	if _, err := PHY("veth0"); err == nil {
		t.Fatal("expected error for interface without ethtool stats")
	}
}

func TestPHYReport(t *testing.T) {
	stats := map[string]map[string]uint64{
		"eth0": {TxPacketsPHY: 10, TxBytesPHY: 1000, RxPacketsPHY: 1, RxBytesPHY: 64},
		"eth1": {"rx_vport_unicast_packets": 1},
	}
	fakeEthtool(t, stats, map[string]string{"eth0": "mlx5_core"})

	before := PHYSnapshot([]string{"eth0", "eth1", "lo"})
	if len(before) != 1 || before["eth0"][TxPacketsPHY] != 10 {
		t.Fatalf("snapshot = %v, want only eth0", before)
	}

	stats["eth0"] = map[string]uint64{
		TxPacketsPHY: 1010, TxBytesPHY: 1_501_000, RxPacketsPHY: 3, RxBytesPHY: 192,
	}
	after := PHYSnapshot([]string{"eth0", "eth1", "lo"})

	var buf bytes.Buffer
	if err := PrintPHY(&buf, before, after); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"eth0 PHY (mlx5_core):", "TX   1000 ", "1,500,000", "RX   2 "} {
		if !strings.Contains(out, want) {
			t.Fatalf("report misses %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "eth1") {
		t.Fatalf("interface without PHY counters reported:\n%s", out)
	}
}
