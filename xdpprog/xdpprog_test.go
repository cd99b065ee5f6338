//go:build linux

package xdpprog

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/romshark/zcnet/ifacestat"
)

func TestModeText(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Mode
	}{
		{"", ModeUnspecified},
		{"skb", ModeSKB},
		{"generic", ModeSKB},
		{"native", ModeNative},
		{"driver", ModeNative},
		{"offload", ModeOffload},
	} {
		var m Mode
		if err := m.UnmarshalText([]byte(tc.in)); err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if m != tc.want {
			t.Errorf("%q = %v, want %v", tc.in, m, tc.want)
		}
	}

	var m Mode
	if err := m.UnmarshalText([]byte("turbo")); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := Mode(42).MarshalText(); err == nil {
		t.Fatal("expected error marshalling invalid mode")
	}
	if b, _ := ModeNative.MarshalText(); string(b) != "native" {
		t.Fatalf("MarshalText = %q", b)
	}
}

func TestConfigYAML(t *testing.T) {
	var c Config
	err := yaml.Unmarshal([]byte(`
interface: eth0
program-path: /opt/xdp.o
mode: skb
`), &c)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	if c.Mode != ModeSKB || c.ProgramName != DefaultProgramName ||
		c.XSKMapName != DefaultXSKMapName || c.Logger == nil {
		t.Fatalf("unexpected config: %+v", c)
	}

	if err := (&Config{ProgramPath: "x.o"}).ValidateAndSetDefaults(); err == nil {
		t.Fatal("missing interface accepted")
	}
	if err := (&Config{InterfaceName: "eth0"}).ValidateAndSetDefaults(); err == nil {
		t.Fatal("missing program path accepted")
	}
}

func TestEffectiveCaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	status := "Name:\ttest\nCapInh:\t0000000000000000\nCapEff:\t000001ffffffffff\n"
	if err := os.WriteFile(path, []byte(status), 0o644); err != nil {
		t.Fatal(err)
	}
	caps, ok := effectiveCaps(path)
	if !ok || caps != 0x1ffffffffff {
		t.Fatalf("effectiveCaps = %x, %v", caps, ok)
	}

	if _, ok := effectiveCaps(filepath.Join(t.TempDir(), "missing")); ok {
		t.Fatal("missing file parsed")
	}
}

func TestPrivileged(t *testing.T) {
	dir := t.TempDir()
	prevStatus, prevEuid := procStatus, geteuid
	t.Cleanup(func() { procStatus, geteuid = prevStatus, prevEuid })
	geteuid = func() int { return 1000 }

	for _, tc := range []struct {
		capEff string
		want   bool
	}{
		{"0000000000000000", false},
		{"0000000000001000", false}, // NET_ADMIN only
		{"0000008000001000", true},  // NET_ADMIN + BPF
		{"0000000000201000", true},  // NET_ADMIN + SYS_ADMIN
		{"0000008000000000", false}, // BPF only
		{"zz", false},
	} {
		procStatus = filepath.Join(dir, tc.capEff)
		if err := os.WriteFile(procStatus, []byte("CapEff:\t"+tc.capEff+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if got := privileged(); got != tc.want {
			t.Errorf("CapEff %s: privileged = %v, want %v", tc.capEff, got, tc.want)
		}
	}

	geteuid = func() int { return 0 }
	procStatus = filepath.Join(dir, "missing")
	if !privileged() {
		t.Fatal("root must be privileged")
	}
}

func TestUnsupportedWithoutBPFFS(t *testing.T) {
	prev := bpffsPath
	t.Cleanup(func() { bpffsPath = prev })
	bpffsPath = t.TempDir()

	if IsSupported() {
		t.Fatal("a plain directory is not a BPF filesystem")
	}
	_, err := Load(Config{InterfaceName: "lo", ProgramPath: "/nonexistent.o"})
	if !errors.Is(err, ErrXDPNotSupported) {
		t.Fatalf("Load = %v, want ErrXDPNotSupported", err)
	}
}

func TestGetInterfaceStats(t *testing.T) {
	if _, err := GetInterfaceStats("zcnet-nope0"); !errors.Is(err, ErrInterfaceNotFound) {
		t.Fatalf("missing interface: err = %v", err)
	}
	if _, err := os.Stat("/sys/class/net/lo"); err != nil {
		t.Skip("no loopback in sysfs")
	}
	if _, err := GetInterfaceStats("lo"); err != nil {
		t.Fatalf("lo: %v", err)
	}
}

func TestRXQueueIDsFromSysfs(t *testing.T) {
	root := t.TempDir()
	for _, q := range []string{"rx-0", "rx-10", "rx-2", "tx-0", "tx-1"} {
		if err := os.MkdirAll(filepath.Join(root, "eth9", "queues", q), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	prev := ifacestat.SysfsNet
	ifacestat.SysfsNet = root
	t.Cleanup(func() { ifacestat.SysfsNet = prev })

	ids, err := RXQueueIDs("eth9")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []uint32{0, 2, 10}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestDetachZeroProgram(t *testing.T) {
	var p Program
	if err := p.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := p.Detach(); err != nil {
		t.Fatal(err)
	}
	if err := p.Register(0, 3); !errors.Is(err, ErrDetached) {
		t.Fatalf("Register = %v", err)
	}
	if err := p.Unregister(0); !errors.Is(err, ErrDetached) {
		t.Fatalf("Unregister = %v", err)
	}
}
