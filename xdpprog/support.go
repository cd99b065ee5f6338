//go:build linux

package xdpprog

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"golang.org/x/sys/unix"
)

// Overridden by tests.
var (
	bpffsPath  = "/sys/fs/bpf"
	procStatus = "/proc/self/status"
	geteuid    = os.Geteuid
	probeXDP   = func() error { return features.HaveProgramType(ebpf.XDP) }
)

// IsSupported reports whether XDP programs can be loaded by this process:
// a BPF filesystem is mounted, the process is privileged enough and the
// kernel accepts XDP programs. Anything it cannot determine counts as no.
func IsSupported() bool {
	var st unix.Statfs_t
	if err := unix.Statfs(bpffsPath, &st); err != nil {
		return false
	}
	if uint32(st.Type) != uint32(unix.BPF_FS_MAGIC) {
		return false
	}
	if !privileged() {
		return false
	}
	return probeXDP() == nil
}

func privileged() bool {
	if geteuid() == 0 {
		return true
	}
	caps, ok := effectiveCaps(procStatus)
	if !ok {
		return false
	}
	has := func(c uint) bool { return caps&(1<<c) != 0 }
	return has(unix.CAP_NET_ADMIN) && (has(unix.CAP_BPF) || has(unix.CAP_SYS_ADMIN))
}

// effectiveCaps parses the CapEff line of a /proc/<pid>/status file.
func effectiveCaps(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		v, ok := strings.CutPrefix(sc.Text(), "CapEff:")
		if !ok {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
		if err != nil {
			return 0, false
		}
		return caps, true
	}
	return 0, false
}
