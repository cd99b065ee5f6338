//go:build linux

package xdpprog

import (
	"github.com/cilium/ebpf/link"
	"github.com/pkg/errors"
)

// Mode selects where the XDP program runs.
type Mode int

const (
	// ModeUnspecified lets the kernel pick, preferring native.
	ModeUnspecified Mode = iota
	// ModeSKB is generic XDP. It works everywhere but never zero-copy.
	ModeSKB
	// ModeNative runs in the driver.
	ModeNative
	// ModeOffload runs on the NIC.
	ModeOffload
)

func (m Mode) String() string {
	switch m {
	case ModeUnspecified:
		return ""
	case ModeSKB:
		return "skb"
	case ModeNative:
		return "native"
	case ModeOffload:
		return "offload"
	}
	return "Mode(invalid)"
}

func (m Mode) MarshalText() ([]byte, error) {
	if m < ModeUnspecified || m > ModeOffload {
		return nil, errors.Errorf("invalid XDP mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "":
		*m = ModeUnspecified
	case "skb", "generic":
		*m = ModeSKB
	case "native", "driver":
		*m = ModeNative
	case "offload", "hw":
		*m = ModeOffload
	default:
		return errors.Errorf("unknown XDP mode %q", b)
	}
	return nil
}

func (m Mode) flags() link.XDPAttachFlags {
	switch m {
	case ModeSKB:
		return link.XDPGenericMode
	case ModeNative:
		return link.XDPDriverMode
	case ModeOffload:
		return link.XDPOffloadMode
	}
	return 0
}
