//go:build linux

package afxdp

import (
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 2048
	DefaultRxRingSize         = 2048
	DefaultTxRingSize         = 2048
	DefaultFillRingSize       = 2048
	DefaultCompletionRingSize = 2048
	DefaultBatchSize          = 64
	DefaultPollTimeout        = 100 * time.Millisecond

	// MinFrameSize is the smallest chunk size the kernel accepts in
	// aligned UMEM mode.
	MinFrameSize = 2048

	// xdpPacketHeadroom is XDP_PACKET_HEADROOM, reserved by the kernel in
	// front of every frame in addition to the configured headroom.
	xdpPacketHeadroom = 256

	maxBatchSize = 256
)

// BindFallback decides what happens when a zero-copy bind is rejected.
type BindFallback string

const (
	// BindFallbackFail surfaces the bind error.
	BindFallbackFail BindFallback = "fail"
	// BindFallbackCopy retries the bind in copy mode.
	BindFallbackCopy BindFallback = "copy"
)

func (f *BindFallback) UnmarshalText(b []byte) error {
	switch v := BindFallback(b); v {
	case "", BindFallbackFail, BindFallbackCopy:
		*f = v
		return nil
	}
	return errors.Errorf("unknown bind fallback %q (want %q or %q)",
		b, BindFallbackFail, BindFallbackCopy)
}

type SocketConfig struct {
	// InterfaceName is the network interface to bind to.
	InterfaceName string `yaml:"interface"`
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32 `yaml:"queue-id"`
	// NumFrames is the total number of UMEM frames allocated.
	// Frames [0, FillRingSize) are handed to the kernel for RX,
	// the rest form the TX free list.
	NumFrames uint32 `yaml:"num-frames"`
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32 `yaml:"frame-size"`
	// Headroom is reserved at the start of every frame.
	Headroom uint32 `yaml:"headroom"`

	RxRingSize   uint32 `yaml:"rx-ring-size"`
	TxRingSize   uint32 `yaml:"tx-ring-size"`
	FillRingSize uint32 `yaml:"fill-ring-size"`
	CompRingSize uint32 `yaml:"comp-ring-size"`

	// ZeroCopy requests XDP_ZEROCOPY. What happens when the driver refuses
	// is decided by BindFallback.
	ZeroCopy     bool         `yaml:"zero-copy"`
	BindFallback BindFallback `yaml:"bind-fallback"`
	// NeedWakeup binds with XDP_USE_NEED_WAKEUP so TX kicks are only
	// issued when the kernel asks for them.
	NeedWakeup      bool `yaml:"need-wakeup"`
	PreferHugepages bool `yaml:"prefer-hugepages"`

	// PollTimeout bounds how long Receive and Send block.
	PollTimeout time.Duration `yaml:"poll-timeout"`
	// BatchSize controls receive and completion batch sizes.
	BatchSize uint32 `yaml:"batch-size"`
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.InterfaceName == "" {
		return errors.New("interface name is required")
	}
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.FillRingSize == 0 {
		c.FillRingSize = DefaultFillRingSize
	}
	if c.CompRingSize == 0 {
		c.CompRingSize = DefaultCompletionRingSize
	}
	if c.BindFallback == "" {
		c.BindFallback = BindFallbackFail
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	c.BatchSize = min(c.BatchSize, maxBatchSize)

	c.RxRingSize = nextPowerOfTwo(c.RxRingSize)
	c.TxRingSize = nextPowerOfTwo(c.TxRingSize)
	c.FillRingSize = nextPowerOfTwo(c.FillRingSize)
	c.CompRingSize = nextPowerOfTwo(c.CompRingSize)

	pageSize := uint32(os.Getpagesize())
	if c.FrameSize < MinFrameSize || c.FrameSize > pageSize ||
		c.FrameSize&(c.FrameSize-1) != 0 {
		return errors.Errorf("frame-size %d must be a power of two in [%d, %d]",
			c.FrameSize, MinFrameSize, pageSize)
	}
	if c.Headroom+xdpPacketHeadroom >= c.FrameSize {
		return errors.Errorf("headroom %d leaves no room in %d byte frames",
			c.Headroom, c.FrameSize)
	}
	if c.NumFrames <= c.FillRingSize {
		return errors.Wrapf(ErrNumFramesTooSmall,
			"%d frames, fill ring takes %d", c.NumFrames, c.FillRingSize)
	}
	if c.PollTimeout < 0 {
		return errors.Errorf("poll-timeout must not be negative, got %s", c.PollTimeout)
	}
	return nil
}

// MaxPacketSize returns the largest payload Send accepts.
func (c *SocketConfig) MaxPacketSize() int { return int(c.FrameSize - c.Headroom) }

// nextPowerOfTwo rounds v up to a power of two. Zero stays zero.
func nextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 0
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
