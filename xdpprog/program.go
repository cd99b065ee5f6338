//go:build linux

// Package xdpprog loads an XDP program that redirects packets into AF_XDP
// sockets and manages the XSK map the sockets register in.
//
// The program object is expected to contain an XDP program (default name
// xdp_sock_prog) and an XSKMAP (default name xsks_map) indexed by RX queue.
package xdpprog

//go:generate clang -O2 -g -Wall -target bpf -c bpf/xdp_sock.c -o bpf/xdp_sock.o -I/usr/include

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/pkg/errors"
	"github.com/safchain/ethtool"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"

	"github.com/romshark/zcnet/ifacestat"
)

var (
	ErrXDPNotSupported   = errors.New("XDP not supported")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrProgramNotFound   = errors.New("XDP program not found in object")
	ErrXSKMapNotFound    = errors.New("XSK map not found in object")
	ErrDetached          = errors.New("program detached")
)

const (
	DefaultProgramName = "xdp_sock_prog"
	DefaultXSKMapName  = "xsks_map"
)

type Config struct {
	InterfaceName string `yaml:"interface"`
	// ProgramPath is the compiled BPF ELF object.
	ProgramPath string `yaml:"program-path"`
	ProgramName string `yaml:"program-name"`
	XSKMapName  string `yaml:"xsk-map-name"`
	Mode        Mode   `yaml:"mode"`

	Logger logrus.FieldLogger `yaml:"-"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.InterfaceName == "" {
		return errors.New("interface name is required")
	}
	if c.ProgramPath == "" {
		return errors.New("program path is required")
	}
	if c.ProgramName == "" {
		c.ProgramName = DefaultProgramName
	}
	if c.XSKMapName == "" {
		c.XSKMapName = DefaultXSKMapName
	}
	if c.Mode < ModeUnspecified || c.Mode > ModeOffload {
		return errors.Errorf("invalid mode %d", int(c.Mode))
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("module", "xdpprog")
	}
	return nil
}

// Program is an XDP program attached to one interface.
type Program struct {
	mu    sync.Mutex
	iface string
	index int
	mode  Mode
	coll  *ebpf.Collection
	link  link.Link
	xsks  *ebpf.Map
	log   logrus.FieldLogger
}

// Load loads the object at cfg.ProgramPath and attaches its XDP program to
// cfg.InterfaceName. Nothing stays loaded or attached when it fails.
func Load(cfg Config) (*Program, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if !IsSupported() {
		return nil, ErrXDPNotSupported
	}
	nl, err := netlink.LinkByName(cfg.InterfaceName)
	if err != nil {
		return nil, errors.Wrapf(ErrInterfaceNotFound, "%s: %v", cfg.InterfaceName, err)
	}
	log := cfg.Logger.WithField("iface", cfg.InterfaceName)

	if err := rlimit.RemoveMemlock(); err != nil {
		log.WithError(err).Warn("removing memlock rlimit")
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ProgramPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", cfg.ProgramPath)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, errors.Wrap(err, "creating eBPF collection")
	}

	prog := coll.Programs[cfg.ProgramName]
	if prog == nil {
		coll.Close()
		return nil, errors.Wrap(ErrProgramNotFound, cfg.ProgramName)
	}
	xsks := coll.Maps[cfg.XSKMapName]
	if xsks == nil || xsks.Type() != ebpf.XSKMap {
		coll.Close()
		return nil, errors.Wrap(ErrXSKMapNotFound, cfg.XSKMapName)
	}

	index := nl.Attrs().Index
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog,
		Interface: index,
		Flags:     cfg.Mode.flags(),
	})
	if err != nil {
		coll.Close()
		return nil, errors.Wrapf(err, "attaching XDP in mode %q", cfg.Mode)
	}

	log.WithFields(logrus.Fields{
		"program": cfg.ProgramName,
		"mode":    cfg.Mode.String(),
		"index":   index,
	}).Info("XDP program attached")

	return &Program{
		iface: cfg.InterfaceName,
		index: index,
		mode:  cfg.Mode,
		coll:  coll,
		link:  l,
		xsks:  xsks,
		log:   log,
	}, nil
}

// Register makes the socket fd the redirect target for queueID.
func (p *Program) Register(queueID uint32, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.xsks == nil {
		return ErrDetached
	}
	if err := p.xsks.Put(queueID, uint32(fd)); err != nil {
		return errors.Wrapf(err, "registering fd %d for queue %d", fd, queueID)
	}
	return nil
}

// Unregister removes the socket registered for queueID, if any.
func (p *Program) Unregister(queueID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.xsks == nil {
		return ErrDetached
	}
	err := p.xsks.Delete(queueID)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return errors.Wrapf(err, "unregistering queue %d", queueID)
	}
	return nil
}

// Info returns the interface name and index the program is attached to.
func (p *Program) Info() (name string, index int) { return p.iface, p.index }

func (p *Program) Mode() Mode { return p.mode }

// RXQueueIDs returns the RX queue IDs of the interface, sorted.
func (p *Program) RXQueueIDs() ([]uint32, error) { return RXQueueIDs(p.iface) }

// RXQueueIDs lists the RX queues of an interface from sysfs. Drivers that
// do not expose a queues directory are asked for their channel count.
func RXQueueIDs(iface string) ([]uint32, error) {
	dir := filepath.Join(ifacestat.SysfsNet, iface, "queues")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return channelQueueIDs(iface, err)
	}
	var ids []uint32
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing queue entry %q", e.Name())
		}
		ids = append(ids, uint32(id))
	}
	if len(ids) == 0 {
		return channelQueueIDs(iface, errors.Errorf("no rx queues in %s", dir))
	}
	slices.Sort(ids)
	return ids, nil
}

func channelQueueIDs(iface string, sysfsErr error) ([]uint32, error) {
	et, err := ethtool.NewEthtool()
	if err != nil {
		return nil, multierr.Append(sysfsErr, errors.Wrap(err, "opening ethtool"))
	}
	defer et.Close()
	ch, err := et.GetChannels(iface)
	if err != nil {
		return nil, multierr.Append(sysfsErr, errors.Wrapf(err, "channels of %s", iface))
	}
	n := max(ch.CombinedCount, ch.RxCount)
	if n == 0 {
		return nil, errors.Errorf("%s reports no rx channels", iface)
	}
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(i)
	}
	return ids, nil
}

// Detach detaches the program and releases the collection. Calling it again
// is a no-op. Sockets registered in the map must be closed separately.
func (p *Program) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.link != nil {
		if e := p.link.Close(); e != nil {
			err = multierr.Append(err, errors.Wrap(e, "closing XDP link"))
		}
		p.link = nil
	}
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
		if p.log != nil {
			p.log.Info("XDP program detached")
		}
	}
	p.xsks = nil
	return err
}
