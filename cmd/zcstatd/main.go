//go:build linux

// zcstatd builds memory pools, XDP programs and AF_XDP sockets from a YAML
// config and publishes their statistics over HTTP until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/ifacestat"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/numa"
	"github.com/romshark/zcnet/status"
	"github.com/romshark/zcnet/xdpprog"
)

type counters struct {
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	forwarded atomic.Uint64
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func newLogger(conf *Config) *logrus.Logger {
	log := logrus.New()
	lvl, _ := logrus.ParseLevel(conf.LogLevel) // validated by loadConfig
	log.SetLevel(lvl)
	if conf.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func main() {
	conf, err := loadConfig(os.Args[1:])
	fatalIf(err, "reading config")
	log := newLogger(conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &daemon{conf: conf, log: log, src: status.NewSource()}
	d.src.Logger = log
	err = d.run(ctx)
	if terr := d.teardown(); terr != nil {
		log.WithError(terr).Error("teardown")
	}
	d.printReport(os.Stderr)
	if err != nil {
		log.WithError(err).Fatal("zcstatd failed")
	}
}

type daemon struct {
	conf *Config
	log  *logrus.Logger
	src  *status.Source

	pools    map[string]*mempool.Pool
	programs map[string]*xdpprog.Program
	sockets  []*afxdp.Socket
	allocs   []*numa.Allocator

	ifaces  []string
	before  map[string]ifacestat.Counters
	phy     map[string]map[string]uint64
	started time.Time
	stats   counters
}

func (d *daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.started = time.Now()
	d.pools = make(map[string]*mempool.Pool)
	d.programs = make(map[string]*xdpprog.Program)

	for _, pc := range d.conf.Pools {
		pc.Logger = d.log.WithField("pool", pc.Name)
		p, err := mempool.New(pc.Config)
		if err != nil {
			return errors.Wrapf(err, "pool %q", pc.Name)
		}
		d.pools[pc.Name] = p
		d.src.AddPool(pc.Name, p)
	}

	for _, pc := range d.conf.Programs {
		pc.Logger = d.log
		p, err := xdpprog.Load(pc)
		if err != nil {
			return errors.Wrapf(err, "XDP program on %s", pc.InterfaceName)
		}
		d.programs[pc.InterfaceName] = p
		d.addInterface(pc.InterfaceName)
	}

	for _, sc := range d.conf.Sockets {
		if err := d.openSocket(sc); err != nil {
			return err
		}
	}
	for _, name := range d.conf.Interfaces {
		d.addInterface(name)
	}

	before, err := ifacestat.Snapshot(d.ifaces)
	if err != nil {
		d.log.WithError(err).Warn("interface counters unavailable, no delta in report")
	}
	d.before = before
	d.phy = ifacestat.PHYSnapshot(d.ifaces)

	rt, err := d.routes()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		status.NewCollector(d.src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/status", d.src.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: d.log,
	}))
	srv := &http.Server{
		Addr:              d.conf.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", d.conf.Listen)
	if err != nil {
		return errors.Wrap(err, "listening")
	}

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Serve(ln) }()
	d.log.WithField("addr", ln.Addr().String()).Info("serving /status and /metrics")

	workErr := make(chan error, 1)
	working := len(d.sockets) > 0
	if working {
		go func() {
			workErr <- afxdp.RunWorkers(ctx, d.sockets, afxdp.WorkerConfig{
				Allocators: d.allocs,
				Logger:     d.log,
			}, rt.handler(&d.stats))
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = errors.Wrap(err, "HTTP server")
	case err := <-workErr:
		working = false
		runErr = errors.Wrap(err, "workers")
	}
	d.log.Info("shutting down")
	cancel()
	if working {
		<-workErr
	}

	shutCtx, cancelShutdown := context.WithTimeout(context.Background(), d.conf.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutCtx); err != nil {
		runErr = multierr.Append(runErr, errors.Wrap(err, "HTTP shutdown"))
	}
	return runErr
}

func (d *daemon) addInterface(name string) {
	for _, n := range d.ifaces {
		if n == name {
			return
		}
	}
	d.ifaces = append(d.ifaces, name)
	d.src.AddInterface(name)
}

func (d *daemon) openSocket(sc afxdp.SocketConfig) error {
	node, ok := numa.NodeOfInterface(sc.InterfaceName)
	if !ok {
		node = 0
	}
	alloc, err := numa.NewAllocator(node, sc.PreferHugepages, numa.WithLogger(d.log))
	if err != nil {
		return err
	}
	d.allocs = append(d.allocs, alloc)

	var reg afxdp.Registrar
	if p := d.programs[sc.InterfaceName]; p != nil {
		reg = p
	}
	s, err := afxdp.Open(sc, reg, afxdp.WithLogger(d.log), afxdp.WithAllocator(alloc))
	if err != nil {
		return errors.Wrapf(err, "socket %s/%d", sc.InterfaceName, sc.QueueID)
	}
	d.sockets = append(d.sockets, s)
	d.src.AddSocket(socketName(s), s)
	d.addInterface(sc.InterfaceName)
	return nil
}

func socketName(s *afxdp.Socket) string {
	iface, _, q := s.Info()
	return fmt.Sprintf("%s/%d", iface, q)
}

func (d *daemon) routes() (routeTable, error) {
	var rt routeTable
	for _, r := range d.conf.Routes {
		l, err := netlink.LinkByName(r.Out)
		if err != nil {
			return nil, errors.Wrapf(err, "route %s via %s", r.Prefix, r.Out)
		}
		h := hop{
			prefix:  r.Prefix,
			ifindex: l.Attrs().Index,
			srcMAC:  l.Attrs().HardwareAddr,
		}
		if r.DstMAC != "" {
			h.dstMAC, _ = net.ParseMAC(r.DstMAC) // validated by loadConfig
		}
		rt = append(rt, h)
	}
	return rt, nil
}

// teardown releases everything in reverse order of creation: sockets first,
// then their allocators, programs and pools.
func (d *daemon) teardown() error {
	var err error
	for _, s := range d.sockets {
		d.src.RemoveSocket(socketName(s))
		err = multierr.Append(err, s.Close())
	}
	for _, a := range d.allocs {
		err = multierr.Append(err, a.Close())
	}
	for _, p := range d.programs {
		err = multierr.Append(err, p.Detach())
	}
	for _, p := range d.pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}

func (d *daemon) printReport(w io.Writer) {
	if d.started.IsZero() {
		return
	}
	elapsed := time.Since(d.started).Seconds()
	rx := d.stats.rxPackets.Load()

	p := message.NewPrinter(language.English)
	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(w, " RX:                %d packets\n", rx)
	p.Fprintf(w, " RX bytes:          %d\n", d.stats.rxBytes.Load())
	p.Fprintf(w, " Forwarded:         %d packets\n", d.stats.forwarded.Load())
	if elapsed > 0 {
		p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(float64(rx)/elapsed))
	}
	for name, pool := range d.pools {
		p.Fprintf(w, " Pool %-12s  %s\n", name+":", pool.Stats())
	}

	if d.before == nil {
		return
	}
	after, err := ifacestat.Snapshot(d.ifaces)
	if err != nil {
		d.log.WithError(err).Warn("reading interface counters")
		return
	}
	fmt.Fprintf(w, "\nINTERFACE COUNTERS:\n")
	deltas := make(map[string]ifacestat.Counters, len(after))
	for name, c := range after {
		deltas[name] = c.Since(d.before[name])
	}
	aliases := make(map[string]string)
	for name, prog := range d.programs {
		aliases[name] = "xdp"
		if m := prog.Mode(); m != xdpprog.ModeUnspecified {
			aliases[name] += " " + m.String()
		}
	}
	if err := ifacestat.Print(w, deltas, aliases); err != nil {
		d.log.WithError(err).Warn("printing interface counters")
	}

	if len(d.phy) == 0 {
		return
	}
	fmt.Fprintf(w, "\nPHY COUNTERS:\n")
	if err := ifacestat.PrintPHY(w, d.phy, ifacestat.PHYSnapshot(d.ifaces)); err != nil {
		d.log.WithError(err).Warn("printing PHY counters")
	}
}
