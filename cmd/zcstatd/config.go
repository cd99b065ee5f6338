//go:build linux

package main

import (
	"flag"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/romshark/zcnet/afxdp"
	"github.com/romshark/zcnet/mempool"
	"github.com/romshark/zcnet/xdpprog"
)

const defaultListen = "127.0.0.1:9464"

type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log-level"`
	LogJSON  bool   `yaml:"log-json"`
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`

	Pools []PoolConfig `yaml:"pools"`
	// Interfaces are published in the status even without a socket.
	Interfaces []string             `yaml:"interfaces"`
	Programs   []xdpprog.Config     `yaml:"programs"`
	Sockets    []afxdp.SocketConfig `yaml:"sockets"`
	// Routes forward received IPv4 packets between socket interfaces.
	// Without routes, received packets are counted and dropped.
	Routes []Route `yaml:"routes"`
}

type PoolConfig struct {
	Name           string `yaml:"name"`
	mempool.Config `yaml:",inline"`
}

type Route struct {
	Prefix netip.Prefix `yaml:"prefix"`
	Out    string       `yaml:"out"`
	// DstMAC replaces the destination MAC of forwarded frames when set.
	DstMAC string `yaml:"dst-mac"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}

	names := make(map[string]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.Name == "" {
			return errors.Errorf("pools[%d]: name is required", i)
		}
		if names[p.Name] {
			return errors.Errorf("pools[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if err := p.Config.ValidateAndSetDefaults(); err != nil {
			return errors.Wrapf(err, "pool %q", p.Name)
		}
	}

	for i := range c.Programs {
		if err := c.Programs[i].ValidateAndSetDefaults(); err != nil {
			return errors.Wrapf(err, "programs[%d]", i)
		}
	}

	socketIfaces := make(map[string]bool, len(c.Sockets))
	for i := range c.Sockets {
		if err := c.Sockets[i].ValidateAndSetDefaults(); err != nil {
			return errors.Wrapf(err, "sockets[%d]", i)
		}
		socketIfaces[c.Sockets[i].InterfaceName] = true
	}

	for i, r := range c.Routes {
		if !r.Prefix.IsValid() || !r.Prefix.Addr().Is4() {
			return errors.Errorf("routes[%d]: IPv4 prefix required", i)
		}
		if !socketIfaces[r.Out] {
			return errors.Errorf("routes[%d]: no socket on interface %q", i, r.Out)
		}
		if r.DstMAC != "" {
			if _, err := net.ParseMAC(r.DstMAC); err != nil {
				return errors.Wrapf(err, "routes[%d]: dst-mac", i)
			}
		}
	}
	return nil
}

// loadConfig parses flags from args, reads the YAML file and applies the
// flag overrides.
func loadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("zcstatd", flag.ContinueOnError)
	fConfig := fs.String("config", "zcstatd.yaml", "path to config YAML file")
	fListen := fs.String("listen", "", "status listen address (overrides config)")
	fLogLevel := fs.String("log-level", "", "log level (overrides config)")
	fLogJSON := fs.Bool("log-json", false, "log as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, errors.Wrap(err, "parsing YAML")
	}

	if *fListen != "" {
		conf.Listen = *fListen
	}
	if *fLogLevel != "" {
		conf.LogLevel = *fLogLevel
	}
	if *fLogJSON {
		conf.LogJSON = true
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}
