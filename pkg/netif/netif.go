// Package netif applies the outcome of IPCP to a host network interface:
// the point-to-point address pair, the MTU, link state and routes via the
// peer.
package netif

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

var (
	// ErrNotIPv4 is returned when an address is missing or not IPv4.
	ErrNotIPv4 = errors.New("address is not IPv4")
)

// Platform is the operating system side of interface configuration.
type Platform interface {
	AddPeerAddress(iface string, local, peer net.IP) error
	DelPeerAddress(iface string, local, peer net.IP) error
	SetMTU(iface string, mtu int) error
	SetInterfaceUp(iface string) error
	SetInterfaceDown(iface string) error
	AddRoute(iface string, dst *net.IPNet) error
	DelRoute(iface string, dst *net.IPNet) error
	Close()
}

// Config configures a Configurator.
type Config struct {
	Interface string
	// Routes are installed through the interface while it is up.
	Routes []*net.IPNet
}

// Assignment is the address pair currently on the interface.
type Assignment struct {
	Local net.IP
	Peer  net.IP
	MTU   int
}

// Configurator keeps one interface in step with a PPP link.
type Configurator struct {
	cfg      Config
	platform Platform
	logger   *zap.Logger

	current *Assignment
	routes  []*net.IPNet
}

// NewConfigurator creates a configurator for cfg.Interface.
func NewConfigurator(cfg Config, platform Platform, logger *zap.Logger) *Configurator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Configurator{
		cfg:      cfg,
		platform: platform,
		logger:   logger.With(zap.String("interface", cfg.Interface)),
	}
}

// Current returns the applied assignment, or nil.
func (c *Configurator) Current() *Assignment { return c.current }

// Up assigns local and peer to the interface, brings it up and installs
// the routes. A previous assignment is removed first.
func (c *Configurator) Up(local, peer net.IP, mtu int) error {
	if local.To4() == nil || peer.To4() == nil {
		return fmt.Errorf("local %v peer %v: %w", local, peer, ErrNotIPv4)
	}
	if c.current != nil {
		if err := c.Down(); err != nil {
			c.logger.Warn("Failed to clear previous assignment", zap.Error(err))
		}
	}

	iface := c.cfg.Interface
	if mtu > 0 {
		if err := c.platform.SetMTU(iface, mtu); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}
	if err := c.platform.AddPeerAddress(iface, local, peer); err != nil {
		return fmt.Errorf("add address: %w", err)
	}
	c.current = &Assignment{Local: local, Peer: peer, MTU: mtu}

	if err := c.platform.SetInterfaceUp(iface); err != nil {
		return fmt.Errorf("set up: %w", err)
	}

	for _, dst := range c.cfg.Routes {
		if err := c.platform.AddRoute(iface, dst); err != nil {
			c.logger.Warn("Failed to add route", zap.Stringer("dst", dst), zap.Error(err))
			continue
		}
		c.routes = append(c.routes, dst)
	}

	c.logger.Info("Interface configured",
		zap.Stringer("local", local),
		zap.Stringer("peer", peer),
		zap.Int("mtu", mtu),
		zap.Int("routes", len(c.routes)),
	)
	return nil
}

// Down removes what Up installed. It is a no-op without an assignment.
func (c *Configurator) Down() error {
	if c.current == nil {
		return nil
	}
	iface := c.cfg.Interface
	var errs []error

	for _, dst := range c.routes {
		if err := c.platform.DelRoute(iface, dst); err != nil {
			errs = append(errs, fmt.Errorf("delete route %s: %w", dst, err))
		}
	}
	c.routes = nil

	if err := c.platform.DelPeerAddress(iface, c.current.Local, c.current.Peer); err != nil {
		errs = append(errs, fmt.Errorf("delete address: %w", err))
	}
	if err := c.platform.SetInterfaceDown(iface); err != nil {
		errs = append(errs, fmt.Errorf("set down: %w", err))
	}

	c.logger.Info("Interface deconfigured", zap.Stringer("local", c.current.Local))
	c.current = nil
	return errors.Join(errs...)
}

func hostNet(ip net.IP) *net.IPNet {
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(32, 32)}
}
