//go:build !linux

package netif

import (
	"fmt"
	"net"
)

// StubPlatform is a no-op implementation for non-Linux systems.
// It stores interface state in memory for testing purposes.
type StubPlatform struct {
	addrs  map[string][]net.IP
	mtu    map[string]int
	up     map[string]bool
	routes map[string][]*net.IPNet
}

// NewNetlinkPlatform returns a stub platform on non-Linux systems.
func NewNetlinkPlatform() (*StubPlatform, error) {
	return &StubPlatform{
		addrs:  make(map[string][]net.IP),
		mtu:    make(map[string]int),
		up:     make(map[string]bool),
		routes: make(map[string][]*net.IPNet),
	}, nil
}

// Close is a no-op on stub platforms.
func (p *StubPlatform) Close() {}

// AddPeerAddress records the address pair.
func (p *StubPlatform) AddPeerAddress(iface string, local, peer net.IP) error {
	p.addrs[iface] = []net.IP{local, peer}
	return nil
}

// DelPeerAddress forgets the address pair.
func (p *StubPlatform) DelPeerAddress(iface string, local, peer net.IP) error {
	if _, ok := p.addrs[iface]; !ok {
		return fmt.Errorf("no address on %s", iface)
	}
	delete(p.addrs, iface)
	return nil
}

// SetMTU records the MTU.
func (p *StubPlatform) SetMTU(iface string, mtu int) error {
	p.mtu[iface] = mtu
	return nil
}

// SetInterfaceUp records the link state.
func (p *StubPlatform) SetInterfaceUp(iface string) error {
	p.up[iface] = true
	return nil
}

// SetInterfaceDown records the link state.
func (p *StubPlatform) SetInterfaceDown(iface string) error {
	p.up[iface] = false
	return nil
}

// AddRoute records a route.
func (p *StubPlatform) AddRoute(iface string, dst *net.IPNet) error {
	p.routes[iface] = append(p.routes[iface], dst)
	return nil
}

// DelRoute forgets a route.
func (p *StubPlatform) DelRoute(iface string, dst *net.IPNet) error {
	routes := p.routes[iface]
	for i, r := range routes {
		if r.String() == dst.String() {
			p.routes[iface] = append(routes[:i], routes[i+1:]...)
			return nil
		}
	}
	return nil
}
