//go:build linux

package netif

import (
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

// NetlinkPlatform implements Platform using Linux netlink.
type NetlinkPlatform struct {
	handle *netlink.Handle
}

// NewNetlinkPlatform creates a new Linux netlink platform.
func NewNetlinkPlatform() (*NetlinkPlatform, error) {
	handle, err := netlink.NewHandle(syscall.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("create netlink handle: %w", err)
	}
	return &NetlinkPlatform{handle: handle}, nil
}

// Close releases the netlink handle.
func (p *NetlinkPlatform) Close() {
	if p.handle != nil {
		p.handle.Close()
	}
}

func (p *NetlinkPlatform) link(name string) (netlink.Link, error) {
	link, err := p.handle.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("get link %s: %w", name, err)
	}
	return link, nil
}

func peerAddr(local, peer net.IP) *netlink.Addr {
	return &netlink.Addr{IPNet: hostNet(local), Peer: hostNet(peer)}
}

// AddPeerAddress adds local with peer as its point-to-point destination.
func (p *NetlinkPlatform) AddPeerAddress(iface string, local, peer net.IP) error {
	link, err := p.link(iface)
	if err != nil {
		return err
	}
	if err := p.handle.AddrAdd(link, peerAddr(local, peer)); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return p.handle.AddrReplace(link, peerAddr(local, peer))
		}
		return fmt.Errorf("add address: %w", err)
	}
	return nil
}

// DelPeerAddress removes an address added by AddPeerAddress.
func (p *NetlinkPlatform) DelPeerAddress(iface string, local, peer net.IP) error {
	link, err := p.link(iface)
	if err != nil {
		return err
	}
	if err := p.handle.AddrDel(link, peerAddr(local, peer)); err != nil {
		// Already gone with the interface.
		if strings.Contains(err.Error(), "cannot assign requested address") {
			return nil
		}
		return fmt.Errorf("delete address: %w", err)
	}
	return nil
}

// SetMTU sets the interface MTU.
func (p *NetlinkPlatform) SetMTU(iface string, mtu int) error {
	link, err := p.link(iface)
	if err != nil {
		return err
	}
	if err := p.handle.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	return nil
}

// SetInterfaceUp brings an interface up.
func (p *NetlinkPlatform) SetInterfaceUp(iface string) error {
	link, err := p.link(iface)
	if err != nil {
		return err
	}
	if err := p.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("set link up: %w", err)
	}
	return nil
}

// SetInterfaceDown brings an interface down.
func (p *NetlinkPlatform) SetInterfaceDown(iface string) error {
	link, err := p.link(iface)
	if err != nil {
		return err
	}
	if err := p.handle.LinkSetDown(link); err != nil {
		return fmt.Errorf("set link down: %w", err)
	}
	return nil
}

func (p *NetlinkPlatform) route(iface string, dst *net.IPNet) (*netlink.Route, error) {
	link, err := p.link(iface)
	if err != nil {
		return nil, err
	}
	return &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Scope:     netlink.SCOPE_LINK,
	}, nil
}

// AddRoute routes dst through the interface.
func (p *NetlinkPlatform) AddRoute(iface string, dst *net.IPNet) error {
	r, err := p.route(iface, dst)
	if err != nil {
		return err
	}
	if err := p.handle.RouteAdd(r); err != nil {
		if strings.Contains(err.Error(), "file exists") {
			return p.handle.RouteReplace(r)
		}
		return fmt.Errorf("add route: %w", err)
	}
	return nil
}

// DelRoute removes a route added by AddRoute.
func (p *NetlinkPlatform) DelRoute(iface string, dst *net.IPNet) error {
	r, err := p.route(iface, dst)
	if err != nil {
		return err
	}
	if err := p.handle.RouteDel(r); err != nil {
		// Ignore "no such process" which means route doesn't exist
		if strings.Contains(err.Error(), "no such process") {
			return nil
		}
		return fmt.Errorf("delete route: %w", err)
	}
	return nil
}
