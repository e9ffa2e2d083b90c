// Package pool hands out IPv4 peer addresses to PPP links.
package pool

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Config configures a Pool.
type Config struct {
	Network string   // CIDR notation
	Exclude []string // Addresses never handed out, e.g. our own end of the link
	Logger  *zap.Logger
}

// Pool is a local address pool keyed by link ID. It satisfies the IPCP
// AddressPool interface.
type Pool struct {
	mu          sync.Mutex
	network     *net.IPNet
	allocations map[string]net.IP // linkID -> IP
	ipToLink    map[string]string // IP -> linkID (reverse index)
	available   []net.IP
	logger      *zap.Logger
}

// Stats holds pool statistics.
type Stats struct {
	Network   string
	Allocated int
	Available int
}

// New creates a pool over cfg.Network.
func New(cfg Config) (*Pool, error) {
	_, network, err := net.ParseCIDR(cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid network CIDR: %w", err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("network %s is not IPv4", cfg.Network)
	}

	var exclude []net.IP
	for _, s := range cfg.Exclude {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid excluded address: %s", s)
		}
		exclude = append(exclude, ip)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		network:     network,
		allocations: make(map[string]net.IP),
		ipToLink:    make(map[string]string),
		available:   generateAvailableIPs(network, exclude),
		logger:      logger,
	}, nil
}

// generateAvailableIPs lists the host addresses of network, skipping the
// excluded ones.
func generateAvailableIPs(network *net.IPNet, exclude []net.IP) []net.IP {
	var ips []net.IP

	ones, bits := network.Mask.Size()
	numHosts := (1 << (bits - ones)) - 2 // Exclude network and broadcast
	if numHosts <= 0 {
		return ips
	}

	base := binary.BigEndian.Uint32(network.IP.To4())
next:
	for i := 1; i <= numHosts; i++ {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, base+uint32(i))
		for _, ex := range exclude {
			if ip.Equal(ex) {
				continue next
			}
		}
		ips = append(ips, ip)
	}
	return ips
}

// Allocate returns the address of linkID, allocating one if needed. It
// returns nil when the pool is exhausted.
func (p *Pool) Allocate(linkID string) net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ip, exists := p.allocations[linkID]; exists {
		return ip
	}
	if len(p.available) == 0 {
		p.logger.Warn("Address pool exhausted", zap.String("link", linkID))
		return nil
	}

	ip := p.available[0]
	p.available = p.available[1:]
	p.allocations[linkID] = ip
	p.ipToLink[ip.String()] = linkID

	p.logger.Info("Allocated peer address",
		zap.String("link", linkID),
		zap.String("ip", ip.String()),
	)
	return ip
}

// Release returns the address of linkID to the pool.
func (p *Pool) Release(linkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip, exists := p.allocations[linkID]
	if !exists {
		return
	}
	delete(p.allocations, linkID)
	delete(p.ipToLink, ip.String())
	p.available = append(p.available, ip)

	p.logger.Info("Released peer address",
		zap.String("link", linkID),
		zap.String("ip", ip.String()),
	)
}

// Get returns the address held by linkID.
func (p *Pool) Get(linkID string) (net.IP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.allocations[linkID]
	return ip, ok
}

// Owner returns the link holding ip.
func (p *Pool) Owner(ip net.IP) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.ipToLink[ip.String()]
	return id, ok
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Network:   p.network.String(),
		Allocated: len(p.allocations),
		Available: len(p.available),
	}
}
