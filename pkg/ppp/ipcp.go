package ppp

import (
	"fmt"
	"net"

	"github.com/codelaboratoryltd/pppstack/pkg/fsm"
	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/link"
	"go.uber.org/zap"
)

// IPCPConfig holds IPCP negotiation configuration. The zero value
// negotiates nothing and accepts whatever the peer asks for.
type IPCPConfig struct {
	InstanceConfig

	LocalAddress net.IP // Address to request for ourselves (0.0.0.0 asks the peer to assign one)
	PeerAddress  net.IP // Address the peer must use (nil accepts any)
	PrimaryDNS   net.IP // Primary DNS offered to the peer
	SecondaryDNS net.IP // Secondary DNS offered to the peer
	RequestDNS   bool   // Ask the peer for DNS servers (RFC 1877)

	// Pool supplies the peer address when PeerAddress is nil.
	Pool AddressPool
}

// AddressPool hands out peer addresses per link.
type AddressPool interface {
	Allocate(linkID string) net.IP
	Release(linkID string)
}

// DefaultIPCPConfig returns default IPCP configuration
func DefaultIPCPConfig() IPCPConfig {
	return IPCPConfig{
		InstanceConfig: DefaultInstanceConfig(),
	}
}

// IPCPAddresses holds the negotiated addresses
type IPCPAddresses struct {
	Local        net.IP
	Peer         net.IP
	PrimaryDNS   net.IP
	SecondaryDNS net.IP
}

// IPCP is the IP Control Protocol. It runs once LCP has brought the link to
// the Network phase, keeps LCP open while it is itself open, and hosts the
// IPv4 layer.
type IPCP struct {
	*Instance

	stack *link.Stack
	lcp   *LCP
	cfg   IPCPConfig

	local     net.IP
	peer      net.IP
	dns       [2]net.IP
	rejected  map[uint8]bool
	allocated bool

	addrs  IPCPAddresses
	lcpSub *Subscription

	onUp   func(IPCPAddresses)
	onDown func()
}

// NewIPCP creates IPCP on the link lcp runs on.
func NewIPCP(lcp *LCP, config IPCPConfig, env Env) (*IPCP, error) {
	if lcp == nil {
		return nil, ErrNoLCP
	}
	stack := lcp.stack
	if env.Logger == nil {
		env.Logger = stack.Logger()
	}

	p := &IPCP{
		stack:    stack,
		lcp:      lcp,
		cfg:      config,
		rejected: make(map[uint8]bool),
	}
	p.Instance = newInstance("IPCP", link.ProtocolIPCP, stack, config.InstanceConfig, p, instanceDeps{
		env:     env,
		linkID:  stack.ID(),
		metrics: stack.Metrics(),
		policy:  layer.AllOf(layer.OnlyProtocol(link.ProtocolIP), layer.SingleLayer()),
	})

	if !stack.Attach(p) {
		return nil, fmt.Errorf("IPCP: %w", ErrAttachRefused)
	}
	if !stack.Attach(&ipRelay{ipcp: p}) {
		return nil, fmt.Errorf("IPv4 relay: %w", ErrAttachRefused)
	}
	return p, nil
}

// Addresses returns the addresses agreed in the last negotiation.
func (p *IPCP) Addresses() IPCPAddresses { return p.addrs }

// SetOnUp sets a callback run with the negotiated addresses when IPCP opens.
func (p *IPCP) SetOnUp(fn func(IPCPAddresses)) {
	p.onUp = fn
}

// SetOnDown sets a callback run when IPCP leaves Opened.
func (p *IPCP) SetOnDown(fn func()) {
	p.onDown = fn
}

// drainLCP is the doorbell of our LCP subscription.
func (p *IPCP) drainLCP() {
	sub := p.lcpSub
	if sub == nil {
		return
	}
	for {
		msg, ok := sub.Next()
		if !ok {
			return
		}
		if msg == MsgTimeout {
			p.lcpTimedOut()
			return
		}
	}
}

// lcpTimedOut stops LCP retrying on our behalf and passes the timeout on.
func (p *IPCP) lcpTimedOut() {
	p.logger.Info("LCP timed out")
	if p.lcpSub != nil {
		sub := p.lcpSub
		p.lcpSub = nil
		sub.Close()
	}
	p.fanOutTimeout()
	p.Notify(layer.NoticeTimeout, nil)
}

// --- negotiator ---

func (p *IPCP) configRequest() []Option {
	var opts []Option
	if p.local != nil && !p.rejected[IPCPOptIPAddress] {
		opts = append(opts, Option{Type: IPCPOptIPAddress, Length: 6, Data: p.local.To4()})
	}
	if p.cfg.RequestDNS {
		for n, t := range []uint8{IPCPOptPrimaryDNS, IPCPOptSecondaryDNS} {
			if p.rejected[t] {
				continue
			}
			addr := p.dns[n]
			if addr == nil {
				addr = net.IPv4zero
			}
			opts = append(opts, Option{Type: t, Length: 6, Data: addr.To4()})
		}
	}
	return opts
}

func (p *IPCP) checkRequest(opts []Option) verdict {
	_, nak, reject := p.processConfigureOptions(opts)
	if len(nak) > 0 || len(reject) > 0 {
		return verdictBad
	}
	for _, opt := range opts {
		if opt.Type == IPCPOptIPAddress {
			p.peer = net.IP(append([]byte(nil), opt.Data...))
		}
	}
	return verdictGood
}

func (p *IPCP) peerAddress() net.IP {
	if p.cfg.PeerAddress != nil {
		return p.cfg.PeerAddress
	}
	if p.allocated {
		return p.peer
	}
	return nil
}

func (p *IPCP) processConfigureOptions(opts []Option) (ack, nak, reject []Option) {
	assigned := p.peerAddress()

	for _, opt := range opts {
		switch opt.Type {
		case IPCPOptIPAddress:
			if len(opt.Data) != 4 {
				reject = append(reject, opt)
				continue
			}
			requestedIP := net.IP(opt.Data)

			// Peer asks for an address or asks for one other than its assignment.
			if assigned != nil && !requestedIP.Equal(assigned) {
				nak = append(nak, Option{Type: IPCPOptIPAddress, Length: 6, Data: assigned.To4()})
				continue
			}
			ack = append(ack, opt)

		case IPCPOptPrimaryDNS, IPCPOptSecondaryDNS:
			if len(opt.Data) != 4 {
				reject = append(reject, opt)
				continue
			}
			offer := p.cfg.PrimaryDNS
			if opt.Type == IPCPOptSecondaryDNS {
				offer = p.cfg.SecondaryDNS
			}
			requestedDNS := net.IP(opt.Data)
			if offer != nil && !requestedDNS.Equal(offer) {
				nak = append(nak, Option{Type: opt.Type, Length: 6, Data: offer.To4()})
				continue
			}
			ack = append(ack, opt)

		case IPCPOptIPCompression:
			// We don't support IP compression
			reject = append(reject, opt)

		default:
			reject = append(reject, opt)
		}
	}
	return ack, nak, reject
}

func (p *IPCP) configNak(req *Packet, opts []Option) (uint8, []byte) {
	_, nak, reject := p.processConfigureOptions(opts)
	if len(reject) > 0 {
		return CodeConfigReject, SerializeOptions(reject)
	}
	return CodeConfigNak, SerializeOptions(nak)
}

func (p *IPCP) configAcked(opts []Option) {
	p.addrs.Local = p.local
	if p.cfg.RequestDNS {
		p.addrs.PrimaryDNS = p.dns[0]
		p.addrs.SecondaryDNS = p.dns[1]
	}
}

func (p *IPCP) configNakRej(code uint8, opts []Option) {
	for _, opt := range opts {
		if code == CodeConfigReject {
			p.logger.Debug("Peer rejected option", zap.Uint8("option", opt.Type))
			p.rejected[opt.Type] = true
			continue
		}
		if len(opt.Data) != 4 {
			continue
		}
		addr := net.IP(append([]byte(nil), opt.Data...))
		switch opt.Type {
		case IPCPOptIPAddress:
			p.local = addr
		case IPCPOptPrimaryDNS:
			p.dns[0] = addr
		case IPCPOptSecondaryDNS:
			p.dns[1] = addr
		}
	}
}

func (p *IPCP) extraCode(pkt *Packet) bool { return false }

func (p *IPCP) sendEchoReply() {}

func (p *IPCP) started() {
	p.local = p.cfg.LocalAddress
	p.dns = [2]net.IP{}
	p.rejected = make(map[uint8]bool)

	if p.cfg.PeerAddress == nil && p.cfg.Pool != nil && !p.allocated {
		if addr := p.cfg.Pool.Allocate(p.stack.ID()); addr != nil {
			p.peer = addr
			p.allocated = true
		}
	}

	if p.lcpSub != nil {
		return
	}
	sub, err := p.lcp.Open(p.drainLCP)
	if err != nil {
		p.logger.Error("Failed to open LCP", zap.Error(err))
		p.fanOutTimeout()
		return
	}
	p.lcpSub = sub
}

func (p *IPCP) finished(reason fsm.FinishReason) {
	if p.lcpSub != nil {
		sub := p.lcpSub
		p.lcpSub = nil
		sub.Close()
	}
	if p.allocated {
		p.cfg.Pool.Release(p.stack.ID())
		p.allocated = false
		p.peer = nil
	}
}

func (p *IPCP) up() {
	p.addrs.Peer = p.peer
	p.logger.Info("IPCP opened",
		zap.Stringer("local", p.addrs.Local),
		zap.Stringer("peer", p.addrs.Peer),
	)
	if p.onUp != nil {
		p.onUp(p.addrs)
	}
}

func (p *IPCP) down() {
	if p.onDown != nil {
		p.onDown()
	}
}

func (p *IPCP) stateChanged(from, to fsm.State) {}

// ipRelay receives IPv4 frames from the link on behalf of IPCP, which only
// passes them up while it is Opened.
type ipRelay struct {
	ipcp *IPCP
}

func (r *ipRelay) Name() string            { return "IPv4 relay" }
func (r *ipRelay) Protocol() uint16        { return link.ProtocolIP }
func (r *ipRelay) OnUp()                   {}
func (r *ipRelay) OnDown()                 {}
func (r *ipRelay) OnNotify(n layer.Notice) {}

func (r *ipRelay) OnRecv(data []byte) {
	if !r.ipcp.IsOpened() {
		r.ipcp.drop("ipcp_not_open")
		return
	}
	if l := r.ipcp.Find(link.ProtocolIP); l != nil {
		l.OnRecv(data)
	}
}
