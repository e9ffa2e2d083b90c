package ppp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/codelaboratoryltd/pppstack/pkg/fsm"
	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/link"
	"go.uber.org/zap"
)

const (
	// DefaultMRU is the RFC 1661 default Maximum-Receive-Unit.
	DefaultMRU = 1500

	minMRU = 64
)

// LCPConfig holds LCP negotiation configuration options
type LCPConfig struct {
	InstanceConfig

	MRU          uint16 // Largest frame we accept, and the most we let the peer claim (default 1500)
	ACCM         uint32 // Characters we need escaped on receive (default 0)
	MagicNumber  uint32 // Magic number for loop detection (0 = random)
	AuthProtocol uint16 // Authentication protocol to request (0 = none)
	QualityProto uint16 // Link quality protocol to request (0 = none)

	KeepAlive KeepAliveConfig
}

// DefaultLCPConfig returns default LCP configuration
func DefaultLCPConfig() LCPConfig {
	return LCPConfig{
		InstanceConfig: DefaultInstanceConfig(),
		MRU:            DefaultMRU,
		KeepAlive:      DefaultKeepAliveConfig(),
	}
}

// LCPNegotiated holds the negotiated LCP options
type LCPNegotiated struct {
	LocalMRU   uint16
	PeerMRU    uint16
	LocalACCM  uint32
	PeerACCM   uint32
	LocalMagic uint32
	PeerMagic  uint32
}

// LCP is the Link Control Protocol. It sits directly on the link stack,
// drives the link phase and brings the network control protocols up once
// the link is open.
type LCP struct {
	*Instance

	stack *link.Stack
	cfg   LCPConfig

	// Values carried in our next Configure-Request.
	mru      uint16
	accm     uint32
	magic    uint32
	rejected map[uint8]bool

	negotiated LCPNegotiated
	loopback   bool

	linkLease *layer.Lease
	ncpUp     bool
	echoReq   *Packet
	keepAlive *keepAlive
}

// NewLCP creates the LCP layer and attaches it to stack.
func NewLCP(stack *link.Stack, config LCPConfig, env Env) (*LCP, error) {
	if config.MRU == 0 {
		config.MRU = DefaultMRU
	}
	if config.MagicNumber == 0 {
		magic, err := generateMagicNumber()
		if err != nil {
			return nil, fmt.Errorf("failed to generate magic number: %w", err)
		}
		config.MagicNumber = magic
	}
	if env.Logger == nil {
		env.Logger = stack.Logger()
	}

	l := &LCP{
		stack:    stack,
		cfg:      config,
		mru:      config.MRU,
		accm:     config.ACCM,
		magic:    config.MagicNumber,
		rejected: make(map[uint8]bool),
	}
	l.Instance = newInstance("LCP", link.ProtocolLCP, stack, config.InstanceConfig, l, instanceDeps{
		env:     env,
		linkID:  stack.ID(),
		metrics: stack.Metrics(),
	})
	l.keepAlive = newKeepAlive(l, config.KeepAlive)

	if !stack.Attach(l) {
		return nil, fmt.Errorf("LCP: %w", ErrAttachRefused)
	}
	return l, nil
}

// Negotiated returns the options agreed with the peer.
func (l *LCP) Negotiated() LCPNegotiated { return l.negotiated }

// Magic returns the magic number we currently advertise.
func (l *LCP) Magic() uint32 { return l.magic }

// LoopbackDetected reports whether the peer has echoed our magic number.
func (l *LCP) LoopbackDetected() bool { return l.loopback }

// AuthComplete moves an authenticated link to the Network phase and brings
// the network control protocols up.
func (l *LCP) AuthComplete() {
	if !l.IsOpened() {
		return
	}
	l.stack.SetPhase(link.PhaseNetwork)
	l.upNCPs()
}

func (l *LCP) upNCPs() {
	if l.ncpUp {
		return
	}
	l.ncpUp = true
	l.stack.NotifyUp(isNCPLayer)
}

func isNCPLayer(lyr layer.Layer) bool {
	return link.IsNCP(lyr.Protocol())
}

// RejectProtocol answers a frame for a protocol nobody on the link speaks.
func (l *LCP) RejectProtocol(proto uint16, info []byte) {
	if !l.IsOpened() {
		return
	}
	l.logger.Debug("Rejecting protocol", zap.String("rejected", link.ProtocolName(proto)))

	limit := int(l.negotiated.PeerMRU)
	if limit == 0 {
		limit = DefaultMRU
	}
	// Protocol-Reject data: 2-byte rejected protocol + rejected information
	data := make([]byte, 2+len(info))
	binary.BigEndian.PutUint16(data[:2], proto)
	copy(data[2:], info)
	if headerLen+len(data) > limit {
		data = data[:limit-headerLen]
	}
	l.sendProtocolPacket(CodeProtoReject, l.newID(), data)
}

// --- negotiator ---

func (l *LCP) configRequest() []Option {
	var opts []Option
	if !l.rejected[LCPOptMRU] {
		opts = append(opts, uint16Option(LCPOptMRU, l.mru))
	}
	if !l.rejected[LCPOptACCM] {
		opts = append(opts, uint32Option(LCPOptACCM, l.accm))
	}
	if !l.rejected[LCPOptAuthProto] {
		opts = append(opts, protocolOption(LCPOptAuthProto, l.cfg.AuthProtocol))
	}
	if !l.rejected[LCPOptQuality] {
		opts = append(opts, protocolOption(LCPOptQuality, l.cfg.QualityProto))
	}
	if !l.rejected[LCPOptMagicNumber] {
		opts = append(opts, uint32Option(LCPOptMagicNumber, l.magic))
	}
	return opts
}

// protocolOption carries proto, or nothing when proto is zero.
func protocolOption(t uint8, proto uint16) Option {
	if proto == 0 {
		return Option{Type: t, Length: 2}
	}
	return uint16Option(t, proto)
}

func (l *LCP) checkRequest(opts []Option) verdict {
	v := verdictGood
	peer := LCPNegotiated{PeerMRU: DefaultMRU, PeerACCM: 0xFFFFFFFF}

	for _, opt := range opts {
		switch opt.Type {
		case LCPOptMRU:
			if len(opt.Data) != 2 {
				v = verdictBad
				continue
			}
			mru := binary.BigEndian.Uint16(opt.Data)
			if mru > l.cfg.MRU || mru < minMRU {
				v = verdictBad
				continue
			}
			peer.PeerMRU = mru

		case LCPOptACCM:
			if len(opt.Data) != 4 {
				v = verdictBad
				continue
			}
			peer.PeerACCM = binary.BigEndian.Uint32(opt.Data)

		case LCPOptAuthProto, LCPOptQuality:
			// We authenticate nobody and monitor nothing; only "none" is acceptable.
			if len(opt.Data) != 0 {
				v = verdictBad
			}

		case LCPOptMagicNumber:
			if len(opt.Data) != 4 {
				v = verdictBad
				continue
			}
			magic := binary.BigEndian.Uint32(opt.Data)
			if magic != 0 && magic == l.magic {
				l.flagLoopback()
			}
			peer.PeerMagic = magic

		default:
			v = verdictBad
		}
	}

	if v == verdictGood {
		l.negotiated.PeerMRU = peer.PeerMRU
		l.negotiated.PeerACCM = peer.PeerACCM
		l.negotiated.PeerMagic = peer.PeerMagic
	}
	return v
}

func (l *LCP) flagLoopback() {
	if !l.loopback {
		l.logger.Warn("LCP magic number echoed by peer, link may be looped back",
			zap.Uint32("magic", l.magic),
		)
	}
	l.loopback = true
	l.stack.Metrics().RecordLoopback(l.stack.ID())
}

// configNak rejects the options we do not know and otherwise returns the
// peer's own request as a Nak.
func (l *LCP) configNak(req *Packet, opts []Option) (uint8, []byte) {
	var unknown []Option
	for _, opt := range opts {
		switch opt.Type {
		case LCPOptMRU, LCPOptACCM, LCPOptAuthProto, LCPOptQuality, LCPOptMagicNumber:
		default:
			unknown = append(unknown, opt)
		}
	}
	if len(unknown) > 0 {
		return CodeConfigReject, SerializeOptions(unknown)
	}
	return CodeConfigNak, req.Data
}

func (l *LCP) configAcked(opts []Option) {
	l.negotiated.LocalMRU = l.mru
	l.negotiated.LocalACCM = l.accm
	l.negotiated.LocalMagic = l.magic
	l.loopback = false
}

func (l *LCP) configNakRej(code uint8, opts []Option) {
	for _, opt := range opts {
		if code == CodeConfigReject {
			l.logger.Debug("Peer rejected option", zap.Uint8("option", opt.Type))
			l.rejected[opt.Type] = true
			continue
		}

		switch opt.Type {
		case LCPOptMRU:
			if len(opt.Data) >= 2 {
				mru := binary.BigEndian.Uint16(opt.Data)
				if mru >= minMRU && mru <= l.cfg.MRU {
					l.mru = mru
				}
			}
		case LCPOptACCM:
			if len(opt.Data) >= 4 {
				l.accm |= binary.BigEndian.Uint32(opt.Data)
			}
		case LCPOptMagicNumber:
			if len(opt.Data) >= 4 {
				newMagic, err := generateMagicNumber()
				if err != nil {
					l.logger.Error("Failed to regenerate magic number on NAK", zap.Error(err))
					continue
				}
				l.magic = newMagic
			}
		}
	}
}

func (l *LCP) extraCode(pkt *Packet) bool {
	switch pkt.Code {
	case CodeProtoReject:
		if len(pkt.Data) < 2 {
			l.drop("malformed")
			return true
		}
		l.receiveProtocolReject(binary.BigEndian.Uint16(pkt.Data[:2]))

	case CodeEchoRequest:
		if len(pkt.Data) < 4 {
			l.drop("malformed")
			return true
		}
		if magic := binary.BigEndian.Uint32(pkt.Data[:4]); magic != 0 && magic == l.magic {
			l.flagLoopback()
		}
		l.echoReq = &Packet{
			Code:       pkt.Code,
			Identifier: pkt.Identifier,
			Data:       append([]byte(nil), pkt.Data...),
		}
		l.auto.Handle(fsm.EventRecvEchoOrDiscard)

	case CodeEchoReply:
		if len(pkt.Data) < 4 {
			l.drop("malformed")
			return true
		}
		l.keepAlive.onReply(pkt.Identifier, binary.BigEndian.Uint32(pkt.Data[:4]))
		l.echoReq = nil
		l.auto.Handle(fsm.EventRecvEchoOrDiscard)

	case CodeDiscardReq:
		l.echoReq = nil
		l.auto.Handle(fsm.EventRecvEchoOrDiscard)

	default:
		return false
	}
	return true
}

func (l *LCP) receiveProtocolReject(proto uint16) {
	l.logger.Warn("Protocol rejected by peer", zap.String("rejected", link.ProtocolName(proto)))

	if proto == link.ProtocolLCP {
		l.auto.Handle(fsm.EventRecvRejectBad)
		return
	}
	if lyr := l.stack.Find(proto); lyr != nil {
		lyr.OnNotify(layer.NoticeRejected)
	}
	l.auto.Handle(fsm.EventRecvRejectGood)
}

func (l *LCP) sendEchoReply() {
	req := l.echoReq
	l.echoReq = nil
	if req == nil {
		return
	}
	// Echo-Reply carries our magic number followed by the request's data.
	data := make([]byte, len(req.Data))
	copy(data, req.Data)
	binary.BigEndian.PutUint32(data[:4], l.magic)
	l.sendProtocolPacket(CodeEchoReply, req.Identifier, data)
}

func (l *LCP) started() {
	l.acquireLink()
}

// acquireLink holds the link open for negotiation.
func (l *LCP) acquireLink() {
	l.stack.SetPhase(link.PhaseEstablish)
	if l.linkLease != nil {
		return
	}
	lease, err := l.stack.Acquire()
	if err != nil {
		l.logger.Error("Failed to acquire link", zap.Error(err))
		return
	}
	l.linkLease = lease
}

func (l *LCP) finished(reason fsm.FinishReason) {
	l.keepAlive.stop()
	if l.linkLease != nil {
		l.linkLease.Release()
		l.linkLease = nil
	}
	l.stack.SetPhase(link.PhaseDead)
}

func (l *LCP) up() {
	m := l.stack.Metrics()
	m.SetMRU(l.stack.ID(), "local", int(l.negotiated.LocalMRU))
	m.SetMRU(l.stack.ID(), "peer", int(l.negotiated.PeerMRU))

	// The peer's map says what we must escape; ours what it must escape.
	l.stack.SetACCM(l.negotiated.PeerACCM, l.negotiated.LocalACCM)

	auth := l.authLayer()
	quality := l.stack.Find(link.ProtocolLQR)

	if auth != nil {
		l.stack.SetPhase(link.PhaseAuthenticate)
	} else {
		l.stack.SetPhase(link.PhaseNetwork)
	}

	switch {
	case quality != nil:
		quality.OnUp()
	case auth != nil:
		auth.OnUp()
	default:
		l.upNCPs()
	}

	l.logger.Info("LCP opened",
		zap.Uint16("local_mru", l.negotiated.LocalMRU),
		zap.Uint16("peer_mru", l.negotiated.PeerMRU),
		zap.String("phase", l.stack.Phase().String()),
	)
	l.keepAlive.start()
}

func (l *LCP) authLayer() layer.Layer {
	if a := l.stack.Find(link.ProtocolPAP); a != nil {
		return a
	}
	return l.stack.Find(link.ProtocolCHAP)
}

func (l *LCP) down() {
	l.keepAlive.stop()
	if l.ncpUp {
		l.ncpUp = false
		l.stack.NotifyDown(isNCPLayer)
	}
	if q := l.stack.Find(link.ProtocolLQR); q != nil {
		q.OnDown()
	}
	if a := l.authLayer(); a != nil {
		a.OnDown()
	}
}

func (l *LCP) stateChanged(from, to fsm.State) {
	switch to {
	case fsm.StateClosing, fsm.StateStopping:
		l.stack.SetPhase(link.PhaseTerminate)
	case fsm.StateReqSent, fsm.StateAckRcvd, fsm.StateAckSent:
		// Closed and Stopped reach these without This-Layer-Started.
		l.acquireLink()
	case fsm.StateStarting:
		if l.linkLease != nil {
			l.stack.SetPhase(link.PhaseEstablish)
		}
	}
}

// echoTimeout gives up on a peer that stopped answering Echo-Requests.
func (l *LCP) echoTimeout() {
	l.logger.Warn("Peer stopped answering echo requests, closing link")
	l.fanOutTimeout()
	l.auto.Close()
}

// generateMagicNumber generates a random 32-bit magic number
func generateMagicNumber() (uint32, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return 0, err
	}
	if m := binary.BigEndian.Uint32(b); m != 0 {
		return m, nil
	}
	return 1, nil
}
