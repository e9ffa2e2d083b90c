package ppp

import (
	"fmt"

	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/link"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// PacketSink receives validated inbound IPv4 packets. pkt is only valid for
// the duration of the call.
type PacketSink func(hdr *ipv4.Header, pkt []byte)

// IPv4 is the IPv4 data path above IPCP.
type IPv4 struct {
	ipcp   *IPCP
	sink   PacketSink
	sub    *Subscription
	up     bool
	logger *zap.Logger

	timeouts int
}

// NewIPv4 attaches an IPv4 layer to ipcp. Packets received while IPCP is
// open are handed to sink.
func NewIPv4(ipcp *IPCP, sink PacketSink, logger *zap.Logger) (*IPv4, error) {
	if logger == nil {
		logger = ipcp.stack.Logger()
	}
	v := &IPv4{
		ipcp:   ipcp,
		sink:   sink,
		logger: logger.With(zap.String("protocol", "IPv4")),
	}
	if !ipcp.Attach(v) {
		return nil, fmt.Errorf("IPv4: %w", ErrAttachRefused)
	}
	return v, nil
}

// Start opens IPCP, which in turn opens LCP and the link.
func (v *IPv4) Start() error {
	if v.sub != nil {
		return nil
	}
	sub, err := v.ipcp.Open(v.drain)
	if err != nil {
		return fmt.Errorf("open IPCP: %w", err)
	}
	v.sub = sub
	return nil
}

// Stop closes our IPCP subscription.
func (v *IPv4) Stop() {
	if v.sub == nil {
		return
	}
	v.sub.Close()
	v.sub = nil
}

// IsUp reports whether packets can be sent.
func (v *IPv4) IsUp() bool { return v.up }

// Timeouts returns how many negotiation timeouts have been reported.
func (v *IPv4) Timeouts() int { return v.timeouts }

func (v *IPv4) drain() {
	if v.sub == nil {
		return
	}
	for {
		msg, ok := v.sub.Next()
		if !ok {
			return
		}
		v.logger.Debug("IPCP status", zap.Stringer("message", msg))
		if msg == MsgTimeout {
			v.timeouts++
		}
	}
}

// Name implements layer.Layer.
func (v *IPv4) Name() string { return "IPv4" }

// Protocol implements layer.Layer.
func (v *IPv4) Protocol() uint16 { return link.ProtocolIP }

// OnUp implements layer.Layer.
func (v *IPv4) OnUp() {
	v.up = true
	v.logger.Info("IPv4 up")
}

// OnDown implements layer.Layer.
func (v *IPv4) OnDown() {
	v.up = false
	v.logger.Info("IPv4 down")
}

// OnNotify implements layer.Layer.
func (v *IPv4) OnNotify(n layer.Notice) {
	v.logger.Warn("IPv4 notice", zap.Stringer("notice", n))
}

// OnRecv validates the IPv4 header and passes the packet to the sink.
func (v *IPv4) OnRecv(data []byte) {
	hdr, err := ipv4.ParseHeader(data)
	if err != nil {
		v.drop("bad_header", zap.Error(err))
		return
	}
	if hdr.Version != ipv4.Version {
		v.drop("bad_version", zap.Int("version", hdr.Version))
		return
	}
	if hdr.TotalLen < hdr.Len || hdr.TotalLen > len(data) {
		v.drop("bad_length", zap.Int("total_len", hdr.TotalLen), zap.Int("have", len(data)))
		return
	}
	if v.sink != nil {
		v.sink(hdr, data[:hdr.TotalLen])
	}
}

func (v *IPv4) drop(reason string, fields ...zap.Field) {
	v.logger.Debug("Dropping IPv4 packet", append(fields, zap.String("reason", reason))...)
	v.ipcp.stack.Metrics().RecordDrop(v.ipcp.stack.ID(), reason)
}

// Send transmits one IPv4 packet.
func (v *IPv4) Send(pkt []byte) error {
	b, err := v.ipcp.GetSendBuffer(link.ProtocolIP, len(pkt))
	if err != nil {
		return err
	}
	copy(b.Bytes(), pkt)
	if err := v.ipcp.Send(link.ProtocolIP, &b); err != nil {
		v.ipcp.ReleaseUnsent(&b)
		return err
	}
	return nil
}
