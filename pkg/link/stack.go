// Package link implements the PPP link-stack multiplexer: it owns the layers
// attached above a framed byte transport, gates traffic by link phase and
// demultiplexes inbound frames by protocol number.
package link

import (
	"encoding/binary"
	"fmt"

	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const protocolFieldLen = 2

// StackConfig configures a Stack.
type StackConfig struct {
	// ID names the link in logs and metrics. Empty generates a UUID.
	ID        string
	Allocator layer.Allocator
	Poster    layer.Poster
	Metrics   *metrics.Metrics
}

// Stack is the host directly above the physical transport.
type Stack struct {
	layer.HostBase

	id        string
	phase     Phase
	transport Transport
	framer    Framer
	alloc     layer.Allocator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	onPhase func(from, to Phase)
}

// NewStack creates a link stack over transport. Frames received by the
// framer must be handed to FrameIn, and transport status to LowerUp and
// LowerDown, on the stack's event loop.
func NewStack(cfg StackConfig, transport Transport, framer Framer, logger *zap.Logger) *Stack {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := &Stack{
		id:        id,
		phase:     PhaseDead,
		transport: transport,
		framer:    framer,
		alloc:     cfg.Allocator,
		metrics:   cfg.Metrics,
		logger:    logger.With(zap.String("link", id)),
	}
	s.InitHost(cfg.Poster, layer.HostHooks{
		Policy:     layer.UniqueProtocol(),
		UpFor:      s.upFor,
		Activate:   s.activate,
		Deactivate: s.deactivate,
	})
	s.metrics.SetPhase(id, s.phase.String())
	return s
}

// ID returns the link identifier.
func (s *Stack) ID() string { return s.id }

// Logger returns the link's logger.
func (s *Stack) Logger() *zap.Logger { return s.logger }

// Metrics returns the link's metrics, possibly nil.
func (s *Stack) Metrics() *metrics.Metrics { return s.metrics }

// Phase returns the current link phase.
func (s *Stack) Phase() Phase { return s.phase }

// SetOnPhaseChange sets a callback for phase changes.
func (s *Stack) SetOnPhaseChange(fn func(from, to Phase)) {
	s.onPhase = fn
}

// SetPhase moves the link to phase p.
func (s *Stack) SetPhase(p Phase) {
	if p == s.phase {
		return
	}
	old := s.phase
	s.phase = p
	s.logger.Debug("Link phase change",
		zap.String("from", old.String()),
		zap.String("to", p.String()),
	)
	s.metrics.SetPhase(s.id, p.String())
	if s.onPhase != nil {
		s.onPhase(old, p)
	}
}

// SetACCM passes a negotiated character map to the framer.
func (s *Stack) SetACCM(tx, rx uint32) {
	if a, ok := s.framer.(ACCMSetter); ok {
		a.SetACCM(tx, rx)
	}
}

// LCP sees the physical link; every other layer waits for the Network phase.
func (s *Stack) upFor(l layer.Layer) bool {
	if l.Protocol() == ProtocolLCP {
		return s.IsUp()
	}
	return s.phase == PhaseNetwork
}

func (s *Stack) activate() error {
	s.logger.Info("Opening transport")
	if err := s.transport.Open(); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	return nil
}

func (s *Stack) deactivate() {
	s.logger.Info("Closing transport")
	if err := s.transport.Close(); err != nil {
		s.logger.Warn("Transport close failed", zap.Error(err))
	}
}

func (s *Stack) lcp() layer.Layer {
	return s.Find(ProtocolLCP)
}

// LowerUp reports that the transport connected.
func (s *Stack) LowerUp() {
	if s.IsUp() {
		return
	}
	s.SetUp(true)
	s.logger.Info("Lower layer up")
	if l := s.lcp(); l != nil {
		l.OnUp()
	}
}

// LowerDown reports that the transport disconnected.
func (s *Stack) LowerDown() {
	if !s.IsUp() {
		return
	}
	s.SetUp(false)
	s.logger.Info("Lower layer down")
	if l := s.lcp(); l != nil {
		l.OnDown()
	}
}

// FrameIn dispatches one complete inbound frame, starting at the protocol
// field, to the layer registered for its protocol.
func (s *Stack) FrameIn(frame []byte) {
	if len(frame) < protocolFieldLen {
		s.drop("short", 0)
		return
	}
	proto := binary.BigEndian.Uint16(frame)
	payload := frame[protocolFieldLen:]

	if err := ProtoOk(s.phase, proto); err != nil {
		s.drop("phase", proto)
		return
	}

	l := s.Find(proto)
	if l == nil {
		if s.phase == PhaseNetwork {
			if r, ok := s.lcp().(ProtocolRejecter); ok {
				r.RejectProtocol(proto, payload)
			}
		}
		s.drop("unknown_protocol", proto)
		return
	}

	s.metrics.RecordFrameIn(s.id, ProtocolName(proto), len(frame))
	l.OnRecv(payload)
}

func (s *Stack) drop(reason string, proto uint16) {
	s.logger.Debug("Dropping inbound frame",
		zap.String("reason", reason),
		zap.String("protocol", ProtocolName(proto)),
		zap.String("phase", s.phase.String()),
	)
	s.metrics.RecordDrop(s.id, reason)
}

// GetSendBuffer allocates a frame with n payload bytes for proto. It fails
// without allocating when the phase does not admit proto.
func (s *Stack) GetSendBuffer(proto uint16, n int) (*layer.Buffer, error) {
	if err := ProtoOk(s.phase, proto); err != nil {
		return nil, err
	}
	b, err := layer.NewBuffer(s.alloc, protocolFieldLen+n)
	if err != nil {
		return nil, err
	}
	if err := b.Reserve(protocolFieldLen); err != nil {
		layer.Free(&b)
		return nil, err
	}
	return b, nil
}

// Send frames *bp and writes it to the transport. On success the buffer is
// consumed and *bp cleared.
func (s *Stack) Send(proto uint16, bp **layer.Buffer) error {
	if bp == nil || *bp == nil {
		return layer.ErrNilBuffer
	}
	if err := ProtoOk(s.phase, proto); err != nil {
		return err
	}
	if !s.transport.IsConnected() {
		return ErrNotConnected
	}

	b := *bp
	hdr, err := b.Descend()
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(hdr, proto)
	frame := b.Bytes()

	if err := s.write(frame); err != nil {
		b.Ascend()
		s.metrics.RecordSendError(s.id, ProtocolName(proto))
		return fmt.Errorf("send %s: %w", ProtocolName(proto), err)
	}

	s.metrics.RecordFrameOut(s.id, ProtocolName(proto), len(frame))
	layer.Free(bp)
	return nil
}

func (s *Stack) write(frame []byte) error {
	if err := s.framer.Encode(frame, s.transport.DataOut); err != nil {
		return err
	}
	if f, ok := s.transport.(Flusher); ok {
		return f.Flush()
	}
	return nil
}
