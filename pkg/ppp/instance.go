// Package ppp implements the PPP control protocols that run over a link
// stack: LCP, IPCP and the IPv4 data path. Each control protocol is an
// Instance: one fsm.Automaton, the layers hosted above it and the Open
// subscriptions of its consumers.
package ppp

import (
	"bytes"
	"time"

	"github.com/codelaboratoryltd/pppstack/pkg/fsm"
	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/metrics"
	"go.uber.org/zap"
)

// InstanceConfig holds the settings shared by every control protocol.
type InstanceConfig struct {
	FSM fsm.Config

	// MaxSubscribers limits concurrent Open subscriptions. Zero means no limit.
	MaxSubscribers int
}

// DefaultInstanceConfig returns default instance configuration
func DefaultInstanceConfig() InstanceConfig {
	return InstanceConfig{
		FSM:            fsm.DefaultConfig(),
		MaxSubscribers: 16,
	}
}

// verdict classifies a peer Configure-Request.
type verdict int

const (
	verdictDrop verdict = iota
	verdictGood
	verdictBad
)

// negotiator is the protocol-specific half of an Instance.
type negotiator interface {
	// configRequest returns the options for our next Configure-Request.
	configRequest() []Option
	// checkRequest classifies the options of a peer Configure-Request.
	checkRequest(opts []Option) verdict
	// configNak builds the answer to the retained bad request.
	configNak(req *Packet, opts []Option) (code uint8, data []byte)
	// configAcked runs when the peer acknowledged our last request.
	configAcked(opts []Option)
	// configNakRej adopts the peer's Configure-Nak or Configure-Reject.
	configNakRej(code uint8, opts []Option)
	// extraCode handles codes beyond Code-Reject. It reports false for
	// codes the protocol does not know.
	extraCode(pkt *Packet) bool
	// sendEchoReply answers the last Echo-Request.
	sendEchoReply()

	started()
	finished(reason fsm.FinishReason)
	up()
	down()
	stateChanged(from, to fsm.State)
}

// Instance is one control protocol running over a host. It is a Layer of
// the host below and a Host for the layers above.
type Instance struct {
	layer.HostBase

	name    string
	proto   uint16
	below   layer.Host
	linkID  string
	auto    *fsm.Automaton
	neg     negotiator
	config  InstanceConfig
	timers  fsm.TimerService
	poster  layer.Poster
	metrics *metrics.Metrics
	logger  *zap.Logger

	subs      []*Subscription
	openCount int
	lease     *layer.Lease

	nextID  uint8
	reqID   uint8
	reqData []byte

	// peerReq is the last Configure-Request received, kept verbatim so the
	// Ack can be built by rewriting the code byte.
	peerReq   []byte
	termReqID uint8
	unknown   []byte
}

type instanceDeps struct {
	env     Env
	linkID  string
	metrics *metrics.Metrics
	policy  layer.AttachPolicy
}

func newInstance(name string, proto uint16, below layer.Host, config InstanceConfig, neg negotiator, deps instanceDeps) *Instance {
	logger := deps.env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poster := deps.env.Poster
	if poster == nil {
		poster = layer.Immediate
	}
	policy := deps.policy
	if policy == nil {
		policy = layer.UniqueProtocol()
	}
	i := &Instance{
		name:    name,
		proto:   proto,
		below:   below,
		linkID:  deps.linkID,
		neg:     neg,
		config:  config,
		timers:  deps.env.Timers,
		poster:  poster,
		metrics: deps.metrics,
		logger:  logger.With(zap.String("protocol", name)),
	}
	i.auto = fsm.New(name, config.FSM, i, deps.env.Timers, logger)
	i.auto.SetOnStateChange(i.onStateChange)
	i.auto.SetOnTimeout(i.onTimeout)
	i.auto.SetOnViolation(func(string) { i.metrics.RecordViolation(i.name) })

	i.InitHost(poster, layer.HostHooks{
		Policy:     policy,
		Activate:   i.activate,
		Deactivate: i.deactivate,
	})
	return i
}

// Name returns the protocol name.
func (i *Instance) Name() string { return i.name }

// Protocol returns the PPP protocol number.
func (i *Instance) Protocol() uint16 { return i.proto }

// State returns the automaton state.
func (i *Instance) State() fsm.State { return i.auto.State() }

// Automaton exposes the underlying state machine.
func (i *Instance) Automaton() *fsm.Automaton { return i.auto }

// IsOpened reports whether negotiation completed.
func (i *Instance) IsOpened() bool { return i.auto.State() == fsm.StateOpened }

// OpenCount returns the number of live subscriptions.
func (i *Instance) OpenCount() int { return i.openCount }

func (i *Instance) activate() error {
	i.auto.Open()
	return nil
}

func (i *Instance) deactivate() {
	i.auto.Close()
}

func (i *Instance) onStateChange(from, to fsm.State) {
	i.metrics.RecordTransition(i.name, from.String(), to.String())
	i.neg.stateChanged(from, to)
}

func (i *Instance) onTimeout(ev fsm.Event) {
	kind := "retry"
	if ev == fsm.EventTimeoutZero {
		kind = "exhausted"
	}
	i.metrics.RecordTimeout(i.name, kind)
}

// --- Layer (toward the host below) ---

// OnUp is the lower layer up event.
func (i *Instance) OnUp() { i.auto.Up() }

// OnDown is the lower layer down event.
func (i *Instance) OnDown() { i.auto.Down() }

// OnNotify handles notices from the host below.
func (i *Instance) OnNotify(n layer.Notice) {
	switch n {
	case layer.NoticeRejected:
		i.logger.Warn("Peer rejected protocol")
		i.auto.Handle(fsm.EventRecvRejectBad)
	case layer.NoticeTimeout:
		i.fanOutTimeout()
	}
}

// OnRecv parses one control packet and raises the matching event.
// Malformed packets and stale replies are dropped without an event.
func (i *Instance) OnRecv(data []byte) {
	pkt, err := ParsePacket(data)
	if err != nil {
		i.drop("malformed", zap.Error(err))
		return
	}

	i.logger.Debug("Received packet",
		zap.String("code", CodeName(pkt.Code)),
		zap.Uint8("id", pkt.Identifier),
		zap.Uint16("length", pkt.Length),
	)

	switch pkt.Code {
	case CodeConfigRequest:
		opts, err := ParseOptions(pkt.Data)
		if err != nil {
			i.drop("malformed", zap.Error(err))
			return
		}
		v := i.neg.checkRequest(opts)
		if v == verdictDrop {
			i.drop("malformed")
			return
		}
		i.peerReq = append(i.peerReq[:0], data[:pkt.Length]...)
		if v == verdictGood {
			i.auto.Handle(fsm.EventRecvConfigReqGood)
		} else {
			i.auto.Handle(fsm.EventRecvConfigReqBad)
		}

	case CodeConfigAck:
		if pkt.Identifier != i.reqID {
			i.drop("stale_id", zap.Uint8("id", pkt.Identifier), zap.Uint8("expected", i.reqID))
			return
		}
		if !bytes.Equal(pkt.Data, i.reqData) {
			i.drop("ack_mismatch")
			return
		}
		opts, _ := ParseOptions(pkt.Data)
		i.neg.configAcked(opts)
		i.auto.Handle(fsm.EventRecvConfigAck)

	case CodeConfigNak, CodeConfigReject:
		if pkt.Identifier != i.reqID {
			i.drop("stale_id", zap.Uint8("id", pkt.Identifier), zap.Uint8("expected", i.reqID))
			return
		}
		opts, err := ParseOptions(pkt.Data)
		if err != nil {
			i.drop("malformed", zap.Error(err))
			return
		}
		i.neg.configNakRej(pkt.Code, opts)
		i.auto.Handle(fsm.EventRecvConfigNakRej)

	case CodeTermRequest:
		i.termReqID = pkt.Identifier
		i.auto.Handle(fsm.EventRecvTermReq)

	case CodeTermAck:
		i.auto.Handle(fsm.EventRecvTermAck)

	case CodeCodeReject:
		if len(pkt.Data) > 0 && pkt.Data[0] >= CodeConfigRequest && pkt.Data[0] <= CodeCodeReject {
			i.logger.Warn("Peer rejected a required code", zap.String("rejected", CodeName(pkt.Data[0])))
			i.auto.Handle(fsm.EventRecvRejectBad)
			return
		}
		i.auto.Handle(fsm.EventRecvRejectGood)

	default:
		if i.neg.extraCode(pkt) {
			return
		}
		i.unknown = append(i.unknown[:0], data[:pkt.Length]...)
		i.auto.Handle(fsm.EventRecvUnknownCode)
	}
}

func (i *Instance) drop(reason string, fields ...zap.Field) {
	i.logger.Debug("Dropping packet", append(fields, zap.String("reason", reason))...)
	i.metrics.RecordDrop(i.linkID, reason)
}

// --- Host (toward the layers above) ---

// GetSendBuffer allocates a buffer for a layer above. Data only flows once
// the protocol is Opened.
func (i *Instance) GetSendBuffer(proto uint16, n int) (*layer.Buffer, error) {
	if !i.IsOpened() {
		return nil, ErrNotOpen
	}
	b, err := i.below.GetSendBuffer(proto, n)
	if err != nil {
		return nil, err
	}
	if err := b.Reserve(0); err != nil {
		i.below.ReleaseUnsent(&b)
		return nil, err
	}
	return b, nil
}

// Send passes a buffer from a layer above to the host below.
func (i *Instance) Send(proto uint16, bp **layer.Buffer) error {
	if bp == nil || *bp == nil {
		return layer.ErrNilBuffer
	}
	if !i.IsOpened() {
		return ErrNotOpen
	}
	if _, err := (*bp).Descend(); err != nil {
		return err
	}
	if err := i.below.Send(proto, bp); err != nil {
		(*bp).Ascend()
		return err
	}
	return nil
}

// --- fsm.Actions ---

// ThisLayerUp implements fsm.Actions.
func (i *Instance) ThisLayerUp() {
	i.logger.Info("Protocol up")
	i.neg.up()
	i.SetUp(true)
	i.NotifyUp(nil)
	i.broadcast(MsgUp)
}

// ThisLayerDown implements fsm.Actions.
func (i *Instance) ThisLayerDown() {
	i.logger.Info("Protocol down")
	i.SetUp(false)
	i.NotifyDown(nil)
	i.broadcast(MsgDown)
	i.neg.down()
}

// ThisLayerStarted implements fsm.Actions.
func (i *Instance) ThisLayerStarted() {
	i.neg.started()
}

// ThisLayerFinished implements fsm.Actions.
func (i *Instance) ThisLayerFinished(reason fsm.FinishReason) {
	i.logger.Info("Protocol finished", zap.String("reason", reason.String()))
	i.neg.finished(reason)
	if reason == fsm.FinishTimeout {
		i.fanOutTimeout()
	}
}

// SendConfigRequest implements fsm.Actions.
func (i *Instance) SendConfigRequest() {
	i.reqID = i.newID()
	i.reqData = SerializeOptions(i.neg.configRequest())
	i.sendPacket(&Packet{Code: CodeConfigRequest, Identifier: i.reqID, Data: i.reqData})
}

// SendConfigAck implements fsm.Actions.
func (i *Instance) SendConfigAck() {
	if len(i.peerReq) < headerLen {
		return
	}
	ack := append([]byte(nil), i.peerReq...)
	ack[0] = CodeConfigAck
	i.sendRaw(ack)
}

// SendConfigNak implements fsm.Actions.
func (i *Instance) SendConfigNak() {
	req, err := ParsePacket(i.peerReq)
	if err != nil {
		return
	}
	opts, _ := ParseOptions(req.Data)
	code, data := i.neg.configNak(req, opts)
	i.sendPacket(&Packet{Code: code, Identifier: req.Identifier, Data: data})
}

// SendTermRequest implements fsm.Actions.
func (i *Instance) SendTermRequest() {
	i.sendPacket(&Packet{Code: CodeTermRequest, Identifier: i.newID()})
}

// SendTermAck implements fsm.Actions.
func (i *Instance) SendTermAck() {
	i.sendPacket(&Packet{Code: CodeTermAck, Identifier: i.termReqID})
}

// SendCodeReject implements fsm.Actions.
func (i *Instance) SendCodeReject() {
	if len(i.unknown) == 0 {
		return
	}
	i.sendPacket(&Packet{Code: CodeCodeReject, Identifier: i.newID(), Data: i.unknown})
}

// SendEchoReply implements fsm.Actions.
func (i *Instance) SendEchoReply() {
	i.neg.sendEchoReply()
}

func (i *Instance) newID() uint8 {
	i.nextID++
	return i.nextID
}

func (i *Instance) sendPacket(pkt *Packet) {
	b, err := i.below.GetSendBuffer(i.proto, pkt.Size())
	if err != nil {
		i.logger.Debug("No send buffer", zap.String("code", CodeName(pkt.Code)), zap.Error(err))
		return
	}
	pkt.MarshalTo(b.Bytes())
	i.transmit(pkt.Code, &b)
}

func (i *Instance) sendRaw(raw []byte) {
	b, err := i.below.GetSendBuffer(i.proto, len(raw))
	if err != nil {
		i.logger.Debug("No send buffer", zap.String("code", CodeName(raw[0])), zap.Error(err))
		return
	}
	copy(b.Bytes(), raw)
	i.transmit(raw[0], &b)
}

func (i *Instance) transmit(code uint8, bp **layer.Buffer) {
	if err := i.below.Send(i.proto, bp); err != nil {
		i.logger.Debug("Send failed", zap.String("code", CodeName(code)), zap.Error(err))
		i.below.ReleaseUnsent(bp)
		return
	}
	i.logger.Debug("Sent packet", zap.String("code", CodeName(code)))
}

// sendProtocolPacket is used by the negotiators for codes the automaton
// does not drive.
func (i *Instance) sendProtocolPacket(code uint8, id uint8, data []byte) {
	i.sendPacket(&Packet{Code: code, Identifier: id, Data: data})
}

// addTimer arms a timer on the shared timer service.
func (i *Instance) addTimer(key any, period time.Duration, fn func()) {
	if i.timers != nil {
		i.timers.AddTimer(key, period, fn)
	}
}

func (i *Instance) delTimer(key any) {
	if i.timers != nil {
		i.timers.DelTimer(key)
	}
}
