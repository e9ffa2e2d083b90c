package ppp

import (
	"go.uber.org/zap"
)

// MessageKind is a status message delivered to an Open subscriber.
type MessageKind int

const (
	MsgUp MessageKind = iota + 1
	MsgDown
	MsgTimeout
)

func (k MessageKind) String() string {
	switch k {
	case MsgUp:
		return "Up"
	case MsgDown:
		return "Down"
	case MsgTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Subscription is one consumer's Open of a protocol instance. The protocol
// stays administratively open while at least one subscription is live.
type Subscription struct {
	inst   *Instance
	bell   func()
	queue  []MessageKind
	closed bool

	// informedOfTimeout is set once this subscriber has been told about the
	// current timeout and cleared by the next Up.
	informedOfTimeout bool
}

// Open subscribes to status messages and, for the first subscriber, opens
// the protocol. bell, if set, is rung through the instance's poster
// whenever a message is queued.
func (i *Instance) Open(bell func()) (*Subscription, error) {
	if i.config.MaxSubscribers > 0 && len(i.subs) >= i.config.MaxSubscribers {
		i.logger.Warn("Open refused", zap.Int("subscribers", len(i.subs)))
		return nil, ErrNoResources
	}

	s := &Subscription{inst: i, bell: bell}
	i.subs = append(i.subs, s)
	i.openCount++

	if i.openCount == 1 {
		lease, err := i.Acquire()
		if err != nil {
			i.remove(s)
			return nil, err
		}
		i.lease = lease
	}
	i.metrics.SetSubscribers(i.name, len(i.subs))

	if i.IsUp() {
		s.push(MsgUp)
	}
	return s, nil
}

func (i *Instance) remove(s *Subscription) {
	for n, sub := range i.subs {
		if sub == s {
			i.subs = append(i.subs[:n], i.subs[n+1:]...)
			i.openCount--
			break
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (i *Instance) Subscribers() int { return len(i.subs) }

func (i *Instance) broadcast(kind MessageKind) {
	subs := make([]*Subscription, len(i.subs))
	copy(subs, i.subs)
	for _, s := range subs {
		s.push(kind)
	}
}

// fanOutTimeout tells every subscriber about a timeout, once per subscriber
// until the protocol comes up again.
func (i *Instance) fanOutTimeout() {
	i.broadcast(MsgTimeout)
}

func (s *Subscription) push(kind MessageKind) {
	if s.closed {
		return
	}
	switch kind {
	case MsgTimeout:
		if s.informedOfTimeout {
			return
		}
		s.informedOfTimeout = true
	case MsgUp:
		s.informedOfTimeout = false
	}
	s.queue = append(s.queue, kind)
	if s.bell != nil {
		s.inst.poster.Post(s.ring)
	}
}

func (s *Subscription) ring() {
	if !s.closed && s.bell != nil {
		s.bell()
	}
}

// Next pops the oldest queued message.
func (s *Subscription) Next() (MessageKind, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	k := s.queue[0]
	s.queue = s.queue[1:]
	return k, true
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int { return len(s.queue) }

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool { return s.closed }

// Close ends the subscription. The last Close releases the protocol, which
// administratively closes it. Calling Close again does nothing.
func (s *Subscription) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	s.queue = nil

	i := s.inst
	i.remove(s)
	i.metrics.SetSubscribers(i.name, len(i.subs))
	if i.openCount == 0 && i.lease != nil {
		lease := i.lease
		i.lease = nil
		lease.Release()
	}
}
