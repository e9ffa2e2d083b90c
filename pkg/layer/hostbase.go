package layer

// AttachPolicy decides whether l may attach to h.
type AttachPolicy func(h *HostBase, l Layer) bool

// SingleLayer allows only one layer to ever attach.
func SingleLayer() AttachPolicy {
	return func(h *HostBase, l Layer) bool {
		return len(h.layers) == 0
	}
}

// OnlyProtocol allows only layers carrying proto.
func OnlyProtocol(proto uint16) AttachPolicy {
	return func(h *HostBase, l Layer) bool {
		return l.Protocol() == proto
	}
}

// UniqueProtocol rejects a second layer for a protocol already attached.
func UniqueProtocol() AttachPolicy {
	return func(h *HostBase, l Layer) bool {
		return h.Find(l.Protocol()) == nil
	}
}

// AllOf combines policies; every one must allow the attach.
func AllOf(policies ...AttachPolicy) AttachPolicy {
	return func(h *HostBase, l Layer) bool {
		for _, p := range policies {
			if p != nil && !p(h, l) {
				return false
			}
		}
		return true
	}
}

// HostHooks customises a HostBase.
type HostHooks struct {
	// Policy restricts which layers may attach. Nil allows all.
	Policy AttachPolicy
	// UpFor reports whether a newly attached layer should be told the host
	// is up. Nil means "whenever the host is up".
	UpFor func(l Layer) bool
	// Activate runs when the acquire count goes from 0 to 1.
	Activate func() error
	// Deactivate runs when the acquire count drops to 0.
	Deactivate func()
}

// HostBase carries the state every Host shares: the layers above it, the
// up flag, and the Acquire reference count. Concrete hosts embed it.
type HostBase struct {
	layers   []Layer
	up       bool
	acquired int
	poster   Poster
	hooks    HostHooks
}

// InitHost prepares the embedded HostBase. poster is used to deliver the
// synthetic up notification to late-attaching layers.
func (h *HostBase) InitHost(poster Poster, hooks HostHooks) {
	if poster == nil {
		poster = Immediate
	}
	h.poster = poster
	h.hooks = hooks
}

// Attach links l above the host. A layer attaching to a host that is already
// up is queued an OnUp so it observes the current status.
func (h *HostBase) Attach(l Layer) bool {
	if h.hooks.Policy != nil && !h.hooks.Policy(h, l) {
		return false
	}
	h.layers = append(h.layers, l)

	up := h.up
	if h.hooks.UpFor != nil {
		up = h.hooks.UpFor(l)
	}
	if up {
		h.post(l.OnUp)
	}
	return true
}

func (h *HostBase) post(fn func()) {
	if h.poster == nil {
		fn()
		return
	}
	h.poster.Post(fn)
}

// Layers returns the attached layers in attach order.
func (h *HostBase) Layers() []Layer {
	out := make([]Layer, len(h.layers))
	copy(out, h.layers)
	return out
}

// Find returns the attached layer for proto, or nil.
func (h *HostBase) Find(proto uint16) Layer {
	for _, l := range h.layers {
		if l.Protocol() == proto {
			return l
		}
	}
	return nil
}

// IsUp reports the host's up flag.
func (h *HostBase) IsUp() bool { return h.up }

// SetUp records the host's up flag without notifying anyone.
func (h *HostBase) SetUp(up bool) { h.up = up }

// NotifyUp calls OnUp on every layer match accepts. A nil match selects all.
func (h *HostBase) NotifyUp(match func(Layer) bool) {
	for _, l := range h.Layers() {
		if match == nil || match(l) {
			l.OnUp()
		}
	}
}

// NotifyDown calls OnDown on every layer match accepts.
func (h *HostBase) NotifyDown(match func(Layer) bool) {
	for _, l := range h.Layers() {
		if match == nil || match(l) {
			l.OnDown()
		}
	}
}

// Notify delivers n to every layer match accepts.
func (h *HostBase) Notify(n Notice, match func(Layer) bool) {
	for _, l := range h.Layers() {
		if match == nil || match(l) {
			l.OnNotify(n)
		}
	}
}

// Acquire takes a reference on the host. Only the first reference activates
// it; later ones just count.
func (h *HostBase) Acquire() (*Lease, error) {
	if h.acquired == 0 && h.hooks.Activate != nil {
		if err := h.hooks.Activate(); err != nil {
			return nil, err
		}
	}
	h.acquired++
	return &Lease{release: h.release}, nil
}

func (h *HostBase) release() {
	if h.acquired == 0 {
		return
	}
	h.acquired--
	if h.acquired == 0 && h.hooks.Deactivate != nil {
		h.hooks.Deactivate()
	}
}

// AcquireCount returns the number of outstanding leases.
func (h *HostBase) AcquireCount() int { return h.acquired }

// ReleaseUnsent frees a buffer the caller failed to send.
func (h *HostBase) ReleaseUnsent(bp **Buffer) { Free(bp) }

// Lease is one reference taken by Acquire. Releasing it more than once is
// harmless.
type Lease struct {
	release func()
	done    bool
}

// Release drops the reference.
func (l *Lease) Release() {
	if l == nil || l.done {
		return
	}
	l.done = true
	l.release()
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool { return l == nil || l.done }
