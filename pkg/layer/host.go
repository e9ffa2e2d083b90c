// Package layer defines the Host/Layer composition used by every protocol in
// the link stack, the reference-counted Acquire/Release chain, and the
// zero-copy layered Buffer that travels down it.
package layer

// Notice is an out-of-band notification delivered to a Layer by its host.
type Notice int

const (
	// NoticeTimeout reports that the host gave up negotiating.
	NoticeTimeout Notice = iota + 1
	// NoticeRejected reports that the peer rejected the layer's protocol.
	NoticeRejected
)

func (n Notice) String() string {
	switch n {
	case NoticeTimeout:
		return "Timeout"
	case NoticeRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Layer is a protocol participant attached above a Host.
type Layer interface {
	Name() string
	Protocol() uint16
	OnUp()
	OnDown()
	OnRecv(data []byte)
	OnNotify(n Notice)
}

// Host is anything Layers attach to and send through.
//
// Send and ReleaseUnsent take the caller's buffer slot. On success Send
// clears *bp and the buffer belongs to the host; on failure *bp is left set
// and the caller must eventually ReleaseUnsent it.
type Host interface {
	Attach(l Layer) bool
	Acquire() (*Lease, error)
	GetSendBuffer(proto uint16, n int) (*Buffer, error)
	Send(proto uint16, bp **Buffer) error
	ReleaseUnsent(bp **Buffer)
}

// Poster queues work to run after the current event completes.
type Poster interface {
	Post(fn func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(fn func())

// Post calls f(fn).
func (f PosterFunc) Post(fn func()) { f(fn) }

// Immediate runs posted work synchronously.
var Immediate Poster = PosterFunc(func(fn func()) { fn() })
