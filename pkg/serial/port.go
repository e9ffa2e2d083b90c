// Package serial provides the byte transport under a PPP link: a stream
// dialled over TCP or opened on a tty, read by its own goroutine and driven
// from the link's event loop.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by DataOut and Flush without a stream.
	ErrNotConnected = errors.New("port not connected")
	// ErrNoDialer is returned by Open when the port has nowhere to dial.
	ErrNoDialer = errors.New("no dialer configured")
)

// Scheduler is the event loop the port reports to. loop.Loop implements it.
type Scheduler interface {
	Post(fn func())
	AddTimer(key any, period time.Duration, fn func())
	DelTimer(key any)
}

// Handler receives the port's events on the event loop.
type Handler interface {
	LowerUp()
	LowerDown()
	Receive(data []byte)
}

// Config configures a Port.
type Config struct {
	Dialer Dialer
	// RedialInterval is the wait before dialling again after a failed dial
	// or a lost stream. Zero disables redialling.
	RedialInterval time.Duration
	ReadBufferSize int
	LinkID         string
}

// DefaultConfig returns default port configuration
func DefaultConfig() Config {
	return Config{
		RedialInterval: 5 * time.Second,
		ReadBufferSize: 2048,
	}
}

type redialKey struct{ p *Port }

// Port implements link.Transport and link.Flusher. Every method except the
// reader goroutine runs on the scheduler's goroutine.
type Port struct {
	cfg     Config
	sched   Scheduler
	handler Handler
	logger  *zap.Logger

	wanted bool
	conn   io.ReadWriteCloser
	cancel context.CancelFunc
	// gen invalidates dial results and reads from a superseded stream.
	gen uint64
	out []byte

	dials int
}

// New creates a closed port.
func New(cfg Config, sched Scheduler, logger *zap.Logger) *Port {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultConfig().ReadBufferSize
	}
	return &Port{
		cfg:    cfg,
		sched:  sched,
		logger: logger.With(zap.String("link", cfg.LinkID)),
	}
}

// SetHandler sets the receiver of link events. It must be set before Open.
func (p *Port) SetHandler(h Handler) {
	p.handler = h
}

// Dials returns the number of dial attempts started.
func (p *Port) Dials() int { return p.dials }

// Open starts dialling. The handler's LowerUp follows once connected.
func (p *Port) Open() error {
	if p.cfg.Dialer == nil {
		return ErrNoDialer
	}
	if p.wanted {
		return nil
	}
	p.wanted = true
	p.dial()
	return nil
}

func (p *Port) dial() {
	p.gen++
	gen := p.gen
	p.dials++

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("Dialling", zap.Stringer("dialer", p.cfg.Dialer))
	go func() {
		conn, err := p.cfg.Dialer.Dial(ctx)
		p.sched.Post(func() { p.dialed(gen, conn, err) })
	}()
}

func (p *Port) dialed(gen uint64, conn io.ReadWriteCloser, err error) {
	if gen != p.gen || !p.wanted {
		if conn != nil {
			conn.Close()
		}
		return
	}
	p.cancel = nil
	if err != nil {
		p.logger.Warn("Dial failed", zap.Error(err))
		p.scheduleRedial()
		return
	}

	p.conn = conn
	p.out = p.out[:0]
	p.logger.Info("Connected")
	go p.read(gen, conn)
	if p.handler != nil {
		p.handler.LowerUp()
	}
}

func (p *Port) read(gen uint64, conn io.Reader) {
	buf := make([]byte, p.cfg.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.sched.Post(func() { p.received(gen, data) })
		}
		if err != nil {
			p.sched.Post(func() { p.lost(gen, err) })
			return
		}
	}
}

func (p *Port) received(gen uint64, data []byte) {
	if gen != p.gen || p.conn == nil || p.handler == nil {
		return
	}
	p.handler.Receive(data)
}

func (p *Port) lost(gen uint64, err error) {
	if gen != p.gen || p.conn == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		p.logger.Info("Peer closed the stream")
	} else {
		p.logger.Warn("Stream lost", zap.Error(err))
	}
	p.conn.Close()
	p.conn = nil
	if p.handler != nil {
		p.handler.LowerDown()
	}
	p.scheduleRedial()
}

func (p *Port) scheduleRedial() {
	if !p.wanted || p.cfg.RedialInterval <= 0 {
		return
	}
	p.sched.AddTimer(redialKey{p}, p.cfg.RedialInterval, func() {
		if p.wanted && p.conn == nil {
			p.dial()
		}
	})
}

// Close stops dialling and drops the stream. LowerDown is posted rather
// than delivered so the caller's event completes first.
func (p *Port) Close() error {
	if !p.wanted {
		return nil
	}
	p.wanted = false
	p.gen++
	p.sched.DelTimer(redialKey{p})
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.conn == nil {
		return nil
	}

	err := p.conn.Close()
	p.conn = nil
	p.logger.Info("Closed")
	if p.handler != nil {
		p.sched.Post(p.handler.LowerDown)
	}
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

// IsConnected reports whether a stream is up.
func (p *Port) IsConnected() bool { return p.conn != nil }

// DataOut buffers one byte until Flush.
func (p *Port) DataOut(b byte) error {
	if p.conn == nil {
		return ErrNotConnected
	}
	p.out = append(p.out, b)
	return nil
}

// Flush writes the buffered bytes as one write.
func (p *Port) Flush() error {
	if p.conn == nil {
		p.out = p.out[:0]
		return ErrNotConnected
	}
	if len(p.out) == 0 {
		return nil
	}
	_, err := p.conn.Write(p.out)
	p.out = p.out[:0]
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
