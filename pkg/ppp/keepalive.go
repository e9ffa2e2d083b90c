package ppp

import (
	"encoding/binary"
	"time"

	"go.uber.org/zap"
)

// KeepAliveConfig holds keep-alive configuration. Keep-alive uses LCP Echo
// per RFC 1661 Section 5.8.
type KeepAliveConfig struct {
	Enabled     bool          // Enable keep-alive
	Interval    time.Duration // Echo interval (default: 30s)
	MaxFailures int           // Unanswered echoes before the link is closed (default: 3)
}

// DefaultKeepAliveConfig returns default keep-alive configuration
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		Enabled:     false,
		Interval:    30 * time.Second,
		MaxFailures: 3,
	}
}

// KeepAliveStats is a snapshot of the echo counters.
type KeepAliveStats struct {
	RequestsSent uint64
	RepliesRecv  uint64
	Failures     int
	Latency      time.Duration
}

type keepAlive struct {
	lcp    *LCP
	config KeepAliveConfig

	running   bool
	pending   bool
	pendingID uint8
	sentAt    time.Time

	failures int
	sent     uint64
	received uint64
	latency  time.Duration
}

func newKeepAlive(l *LCP, config KeepAliveConfig) *keepAlive {
	def := DefaultKeepAliveConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	return &keepAlive{lcp: l, config: config}
}

// KeepAliveStats returns the echo counters.
func (l *LCP) KeepAliveStats() KeepAliveStats {
	k := l.keepAlive
	return KeepAliveStats{
		RequestsSent: k.sent,
		RepliesRecv:  k.received,
		Failures:     k.failures,
		Latency:      k.latency,
	}
}

func (k *keepAlive) start() {
	if !k.config.Enabled || k.running {
		return
	}
	k.running = true
	k.pending = false
	k.failures = 0
	k.lcp.addTimer(k, k.config.Interval, k.tick)

	k.lcp.logger.Debug("Keep-alive started",
		zap.Duration("interval", k.config.Interval),
		zap.Int("max_failures", k.config.MaxFailures),
	)
}

func (k *keepAlive) stop() {
	if !k.running {
		return
	}
	k.running = false
	k.pending = false
	k.lcp.delTimer(k)
}

func (k *keepAlive) tick() {
	if !k.running {
		return
	}

	if k.pending {
		k.failures++
		k.lcp.stack.Metrics().RecordEchoFailure(k.lcp.stack.ID())
		k.lcp.logger.Debug("Echo reply missing", zap.Int("failures", k.failures))

		if k.failures >= k.config.MaxFailures {
			k.running = false
			k.pending = false
			k.lcp.echoTimeout()
			return
		}
	}

	k.sendRequest()
	k.lcp.addTimer(k, k.config.Interval, k.tick)
}

func (k *keepAlive) sendRequest() {
	id := k.lcp.newID()
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, k.lcp.magic)
	k.lcp.sendProtocolPacket(CodeEchoRequest, id, data)

	k.pending = true
	k.pendingID = id
	k.sentAt = time.Now()
	k.sent++
}

func (k *keepAlive) onReply(id uint8, magic uint32) {
	if !k.pending || id != k.pendingID {
		k.lcp.logger.Debug("Unexpected echo reply",
			zap.Uint8("expected", k.pendingID),
			zap.Uint8("received", id),
		)
		return
	}
	if magic != 0 && magic == k.lcp.magic {
		k.lcp.flagLoopback()
		return
	}
	k.pending = false
	k.failures = 0
	k.received++
	k.latency = time.Since(k.sentAt)
}
