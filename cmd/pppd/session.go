package main

import (
	"context"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/pppstack/pkg/hdlc"
	"github.com/codelaboratoryltd/pppstack/pkg/layer"
	"github.com/codelaboratoryltd/pppstack/pkg/link"
	"github.com/codelaboratoryltd/pppstack/pkg/loop"
	"github.com/codelaboratoryltd/pppstack/pkg/metrics"
	"github.com/codelaboratoryltd/pppstack/pkg/netif"
	"github.com/codelaboratoryltd/pppstack/pkg/pool"
	"github.com/codelaboratoryltd/pppstack/pkg/ppp"
	"github.com/codelaboratoryltd/pppstack/pkg/serial"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// linkHandler feeds transport events into the framer and the link stack.
// It runs on the event loop.
type linkHandler struct {
	framer *hdlc.Framer
	stack  *link.Stack
}

func (h *linkHandler) LowerUp() {
	h.framer.Reset()
	h.stack.LowerUp()
}

func (h *linkHandler) LowerDown()          { h.stack.LowerDown() }
func (h *linkHandler) Receive(data []byte) { h.framer.Decode(data) }

// packetDevice is the host end of the IPv4 path, a netif.TUN in production.
type packetDevice interface {
	Write(pkt []byte) error
	ReadLoop(bufSize int, deliver func(pkt []byte)) error
	Close() error
}

// session is one PPP link from the transport up to the TUN device.
type session struct {
	lp     *loop.Loop
	port   *serial.Port
	framer *hdlc.Framer
	stack  *link.Stack
	lcp    *ppp.LCP
	ipcp   *ppp.IPCP
	v4     *ppp.IPv4

	pool     *pool.Pool
	tun      packetDevice
	readSize int
	platform netif.Platform
	netcfg   *netif.Configurator

	logger *zap.Logger
}

func newSession(o *options, lp *loop.Loop, alloc layer.Allocator, m *metrics.Metrics, logger *zap.Logger) (*session, error) {
	id := uuid.New().String()
	s := &session{
		lp:       lp,
		readSize: max(int(o.LCP.MRU), hdlc.DefaultMaxFrame),
		logger:   logger.With(zap.String("link", id)),
	}

	s.port = serial.New(serial.Config{
		Dialer:         o.Dialer,
		RedialInterval: o.Redial,
		ReadBufferSize: serial.DefaultConfig().ReadBufferSize,
		LinkID:         id,
	}, lp, logger)

	s.framer = hdlc.New(hdlc.Config{
		MaxFrame: max(hdlc.DefaultMaxFrame, int(o.LCP.MRU)+6),
		LinkID:   id,
		Metrics:  m,
	}, func(frame []byte) { s.stack.FrameIn(frame) }, logger)

	s.stack = link.NewStack(link.StackConfig{
		ID:        id,
		Allocator: alloc,
		Poster:    lp,
		Metrics:   m,
	}, s.port, s.framer, logger)
	s.stack.SetOnPhaseChange(func(from, to link.Phase) {
		s.logger.Info("Link phase changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	s.port.SetHandler(&linkHandler{framer: s.framer, stack: s.stack})

	env := ppp.Env{Timers: lp, Poster: lp, Logger: logger}

	var err error
	if s.lcp, err = ppp.NewLCP(s.stack, o.LCP, env); err != nil {
		return nil, fmt.Errorf("create LCP: %w", err)
	}

	ipcpCfg := o.IPCP
	if o.PeerPool != "" {
		var exclude []string
		if ipcpCfg.LocalAddress != nil {
			exclude = append(exclude, ipcpCfg.LocalAddress.String())
		}
		s.pool, err = pool.New(pool.Config{Network: o.PeerPool, Exclude: exclude, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("create peer pool: %w", err)
		}
		ipcpCfg.Pool = s.pool
	}
	if s.ipcp, err = ppp.NewIPCP(s.lcp, ipcpCfg, env); err != nil {
		return nil, fmt.Errorf("create IPCP: %w", err)
	}
	if s.v4, err = ppp.NewIPv4(s.ipcp, s.deliver, logger); err != nil {
		return nil, fmt.Errorf("create IPv4: %w", err)
	}

	if !o.NoTUN {
		if err := s.openInterface(o); err != nil {
			return nil, err
		}
	}
	s.ipcp.SetOnUp(s.networkUp)
	s.ipcp.SetOnDown(s.networkDown)
	return s, nil
}

func (s *session) openInterface(o *options) error {
	tun, err := netif.OpenTUN(o.TUNName, s.logger)
	if err != nil {
		return err
	}
	platform, err := netif.NewNetlinkPlatform()
	if err != nil {
		tun.Close()
		return err
	}
	s.tun = tun
	s.platform = platform
	s.netcfg = netif.NewConfigurator(netif.Config{
		Interface: tun.Name(),
		Routes:    o.Routes,
	}, platform, s.logger)
	return nil
}

// deliver writes an inbound packet to the host.
func (s *session) deliver(hdr *ipv4.Header, pkt []byte) {
	if s.tun == nil {
		return
	}
	if err := s.tun.Write(pkt); err != nil {
		s.logger.Debug("Failed to deliver packet", zap.Stringer("dst", hdr.Dst), zap.Error(err))
	}
}

func (s *session) networkUp(a ppp.IPCPAddresses) {
	s.logger.Info("Network layer up",
		zap.Stringer("local", a.Local),
		zap.Stringer("peer", a.Peer),
		zap.Stringer("dns1", a.PrimaryDNS),
		zap.Stringer("dns2", a.SecondaryDNS),
	)
	if s.netcfg == nil {
		return
	}
	mtu := int(s.lcp.Negotiated().PeerMRU)
	if err := s.netcfg.Up(a.Local, a.Peer, mtu); err != nil {
		s.logger.Error("Failed to configure interface", zap.Error(err))
	}
}

func (s *session) networkDown() {
	s.logger.Info("Network layer down")
	if s.netcfg == nil {
		return
	}
	if err := s.netcfg.Down(); err != nil {
		s.logger.Warn("Failed to deconfigure interface", zap.Error(err))
	}
}

// start opens the IPv4 layer, which opens IPCP, LCP and the transport.
func (s *session) start(ctx context.Context) error {
	var err error
	if doErr := s.lp.Do(ctx, func() { err = s.v4.Start() }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	if s.tun != nil {
		go func() {
			err := s.tun.ReadLoop(s.readSize, func(pkt []byte) {
				s.lp.Post(func() {
					if err := s.v4.Send(pkt); err != nil {
						s.logger.Debug("Dropped outbound packet", zap.Error(err))
					}
				})
			})
			if err != nil {
				s.logger.Error("TUN read loop failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// shutdown closes the IPv4 subscription and waits, up to timeout, for the
// link to reach the Dead phase before releasing the transport.
func (s *session) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.lp.Do(ctx, s.v4.Stop); err != nil {
		s.logger.Warn("Failed to stop IPv4", zap.Error(err))
	}

	if !s.waitDead(ctx) {
		s.logger.Warn("Link did not terminate in time", zap.Duration("timeout", timeout))
	}
	s.close()
}

func (s *session) waitDead(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var phase link.Phase
		if err := s.lp.Do(ctx, func() { phase = s.stack.Phase() }); err != nil {
			return false
		}
		if phase == link.PhaseDead {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// close releases the transport and the host interface.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.lp.Do(ctx, func() {
		if err := s.port.Close(); err != nil {
			s.logger.Warn("Failed to close transport", zap.Error(err))
		}
		if s.netcfg != nil {
			if err := s.netcfg.Down(); err != nil {
				s.logger.Warn("Failed to deconfigure interface", zap.Error(err))
			}
		}
	}); err != nil {
		s.logger.Warn("Event loop did not respond", zap.Error(err))
	}

	if s.tun != nil {
		s.tun.Close()
	}
	if s.platform != nil {
		s.platform.Close()
	}
}
