package ppp_test

import (
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/codelaboratoryltd/pppstack/pkg/fsm"
	"github.com/codelaboratoryltd/pppstack/pkg/link"
	"github.com/codelaboratoryltd/pppstack/pkg/ppp"
)

type fakePool struct {
	addr     net.IP
	released []string
}

func (p *fakePool) Allocate(linkID string) net.IP { return p.addr }
func (p *fakePool) Release(linkID string)         { p.released = append(p.released, linkID) }

func ipOpt(t uint8, addr string) ppp.Option {
	return ppp.Option{Type: t, Data: net.ParseIP(addr).To4()}
}

// ipPacket builds a minimal IPv4 packet with n payload bytes.
func ipPacket(dst string, n int) []byte {
	hdr := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + n,
		TTL:      64,
		Protocol: 17,
		Src:      net.ParseIP("10.0.0.2"),
		Dst:      net.ParseIP(dst),
	}
	b, err := hdr.Marshal()
	Expect(err).NotTo(HaveOccurred())
	return append(b, make([]byte, n)...)
}

var _ = Describe("IPCP", func() {
	var (
		h       *harness
		lcp     *ppp.LCP
		ipcp    *ppp.IPCP
		v4      *ppp.IPv4
		config  ppp.IPCPConfig
		inbound [][]byte
	)

	BeforeEach(func() {
		h = newHarness()
		lcpConfig := ppp.DefaultLCPConfig()
		lcpConfig.MagicNumber = localMagic
		lcpConfig.FSM.MaxConfigure = 3

		var err error
		lcp, err = ppp.NewLCP(h.stack, lcpConfig, h.env)
		Expect(err).NotTo(HaveOccurred())

		config = ppp.DefaultIPCPConfig()
		config.LocalAddress = net.ParseIP("10.0.0.1")
		inbound = nil
	})

	create := func() {
		var err error
		ipcp, err = ppp.NewIPCP(lcp, config, h.env)
		Expect(err).NotTo(HaveOccurred())
		v4, err = ppp.NewIPv4(ipcp, func(hdr *ipv4.Header, pkt []byte) {
			inbound = append(inbound, append([]byte(nil), pkt...))
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	}

	// startNetwork opens LCP and returns our first IPCP Configure-Request.
	startNetwork := func() *ppp.Packet {
		Expect(v4.Start()).To(Succeed())
		h.lowerUp()
		frames := openLCP(h, lcp)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0].proto).To(Equal(link.ProtocolIPCP))
		Expect(frames[0].pkt.Code).To(Equal(uint8(ppp.CodeConfigRequest)))
		return frames[0].pkt
	}

	// openIPCP completes IPCP with a peer asking for peerAddr.
	openIPCP := func(req *ppp.Packet, peerAddr string) {
		h.inject(link.ProtocolIPCP, ppp.CodeConfigAck, req.Identifier, req.Data)
		h.inject(link.ProtocolIPCP, ppp.CodeConfigRequest, 1, options(ipOpt(ppp.IPCPOptIPAddress, peerAddr)))
		h.takeOne(link.ProtocolIPCP, ppp.CodeConfigAck)
		Expect(ipcp.IsOpened()).To(BeTrue())
	}

	Describe("Construction", func() {
		It("should require LCP", func() {
			_, err := ppp.NewIPCP(nil, config, h.env)
			Expect(err).To(MatchError(ppp.ErrNoLCP))
		})

		It("should host only one IPv4 layer", func() {
			create()
			_, err := ppp.NewIPv4(ipcp, nil, nil)
			Expect(err).To(MatchError(ppp.ErrAttachRefused))
		})

		It("should refuse a second IPCP on the link", func() {
			create()
			_, err := ppp.NewIPCP(lcp, config, h.env)
			Expect(err).To(MatchError(ppp.ErrAttachRefused))
		})
	})

	Describe("Bring-up", func() {
		BeforeEach(create)

		It("should open LCP on behalf of IPv4", func() {
			Expect(v4.Start()).To(Succeed())
			Expect(ipcp.State()).To(Equal(fsm.StateStarting))
			Expect(lcp.State()).To(Equal(fsm.StateStarting))
			Expect(lcp.OpenCount()).To(Equal(1))
			Expect(h.wire.opens).To(Equal(1))
		})

		It("should request our address once the link reaches Network", func() {
			req := startNetwork()
			Expect(req.Data).To(Equal(options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.1"))))
			Expect(ipcp.State()).To(Equal(fsm.StateReqSent))
		})

		It("should reach Opened and report the addresses", func() {
			var got ppp.IPCPAddresses
			ipcp.SetOnUp(func(a ppp.IPCPAddresses) { got = a })

			openIPCP(startNetwork(), "10.0.0.2")
			Expect(v4.IsUp()).To(BeTrue())
			Expect(got.Local.Equal(net.ParseIP("10.0.0.1"))).To(BeTrue())
			Expect(got.Peer.Equal(net.ParseIP("10.0.0.2"))).To(BeTrue())
			Expect(ipcp.Addresses()).To(Equal(got))
		})

		It("should take IPv4 down with the link", func() {
			downs := 0
			ipcp.SetOnDown(func() { downs++ })
			openIPCP(startNetwork(), "10.0.0.2")

			h.lowerDown()
			Expect(ipcp.State()).To(Equal(fsm.StateStarting))
			Expect(v4.IsUp()).To(BeFalse())
			Expect(downs).To(Equal(1))
		})
	})

	Describe("Negotiation", func() {
		It("should nak a peer asking for another address than assigned", func() {
			config.PeerAddress = net.ParseIP("10.0.0.2")
			create()
			startNetwork()

			h.inject(link.ProtocolIPCP, ppp.CodeConfigRequest, 4, options(ipOpt(ppp.IPCPOptIPAddress, "0.0.0.0")))
			nak := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigNak)
			Expect(nak.Identifier).To(Equal(uint8(4)))
			Expect(nak.Data).To(Equal(options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.2"))))
		})

		It("should assign peer addresses from the pool", func() {
			pool := &fakePool{addr: net.ParseIP("10.0.0.9")}
			config.Pool = pool
			create()
			req := startNetwork()

			h.inject(link.ProtocolIPCP, ppp.CodeConfigRequest, 4, options(ipOpt(ppp.IPCPOptIPAddress, "0.0.0.0")))
			nak := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigNak)
			Expect(nak.Data).To(Equal(options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.9"))))

			openIPCP(req, "10.0.0.9")
			Expect(ipcp.Addresses().Peer.Equal(net.ParseIP("10.0.0.9"))).To(BeTrue())

			v4.Stop()
			h.takeOne(link.ProtocolIPCP, ppp.CodeTermRequest)
			h.inject(link.ProtocolIPCP, ppp.CodeTermAck, 0, nil)
			Expect(pool.released).To(Equal([]string{"test-link"}))
		})

		It("should reject IP compression and nothing else", func() {
			create()
			startNetwork()

			vj := ppp.Option{Type: ppp.IPCPOptIPCompression, Data: []byte{0x00, 0x2D, 0x0F, 0x01}}
			h.inject(link.ProtocolIPCP, ppp.CodeConfigRequest, 4, options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.2"), vj))
			rej := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigReject)
			Expect(rej.Data).To(Equal(options(vj)))
		})

		It("should offer configured DNS servers", func() {
			config.PrimaryDNS = net.ParseIP("1.1.1.1")
			create()
			startNetwork()

			h.inject(link.ProtocolIPCP, ppp.CodeConfigRequest, 4, options(ipOpt(ppp.IPCPOptPrimaryDNS, "0.0.0.0")))
			nak := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigNak)
			Expect(nak.Data).To(Equal(options(ipOpt(ppp.IPCPOptPrimaryDNS, "1.1.1.1"))))
		})

		It("should adopt the address the peer naks us", func() {
			config.LocalAddress = net.IPv4zero
			create()
			req := startNetwork()
			Expect(req.Data).To(Equal(options(ipOpt(ppp.IPCPOptIPAddress, "0.0.0.0"))))

			h.inject(link.ProtocolIPCP, ppp.CodeConfigNak, req.Identifier, options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.7")))
			next := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigRequest)
			Expect(next.Data).To(Equal(options(ipOpt(ppp.IPCPOptIPAddress, "10.0.0.7"))))

			openIPCP(next, "10.0.0.2")
			Expect(ipcp.Addresses().Local.Equal(net.ParseIP("10.0.0.7"))).To(BeTrue())
		})

		It("should ask for DNS servers and record them", func() {
			config.LocalAddress = nil
			config.RequestDNS = true
			create()
			req := startNetwork()
			Expect(req.Data).To(Equal(options(
				ipOpt(ppp.IPCPOptPrimaryDNS, "0.0.0.0"),
				ipOpt(ppp.IPCPOptSecondaryDNS, "0.0.0.0"),
			)))

			h.inject(link.ProtocolIPCP, ppp.CodeConfigNak, req.Identifier, options(
				ipOpt(ppp.IPCPOptPrimaryDNS, "8.8.8.8"),
				ipOpt(ppp.IPCPOptSecondaryDNS, "8.8.4.4"),
			))
			next := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigRequest)
			openIPCP(next, "10.0.0.2")

			Expect(ipcp.Addresses().PrimaryDNS.Equal(net.ParseIP("8.8.8.8"))).To(BeTrue())
			Expect(ipcp.Addresses().SecondaryDNS.Equal(net.ParseIP("8.8.4.4"))).To(BeTrue())
		})

		It("should stop asking for DNS once the peer rejects it", func() {
			config.LocalAddress = nil
			config.RequestDNS = true
			create()
			req := startNetwork()

			h.inject(link.ProtocolIPCP, ppp.CodeConfigReject, req.Identifier, options(ipOpt(ppp.IPCPOptSecondaryDNS, "0.0.0.0")))
			next := h.takeOne(link.ProtocolIPCP, ppp.CodeConfigRequest)
			Expect(next.Data).To(Equal(options(ipOpt(ppp.IPCPOptPrimaryDNS, "0.0.0.0"))))
		})
	})

	Describe("IPv4 data path", func() {
		BeforeEach(create)

		It("should refuse to send before IPCP opens", func() {
			Expect(v4.Send(ipPacket("10.0.0.2", 4))).To(MatchError(ppp.ErrNotOpen))
		})

		It("should drop inbound packets until IPCP opens", func() {
			startNetwork()
			h.injectRaw(link.ProtocolIP, ipPacket("10.0.0.1", 4))
			Expect(inbound).To(BeEmpty())
		})

		Context("when open", func() {
			BeforeEach(func() {
				openIPCP(startNetwork(), "10.0.0.2")
			})

			It("should deliver inbound packets to the sink", func() {
				pkt := ipPacket("10.0.0.1", 4)
				h.injectRaw(link.ProtocolIP, pkt)
				Expect(inbound).To(Equal([][]byte{pkt}))
			})

			It("should trim link padding", func() {
				pkt := ipPacket("10.0.0.1", 4)
				h.injectRaw(link.ProtocolIP, append(append([]byte(nil), pkt...), 0, 0, 0))
				Expect(inbound).To(Equal([][]byte{pkt}))
			})

			It("should drop packets with a bad header", func() {
				h.injectRaw(link.ProtocolIP, []byte{0x45, 0x00, 0x00})
				pkt := ipPacket("10.0.0.1", 4)
				pkt[0] = 0x65
				h.injectRaw(link.ProtocolIP, pkt)
				Expect(inbound).To(BeEmpty())
			})

			It("should send packets as IPv4 frames", func() {
				pkt := ipPacket("10.0.0.2", 8)
				Expect(v4.Send(pkt)).To(Succeed())
				frames := h.take()
				Expect(frames).To(HaveLen(1))
				Expect(frames[0].proto).To(Equal(link.ProtocolIP))
				Expect(frames[0].raw).To(Equal(pkt))
			})

			It("should fail sends once the transport is gone", func() {
				h.wire.connected = false
				Expect(v4.Send(ipPacket("10.0.0.2", 8))).To(MatchError(link.ErrNotConnected))
			})
		})
	})

	Describe("LCP timeout", func() {
		BeforeEach(create)

		It("should release LCP and report the timeout upward", func() {
			Expect(v4.Start()).To(Succeed())
			h.lowerUp()
			for rangeIter := 0; rangeIter < 4; rangeIter++ {
				h.takeOne(link.ProtocolLCP, ppp.CodeConfigRequest)
				h.timers.fire(lcp.Automaton())
			}

			Expect(lcp.OpenCount()).To(BeZero())
			Expect(lcp.State()).To(Equal(fsm.StateClosed))
			Expect(v4.Timeouts()).To(Equal(1))
			Expect(ipcp.State()).To(Equal(fsm.StateStarting))
			Expect(h.stack.Phase()).To(Equal(link.PhaseDead))
		})
	})
})
