package fsm

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var allStates = []State{
	StateInitial, StateStarting, StateClosed, StateStopped, StateClosing,
	StateStopping, StateReqSent, StateAckRcvd, StateAckSent, StateOpened,
}

var allEvents = []Event{
	EventUp, EventDown, EventOpen, EventClose, EventTimeoutNonZero, EventTimeoutZero,
	EventRecvConfigReqGood, EventRecvConfigReqBad, EventRecvConfigAck, EventRecvConfigNakRej,
	EventRecvTermReq, EventRecvTermAck, EventRecvUnknownCode, EventRecvRejectGood,
	EventRecvRejectBad, EventRecvEchoOrDiscard,
}

type harness struct {
	a      *Automaton
	rec    *recorder
	timers *manualTimers
	logs   *observer.ObservedLogs
}

func newHarness(cfg Config) *harness {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		rec:    &recorder{hook: map[string]func(){}},
		timers: &manualTimers{},
		logs:   logs,
	}
	h.a = New("TEST", cfg, h.rec, h.timers, zap.New(core))
	return h
}

func testConfig() Config {
	return Config{RestartTimer: time.Second, MaxConfigure: 3, MaxTerminate: 2}
}

// driveTo walks a fresh automaton into s using only legal events, then
// clears the recorded actions.
func (h *harness) driveTo(s State) {
	a := h.a
	switch s {
	case StateInitial:
	case StateStarting:
		a.Open()
	case StateClosed:
		a.Up()
	case StateReqSent:
		a.Up()
		a.Open()
	case StateAckRcvd:
		h.driveTo(StateReqSent)
		a.Handle(EventRecvConfigAck)
	case StateAckSent:
		h.driveTo(StateReqSent)
		a.Handle(EventRecvConfigReqGood)
	case StateOpened:
		h.driveTo(StateAckRcvd)
		a.Handle(EventRecvConfigReqGood)
	case StateClosing:
		h.driveTo(StateReqSent)
		a.Close()
	case StateStopping:
		h.driveTo(StateOpened)
		a.Handle(EventRecvTermReq)
	case StateStopped:
		h.driveTo(StateStopping)
		a.Handle(EventRecvTermAck)
	}
	Expect(a.State()).To(Equal(s))
	h.rec.reset()
}

func (h *harness) expectTimerPaired() {
	Expect(h.a.TimerActive()).To(Equal(h.a.State().timed()),
		"timer active=%v in %s", h.a.TimerActive(), h.a.State())
	Expect(h.timers.armed()).To(Equal(h.a.TimerActive()))
}

var _ = Describe("Automaton", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(testConfig())
	})

	Describe("initial state", func() {
		It("should start in Initial with the timer idle", func() {
			Expect(h.a.State()).To(Equal(StateInitial))
			Expect(h.a.TimerActive()).To(BeFalse())
			Expect(h.a.RestartCount()).To(Equal(0))
		})

		It("should fill in defaults for zero config values", func() {
			a := New("X", Config{}, &recorder{}, &manualTimers{}, nil)
			Expect(a.Config().RestartTimer).To(Equal(3 * time.Second))
			Expect(a.Config().MaxConfigure).To(Equal(10))
			Expect(a.Config().MaxTerminate).To(Equal(2))
		})
	})

	Describe("negotiation scenarios", func() {
		It("should send a Configure-Request when the lower layer comes up", func() {
			h.a.Open()
			Expect(h.rec.calls).To(Equal([]string{"tls"}))
			h.rec.reset()

			h.a.Up()

			Expect(h.a.State()).To(Equal(StateReqSent))
			Expect(h.a.RestartCount()).To(Equal(3))
			Expect(h.rec.calls).To(Equal([]string{"scr"}))
			Expect(h.a.TimerActive()).To(BeTrue())
			Expect(h.timers.period).To(Equal(time.Second))
		})

		It("should reinitialise the counter on Configure-Ack without sending", func() {
			h.driveTo(StateReqSent)
			h.timers.fire()
			Expect(h.a.RestartCount()).To(Equal(2))
			h.rec.reset()

			h.a.Handle(EventRecvConfigAck)

			Expect(h.a.State()).To(Equal(StateAckRcvd))
			Expect(h.a.RestartCount()).To(Equal(3))
			Expect(h.a.TimerActive()).To(BeTrue())
			Expect(h.timers.armed()).To(BeTrue())
			Expect(h.rec.calls).To(BeEmpty())
		})

		It("should open on a good Configure-Request after our Ack", func() {
			h.driveTo(StateAckRcvd)

			h.a.Handle(EventRecvConfigReqGood)

			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.a.TimerActive()).To(BeFalse())
			Expect(h.timers.armed()).To(BeFalse())
			Expect(h.rec.count("sca")).To(Equal(1))
			Expect(h.rec.count("tlu")).To(Equal(1))
			Expect(h.rec.calls).To(Equal([]string{"sca", "tlu"}))
		})

		It("should bring the layer down before sending Terminate-Request on close", func() {
			h.driveTo(StateOpened)

			h.a.Close()

			Expect(h.a.State()).To(Equal(StateClosing))
			Expect(h.a.RestartCount()).To(Equal(2))
			Expect(h.rec.calls).To(Equal([]string{"tld", "str"}))
			Expect(h.a.TimerActive()).To(BeTrue())
		})

		It("should open through Ack-Sent when the peer requests first", func() {
			h.driveTo(StateReqSent)

			h.a.Handle(EventRecvConfigReqGood)
			Expect(h.a.State()).To(Equal(StateAckSent))
			h.a.Handle(EventRecvConfigAck)

			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.rec.calls).To(Equal([]string{"sca", "tlu"}))
			h.expectTimerPaired()
		})
	})

	DescribeTable("transitions",
		func(from State, ev Event, to State, actions []string) {
			h.driveTo(from)
			h.a.Handle(ev)
			Expect(h.a.State()).To(Equal(to))
			if len(actions) == 0 {
				Expect(h.rec.calls).To(BeEmpty())
			} else {
				Expect(h.rec.calls).To(Equal(actions))
			}
			h.expectTimerPaired()
		},
		Entry("Initial Up", StateInitial, EventUp, StateClosed, nil),
		Entry("Initial Open", StateInitial, EventOpen, StateStarting, []string{"tls"}),
		Entry("Initial Close", StateInitial, EventClose, StateInitial, nil),
		Entry("Starting Close", StateStarting, EventClose, StateInitial, []string{"tlf:Closed"}),
		Entry("Starting Open", StateStarting, EventOpen, StateStarting, nil),
		Entry("Closed Down", StateClosed, EventDown, StateInitial, nil),
		Entry("Closed Open", StateClosed, EventOpen, StateReqSent, []string{"scr"}),
		Entry("Closed RCR+", StateClosed, EventRecvConfigReqGood, StateClosed, []string{"sta"}),
		Entry("Closed RCA", StateClosed, EventRecvConfigAck, StateClosed, []string{"sta"}),
		Entry("Closed RTR", StateClosed, EventRecvTermReq, StateClosed, []string{"sta"}),
		Entry("Closed RUC", StateClosed, EventRecvUnknownCode, StateClosed, []string{"scj"}),
		Entry("Closed RXJ-", StateClosed, EventRecvRejectBad, StateClosed, []string{"tlf:Rejected"}),
		Entry("Stopped Down", StateStopped, EventDown, StateStarting, []string{"tls"}),
		Entry("Stopped Close", StateStopped, EventClose, StateClosed, nil),
		Entry("Stopped RCR+", StateStopped, EventRecvConfigReqGood, StateAckSent, []string{"scr", "sca"}),
		Entry("Stopped RCR-", StateStopped, EventRecvConfigReqBad, StateReqSent, []string{"scr", "scn"}),
		Entry("Stopped RTR", StateStopped, EventRecvTermReq, StateStopped, []string{"sta"}),
		Entry("Closing Down", StateClosing, EventDown, StateInitial, []string{"tlf:Closed"}),
		Entry("Closing Open", StateClosing, EventOpen, StateStopping, nil),
		Entry("Closing TO+", StateClosing, EventTimeoutNonZero, StateClosing, []string{"str"}),
		Entry("Closing TO-", StateClosing, EventTimeoutZero, StateClosed, []string{"tlf:Timeout"}),
		Entry("Closing RTR", StateClosing, EventRecvTermReq, StateClosing, []string{"sta"}),
		Entry("Closing RTA", StateClosing, EventRecvTermAck, StateClosed, []string{"tlf:Closed"}),
		Entry("Closing RCR+", StateClosing, EventRecvConfigReqGood, StateClosing, nil),
		Entry("Stopping Down", StateStopping, EventDown, StateStarting, nil),
		Entry("Stopping Close", StateStopping, EventClose, StateClosing, nil),
		Entry("Stopping TO-", StateStopping, EventTimeoutZero, StateStopped, []string{"tlf:Timeout"}),
		Entry("Stopping RTA", StateStopping, EventRecvTermAck, StateStopped, []string{"tlf:Terminated"}),
		Entry("Stopping RXJ-", StateStopping, EventRecvRejectBad, StateStopped, []string{"tlf:Rejected"}),
		Entry("Req-Sent Down", StateReqSent, EventDown, StateStarting, nil),
		Entry("Req-Sent Close", StateReqSent, EventClose, StateClosing, []string{"str"}),
		Entry("Req-Sent TO+", StateReqSent, EventTimeoutNonZero, StateReqSent, []string{"scr"}),
		Entry("Req-Sent TO-", StateReqSent, EventTimeoutZero, StateStopped, []string{"tlf:Timeout"}),
		Entry("Req-Sent RCR+", StateReqSent, EventRecvConfigReqGood, StateAckSent, []string{"sca"}),
		Entry("Req-Sent RCR-", StateReqSent, EventRecvConfigReqBad, StateReqSent, []string{"scn"}),
		Entry("Req-Sent RCA", StateReqSent, EventRecvConfigAck, StateAckRcvd, nil),
		Entry("Req-Sent RCN", StateReqSent, EventRecvConfigNakRej, StateReqSent, []string{"scr"}),
		Entry("Req-Sent RTR", StateReqSent, EventRecvTermReq, StateReqSent, []string{"sta"}),
		Entry("Req-Sent RXJ-", StateReqSent, EventRecvRejectBad, StateStopped, []string{"tlf:Rejected"}),
		Entry("Ack-Rcvd TO+", StateAckRcvd, EventTimeoutNonZero, StateReqSent, []string{"scr"}),
		Entry("Ack-Rcvd RCR+", StateAckRcvd, EventRecvConfigReqGood, StateOpened, []string{"sca", "tlu"}),
		Entry("Ack-Rcvd RCR-", StateAckRcvd, EventRecvConfigReqBad, StateAckRcvd, []string{"scn"}),
		Entry("Ack-Rcvd RCA", StateAckRcvd, EventRecvConfigAck, StateReqSent, []string{"scr"}),
		Entry("Ack-Rcvd RTR", StateAckRcvd, EventRecvTermReq, StateReqSent, []string{"sta"}),
		Entry("Ack-Rcvd RXJ+", StateAckRcvd, EventRecvRejectGood, StateReqSent, nil),
		Entry("Ack-Sent RCR+", StateAckSent, EventRecvConfigReqGood, StateAckSent, []string{"sca"}),
		Entry("Ack-Sent RCR-", StateAckSent, EventRecvConfigReqBad, StateReqSent, []string{"scn"}),
		Entry("Ack-Sent RCA", StateAckSent, EventRecvConfigAck, StateOpened, []string{"tlu"}),
		Entry("Ack-Sent RCN", StateAckSent, EventRecvConfigNakRej, StateAckSent, []string{"scr"}),
		Entry("Ack-Sent RTR", StateAckSent, EventRecvTermReq, StateReqSent, []string{"sta"}),
		Entry("Opened Down", StateOpened, EventDown, StateStarting, []string{"tld"}),
		Entry("Opened Open", StateOpened, EventOpen, StateOpened, nil),
		Entry("Opened RCR+", StateOpened, EventRecvConfigReqGood, StateAckSent, []string{"tld", "scr", "sca"}),
		Entry("Opened RCR-", StateOpened, EventRecvConfigReqBad, StateReqSent, []string{"tld", "scr", "scn"}),
		Entry("Opened RCA", StateOpened, EventRecvConfigAck, StateReqSent, []string{"tld", "scr"}),
		Entry("Opened RCN", StateOpened, EventRecvConfigNakRej, StateReqSent, []string{"tld", "scr"}),
		Entry("Opened RTR", StateOpened, EventRecvTermReq, StateStopping, []string{"tld", "sta"}),
		Entry("Opened RTA", StateOpened, EventRecvTermAck, StateReqSent, []string{"tld", "scr"}),
		Entry("Opened RUC", StateOpened, EventRecvUnknownCode, StateOpened, []string{"scj"}),
		Entry("Opened RXJ+", StateOpened, EventRecvRejectGood, StateOpened, nil),
		Entry("Opened RXJ-", StateOpened, EventRecvRejectBad, StateStopping, []string{"tld", "str"}),
		Entry("Opened RXR", StateOpened, EventRecvEchoOrDiscard, StateOpened, []string{"ser"}),
	)

	Describe("timer pairing", func() {
		It("should hold for every state and event", func() {
			for _, s := range allStates {
				for _, ev := range allEvents {
					h = newHarness(testConfig())
					h.driveTo(s)
					h.a.Handle(ev)
					h.expectTimerPaired()

					unreachable := (ev == EventUp && s != StateInitial && s != StateStarting) ||
						(ev == EventDown && (s == StateInitial || s == StateStarting))
					if unreachable {
						Expect(h.a.Violations()).To(Equal(1), "%s in %s", ev, s)
						Expect(h.a.State()).To(Equal(s))
					} else {
						Expect(h.a.Violations()).To(BeZero(), "%s in %s", ev, s)
					}
				}
			}
		})

		It("should re-arm rather than stack timers", func() {
			h.driveTo(StateReqSent)
			adds, dels := h.timers.adds, h.timers.dels

			h.a.Handle(EventRecvConfigNakRej)

			Expect(h.timers.adds).To(Equal(adds + 1))
			Expect(h.timers.dels).To(Equal(dels + 1))
			h.expectTimerPaired()
		})

		It("should ignore a fire that was cancelled", func() {
			h.driveTo(StateReqSent)
			stale := h.timers.fn

			h.a.Handle(EventRecvConfigAck)
			h.a.Handle(EventRecvConfigReqGood)
			Expect(h.a.State()).To(Equal(StateOpened))
			h.rec.reset()

			stale()

			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.rec.calls).To(BeEmpty())
		})
	})

	Describe("restart counter", func() {
		It("should give up on the fire after the counter reaches zero", func() {
			var timeouts []Event
			h.a.SetOnTimeout(func(ev Event) { timeouts = append(timeouts, ev) })
			h.a.Open()
			h.a.Up()

			var counts []int
			for h.a.State() == StateReqSent {
				counts = append(counts, h.a.RestartCount())
				h.timers.fire()
			}

			Expect(counts).To(Equal([]int{3, 2, 1, 0}))
			Expect(h.rec.count("scr")).To(Equal(4))
			Expect(timeouts).To(Equal([]Event{
				EventTimeoutNonZero, EventTimeoutNonZero, EventTimeoutNonZero, EventTimeoutZero,
			}))
			Expect(h.a.State()).To(Equal(StateStopped))
			Expect(h.rec.calls[len(h.rec.calls)-1]).To(Equal("tlf:Timeout"))
			h.expectTimerPaired()
		})

		It("should retransmit MaxTerminate times when closing", func() {
			h.driveTo(StateOpened)
			h.a.Close()

			for rangeIter := 0; rangeIter < 2; rangeIter++ {
				h.timers.fire()
				Expect(h.a.State()).To(Equal(StateClosing))
			}
			Expect(h.a.RestartCount()).To(BeZero())
			h.timers.fire()

			Expect(h.a.State()).To(Equal(StateClosed))
			Expect(h.rec.calls).To(Equal([]string{"tld", "str", "str", "str", "tlf:Timeout"}))
			h.expectTimerPaired()
		})

		It("should time out of Stopping after a single fire", func() {
			h.driveTo(StateStopping)
			Expect(h.a.RestartCount()).To(Equal(0))

			h.timers.fire()

			Expect(h.a.State()).To(Equal(StateStopped))
			Expect(h.rec.calls).To(Equal([]string{"tlf:Timeout"}))
		})
	})

	Describe("no-negotiation mode", func() {
		BeforeEach(func() {
			cfg := testConfig()
			cfg.NoConfig = true
			h = newHarness(cfg)
		})

		It("should open directly when the lower layer comes up", func() {
			h.a.Open()
			h.a.Up()

			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.rec.calls).To(Equal([]string{"tls", "tlu"}))
			h.expectTimerPaired()
		})

		It("should open directly from Closed", func() {
			h.a.Up()
			h.a.Open()
			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.rec.calls).To(Equal([]string{"tlu"}))
		})

		It("should finish without Terminate-Request on close", func() {
			h.a.Open()
			h.a.Up()
			h.rec.reset()

			h.a.Close()

			Expect(h.a.State()).To(Equal(StateClosed))
			Expect(h.rec.calls).To(Equal([]string{"tld", "tlf:Closed"}))
		})
	})

	Describe("reset option", func() {
		BeforeEach(func() {
			cfg := testConfig()
			cfg.EnableReset = true
			h = newHarness(cfg)
		})

		It("should renegotiate from Opened without restarting the lower layer", func() {
			h.driveTo(StateOpened)

			h.a.Open()

			Expect(h.a.State()).To(Equal(StateReqSent))
			Expect(h.rec.calls).To(Equal([]string{"tld", "scr"}))
			Expect(h.a.RestartCount()).To(Equal(3))
			h.expectTimerPaired()
		})

		It("should suppress tls when restarting from Stopped", func() {
			h.driveTo(StateStopped)

			h.a.Open()

			Expect(h.a.State()).To(Equal(StateReqSent))
			Expect(h.rec.calls).To(Equal([]string{"scr"}))
		})

		It("should renegotiate from Closing through Stopping", func() {
			h.driveTo(StateClosing)
			var path []State
			h.a.SetOnStateChange(func(_, to State) { path = append(path, to) })

			h.a.Open()

			Expect(path).To(Equal([]State{StateStopping, StateStarting, StateReqSent}))
			Expect(h.rec.calls).To(Equal([]string{"scr"}))
		})

		It("should not reset from states outside the reset set", func() {
			h.driveTo(StateReqSent)
			h.a.Open()
			Expect(h.a.State()).To(Equal(StateReqSent))
			Expect(h.rec.calls).To(BeEmpty())
		})

		It("should leave Opened alone when reset is disabled", func() {
			h = newHarness(testConfig())
			h.driveTo(StateOpened)
			h.a.Open()
			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.rec.calls).To(BeEmpty())
		})
	})

	Describe("re-entrant events", func() {
		It("should queue events raised by actions until the current one completes", func() {
			var stateInHook State
			h.rec.hook["tlu"] = func() {
				stateInHook = h.a.State()
				h.a.Close()
				Expect(h.a.State()).To(Equal(StateOpened), "close must not run inside tlu")
			}
			h.driveTo(StateAckRcvd)

			h.a.Handle(EventRecvConfigReqGood)

			Expect(stateInHook).To(Equal(StateOpened))
			Expect(h.a.State()).To(Equal(StateClosing))
			Expect(h.rec.calls).To(Equal([]string{"sca", "tlu", "tld", "str"}))
			h.expectTimerPaired()
		})
	})

	Describe("invariant violations", func() {
		It("should report Up while already up", func() {
			var reported []string
			h.a.SetOnViolation(func(msg string) { reported = append(reported, msg) })
			h.driveTo(StateOpened)

			h.a.Up()

			Expect(h.a.State()).To(Equal(StateOpened))
			Expect(h.a.Violations()).To(Equal(1))
			Expect(reported).To(HaveLen(1))
			entries := h.logs.FilterMessage("event not possible in state").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Level).To(Equal(zapcore.DPanicLevel))
		})

		It("should report Down in Initial", func() {
			h.a.Down()
			Expect(h.a.Violations()).To(Equal(1))
			Expect(h.a.State()).To(Equal(StateInitial))
		})
	})

	Describe("state change callback", func() {
		It("should report every transition once", func() {
			var changes [][2]State
			h.a.SetOnStateChange(func(from, to State) {
				changes = append(changes, [2]State{from, to})
			})

			h.a.Open()
			h.a.Up()

			Expect(changes).To(Equal([][2]State{
				{StateInitial, StateStarting},
				{StateStarting, StateReqSent},
			}))
		})
	})

	Describe("String", func() {
		It("should name states, events and reasons", func() {
			Expect(StateReqSent.String()).To(Equal("Req-Sent"))
			Expect(State(99).String()).To(Equal("Unknown"))
			Expect(EventRecvRejectBad.String()).To(Equal("RXJ-"))
			Expect(FinishTimeout.String()).To(Equal("Timeout"))
		})
	})
})
