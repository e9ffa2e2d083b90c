// Package fsm implements the option negotiation automaton of RFC 1661
// section 4. One engine serves LCP and every network control protocol; the
// protocol supplies the packets through Actions.
package fsm

import (
	"go.uber.org/zap"
)

type queued struct {
	ev    Event
	reset bool
}

// Automaton is one instance of the RFC 1661 state machine.
//
// It is not safe for concurrent use. Every event, including timer expiry,
// must be delivered on the same goroutine. Events raised while another is
// being handled are queued and run in order once it completes.
type Automaton struct {
	name    string
	state   State
	config  Config
	actions Actions
	timers  TimerService

	restartCount int
	timerActive  bool
	timerExpired bool
	armPending   bool

	queue   []queued
	running bool
	cur     queued

	violations int

	onStateChange func(oldState, newState State)
	onTimeout     func(ev Event)
	onViolation   func(msg string)

	logger *zap.Logger
}

// New creates an automaton in the Initial state.
func New(name string, config Config, actions Actions, timers TimerService, logger *zap.Logger) *Automaton {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.RestartTimer <= 0 {
		config.RestartTimer = def.RestartTimer
	}
	if config.MaxConfigure <= 0 {
		config.MaxConfigure = def.MaxConfigure
	}
	if config.MaxTerminate <= 0 {
		config.MaxTerminate = def.MaxTerminate
	}
	return &Automaton{
		name:    name,
		state:   StateInitial,
		config:  config,
		actions: actions,
		timers:  timers,
		logger:  logger.With(zap.String("protocol", name)),
	}
}

// State returns the current state.
func (a *Automaton) State() State { return a.state }

// RestartCount returns the restart counter.
func (a *Automaton) RestartCount() int { return a.restartCount }

// TimerActive reports whether the restart timer is armed.
func (a *Automaton) TimerActive() bool { return a.timerActive }

// Violations returns the number of invariant violations seen.
func (a *Automaton) Violations() int { return a.violations }

// Config returns the automaton configuration.
func (a *Automaton) Config() Config { return a.config }

// SetOnStateChange sets a callback for state changes
func (a *Automaton) SetOnStateChange(fn func(oldState, newState State)) {
	a.onStateChange = fn
}

// SetOnTimeout sets a callback run when the restart timer expires, with
// EventTimeoutNonZero or EventTimeoutZero.
func (a *Automaton) SetOnTimeout(fn func(ev Event)) {
	a.onTimeout = fn
}

// SetOnViolation sets a callback for invariant violations.
func (a *Automaton) SetOnViolation(fn func(msg string)) {
	a.onViolation = fn
}

// Up signals that the lower layer is ready.
func (a *Automaton) Up() { a.Handle(EventUp) }

// Down signals that the lower layer went away.
func (a *Automaton) Down() { a.Handle(EventDown) }

// Open is the administrative open.
func (a *Automaton) Open() { a.Handle(EventOpen) }

// Close is the administrative close.
func (a *Automaton) Close() { a.Handle(EventClose) }

// Handle delivers ev. If the automaton is already handling an event, ev runs
// after it and anything queued before it.
func (a *Automaton) Handle(ev Event) {
	a.enqueue(queued{ev: ev})
}

func (a *Automaton) enqueue(q queued) {
	a.queue = append(a.queue, q)
	if a.running {
		return
	}
	a.running = true
	defer func() { a.running = false }()

	for len(a.queue) > 0 {
		next := a.queue[0]
		a.queue = a.queue[1:]
		a.dispatch(next)
	}
}

func (a *Automaton) dispatch(q queued) {
	a.checkTimer(q.ev)

	a.cur = q
	a.armPending = false
	from := a.state

	a.logger.Debug("Automaton event",
		zap.String("state", from.String()),
		zap.String("event", q.ev.String()),
		zap.Bool("reset", q.reset),
	)

	switch a.state {
	case StateInitial:
		a.inInitial(q.ev)
	case StateStarting:
		a.inStarting(q.ev)
	case StateClosed:
		a.inClosed(q.ev)
	case StateStopped:
		a.inStopped(q.ev)
	case StateClosing:
		a.inClosing(q.ev)
	case StateStopping:
		a.inStopping(q.ev)
	case StateReqSent:
		a.inReqSent(q.ev)
	case StateAckRcvd:
		a.inAckRcvd(q.ev)
	case StateAckSent:
		a.inAckSent(q.ev)
	case StateOpened:
		a.inOpened(q.ev)
	}

	a.settleTimer()
	a.cur = queued{}

	if q.ev == EventOpen && a.config.EnableReset && !q.reset {
		switch from {
		case StateStopped, StateClosing, StateStopping, StateOpened:
			a.logger.Debug("Restarting negotiation")
			a.queue = append(a.queue, queued{ev: EventDown, reset: true}, queued{ev: EventUp, reset: true})
		}
	}
}

// checkTimer asserts that the timer runs exactly in the timed states.
func (a *Automaton) checkTimer(ev Event) {
	if a.timerActive != a.state.timed() {
		a.violation("restart timer out of step with state",
			zap.String("event", ev.String()),
			zap.Bool("timer_active", a.timerActive),
		)
	}
}

func (a *Automaton) violation(msg string, fields ...zap.Field) {
	a.violations++
	fields = append(fields, zap.String("state", a.state.String()))
	a.logger.DPanic(msg, fields...)
	if a.onViolation != nil {
		a.onViolation(msg)
	}
}

func (a *Automaton) unexpected(ev Event) {
	a.violation("event not possible in state", zap.String("event", ev.String()))
}

func (a *Automaton) ignore(ev Event) {
	a.logger.Debug("Ignoring event", zap.String("state", a.state.String()), zap.String("event", ev.String()))
}

func (a *Automaton) setState(s State) {
	old := a.state
	if old == s {
		return
	}
	a.state = s
	a.logger.Debug("Automaton state change",
		zap.String("from", old.String()),
		zap.String("to", s.String()),
	)
	if a.onStateChange != nil {
		a.onStateChange(old, s)
	}
}

// --- Restart timer ---

func (a *Automaton) settleTimer() {
	if a.state.timed() {
		if a.armPending || a.timerExpired || !a.timerActive {
			a.armTimer()
		}
		return
	}
	if a.timerActive {
		a.disarmTimer()
	}
}

func (a *Automaton) armTimer() {
	if a.timerActive {
		a.timers.DelTimer(a)
	}
	a.timerActive = true
	a.timerExpired = false
	a.timers.AddTimer(a, a.config.RestartTimer, a.onTimer)
}

func (a *Automaton) disarmTimer() {
	a.timers.DelTimer(a)
	a.timerActive = false
	a.timerExpired = false
}

func (a *Automaton) onTimer() {
	if !a.timerActive || a.timerExpired || !a.state.timed() {
		return
	}
	a.timerExpired = true
	ev := EventTimeoutZero
	if a.restartCount > 0 {
		a.restartCount--
		ev = EventTimeoutNonZero
	}
	if a.onTimeout != nil {
		a.onTimeout(ev)
	}
	a.Handle(ev)
}

// --- Actions ---

func (a *Automaton) tlu() { a.actions.ThisLayerUp() }
func (a *Automaton) tld() { a.actions.ThisLayerDown() }

func (a *Automaton) tls() {
	if a.cur.reset {
		return
	}
	a.actions.ThisLayerStarted()
}

func (a *Automaton) tlf(reason FinishReason) {
	if a.cur.reset {
		return
	}
	a.actions.ThisLayerFinished(reason)
}

func (a *Automaton) irc() {
	a.restartCount = a.config.MaxConfigure
	a.armPending = true
}

func (a *Automaton) ircTerm() {
	a.restartCount = a.config.MaxTerminate
	a.armPending = true
}

func (a *Automaton) zrc() {
	a.restartCount = 0
	a.armPending = true
}

func (a *Automaton) scr() {
	a.armPending = true
	a.actions.SendConfigRequest()
}

func (a *Automaton) str() {
	a.armPending = true
	a.actions.SendTermRequest()
}

func (a *Automaton) sca() { a.actions.SendConfigAck() }
func (a *Automaton) scn() { a.actions.SendConfigNak() }
func (a *Automaton) sta() { a.actions.SendTermAck() }
func (a *Automaton) scj() { a.actions.SendCodeReject() }
func (a *Automaton) ser() { a.actions.SendEchoReply() }
