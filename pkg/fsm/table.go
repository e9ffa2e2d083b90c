package fsm

// State handlers for the RFC 1661 section 4.1 transition table. Each one
// moves to the next state first and then runs the actions in table order, so
// callbacks observe the state they lead into.

func (a *Automaton) inInitial(ev Event) {
	switch ev {
	case EventUp:
		a.setState(StateClosed)
	case EventDown:
		a.unexpected(ev)
	case EventOpen:
		a.setState(StateStarting)
		a.tls()
	case EventClose:
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inStarting(ev Event) {
	switch ev {
	case EventUp:
		if a.config.NoConfig {
			a.setState(StateOpened)
			a.tlu()
			return
		}
		a.setState(StateReqSent)
		a.irc()
		a.scr()
	case EventDown:
		a.unexpected(ev)
	case EventOpen:
	case EventClose:
		a.setState(StateInitial)
		a.tlf(FinishClosed)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inClosed(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateInitial)
	case EventOpen:
		if a.config.NoConfig {
			a.setState(StateOpened)
			a.tlu()
			return
		}
		a.setState(StateReqSent)
		a.irc()
		a.scr()
	case EventClose, EventRecvTermAck, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventRecvConfigReqGood, EventRecvConfigReqBad, EventRecvConfigAck, EventRecvConfigNakRej, EventRecvTermReq:
		a.sta()
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inStopped(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
		a.tls()
	case EventOpen, EventRecvTermAck, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventClose:
		a.setState(StateClosed)
	case EventRecvConfigReqGood:
		a.setState(StateAckSent)
		a.irc()
		a.scr()
		a.sca()
	case EventRecvConfigReqBad:
		a.setState(StateReqSent)
		a.irc()
		a.scr()
		a.scn()
	case EventRecvConfigAck, EventRecvConfigNakRej, EventRecvTermReq:
		a.sta()
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inClosing(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateInitial)
		a.tlf(FinishClosed)
	case EventOpen:
		a.setState(StateStopping)
	case EventClose, EventRecvConfigReqGood, EventRecvConfigReqBad, EventRecvConfigAck,
		EventRecvConfigNakRej, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventTimeoutNonZero:
		a.str()
	case EventTimeoutZero:
		a.setState(StateClosed)
		a.tlf(FinishTimeout)
	case EventRecvTermReq:
		a.sta()
	case EventRecvTermAck:
		a.setState(StateClosed)
		a.tlf(FinishClosed)
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateClosed)
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inStopping(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
	case EventOpen, EventRecvConfigReqGood, EventRecvConfigReqBad, EventRecvConfigAck,
		EventRecvConfigNakRej, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventClose:
		a.setState(StateClosing)
	case EventTimeoutNonZero:
		a.str()
	case EventTimeoutZero:
		a.setState(StateStopped)
		a.tlf(FinishTimeout)
	case EventRecvTermReq:
		a.sta()
	case EventRecvTermAck:
		a.setState(StateStopped)
		a.tlf(FinishTerminated)
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateStopped)
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inReqSent(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
	case EventOpen, EventRecvTermAck, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventClose:
		a.setState(StateClosing)
		a.ircTerm()
		a.str()
	case EventTimeoutNonZero:
		a.scr()
	case EventTimeoutZero:
		a.setState(StateStopped)
		a.tlf(FinishTimeout)
	case EventRecvConfigReqGood:
		a.setState(StateAckSent)
		a.sca()
	case EventRecvConfigReqBad:
		a.scn()
	case EventRecvConfigAck:
		a.setState(StateAckRcvd)
		a.irc()
	case EventRecvConfigNakRej:
		a.irc()
		a.scr()
	case EventRecvTermReq:
		a.sta()
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateStopped)
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inAckRcvd(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
	case EventOpen, EventRecvEchoOrDiscard:
	case EventClose:
		a.setState(StateClosing)
		a.ircTerm()
		a.str()
	case EventTimeoutNonZero:
		a.setState(StateReqSent)
		a.scr()
	case EventTimeoutZero:
		a.setState(StateStopped)
		a.tlf(FinishTimeout)
	case EventRecvConfigReqGood:
		a.setState(StateOpened)
		a.sca()
		a.tlu()
	case EventRecvConfigReqBad:
		a.scn()
	case EventRecvConfigAck, EventRecvConfigNakRej:
		a.setState(StateReqSent)
		a.scr()
	case EventRecvTermReq:
		a.setState(StateReqSent)
		a.sta()
	case EventRecvTermAck, EventRecvRejectGood:
		a.setState(StateReqSent)
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateStopped)
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inAckSent(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
	case EventOpen, EventRecvTermAck, EventRecvRejectGood, EventRecvEchoOrDiscard:
	case EventClose:
		a.setState(StateClosing)
		a.ircTerm()
		a.str()
	case EventTimeoutNonZero:
		a.scr()
	case EventTimeoutZero:
		a.setState(StateStopped)
		a.tlf(FinishTimeout)
	case EventRecvConfigReqGood:
		a.sca()
	case EventRecvConfigReqBad:
		a.setState(StateReqSent)
		a.scn()
	case EventRecvConfigAck:
		a.setState(StateOpened)
		a.irc()
		a.tlu()
	case EventRecvConfigNakRej:
		a.irc()
		a.scr()
	case EventRecvTermReq:
		a.setState(StateReqSent)
		a.sta()
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateStopped)
		a.tlf(FinishRejected)
	default:
		a.ignore(ev)
	}
}

func (a *Automaton) inOpened(ev Event) {
	switch ev {
	case EventUp:
		a.unexpected(ev)
	case EventDown:
		a.setState(StateStarting)
		a.tld()
	case EventOpen, EventRecvRejectGood:
	case EventClose:
		if a.config.NoConfig {
			a.setState(StateClosed)
			a.tld()
			a.tlf(FinishClosed)
			return
		}
		a.setState(StateClosing)
		a.tld()
		a.ircTerm()
		a.str()
	case EventRecvConfigReqGood:
		a.setState(StateAckSent)
		a.tld()
		a.irc()
		a.scr()
		a.sca()
	case EventRecvConfigReqBad:
		a.setState(StateReqSent)
		a.tld()
		a.irc()
		a.scr()
		a.scn()
	case EventRecvConfigAck, EventRecvConfigNakRej, EventRecvTermAck:
		a.setState(StateReqSent)
		a.tld()
		a.irc()
		a.scr()
	case EventRecvTermReq:
		a.setState(StateStopping)
		a.tld()
		a.zrc()
		a.sta()
	case EventRecvUnknownCode:
		a.scj()
	case EventRecvRejectBad:
		a.setState(StateStopping)
		a.tld()
		a.ircTerm()
		a.str()
	case EventRecvEchoOrDiscard:
		a.ser()
	default:
		a.ignore(ev)
	}
}
