package fsm

// State represents the automaton state per RFC 1661
type State int

const (
	StateInitial  State = iota // Lower layer unavailable, no Open
	StateStarting              // Lower layer unavailable, Open
	StateClosed                // Lower layer available, no Open
	StateStopped               // Open, waiting for Configure-Request
	StateClosing               // Terminate-Request sent
	StateStopping              // Terminate-Request sent (from Opened)
	StateReqSent               // Configure-Request sent
	StateAckRcvd               // Configure-Request sent, Configure-Ack received
	StateAckSent               // Configure-Request and Configure-Ack sent
	StateOpened                // Connection fully established
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateStarting:
		return "Starting"
	case StateClosed:
		return "Closed"
	case StateStopped:
		return "Stopped"
	case StateClosing:
		return "Closing"
	case StateStopping:
		return "Stopping"
	case StateReqSent:
		return "Req-Sent"
	case StateAckRcvd:
		return "Ack-Rcvd"
	case StateAckSent:
		return "Ack-Sent"
	case StateOpened:
		return "Opened"
	default:
		return "Unknown"
	}
}

// timed reports whether the restart timer must run in s.
func (s State) timed() bool {
	switch s {
	case StateClosing, StateStopping, StateReqSent, StateAckRcvd, StateAckSent:
		return true
	}
	return false
}

// Event is an input to the automaton.
type Event int

const (
	EventUp                Event = iota // Lower layer is Up
	EventDown                           // Lower layer is Down
	EventOpen                           // Administrative Open
	EventClose                          // Administrative Close
	EventTimeoutNonZero                 // Timeout with counter > 0 (TO+)
	EventTimeoutZero                    // Timeout with counter expired (TO-)
	EventRecvConfigReqGood              // Receive-Configure-Request, acceptable (RCR+)
	EventRecvConfigReqBad               // Receive-Configure-Request, unacceptable (RCR-)
	EventRecvConfigAck                  // Receive-Configure-Ack (RCA)
	EventRecvConfigNakRej               // Receive-Configure-Nak/Rej (RCN)
	EventRecvTermReq                    // Receive-Terminate-Request (RTR)
	EventRecvTermAck                    // Receive-Terminate-Ack (RTA)
	EventRecvUnknownCode                // Receive-Unknown-Code (RUC)
	EventRecvRejectGood                 // Receive-Code-Reject/Protocol-Reject, permitted (RXJ+)
	EventRecvRejectBad                  // Receive-Code-Reject/Protocol-Reject, catastrophic (RXJ-)
	EventRecvEchoOrDiscard              // Receive-Echo-Request/Reply or Discard-Request (RXR)
)

func (e Event) String() string {
	switch e {
	case EventUp:
		return "Up"
	case EventDown:
		return "Down"
	case EventOpen:
		return "Open"
	case EventClose:
		return "Close"
	case EventTimeoutNonZero:
		return "TO+"
	case EventTimeoutZero:
		return "TO-"
	case EventRecvConfigReqGood:
		return "RCR+"
	case EventRecvConfigReqBad:
		return "RCR-"
	case EventRecvConfigAck:
		return "RCA"
	case EventRecvConfigNakRej:
		return "RCN"
	case EventRecvTermReq:
		return "RTR"
	case EventRecvTermAck:
		return "RTA"
	case EventRecvUnknownCode:
		return "RUC"
	case EventRecvRejectGood:
		return "RXJ+"
	case EventRecvRejectBad:
		return "RXJ-"
	case EventRecvEchoOrDiscard:
		return "RXR"
	default:
		return "Unknown"
	}
}

// FinishReason tells ThisLayerFinished why the automaton stopped needing the
// lower layer.
type FinishReason int

const (
	FinishClosed     FinishReason = iota // Administratively closed
	FinishTimeout                        // Restart counter exhausted
	FinishTerminated                     // Peer terminated the link
	FinishRejected                       // Peer rejected the protocol
)

func (r FinishReason) String() string {
	switch r {
	case FinishClosed:
		return "Closed"
	case FinishTimeout:
		return "Timeout"
	case FinishTerminated:
		return "Terminated"
	case FinishRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}
