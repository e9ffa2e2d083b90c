package link

// Phase is the link phase of RFC 1661 section 3.2.
type Phase int

const (
	PhaseDead Phase = iota
	PhaseEstablish
	PhaseAuthenticate
	PhaseNetwork
	PhaseTerminate
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "Dead"
	case PhaseEstablish:
		return "Establish"
	case PhaseAuthenticate:
		return "Authenticate"
	case PhaseNetwork:
		return "Network"
	case PhaseTerminate:
		return "Terminate"
	default:
		return "Unknown"
	}
}

// ProtoOk reports whether frames of proto may cross the link in phase.
// Network allows everything; Establish and Terminate allow only LCP;
// Authenticate allows LCP plus the link control range; Dead allows nothing.
func ProtoOk(phase Phase, proto uint16) error {
	switch phase {
	case PhaseNetwork:
		return nil
	case PhaseEstablish, PhaseTerminate:
		if proto == ProtocolLCP {
			return nil
		}
	case PhaseAuthenticate:
		if IsLinkControl(proto) {
			return nil
		}
	case PhaseDead:
		return ErrNotConnected
	}
	return ErrNotAllowed
}
