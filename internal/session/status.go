package session

// Status is the session state machine position. Failed is a reportable
// sub-state of Disconnected used only when surfacing a message to the
// tenant; the machine never rests there.
type Status int

const (
	Idle Status = iota
	Connecting
	AwaitingPairing
	Connected
	Disconnected
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingPairing:
		return "awaiting_pairing"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Live reports whether the session holds (or is acquiring) a client handle.
func (s Status) Live() bool {
	switch s {
	case Connecting, AwaitingPairing, Connected:
		return true
	default:
		return false
	}
}
