package network

// Event is one typed connection event. The client pushes events onto a
// bounded channel; the owning session's single-writer loop consumes them,
// which keeps suspension points explicit instead of callback reentrancy.
type Event interface{ isEvent() }

// PairingEvent carries one pairing artifact: a scannable QR payload or a
// short numeric code, never both. Clients may emit it repeatedly while
// waiting for the tenant to act.
type PairingEvent struct {
	QR   string
	Code string
}

// ConnectedEvent signals the network confirmed authentication.
type ConnectedEvent struct{}

// DisconnectedEvent signals link closure for any reason. Cause feeds the
// reconnect policy; Detail is for logs only.
type DisconnectedEvent struct {
	Cause  DisconnectCause
	Detail string
}

// MessageEvent is one inbound message.
type MessageEvent struct {
	ChatID    string
	SenderID  string
	MessageID string
	Body      string
	FromSelf  bool
	Ephemeral bool
}

func (PairingEvent) isEvent()      {}
func (ConnectedEvent) isEvent()    {}
func (DisconnectedEvent) isEvent() {}
func (MessageEvent) isEvent()      {}

// DisconnectCause classifies why a connection dropped. The set is closed
// on the engine side; drivers map their library's codes onto it and use
// CauseUnknown for anything unmapped.
type DisconnectCause int

const (
	CauseUnknown DisconnectCause = iota
	// CauseLoggedOut: the tenant logged the session out from their device.
	CauseLoggedOut
	// CauseAuthRejected: the remote explicitly refused stored credentials.
	CauseAuthRejected
	// CauseStreamRestart: the remote asked for a protocol-level restart.
	CauseStreamRestart
	// CauseStreamError: the stream broke mid-protocol.
	CauseStreamError
	// CauseNetwork: transport-level failure (reset, refused, unreachable).
	CauseNetwork
	// CauseTimeout: keepalive or request timeout.
	CauseTimeout
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseLoggedOut:
		return "logged_out"
	case CauseAuthRejected:
		return "auth_rejected"
	case CauseStreamRestart:
		return "stream_restart"
	case CauseStreamError:
		return "stream_error"
	case CauseNetwork:
		return "network"
	case CauseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
