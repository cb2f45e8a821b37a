package eventbus

// Engine -> control-surface notification types carried as Event.Data.
// Payload structs are deliberately flat so the router can render them
// without reaching back into engine state.

const (
	TypePairingReady      = "session.pairing_ready"
	TypeConnected         = "session.connected"
	TypeDisconnected      = "session.disconnected"
	TypeBroadcastProgress = "broadcast.progress"
	TypeBroadcastFinished = "broadcast.finished"
)

// PairingReady carries one pairing artifact: either a scannable QR payload
// or a short numeric code, never both.
type PairingReady struct {
	TenantID string
	QR       string
	Code     string
}

type Connected struct {
	TenantID string
}

// Disconnected is published only when the tenant should see something.
// Reason is already user-facing and paired with an actionable next step.
type Disconnected struct {
	TenantID string
	Reason   string
	// Reauth is true when stored credentials were wiped and the tenant
	// must pair from scratch.
	Reauth bool
}

type BroadcastProgress struct {
	TenantID string
	JobID    string
	Sent     int
}

type BroadcastFinished struct {
	TenantID  string
	JobID     string
	Sent      int
	Attempted int
	Cancelled bool
}
