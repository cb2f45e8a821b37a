// Package network defines the capability interface the engine drives on the
// underlying messaging-network client library. The engine never touches the
// wire protocol; it starts clients, consumes their typed event stream, and
// issues sends through this interface.
package network

import (
	"context"
	"errors"
	"strings"

	"wabridge/internal/credstore"
	logx "wabridge/pkg/logx"
)

// Destination is an addressable broadcast target reachable through a
// connected session.
type Destination struct {
	ID       string
	Name     string
	ReadOnly bool
	Archived bool
}

// Media is a single attachment for an outbound message.
type Media struct {
	MIME     string
	Data     []byte
	FileName string
}

// Client is one live connection to the messaging network for one tenant.
// The owning session is the only consumer of Events(); the channel is
// closed when the client stops for good.
type Client interface {
	// Start opens the connection. Credential material is loaded from and
	// persisted to the store the client was dialed with.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// RequestPairingCode asks the network for a numeric pairing code bound
	// to the given phone number, as the alternative to QR scanning.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	SendText(ctx context.Context, destID, text string) error
	SendMedia(ctx context.Context, destID string, media Media, caption string) error
	// Reply sends text quoting an earlier inbound message.
	Reply(ctx context.Context, destID, quoteID, text string) error

	ListDestinations(ctx context.Context) ([]Destination, error)

	// Logout invalidates the remote pairing. Local credential cleanup is
	// the caller's job and must not depend on this succeeding.
	Logout(ctx context.Context) error

	Events() <-chan Event
}

// Dialer creates clients for tenants. One Dial per live session; the
// engine guarantees at most one live client per tenant.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds credstore.Store) (Client, error)
}

// OpenDialer returns the named driver. The repo ships "sim", an in-memory
// driver used for development and tests; real network drivers implement
// Dialer out of tree.
func OpenDialer(driver string, log logx.Logger) (Dialer, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sim":
		return NewSimDialer(log), nil
	default:
		return nil, errors.New("unknown network driver: " + driver)
	}
}
