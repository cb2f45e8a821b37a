package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wabridge/internal/credstore"
	logx "wabridge/pkg/logx"
)

// SimDialer produces in-memory clients that walk the full pairing and
// connection lifecycle without touching a real network. It backs the "sim"
// driver used by the development binary and by tests.
type SimDialer struct {
	log logx.Logger

	// QRInterval is how often a waiting client re-emits its pairing
	// artifact (real client libraries do this too; the session must
	// deduplicate).
	QRInterval time.Duration
	// AutopairAfter simulates the tenant completing pairing this long
	// after the first artifact. Zero disables autopairing.
	AutopairAfter time.Duration
	// Destinations is the fixed destination list served to every tenant.
	Destinations []Destination
}

func NewSimDialer(log logx.Logger) *SimDialer {
	return &SimDialer{
		log:           log,
		QRInterval:    2 * time.Second,
		AutopairAfter: 6 * time.Second,
		Destinations: []Destination{
			{ID: "dest-alpha", Name: "Alpha Group"},
			{ID: "dest-beta", Name: "Beta Group"},
			{ID: "dest-readonly", Name: "Announcements", ReadOnly: true},
			{ID: "dest-archived", Name: "Old Group", Archived: true},
		},
	}
}

func (d *SimDialer) Dial(ctx context.Context, tenantID string, creds credstore.Store) (Client, error) {
	_ = ctx
	return &simClient{
		dialer:   d,
		tenantID: tenantID,
		creds:    creds,
		log:      d.log.With(logx.String("tenant", tenantID)),
		events:   make(chan Event, 16),
	}, nil
}

type simClient struct {
	dialer   *SimDialer
	tenantID string
	creds    credstore.Store
	log      logx.Logger

	mu        sync.Mutex
	started   bool
	connected bool
	cancel    context.CancelFunc
	phone     string // set when a numeric code was requested

	events chan Event

	outMu  sync.Mutex
	outbox []SimSent
}

// SimSent records one outbound send for test inspection.
type SimSent struct {
	DestID  string
	Text    string
	QuoteID string
	Media   bool
}

func (c *simClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("sim: client already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	complete, err := credstore.CompleteSet(ctx, c.creds, c.tenantID)
	if err != nil {
		return err
	}

	go c.run(runCtx, complete)
	return nil
}

func (c *simClient) run(ctx context.Context, havCreds bool) {
	defer close(c.events)

	if havCreds {
		// Restored session: handshake then connect.
		if !sleepCtx(ctx, 50*time.Millisecond) {
			return
		}
		c.setConnected(true)
		c.emit(ctx, ConnectedEvent{})
		<-ctx.Done()
		return
	}

	// Fresh pairing: emit the artifact repeatedly until paired.
	qr := fmt.Sprintf("sim-qr-%s-%d", c.tenantID, time.Now().UnixNano())
	deadline := time.NewTimer(c.dialer.AutopairAfter)
	defer deadline.Stop()
	tick := time.NewTicker(c.dialer.QRInterval)
	defer tick.Stop()

	c.emit(ctx, c.pairingEvent(qr))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c.emit(ctx, c.pairingEvent(qr))
		case <-deadline.C:
			if c.dialer.AutopairAfter <= 0 {
				continue
			}
			// The "tenant" completed pairing: persist a credential set and
			// report connected.
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.creds.Write(wctx, c.tenantID, credstore.ArtifactIdentity, []byte("sim-identity"))
			_ = c.creds.Write(wctx, c.tenantID, credstore.ArtifactKeys, []byte("sim-keys"))
			cancel()
			c.setConnected(true)
			c.emit(ctx, ConnectedEvent{})
			<-ctx.Done()
			return
		}
	}
}

func (c *simClient) pairingEvent(qr string) Event {
	c.mu.Lock()
	phone := c.phone
	c.mu.Unlock()
	if phone != "" {
		return PairingEvent{Code: "1234-5678"}
	}
	return PairingEvent{QR: qr}
}

func (c *simClient) emit(ctx context.Context, e Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}

func (c *simClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *simClient) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *simClient) Stop(ctx context.Context) error {
	_ = ctx
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.connected = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *simClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return "", errors.New("sim: client not started")
	}
	c.phone = phone
	return "1234-5678", nil
}

func (c *simClient) SendText(ctx context.Context, destID, text string) error {
	return c.record(ctx, SimSent{DestID: destID, Text: text})
}

func (c *simClient) SendMedia(ctx context.Context, destID string, media Media, caption string) error {
	_ = media
	return c.record(ctx, SimSent{DestID: destID, Text: caption, Media: true})
}

func (c *simClient) Reply(ctx context.Context, destID, quoteID, text string) error {
	return c.record(ctx, SimSent{DestID: destID, Text: text, QuoteID: quoteID})
}

func (c *simClient) record(ctx context.Context, s SimSent) error {
	_ = ctx
	if !c.isConnected() {
		return errors.New("sim: not connected")
	}
	c.outMu.Lock()
	c.outbox = append(c.outbox, s)
	c.outMu.Unlock()
	return nil
}

// Outbox returns a copy of everything sent through this client.
func (c *simClient) Outbox() []SimSent {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return append([]SimSent(nil), c.outbox...)
}

func (c *simClient) ListDestinations(ctx context.Context) ([]Destination, error) {
	_ = ctx
	if !c.isConnected() {
		return nil, errors.New("sim: not connected")
	}
	return append([]Destination(nil), c.dialer.Destinations...), nil
}

func (c *simClient) Logout(ctx context.Context) error {
	return c.Stop(ctx)
}

func (c *simClient) Events() <-chan Event { return c.events }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
