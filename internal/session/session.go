package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"wabridge/internal/credstore"
	"wabridge/internal/eventbus"
	"wabridge/internal/network"
	"wabridge/internal/reconnect"
	rtsup "wabridge/internal/runtime/supervisor"
	logx "wabridge/pkg/logx"
)

// ReplyLookup resolves an auto-reply for an inbound message body.
type ReplyLookup interface {
	Match(ctx context.Context, tenantID, text string) (string, bool, error)
}

// Deps carries everything a Session needs. One Deps value is shared by all
// sessions of a Registry.
type Deps struct {
	Creds   credstore.Store
	Dialer  network.Dialer
	Policy  reconnect.Policy
	Bus     eventbus.Bus
	Replies ReplyLookup
	Log     logx.Logger
	Sup     *rtsup.Supervisor

	// PairingSettle delays numeric pairing-code requests after client
	// startup. Issuing the request before the client's internal handshake
	// settles reliably fails upstream; this is a pacing rule, not an
	// optimization.
	PairingSettle time.Duration
	// PairingTimeout bounds AwaitingPairing before the tenant is told to
	// retry.
	PairingTimeout time.Duration
	// RetrySpacing is the minimum spacing between consecutive immediate
	// reconnects of one tenant for the same cause.
	RetrySpacing time.Duration
}

func (d *Deps) defaults() {
	if d.PairingSettle <= 0 {
		d.PairingSettle = 3 * time.Second
	}
	if d.PairingTimeout <= 0 {
		d.PairingTimeout = 2 * time.Minute
	}
	if d.RetrySpacing <= 0 {
		d.RetrySpacing = 10 * time.Second
	}
}

// ConnectOptions shape one connect request.
type ConnectOptions struct {
	// Phone, when set, requests a numeric pairing code for that number
	// instead of a scannable artifact.
	Phone string
	// Headless marks boot restoration: pairing prompts are impossible and
	// must not be attempted. A client that asks for pairing anyway has
	// stale credentials and is wiped.
	Headless bool
}

var (
	ErrNotConnected = errors.New("session: not connected")
	// ErrSessionClosed marks a session that destroyed itself and left the
	// registry. Holders of a stale pointer must go back to the registry for
	// a fresh one.
	ErrSessionClosed = errors.New("session: closed")
)

// Session is one tenant's connection state machine. All state mutation is
// serialized behind mu; one event-loop goroutine per live client consumes
// the client's typed event stream.
type Session struct {
	tenantID string
	deps     Deps
	log      logx.Logger

	// onRemove detaches the session from its registry on destruction.
	onRemove func(*Session)

	mu           sync.Mutex
	status       Status
	client       network.Client
	selected     []string
	destCache    []network.Destination
	artifactSent bool
	stopping     bool
	dead         bool // set by destroy; a dead session is never revived
	attempt      int  // consecutive failed reconnects since last Connected

	lastRestartAt    time.Time
	lastRestartCause network.DisconnectCause
}

func newSession(tenantID string, deps Deps, onRemove func(*Session)) *Session {
	deps.defaults()
	return &Session{
		tenantID: tenantID,
		deps:     deps,
		log:      deps.Log.With(logx.String("tenant", tenantID)),
		onRemove: onRemove,
		status:   Idle,
	}
}

func (s *Session) TenantID() string { return s.tenantID }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connect drives the session toward Connected. It is a no-op while the
// session is already live (the existing client keeps running; a second
// client is never created). Only initial client construction errors
// propagate to the caller; everything after that surfaces through
// notifications.
func (s *Session) Connect(ctx context.Context, opts ConnectOptions) error {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.status.Live() {
		s.mu.Unlock()
		return nil
	}
	s.status = Connecting
	s.stopping = false
	s.artifactSent = false
	s.mu.Unlock()

	cl, err := s.deps.Dialer.Dial(ctx, s.tenantID, s.deps.Creds)
	if err != nil {
		s.setStatus(Idle)
		return err
	}
	if err := cl.Start(ctx); err != nil {
		s.setStatus(Idle)
		return err
	}

	s.mu.Lock()
	s.client = cl
	s.mu.Unlock()

	s.deps.Sup.Go0("session."+s.tenantID, func(ctx context.Context) {
		s.runLoop(ctx, cl, opts)
	})
	return nil
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// serve outcomes.
type outcome int

const (
	outShutdown outcome = iota // process stopping
	outStopped                 // logout/teardown initiated locally
	outPairingTimeout
	outDisconnected
)

func (s *Session) runLoop(ctx context.Context, cl network.Client, opts ConnectOptions) {
	cur := cl
	for {
		out, cause := s.serveClient(ctx, cur, opts)
		switch out {
		case outShutdown:
			s.stopClient(cur)
			return
		case outStopped:
			return
		case outPairingTimeout:
			s.stopClient(cur)
			s.destroy(false)
			s.publish(eventbus.TypeDisconnected, eventbus.Disconnected{
				TenantID: s.tenantID,
				Reason:   "Pairing timed out. Tap Connect to get a fresh code.",
			})
			return
		case outDisconnected:
			next, ok := s.handleDisconnect(ctx, cur, cause)
			if !ok {
				return
			}
			cur = next
			// after a reconnect, pairing input no longer applies; the
			// restored credentials carry the identity
			opts = ConnectOptions{Headless: opts.Headless}
		}
	}
}

// serveClient consumes one client's event stream until it disconnects or
// the session is torn down.
func (s *Session) serveClient(ctx context.Context, cl network.Client, opts ConnectOptions) (outcome, network.DisconnectCause) {
	events := cl.Events()

	var pairTimer *time.Timer
	var pairC <-chan time.Time
	stopPairTimer := func() {
		if pairTimer != nil {
			pairTimer.Stop()
			pairTimer = nil
			pairC = nil
		}
	}
	defer stopPairTimer()

	// Numeric pairing codes are requested out of band, after the settle
	// delay. The same dedup flag covers both this path and PairingEvent
	// emissions, so exactly one artifact reaches the tenant.
	if opts.Phone != "" && !opts.Headless {
		phone := opts.Phone
		go s.requestPairingCode(ctx, cl, phone)
	}

	for {
		select {
		case <-ctx.Done():
			return outShutdown, 0

		case <-pairC:
			return outPairingTimeout, 0

		case ev, ok := <-events:
			if !ok {
				if s.isStopping() {
					return outStopped, 0
				}
				// The client vanished without a disconnect event; recover
				// through the normal policy path.
				return outDisconnected, network.CauseUnknown
			}

			switch e := ev.(type) {
			case network.PairingEvent:
				if opts.Headless {
					// Restoration cannot prompt. Stale credentials; wipe
					// and require a fresh pairing.
					s.log.Warn("headless restore hit pairing; wiping credentials")
					s.stopClient(cl)
					s.destroy(true)
					s.publish(eventbus.TypeDisconnected, eventbus.Disconnected{
						TenantID: s.tenantID,
						Reason:   "Saved session expired. Tap Connect to pair again.",
						Reauth:   true,
					})
					return outStopped, 0
				}
				s.mu.Lock()
				if s.status == Connecting {
					s.status = AwaitingPairing
				}
				first := !s.artifactSent
				s.artifactSent = true
				s.mu.Unlock()

				if first {
					if pairTimer == nil {
						pairTimer = time.NewTimer(s.deps.PairingTimeout)
						pairC = pairTimer.C
					}
					s.publish(eventbus.TypePairingReady, eventbus.PairingReady{
						TenantID: s.tenantID,
						QR:       e.QR,
						Code:     e.Code,
					})
				}

			case network.ConnectedEvent:
				stopPairTimer()
				s.mu.Lock()
				s.status = Connected
				s.artifactSent = false // pairing context cleared
				s.attempt = 0
				s.mu.Unlock()
				s.log.Info("session connected")
				s.publish(eventbus.TypeConnected, eventbus.Connected{TenantID: s.tenantID})

			case network.MessageEvent:
				s.autoReply(ctx, cl, e)

			case network.DisconnectedEvent:
				s.log.Warn("session disconnected",
					logx.String("cause", e.Cause.String()),
					logx.String("detail", e.Detail))
				return outDisconnected, e.Cause
			}
		}
	}
}

func (s *Session) requestPairingCode(ctx context.Context, cl network.Client, phone string) {
	t := time.NewTimer(s.deps.PairingSettle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	code, err := cl.RequestPairingCode(ctx, phone)
	if err != nil {
		s.log.Warn("pairing code request failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	if s.status == Connecting {
		s.status = AwaitingPairing
	}
	first := !s.artifactSent
	s.artifactSent = true
	s.mu.Unlock()

	if first {
		s.publish(eventbus.TypePairingReady, eventbus.PairingReady{
			TenantID: s.tenantID,
			Code:     code,
		})
	}
}

// handleDisconnect applies the reconnect policy. It returns the replacement
// client and true when the loop should continue, or false when the session
// reached a terminal state.
func (s *Session) handleDisconnect(ctx context.Context, old network.Client, cause network.DisconnectCause) (network.Client, bool) {
	s.mu.Lock()
	if s.stopping {
		// Logout or teardown raced the disconnect; the session is already
		// being dismantled.
		s.mu.Unlock()
		s.stopClient(old)
		return nil, false
	}
	s.status = Disconnected
	attempt := s.attempt
	s.mu.Unlock()

	act := s.deps.Policy.Classify(cause, attempt)

	// Deduplicate rapid immediate retries for the same cause so a broken
	// remote can't induce a tight restart loop.
	if act.Kind == reconnect.ImmediateRetry {
		s.mu.Lock()
		if cause == s.lastRestartCause && time.Since(s.lastRestartAt) < s.deps.RetrySpacing {
			act = reconnect.Action{Kind: reconnect.BackoffRetry, Delay: s.deps.Policy.Backoff(attempt)}
		} else {
			s.lastRestartAt = time.Now()
			s.lastRestartCause = cause
		}
		s.mu.Unlock()
	}

	switch act.Kind {
	case reconnect.WipeAndReauth:
		s.stopClient(old)
		s.destroy(true)
		s.publish(eventbus.TypeDisconnected, eventbus.Disconnected{
			TenantID: s.tenantID,
			Reason:   "The network rejected your saved session. Tap Connect to pair again.",
			Reauth:   true,
		})
		return nil, false

	case reconnect.TerminalLogout:
		s.stopClient(old)
		s.destroy(true)
		s.publish(eventbus.TypeDisconnected, eventbus.Disconnected{
			TenantID: s.tenantID,
			Reason:   "You logged out from your device. Tap Connect to pair again.",
			Reauth:   true,
		})
		return nil, false
	}

	// Retry path (immediate or after delay).
	if act.Delay > 0 {
		s.log.Info("reconnect scheduled",
			logx.Duration("delay", act.Delay), logx.Int("attempt", attempt))
		t := time.NewTimer(act.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.stopClient(old)
			return nil, false
		case <-t.C:
		}
	}

	s.stopClient(old)

	s.mu.Lock()
	if s.stopping {
		// A Logout that landed during the wait wins; redialing here would
		// leave a live client for a tenant the registry already dropped.
		s.mu.Unlock()
		return nil, false
	}
	s.attempt++
	s.status = Connecting
	s.artifactSent = false
	s.mu.Unlock()

	next, err := s.deps.Dialer.Dial(ctx, s.tenantID, s.deps.Creds)
	if err == nil {
		err = next.Start(ctx)
	}
	if err != nil {
		// Count the failure and come back through the policy.
		s.log.Warn("reconnect failed", logx.Err(err))
		s.setStatus(Disconnected)
		return s.handleDisconnect(ctx, nil, network.CauseNetwork)
	}

	s.mu.Lock()
	s.client = next
	s.mu.Unlock()
	return next, true
}

// autoReply answers one inbound message. Failures are swallowed: the
// listener must never die because a lookup or send failed.
func (s *Session) autoReply(ctx context.Context, cl network.Client, m network.MessageEvent) {
	if m.FromSelf || m.Ephemeral {
		return
	}
	if s.deps.Replies == nil {
		return
	}
	resp, ok, err := s.deps.Replies.Match(ctx, s.tenantID, m.Body)
	if err != nil {
		s.log.Debug("auto-reply lookup failed", logx.Err(err))
		return
	}
	if !ok {
		return
	}
	if err := cl.Reply(ctx, m.ChatID, m.MessageID, resp); err != nil {
		s.log.Debug("auto-reply send failed", logx.Err(err))
	}
}

// Logout tears the session down on the tenant's request. Local cleanup
// always wins: the client is stopped and credentials deleted even when the
// remote teardown call fails, so the tenant can always retry with a fresh
// pairing. Credential deletion is awaited before returning.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	cl := s.client
	s.stopping = true
	s.mu.Unlock()

	if cl != nil {
		if err := cl.Logout(ctx); err != nil {
			s.log.Debug("remote logout failed; proceeding locally", logx.Err(err))
		}
		s.stopClient(cl)
	}

	err := s.deps.Creds.DeleteAll(ctx, s.tenantID)
	s.destroy(false)
	if err != nil {
		s.log.Error("credential wipe failed on logout", logx.Err(err))
		return err
	}
	return nil
}

// destroy resets the session to Idle and detaches it from the registry.
// wipe additionally deletes all credential records.
func (s *Session) destroy(wipe bool) {
	s.mu.Lock()
	s.stopping = true
	s.dead = true
	s.client = nil
	s.status = Idle
	s.selected = nil
	s.destCache = nil
	s.artifactSent = false
	s.mu.Unlock()

	if wipe {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.deps.Creds.DeleteAll(ctx, s.tenantID); err != nil {
			s.log.Error("credential wipe failed", logx.Err(err))
		}
		cancel()
	}
	if s.onRemove != nil {
		s.onRemove(s)
	}
}

// stopClient stops one client handle. It deliberately leaves the stopping
// flag alone: teardown paths set it before stopping so the event loop can
// tell a local stop from a remote drop.
func (s *Session) stopClient(cl network.Client) {
	if cl == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Stop(ctx); err != nil {
		s.log.Debug("client stop failed", logx.Err(err))
	}
	s.mu.Lock()
	if s.client == cl {
		s.client = nil
	}
	s.mu.Unlock()
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *Session) publish(typ string, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// ---- destinations & selection ----

// FetchDestinations pulls the live destination list from the client,
// filters out read-only and archived entries, and replaces the cache.
// It is a network round trip and therefore never implicit.
func (s *Session) FetchDestinations(ctx context.Context) ([]network.Destination, error) {
	s.mu.Lock()
	cl := s.client
	st := s.status
	s.mu.Unlock()
	if cl == nil || st != Connected {
		return nil, ErrNotConnected
	}

	all, err := cl.ListDestinations(ctx)
	if err != nil {
		return nil, err
	}
	usable := make([]network.Destination, 0, len(all))
	for _, d := range all {
		if d.ReadOnly || d.Archived {
			continue
		}
		usable = append(usable, d)
	}

	s.mu.Lock()
	s.destCache = usable
	s.mu.Unlock()
	return append([]network.Destination(nil), usable...), nil
}

// Destinations returns the cached list (nil until FetchDestinations ran).
func (s *Session) Destinations() []network.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]network.Destination(nil), s.destCache...)
}

// ClearDestinationCache drops the cached list once a selection step is
// done, bounding its lifetime.
func (s *Session) ClearDestinationCache() {
	s.mu.Lock()
	s.destCache = nil
	s.mu.Unlock()
}

// ToggleDestination flips one destination in the selection and reports
// whether it is now selected.
func (s *Session) ToggleDestination(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.selected {
		if v == id {
			s.selected = append(s.selected[:i], s.selected[i+1:]...)
			return false
		}
	}
	s.selected = append(s.selected, id)
	return true
}

// SelectAll selects every cached destination, in cache order.
func (s *Session) SelectAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = s.selected[:0]
	for _, d := range s.destCache {
		s.selected = append(s.selected, d.ID)
	}
	return len(s.selected)
}

func (s *Session) DeselectAll() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// Selected returns a snapshot copy; later selection changes never affect
// the returned slice.
func (s *Session) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selected...)
}

// Client returns the live client handle, or nil. The broadcast dispatcher
// uses it for sends; everyone else should go through Session methods.
func (s *Session) Client() network.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
