package session

import (
	"context"
	"errors"
	"time"

	"sync"

	"wabridge/internal/credstore"
	"wabridge/internal/entitlement"
	"wabridge/internal/eventbus"
	logx "wabridge/pkg/logx"
)

var ErrNotEntitled = errors.New("session: tenant not entitled")

// Registry is the process-wide map from tenant id to live Session. It is
// the only shared mutable state between tenants.
type Registry struct {
	deps    Deps
	entitle entitlement.Checker
	log     logx.Logger

	// restoreDelay throttles boot restoration so simultaneous client
	// startups don't stampede the network.
	restoreDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(deps Deps, entitle entitlement.Checker, restoreDelay time.Duration) *Registry {
	deps.defaults()
	if restoreDelay <= 0 {
		restoreDelay = 5 * time.Second
	}
	return &Registry{
		deps:         deps,
		entitle:      entitle,
		log:          deps.Log.With(logx.String("comp", "registry")),
		restoreDelay: restoreDelay,
		sessions:     map[string]*Session{},
	}
}

// GetOrCreate returns the tenant's session, creating an Idle one if absent.
// While a session is live this is idempotent: the existing instance is
// returned and no new client can result. A session caught mid-destruction
// is replaced rather than returned.
func (r *Registry) GetOrCreate(tenantID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok && !s.isDead() {
		return s
	}
	s := newSession(tenantID, r.deps, r.forget)
	r.sessions[tenantID] = s
	return s
}

func (r *Registry) Get(tenantID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

// forget drops the map entry. Sessions call it on self-destruction. The
// entry is matched by pointer so a dead session can never evict the fresh
// one that replaced it.
func (r *Registry) forget(dead *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[dead.tenantID]; ok && cur == dead {
		delete(r.sessions, dead.tenantID)
	}
	r.mu.Unlock()
}

// Connect honors one connect request: entitlement first, then the
// session's own idempotent connect.
func (r *Registry) Connect(ctx context.Context, tenantID string, opts ConnectOptions) (*Session, error) {
	ok, err := r.entitle.IsEntitled(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotEntitled
	}
	s := r.GetOrCreate(tenantID)
	err = s.Connect(ctx, opts)
	if errors.Is(err, ErrSessionClosed) {
		// The session destroyed itself between lookup and connect; a fresh
		// one takes its place.
		s = r.GetOrCreate(tenantID)
		err = s.Connect(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Logout tears down the tenant's session and credentials. Missing session
// still wipes credentials, so logout is always safe to retry.
func (r *Registry) Logout(ctx context.Context, tenantID string) error {
	if s, ok := r.Get(tenantID); ok {
		return s.Logout(ctx)
	}
	return r.deps.Creds.DeleteAll(ctx, tenantID)
}

// Teardown destroys a tenant's session with a user-visible reason
// (entitlement revocation, admin action).
func (r *Registry) Teardown(ctx context.Context, tenantID, reason string) error {
	err := r.Logout(ctx, tenantID)
	if reason != "" && r.deps.Bus != nil {
		r.deps.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeDisconnected,
			Data: eventbus.Disconnected{TenantID: tenantID, Reason: reason},
		})
	}
	return err
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Live lists tenants whose session currently holds a client.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.Status().Live() {
			out = append(out, id)
		}
	}
	return out
}

// RestoreAll restores sessions for every tenant that still holds a
// complete credential set and a valid entitlement. Pairing prompts are
// impossible here, so restoration is headless; stale credentials surface
// later as a normal Disconnected transition. Partial credential sets are
// purged. Restoration is throttled with a fixed inter-tenant delay.
func (r *Registry) RestoreAll(ctx context.Context) {
	tenants, err := r.deps.Creds.Tenants(ctx)
	if err != nil {
		r.log.Error("restore scan failed", logx.Err(err))
		return
	}
	r.log.Info("restoring saved sessions", logx.Int("candidates", len(tenants)))

	restored := 0
	for i, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}

		complete, err := credstore.CompleteSet(ctx, r.deps.Creds, tenantID)
		if err != nil {
			r.log.Warn("restore check failed", logx.String("tenant", tenantID), logx.Err(err))
			continue
		}
		if !complete {
			// Treat a partial set as absent and purge the remainder.
			r.log.Warn("purging partial credential set", logx.String("tenant", tenantID))
			if err := r.deps.Creds.DeleteAll(ctx, tenantID); err != nil {
				r.log.Error("purge failed", logx.String("tenant", tenantID), logx.Err(err))
			}
			continue
		}

		ok, err := r.entitle.IsEntitled(ctx, tenantID)
		if err != nil {
			r.log.Warn("entitlement check failed", logx.String("tenant", tenantID), logx.Err(err))
			continue
		}
		if !ok {
			r.log.Info("skipping restore; entitlement lapsed", logx.String("tenant", tenantID))
			continue
		}

		s := r.GetOrCreate(tenantID)
		if err := s.Connect(ctx, ConnectOptions{Headless: true}); err != nil {
			r.log.Warn("restore connect failed", logx.String("tenant", tenantID), logx.Err(err))
			continue
		}
		restored++

		if i < len(tenants)-1 {
			t := time.NewTimer(r.restoreDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
	r.log.Info("session restore done", logx.Int("restored", restored))
}
