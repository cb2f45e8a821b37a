package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wabridge/internal/credstore"
	"wabridge/internal/entitlement"
	"wabridge/internal/eventbus"
	"wabridge/internal/network"
	"wabridge/internal/reconnect"
	rtsup "wabridge/internal/runtime/supervisor"
	logx "wabridge/pkg/logx"
)

// ---- fakes ----

type recordedReply struct {
	destID, quoteID, text string
}

type fakeClient struct {
	mu        sync.Mutex
	events    chan network.Event
	started   bool
	stopped   bool
	logoutErr error
	loggedOut bool
	dests     []network.Destination
	replies   []recordedReply
	pairCode  string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan network.Event, 16)}
}

func (c *fakeClient) push(e network.Event) { c.events <- e }

func (c *fakeClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		close(c.events)
	}
	return nil
}

func (c *fakeClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairCode == "" {
		return "", errors.New("no code configured")
	}
	return c.pairCode, nil
}

func (c *fakeClient) SendText(ctx context.Context, destID, text string) error { return nil }
func (c *fakeClient) SendMedia(ctx context.Context, destID string, m network.Media, caption string) error {
	return nil
}

func (c *fakeClient) Reply(ctx context.Context, destID, quoteID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, recordedReply{destID, quoteID, text})
	return nil
}

func (c *fakeClient) recordedReplies() []recordedReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedReply(nil), c.replies...)
}

func (c *fakeClient) ListDestinations(ctx context.Context) ([]network.Destination, error) {
	return append([]network.Destination(nil), c.dests...), nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return c.logoutErr
}

func (c *fakeClient) Events() <-chan network.Event { return c.events }

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	dials   int
	at      []time.Time
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID string, creds credstore.Store) (network.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.at = append(d.at, time.Now())
	if d.dials >= len(d.clients) {
		d.dials++
		return nil, errors.New("fake dialer exhausted")
	}
	cl := d.clients[d.dials]
	d.dials++
	return cl, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeReplies struct {
	rules map[string]string // keyword -> response, one tenant
}

func (f *fakeReplies) Match(ctx context.Context, tenantID, text string) (string, bool, error) {
	r, ok := f.rules[text]
	return r, ok, nil
}

// ---- rig ----

type rig struct {
	reg    *Registry
	dialer *fakeDialer
	creds  credstore.Store
	bus    eventbus.Bus
	sup    *rtsup.Supervisor
}

func newRig(t *testing.T, dialer *fakeDialer, entitled bool, tweak func(*Deps)) *rig {
	t.Helper()
	creds, err := credstore.Open(credstore.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "creds"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("credstore: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := rtsup.New(ctx)
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Wait(wctx)
		wcancel()
		_ = creds.Close()
	})

	bus := eventbus.New()
	deps := Deps{
		Creds:          creds,
		Dialer:         dialer,
		Policy:         reconnect.New(40*time.Millisecond, 500*time.Millisecond),
		Bus:            bus,
		Replies:        &fakeReplies{},
		Log:            logx.Nop(),
		Sup:            sup,
		PairingSettle:  10 * time.Millisecond,
		PairingTimeout: time.Minute,
		RetrySpacing:   5 * time.Second,
	}
	if tweak != nil {
		tweak(&deps)
	}

	check := entitlement.CheckerFunc(func(ctx context.Context, tenantID string) (bool, error) {
		return entitled, nil
	})
	return &rig{
		reg:    NewRegistry(deps, check, 10*time.Millisecond),
		dialer: dialer,
		creds:  creds,
		bus:    bus,
		sup:    sup,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func collect(ch <-chan eventbus.Event, typ string, d time.Duration) []eventbus.Event {
	var out []eventbus.Event
	deadline := time.After(d)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			if e.Type == typ {
				out = append(out, e)
			}
		case <-deadline:
			return out
		}
	}
}

// ---- tests ----

func TestConnectIdempotentWhileLive(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ctx := context.Background()
	if _, err := r.reg.Connect(ctx, "t1", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cl.push(network.PairingEvent{QR: "qr"})

	s, _ := r.reg.Get("t1")
	waitFor(t, "awaiting pairing", func() bool { return s.Status() == AwaitingPairing })

	// Concurrent connects must never produce a second live client.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.reg.Connect(ctx, "t1", ConnectOptions{})
		}()
	}
	wg.Wait()

	if got := d.dialCount(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestPairingArtifactForwardedOnce(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ch, unsub := r.bus.Subscribe(32)
	defer unsub()

	if _, err := r.reg.Connect(context.Background(), "t1", ConnectOptions{}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Client libraries re-emit while waiting; only the first may reach the
	// control surface.
	cl.push(network.PairingEvent{QR: "qr"})
	cl.push(network.PairingEvent{QR: "qr"})
	cl.push(network.PairingEvent{QR: "qr"})

	got := collect(ch, eventbus.TypePairingReady, 300*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("pairing artifacts forwarded = %d, want 1", len(got))
	}
	pr := got[0].Data.(eventbus.PairingReady)
	if pr.QR != "qr" || pr.TenantID != "t1" {
		t.Fatalf("unexpected artifact %+v", pr)
	}
}

func TestConnectedTransition(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ch, unsub := r.bus.Subscribe(32)
	defer unsub()

	s, err := r.reg.Connect(context.Background(), "t1", ConnectOptions{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	cl.push(network.PairingEvent{QR: "qr"})
	cl.push(network.ConnectedEvent{})

	waitFor(t, "connected", func() bool { return s.Status() == Connected })
	if got := collect(ch, eventbus.TypeConnected, 200*time.Millisecond); len(got) != 1 {
		t.Fatalf("connected notifications = %d, want 1", len(got))
	}
}

func TestAutoReply(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, func(deps *Deps) {
		deps.Replies = &fakeReplies{rules: map[string]string{"price": "100"}}
	})

	s, _ := r.reg.Connect(context.Background(), "t1", ConnectOptions{})
	cl.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	cl.push(network.MessageEvent{ChatID: "chat", MessageID: "m1", Body: "price"})
	cl.push(network.MessageEvent{ChatID: "chat", MessageID: "m2", Body: "price", FromSelf: true})
	cl.push(network.MessageEvent{ChatID: "chat", MessageID: "m3", Body: "price", Ephemeral: true})
	cl.push(network.MessageEvent{ChatID: "chat", MessageID: "m4", Body: "no rule"})

	waitFor(t, "one reply", func() bool { return len(cl.recordedReplies()) == 1 })
	time.Sleep(50 * time.Millisecond)

	got := cl.recordedReplies()
	if len(got) != 1 {
		t.Fatalf("replies = %d, want 1", len(got))
	}
	if got[0].quoteID != "m1" || got[0].text != "100" {
		t.Fatalf("reply = %+v", got[0])
	}
}

func TestLogoutCleansLocallyDespiteRemoteFailure(t *testing.T) {
	cl := newFakeClient()
	cl.logoutErr = errors.New("remote unreachable")
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ctx := context.Background()
	s, _ := r.reg.Connect(ctx, "t1", ConnectOptions{})
	cl.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	_ = r.creds.Write(ctx, "t1", credstore.ArtifactIdentity, []byte("x"))
	_ = r.creds.Write(ctx, "t1", credstore.ArtifactKeys, []byte("y"))

	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	// Local state cleared and credentials gone, even though the remote
	// teardown failed.
	if s.Status() != Idle {
		t.Fatalf("status = %v, want Idle", s.Status())
	}
	if _, ok := r.reg.Get("t1"); ok {
		t.Fatal("session still registered after logout")
	}
	if complete, _ := credstore.CompleteSet(ctx, r.creds, "t1"); complete {
		t.Fatal("credentials survived logout")
	}

	// Logout followed by connect starts clean.
	cl2 := newFakeClient()
	d.mu.Lock()
	d.clients = append(d.clients, cl2)
	d.mu.Unlock()
	if _, err := r.reg.Connect(ctx, "t1", ConnectOptions{}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := d.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
}

func TestAuthRejectedWipesAndReports(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ch, unsub := r.bus.Subscribe(32)
	defer unsub()

	ctx := context.Background()
	_ = r.creds.Write(ctx, "t1", credstore.ArtifactIdentity, []byte("x"))
	_ = r.creds.Write(ctx, "t1", credstore.ArtifactKeys, []byte("y"))

	s, _ := r.reg.Connect(ctx, "t1", ConnectOptions{})
	cl.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	cl.push(network.DisconnectedEvent{Cause: network.CauseAuthRejected})

	waitFor(t, "session removed", func() bool {
		_, ok := r.reg.Get("t1")
		return !ok
	})
	if complete, _ := credstore.CompleteSet(ctx, r.creds, "t1"); complete {
		t.Fatal("credentials survived auth rejection")
	}

	got := collect(ch, eventbus.TypeDisconnected, 300*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("disconnect notifications = %d, want 1", len(got))
	}
	if dc := got[0].Data.(eventbus.Disconnected); !dc.Reauth {
		t.Fatalf("notification should demand re-pairing: %+v", dc)
	}
}

func TestLogoutDuringBackoffWaitStopsReconnect(t *testing.T) {
	cl := newFakeClient()
	spare := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl, spare}}
	r := newRig(t, d, true, func(deps *Deps) {
		deps.Policy = reconnect.New(200*time.Millisecond, time.Second)
	})

	ctx := context.Background()
	s, _ := r.reg.Connect(ctx, "t1", ConnectOptions{})
	cl.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	cl.push(network.DisconnectedEvent{Cause: network.CauseNetwork})
	waitFor(t, "disconnected", func() bool { return s.Status() == Disconnected })

	// Logout lands while the reconnect timer is pending; it must win, and
	// the timer firing later must not dial a client for a tenant that is
	// no longer registered.
	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dial count = %d after logout, want 1", got)
	}
	if st := s.Status(); st != Idle {
		t.Fatalf("status = %v after logout, want Idle", st)
	}
	if _, ok := r.reg.Get("t1"); ok {
		t.Fatal("session still registered after logout")
	}
}

func TestStreamRestartRedialsWithSpacing(t *testing.T) {
	cl1 := newFakeClient()
	cl2 := newFakeClient()
	cl3 := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl1, cl2, cl3}}
	r := newRig(t, d, true, nil)

	s, _ := r.reg.Connect(context.Background(), "t1", ConnectOptions{})
	cl1.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	// First stream restart: immediate redial.
	cl1.push(network.DisconnectedEvent{Cause: network.CauseStreamRestart})
	waitFor(t, "second dial", func() bool { return d.dialCount() == 2 })

	cl2.push(network.ConnectedEvent{})
	waitFor(t, "reconnected", func() bool { return s.Status() == Connected })

	// A rapid second restart for the same cause must not be immediate:
	// it is demoted to the backoff path.
	cl2.push(network.DisconnectedEvent{Cause: network.CauseStreamRestart})
	waitFor(t, "third dial", func() bool { return d.dialCount() == 3 })

	d.mu.Lock()
	gap := d.at[2].Sub(d.at[1])
	d.mu.Unlock()
	if gap < 40*time.Millisecond {
		t.Fatalf("second restart redialed after %v; expected backoff spacing", gap)
	}
}

func TestPairingTimeout(t *testing.T) {
	cl := newFakeClient()
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, func(deps *Deps) {
		deps.PairingTimeout = 60 * time.Millisecond
	})

	ch, unsub := r.bus.Subscribe(32)
	defer unsub()

	s, _ := r.reg.Connect(context.Background(), "t1", ConnectOptions{})
	cl.push(network.PairingEvent{QR: "qr"})
	waitFor(t, "awaiting pairing", func() bool { return s.Status() == AwaitingPairing })

	waitFor(t, "session removed after timeout", func() bool {
		_, ok := r.reg.Get("t1")
		return !ok
	})

	got := collect(ch, eventbus.TypeDisconnected, 300*time.Millisecond)
	if len(got) != 1 {
		t.Fatalf("disconnect notifications = %d, want 1", len(got))
	}
}

func TestFetchDestinationsFiltersAndCaches(t *testing.T) {
	cl := newFakeClient()
	cl.dests = []network.Destination{
		{ID: "a", Name: "A"},
		{ID: "ro", Name: "RO", ReadOnly: true},
		{ID: "b", Name: "B"},
		{ID: "arch", Name: "Old", Archived: true},
	}
	d := &fakeDialer{clients: []*fakeClient{cl}}
	r := newRig(t, d, true, nil)

	ctx := context.Background()
	s, _ := r.reg.Connect(ctx, "t1", ConnectOptions{})

	if _, err := s.FetchDestinations(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("fetch before connect = %v, want ErrNotConnected", err)
	}

	cl.push(network.ConnectedEvent{})
	waitFor(t, "connected", func() bool { return s.Status() == Connected })

	got, err := s.FetchDestinations(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("destinations = %+v", got)
	}

	// Selection snapshot semantics.
	s.ToggleDestination("a")
	s.ToggleDestination("b")
	snap := s.Selected()
	s.ToggleDestination("b") // deselect after snapshot
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated: %v", snap)
	}
	if sel := s.Selected(); len(sel) != 1 || sel[0] != "a" {
		t.Fatalf("selection = %v", sel)
	}

	if n := s.SelectAll(); n != 2 {
		t.Fatalf("select all = %d, want 2", n)
	}
	s.DeselectAll()
	if sel := s.Selected(); len(sel) != 0 {
		t.Fatalf("selection after deselect = %v", sel)
	}

	s.ClearDestinationCache()
	if ds := s.Destinations(); len(ds) != 0 {
		t.Fatalf("cache not cleared: %v", ds)
	}
}
