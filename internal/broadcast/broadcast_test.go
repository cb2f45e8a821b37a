package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wabridge/internal/eventbus"
	"wabridge/internal/network"
	rtsup "wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

type sentRecord struct {
	destID string
	text   string
	media  bool
	at     time.Time
}

type fakeClient struct {
	mu      sync.Mutex
	sends   []sentRecord
	failFor map[string]error
}

func (c *fakeClient) Start(ctx context.Context) error { return nil }
func (c *fakeClient) Stop(ctx context.Context) error  { return nil }
func (c *fakeClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return "", errors.New("unsupported")
}
func (c *fakeClient) Reply(ctx context.Context, destID, quoteID, text string) error { return nil }
func (c *fakeClient) ListDestinations(ctx context.Context) ([]network.Destination, error) {
	return nil, nil
}
func (c *fakeClient) Logout(ctx context.Context) error { return nil }
func (c *fakeClient) Events() <-chan network.Event     { return nil }

func (c *fakeClient) SendText(ctx context.Context, destID, text string) error {
	return c.record(destID, text, false)
}

func (c *fakeClient) SendMedia(ctx context.Context, destID string, m network.Media, caption string) error {
	return c.record(destID, caption, true)
}

func (c *fakeClient) record(destID, text string, media bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failFor[destID]; ok {
		return err
	}
	c.sends = append(c.sends, sentRecord{destID, text, media, time.Now()})
	return nil
}

func (c *fakeClient) recorded() []sentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentRecord(nil), c.sends...)
}

type fakeTarget struct {
	tenant string
	client *fakeClient

	mu     sync.Mutex
	status session.Status
}

func (t *fakeTarget) TenantID() string { return t.tenant }

func (t *fakeTarget) Status() session.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *fakeTarget) setStatus(st session.Status) {
	t.mu.Lock()
	t.status = st
	t.mu.Unlock()
}

func (t *fakeTarget) Client() network.Client { return t.client }

func newTarget(tenant string) *fakeTarget {
	return &fakeTarget{tenant: tenant, client: &fakeClient{}, status: session.Connected}
}

func newService(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := rtsup.New(ctx)
	t.Cleanup(func() {
		cancel()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sup.Wait(wctx)
		wcancel()
	})
	bus := eventbus.New()
	return NewService(bus, sup, logx.Nop(), cfg), bus
}

func waitDone(t *testing.T, svc *Service, tenant string) Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := svc.Status(tenant); ok && !p.Running {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return Progress{}
}

func TestPassTakesAtLeastDestsTimesPace(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	const pace = 30 * time.Millisecond
	start := time.Now()
	_, err := svc.Submit(target, []string{"a", "b", "c"}, Payload{Text: "hi"}, Options{Pace: pace})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	p := waitDone(t, svc, "t1")
	if p.Sent != 3 || p.Attempted != 3 || p.Failed != 0 {
		t.Fatalf("progress = %+v", p)
	}
	// The wait applies after every send, the last one included.
	if elapsed := p.FinishedAt.Sub(start); elapsed < 3*pace {
		t.Fatalf("pass took %v, want at least %v", elapsed, 3*pace)
	}
	if got := target.client.recorded(); len(got) != 3 || got[0].destID != "a" || got[2].destID != "c" {
		t.Fatalf("sends = %+v", got)
	}
}

func TestFailedDestinationDoesNotAbortPass(t *testing.T) {
	svc, bus := newService(t, Config{})
	target := newTarget("t1")
	target.client.failFor = map[string]error{"b": errors.New("destination gone")}

	ch, unsub := bus.Subscribe(32)
	defer unsub()

	if _, err := svc.Submit(target, []string{"a", "b", "c"}, Payload{Text: "hi"}, Options{Pace: time.Millisecond}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p := waitDone(t, svc, "t1")
	if p.Sent != 2 || p.Failed != 1 || p.Attempted != 3 {
		t.Fatalf("progress = %+v", p)
	}

	var fin *eventbus.BroadcastFinished
	deadline := time.After(time.Second)
	for fin == nil {
		select {
		case e := <-ch:
			if e.Type == eventbus.TypeBroadcastFinished {
				v := e.Data.(eventbus.BroadcastFinished)
				fin = &v
			}
		case <-deadline:
			t.Fatal("no finished notification")
		}
	}
	if fin.Sent != 2 || fin.Attempted != 3 || fin.Cancelled {
		t.Fatalf("finished = %+v", fin)
	}
}

func TestCancelStopsBetweenSends(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	dests := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	job, err := svc.Submit(target, dests, Payload{Text: "hi"}, Options{Pace: 25 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let a couple of sends through, then cancel.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(target.client.recorded()) >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	job.Cancel()

	p := waitDone(t, svc, "t1")
	if !p.Cancelled {
		t.Fatal("job not marked cancelled")
	}
	if p.Sent >= len(dests) {
		t.Fatalf("cancel had no effect: sent %d of %d", p.Sent, len(dests))
	}
	// Every recorded send is complete; cancellation never truncates one.
	for _, rec := range target.client.recorded() {
		if rec.text != "hi" {
			t.Fatalf("partial send recorded: %+v", rec)
		}
	}
}

func TestOneJobPerTenant(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	job, err := svc.Submit(target, []string{"a", "b"}, Payload{Text: "x"}, Options{Pace: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(target, []string{"c"}, Payload{Text: "y"}, Options{}); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second submit = %v, want ErrJobRunning", err)
	}

	// A different tenant is unaffected.
	other := newTarget("t2")
	if _, err := svc.Submit(other, []string{"z"}, Payload{Text: "y"}, Options{Pace: time.Millisecond}); err != nil {
		t.Fatalf("other tenant submit: %v", err)
	}

	job.Cancel()
	waitDone(t, svc, "t1")

	if _, err := svc.Submit(target, []string{"c"}, Payload{Text: "y"}, Options{Pace: time.Millisecond}); err != nil {
		t.Fatalf("submit after finish: %v", err)
	}
}

func TestRepeatReRunsUntilCancelled(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	job, err := svc.Submit(target, []string{"a"}, Payload{Text: "hi"}, Options{
		Pace:        time.Millisecond,
		RepeatEvery: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, _ := svc.Status("t1"); p.Passes >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	job.Cancel()

	p := waitDone(t, svc, "t1")
	if p.Passes < 2 {
		t.Fatalf("passes = %d, want at least 2", p.Passes)
	}
	if p.Sent < 2 {
		t.Fatalf("sent = %d, want at least 2", p.Sent)
	}
}

func TestSessionDropAbortsPass(t *testing.T) {
	svc, bus := newService(t, Config{})
	target := newTarget("t1")

	ch, unsub := bus.Subscribe(32)
	defer unsub()

	// RepeatEvery is set so a job that survives the drop would keep
	// re-running passes; the abort must end it instead.
	if _, err := svc.Submit(target, []string{"a", "b", "c"}, Payload{Text: "hi"}, Options{
		Pace:        50 * time.Millisecond,
		RepeatEvery: 10 * time.Millisecond,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Drop the connection right after the first send lands, while the
	// dispatcher sits in the pacing wait.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(target.client.recorded()) >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	target.setStatus(session.Disconnected)

	p := waitDone(t, svc, "t1")
	if p.Attempted != 1 || p.Sent != 1 || p.Failed != 0 {
		t.Fatalf("progress = %+v, want exactly the pre-drop send", p)
	}
	if got := target.client.recorded(); len(got) != 1 {
		t.Fatalf("client saw %d sends after the drop, want 1", len(got))
	}

	// The summary still goes out on the bus and covers only the pre-drop
	// attempts.
	var fin *eventbus.BroadcastFinished
	wait := time.After(time.Second)
	for fin == nil {
		select {
		case e := <-ch:
			if e.Type == eventbus.TypeBroadcastFinished {
				v := e.Data.(eventbus.BroadcastFinished)
				fin = &v
			}
		case <-wait:
			t.Fatal("no finished notification")
		}
	}
	if fin.Sent != 1 || fin.Attempted != 1 || fin.Cancelled {
		t.Fatalf("finished = %+v", fin)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	if _, err := svc.Submit(target, nil, Payload{Text: "x"}, Options{}); !errors.Is(err, ErrNoDestinations) {
		t.Fatalf("no dests = %v", err)
	}
	if _, err := svc.Submit(target, []string{"a"}, Payload{}, Options{}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload = %v", err)
	}
	target.setStatus(session.Idle)
	if _, err := svc.Submit(target, []string{"a"}, Payload{Text: "x"}, Options{}); !errors.Is(err, ErrTargetNotReady) {
		t.Fatalf("idle target = %v", err)
	}
}

func TestMediaPayloadUsesCaption(t *testing.T) {
	svc, _ := newService(t, Config{})
	target := newTarget("t1")

	payload := Payload{
		Text:  "caption",
		Media: &network.Media{MIME: "image/png", Data: []byte{1, 2, 3}},
	}
	if _, err := svc.Submit(target, []string{"a"}, payload, Options{Pace: time.Millisecond}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, svc, "t1")

	got := target.client.recorded()
	if len(got) != 1 || !got[0].media || got[0].text != "caption" {
		t.Fatalf("sends = %+v", got)
	}
}

func TestPruneDropsAgedRecords(t *testing.T) {
	svc, _ := newService(t, Config{StatusTTL: 20 * time.Millisecond})

	target := newTarget("t1")
	if _, err := svc.Submit(target, []string{"a"}, Payload{Text: "x"}, Options{Pace: time.Millisecond}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitDone(t, svc, "t1")

	time.Sleep(30 * time.Millisecond)
	if removed := svc.Prune(); removed != 1 {
		t.Fatalf("pruned %d, want 1", removed)
	}
	if _, ok := svc.Status("t1"); ok {
		t.Fatal("record survived prune")
	}
}
