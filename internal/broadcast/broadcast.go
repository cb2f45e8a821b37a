// Package broadcast fans one payload out to many destinations of one
// tenant, sequentially and paced, with cooperative cancellation.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wabridge/internal/eventbus"
	"wabridge/internal/network"
	rtsup "wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	logx "wabridge/pkg/logx"
)

var (
	ErrJobRunning     = errors.New("broadcast: a job is already running for this tenant")
	ErrNoDestinations = errors.New("broadcast: no destinations selected")
	ErrEmptyPayload   = errors.New("broadcast: payload has neither text nor media")
	ErrTargetNotReady = errors.New("broadcast: session is not connected")
)

// Payload is what gets delivered to every destination. Media, when set,
// is sent with Text as its caption; otherwise Text goes out alone.
type Payload struct {
	Text  string
	Media *network.Media
}

func (p Payload) empty() bool { return p.Text == "" && p.Media == nil }

// Target is the subset of a session the dispatcher drives. *session.Session
// satisfies it.
type Target interface {
	TenantID() string
	Status() session.Status
	Client() network.Client
}

// Progress is a point-in-time snapshot of one job.
type Progress struct {
	JobID      string
	TenantID   string
	Sent       int
	Failed     int
	Attempted  int
	Total      int
	Passes     int
	Repeating  bool
	Running    bool
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// Job tracks one running or finished broadcast.
type Job struct {
	id       string
	tenantID string
	total    int
	repeat   time.Duration

	cancel chan struct{} // closed exactly once by Cancel
	once   sync.Once

	mu         sync.Mutex
	sent       int
	failed     int
	attempted  int
	passes     int
	running    bool
	cancelled  bool
	startedAt  time.Time
	finishedAt time.Time
}

func (j *Job) ID() string { return j.id }

// Cancel requests a stop. The dispatcher honors it at the next suspension
// point: between destinations, during the pacing wait, or during the
// repeat wait. An in-flight send is never interrupted.
func (j *Job) Cancel() {
	j.once.Do(func() {
		j.mu.Lock()
		j.cancelled = true
		j.mu.Unlock()
		close(j.cancel)
	})
}

func (j *Job) Snapshot() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Progress{
		JobID:      j.id,
		TenantID:   j.tenantID,
		Sent:       j.sent,
		Failed:     j.failed,
		Attempted:  j.attempted,
		Total:      j.total,
		Passes:     j.passes,
		Repeating:  j.repeat > 0,
		Running:    j.running,
		Cancelled:  j.cancelled,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// Options shape one Submit call.
type Options struct {
	// Pace is the wait observed after every send, including the last of a
	// pass. Zero falls back to the service default.
	Pace time.Duration
	// RepeatEvery, when positive, re-runs the whole pass after that wait
	// until the job is cancelled.
	RepeatEvery time.Duration
}

// Service runs at most one job per tenant and keeps finished jobs around
// for status queries until they age out.
type Service struct {
	bus         eventbus.Bus
	sup         *rtsup.Supervisor
	log         logx.Logger
	defaultPace time.Duration
	statusTTL   time.Duration
	statusMax   int

	seq atomic.Uint64

	mu   sync.Mutex
	jobs map[string]*Job // tenantID -> most recent job
}

type Config struct {
	DefaultPace time.Duration
	StatusTTL   time.Duration
	StatusMax   int
}

func NewService(bus eventbus.Bus, sup *rtsup.Supervisor, log logx.Logger, cfg Config) *Service {
	if cfg.DefaultPace <= 0 {
		cfg.DefaultPace = 300 * time.Millisecond
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 24 * time.Hour
	}
	if cfg.StatusMax <= 0 {
		cfg.StatusMax = 256
	}
	return &Service{
		bus:         bus,
		sup:         sup,
		log:         log.With(logx.String("component", "broadcast")),
		defaultPace: cfg.DefaultPace,
		statusTTL:   cfg.StatusTTL,
		statusMax:   cfg.StatusMax,
		jobs:        map[string]*Job{},
	}
}

// Submit starts a job for the target's tenant. The destination list is
// snapshotted here: later changes to the tenant's selection do not affect
// a running job.
func (s *Service) Submit(target Target, destIDs []string, payload Payload, opts Options) (*Job, error) {
	if payload.empty() {
		return nil, ErrEmptyPayload
	}
	if len(destIDs) == 0 {
		return nil, ErrNoDestinations
	}
	if target.Status() != session.Connected {
		return nil, ErrTargetNotReady
	}

	pace := opts.Pace
	if pace <= 0 {
		pace = s.defaultPace
	}

	tenantID := target.TenantID()
	dests := append([]string(nil), destIDs...)

	s.mu.Lock()
	if prev, ok := s.jobs[tenantID]; ok && prev.Snapshot().Running {
		s.mu.Unlock()
		return nil, ErrJobRunning
	}
	job := &Job{
		id:        fmt.Sprintf("bc-%s-%d", tenantID, s.seq.Add(1)),
		tenantID:  tenantID,
		total:     len(dests),
		repeat:    opts.RepeatEvery,
		cancel:    make(chan struct{}),
		running:   true,
		startedAt: time.Now(),
	}
	s.jobs[tenantID] = job
	s.mu.Unlock()

	s.log.Info("broadcast started",
		logx.String("job", job.id),
		logx.String("tenant", tenantID),
		logx.Int("destinations", len(dests)),
		logx.Duration("pace", pace),
		logx.Duration("repeat", opts.RepeatEvery))

	s.sup.Go0("broadcast."+job.id, func(ctx context.Context) {
		s.run(ctx, job, target, dests, payload, pace)
	})
	return job, nil
}

func (s *Service) run(ctx context.Context, job *Job, target Target, dests []string, payload Payload, pace time.Duration) {
	defer s.finish(job)

	for {
		for _, destID := range dests {
			if stopped(ctx, job) {
				return
			}
			if target.Status() != session.Connected || target.Client() == nil {
				// The session dropped mid-pass. Stop here so the summary
				// covers only what was attempted while connected.
				s.log.Warn("broadcast aborted, session no longer connected",
					logx.String("job", job.id),
					logx.String("tenant", job.tenantID))
				return
			}
			s.sendOne(ctx, job, target, destID, payload)
			// Pacing applies after every send, failed ones included, so a
			// pass over N destinations takes at least N times the pace.
			if !s.wait(ctx, job, pace) {
				return
			}
		}
		job.mu.Lock()
		job.passes++
		job.mu.Unlock()

		if job.repeat <= 0 {
			return
		}
		if !s.wait(ctx, job, job.repeat) {
			return
		}
	}
}

func (s *Service) sendOne(ctx context.Context, job *Job, target Target, destID string, payload Payload) {
	var err error
	cl := target.Client()
	if payload.Media != nil {
		err = cl.SendMedia(ctx, destID, *payload.Media, payload.Text)
	} else {
		err = cl.SendText(ctx, destID, payload.Text)
	}

	job.mu.Lock()
	job.attempted++
	if err != nil {
		job.failed++
	} else {
		job.sent++
	}
	sent := job.sent
	job.mu.Unlock()

	if err != nil {
		// One bad destination never aborts the pass.
		s.log.Warn("broadcast send failed",
			logx.String("job", job.id),
			logx.String("destination", destID),
			logx.Err(err))
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeBroadcastProgress,
		Data: eventbus.BroadcastProgress{TenantID: job.tenantID, JobID: job.id, Sent: sent},
	})
}

// wait sleeps for d, returning false if the job was cancelled or the
// process is shutting down.
func (s *Service) wait(ctx context.Context, job *Job, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-job.cancel:
		return false
	case <-t.C:
		return true
	}
}

func stopped(ctx context.Context, job *Job) bool {
	select {
	case <-ctx.Done():
		return true
	case <-job.cancel:
		return true
	default:
		return false
	}
}

func (s *Service) finish(job *Job) {
	job.mu.Lock()
	job.running = false
	job.finishedAt = time.Now()
	snap := Progress{
		Sent:      job.sent,
		Attempted: job.attempted,
		Cancelled: job.cancelled,
	}
	job.mu.Unlock()

	s.log.Info("broadcast finished",
		logx.String("job", job.id),
		logx.Int("sent", snap.Sent),
		logx.Int("attempted", snap.Attempted),
		logx.Bool("cancelled", snap.Cancelled))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeBroadcastFinished,
		Data: eventbus.BroadcastFinished{
			TenantID:  job.tenantID,
			JobID:     job.id,
			Sent:      snap.Sent,
			Attempted: snap.Attempted,
			Cancelled: snap.Cancelled,
		},
	})
}

// Cancel stops the tenant's running job, if any.
func (s *Service) Cancel(tenantID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[tenantID]
	s.mu.Unlock()
	if !ok || !job.Snapshot().Running {
		return false
	}
	job.Cancel()
	return true
}

// Status returns the tenant's most recent job, running or finished.
func (s *Service) Status(tenantID string) (Progress, bool) {
	s.mu.Lock()
	job, ok := s.jobs[tenantID]
	s.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return job.Snapshot(), true
}

// Running reports whether the tenant has a job in flight.
func (s *Service) Running(tenantID string) bool {
	p, ok := s.Status(tenantID)
	return ok && p.Running
}

// Prune drops finished job records older than the TTL, and the oldest
// records beyond the cap. Running jobs are never pruned.
func (s *Service) Prune() int {
	cutoff := time.Now().Add(-s.statusTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tenantID, job := range s.jobs {
		p := job.Snapshot()
		if !p.Running && p.FinishedAt.Before(cutoff) {
			delete(s.jobs, tenantID)
			removed++
		}
	}

	for len(s.jobs) > s.statusMax {
		var oldestID string
		var oldest time.Time
		found := false
		for tenantID, job := range s.jobs {
			p := job.Snapshot()
			if p.Running {
				continue
			}
			if !found || p.FinishedAt.Before(oldest) {
				oldestID, oldest, found = tenantID, p.FinishedAt, true
			}
		}
		if !found {
			break
		}
		delete(s.jobs, oldestID)
		removed++
	}
	if removed > 0 {
		s.log.Debug("pruned broadcast records", logx.Int("removed", removed))
	}
	return removed
}
