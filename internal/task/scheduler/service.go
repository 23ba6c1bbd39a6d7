package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"readbot/internal/eventbus"
	logx "readbot/pkg/logx"
)

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef

	baseCtx    context.Context
	baseCancel context.CancelFunc

	runMu   sync.Mutex
	closing bool
	running sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:     cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:       map[string]*jobDef{},
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start begins triggering every registered job.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runMu.Lock()
	s.closing = false
	s.runMu.Unlock()

	s.c = s.newCronLocked()
	for _, d := range s.jobs {
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for in-flight runs until ctx expires.
// Descriptors are kept so Start can resume them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.jobs {
		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		d.entryID = 0
		if d.state == StateScheduled {
			d.state = StateRegistered
		}
		d.mu.Unlock()
	}
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}

	s.runMu.Lock()
	s.closing = true
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for running jobs")
		s.baseCancel()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// ApplyTimezone moves every trigger to loc. Runs already firing are not
// interrupted.
func (s *Service) ApplyTimezone(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c == nil {
		return
	}
	// Stop() without waiting: in-flight runs keep going, new triggers go to the new cron.
	s.c.Stop()
	s.c = s.newCronLocked()
	for _, d := range s.jobs {
		d.mu.Lock()
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		d.entryID = 0
		d.mu.Unlock()
		s.armLocked(d)
	}
	s.c.Start()
	s.log.Info("timezone applied", logx.String("tz", loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) newCronLocked() *cron.Cron {
	return cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	snap := Snapshot{Running: c != nil, Timezone: s.loc.String()}
	defs := make([]*jobDef, 0, len(s.jobs))
	for _, d := range s.jobs {
		defs = append(defs, d)
	}
	s.mu.Unlock()

	for _, d := range defs {
		d.mu.Lock()
		it := JobInfo{
			Name: d.name, Spec: d.spec, Once: d.once, At: d.at, State: d.state, Timeout: d.timeout,
			LastRunID: d.lastID, LastRun: d.lastRun, LastDuration: d.lastDur, LastError: d.lastErr,
			Runs: d.runs, Skips: d.skips, Failures: d.fails,
		}
		entryID := d.entryID
		d.mu.Unlock()
		if c != nil && entryID != 0 {
			e := c.Entry(entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		if d.once && it.State != StateFiring {
			it.Next = d.at
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}

// Job returns the snapshot of a single job.
func (s *Service) Job(name string) (JobInfo, bool) {
	for _, j := range s.Snapshot().Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobInfo{}, false
}

// cronLogger routes robfig/cron's internal logs through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !l.log.Enabled(logx.LevelTrace) {
		return
	}
	l.log.Trace("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
