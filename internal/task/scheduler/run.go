package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"readbot/internal/eventbus"
	logx "readbot/pkg/logx"
)

// fire runs d once. A job that is still firing when its next trigger comes is
// skipped, never queued.
func (s *Service) fire(d *jobDef) {
	s.runMu.Lock()
	if s.closing {
		s.runMu.Unlock()
		return
	}
	s.running.Add(1)
	s.runMu.Unlock()
	defer s.running.Done()

	d.mu.Lock()
	if d.removed {
		d.mu.Unlock()
		return
	}
	if d.state == StateFiring {
		d.skips++
		d.mu.Unlock()
		s.log.Debug("job skipped: previous run still firing", logx.String("job", d.name))
		eventbus.Publish(s.bus, eventbus.JobSkipped, JobEvent{Name: d.name, Started: time.Now(), Error: "overlap"})
		return
	}
	d.state = StateFiring
	job, name := d.job, d.name
	timeout := d.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	d.mu.Unlock()

	runID := uuid.NewString()
	log := s.log.With(logx.String("job", name), logx.String("run", runID))
	started := time.Now()
	eventbus.Publish(s.bus, eventbus.JobStarted, JobEvent{RunID: runID, Name: name, Started: started})
	log.Debug("job firing")

	ctx := s.baseCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := runSafe(ctx, job)
	dur := time.Since(started)

	d.mu.Lock()
	d.runs++
	d.lastID = runID
	d.lastRun = started
	d.lastDur = dur
	if err != nil {
		d.fails++
		d.lastErr = err.Error()
	} else {
		d.lastErr = ""
	}
	switch {
	case d.once:
		d.removed = true
		d.state = StateRegistered
	case d.entryID != 0:
		d.state = StateScheduled
	default:
		d.state = StateRegistered
	}
	once := d.once
	d.mu.Unlock()

	if once {
		s.mu.Lock()
		if s.jobs[name] == d {
			delete(s.jobs, name)
		}
		s.mu.Unlock()
	}

	ev := JobEvent{RunID: runID, Name: name, Started: started, Duration: dur}
	if err != nil {
		ev.Error = err.Error()
		log.Error("job failed", logx.Duration("took", dur), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.JobFailed, ev)
		return
	}
	log.Info("job done", logx.Duration("took", dur))
	eventbus.Publish(s.bus, eventbus.JobSucceeded, ev)
}

func runSafe(ctx context.Context, job JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return job(ctx)
}
