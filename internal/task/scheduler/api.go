package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"readbot/internal/eventbus"
	logx "readbot/pkg/logx"
)

// AddCron registers (or replaces) a recurring job. Replacing a job keeps its
// descriptor, so a run already in flight is not duplicated.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameEmpty
	}
	if job == nil {
		return fmt.Errorf("scheduler: job %q: nil func", name)
	}
	if err := s.validateSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[name]
	if ok && d.once {
		s.dropLocked(d)
		ok = false
	}
	if !ok {
		d = &jobDef{name: name, state: StateRegistered}
		s.jobs[name] = d
	}
	d.mu.Lock()
	d.spec = strings.TrimSpace(spec)
	d.timeout = timeout
	d.job = job
	d.mu.Unlock()

	if s.c != nil {
		s.disarmLocked(d)
		s.armLocked(d)
	}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", spec), logx.String("next", s.previewLocked(spec, 3)))
	return nil
}

// AddDaily registers a job at HH:MM every day in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job JobFunc) error {
	spec, err := DailyAt(atHHMM, nil)
	if err != nil {
		return err
	}
	return s.AddCron(name, spec, timeout, job)
}

// Reschedule swaps the trigger of an existing recurring job. Other jobs are
// untouched and a run that is firing right now completes normally.
func (s *Service) Reschedule(name, spec string) error {
	if err := s.validateSpec(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[strings.TrimSpace(name)]
	if !ok || d.once {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	d.mu.Lock()
	old := d.spec
	d.spec = strings.TrimSpace(spec)
	state := d.state
	d.mu.Unlock()

	if s.c != nil {
		s.disarmLocked(d)
		s.armLocked(d)
	}
	s.log.Info("job rescheduled",
		logx.String("job", name),
		logx.String("from", old),
		logx.String("to", spec),
		logx.Stringer("state", state),
		logx.String("next", s.previewLocked(spec, 3)),
	)
	eventbus.Publish(s.bus, eventbus.JobRescheduled, JobEvent{Name: name})
	return nil
}

// AddOnce registers a one-shot job at the given instant. A past instant
// fires as soon as the scheduler runs.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameEmpty
	}
	if at.IsZero() {
		return fmt.Errorf("scheduler: job %q: time required", name)
	}
	if job == nil {
		return fmt.Errorf("scheduler: job %q: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok {
		s.dropLocked(old)
	}
	d := &jobDef{name: name, once: true, at: at, timeout: timeout, job: job, state: StateRegistered}
	s.jobs[name] = d
	if s.c != nil {
		s.armLocked(d)
	}
	s.log.Info("one-shot job registered", logx.String("job", name), logx.Time("at", at.In(s.loc)))
	return nil
}

// Remove unregisters name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.jobs[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	s.dropLocked(d)
	s.log.Debug("job removed", logx.String("job", name))
	return true
}

func (s *Service) dropLocked(d *jobDef) {
	s.disarmLocked(d)
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
	if s.jobs[d.name] == d {
		delete(s.jobs, d.name)
	}
}

// armLocked installs the trigger for d. Call with s.mu held and s.c set.
func (s *Service) armLocked(d *jobDef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed {
		return
	}
	if d.once {
		delay := time.Until(d.at)
		if delay < 0 {
			delay = 0
		}
		d.timer = time.AfterFunc(delay, func() { s.fire(d) })
	} else {
		id, err := s.c.AddJob(d.spec, cron.FuncJob(func() { s.fire(d) }))
		if err != nil {
			s.log.Error("job register failed", logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
			return
		}
		d.entryID = id
	}
	if d.state != StateFiring {
		d.state = StateScheduled
	}
}

func (s *Service) disarmLocked(d *jobDef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entryID != 0 && s.c != nil {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (s *Service) validateSpec(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("scheduler: spec required")
	}
	if _, err := s.parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("scheduler: invalid spec %q: %w", spec, err)
	}
	return nil
}

// previewLocked lists the next n trigger times for logging.
func (s *Service) previewLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
