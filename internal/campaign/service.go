// Package campaign wires the progress store, the ledger and the stats engine
// to the scheduler: it owns the delivery, daily, monthly and overall jobs and
// the completion intake.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"readbot/internal/clock"
	"readbot/internal/content"
	"readbot/internal/eventbus"
	"readbot/internal/ledger"
	"readbot/internal/progress"
	"readbot/internal/stats"
	"readbot/internal/task/scheduler"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

// Job names.
const (
	JobDelivery      = "delivery"
	JobDailyReport   = "daily-report"
	JobMonthlyReport = "monthly-report"
	JobOverallReport = "overall-report"
)

// OverallReportDelay leaves one more day of completions after the last item.
const OverallReportDelay = 24 * time.Hour

type Progress interface {
	GetActiveSession(ctx context.Context) (progress.Session, error)
	AdvanceSession(ctx context.Context, sessionID int64, newIndex int) error
	Span(ctx context.Context, id int64) (sess progress.Session, until clock.Date, found bool, err error)
	SetStartIndex(idx int) error
}

type Ledger interface {
	Record(ctx context.Context, c ledger.Completion) (ledger.Outcome, error)
}

type Stats interface {
	ComputeAndSaveDailyStat(ctx context.Context, date clock.Date, totalMembers int) (stats.DailyStat, error)
	ComputeMonthlyStat(ctx context.Context, year int, month time.Month) (*stats.MonthlyStat, error)
	SaveMonthlyStat(ctx context.Context, st stats.MonthlyStat) error
	ComputeOverallStatFor(ctx context.Context, totalContentCount int, start, until clock.Date) (*stats.OverallStat, error)
}

// Scheduler is the subset of *scheduler.Service the campaign drives.
type Scheduler interface {
	AddCron(name, spec string, timeout time.Duration, job scheduler.JobFunc) error
	AddDaily(name, atHHMM string, timeout time.Duration, job scheduler.JobFunc) error
	Reschedule(name, spec string) error
	AddOnce(name string, at time.Time, timeout time.Duration, job scheduler.JobFunc) error
}

// Delivery is the chat side: sending content and reports, counting members.
type Delivery interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPhoto(ctx context.Context, to kit.ChatTarget, f kit.File) (kit.MessageRef, error)
	SendDocument(ctx context.Context, to kit.ChatTarget, f kit.File) (kit.MessageRef, error)
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

type Deps struct {
	Clock    clock.Clock
	Progress Progress
	Ledger   Ledger
	Stats    Stats
	Content  content.Source
	Delivery Delivery
	Store    SettingsStore
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	d   Deps
	log logx.Logger

	mu    sync.RWMutex
	base  Settings // from the config file
	set   Settings // base + stored overrides
	sched Scheduler

	// deliverMu keeps the delivery job and force-send from sending the same item twice.
	deliverMu sync.Mutex
}

// New resolves stored overrides on top of base.
func New(ctx context.Context, base Settings, d Deps) (*Service, error) {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	s := &Service{d: d, log: d.Log.With(logx.String("comp", "campaign")), base: base}
	set, err := s.resolve(ctx, base)
	if err != nil {
		return nil, err
	}
	if _, err := set.DeliverySpec(); err != nil {
		return nil, err
	}
	s.set = set
	if err := d.Progress.SetStartIndex(set.StartIndex); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

func (s *Service) resolve(ctx context.Context, base Settings) (Settings, error) {
	if s.d.Store == nil {
		return base, nil
	}
	kv, err := s.d.Store.Settings(ctx)
	if err != nil {
		return Settings{}, err
	}
	set, errs := applyOverrides(base, kv)
	for _, err := range errs {
		s.log.Warn("ignoring stored schedule override", logx.Err(err))
	}
	return set, nil
}

// Register installs the recurring jobs on sched.
func (s *Service) Register(sched Scheduler) error {
	set := s.Settings()
	spec, err := set.DeliverySpec()
	if err != nil {
		return err
	}
	if err := sched.AddCron(JobDelivery, spec, set.JobTimeout, s.RunDelivery); err != nil {
		return fmt.Errorf("register %s: %w", JobDelivery, err)
	}
	if err := sched.AddDaily(JobDailyReport, set.DailyReportTime, set.JobTimeout, s.RunDailyReport); err != nil {
		return fmt.Errorf("register %s: %w", JobDailyReport, err)
	}
	// fires daily; the job itself decides whether today closes the month
	if err := sched.AddDaily(JobMonthlyReport, set.MonthlyReportTime, set.JobTimeout, s.RunMonthlyReport); err != nil {
		return fmt.Errorf("register %s: %w", JobMonthlyReport, err)
	}
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
	s.log.Info("campaign jobs registered", logx.String("delivery", spec),
		logx.String("daily_report", set.DailyReportTime), logx.String("monthly_report", set.MonthlyReportTime))
	return nil
}

// Reconfigure applies a new file configuration. Only jobs whose trigger
// changed are re-registered.
func (s *Service) Reconfigure(ctx context.Context, base Settings) error {
	set, err := s.resolve(ctx, base)
	if err != nil {
		return err
	}
	if err := s.apply(set); err != nil {
		return err
	}
	s.mu.Lock()
	s.base = base
	s.mu.Unlock()
	return nil
}

func (s *Service) apply(set Settings) error {
	newSpec, err := set.DeliverySpec()
	if err != nil {
		return err
	}
	if err := s.d.Progress.SetStartIndex(set.StartIndex); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.set
	s.set = set
	sched := s.sched
	s.mu.Unlock()

	if sched == nil {
		return nil
	}
	oldSpec, _ := old.DeliverySpec()
	if oldSpec != newSpec {
		if err := sched.Reschedule(JobDelivery, newSpec); err != nil {
			return err
		}
	}
	if old.DailyReportTime != set.DailyReportTime || old.JobTimeout != set.JobTimeout {
		if err := sched.AddDaily(JobDailyReport, set.DailyReportTime, set.JobTimeout, s.RunDailyReport); err != nil {
			return err
		}
	}
	if old.MonthlyReportTime != set.MonthlyReportTime || old.JobTimeout != set.JobTimeout {
		if err := sched.AddDaily(JobMonthlyReport, set.MonthlyReportTime, set.JobTimeout, s.RunMonthlyReport); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSchedule validates, persists and applies a runtime override.
func (s *Service) UpdateSchedule(ctx context.Context, u ScheduleUpdate) (Settings, error) {
	if err := u.validate(); err != nil {
		return Settings{}, err
	}
	if u.Empty() {
		return s.Settings(), nil
	}
	if s.d.Store == nil {
		return Settings{}, errors.New("campaign: no settings store")
	}
	if err := s.d.Store.PutSettings(ctx, u.pairs()); err != nil {
		return Settings{}, err
	}
	return s.reapply(ctx)
}

// ClearSchedule drops every runtime override so the file configuration applies again.
func (s *Service) ClearSchedule(ctx context.Context) (Settings, error) {
	if s.d.Store == nil {
		return s.Settings(), nil
	}
	if err := s.d.Store.DeleteSettings(ctx, overrideKeys...); err != nil {
		return Settings{}, err
	}
	return s.reapply(ctx)
}

func (s *Service) reapply(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()
	set, err := s.resolve(ctx, base)
	if err != nil {
		return Settings{}, err
	}
	if err := s.apply(set); err != nil {
		return Settings{}, err
	}
	return set, nil
}

// Status is a read-only view for the admin surface.
type Status struct {
	Session    progress.Session
	Total      int
	ContentErr error
	Settings   Settings
	Today      clock.Date
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	sess, err := s.d.Progress.GetActiveSession(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Session: sess, Settings: s.Settings(), Today: s.d.Clock.Today()}
	items, err := s.d.Content.List(ctx)
	if err != nil {
		st.ContentErr = err
	} else {
		st.Total = content.Total(items)
	}
	return st, nil
}

func (s *Service) group() kit.ChatTarget {
	return kit.ChatTarget{ChatID: s.Settings().GroupID}
}

func (s *Service) publish(typ string, data any) {
	eventbus.Publish(s.d.Bus, typ, data)
}
