// Package admin is the transport-agnostic administrative surface. Every
// operation takes the caller's user id and rejects non-admins with
// ErrUnauthorized before touching any state.
package admin

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/campaign"
	"readbot/internal/clock"
	"readbot/internal/content"
	"readbot/internal/eventbus"
	"readbot/internal/ledger"
	"readbot/internal/progress"
	"readbot/internal/task/scheduler"
	logx "readbot/pkg/logx"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// HardResetToken must be passed verbatim to HardReset.
const HardResetToken = "CONFIRM"

// AllowList is the static set of admin user ids. It is swapped on config reload.
type AllowList struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewAllowList(ids []int64) *AllowList {
	a := &AllowList{}
	a.Set(ids)
	return a
}

func (a *AllowList) Set(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	a.mu.Lock()
	a.ids = m
	a.mu.Unlock()
}

func (a *AllowList) Allowed(id int64) bool {
	if a == nil || id == 0 {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

func (a *AllowList) IDs() []int64 {
	a.mu.RLock()
	out := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	a.mu.RUnlock()
	slices.Sort(out)
	return out
}

type Progress interface {
	GetActiveSession(ctx context.Context) (progress.Session, error)
	Skip(ctx context.Context, limit int) (progress.Session, error)
	SoftReset(ctx context.Context, newIndex int) (progress.Session, error)
	HardReset(ctx context.Context, newIndex int) (progress.Session, error)
}

// Campaign is the subset of *campaign.Service used here.
type Campaign interface {
	Settings() campaign.Settings
	Status(ctx context.Context) (campaign.Status, error)
	ForceSend(ctx context.Context, index int) (campaign.Delivered, error)
	UpdateSchedule(ctx context.Context, u campaign.ScheduleUpdate) (campaign.Settings, error)
	ClearSchedule(ctx context.Context) (campaign.Settings, error)
}

type Stats interface {
	ExportXLSX(ctx context.Context, w io.Writer) error
}

type Ledger interface {
	UserSummary(ctx context.Context, userID int64, since clock.Date) (ledger.Summary, error)
}

type Jobs interface {
	Job(name string) (scheduler.JobInfo, bool)
}

// invalidator is implemented by cached content sources.
type invalidator interface{ Invalidate() }

type Deps struct {
	Admins   *AllowList
	Progress Progress
	Campaign Campaign
	Stats    Stats
	Ledger   Ledger
	Content  content.Source
	Jobs     Jobs
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Admins == nil {
		d.Admins = NewAllowList(nil)
	}
	return &Service{d: d, log: d.Log.With(logx.String("comp", "admin"))}
}

// Admins exposes the allow-list so reloads can replace it.
func (s *Service) Admins() *AllowList { return s.d.Admins }

func (s *Service) IsAdmin(userID int64) bool { return s.d.Admins.Allowed(userID) }

func (s *Service) Authorize(userID int64) error {
	if !s.d.Admins.Allowed(userID) {
		s.log.Warn("unauthorized admin call", logx.Int64("user", userID))
		return ErrUnauthorized
	}
	return nil
}

// Reset is the payload of progress.reset events.
type Reset struct {
	By      int64
	Hard    bool
	Session progress.Session
}

// ResetProgress starts a new session at index (soft reset).
func (s *Service) ResetProgress(ctx context.Context, actor int64, index int) (progress.Session, error) {
	if err := s.Authorize(actor); err != nil {
		return progress.Session{}, err
	}
	if err := s.checkIndex(ctx, index); err != nil {
		return progress.Session{}, err
	}
	sess, err := s.d.Progress.SoftReset(ctx, index)
	if err != nil {
		return progress.Session{}, err
	}
	s.afterReset(actor, false, sess)
	return sess, nil
}

// HardReset wipes completions, statistics and sessions, then starts over at index.
func (s *Service) HardReset(ctx context.Context, actor int64, token string, index int) (progress.Session, error) {
	if err := s.Authorize(actor); err != nil {
		return progress.Session{}, err
	}
	if token != HardResetToken {
		return progress.Session{}, apperr.Validationf("token", "type %s to confirm a hard reset", HardResetToken)
	}
	if err := s.checkIndex(ctx, index); err != nil {
		return progress.Session{}, err
	}
	sess, err := s.d.Progress.HardReset(ctx, index)
	if err != nil {
		return progress.Session{}, err
	}
	s.afterReset(actor, true, sess)
	return sess, nil
}

func (s *Service) afterReset(actor int64, hard bool, sess progress.Session) {
	if c, ok := s.d.Content.(invalidator); ok {
		c.Invalidate()
	}
	s.log.Info("progress reset", logx.Int64("by", actor), logx.Bool("hard", hard), logx.Int("index", sess.CurrentIndex))
	eventbus.Publish(s.d.Bus, eventbus.ProgressReset, Reset{By: actor, Hard: hard, Session: sess})
}

// checkIndex accepts 0..total. When the content source is unreachable only
// the lower bound is enforced.
func (s *Service) checkIndex(ctx context.Context, index int) error {
	if index < 0 {
		return apperr.Validationf("index", "must be >= 0, got %d", index)
	}
	items, err := s.d.Content.List(ctx)
	if err != nil {
		s.log.Warn("content listing failed; index upper bound not checked", logx.Err(err))
		return nil
	}
	if total := content.Total(items); index > total {
		return apperr.Validationf("index", "%d exceeds the last item (%d)", index, total)
	}
	return nil
}

// SkipOne moves past the next item without sending it.
func (s *Service) SkipOne(ctx context.Context, actor int64) (progress.Session, error) {
	if err := s.Authorize(actor); err != nil {
		return progress.Session{}, err
	}
	limit := -1
	if items, err := s.d.Content.List(ctx); err == nil {
		limit = content.Total(items)
	} else {
		s.log.Warn("content listing failed; skip not bounded", logx.Err(err))
	}
	sess, err := s.d.Progress.Skip(ctx, limit)
	if err != nil {
		return progress.Session{}, err
	}
	s.log.Info("item skipped", logx.Int64("by", actor), logx.Int("index", sess.CurrentIndex))
	return sess, nil
}

func (s *Service) ForceSend(ctx context.Context, actor int64, index int) (campaign.Delivered, error) {
	if err := s.Authorize(actor); err != nil {
		return campaign.Delivered{}, err
	}
	res, err := s.d.Campaign.ForceSend(ctx, index)
	if err != nil {
		return res, err
	}
	s.log.Info("forced delivery", logx.Int64("by", actor), logx.Int("index", index), logx.Bool("advanced", res.Advanced))
	return res, nil
}

func (s *Service) SetSchedule(ctx context.Context, actor int64, u campaign.ScheduleUpdate) (campaign.Settings, error) {
	if err := s.Authorize(actor); err != nil {
		return campaign.Settings{}, err
	}
	if u.Empty() {
		return campaign.Settings{}, apperr.Validationf("schedule", "nothing to change")
	}
	set, err := s.d.Campaign.UpdateSchedule(ctx, u)
	if err != nil {
		return campaign.Settings{}, err
	}
	s.log.Info("schedule updated", logx.Int64("by", actor), logx.String("send_time", set.SendTime),
		logx.Stringer("start_date", set.StartDate), logx.Int("start_index", set.StartIndex))
	return set, nil
}

func (s *Service) ClearSchedule(ctx context.Context, actor int64) (campaign.Settings, error) {
	if err := s.Authorize(actor); err != nil {
		return campaign.Settings{}, err
	}
	set, err := s.d.Campaign.ClearSchedule(ctx)
	if err != nil {
		return campaign.Settings{}, err
	}
	s.log.Info("schedule overrides cleared", logx.Int64("by", actor))
	return set, nil
}

// ScheduleInfo is the effective schedule plus the upcoming runs.
type ScheduleInfo struct {
	Settings campaign.Settings
	Location *time.Location
	Jobs     []scheduler.JobInfo
}

func (s *Service) ScheduleInfo(ctx context.Context, actor int64) (ScheduleInfo, error) {
	if err := s.Authorize(actor); err != nil {
		return ScheduleInfo{}, err
	}
	info := ScheduleInfo{Settings: s.d.Campaign.Settings(), Location: s.d.Clock.Location()}
	if s.d.Jobs != nil {
		for _, name := range []string{campaign.JobDelivery, campaign.JobDailyReport, campaign.JobMonthlyReport, campaign.JobOverallReport} {
			if j, ok := s.d.Jobs.Job(name); ok {
				info.Jobs = append(info.Jobs, j)
			}
		}
	}
	return info, nil
}

// SourceReport is the result of a content source check.
type SourceReport struct {
	Items   int
	Total   int
	First   content.Item
	Last    content.Item
	Missing []int // gaps in 1..Total
	Bytes   int   // size of the first item
}

// TestContentSource drops any cached listing, re-lists the source and fetches
// the first item.
func (s *Service) TestContentSource(ctx context.Context, actor int64) (SourceReport, error) {
	if err := s.Authorize(actor); err != nil {
		return SourceReport{}, err
	}
	if c, ok := s.d.Content.(invalidator); ok {
		c.Invalidate()
	}
	items, err := s.d.Content.List(ctx)
	if err != nil {
		return SourceReport{}, apperr.External("content", "list", err)
	}
	rep := SourceReport{Items: len(items), Total: content.Total(items)}
	if len(items) == 0 {
		return rep, nil
	}
	rep.First, rep.Last = items[0], items[len(items)-1]
	rep.Missing = missing(items, rep.Total)

	data, err := s.d.Content.Fetch(ctx, rep.First.Ref)
	if err != nil {
		return rep, apperr.External("content", "fetch", err)
	}
	rep.Bytes = len(data)
	return rep, nil
}

func missing(items []content.Item, total int) []int {
	seen := make(map[int]bool, len(items))
	for _, it := range items {
		seen[it.Index] = true
	}
	var out []int
	for i := 1; i <= total; i++ {
		if !seen[i] {
			out = append(out, i)
		}
	}
	return out
}

func (s *Service) Status(ctx context.Context, actor int64) (campaign.Status, error) {
	if err := s.Authorize(actor); err != nil {
		return campaign.Status{}, err
	}
	return s.d.Campaign.Status(ctx)
}

// ExportStats writes every statistics table as an XLSX workbook to w.
func (s *Service) ExportStats(ctx context.Context, actor int64, w io.Writer) error {
	if err := s.Authorize(actor); err != nil {
		return err
	}
	return s.d.Stats.ExportXLSX(ctx, w)
}

// MyStats is open to everyone: the caller's completions in the active session.
func (s *Service) MyStats(ctx context.Context, userID int64) (ledger.Summary, error) {
	return s.d.Ledger.UserSummary(ctx, userID, clock.Date{})
}
