package campaign

import (
	"context"
	"errors"
	"fmt"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/content"
	"readbot/internal/eventbus"
	"readbot/internal/progress"
	"readbot/internal/stats"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

// Delivered describes one content delivery.
type Delivered struct {
	Session  int64
	Index    int
	Total    int
	Item     content.Item
	Advanced bool
	// Finished is set when this delivery completed the sequence.
	Finished bool
}

// RunDelivery is the delivery job.
func (s *Service) RunDelivery(ctx context.Context) error {
	set := s.Settings()
	today := s.d.Clock.Today()
	if !set.StartDate.IsZero() && today.Before(set.StartDate) {
		s.log.Debug("before campaign start; skipping delivery", logx.Stringer("today", today), logx.Stringer("start", set.StartDate))
		return nil
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	sess, err := s.d.Progress.GetActiveSession(ctx)
	if err != nil {
		return err
	}
	items, err := s.list(ctx)
	if err != nil {
		return err
	}
	next, total := sess.NextIndex(), content.Total(items)
	if next > total {
		s.log.Info("campaign finished; nothing to deliver", logx.Int("current", sess.CurrentIndex), logx.Int("total", total))
		return nil
	}
	_, err = s.deliverLocked(ctx, set, sess, items, next, true)
	return err
}

// ForceSend delivers item index now. The pointer only moves when index is
// ahead of it.
func (s *Service) ForceSend(ctx context.Context, index int) (Delivered, error) {
	if index < 1 {
		return Delivered{}, apperr.Validationf("index", "must be >= 1, got %d", index)
	}
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	sess, err := s.d.Progress.GetActiveSession(ctx)
	if err != nil {
		return Delivered{}, err
	}
	items, err := s.list(ctx)
	if err != nil {
		return Delivered{}, err
	}
	if total := content.Total(items); index > total {
		return Delivered{}, apperr.Validationf("index", "%d exceeds the last item (%d)", index, total)
	}
	return s.deliverLocked(ctx, s.Settings(), sess, items, index, index > sess.CurrentIndex)
}

func (s *Service) list(ctx context.Context) ([]content.Item, error) {
	items, err := s.d.Content.List(ctx)
	if err != nil {
		s.log.Error("content listing failed", logx.Err(err))
		return nil, apperr.External("content", "list", err)
	}
	return items, nil
}

// deliverLocked sends item index. The advance is written to sess only, so a
// reset that lands while the upload is in flight is never overwritten.
func (s *Service) deliverLocked(ctx context.Context, set Settings, sess progress.Session, items []content.Item, index int, advance bool) (Delivered, error) {
	total := content.Total(items)
	res := Delivered{Session: sess.ID, Index: index, Total: total}

	item, err := content.Find(items, index)
	if err != nil {
		s.log.Error("content item missing", logx.Int("index", index), logx.Err(err))
		return res, apperr.External("content", "find", err)
	}
	res.Item = item
	data, err := s.d.Content.Fetch(ctx, item.Ref)
	if err != nil {
		s.log.Error("content fetch failed", logx.Int("index", index), logx.String("ref", item.Ref), logx.Err(err))
		return res, apperr.External("content", "fetch", err)
	}

	f := kit.File{Name: item.Name, Data: data, Caption: renderCaption(set.Caption, index, total, s.d.Clock.Today())}
	to := kit.ChatTarget{ChatID: set.GroupID}
	if content.IsImage(item.Name) {
		_, err = s.d.Delivery.SendPhoto(ctx, to, f)
	} else {
		_, err = s.d.Delivery.SendDocument(ctx, to, f)
	}
	if err != nil {
		s.log.Error("content send failed", logx.Int("index", index), logx.Err(err))
		return res, apperr.External("telegram", "send content", err)
	}

	if advance {
		switch err := s.d.Progress.AdvanceSession(ctx, sess.ID, index); {
		case err == nil:
			res.Advanced = true
		case errors.Is(err, progress.ErrStaleAdvance):
		default:
			return res, err
		}
	}
	s.log.Info("content delivered", logx.Int("index", index), logx.Int("total", total), logx.Bool("advanced", res.Advanced))
	s.publish(eventbus.ContentDelivered, res)

	if res.Advanced && index == total {
		res.Finished = true
		s.scheduleOverall(sess.ID, total)
	}
	return res, nil
}

func (s *Service) scheduleOverall(sessionID int64, total int) {
	s.mu.RLock()
	sched := s.sched
	timeout := s.set.JobTimeout
	s.mu.RUnlock()

	s.publish(eventbus.CampaignFinished, total)
	if sched == nil {
		s.log.Warn("no scheduler; overall report not scheduled")
		return
	}
	at := s.d.Clock.Now().Add(OverallReportDelay)
	err := sched.AddOnce(JobOverallReport, at, timeout, func(ctx context.Context) error {
		return s.RunOverallReport(ctx, sessionID, total)
	})
	if err != nil {
		s.log.Error("scheduling overall report failed", logx.Err(err))
		return
	}
	s.log.Info("overall report scheduled", logx.Time("at", at), logx.Int64("session", sessionID), logx.Int("total", total))
}

// RunDailyReport computes today's stat and posts it to the group.
// A failed member count degrades to 0 members.
func (s *Service) RunDailyReport(ctx context.Context) error {
	set := s.Settings()
	today := s.d.Clock.Today()
	members, err := s.d.Delivery.MemberCount(ctx, set.GroupID)
	if err != nil {
		s.log.Warn("member count failed; using 0", logx.Err(err))
		members = 0
	}
	st, err := s.d.Stats.ComputeAndSaveDailyStat(ctx, today, members)
	if err != nil {
		return err
	}
	return s.report(ctx, "daily", stats.FormatDaily(st))
}

// RunMonthlyReport acts only on the last day of the month.
func (s *Service) RunMonthlyReport(ctx context.Context) error {
	today := s.d.Clock.Today()
	if !clock.IsLastDayOfMonth(today) {
		return nil
	}
	st, err := s.d.Stats.ComputeMonthlyStat(ctx, today.Year, today.Month)
	if err != nil {
		return err
	}
	if st == nil {
		s.log.Info("no daily stats this month; monthly report skipped", logx.Int("year", today.Year), logx.Stringer("month", today.Month))
		return nil
	}
	if err := s.d.Stats.SaveMonthlyStat(ctx, *st); err != nil {
		return err
	}
	return s.report(ctx, "monthly", stats.FormatMonthly(*st))
}

// RunOverallReport appends an overall stat for session, which finished a
// sequence of total items. Only days before a later session started count.
func (s *Service) RunOverallReport(ctx context.Context, sessionID int64, total int) error {
	sess, until, found, err := s.d.Progress.Span(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		s.log.Info("finished session was wiped; overall report dropped", logx.Int64("session", sessionID))
		return nil
	}
	st, err := s.d.Stats.ComputeOverallStatFor(ctx, total, sess.StartDate, until)
	if err != nil {
		return err
	}
	if st == nil {
		s.log.Info("no daily stats in session; overall report skipped", logx.Int64("session", sessionID))
		return nil
	}
	return s.report(ctx, "overall", stats.FormatOverall(*st))
}

func (s *Service) report(ctx context.Context, kind, text string) error {
	if _, err := s.d.Delivery.SendText(ctx, s.group(), text, &kit.SendOptions{DisablePreview: true}); err != nil {
		return apperr.External("telegram", fmt.Sprintf("send %s report", kind), err)
	}
	s.log.Info("report sent", logx.String("kind", kind))
	return nil
}
