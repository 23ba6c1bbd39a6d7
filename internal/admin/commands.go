package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/campaign"
	"readbot/internal/clock"
	"readbot/internal/storage"
	kit "readbot/internal/transport"
	"readbot/internal/transport/telegram/router"
)

// Commands binds the admin operations to chat commands.
func (s *Service) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "status",
			Description: "campaign progress and content status",
			Usage:       "/status",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdStatus,
		},
		{
			Route:       "reset",
			Description: "start a new session at an index (history kept)",
			Usage:       "/reset <index>",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdReset,
		},
		{
			Route:       "hardreset",
			Description: "wipe progress, completions and statistics",
			Usage:       "/hardreset CONFIRM <index>",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdHardReset,
		},
		{
			Route:       "skip",
			Description: "skip the next item without sending it",
			Usage:       "/skip",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdSkip,
		},
		{
			Route:       "forcesend",
			Description: "send an item now",
			Usage:       "/forcesend <index>",
			Aliases:     []string{"send"},
			Access:      router.AccessAdminOnly,
			Timeout:     2 * time.Minute,
			Handle:      s.cmdForceSend,
		},
		{
			Route:       "setschedule",
			Description: "override start date, send time or start index",
			Usage:       "/setschedule [--date YYYY-MM-DD] [--time HH:MM] [--index N] | /setschedule clear",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdSetSchedule,
		},
		{
			Route:       "schedule",
			Description: "show the effective schedule and next runs",
			Usage:       "/schedule",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdSchedule,
		},
		{
			Route:       "testsource",
			Description: "re-list the content source and fetch the first item",
			Usage:       "/testsource",
			Access:      router.AccessAdminOnly,
			Timeout:     2 * time.Minute,
			Handle:      s.cmdTestSource,
		},
		{
			Route:       "export",
			Description: "download statistics as a spreadsheet",
			Usage:       "/export",
			Access:      router.AccessAdminOnly,
			Handle:      s.cmdExport,
		},
		{
			Route:       "mystats",
			Description: "your completions in this session",
			Usage:       "/mystats",
			Aliases:     []string{"me"},
			Handle:      s.cmdMyStats,
		},
	}
}

// RenderError is the router's error text for admin commands.
func RenderError(err error) string {
	var ve *apperr.ValidationError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "⛔ admin only"
	case errors.As(err, &ve):
		return "⚠️ " + ve.Error()
	case apperr.IsExternal(err):
		return "❌ " + err.Error()
	case storage.IsPersistence(err):
		return "💾 " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "⏱ timed out"
	default:
		return "error: " + err.Error()
	}
}

func intArg(args []string, i int, name string) (int, error) {
	if len(args) <= i {
		return 0, apperr.Validationf(name, "missing")
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, apperr.Validationf(name, "not a number: %q", args[i])
	}
	return n, nil
}

func (s *Service) cmdStatus(ctx context.Context, req *router.Request) error {
	st, err := s.Status(ctx, req.FromID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📖 Progress: %d", st.Session.CurrentIndex)
	if st.ContentErr != nil {
		fmt.Fprintf(&b, " (content unavailable: %v)", st.ContentErr)
	} else {
		fmt.Fprintf(&b, "/%d", st.Total)
		if st.Total > 0 && st.Session.CurrentIndex >= st.Total {
			b.WriteString(" ✅ finished")
		}
	}
	fmt.Fprintf(&b, "\nSession #%d since %s", st.Session.ID, st.Session.StartDate)
	if !st.Session.LastDeliveryDate.IsZero() {
		fmt.Fprintf(&b, "\nLast delivery: %s", st.Session.LastDeliveryDate)
	}
	fmt.Fprintf(&b, "\nToday: %s", st.Today)
	if sd := st.Settings.StartDate; !sd.IsZero() && st.Today.Before(sd) {
		fmt.Fprintf(&b, "\nStarts on %s", sd)
	}
	return req.Reply(ctx, b.String())
}

func (s *Service) cmdReset(ctx context.Context, req *router.Request) error {
	if err := s.Authorize(req.FromID); err != nil {
		return err
	}
	idx, err := intArg(req.Args, 0, "index")
	if err != nil {
		return err
	}
	sess, err := s.ResetProgress(ctx, req.FromID, idx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🔄 New session #%d at %d. Next delivery sends %d.", sess.ID, sess.CurrentIndex, sess.NextIndex()))
}

func (s *Service) cmdHardReset(ctx context.Context, req *router.Request) error {
	if err := s.Authorize(req.FromID); err != nil {
		return err
	}
	if len(req.Args) == 0 {
		return apperr.Validationf("token", "usage: /hardreset %s <index>", HardResetToken)
	}
	idx := 0
	if len(req.Args) > 1 {
		n, err := intArg(req.Args, 1, "index")
		if err != nil {
			return err
		}
		idx = n
	}
	sess, err := s.HardReset(ctx, req.FromID, req.Args[0], idx)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🧨 All progress, completions and statistics deleted. Restarted at %d.", sess.CurrentIndex))
}

func (s *Service) cmdSkip(ctx context.Context, req *router.Request) error {
	sess, err := s.SkipOne(ctx, req.FromID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("⏭ Skipped to %d. Next delivery sends %d.", sess.CurrentIndex, sess.NextIndex()))
}

func (s *Service) cmdForceSend(ctx context.Context, req *router.Request) error {
	if err := s.Authorize(req.FromID); err != nil {
		return err
	}
	idx, err := intArg(req.Args, 0, "index")
	if err != nil {
		return err
	}
	res, err := s.ForceSend(ctx, req.FromID, idx)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("📤 Sent %d/%d (%s).", res.Index, res.Total, res.Item.Name)
	if res.Advanced {
		msg += fmt.Sprintf(" Progress moved to %d.", res.Index)
	}
	return req.Reply(ctx, msg)
}

func (s *Service) cmdSetSchedule(ctx context.Context, req *router.Request) error {
	if err := s.Authorize(req.FromID); err != nil {
		return err
	}
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "clear") {
		set, err := s.ClearSchedule(ctx, req.FromID)
		if err != nil {
			return err
		}
		return req.Reply(ctx, "🗓 Overrides cleared.\n"+formatSettings(set))
	}
	u, err := parseScheduleUpdate(req.Flags)
	if err != nil {
		return err
	}
	set, err := s.SetSchedule(ctx, req.FromID, u)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "🗓 Schedule updated.\n"+formatSettings(set))
}

func parseScheduleUpdate(flags map[string]string) (campaign.ScheduleUpdate, error) {
	var u campaign.ScheduleUpdate
	for k, v := range flags {
		switch k {
		case "date", "start", "start-date":
			d, err := clock.ParseDate(v)
			if err != nil {
				return u, apperr.Validationf("date", "want YYYY-MM-DD, got %q", v)
			}
			u.StartDate = &d
		case "time", "send-time":
			t := v
			u.SendTime = &t
		case "index", "start-index":
			n, err := strconv.Atoi(v)
			if err != nil {
				return u, apperr.Validationf("index", "not a number: %q", v)
			}
			u.StartIndex = &n
		default:
			return u, apperr.Validationf(k, "unknown option")
		}
	}
	return u, nil
}

func formatSettings(set campaign.Settings) string {
	start := "immediately"
	if !set.StartDate.IsZero() {
		start = set.StartDate.String()
	}
	lines := []string{
		"Start date: " + start,
		"Start index: " + strconv.Itoa(set.StartIndex),
		"Send time: " + set.SendTime,
	}
	if len(set.ExcludedDays) > 0 {
		days := make([]string, len(set.ExcludedDays))
		for i, d := range set.ExcludedDays {
			days[i] = d.String()[:3]
		}
		lines = append(lines, "Excluded: "+strings.Join(days, ", "))
	}
	lines = append(lines,
		"Daily report: "+set.DailyReportTime,
		"Monthly report: "+set.MonthlyReportTime+" (last day)",
	)
	return strings.Join(lines, "\n")
}

func (s *Service) cmdSchedule(ctx context.Context, req *router.Request) error {
	info, err := s.ScheduleInfo(ctx, req.FromID)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("🗓 Schedule (" + info.Location.String() + ")\n")
	b.WriteString(formatSettings(info.Settings))
	if len(info.Jobs) > 0 {
		b.WriteString("\n\nNext runs:")
		for _, j := range info.Jobs {
			next := "-"
			if !j.Next.IsZero() {
				next = j.Next.In(info.Location).Format("2006-01-02 15:04")
			}
			fmt.Fprintf(&b, "\n%s: %s", j.Name, next)
			if j.LastError != "" {
				fmt.Fprintf(&b, " (last error: %s)", j.LastError)
			}
		}
	}
	return req.Reply(ctx, b.String())
}

func (s *Service) cmdTestSource(ctx context.Context, req *router.Request) error {
	rep, err := s.TestContentSource(ctx, req.FromID)
	if err != nil {
		return err
	}
	if rep.Items == 0 {
		return req.Reply(ctx, "⚠️ Content source is reachable but holds no numbered items.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ %d items, last index %d\n", rep.Items, rep.Total)
	fmt.Fprintf(&b, "First: %s (%d bytes)\nLast: %s", rep.First.Name, rep.Bytes, rep.Last.Name)
	if n := len(rep.Missing); n > 0 {
		shown := rep.Missing
		if n > 20 {
			shown = shown[:20]
		}
		parts := make([]string, len(shown))
		for i, m := range shown {
			parts[i] = strconv.Itoa(m)
		}
		fmt.Fprintf(&b, "\nMissing (%d): %s", n, strings.Join(parts, ", "))
		if n > len(shown) {
			b.WriteString(", …")
		}
	}
	return req.Reply(ctx, b.String())
}

func (s *Service) cmdExport(ctx context.Context, req *router.Request) error {
	var buf bytes.Buffer
	if err := s.ExportStats(ctx, req.FromID, &buf); err != nil {
		return err
	}
	name := "readbot-stats-" + s.d.Clock.Today().String() + ".xlsx"
	_, err := req.Adapter.SendDocument(ctx, req.Chat, kit.File{Name: name, Data: buf.Bytes(), Caption: "📊 Statistics export"})
	return err
}

func (s *Service) cmdMyStats(ctx context.Context, req *router.Request) error {
	sum, err := s.MyStats(ctx, req.FromID)
	if err != nil {
		return err
	}
	if sum.Count == 0 {
		return req.Reply(ctx, "No completions yet in this session.")
	}
	return req.Reply(ctx, fmt.Sprintf("✅ %d completions this session, last on %s.", sum.Count, sum.LastDate))
}
