package campaign

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/content"
	"readbot/internal/ledger"
	"readbot/internal/progress"
	"readbot/internal/stats"
	"readbot/internal/storage"
	"readbot/internal/task/scheduler"
	kit "readbot/internal/transport"
	logx "readbot/pkg/logx"
)

const groupID = -100500

type memSource struct {
	items []content.Item
	data  map[string][]byte
}

func newMemSource(n int) *memSource {
	s := &memSource{data: map[string][]byte{}}
	for i := 1; i <= n; i++ {
		ref := fmt.Sprintf("page-%03d.jpg", i)
		s.items = append(s.items, content.Item{Index: i, Ref: ref, Name: ref})
		s.data[ref] = []byte("img")
	}
	return s
}

func (s *memSource) List(context.Context) ([]content.Item, error) {
	return append([]content.Item(nil), s.items...), nil
}

func (s *memSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	b, ok := s.data[ref]
	if !ok {
		return nil, errors.New("no such object")
	}
	return b, nil
}

type fakeDelivery struct {
	mu        sync.Mutex
	photos    []kit.File
	docs      []kit.File
	texts     []string
	replyTo   []int
	members   int
	memberErr error
	// onSend runs after each photo upload, before the job writes progress.
	onSend func()
}

func (f *fakeDelivery) SendText(_ context.Context, _ kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if opt != nil {
		f.replyTo = append(f.replyTo, opt.ReplyTo)
	}
	return kit.MessageRef{}, nil
}

func (f *fakeDelivery) SendPhoto(_ context.Context, _ kit.ChatTarget, file kit.File) (kit.MessageRef, error) {
	f.mu.Lock()
	f.photos = append(f.photos, file)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return kit.MessageRef{}, nil
}

func (f *fakeDelivery) SendDocument(_ context.Context, _ kit.ChatTarget, file kit.File) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, file)
	return kit.MessageRef{}, nil
}

func (f *fakeDelivery) MemberCount(context.Context, int64) (int, error) {
	return f.members, f.memberErr
}

type fixture struct {
	db       *storage.DB
	clk      *clock.Fixed
	progress *progress.Store
	ledger   *ledger.Ledger
	src      *memSource
	out      *fakeDelivery
	sched    *scheduler.Service
	svc      *Service
}

func baseSettings() Settings {
	return Settings{
		GroupID:           groupID,
		SendTime:          "05:00",
		DailyReportTime:   "23:00",
		MonthlyReportTime: "23:30",
		Keywords:          []string{"done"},
		JobTimeout:        time.Minute,
	}
}

func newFixture(t *testing.T, now time.Time, total int, set Settings) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "c.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, clk: clock.NewFixed(now), src: newMemSource(total), out: &fakeDelivery{members: 10}}
	f.progress = progress.New(db, f.clk, set.StartIndex, logx.Nop())
	f.ledger = ledger.New(db, f.progress, f.clk, logx.Nop())
	engine := stats.New(db, f.ledger, f.progress, f.clk, logx.Nop())
	f.sched = scheduler.New(scheduler.Config{Location: time.UTC}, logx.Nop(), nil)

	f.svc, err = New(context.Background(), set, Deps{
		Clock:    f.clk,
		Progress: f.progress,
		Ledger:   f.ledger,
		Stats:    engine,
		Content:  f.src,
		Delivery: f.out,
		Store:    db,
	})
	if err != nil {
		t.Fatalf("campaign.New: %v", err)
	}
	if err := f.svc.Register(f.sched); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return f
}

func (f *fixture) session(t *testing.T) progress.Session {
	t.Helper()
	sess, err := f.progress.GetActiveSession(context.Background())
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	return sess
}

// readingDay records a completion for each user and saves the daily stat.
func (f *fixture) readingDay(t *testing.T, date string, users ...int64) {
	t.Helper()
	ctx := context.Background()
	d, err := clock.ParseDate(date)
	if err != nil {
		t.Fatalf("ParseDate: %v", err)
	}
	for _, u := range users {
		if _, err := f.ledger.Record(ctx, ledger.Completion{UserID: u, Date: d, FirstName: fmt.Sprint("u", u)}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := f.svc.d.Stats.ComputeAndSaveDailyStat(ctx, d, 10); err != nil {
		t.Fatalf("ComputeAndSaveDailyStat: %v", err)
	}
}

func (f *fixture) current(t *testing.T) int {
	t.Helper()
	sess, err := f.progress.GetActiveSession(context.Background())
	if err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	return sess.CurrentIndex
}

func TestDeliveryLastItemSchedulesOverallThenNoops(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC)
	set := baseSettings()
	set.StartIndex = 4
	f := newFixture(t, now, 5, set)
	ctx := context.Background()

	if err := f.svc.RunDelivery(ctx); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	if got := f.current(t); got != 5 {
		t.Fatalf("current = %d, want 5", got)
	}
	if len(f.out.photos) != 1 || f.out.photos[0].Name != "page-005.jpg" {
		t.Fatalf("photos = %+v", f.out.photos)
	}
	if caption := f.out.photos[0].Caption; !strings.Contains(caption, "5/5") || !strings.Contains(caption, "2024-06-10") {
		t.Fatalf("caption = %q", caption)
	}
	job, ok := f.sched.Job(JobOverallReport)
	if !ok || !job.Once {
		t.Fatalf("overall report not scheduled: %+v", job)
	}
	if !job.At.Equal(now.Add(OverallReportDelay)) {
		t.Fatalf("overall at = %v, want %v", job.At, now.Add(OverallReportDelay))
	}

	if err := f.svc.RunDelivery(ctx); err != nil {
		t.Fatalf("second RunDelivery: %v", err)
	}
	if len(f.out.photos) != 1 || f.current(t) != 5 {
		t.Fatalf("finished campaign delivered again: photos=%d current=%d", len(f.out.photos), f.current(t))
	}
}

func TestResetDuringDeliveryKeepsNewSession(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reset func(*progress.Store) (progress.Session, error)
		want  int
	}{
		{"soft", func(p *progress.Store) (progress.Session, error) { return p.SoftReset(context.Background(), 0) }, 0},
		{"hard", func(p *progress.Store) (progress.Session, error) { return p.HardReset(context.Background(), 1) }, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			set := baseSettings()
			set.StartIndex = 3
			f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 5, set)
			var fresh progress.Session
			f.out.onSend = func() {
				var err error
				if fresh, err = tt.reset(f.progress); err != nil {
					t.Errorf("reset: %v", err)
				}
			}

			if err := f.svc.RunDelivery(context.Background()); err != nil {
				t.Fatalf("RunDelivery: %v", err)
			}
			sess := f.session(t)
			if sess.ID != fresh.ID || sess.CurrentIndex != tt.want || !sess.LastDeliveryDate.IsZero() {
				t.Fatalf("session after reset = %+v, want index %d untouched", sess, tt.want)
			}
		})
	}
}

func TestOverallReportCoversFinishedSessionAfterSoftReset(t *testing.T) {
	t.Parallel()
	set := baseSettings()
	set.StartIndex = 4
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 5, set)
	ctx := context.Background()

	finished := f.session(t)
	if err := f.svc.RunDelivery(ctx); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	f.clk.Set(time.Date(2024, time.June, 10, 23, 0, 0, 0, time.UTC))
	f.readingDay(t, "2024-06-10", 1)

	f.clk.Set(time.Date(2024, time.June, 11, 1, 0, 0, 0, time.UTC))
	if _, err := f.progress.SoftReset(ctx, 0); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	f.readingDay(t, "2024-06-11", 2, 3)

	f.clk.Set(time.Date(2024, time.June, 11, 5, 0, 0, 0, time.UTC))
	if err := f.svc.RunOverallReport(ctx, finished.ID, 5); err != nil {
		t.Fatalf("RunOverallReport: %v", err)
	}
	var rows []struct {
		StartDate   string `db:"start_date"`
		EndDate     string `db:"end_date"`
		Completions int    `db:"total_completions"`
		Readings    int    `db:"total_readings"`
	}
	if err := f.db.X().SelectContext(ctx, &rows, `SELECT start_date, end_date, total_completions, total_readings FROM overall_stats`); err != nil {
		t.Fatalf("select overall: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("overall rows = %d, want 1", len(rows))
	}
	if r := rows[0]; r.StartDate != "2024-06-10" || r.EndDate != "2024-06-10" || r.Completions != 1 || r.Readings != 5 {
		t.Fatalf("overall row = %+v", r)
	}
	if len(f.out.texts) != 1 {
		t.Fatalf("reports sent = %d, want 1", len(f.out.texts))
	}
}

func TestOverallReportDroppedAfterHardReset(t *testing.T) {
	t.Parallel()
	set := baseSettings()
	set.StartIndex = 4
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 5, set)
	ctx := context.Background()

	finished := f.session(t)
	if err := f.svc.RunDelivery(ctx); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	f.clk.Set(time.Date(2024, time.June, 11, 1, 0, 0, 0, time.UTC))
	if _, err := f.progress.HardReset(ctx, 0); err != nil {
		t.Fatalf("HardReset: %v", err)
	}
	f.readingDay(t, "2024-06-11", 2)

	if err := f.svc.RunOverallReport(ctx, finished.ID, 5); err != nil {
		t.Fatalf("RunOverallReport: %v", err)
	}
	var n int
	if err := f.db.X().GetContext(ctx, &n, `SELECT COUNT(*) FROM overall_stats`); err != nil {
		t.Fatalf("count overall: %v", err)
	}
	if n != 0 || len(f.out.texts) != 0 {
		t.Fatalf("overall rows = %d, reports = %d; want none for a wiped session", n, len(f.out.texts))
	}
}

func TestDeliveryBeforeStartDateIsNoop(t *testing.T) {
	t.Parallel()
	set := baseSettings()
	set.StartDate = clock.NewDate(2024, time.July, 1)
	f := newFixture(t, time.Date(2024, time.June, 30, 5, 0, 0, 0, time.UTC), 3, set)

	if err := f.svc.RunDelivery(context.Background()); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	if len(f.out.photos) != 0 || f.current(t) != 0 {
		t.Fatalf("delivered before start: photos=%d current=%d", len(f.out.photos), f.current(t))
	}

	f.clk.Advance(24 * time.Hour)
	if err := f.svc.RunDelivery(context.Background()); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	if f.current(t) != 1 {
		t.Fatalf("current = %d, want 1", f.current(t))
	}
}

func TestDeliveryFetchFailureDoesNotAdvance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 3, baseSettings())
	delete(f.src.data, "page-001.jpg")

	err := f.svc.RunDelivery(context.Background())
	if !apperr.IsExternal(err) {
		t.Fatalf("err = %v, want external service error", err)
	}
	if f.current(t) != 0 || len(f.out.photos) != 0 {
		t.Fatal("failed delivery must not advance")
	}
}

func TestDeliverySendsDocumentsForNonImages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 0, baseSettings())
	f.src.items = []content.Item{{Index: 1, Ref: "docs/01.pdf", Name: "01.pdf"}}
	f.src.data["docs/01.pdf"] = []byte("%PDF")

	if err := f.svc.RunDelivery(context.Background()); err != nil {
		t.Fatalf("RunDelivery: %v", err)
	}
	if len(f.out.docs) != 1 || len(f.out.photos) != 0 {
		t.Fatalf("docs=%d photos=%d", len(f.out.docs), len(f.out.photos))
	}
}

func TestForceSendOnlyAdvancesForward(t *testing.T) {
	t.Parallel()
	set := baseSettings()
	set.StartIndex = 3
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 10, set)
	ctx := context.Background()

	res, err := f.svc.ForceSend(ctx, 2)
	if err != nil {
		t.Fatalf("ForceSend(2): %v", err)
	}
	if res.Advanced || f.current(t) != 3 {
		t.Fatalf("resend of an old item moved the pointer: %+v current=%d", res, f.current(t))
	}

	res, err = f.svc.ForceSend(ctx, 6)
	if err != nil {
		t.Fatalf("ForceSend(6): %v", err)
	}
	if !res.Advanced || f.current(t) != 6 {
		t.Fatalf("ForceSend(6) = %+v current=%d", res, f.current(t))
	}

	for _, bad := range []int{0, 11} {
		if _, err := f.svc.ForceSend(ctx, bad); !apperr.IsValidation(err) {
			t.Fatalf("ForceSend(%d) err = %v, want validation error", bad, err)
		}
	}
}

func TestDailyReportMemberCountFailureUsesZero(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 23, 0, 0, 0, time.UTC), 3, baseSettings())
	f.out.memberErr = errors.New("telegram down")
	ctx := context.Background()
	for _, uid := range []int64{1, 2} {
		_ = f.svc.HandleMessage(ctx, &kit.Message{ChatID: groupID, FromID: uid, Text: "done"})
	}

	if err := f.svc.RunDailyReport(ctx); err != nil {
		t.Fatalf("RunDailyReport: %v", err)
	}
	var members, completed int
	var rate float64
	if err := f.db.X().QueryRowxContext(ctx, `SELECT total_members, completed_count, completion_rate FROM daily_stats WHERE date = '2024-06-01'`).
		Scan(&members, &completed, &rate); err != nil {
		t.Fatalf("read daily stat: %v", err)
	}
	if members != 0 || completed != 2 || rate != 0 {
		t.Fatalf("daily stat = members %d completed %d rate %v", members, completed, rate)
	}
	if n := len(f.out.texts); n == 0 || !strings.Contains(f.out.texts[n-1], "Daily report 2024-06-01") {
		t.Fatalf("texts = %q", f.out.texts)
	}
}

func TestMonthlyReportOnlyOnLastDay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 29, 23, 30, 0, 0, time.UTC), 3, baseSettings())
	ctx := context.Background()
	if err := f.svc.RunDailyReport(ctx); err != nil {
		t.Fatalf("RunDailyReport: %v", err)
	}
	sent := len(f.out.texts)

	if err := f.svc.RunMonthlyReport(ctx); err != nil {
		t.Fatalf("RunMonthlyReport: %v", err)
	}
	if len(f.out.texts) != sent {
		t.Fatal("monthly report sent before the last day of the month")
	}

	f.clk.Advance(24 * time.Hour)
	if err := f.svc.RunMonthlyReport(ctx); err != nil {
		t.Fatalf("RunMonthlyReport: %v", err)
	}
	if len(f.out.texts) != sent+1 || !strings.Contains(f.out.texts[sent], "June 2024") {
		t.Fatalf("texts = %q", f.out.texts)
	}
}

func TestMonthlyReportWithoutDataIsSilent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.February, 29, 23, 30, 0, 0, time.UTC), 3, baseSettings())
	if err := f.svc.RunMonthlyReport(context.Background()); err != nil {
		t.Fatalf("RunMonthlyReport: %v", err)
	}
	if len(f.out.texts) != 0 {
		t.Fatalf("texts = %q", f.out.texts)
	}
}

func TestHandleMessageRecordsOncePerDay(t *testing.T) {
	t.Parallel()
	set := baseSettings()
	set.CompletionReply = "thanks {name}"
	f := newFixture(t, time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC), 3, set)
	ctx := context.Background()

	msgs := []*kit.Message{
		{ID: 10, ChatID: groupID, FromID: 7, FromFirstName: "Ana", Text: "Done!"},
		{ID: 11, ChatID: groupID, FromID: 7, FromFirstName: "Ana", Text: "done"},
		{ID: 12, ChatID: 42, FromID: 8, Text: "done"},
		{ID: 13, ChatID: groupID, FromID: 9, Text: "not yet"},
	}
	for _, m := range msgs {
		if err := f.svc.HandleMessage(ctx, m); err != nil {
			t.Fatalf("HandleMessage(%d): %v", m.ID, err)
		}
	}
	n, err := f.ledger.CountFor(ctx, clock.NewDate(2024, time.June, 1))
	if err != nil {
		t.Fatalf("CountFor: %v", err)
	}
	if n != 1 {
		t.Fatalf("completions = %d, want 1", n)
	}
	if len(f.out.texts) != 1 || f.out.texts[0] != "thanks Ana" || f.out.replyTo[0] != 10 {
		t.Fatalf("replies = %q to %v", f.out.texts, f.out.replyTo)
	}
}

func TestHandleMessageUsesCampaignTimezone(t *testing.T) {
	t.Parallel()
	jakarta := time.FixedZone("WIB", 7*3600)
	f := newFixture(t, time.Date(2024, time.June, 1, 12, 0, 0, 0, jakarta), 3, baseSettings())
	ctx := context.Background()

	// 18:30 UTC on May 31 is already June 1 in UTC+7.
	at := time.Date(2024, time.May, 31, 18, 30, 0, 0, time.UTC)
	if err := f.svc.HandleMessage(ctx, &kit.Message{ChatID: groupID, FromID: 3, Text: "#done", Time: at}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	n, err := f.ledger.CountFor(ctx, clock.NewDate(2024, time.June, 1))
	if err != nil || n != 1 {
		t.Fatalf("CountFor(2024-06-01) = %d, %v", n, err)
	}
}

func TestMatchesKeyword(t *testing.T) {
	t.Parallel()
	kw := []string{"done", "sudah baca"}
	tests := []struct {
		text string
		want bool
	}{
		{"done", true},
		{"DONE ✅", true},
		{"done, page 5", true},
		{"today #done", true},
		{"sudah baca", true},
		{"undone", false},
		{"not done", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := matchesKeyword(tt.text, kw); got != tt.want {
			t.Fatalf("matchesKeyword(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestReconfigureReschedulesOnlyDelivery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 3, baseSettings())
	before, _ := f.sched.Job(JobDailyReport)

	set := baseSettings()
	set.SendTime = "06:15"
	set.ExcludedDays = []time.Weekday{time.Sunday}
	if err := f.svc.Reconfigure(context.Background(), set); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	job, ok := f.sched.Job(JobDelivery)
	if !ok || job.Spec != "15 6 * * 1,2,3,4,5,6" {
		t.Fatalf("delivery job = %+v", job)
	}
	after, _ := f.sched.Job(JobDailyReport)
	if after.Spec != before.Spec {
		t.Fatalf("daily report changed: %q -> %q", before.Spec, after.Spec)
	}
}

func TestUpdateSchedulePersistsOverrides(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 10, 5, 0, 0, 0, time.UTC), 3, baseSettings())
	ctx := context.Background()

	sendAt := "07:45"
	start := clock.NewDate(2024, time.July, 1)
	idx := 2
	set, err := f.svc.UpdateSchedule(ctx, ScheduleUpdate{SendTime: &sendAt, StartDate: &start, StartIndex: &idx})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if set.SendTime != "07:45" || set.StartDate != start || set.StartIndex != 2 {
		t.Fatalf("settings = %+v", set)
	}
	if job, _ := f.sched.Job(JobDelivery); job.Spec != "45 7 * * *" {
		t.Fatalf("delivery spec = %q", job.Spec)
	}

	// a restart picks the overrides up again
	again, err := New(ctx, baseSettings(), Deps{Clock: f.clk, Progress: f.progress, Content: f.src, Delivery: f.out, Store: f.db})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if again.Settings().SendTime != "07:45" {
		t.Fatalf("override lost across restart: %+v", again.Settings())
	}

	bad := "7pm"
	if _, err := f.svc.UpdateSchedule(ctx, ScheduleUpdate{SendTime: &bad}); !apperr.IsValidation(err) {
		t.Fatalf("bad send time err = %v", err)
	}

	set, err = f.svc.ClearSchedule(ctx)
	if err != nil {
		t.Fatalf("ClearSchedule: %v", err)
	}
	if set.SendTime != "05:00" || !set.StartDate.IsZero() {
		t.Fatalf("after clear = %+v", set)
	}
}
