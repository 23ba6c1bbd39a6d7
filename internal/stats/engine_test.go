package stats

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"readbot/internal/clock"
	"readbot/internal/ledger"
	"readbot/internal/progress"
	"readbot/internal/storage"
	logx "readbot/pkg/logx"
)

type fixture struct {
	db       *storage.DB
	clk      *clock.Fixed
	progress *progress.Store
	ledger   *ledger.Ledger
	engine   *Engine
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewFixed(now)
	ps := progress.New(db, clk, 0, logx.Nop())
	l := ledger.New(db, ps, clk, logx.Nop())
	return &fixture{db: db, clk: clk, progress: ps, ledger: l, engine: New(db, l, ps, clk, logx.Nop())}
}

func day(t *testing.T, s string) clock.Date {
	t.Helper()
	d, err := clock.ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func (f *fixture) complete(t *testing.T, user int64, date string) {
	t.Helper()
	if _, err := f.ledger.Record(context.Background(), ledger.Completion{UserID: user, Date: day(t, date), FirstName: "u"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestDailyStatScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 21, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, u := range []int64{1, 2, 3} {
		f.complete(t, u, "2024-06-01")
	}
	st, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-01"), 10)
	if err != nil {
		t.Fatalf("ComputeAndSaveDailyStat: %v", err)
	}
	if st.CompletedCount != 3 || st.CompletionRate != 30.0 {
		t.Fatalf("unexpected stat: %+v", st)
	}

	// Re-running replaces the row.
	f.complete(t, 4, "2024-06-01")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-01"), 0); err != nil {
		t.Fatalf("ComputeAndSaveDailyStat: %v", err)
	}
	got, ok, err := f.engine.DailyStatFor(ctx, day(t, "2024-06-01"))
	if err != nil || !ok {
		t.Fatalf("DailyStatFor: ok=%v err=%v", ok, err)
	}
	if got.CompletedCount != 4 || got.TotalMembers != 0 || got.CompletionRate != 0 {
		t.Fatalf("zero members should give rate 0, got %+v", got)
	}
}

func TestRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		completed, members int
		want               float64
	}{
		{3, 10, 30},
		{0, 0, 0},
		{5, 0, 0},
		{1, 3, 33.33},
		{2, 3, 66.67},
	}
	for _, tt := range tests {
		if got := Rate(tt.completed, tt.members); got != tt.want {
			t.Fatalf("Rate(%d, %d) = %v, want %v", tt.completed, tt.members, got, tt.want)
		}
	}
}

func TestComputeMonthlyStatScoping(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := f.progress.GetActiveSession(ctx); err != nil {
		t.Fatalf("GetActiveSession: %v", err)
	}
	st, err := f.engine.ComputeMonthlyStat(ctx, 2024, time.June)
	if err != nil || st != nil {
		t.Fatalf("empty month should be absent, got %+v, %v", st, err)
	}

	for _, d := range []string{"2024-06-01", "2024-06-10", "2024-06-30"} {
		if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, d), 10); err != nil {
			t.Fatalf("daily %s: %v", d, err)
		}
	}
	f.complete(t, 1, "2024-07-01")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-07-01"), 10); err != nil {
		t.Fatalf("daily: %v", err)
	}

	st, err = f.engine.ComputeMonthlyStat(ctx, 2024, time.June)
	if err != nil || st == nil {
		t.Fatalf("ComputeMonthlyStat: %+v, %v", st, err)
	}
	if st.ReadingDays != 3 || st.TotalDaysInMonth != 30 {
		t.Fatalf("unexpected monthly: %+v", st)
	}

	// A soft reset mid-month hides the earlier rows from the aggregate.
	f.clk.Set(time.Date(2024, time.June, 15, 8, 0, 0, 0, time.UTC))
	if _, err := f.progress.SoftReset(ctx, 0); err != nil {
		t.Fatalf("SoftReset: %v", err)
	}
	st, err = f.engine.ComputeMonthlyStat(ctx, 2024, time.June)
	if err != nil || st == nil || st.ReadingDays != 1 {
		t.Fatalf("scoped monthly = %+v, %v", st, err)
	}
	if err := f.engine.SaveMonthlyStat(ctx, *st); err != nil {
		t.Fatalf("SaveMonthlyStat: %v", err)
	}
	// Direct lookups are unscoped.
	if _, ok, err := f.engine.DailyStatFor(ctx, day(t, "2024-06-01")); err != nil || !ok {
		t.Fatalf("old daily row should stay queryable: ok=%v err=%v", ok, err)
	}
	months, err := f.engine.ListMonthlyStats(ctx)
	if err != nil || len(months) != 1 || months[0].ReadingDays != 1 {
		t.Fatalf("ListMonthlyStats = %+v, %v", months, err)
	}
}

// The overall average is the plain mean of per-day rates, not
// sum(completed)/sum(members).
func TestComputeOverallStatUsesUnweightedMean(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if st, err := f.engine.ComputeOverallStat(ctx, 2); err != nil || st != nil {
		t.Fatalf("empty session should be absent, got %+v, %v", st, err)
	}

	f.complete(t, 1, "2024-06-01")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-01"), 2); err != nil { // 50%
		t.Fatal(err)
	}
	f.complete(t, 1, "2024-06-02")
	f.complete(t, 2, "2024-06-02")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-02"), 20); err != nil { // 10%
		t.Fatal(err)
	}

	f.clk.Set(time.Date(2024, time.June, 3, 8, 0, 0, 0, time.UTC))
	st, err := f.engine.ComputeOverallStat(ctx, 2)
	if err != nil || st == nil {
		t.Fatalf("ComputeOverallStat: %+v, %v", st, err)
	}
	if st.AverageRate != 30 {
		t.Fatalf("AverageRate = %v, want 30 (mean of 50 and 10)", st.AverageRate)
	}
	if st.TotalDays != 2 || st.TotalCompletions != 3 || st.TotalReadings != 2 {
		t.Fatalf("unexpected overall: %+v", st)
	}
	if st.StartDate.String() != "2024-06-01" || st.EndDate.String() != "2024-06-03" {
		t.Fatalf("range = %s..%s", st.StartDate, st.EndDate)
	}
	if len(st.TopParticipants) != 2 || st.TopParticipants[0].UserID != 1 {
		t.Fatalf("top = %+v", st.TopParticipants)
	}

	if _, err := f.engine.ComputeOverallStat(ctx, 2); err != nil {
		t.Fatalf("second ComputeOverallStat: %v", err)
	}
	all, err := f.engine.ListOverallStats(ctx)
	if err != nil {
		t.Fatalf("ListOverallStats: %v", err)
	}
	if len(all) != 2 || all[0].ID == all[1].ID || all[0].TopParticipants[0].Count != 2 {
		t.Fatalf("overall rows should append: %+v", all)
	}

	text := FormatOverall(*st)
	if !strings.Contains(text, "Average rate: 30.0%") || !strings.Contains(text, "1. u (2)") {
		t.Fatalf("unexpected report:\n%s", text)
	}
}

func TestComputeOverallStatForStopsAtNextSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for _, d := range []string{"2024-06-01", "2024-06-02"} {
		f.complete(t, 1, d)
		if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, d), 4); err != nil {
			t.Fatal(err)
		}
	}
	f.complete(t, 2, "2024-06-03")
	f.complete(t, 3, "2024-06-03")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-03"), 4); err != nil {
		t.Fatal(err)
	}

	f.clk.Set(time.Date(2024, time.June, 4, 8, 0, 0, 0, time.UTC))
	st, err := f.engine.ComputeOverallStatFor(ctx, 2, day(t, "2024-06-01"), day(t, "2024-06-03"))
	if err != nil || st == nil {
		t.Fatalf("ComputeOverallStatFor: %+v, %v", st, err)
	}
	if st.TotalDays != 2 || st.TotalCompletions != 2 || st.AverageRate != 25 {
		t.Fatalf("unexpected overall: %+v", st)
	}
	if st.EndDate.String() != "2024-06-02" {
		t.Fatalf("EndDate = %s, want 2024-06-02", st.EndDate)
	}
	if len(st.TopParticipants) != 1 || st.TopParticipants[0].UserID != 1 || st.TopParticipants[0].Count != 2 {
		t.Fatalf("top = %+v", st.TopParticipants)
	}
}

func TestListOverallStatsRejectsBadTimestamp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := f.db.X().ExecContext(ctx, `INSERT INTO overall_stats(start_date, end_date, total_days, total_readings,
	total_completions, average_rate, top_participants, created_at) VALUES('2024-06-01', '2024-06-02', 2, 2, 3, 30, '[]', 'yesterday')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.engine.ListOverallStats(ctx); !storage.IsPersistence(err) {
		t.Fatalf("err = %v, want persistence error", err)
	}
}

func TestExportXLSX(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2024, time.June, 2, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	f.complete(t, 9, "2024-06-01")
	if _, err := f.engine.ComputeAndSaveDailyStat(ctx, day(t, "2024-06-01"), 4); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := f.engine.ExportXLSX(ctx, &buf); err != nil {
		t.Fatalf("ExportXLSX: %v", err)
	}
	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer func() { _ = wb.Close() }()
	rows, err := wb.GetRows(sheetDaily)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 || rows[1][0] != "2024-06-01" || rows[1][2] != "1" {
		t.Fatalf("unexpected daily sheet: %v", rows)
	}
	if got := wb.GetSheetList(); len(got) != 3 {
		t.Fatalf("sheets = %v", got)
	}
}

func TestFormatDaily(t *testing.T) {
	t.Parallel()
	got := FormatDaily(DailyStat{Date: clock.NewDate(2024, time.June, 1), TotalMembers: 1200, CompletedCount: 300, CompletionRate: 25})
	if !strings.Contains(got, "300 of 1,200") || !strings.Contains(got, "25.0%") {
		t.Fatalf("FormatDaily = %q", got)
	}
}
