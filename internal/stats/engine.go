// Package stats rolls completions up into daily, monthly and whole-campaign
// statistics. Aggregates are always scoped to the active session.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"time"

	"readbot/internal/clock"
	"readbot/internal/ledger"
	"readbot/internal/storage"
	logx "readbot/pkg/logx"
)

// TopParticipantLimit is the size of the leaderboard kept on each overall stat.
const TopParticipantLimit = 5

type DailyStat struct {
	Date           clock.Date
	TotalMembers   int
	CompletedCount int
	CompletionRate float64
}

type MonthlyStat struct {
	Year             int
	Month            time.Month
	ReadingDays      int
	TotalCompletions int
	AverageRate      float64
	TotalDaysInMonth int
}

type OverallStat struct {
	ID               int64
	StartDate        clock.Date
	EndDate          clock.Date
	TotalDays        int
	TotalReadings    int
	TotalCompletions int
	AverageRate      float64
	TopParticipants  []ledger.Participant
	CreatedAt        time.Time
}

// Ledger is the read side of the completion ledger used by the engine.
type Ledger interface {
	CountFor(ctx context.Context, date clock.Date) (int, error)
	TopParticipantsBetween(ctx context.Context, limit int, since, until clock.Date) ([]ledger.Participant, error)
}

type Engine struct {
	db      *storage.DB
	ledger  Ledger
	session ledger.SessionStarter
	clk     clock.Clock
	log     logx.Logger
}

func New(db *storage.DB, l Ledger, session ledger.SessionStarter, clk clock.Clock, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{db: db, ledger: l, session: session, clk: clk, log: log.With(logx.String("comp", "stats"))}
}

// Rate returns completed/members as a percentage rounded to two decimals;
// 0 when members is 0.
func Rate(completed, members int) float64 {
	if members <= 0 {
		return 0
	}
	return round2(float64(completed) * 100 / float64(members))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// ComputeAndSaveDailyStat reads the ledger count for date and upserts the row.
// Re-running for the same date replaces the previous row.
func (e *Engine) ComputeAndSaveDailyStat(ctx context.Context, date clock.Date, totalMembers int) (DailyStat, error) {
	if totalMembers < 0 {
		totalMembers = 0
	}
	n, err := e.ledger.CountFor(ctx, date)
	if err != nil {
		return DailyStat{}, err
	}
	st := DailyStat{Date: date, TotalMembers: totalMembers, CompletedCount: n, CompletionRate: Rate(n, totalMembers)}
	_, err = e.db.X().ExecContext(ctx, `INSERT INTO daily_stats(date, total_members, completed_count, completion_rate)
VALUES(?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET total_members = excluded.total_members,
	completed_count = excluded.completed_count, completion_rate = excluded.completion_rate`,
		date.String(), st.TotalMembers, st.CompletedCount, st.CompletionRate)
	if err != nil {
		return DailyStat{}, storage.Wrap("save daily stat", err)
	}
	e.log.Debug("daily stat saved", logx.Stringer("date", date), logx.Int("completed", n), logx.Int("members", totalMembers))
	return st, nil
}

type aggregate struct {
	Days        int     `db:"days"`
	Completions int     `db:"completions"`
	AvgRate     float64 `db:"avg_rate"`
}

// aggregateDaily aggregates daily_stats rows in [from, until). A zero until
// means no upper bound. The average is the plain mean of per-day rates.
func (e *Engine) aggregateDaily(ctx context.Context, from, until clock.Date) (aggregate, error) {
	q := `SELECT COUNT(*) AS days, COALESCE(SUM(completed_count), 0) AS completions,
	COALESCE(AVG(completion_rate), 0.0) AS avg_rate
FROM daily_stats WHERE date >= ?`
	args := []any{from.String()}
	if !until.IsZero() {
		q += ` AND date < ?`
		args = append(args, until.String())
	}
	var agg aggregate
	if err := e.db.X().GetContext(ctx, &agg, q, args...); err != nil {
		return aggregate{}, storage.Wrap("aggregate daily stats", err)
	}
	agg.AvgRate = round2(agg.AvgRate)
	return agg, nil
}

// ComputeMonthlyStat aggregates the month's daily rows on or after the session
// start. It returns nil when there is nothing to report.
func (e *Engine) ComputeMonthlyStat(ctx context.Context, year int, month time.Month) (*MonthlyStat, error) {
	start, err := e.session.SessionStart(ctx)
	if err != nil {
		return nil, err
	}
	from, until := clock.MonthRange(year, month)
	agg, err := e.aggregateDaily(ctx, clock.MaxDate(from, start), until)
	if err != nil {
		return nil, err
	}
	if agg.Days == 0 {
		return nil, nil
	}
	return &MonthlyStat{
		Year:             year,
		Month:            month,
		ReadingDays:      agg.Days,
		TotalCompletions: agg.Completions,
		AverageRate:      agg.AvgRate,
		TotalDaysInMonth: clock.DaysIn(year, month),
	}, nil
}

func (e *Engine) SaveMonthlyStat(ctx context.Context, st MonthlyStat) error {
	_, err := e.db.X().ExecContext(ctx, `INSERT INTO monthly_stats(year, month, reading_days, total_completions, average_rate, total_days_in_month)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(year, month) DO UPDATE SET reading_days = excluded.reading_days,
	total_completions = excluded.total_completions, average_rate = excluded.average_rate,
	total_days_in_month = excluded.total_days_in_month`,
		st.Year, int(st.Month), st.ReadingDays, st.TotalCompletions, st.AverageRate, st.TotalDaysInMonth)
	if err != nil {
		return storage.Wrap("save monthly stat", err)
	}
	return nil
}

// ComputeOverallStat aggregates the active session and appends a new overall
// row. Existing rows are never touched. It returns nil when the session has
// no daily stats.
func (e *Engine) ComputeOverallStat(ctx context.Context, totalContentCount int) (*OverallStat, error) {
	start, err := e.session.SessionStart(ctx)
	if err != nil {
		return nil, err
	}
	return e.ComputeOverallStatFor(ctx, totalContentCount, start, clock.Date{})
}

// ComputeOverallStatFor is ComputeOverallStat over the days [start, until) of
// a session that may no longer be active. A zero until is open.
func (e *Engine) ComputeOverallStatFor(ctx context.Context, totalContentCount int, start, until clock.Date) (*OverallStat, error) {
	agg, err := e.aggregateDaily(ctx, start, until)
	if err != nil {
		return nil, err
	}
	if agg.Days == 0 {
		return nil, nil
	}
	top, err := e.ledger.TopParticipantsBetween(ctx, TopParticipantLimit, start, until)
	if err != nil {
		return nil, err
	}
	if top == nil {
		top = []ledger.Participant{}
	}
	now := e.clk.Now()
	end := clock.DateOf(now)
	if !until.IsZero() && !end.Before(until) {
		end = until.AddDays(-1)
	}
	st := &OverallStat{
		StartDate:        start,
		EndDate:          end,
		TotalDays:        agg.Days,
		TotalReadings:    totalContentCount,
		TotalCompletions: agg.Completions,
		AverageRate:      agg.AvgRate,
		TopParticipants:  top,
		CreatedAt:        now,
	}
	raw, err := json.Marshal(top)
	if err != nil {
		return nil, err
	}
	res, err := e.db.X().ExecContext(ctx, `INSERT INTO overall_stats(start_date, end_date, total_days, total_readings,
	total_completions, average_rate, top_participants, created_at) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		st.StartDate.String(), st.EndDate.String(), st.TotalDays, st.TotalReadings,
		st.TotalCompletions, st.AverageRate, string(raw), now.Format(storage.TimeLayout))
	if err != nil {
		return nil, storage.Wrap("save overall stat", err)
	}
	if st.ID, err = res.LastInsertId(); err != nil {
		return nil, storage.Wrap("save overall stat", err)
	}
	e.log.Info("overall stat saved", logx.Int64("id", st.ID), logx.Int("days", st.TotalDays))
	return st, nil
}

type dailyRow struct {
	Date           string  `db:"date"`
	TotalMembers   int     `db:"total_members"`
	CompletedCount int     `db:"completed_count"`
	CompletionRate float64 `db:"completion_rate"`
}

func (r dailyRow) stat() (DailyStat, error) {
	d, err := clock.ParseDate(r.Date)
	if err != nil {
		return DailyStat{}, storage.Wrap("decode daily stat", err)
	}
	return DailyStat{Date: d, TotalMembers: r.TotalMembers, CompletedCount: r.CompletedCount, CompletionRate: r.CompletionRate}, nil
}

// DailyStatFor is a direct, unscoped lookup.
func (e *Engine) DailyStatFor(ctx context.Context, date clock.Date) (DailyStat, bool, error) {
	var row dailyRow
	err := e.db.X().GetContext(ctx, &row, `SELECT date, total_members, completed_count, completion_rate FROM daily_stats WHERE date = ?`, date.String())
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStat{}, false, nil
	}
	if err != nil {
		return DailyStat{}, false, storage.Wrap("get daily stat", err)
	}
	st, err := row.stat()
	return st, err == nil, err
}

// ListDailyStats returns rows in [from, to] inclusive, oldest first. Zero
// bounds are open.
func (e *Engine) ListDailyStats(ctx context.Context, from, to clock.Date) ([]DailyStat, error) {
	q := `SELECT date, total_members, completed_count, completion_rate FROM daily_stats WHERE 1 = 1`
	var args []any
	if !from.IsZero() {
		q += ` AND date >= ?`
		args = append(args, from.String())
	}
	if !to.IsZero() {
		q += ` AND date <= ?`
		args = append(args, to.String())
	}
	q += ` ORDER BY date`
	var rows []dailyRow
	if err := e.db.X().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, storage.Wrap("list daily stats", err)
	}
	out := make([]DailyStat, 0, len(rows))
	for _, r := range rows {
		st, err := r.stat()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (e *Engine) ListMonthlyStats(ctx context.Context) ([]MonthlyStat, error) {
	var rows []struct {
		Year             int     `db:"year"`
		Month            int     `db:"month"`
		ReadingDays      int     `db:"reading_days"`
		TotalCompletions int     `db:"total_completions"`
		AverageRate      float64 `db:"average_rate"`
		TotalDaysInMonth int     `db:"total_days_in_month"`
	}
	if err := e.db.X().SelectContext(ctx, &rows, `SELECT year, month, reading_days, total_completions, average_rate, total_days_in_month
FROM monthly_stats ORDER BY year, month`); err != nil {
		return nil, storage.Wrap("list monthly stats", err)
	}
	out := make([]MonthlyStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, MonthlyStat{
			Year: r.Year, Month: time.Month(r.Month), ReadingDays: r.ReadingDays,
			TotalCompletions: r.TotalCompletions, AverageRate: r.AverageRate, TotalDaysInMonth: r.TotalDaysInMonth,
		})
	}
	return out, nil
}

// ListOverallStats returns every overall row, oldest first.
func (e *Engine) ListOverallStats(ctx context.Context) ([]OverallStat, error) {
	var rows []struct {
		ID               int64   `db:"id"`
		StartDate        string  `db:"start_date"`
		EndDate          string  `db:"end_date"`
		TotalDays        int     `db:"total_days"`
		TotalReadings    int     `db:"total_readings"`
		TotalCompletions int     `db:"total_completions"`
		AverageRate      float64 `db:"average_rate"`
		TopParticipants  string  `db:"top_participants"`
		CreatedAt        string  `db:"created_at"`
	}
	if err := e.db.X().SelectContext(ctx, &rows, `SELECT id, start_date, end_date, total_days, total_readings,
	total_completions, average_rate, top_participants, created_at FROM overall_stats ORDER BY id`); err != nil {
		return nil, storage.Wrap("list overall stats", err)
	}
	out := make([]OverallStat, 0, len(rows))
	for _, r := range rows {
		st := OverallStat{
			ID: r.ID, TotalDays: r.TotalDays, TotalReadings: r.TotalReadings,
			TotalCompletions: r.TotalCompletions, AverageRate: r.AverageRate,
		}
		var err error
		if st.StartDate, err = clock.ParseDate(r.StartDate); err != nil {
			return nil, storage.Wrap("decode overall stat", err)
		}
		if st.EndDate, err = clock.ParseDate(r.EndDate); err != nil {
			return nil, storage.Wrap("decode overall stat", err)
		}
		if err := json.Unmarshal([]byte(r.TopParticipants), &st.TopParticipants); err != nil {
			return nil, storage.Wrap("decode overall stat", err)
		}
		if st.CreatedAt, err = time.Parse(storage.TimeLayout, r.CreatedAt); err != nil {
			return nil, storage.Wrap("decode overall stat", err)
		}
		out = append(out, st)
	}
	return out, nil
}
