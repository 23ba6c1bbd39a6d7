// Package ledger records participant completions, at most one per user per day.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/storage"
	logx "readbot/pkg/logx"
)

// Outcome is the result of Record. A duplicate is not an error.
type Outcome int

const (
	Recorded Outcome = iota + 1
	AlreadyRecorded
)

func (o Outcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case AlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Completion is one "I finished today's reading" acknowledgement.
type Completion struct {
	UserID      int64
	Date        clock.Date
	Username    string
	FirstName   string
	CompletedAt time.Time
}

// Participant is an aggregated row of TopParticipants.
type Participant struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Count     int    `json:"count"`
}

// DisplayName prefers the first name, then @username, then the numeric id.
func (p Participant) DisplayName() string {
	if n := strings.TrimSpace(p.FirstName); n != "" {
		return n
	}
	if u := strings.TrimSpace(p.Username); u != "" {
		return "@" + u
	}
	return strconv.FormatInt(p.UserID, 10)
}

// Summary is a single user's standing in the active session.
type Summary struct {
	UserID   int64
	Count    int
	LastDate clock.Date // zero if the user never completed
}

// SessionStarter supplies the default lower bound for scoped queries.
type SessionStarter interface {
	SessionStart(ctx context.Context) (clock.Date, error)
}

type Ledger struct {
	db      *storage.DB
	session SessionStarter
	clk     clock.Clock
	log     logx.Logger
}

func New(db *storage.DB, session SessionStarter, clk clock.Clock, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{db: db, session: session, clk: clk, log: log.With(logx.String("comp", "ledger"))}
}

// Record inserts c unless the (user, date) pair already exists.
func (l *Ledger) Record(ctx context.Context, c Completion) (Outcome, error) {
	if c.UserID == 0 {
		return 0, apperr.Validationf("user_id", "required")
	}
	if c.Date.IsZero() {
		return 0, apperr.Validationf("date", "required")
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = l.clk.Now()
	}
	res, err := l.db.X().ExecContext(ctx, `INSERT INTO completions(user_id, date, username, first_name, completed_at)
VALUES(?, ?, ?, ?, ?) ON CONFLICT(user_id, date) DO NOTHING`,
		c.UserID, c.Date.String(), storage.NullString(c.Username), storage.NullString(c.FirstName),
		c.CompletedAt.Format(storage.TimeLayout))
	if err != nil {
		return 0, storage.Wrap("record completion", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("record completion", err)
	}
	if n == 0 {
		return AlreadyRecorded, nil
	}
	l.log.Debug("completion recorded", logx.Int64("user", c.UserID), logx.Stringer("date", c.Date))
	return Recorded, nil
}

// CountFor returns the number of completions on date (unscoped).
func (l *Ledger) CountFor(ctx context.Context, date clock.Date) (int, error) {
	var n int
	if err := l.db.X().GetContext(ctx, &n, `SELECT COUNT(*) FROM completions WHERE date = ?`, date.String()); err != nil {
		return 0, storage.Wrap("count completions", err)
	}
	return n, nil
}

// CountForUser counts the user's completions on or after since. A zero since
// means the active session start.
func (l *Ledger) CountForUser(ctx context.Context, userID int64, since clock.Date) (int, error) {
	since, err := l.since(ctx, since)
	if err != nil {
		return 0, err
	}
	var n int
	if err := l.db.X().GetContext(ctx, &n, `SELECT COUNT(*) FROM completions WHERE user_id = ? AND date >= ?`,
		userID, since.String()); err != nil {
		return 0, storage.Wrap("count user completions", err)
	}
	return n, nil
}

// CountSince counts every completion on or after since (zero means session start).
func (l *Ledger) CountSince(ctx context.Context, since clock.Date) (int, error) {
	since, err := l.since(ctx, since)
	if err != nil {
		return 0, err
	}
	var n int
	if err := l.db.X().GetContext(ctx, &n, `SELECT COUNT(*) FROM completions WHERE date >= ?`, since.String()); err != nil {
		return 0, storage.Wrap("count completions", err)
	}
	return n, nil
}

// UserSummary returns the user's count and latest completion date since the
// given date (zero means session start).
func (l *Ledger) UserSummary(ctx context.Context, userID int64, since clock.Date) (Summary, error) {
	since, err := l.since(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	var row struct {
		Count int            `db:"n"`
		Last  sql.NullString `db:"last"`
	}
	if err := l.db.X().GetContext(ctx, &row, `SELECT COUNT(*) AS n, MAX(date) AS last
FROM completions WHERE user_id = ? AND date >= ?`, userID, since.String()); err != nil {
		return Summary{}, storage.Wrap("user summary", err)
	}
	out := Summary{UserID: userID, Count: row.Count}
	if row.Last.Valid && row.Last.String != "" {
		if out.LastDate, err = clock.ParseDate(row.Last.String); err != nil {
			return Summary{}, storage.Wrap("user summary", err)
		}
	}
	return out, nil
}

// TopParticipants returns up to limit users ordered by completion count
// (descending), ties broken by ascending user id. Names come from each
// user's most recent completion.
func (l *Ledger) TopParticipants(ctx context.Context, limit int, since clock.Date) ([]Participant, error) {
	return l.TopParticipantsBetween(ctx, limit, since, clock.Date{})
}

// TopParticipantsBetween is TopParticipants over [since, until). A zero until
// is open.
func (l *Ledger) TopParticipantsBetween(ctx context.Context, limit int, since, until clock.Date) ([]Participant, error) {
	if limit <= 0 {
		return nil, apperr.Validationf("limit", "must be > 0, got %d", limit)
	}
	since, err := l.since(ctx, since)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		UserID    int64          `db:"user_id"`
		Username  sql.NullString `db:"username"`
		FirstName sql.NullString `db:"first_name"`
		Count     int            `db:"n"`
	}
	// "9999-12-31" sorts after every stored date
	end := "9999-12-31"
	if !until.IsZero() {
		end = until.String()
	}
	err = l.db.X().SelectContext(ctx, &rows, `
SELECT c.user_id AS user_id, COUNT(*) AS n,
	(SELECT l.username FROM completions l WHERE l.user_id = c.user_id ORDER BY l.date DESC LIMIT 1) AS username,
	(SELECT l.first_name FROM completions l WHERE l.user_id = c.user_id ORDER BY l.date DESC LIMIT 1) AS first_name
FROM completions c
WHERE c.date >= ? AND c.date < ?
GROUP BY c.user_id
ORDER BY n DESC, c.user_id ASC
LIMIT ?`, since.String(), end, limit)
	if err != nil {
		return nil, storage.Wrap("top participants", err)
	}
	out := make([]Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, Participant{UserID: r.UserID, Username: r.Username.String, FirstName: r.FirstName.String, Count: r.Count})
	}
	return out, nil
}

func (l *Ledger) since(ctx context.Context, since clock.Date) (clock.Date, error) {
	if !since.IsZero() {
		return since, nil
	}
	if l.session == nil {
		return clock.Date{}, errors.New("ledger: no session starter configured")
	}
	return l.session.SessionStart(ctx)
}
