// Package progress persists the campaign session: which content item was
// delivered last and when the current session started.
package progress

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"readbot/internal/apperr"
	"readbot/internal/clock"
	"readbot/internal/storage"
	logx "readbot/pkg/logx"
)

// ErrStaleAdvance is returned when an advance would move the pointer backwards.
var ErrStaleAdvance = errors.New("progress: stale advance ignored")

// Session is the active campaign session.
type Session struct {
	ID               int64
	CurrentIndex     int
	LastDeliveryDate clock.Date // zero when nothing was delivered yet
	StartedAt        time.Time
	StartDate        clock.Date
}

// NextIndex is the index the delivery job would send next.
func (s Session) NextIndex() int { return s.CurrentIndex + 1 }

type sessionRow struct {
	ID               int64          `db:"id"`
	CurrentIndex     int            `db:"current_index"`
	LastDeliveryDate sql.NullString `db:"last_delivery_date"`
	StartedAt        string         `db:"started_at"`
	StartDate        string         `db:"start_date"`
}

func (r sessionRow) session() (Session, error) {
	s := Session{ID: r.ID, CurrentIndex: r.CurrentIndex}
	var err error
	if r.LastDeliveryDate.Valid && r.LastDeliveryDate.String != "" {
		if s.LastDeliveryDate, err = clock.ParseDate(r.LastDeliveryDate.String); err != nil {
			return Session{}, storage.Wrap("decode session", err)
		}
	}
	if s.StartDate, err = clock.ParseDate(r.StartDate); err != nil {
		return Session{}, storage.Wrap("decode session", err)
	}
	if s.StartedAt, err = time.Parse(storage.TimeLayout, r.StartedAt); err != nil {
		return Session{}, storage.Wrap("decode session", err)
	}
	return s, nil
}

const selectActive = `SELECT id, current_index, last_delivery_date, started_at, start_date
FROM sessions ORDER BY id DESC LIMIT 1`

// Store owns the sessions table. The active session is the row with the
// greatest id; a soft reset appends a row so earlier history stays queryable.
type Store struct {
	db  *storage.DB
	clk clock.Clock
	log logx.Logger

	// mu orders mutations issued by this process (advance 7 then 8 never ends at 7).
	mu         sync.Mutex
	startIndex atomic.Int64
}

func New(db *storage.DB, clk clock.Clock, startIndex int, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{db: db, clk: clk, log: log.With(logx.String("comp", "progress"))}
	if startIndex < 0 {
		startIndex = 0
	}
	s.startIndex.Store(int64(startIndex))
	return s
}

// SetStartIndex changes the index used when a session has to be created lazily.
func (s *Store) SetStartIndex(idx int) error {
	if err := validateIndex(idx); err != nil {
		return err
	}
	s.startIndex.Store(int64(idx))
	return nil
}

func (s *Store) StartIndex() int { return int(s.startIndex.Load()) }

// GetActiveSession returns the active session, creating one at the configured
// start index when none exists.
func (s *Store) GetActiveSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(ctx)
}

// SessionStart is the calendar start of the active session.
func (s *Store) SessionStart(ctx context.Context) (clock.Date, error) {
	sess, err := s.GetActiveSession(ctx)
	if err != nil {
		return clock.Date{}, err
	}
	return sess.StartDate, nil
}

func (s *Store) activeLocked(ctx context.Context) (Session, error) {
	var row sessionRow
	err := s.db.X().GetContext(ctx, &row, selectActive)
	if errors.Is(err, sql.ErrNoRows) {
		return s.insertSession(ctx, s.db.X(), int(s.startIndex.Load()))
	}
	if err != nil {
		return Session{}, storage.Wrap("get active session", err)
	}
	return row.session()
}

func (s *Store) insertSession(ctx context.Context, q sqlx.ExtContext, idx int) (Session, error) {
	now := s.clk.Now()
	sess := Session{
		CurrentIndex: idx,
		StartedAt:    now,
		StartDate:    clock.DateOf(now),
	}
	res, err := q.ExecContext(ctx, `INSERT INTO sessions(current_index, last_delivery_date, started_at, start_date) VALUES(?, NULL, ?, ?)`,
		idx, now.Format(storage.TimeLayout), sess.StartDate.String())
	if err != nil {
		return Session{}, storage.Wrap("create session", err)
	}
	if sess.ID, err = res.LastInsertId(); err != nil {
		return Session{}, storage.Wrap("create session", err)
	}
	s.log.Info("session created", logx.Int64("session", sess.ID), logx.Int("index", idx))
	return sess, nil
}

// Advance moves the active session's pointer to newIndex and stamps today's
// delivery date. The pointer never moves backwards: an older index returns
// ErrStaleAdvance and leaves the row untouched.
func (s *Store) Advance(ctx context.Context, newIndex int) error {
	if err := validateIndex(newIndex); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(ctx)
	if err != nil {
		return err
	}
	return s.advanceLocked(ctx, sess.ID, newIndex)
}

// AdvanceSession is Advance pinned to the session a delivery started in. When
// that session is no longer active (a reset ran in between) nothing is written
// and ErrStaleAdvance is returned.
func (s *Store) AdvanceSession(ctx context.Context, sessionID int64, newIndex int) error {
	if err := validateIndex(newIndex); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(ctx, sessionID, newIndex)
}

func (s *Store) advanceLocked(ctx context.Context, sessionID int64, newIndex int) error {
	res, err := s.db.X().ExecContext(ctx, `UPDATE sessions SET current_index = ?, last_delivery_date = ?
WHERE id = ? AND id = (SELECT MAX(id) FROM sessions) AND current_index <= ?`,
		newIndex, s.clk.Today().String(), sessionID, newIndex)
	if err != nil {
		return storage.Wrap("advance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("advance", err)
	}
	if n == 0 {
		s.log.Warn("stale advance ignored", logx.Int64("session", sessionID), logx.Int("requested", newIndex))
		return ErrStaleAdvance
	}
	return nil
}

// Skip moves the pointer forward by one without a delivery. The pointer never
// passes limit; a negative limit means unbounded.
func (s *Store) Skip(ctx context.Context, limit int) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.activeLocked(ctx)
	if err != nil {
		return Session{}, err
	}
	res, err := s.db.X().ExecContext(ctx, `UPDATE sessions SET current_index = current_index + 1
WHERE id = ? AND (? < 0 OR current_index < ?)`, sess.ID, limit, limit)
	if err != nil {
		return Session{}, storage.Wrap("skip", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, storage.Wrap("skip", err)
	}
	if n == 0 {
		return Session{}, apperr.Validationf("index", "nothing left to skip (%d/%d)", sess.CurrentIndex, limit)
	}
	sess.CurrentIndex++
	return sess, nil
}

// Span returns session id and the first day that no longer belongs to it:
// the start date of the session that replaced it, or zero while it is still
// active. found is false when the session is gone (hard reset).
func (s *Store) Span(ctx context.Context, id int64) (sess Session, until clock.Date, found bool, err error) {
	var row sessionRow
	err = s.db.X().GetContext(ctx, &row, `SELECT id, current_index, last_delivery_date, started_at, start_date
FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, clock.Date{}, false, nil
	}
	if err != nil {
		return Session{}, clock.Date{}, false, storage.Wrap("get session", err)
	}
	if sess, err = row.session(); err != nil {
		return Session{}, clock.Date{}, false, err
	}
	var next sql.NullString
	if err = s.db.X().GetContext(ctx, &next, `SELECT start_date FROM sessions WHERE id > ? ORDER BY id LIMIT 1`, id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Session{}, clock.Date{}, false, storage.Wrap("get session", err)
	}
	if next.Valid {
		if until, err = clock.ParseDate(next.String); err != nil {
			return Session{}, clock.Date{}, false, storage.Wrap("decode session", err)
		}
	}
	return sess, until, true, nil
}

// SoftReset starts a new session at newIndex. Completions and stats stay, but
// session-scoped queries only see data from today on.
func (s *Store) SoftReset(ctx context.Context, newIndex int) (Session, error) {
	if err := validateIndex(newIndex); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSession(ctx, s.db.X(), newIndex)
}

// HardReset wipes every table and starts a fresh session at newIndex.
// It is all-or-nothing.
func (s *Store) HardReset(ctx context.Context, newIndex int) (Session, error) {
	if err := validateIndex(newIndex); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	err := s.db.WithTx(ctx, "hard reset", func(tx *sqlx.Tx) error {
		for _, table := range []string{"completions", "daily_stats", "monthly_stats", "overall_stats", "sessions"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return err
			}
		}
		var err error
		sess, err = s.insertSession(ctx, tx, newIndex)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	s.log.Warn("hard reset done", logx.Int("index", newIndex))
	return sess, nil
}

func validateIndex(idx int) error {
	if idx < 0 {
		return apperr.Validationf("index", "must be >= 0, got %d", idx)
	}
	return nil
}
