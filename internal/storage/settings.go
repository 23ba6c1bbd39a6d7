package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetSetting returns the stored value for key and whether it exists.
func (db *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := db.x.GetContext(ctx, &v, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Wrap("get setting", err)
	}
	return v, true, nil
}

// Settings returns every stored override.
func (db *DB) Settings(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := db.x.SelectContext(ctx, &rows, `SELECT key, value FROM settings ORDER BY key`); err != nil {
		return nil, Wrap("list settings", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out, nil
}

// PutSettings upserts all pairs in one transaction.
func (db *DB) PutSettings(ctx context.Context, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(TimeLayout)
	return db.WithTx(ctx, "put settings", func(tx *sqlx.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, k, v, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSettings removes keys; missing keys are ignored.
func (db *DB) DeleteSettings(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM settings WHERE key IN (?)`, keys)
	if err != nil {
		return Wrap("delete settings", err)
	}
	if _, err := db.x.ExecContext(ctx, db.x.Rebind(q), args...); err != nil {
		return Wrap("delete settings", err)
	}
	return nil
}
