package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite database holding claims, cursors and the reply log.
type DB struct{ sql *sql.DB }

func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS claims (
	  trigger_id TEXT NOT NULL,
	  target_id TEXT NOT NULL,
	  claimed_at INTEGER NOT NULL,
	  PRIMARY KEY (trigger_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_claims_at ON claims(claimed_at);
	CREATE TABLE IF NOT EXISTS cursors (
	  key TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS replies (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  ts INTEGER NOT NULL,
	  trigger_id TEXT NOT NULL,
	  target_id TEXT NOT NULL,
	  reply_id TEXT,
	  score REAL NOT NULL,
	  tier TEXT NOT NULL,
	  status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replies_ts ON replies(ts);
	`)
	return err
}

// ClaimTrigger inserts the (trigger, target) pair. It reports true only for the call that
// created the row; the insert is a single statement so concurrent claimers cannot both win.
func (d *DB) ClaimTrigger(ctx context.Context, triggerID, targetID string, at time.Time) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO claims(trigger_id, target_id, claimed_at) VALUES(?,?,?) ON CONFLICT(trigger_id, target_id) DO NOTHING`, triggerID, targetID, at.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimTriggerAfter is ClaimTrigger that also takes over a row claimed before cutoff.
func (d *DB) ClaimTriggerAfter(ctx context.Context, triggerID, targetID string, at, cutoff time.Time) (bool, error) {
	res, err := d.sql.ExecContext(ctx, `INSERT INTO claims(trigger_id, target_id, claimed_at) VALUES(?,?,?)
	  ON CONFLICT(trigger_id, target_id) DO UPDATE SET claimed_at=excluded.claimed_at WHERE claims.claimed_at < ?`,
		triggerID, targetID, at.UnixNano(), cutoff.UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseClaim deletes a claim so the pair can be claimed again.
func (d *DB) ReleaseClaim(ctx context.Context, triggerID, targetID string) error {
	_, err := d.sql.ExecContext(ctx, `DELETE FROM claims WHERE trigger_id=? AND target_id=?`, triggerID, targetID)
	return err
}

// PruneClaims removes claims older than before and returns how many were removed.
func (d *DB) PruneClaims(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM claims WHERE claimed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountClaims returns the number of live claims.
func (d *DB) CountClaims(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims`).Scan(&n)
	return n, err
}

// SaveCursor upserts a named cursor value.
func (d *DB) SaveCursor(ctx context.Context, key, value string) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO cursors(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// LoadCursor returns a cursor value or ErrNotFound.
func (d *DB) LoadCursor(ctx context.Context, key string) (string, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, `SELECT value FROM cursors WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

// Reply is one row of the reply log.
type Reply struct {
	TS        time.Time `json:"ts"`
	TriggerID string    `json:"trigger_id"`
	TargetID  string    `json:"target_id"`
	ReplyID   string    `json:"reply_id,omitempty"`
	Score     float64   `json:"score"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
}

// PutReply appends to the reply log.
func (d *DB) PutReply(ctx context.Context, r Reply) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO replies(ts, trigger_id, target_id, reply_id, score, tier, status) VALUES(?,?,?,?,?,?,?)`,
		r.TS.Unix(), r.TriggerID, r.TargetID, r.ReplyID, r.Score, r.Tier, r.Status)
	return err
}

// CountRepliesWithin counts log rows in [start, end) with the given status ("" for any).
func (d *DB) CountRepliesWithin(ctx context.Context, start, end time.Time, status string) (int, error) {
	var n int
	var err error
	if status == "" {
		err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies WHERE ts>=? AND ts<?`, start.Unix(), end.Unix()).Scan(&n)
	} else {
		err = d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies WHERE ts>=? AND ts<? AND status=?`, start.Unix(), end.Unix(), status).Scan(&n)
	}
	return n, err
}

// RecentReplies returns the newest log rows first.
func (d *DB) RecentReplies(ctx context.Context, limit int) ([]Reply, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT ts, trigger_id, target_id, COALESCE(reply_id, ''), score, tier, status FROM replies ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reply
	for rows.Next() {
		var r Reply
		var ts int64
		if err := rows.Scan(&ts, &r.TriggerID, &r.TargetID, &r.ReplyID, &r.Score, &r.Tier, &r.Status); err != nil {
			return nil, err
		}
		r.TS = time.Unix(ts, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
