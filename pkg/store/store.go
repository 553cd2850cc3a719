// Package store manages all SQLite persistence for a treesync server.
//
// One database holds everything the authority needs to survive a restart
// and to answer stale replicas: the committed history (one row per command
// count), periodic checkpoints of the whole document, and the registry of
// replicas with the last baseline each one proved it holds.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/treesync/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrGap is returned by Append when from is not the current history head.
var ErrGap = errors.New("store: append is not contiguous with the history head")

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		command_count INTEGER PRIMARY KEY,
		action        TEXT NOT NULL,
		path          TEXT NOT NULL DEFAULT '',
		created_id    TEXT,
		completion    TEXT NOT NULL,
		recorded_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS replicas (
		id         TEXT PRIMARY KEY,
		baseline   INTEGER NOT NULL DEFAULT 0,
		registered TEXT NOT NULL,
		last_seen  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replicas_last_seen ON replicas(last_seen);

	CREATE TABLE IF NOT EXISTS checkpoints (
		command_count INTEGER PRIMARY KEY,
		document      TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

const (
	metaHistoryBase = "history_base"
	metaHistoryHead = "history_head"
)

// Append records completions committed starting at from, in one
// transaction. The first append to an empty database may start at any
// count (a server booted from a checkpoint); later ones must be contiguous.
func (s *Store) Append(ctx context.Context, from int64, completions []model.CommandCompletion) error {
	if len(completions) == 0 {
		return nil
	}
	type row struct {
		action, path, createdID, body string
	}
	rows := make([]row, len(completions))
	for i, c := range completions {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode completion %d: %w", from+int64(i), err)
		}
		rows[i] = row{string(c.Command.Action), c.Command.Path.Key(), c.CreatedID, string(body)}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		head, ok, err := getMeta(tx, metaHistoryHead)
		if err != nil {
			return err
		}
		if !ok {
			if err := setMeta(tx, metaHistoryBase, from); err != nil {
				return err
			}
			head = from
		}
		if from != head {
			return fmt.Errorf("%w: from %d, head %d", ErrGap, from, head)
		}
		for i, r := range rows {
			if _, err := tx.Exec(
				`INSERT INTO history (command_count, action, path, created_id, completion, recorded_at)
				 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
				from+int64(i), r.action, r.path, r.createdID, r.body, now,
			); err != nil {
				return fmt.Errorf("insert history %d: %w", from+int64(i), err)
			}
		}
		if err := setMeta(tx, metaHistoryHead, from+int64(len(rows))); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// History returns the completions in [from, to). A range that is not fully
// retained yields nil.
func (s *Store) History(ctx context.Context, from, to int64) ([]model.CommandCompletion, error) {
	if from < 0 || from > to {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_count, completion FROM history
		 WHERE command_count >= ? AND command_count < ?
		 ORDER BY command_count ASC`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.CommandCompletion, 0, to-from)
	want := from
	for rows.Next() {
		var n int64
		var body string
		if err := rows.Scan(&n, &body); err != nil {
			return nil, err
		}
		if n != want {
			return nil, rows.Err()
		}
		var c model.CommandCompletion
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("decode completion %d: %w", n, err)
		}
		out = append(out, c)
		want++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if want != to {
		return nil, nil
	}
	return out, nil
}

// ListHistory returns up to limit entries with command_count >= since,
// oldest first.
func (s *Store) ListHistory(since int64, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT command_count, completion, recorded_at FROM history
		 WHERE command_count >= ?
		 ORDER BY command_count ASC LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHistory(rows)
}

// HistoryBounds returns the oldest retained count and the head. Both are 0
// for an empty database.
func (s *Store) HistoryBounds() (base, head int64, err error) {
	base, _, err = getMeta(s.db, metaHistoryBase)
	if err != nil {
		return 0, 0, err
	}
	head, _, err = getMeta(s.db, metaHistoryHead)
	return base, head, err
}

// Prune deletes history below before and returns the number of rows removed.
// The head never moves, so appends stay contiguous.
func (s *Store) Prune(ctx context.Context, before int64) (int, error) {
	var n int64
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		res, err := tx.Exec(`DELETE FROM history WHERE command_count < ?`, before)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		base, ok, err := getMeta(tx, metaHistoryBase)
		if err != nil {
			return err
		}
		if ok && base < before {
			head, _, err := getMeta(tx, metaHistoryHead)
			if err != nil {
				return err
			}
			if err := setMeta(tx, metaHistoryBase, min(before, head)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return int(n), err
}

// Reset discards all history and restarts the log empty at count at. The
// server calls it after an append failed and it has saved a checkpoint at
// at, so no retained range ever has a hole.
func (s *Store) Reset(ctx context.Context, at int64) error {
	return retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if _, err := tx.Exec(`DELETE FROM history`); err != nil {
			return err
		}
		if err := setMeta(tx, metaHistoryBase, at); err != nil {
			return err
		}
		if err := setMeta(tx, metaHistoryHead, at); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanHistory(rows *sql.Rows) ([]model.HistoryEntry, error) {
	var entries []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var body, recStr string
		if err := rows.Scan(&e.CommandCount, &body, &recStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(body), &e.Completion); err != nil {
			return nil, fmt.Errorf("decode completion %d: %w", e.CommandCount, err)
		}
		var parseErr error
		e.RecordedAt, parseErr = time.Parse(time.RFC3339Nano, recStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse recorded_at for history %d: %w", e.CommandCount, parseErr)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Replicas
// ---------------------------------------------------------------------------

// TouchReplica registers id or moves its cursor to baseline. Idempotent via
// ON CONFLICT. The cursor never moves backwards.
func (s *Store) TouchReplica(id string, baseline int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(context.Background(), func() error {
		_, err := s.db.Exec(
			`INSERT INTO replicas (id, baseline, registered, last_seen)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   baseline = MAX(replicas.baseline, excluded.baseline),
			   last_seen = excluded.last_seen`,
			id, baseline, now, now,
		)
		return err
	})
}

// GetReplica retrieves a replica cursor by ID.
func (s *Store) GetReplica(id string) (*model.ReplicaCursor, error) {
	row := s.db.QueryRow(`SELECT id, baseline, last_seen FROM replicas WHERE id = ?`, id)
	var c model.ReplicaCursor
	var lsStr string
	if err := row.Scan(&c.ID, &c.Baseline, &lsStr); err != nil {
		return nil, err
	}
	var parseErr error
	c.LastSeen, parseErr = time.Parse(time.RFC3339Nano, lsStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse last_seen time for replica %s: %w", c.ID, parseErr)
	}
	return &c, nil
}

// ListReplicas returns all registered replicas ordered by ID.
func (s *Store) ListReplicas() ([]model.ReplicaCursor, error) {
	rows, err := s.db.Query(`SELECT id, baseline, last_seen FROM replicas ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cursors []model.ReplicaCursor
	for rows.Next() {
		var c model.ReplicaCursor
		var lsStr string
		if err := rows.Scan(&c.ID, &c.Baseline, &lsStr); err != nil {
			return nil, err
		}
		var parseErr error
		c.LastSeen, parseErr = time.Parse(time.RFC3339Nano, lsStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse last_seen time for replica %s: %w", c.ID, parseErr)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// ActiveCursors returns the cursors of replicas seen within window. Only
// those hold history back from pruning.
func (s *Store) ActiveCursors(window time.Duration) ([]model.ReplicaCursor, error) {
	all, err := s.ListReplicas()
	if err != nil {
		return nil, err
	}
	var active []model.ReplicaCursor
	for _, c := range all {
		if time.Since(c.LastSeen) < window {
			active = append(active, c)
		}
	}
	return active, nil
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// SaveCheckpoint stores snap. Saving the same count twice overwrites.
func (s *Store) SaveCheckpoint(snap model.Snapshot) error {
	doc, err := json.Marshal(snap.Document)
	if err != nil {
		return fmt.Errorf("encode checkpoint %d: %w", snap.CommandCount, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(context.Background(), func() error {
		_, err := s.db.Exec(
			`INSERT INTO checkpoints (command_count, document, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(command_count) DO UPDATE SET document = excluded.document, created_at = excluded.created_at`,
			snap.CommandCount, string(doc), now,
		)
		return err
	})
}

// LatestCheckpoint returns the newest checkpoint, or nil if there is none.
func (s *Store) LatestCheckpoint() (*model.Snapshot, error) {
	var snap model.Snapshot
	var doc string
	err := s.db.QueryRow(
		`SELECT command_count, document FROM checkpoints ORDER BY command_count DESC LIMIT 1`,
	).Scan(&snap.CommandCount, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &snap.Document); err != nil {
		return nil, fmt.Errorf("decode checkpoint %d: %w", snap.CommandCount, err)
	}
	if snap.Document == nil {
		snap.Document = model.Document{}
	}
	return &snap, nil
}

// PruneCheckpoints keeps the newest keep checkpoints and deletes the rest.
func (s *Store) PruneCheckpoints(keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	var n int64
	err := retryOnContention(context.Background(), func() error {
		res, err := s.db.Exec(
			`DELETE FROM checkpoints WHERE command_count NOT IN (
			   SELECT command_count FROM checkpoints ORDER BY command_count DESC LIMIT ?
			 )`, keep,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getMeta(q queryer, key string) (int64, bool, error) {
	var v int64
	err := q.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func setMeta(tx *sql.Tx, key string, v int64) error {
	_, err := tx.Exec(
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, v,
	)
	return err
}
