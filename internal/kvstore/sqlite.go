package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/logger"
)

// DBFileName is the database file inside Config.DataDir.
const DBFileName = "kv.db"

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is the SQLite backend.
//
// Every pooled connection is opened with WAL journaling and a 5s busy
// timeout, and every transaction starts with BEGIN IMMEDIATE, so writers in
// different processes queue on the database write lock instead of failing
// with SQLITE_BUSY halfway through a read-modify-write.
type Store struct {
	db   *sql.DB
	cfg  Config
	path string
	log  *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) the store under cfg.DataDir.
func NewSQLite(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "kvstore: create data dir")
	}

	path := filepath.Join(cfg.DataDir, DBFileName)
	db, err := openDB("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: open database")
	}

	s := &Store{db: db, cfg: cfg, path: path, log: logger.ComponentLogger("kvstore")}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "kvstore: migrate")
	}

	s.log.Debugw("store opened", logger.FieldFile, path, "max_entries", cfg.MaxEntries)
	return s, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

const schema = `
	CREATE TABLE IF NOT EXISTS kv_entries (
		namespace  TEXT    NOT NULL,
		key        TEXT    NOT NULL,
		value      TEXT    NOT NULL,
		revision   INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_ns_revision ON kv_entries(namespace, revision);
	CREATE INDEX IF NOT EXISTS idx_kv_expires     ON kv_entries(expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS kv_changes (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		namespace TEXT    NOT NULL,
		key       TEXT    NOT NULL,
		op        TEXT    NOT NULL,
		at        INTEGER NOT NULL
	);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// ─── Reads ───────────────────────────────────────────────────────────────────

const entryColumns = `namespace, key, value, revision, created_at, updated_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e                Entry
		value            string
		created, updated int64
		expires          sql.NullInt64
	)
	if err := row.Scan(&e.Namespace, &e.Key, &value, &e.Revision, &created, &updated, &expires); err != nil {
		return nil, err
	}
	e.Value = json.RawMessage(value)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		e.ExpiresAt = &t
	}
	return &e, nil
}

// Get returns the live entry for ns/key.
func (s *Store) Get(ctx context.Context, ns, key string) (*Entry, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM kv_entries
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		ns, key, millis(timeNow()),
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundf("kvstore: %s/%s", ns, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: get %s/%s", ns, key)
	}
	return e, nil
}

// List returns live entries of a namespace ordered by key.
func (s *Store) List(ctx context.Context, ns string, opts ListOptions) ([]Entry, error) {
	if !ValidNamespace(ns) {
		return nil, errors.Invalidf("kvstore: namespace %q", ns)
	}

	query := `SELECT ` + entryColumns + ` FROM kv_entries
		WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{ns, millis(timeNow())}

	if opts.Prefix != "" {
		query += ` AND substr(key, 1, length(?)) = ?`
		args = append(args, opts.Prefix, opts.Prefix)
	}
	query += ` ORDER BY key`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: list %s", ns)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Namespaces returns namespaces holding at least one live entry.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace FROM kv_entries
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY namespace`,
		millis(timeNow()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: namespaces")
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Changes returns change-feed rows with seq greater than since.
func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, namespace, key, op, at FROM kv_changes WHERE seq > ? ORDER BY seq LIMIT ?`,
		since, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: changes")
	}
	defer func() { _ = rows.Close() }()

	var out []Change
	for rows.Next() {
		var (
			c  Change
			at int64
		)
		if err := rows.Scan(&c.Seq, &c.Namespace, &c.Key, &c.Op, &at); err != nil {
			return nil, err
		}
		c.At = fromMillis(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats returns per-namespace live entry counts and the last sequence.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: BackendSQLite, Namespaces: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, COUNT(*) FROM kv_entries
		 WHERE expires_at IS NULL OR expires_at > ?
		 GROUP BY namespace`,
		millis(timeNow()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: stats")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			ns string
			n  int
		)
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, err
		}
		st.Namespaces[ns] = n
		st.Entries += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&st.LastSeq); err != nil {
		return nil, errors.Wrap(err, "kvstore: last seq")
	}
	return st, nil
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// Put writes value under ns/key.
func (s *Store) Put(ctx context.Context, ns, key string, value json.RawMessage, opts PutOptions) (*Entry, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, err
	}
	if err := validateValue(value, s.cfg.MaxValueBytes); err != nil {
		return nil, err
	}

	var out *Entry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		e, err := s.putTx(ctx, tx, ns, key, value, opts, timeNow())
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies fn to the current entry and writes the result in one
// immediate transaction. Concurrent updaters in other processes wait on the
// write lock, so fn never observes a stale value.
func (s *Store) Update(ctx context.Context, ns, key string, fn UpdateFunc, opts PutOptions) (*Entry, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, err
	}

	var out *Entry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := timeNow()
		cur, err := s.liveEntry(ctx, tx, ns, key, now)
		if err != nil {
			return err
		}
		if err := checkCondition(ns, key, cur, opts.IfRevision); err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if err := validateValue(next, s.cfg.MaxValueBytes); err != nil {
			return err
		}
		uncond := opts
		uncond.IfRevision = nil
		out, err = s.putTx(ctx, tx, ns, key, next, uncond, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes ns/key. ifRevision, when set, must match the current
// revision.
func (s *Store) Delete(ctx context.Context, ns, key string, ifRevision *int64) error {
	if err := validateKey(ns, key); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := timeNow()
		cur, err := s.liveEntry(ctx, tx, ns, key, now)
		if err != nil {
			return err
		}
		if cur == nil {
			return errors.NotFoundf("kvstore: %s/%s", ns, key)
		}
		if err := checkCondition(ns, key, cur, ifRevision); err != nil {
			return err
		}
		if _, err := s.recordChange(ctx, tx, ns, key, OpDelete, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, ns, key); err != nil {
			return errors.Wrapf(err, "kvstore: delete %s/%s", ns, key)
		}
		return nil
	})
}

// Sweep removes expired entries and trims the change feed to
// Config.ChangeRetention rows.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := timeNow()
		rows, err := tx.QueryContext(ctx,
			`SELECT namespace, key FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
			millis(now),
		)
		if err != nil {
			return errors.Wrap(err, "kvstore: find expired")
		}
		type nsKey struct{ ns, key string }
		var expired []nsKey
		for rows.Next() {
			var k nsKey
			if err := rows.Scan(&k.ns, &k.key); err != nil {
				_ = rows.Close()
				return err
			}
			expired = append(expired, k)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range expired {
			if _, err := s.recordChange(ctx, tx, k.ns, k.key, OpExpire, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, k.ns, k.key); err != nil {
				return errors.Wrap(err, "kvstore: delete expired")
			}
		}
		res.Expired = len(expired)

		if s.cfg.ChangeRetention > 0 {
			r, err := tx.ExecContext(ctx,
				`DELETE FROM kv_changes WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM kv_changes) - ?`,
				s.cfg.ChangeRetention,
			)
			if err != nil {
				return errors.Wrap(err, "kvstore: trim changes")
			}
			n, _ := r.RowsAffected()
			res.ChangesTrimmed = int(n)
		}
		return nil
	})
	return res, err
}

// ─── Transaction helpers ─────────────────────────────────────────────────────

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "kvstore: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "kvstore: commit")
	}
	return nil
}

// liveEntry reads ns/key inside tx, treating an expired row as absent.
func (s *Store) liveEntry(ctx context.Context, tx *sql.Tx, ns, key string, now time.Time) (*Entry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM kv_entries WHERE namespace = ? AND key = ?`, ns, key,
	)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: read %s/%s", ns, key)
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return nil, nil
	}
	return e, nil
}

func (s *Store) putTx(ctx context.Context, tx *sql.Tx, ns, key string, value json.RawMessage, opts PutOptions, now time.Time) (*Entry, error) {
	cur, err := s.liveEntry(ctx, tx, ns, key, now)
	if err != nil {
		return nil, err
	}
	if err := checkCondition(ns, key, cur, opts.IfRevision); err != nil {
		return nil, err
	}

	seq, err := s.recordChange(ctx, tx, ns, key, OpPut, now)
	if err != nil {
		return nil, err
	}

	now = now.UTC().Truncate(time.Millisecond)
	e := &Entry{
		Namespace: ns,
		Key:       key,
		Value:     value,
		Revision:  seq,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiry(opts, s.cfg.DefaultTTL, now),
	}
	if cur != nil {
		e.CreatedAt = cur.CreatedAt
	}

	var expires sql.NullInt64
	if e.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: millis(*e.ExpiresAt), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv_entries (namespace, key, value, revision, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET
		     value      = excluded.value,
		     revision   = excluded.revision,
		     created_at = excluded.created_at,
		     updated_at = excluded.updated_at,
		     expires_at = excluded.expires_at`,
		ns, key, string(value), seq, millis(e.CreatedAt), millis(e.UpdatedAt), expires,
	); err != nil {
		return nil, errors.Wrapf(err, "kvstore: write %s/%s", ns, key)
	}

	if err := s.enforceBound(ctx, tx, ns, now); err != nil {
		return nil, err
	}

	s.log.Debugw("put", logger.FieldNamespace, ns, logger.FieldKey, key, logger.FieldRevision, seq)
	return e, nil
}

// recordChange appends to the change feed and returns the new sequence,
// which doubles as the revision of the write.
func (s *Store) recordChange(ctx context.Context, tx *sql.Tx, ns, key, op string, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO kv_changes (namespace, key, op, at) VALUES (?, ?, ?, ?)`,
		ns, key, op, millis(now),
	)
	if err != nil {
		return 0, errors.Wrapf(err, "kvstore: record %s %s/%s", op, ns, key)
	}
	return res.LastInsertId()
}

// enforceBound evicts the oldest writes of ns above Config.MaxEntries.
// Already-expired rows go first.
func (s *Store) enforceBound(ctx context.Context, tx *sql.Tx, ns string, now time.Time) error {
	if !s.cfg.bounded(ns) {
		return nil
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_entries WHERE namespace = ?`, ns).Scan(&count); err != nil {
		return errors.Wrap(err, "kvstore: count namespace")
	}
	excess := count - s.cfg.MaxEntries
	if excess <= 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE namespace = ?
		 ORDER BY (expires_at IS NOT NULL AND expires_at <= ?) DESC, revision ASC
		 LIMIT ?`,
		ns, millis(now), excess,
	)
	if err != nil {
		return errors.Wrap(err, "kvstore: select eviction victims")
	}
	var victims []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, k)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range victims {
		if _, err := s.recordChange(ctx, tx, ns, k, OpEvict, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, ns, k); err != nil {
			return errors.Wrap(err, "kvstore: evict")
		}
	}
	s.log.Infow("evicted entries", logger.FieldNamespace, ns, logger.FieldCount, len(victims))
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
