// Package memory implements Engram structured memory: categorised,
// importance-ranked, tagged memories for a CI client, with full-text search
// and a digest used at session start.
//
// It uses SQLite with FTS5. Each memory belongs to one category
// (personal, projects, facts, preferences, session, private) and carries an
// importance from 1 to 5 that defaults per category.
package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/ckoons/tekton-ci/internal/errors"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Categories ──────────────────────────────────────────────────────────────

// Memory categories.
const (
	CategoryPersonal    = "personal"
	CategoryProjects    = "projects"
	CategoryFacts       = "facts"
	CategoryPreferences = "preferences"
	CategorySession     = "session"
	CategoryPrivate     = "private"
)

// Categories lists every category in display order.
var Categories = []string{
	CategoryPersonal,
	CategoryProjects,
	CategoryFacts,
	CategoryPreferences,
	CategorySession,
	CategoryPrivate,
}

// DefaultImportance is the importance given to a memory when the caller
// does not choose one.
var DefaultImportance = map[string]int{
	CategoryPersonal:    5,
	CategoryProjects:    4,
	CategoryFacts:       3,
	CategoryPreferences: 4,
	CategorySession:     3,
	CategoryPrivate:     5,
}

// ImportanceLevels describes each importance value.
var ImportanceLevels = map[int]string{
	1: "Low importance, general context",
	2: "Somewhat important, useful background",
	3: "Moderately important, worth recalling",
	4: "Very important, should be remembered",
	5: "Critical information, must be remembered",
}

// Importance bounds.
const (
	MinImportance = 1
	MaxImportance = 5
)

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	_, ok := DefaultImportance[c]
	return ok
}

// ─── Types ───────────────────────────────────────────────────────────────────

// Session represents a CI working session with start/end timestamps.
type Session struct {
	ID        string  `json:"id"`
	ClientID  string  `json:"client_id"`
	Project   string  `json:"project"`
	Directory string  `json:"directory"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	Summary   *string `json:"summary,omitempty"`
}

// Memory is one stored memory.
type Memory struct {
	ID             int64          `json:"id"`
	ClientID       string         `json:"client_id"`
	Category       string         `json:"category"`
	Importance     int            `json:"importance"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SessionID      *string        `json:"session_id,omitempty"`
	DuplicateCount int            `json:"duplicate_count"`
	LastSeenAt     *string        `json:"last_seen_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	DeletedAt      *string        `json:"deleted_at,omitempty"`
}

// SearchResult embeds a Memory with its FTS5 rank (lower is better, 0 when
// no query was given).
type SearchResult struct {
	Memory
	Rank float64 `json:"rank"`
}

// SessionSummary is a compact view of a session with memory count.
type SessionSummary struct {
	ID          string  `json:"id"`
	Project     string  `json:"project"`
	StartedAt   string  `json:"started_at"`
	EndedAt     *string `json:"ended_at,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	MemoryCount int     `json:"memory_count"`
}

// Stats holds aggregate memory statistics for the client.
type Stats struct {
	ClientID      string         `json:"client_id"`
	TotalSessions int            `json:"total_sessions"`
	TotalMemories int            `json:"total_memories"`
	ByCategory    map[string]int `json:"by_category"`
	TopTags       []string       `json:"top_tags"`
}

// Sort orders accepted by SearchOptions.SortBy.
const (
	SortImportance = "importance"
	SortRecency    = "recency"
	SortRelevance  = "relevance"
)

// SearchOptions holds filters for Search.
type SearchOptions struct {
	Query         string   `json:"query,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MinImportance int      `json:"min_importance,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	SortBy        string   `json:"sort_by,omitempty"`
}

// AddParams holds the input for creating a memory.
type AddParams struct {
	Content    string         `json:"content"`
	Category   string         `json:"category,omitempty"`
	Importance int            `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// AutoResult reports what AddAutoCategorized decided.
type AutoResult struct {
	ID         int64    `json:"id"`
	Category   string   `json:"category"`
	Importance int      `json:"importance"`
	Tags       []string `json:"tags"`
}

// DigestOptions selects what goes into a digest.
type DigestOptions struct {
	Categories     []string `json:"categories,omitempty"`
	MaxMemories    int      `json:"max_memories,omitempty"`
	IncludePrivate bool     `json:"include_private,omitempty"`
}

// ExportData is the full serializable dump of the client's memory.
type ExportData struct {
	Version    string    `json:"version"`
	ExportedAt string    `json:"exported_at"`
	ClientID   string    `json:"client_id"`
	Sessions   []Session `json:"sessions"`
	Memories   []Memory  `json:"memories"`
}

// ImportResult holds counts of imported records.
type ImportResult struct {
	SessionsImported int `json:"sessions_imported"`
	MemoriesImported int `json:"memories_imported"`
	MemoriesSkipped  int `json:"memories_skipped"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// DBFileName is the database file created in Config.DataDir.
const DBFileName = "memory.db"

// Config holds memory store configuration.
type Config struct {
	DataDir          string
	ClientID         string
	MaxContentLength int
	MaxSearchResults int
	DedupeWindow     time.Duration
}

// DefaultConfig returns the default configuration for the memory store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".tekton", "engram"),
		ClientID:         "default",
		MaxContentLength: 8000,
		MaxSearchResults: 50,
		DedupeWindow:     15 * time.Minute,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the structured memory engine backed by SQLite + FTS5.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// storeHooks lets tests fail individual statements.
type storeHooks struct {
	exec    func(db execer, query string, args ...any) (sql.Result, error)
	query   func(db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(db, query, args...)
	}
	return db.Exec(query, args...)
}

func (s *Store) queryHook(db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(db, query, args...)
	}
	return db.Query(query, args...)
}

func (s *Store) beginTxHook() (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(s.db)
	}
	return s.db.Begin()
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a Store. It creates the data directory if needed, opens
// SQLite with WAL mode and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "default"
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = DefaultConfig().MaxContentLength
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = DefaultConfig().MaxSearchResults
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "memory: create data dir")
	}

	db, err := openDB("sqlite", sqliteDSN(filepath.Join(cfg.DataDir, DBFileName)))
	if err != nil {
		return nil, errors.Wrap(err, "memory: open database")
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "memory: migration")
	}
	return s, nil
}

// sqliteDSN applies the pragmas to every pooled connection. Write
// transactions take the lock at BEGIN so concurrent writers wait on
// busy_timeout instead of failing on upgrade.
func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// ClientID returns the client whose memories this store serves.
func (s *Store) ClientID() string { return s.cfg.ClientID }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			project    TEXT NOT NULL DEFAULT '',
			directory  TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			ended_at   TEXT,
			summary    TEXT
		);

		CREATE TABLE IF NOT EXISTS memories (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id       TEXT    NOT NULL,
			category        TEXT    NOT NULL,
			importance      INTEGER NOT NULL,
			content         TEXT    NOT NULL,
			tags            TEXT    NOT NULL DEFAULT '',
			metadata        TEXT,
			session_id      TEXT,
			normalized_hash TEXT    NOT NULL,
			duplicate_count INTEGER NOT NULL DEFAULT 1,
			last_seen_at    TEXT,
			created_at      TEXT    NOT NULL DEFAULT (datetime('now')),
			updated_at      TEXT    NOT NULL DEFAULT (datetime('now')),
			deleted_at      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_mem_client_cat ON memories(client_id, category, importance DESC, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_mem_dedupe     ON memories(client_id, normalized_hash, category, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_mem_session    ON memories(session_id);
		CREATE INDEX IF NOT EXISTS idx_mem_deleted    ON memories(deleted_at);

		CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id INTEGER NOT NULL,
			tag       TEXT    NOT NULL,
			PRIMARY KEY (memory_id, tag),
			FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_tags_tag ON memory_tags(tag);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			tags,
			category,
			content='memories',
			content_rowid='id'
		);
	`
	if _, err := s.execHook(s.db, schema); err != nil {
		return err
	}

	// FTS triggers (idempotent)
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='mem_fts_insert'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER mem_fts_insert AFTER INSERT ON memories BEGIN
				INSERT INTO memories_fts(rowid, content, tags, category)
				VALUES (new.id, new.content, new.tags, new.category);
			END;

			CREATE TRIGGER mem_fts_delete AFTER DELETE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content, tags, category)
				VALUES ('delete', old.id, old.content, old.tags, old.category);
			END;

			CREATE TRIGGER mem_fts_update AFTER UPDATE ON memories BEGIN
				INSERT INTO memories_fts(memories_fts, rowid, content, tags, category)
				VALUES ('delete', old.id, old.content, old.tags, old.category);
				INSERT INTO memories_fts(rowid, content, tags, category)
				VALUES (new.id, new.content, new.tags, new.category);
			END;
		`
		if _, err := s.execHook(s.db, triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession registers a new session. Re-creating an existing ID is a no-op.
func (s *Store) CreateSession(id, project, directory string) error {
	if strings.TrimSpace(id) == "" {
		return errors.Invalidf("memory: session id is required")
	}
	_, err := s.execHook(s.db,
		`INSERT OR IGNORE INTO sessions (id, client_id, project, directory) VALUES (?, ?, ?, ?)`,
		id, s.cfg.ClientID, project, directory,
	)
	return err
}

// EndSession marks a session as completed with an optional summary.
func (s *Store) EndSession(id string, summary string) error {
	res, err := s.execHook(s.db,
		`UPDATE sessions SET ended_at = datetime('now'), summary = ? WHERE id = ?`,
		nullableString(summary), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("memory: session %q not found", id)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, client_id, project, directory, started_at, ended_at, summary FROM sessions WHERE id = ?`, id,
	)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.ClientID, &sess.Project, &sess.Directory, &sess.StartedAt, &sess.EndedAt, &sess.Summary); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFoundf("memory: session %q not found", id)
		}
		return nil, err
	}
	return &sess, nil
}

// RecentSessions returns the client's recent sessions with memory counts.
func (s *Store) RecentSessions(project string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT s.id, s.project, s.started_at, s.ended_at, s.summary,
		       COUNT(m.id) AS memory_count
		FROM sessions s
		LEFT JOIN memories m ON m.session_id = s.id AND m.deleted_at IS NULL
		WHERE s.client_id = ?
	`
	args := []any{s.cfg.ClientID}

	if project != "" {
		query += " AND s.project = ?"
		args = append(args, project)
	}

	query += " GROUP BY s.id ORDER BY MAX(COALESCE(m.created_at, s.started_at)) DESC, s.started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.queryHook(s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.Project, &ss.StartedAt, &ss.EndedAt, &ss.Summary, &ss.MemoryCount); err != nil {
			return nil, err
		}
		results = append(results, ss)
	}
	return results, rows.Err()
}

// ─── Memories ────────────────────────────────────────────────────────────────

// AddMemory stores a memory and returns its ID.
//
// Importance 0 takes the category default; other values are clamped to
// 1..5. <private> blocks are redacted outside the private category. The
// same content written again in the same category within the dedupe
// window bumps duplicate_count on the existing memory, merges the new tags
// and returns the existing ID.
func (s *Store) AddMemory(p AddParams) (int64, error) {
	category := strings.ToLower(strings.TrimSpace(p.Category))
	if category == "" {
		category = CategorySession
	}
	if !ValidCategory(category) {
		return 0, errors.Invalidf("memory: unknown category %q (valid: %s)", p.Category, strings.Join(Categories, ", "))
	}

	content := p.Content
	if category != CategoryPrivate {
		content = stripPrivateTags(content)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return 0, errors.Invalidf("memory: content is required")
	}
	if len(content) > s.cfg.MaxContentLength {
		content = cutAt(content, s.cfg.MaxContentLength) + "... [truncated]"
	}

	importance := p.Importance
	if importance == 0 {
		importance = DefaultImportance[category]
	}
	importance = clampImportance(importance)

	tags := normalizeTags(p.Tags)
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return 0, err
	}
	hash := hashNormalized(content)

	tx, err := s.beginTxHook()
	if err != nil {
		return 0, errors.Wrap(err, "memory: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	// Deduplication: same content hash within the dedupe window.
	var existingID int64
	var existingTags string
	err = tx.QueryRow(
		`SELECT id, tags FROM memories
		 WHERE client_id = ?
		   AND normalized_hash = ?
		   AND category = ?
		   AND deleted_at IS NULL
		   AND datetime(created_at) >= datetime('now', ?)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		s.cfg.ClientID, hash, category, dedupeWindowExpression(s.cfg.DedupeWindow),
	).Scan(&existingID, &existingTags)
	switch {
	case err == nil:
		merged := normalizeTags(append(strings.Fields(existingTags), tags...))
		if _, err := s.execHook(tx,
			`UPDATE memories
			 SET duplicate_count = duplicate_count + 1,
			     tags = ?,
			     last_seen_at = datetime('now'),
			     updated_at = datetime('now')
			 WHERE id = ?`,
			strings.Join(merged, " "), existingID,
		); err != nil {
			return 0, err
		}
		if err := s.writeTags(tx, existingID, merged); err != nil {
			return 0, err
		}
		if err := s.commitHook(tx); err != nil {
			return 0, errors.Wrap(err, "memory: commit")
		}
		return existingID, nil
	case err != sql.ErrNoRows:
		return 0, err
	}

	res, err := s.execHook(tx,
		`INSERT INTO memories (client_id, category, importance, content, tags, metadata, session_id, normalized_hash, duplicate_count, last_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, datetime('now'), datetime('now'))`,
		s.cfg.ClientID, category, importance, content, strings.Join(tags, " "), metadata,
		nullableString(p.SessionID), hash,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := s.writeTags(tx, id, tags); err != nil {
		return 0, err
	}
	if err := s.commitHook(tx); err != nil {
		return 0, errors.Wrap(err, "memory: commit")
	}
	return id, nil
}

// AddAutoCategorized infers category, importance and tags from the
// content, then stores the memory. Non-zero manual values in p override
// the inferred ones; manual tags are added to the inferred tags.
func (s *Store) AddAutoCategorized(p AddParams) (*AutoResult, error) {
	category := strings.ToLower(strings.TrimSpace(p.Category))
	if category == "" {
		category = InferCategory(p.Content)
	}
	importance := p.Importance
	if importance == 0 && ValidCategory(category) {
		importance = inferImportance(category, p.Content)
	}
	tags := normalizeTags(append(SuggestTags(p.Content, 3), p.Tags...))

	id, err := s.AddMemory(AddParams{
		Content:    p.Content,
		Category:   category,
		Importance: importance,
		Tags:       tags,
		Metadata:   p.Metadata,
		SessionID:  p.SessionID,
	})
	if err != nil {
		return nil, err
	}
	return &AutoResult{ID: id, Category: category, Importance: clampImportance(importance), Tags: tags}, nil
}

const memoryColumns = `m.id, m.client_id, m.category, m.importance, m.content, m.tags, m.metadata,
	m.session_id, m.duplicate_count, m.last_seen_at, m.created_at, m.updated_at, m.deleted_at`

// Get retrieves a live memory by ID.
func (s *Store) Get(id int64) (*Memory, error) {
	list, err := s.queryMemories(
		`SELECT `+memoryColumns+` FROM memories m
		 WHERE m.id = ? AND m.client_id = ? AND m.deleted_at IS NULL`,
		id, s.cfg.ClientID,
	)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.NotFoundf("memory: %d not found", id)
	}
	return &list[0], nil
}

// ByCategory returns memories of one category, most important first.
func (s *Store) ByCategory(category string, limit int) ([]Memory, error) {
	if !ValidCategory(category) {
		return nil, errors.Invalidf("memory: unknown category %q", category)
	}
	return s.queryMemories(
		`SELECT `+memoryColumns+` FROM memories m
		 WHERE m.client_id = ? AND m.category = ? AND m.deleted_at IS NULL
		 ORDER BY m.importance DESC, m.created_at DESC, m.id DESC
		 LIMIT ?`,
		s.cfg.ClientID, category, s.limit(limit),
	)
}

// ByTag returns memories carrying tag, most important first.
func (s *Store) ByTag(tag string, limit int) ([]Memory, error) {
	tag = normalizeTag(tag)
	if tag == "" {
		return nil, errors.Invalidf("memory: tag is required")
	}
	return s.queryMemories(
		`SELECT `+memoryColumns+` FROM memories m
		 JOIN memory_tags t ON t.memory_id = m.id
		 WHERE t.tag = ? AND m.client_id = ? AND m.deleted_at IS NULL
		 ORDER BY m.importance DESC, m.created_at DESC, m.id DESC
		 LIMIT ?`,
		tag, s.cfg.ClientID, s.limit(limit),
	)
}

// ByContent finds a memory whose content matches exactly, optionally
// within one category.
func (s *Store) ByContent(content, category string) (*Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories m
		 WHERE m.client_id = ? AND m.content = ? AND m.deleted_at IS NULL`
	args := []any{s.cfg.ClientID, strings.TrimSpace(content)}
	if category != "" {
		query += " AND m.category = ?"
		args = append(args, category)
	}
	query += " ORDER BY m.created_at DESC, m.id DESC LIMIT 1"

	list, err := s.queryMemories(query, args...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.NotFoundf("memory: no memory with that content")
	}
	return &list[0], nil
}

// SetImportance changes the importance of a memory.
func (s *Store) SetImportance(id int64, importance int) error {
	if importance < MinImportance || importance > MaxImportance {
		return errors.Invalidf("memory: importance must be %d-%d, got %d", MinImportance, MaxImportance, importance)
	}
	res, err := s.execHook(s.db,
		`UPDATE memories SET importance = ?, updated_at = datetime('now')
		 WHERE id = ? AND client_id = ? AND deleted_at IS NULL`,
		importance, id, s.cfg.ClientID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("memory: %d not found", id)
	}
	return nil
}

// Delete soft-deletes a memory. It disappears from every read and search.
func (s *Store) Delete(id int64) error {
	res, err := s.execHook(s.db,
		`UPDATE memories SET deleted_at = datetime('now'), updated_at = datetime('now')
		 WHERE id = ? AND client_id = ? AND deleted_at IS NULL`,
		id, s.cfg.ClientID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("memory: %d not found", id)
	}
	return nil
}

// ─── Search (FTS5) ───────────────────────────────────────────────────────────

// Search finds memories matching opts. With a query it uses FTS5 and sorts
// by relevance unless SortBy says otherwise; without one it lists matching
// memories by importance.
func (s *Store) Search(opts SearchOptions) ([]SearchResult, error) {
	sortBy := strings.ToLower(strings.TrimSpace(opts.SortBy))
	switch sortBy {
	case "", SortImportance, SortRecency, SortRelevance:
	default:
		return nil, errors.Invalidf("memory: unknown sort %q (importance, recency, relevance)", opts.SortBy)
	}
	for _, c := range opts.Categories {
		if !ValidCategory(c) {
			return nil, errors.Invalidf("memory: unknown category %q", c)
		}
	}

	ftsQuery := sanitizeFTS(opts.Query)
	if sortBy == "" {
		sortBy = SortImportance
		if ftsQuery != "" {
			sortBy = SortRelevance
		}
	}

	var sqlStr string
	args := []any{}
	if ftsQuery != "" {
		sqlStr = `SELECT ` + memoryColumns + `, fts.rank
			FROM memories_fts fts
			JOIN memories m ON m.id = fts.rowid
			WHERE memories_fts MATCH ? AND m.client_id = ? AND m.deleted_at IS NULL`
		args = append(args, ftsQuery, s.cfg.ClientID)
	} else {
		sqlStr = `SELECT ` + memoryColumns + `, 0 AS rank
			FROM memories m
			WHERE m.client_id = ? AND m.deleted_at IS NULL`
		args = append(args, s.cfg.ClientID)
	}

	sqlStr, args = appendFilters(sqlStr, args, opts)

	switch {
	case sortBy == SortRecency:
		sqlStr += " ORDER BY m.created_at DESC, m.id DESC"
	case sortBy == SortRelevance && ftsQuery != "":
		sqlStr += " ORDER BY fts.rank, m.importance DESC"
	default:
		sqlStr += " ORDER BY m.importance DESC, m.created_at DESC, m.id DESC"
	}
	sqlStr += " LIMIT ?"
	args = append(args, s.limit(opts.Limit))

	rows, err := s.queryHook(s.db, sqlStr, args...)
	if err != nil {
		return nil, errors.Wrap(err, "memory: search")
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var sr SearchResult
		if err := scanMemory(rows, &sr.Memory, &sr.Rank); err != nil {
			return nil, err
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

func appendFilters(sqlStr string, args []any, opts SearchOptions) (string, []any) {
	if len(opts.Categories) > 0 {
		sqlStr += " AND m.category IN (" + placeholders(len(opts.Categories)) + ")"
		for _, c := range opts.Categories {
			args = append(args, c)
		}
	}
	if tags := normalizeTags(opts.Tags); len(tags) > 0 {
		sqlStr += " AND m.id IN (SELECT memory_id FROM memory_tags WHERE tag IN (" + placeholders(len(tags)) + "))"
		for _, t := range tags {
			args = append(args, t)
		}
	}
	if opts.MinImportance > MinImportance {
		sqlStr += " AND m.importance >= ?"
		args = append(args, opts.MinImportance)
	}
	return sqlStr, args
}

// ContextMemories returns memories relevant to a piece of conversation:
// keywords of text (stop words removed) are matched against memory
// content and tags, and memories are ranked by keyword hits times
// importance. Private memories are never included.
func (s *Store) ContextMemories(text string, limit int) ([]Memory, error) {
	kws := Keywords(text)
	if len(kws) == 0 {
		return nil, nil
	}
	candidates, err := s.ftsCandidates(kws, 200)
	if err != nil {
		return nil, err
	}

	type scored struct {
		m     Memory
		score int
	}
	ranked := make([]scored, 0, len(candidates))
	for _, sr := range candidates {
		hay := strings.ToLower(sr.Content + " " + strings.Join(sr.Tags, " "))
		hits := 0
		for _, kw := range kws {
			if strings.Contains(hay, kw) {
				hits++
			}
		}
		if hits > 0 {
			ranked = append(ranked, scored{m: sr.Memory, score: hits * sr.Importance})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].m.ID > ranked[j].m.ID
	})

	limit = s.limit(limit)
	out := make([]Memory, 0, limit)
	for i := 0; i < len(ranked) && i < limit; i++ {
		out = append(out, ranked[i].m)
	}
	return out, nil
}

// SemanticMemories ranks memories against a free-text query: any keyword
// may match and results are ordered by bm25. Private memories are excluded.
func (s *Store) SemanticMemories(query string, limit int) ([]SearchResult, error) {
	kws := Keywords(query)
	if len(kws) == 0 {
		return nil, nil
	}
	return s.ftsCandidates(kws, s.limit(limit))
}

func (s *Store) ftsCandidates(kws []string, limit int) ([]SearchResult, error) {
	quoted := make([]string, len(kws))
	for i, kw := range kws {
		quoted[i] = `"` + kw + `"`
	}
	rows, err := s.queryHook(s.db,
		`SELECT `+memoryColumns+`, bm25(memories_fts)
		 FROM memories_fts
		 JOIN memories m ON m.id = memories_fts.rowid
		 WHERE memories_fts MATCH ? AND m.client_id = ? AND m.deleted_at IS NULL AND m.category != ?
		 ORDER BY bm25(memories_fts), m.importance DESC
		 LIMIT ?`,
		strings.Join(quoted, " OR "), s.cfg.ClientID, CategoryPrivate, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "memory: keyword search")
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var sr SearchResult
		if err := scanMemory(rows, &sr.Memory, &sr.Rank); err != nil {
			return nil, err
		}
		results = append(results, sr)
	}
	return results, rows.Err()
}

// ─── Digest ──────────────────────────────────────────────────────────────────

// Digest renders the most important memories as markdown grouped by
// category, for loading at session start. Private memories are left out
// unless IncludePrivate is set.
func (s *Store) Digest(opts DigestOptions) (string, error) {
	cats := opts.Categories
	if len(cats) == 0 {
		for _, c := range Categories {
			if c != CategoryPrivate || opts.IncludePrivate {
				cats = append(cats, c)
			}
		}
	}
	filtered := cats[:0:0]
	for _, c := range cats {
		if !ValidCategory(c) {
			return "", errors.Invalidf("memory: unknown category %q", c)
		}
		if c == CategoryPrivate && !opts.IncludePrivate {
			continue
		}
		filtered = append(filtered, c)
	}
	maxMemories := opts.MaxMemories
	if maxMemories <= 0 {
		maxMemories = 10
	}

	var b strings.Builder
	b.WriteString("# Memory Digest\n\n")
	if len(filtered) == 0 {
		b.WriteString("No memories available.\n")
		return b.String(), nil
	}

	list, err := s.queryMemories(
		`SELECT `+memoryColumns+` FROM memories m
		 WHERE m.client_id = ? AND m.deleted_at IS NULL AND m.category IN (`+placeholders(len(filtered))+`)
		 ORDER BY m.importance DESC, m.created_at DESC, m.id DESC
		 LIMIT ?`,
		append(append([]any{s.cfg.ClientID}, stringsToAny(filtered)...), maxMemories)...,
	)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		b.WriteString("No memories available.\n")
		return b.String(), nil
	}

	byCat := map[string][]Memory{}
	for _, m := range list {
		byCat[m.Category] = append(byCat[m.Category], m)
	}
	for _, c := range Categories {
		mems := byCat[c]
		if len(mems) == 0 {
			continue
		}
		b.WriteString("## " + strings.ToUpper(c[:1]) + c[1:] + "\n\n")
		for _, m := range mems {
			b.WriteString("- ")
			b.WriteString(strings.Repeat("★", m.Importance))
			b.WriteString(" " + Truncate(m.Content, 300))
			if len(m.Tags) > 0 {
				b.WriteString(" (tags: " + strings.Join(m.Tags, ", ") + ")")
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate memory statistics.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{ClientID: s.cfg.ClientID, ByCategory: map[string]int{}}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions WHERE client_id = ?", s.cfg.ClientID).Scan(&stats.TotalSessions); err != nil {
		return nil, err
	}

	rows, err := s.queryHook(s.db,
		`SELECT category, COUNT(*) FROM memories WHERE client_id = ? AND deleted_at IS NULL GROUP BY category`,
		s.cfg.ClientID,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByCategory[c] = n
		stats.TotalMemories += n
	}
	_ = rows.Close()

	tagRows, err := s.queryHook(s.db,
		`SELECT t.tag FROM memory_tags t
		 JOIN memories m ON m.id = t.memory_id
		 WHERE m.client_id = ? AND m.deleted_at IS NULL
		 GROUP BY t.tag ORDER BY COUNT(*) DESC, t.tag LIMIT 10`,
		s.cfg.ClientID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tagRows.Close() }()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return nil, err
		}
		stats.TopTags = append(stats.TopTags, tag)
	}
	return stats, tagRows.Err()
}

// ─── Export / Import ─────────────────────────────────────────────────────────

// ExportVersion identifies the ExportData layout.
const ExportVersion = "1"

// Export dumps the client's sessions and memories, including soft-deleted
// memories.
func (s *Store) Export() (*ExportData, error) {
	data := &ExportData{
		Version:    ExportVersion,
		ExportedAt: Now(),
		ClientID:   s.cfg.ClientID,
	}

	rows, err := s.queryHook(s.db,
		`SELECT id, client_id, project, directory, started_at, ended_at, summary
		 FROM sessions WHERE client_id = ? ORDER BY started_at, id`,
		s.cfg.ClientID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "export sessions")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ClientID, &sess.Project, &sess.Directory, &sess.StartedAt, &sess.EndedAt, &sess.Summary); err != nil {
			return nil, err
		}
		data.Sessions = append(data.Sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	data.Memories, err = s.queryMemories(
		`SELECT `+memoryColumns+` FROM memories m WHERE m.client_id = ? ORDER BY m.id`,
		s.cfg.ClientID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "export memories")
	}
	return data, nil
}

// Import loads exported data into this store's client. Sessions already
// present are kept; a memory is skipped when one with the same content,
// category and creation time already exists.
func (s *Store) Import(data *ExportData) (*ImportResult, error) {
	if data == nil {
		return nil, errors.Invalidf("memory: nothing to import")
	}
	tx, err := s.beginTxHook()
	if err != nil {
		return nil, errors.Wrap(err, "import: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	result := &ImportResult{}

	for _, sess := range data.Sessions {
		res, err := s.execHook(tx,
			`INSERT OR IGNORE INTO sessions (id, client_id, project, directory, started_at, ended_at, summary)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, s.cfg.ClientID, sess.Project, sess.Directory, sess.StartedAt, sess.EndedAt, sess.Summary,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "import session %s", sess.ID)
		}
		n, _ := res.RowsAffected()
		result.SessionsImported += int(n)
	}

	for _, m := range data.Memories {
		if !ValidCategory(m.Category) {
			return nil, errors.Invalidf("import memory %d: unknown category %q", m.ID, m.Category)
		}
		hash := hashNormalized(m.Content)
		var exists int
		err := tx.QueryRow(
			`SELECT 1 FROM memories WHERE client_id = ? AND normalized_hash = ? AND category = ? AND created_at = ?`,
			s.cfg.ClientID, hash, m.Category, m.CreatedAt,
		).Scan(&exists)
		if err == nil {
			result.MemoriesSkipped++
			continue
		}
		if err != sql.ErrNoRows {
			return nil, err
		}

		tags := normalizeTags(m.Tags)
		metadata, err := encodeMetadata(m.Metadata)
		if err != nil {
			return nil, err
		}
		res, err := s.execHook(tx,
			`INSERT INTO memories (client_id, category, importance, content, tags, metadata, session_id, normalized_hash, duplicate_count, last_seen_at, created_at, updated_at, deleted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.cfg.ClientID, m.Category, clampImportance(m.Importance), m.Content, strings.Join(tags, " "), metadata,
			m.SessionID, hash, maxInt(m.DuplicateCount, 1), m.LastSeenAt, m.CreatedAt, m.UpdatedAt, m.DeletedAt,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "import memory %d", m.ID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if err := s.writeTags(tx, id, tags); err != nil {
			return nil, err
		}
		result.MemoriesImported++
	}

	if err := s.commitHook(tx); err != nil {
		return nil, errors.Wrap(err, "import: commit")
	}
	return result, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (s *Store) limit(n int) int {
	if n <= 0 {
		n = 10
	}
	if n > s.cfg.MaxSearchResults {
		n = s.cfg.MaxSearchResults
	}
	return n
}

func (s *Store) writeTags(tx *sql.Tx, id int64, tags []string) error {
	for _, t := range tags {
		if _, err := s.execHook(tx, `INSERT OR IGNORE INTO memory_tags (memory_id, tag) VALUES (?, ?)`, id, t); err != nil {
			return errors.Wrapf(err, "memory: tag %d", id)
		}
	}
	return nil
}

func (s *Store) queryMemories(query string, args ...any) ([]Memory, error) {
	rows, err := s.queryHook(s.db, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Memory
	for rows.Next() {
		var m Memory
		if err := scanMemory(rows, &m); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// scanMemory reads memoryColumns plus any extra destinations.
func scanMemory(rows *sql.Rows, m *Memory, extra ...any) error {
	var tags string
	var metadata *string
	dest := []any{
		&m.ID, &m.ClientID, &m.Category, &m.Importance, &m.Content, &tags, &metadata,
		&m.SessionID, &m.DuplicateCount, &m.LastSeenAt, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	m.Tags = strings.Fields(tags)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if metadata != nil && *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &m.Metadata); err != nil {
			return errors.Wrapf(err, "memory %d: decode metadata", m.ID)
		}
	}
	return nil
}

func encodeMetadata(md map[string]any) (*string, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, errors.Invalidf("memory: metadata is not JSON-encodable: %v", err)
	}
	v := string(b)
	return &v, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func clampImportance(n int) int {
	if n < MinImportance {
		return MinImportance
	}
	if n > MaxImportance {
		return MaxImportance
	}
	return n
}

var tagSpace = regexp.MustCompile(`\s+`)

func normalizeTag(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.TrimPrefix(t, "#")
	return tagSpace.ReplaceAllString(t, "-")
}

// normalizeTags lower-cases, dedupes and sorts tags.
func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Truncate shortens a string to max length with ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return cutAt(s, max) + "..."
}

// cutAt returns the longest prefix of s no longer than n bytes that does
// not split a rune.
func cutAt(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func hashNormalized(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

func dedupeWindowExpression(window time.Duration) string {
	if window <= 0 {
		window = 15 * time.Minute
	}
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return "-" + strconv.Itoa(minutes) + " minutes"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// privateTagRegex matches <private>...</private> tags and their contents.
var privateTagRegex = regexp.MustCompile(`(?is)<private>.*?</private>`)

// stripPrivateTags replaces all <private>...</private> content.
func stripPrivateTags(s string) string {
	result := privateTagRegex.ReplaceAllString(s, "[REDACTED]")
	return strings.TrimSpace(result)
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "fix auth bug" → `"fix" "auth" "bug"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	out := words[:0]
	for _, w := range words {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		out = append(out, `"`+w+`"`)
	}
	return strings.Join(out, " ")
}

// Now returns the current time formatted for SQLite.
func Now() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

// ─── Keyword heuristics ──────────────────────────────────────────────────────

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be been but by can could did do does for from had
		has have he her his how i if in into is it its just me my no not of on or our she so than that the
		their them then there these they this to too was we were what when where which who why will with
		would you your about after again all also any because before being both each few more most other
		over same should some such only own very out up down off once here while during until`) {
		stopWords[w] = true
	}
}

// Keywords extracts lower-case words of three or more letters that are not
// stop words, in order of first appearance.
func Keywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]bool{}
	var out []string
	for _, w := range words {
		if len([]rune(w)) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// SuggestTags returns up to n of the most frequent keywords in text.
func SuggestTags(text string, n int) []string {
	counts := map[string]int{}
	order := map[string]int{}
	words := strings.FieldsFunc(strings.ToLower(stripPrivateTags(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		if len([]rune(w)) < 4 || stopWords[w] {
			continue
		}
		if _, ok := order[w]; !ok {
			order[w] = i
		}
		counts[w]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return order[keys[i]] < order[keys[j]]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// InferCategory guesses the category of a memory from its content.
func InferCategory(content string) string {
	text := " " + strings.ToLower(content) + " "
	switch {
	case hasAny(text, "<private>", "password", "secret", "api key", "apikey", "credential", "ssn", "private key"):
		return CategoryPrivate
	case hasAny(text, " prefer", "favorite", "favourite", " i like ", " i love ", " i hate ", " i dislike ", "rather than", " always use ", " never use "):
		return CategoryPreferences
	case hasAny(text, "my name", " i am ", " i'm ", "my wife", "my husband", "my family", "birthday", " i live ", "my partner"):
		return CategoryPersonal
	case hasAny(text, "project", "repository", " repo ", "codebase", "milestone", "deadline", "sprint", "roadmap", "feature"):
		return CategoryProjects
	case hasAny(text, " is a ", " are a ", "defined as", " means ", "according to", " fact", "equals"):
		return CategoryFacts
	}
	return CategorySession
}

func inferImportance(category, content string) int {
	n := DefaultImportance[category]
	text := strings.ToLower(content)
	if hasAny(text, "critical", "important", "must", "never forget", "remember", "always") {
		n++
	}
	if hasAny(text, "maybe", "minor", "trivial", "fyi") {
		n--
	}
	return clampImportance(n)
}

func hasAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
