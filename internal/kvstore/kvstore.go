// Package kvstore is the shared key-value store for ephemeral CI session
// metadata.
//
// Every Tekton process on a host (the MCP server, the registry daemon, CLI
// invocations, component services) opens the same store and sees each
// other's writes as soon as they commit. Values are JSON documents grouped
// into namespaces. Each write is stamped with a revision taken from a
// store-wide sequence, so revisions grow strictly per key and are never
// reused, even across delete and re-create.
//
// Consistency is last-writer-wins unless the caller asks for a condition:
// PutOptions.IfRevision turns a write into a compare-and-swap, and Update
// runs a read-modify-write atomically. Size is bounded per namespace
// (oldest writes are evicted) and per value, and entries may carry a TTL.
//
// Two backends implement Backend: Store (SQLite in WAL mode, the default)
// and RedisStore.
package kvstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ckoons/tekton-ci/internal/errors"
)

// Change operations recorded in the change feed.
const (
	OpPut    = "put"
	OpDelete = "delete"
	OpExpire = "expire"
	OpEvict  = "evict"
)

// MaxKeyLength bounds key size in bytes.
const MaxKeyLength = 512

// Entry is one stored value.
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Revision  int64           `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Decode unmarshals the entry value into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Value, v); err != nil {
		return errors.Wrapf(err, "kvstore: decode %s/%s", e.Namespace, e.Key)
	}
	return nil
}

// PutOptions qualifies a write.
type PutOptions struct {
	// TTL after which the entry expires. Zero uses the store default,
	// a negative value means the entry never expires.
	TTL time.Duration
	// IfRevision makes the write conditional: the current revision must
	// equal *IfRevision, and 0 means the key must not exist.
	IfRevision *int64
}

// Rev returns a pointer for PutOptions.IfRevision.
func Rev(n int64) *int64 { return &n }

// ListOptions filters List.
type ListOptions struct {
	Prefix string
	Limit  int
}

// Change is one row of the change feed. Seq equals the revision the write
// produced.
type Change struct {
	Seq       int64     `json:"seq"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Op        string    `json:"op"`
	At        time.Time `json:"at"`
}

// Stats summarizes store contents.
type Stats struct {
	Backend    string         `json:"backend"`
	Namespaces map[string]int `json:"namespaces"`
	Entries    int            `json:"entries"`
	LastSeq    int64          `json:"last_seq"`
}

// SweepResult reports what a sweep removed.
type SweepResult struct {
	Expired        int `json:"expired"`
	ChangesTrimmed int `json:"changes_trimmed"`
}

// UpdateFunc computes the next value from the current entry (nil when the
// key is absent or expired). Returning an error aborts the update.
type UpdateFunc func(cur *Entry) (json.RawMessage, error)

// Backend is implemented by every store.
type Backend interface {
	Get(ctx context.Context, ns, key string) (*Entry, error)
	Put(ctx context.Context, ns, key string, value json.RawMessage, opts PutOptions) (*Entry, error)
	Update(ctx context.Context, ns, key string, fn UpdateFunc, opts PutOptions) (*Entry, error)
	Delete(ctx context.Context, ns, key string, ifRevision *int64) error
	List(ctx context.Context, ns string, opts ListOptions) ([]Entry, error)
	Namespaces(ctx context.Context) ([]string, error)
	Changes(ctx context.Context, since int64, limit int) ([]Change, error)
	Sweep(ctx context.Context) (SweepResult, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Backend names accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds store configuration.
type Config struct {
	Backend         string
	DataDir         string
	RedisURL        string
	MaxEntries      int
	MaxValueBytes   int
	DefaultTTL      time.Duration
	ChangeRetention int

	// Unbounded lists namespaces exempt from MaxEntries. Routing state
	// lives there and must not be evicted by unrelated churn.
	Unbounded []string
}

// bounded reports whether MaxEntries applies to ns.
func (c Config) bounded(ns string) bool {
	if c.MaxEntries <= 0 {
		return false
	}
	for _, u := range c.Unbounded {
		if u == ns {
			return false
		}
	}
	return true
}

// DefaultConfig returns the defaults used when no config file is present.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Backend:         BackendSQLite,
		DataDir:         filepath.Join(home, ".tekton", "ci"),
		MaxEntries:      10000,
		MaxValueBytes:   1 << 20,
		ChangeRetention: 5000,
	}
}

// Open returns the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		return NewSQLite(cfg)
	case BackendRedis:
		return NewRedis(ctx, cfg)
	default:
		return nil, errors.Invalidf("kvstore: unknown backend %q", cfg.Backend)
	}
}

// ─── Validation ──────────────────────────────────────────────────────────────

var namespacePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ValidNamespace reports whether ns is an acceptable namespace name.
func ValidNamespace(ns string) bool {
	return namespacePattern.MatchString(ns)
}

func validateKey(ns, key string) error {
	if !ValidNamespace(ns) {
		return errors.Invalidf("kvstore: namespace %q must match %s", ns, namespacePattern.String())
	}
	if key == "" {
		return errors.Invalidf("kvstore: empty key in namespace %q", ns)
	}
	if len(key) > MaxKeyLength {
		return errors.Invalidf("kvstore: key longer than %d bytes", MaxKeyLength)
	}
	if !utf8.ValidString(key) || strings.ContainsRune(key, 0) {
		return errors.Invalidf("kvstore: key %q is not valid text", key)
	}
	return nil
}

func validateValue(value json.RawMessage, maxBytes int) error {
	if len(value) == 0 || !json.Valid(value) {
		return errors.Invalidf("kvstore: value is not valid JSON")
	}
	if maxBytes > 0 && len(value) > maxBytes {
		return errors.Wrapf(errors.ErrTooLarge, "kvstore: value is %d bytes, limit %d", len(value), maxBytes)
	}
	return nil
}

func checkCondition(ns, key string, cur *Entry, ifRevision *int64) error {
	if ifRevision == nil {
		return nil
	}
	want := *ifRevision
	switch {
	case want < 0:
		return errors.Invalidf("kvstore: %s/%s: revision condition %d is negative", ns, key, want)
	case want == 0 && cur != nil:
		return errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s exists at revision %d", ns, key, cur.Revision)
	case want > 0 && cur == nil:
		return errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s is absent, expected revision %d", ns, key, want)
	case want > 0 && cur.Revision != want:
		return errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s is at revision %d, expected %d", ns, key, cur.Revision, want)
	}
	return nil
}

// expiry resolves the TTL of a write into an absolute time, or nil.
func expiry(opts PutOptions, def time.Duration, now time.Time) *time.Time {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = def
	}
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl).UTC().Truncate(time.Millisecond)
	return &t
}

// timeNow is replaced in tests to control expiry.
var timeNow = time.Now
