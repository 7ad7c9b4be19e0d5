package memory

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newHookedStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DataDir: t.TempDir(), ClientID: "apollo", DedupeWindow: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddMemory_CommitFailureLeavesNothing(t *testing.T) {
	s := newHookedStore(t)
	s.hooks.commit = func(tx *sql.Tx) error {
		_ = tx.Rollback()
		return fmt.Errorf("disk I/O error")
	}

	_, err := s.AddMemory(AddParams{Content: "never lands", Category: CategoryFacts, Tags: []string{"x"}})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("want commit error, got %v", err)
	}

	s.hooks = storeHooks{}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("memories = %d after failed commit, want 0", n)
	}
}

func TestAddMemory_TagWriteFailure(t *testing.T) {
	s := newHookedStore(t)
	s.hooks.exec = func(db execer, query string, args ...any) (sql.Result, error) {
		if strings.Contains(query, "memory_tags") {
			return nil, fmt.Errorf("constraint failed")
		}
		return db.Exec(query, args...)
	}

	_, err := s.AddMemory(AddParams{Content: "tagged", Category: CategoryFacts, Tags: []string{"x"}})
	if err == nil || !strings.Contains(err.Error(), "constraint failed") {
		t.Fatalf("want tag error, got %v", err)
	}
}

func TestImport_BeginFailure(t *testing.T) {
	s := newHookedStore(t)
	s.hooks.beginTx = func(*sql.DB) (*sql.Tx, error) {
		return nil, fmt.Errorf("database is locked")
	}
	_, err := s.Import(&ExportData{})
	if err == nil || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("want begin error, got %v", err)
	}
}

func TestSearch_QueryFailure(t *testing.T) {
	s := newHookedStore(t)
	s.hooks.query = func(queryer, string, ...any) (*sql.Rows, error) {
		return nil, fmt.Errorf("malformed")
	}
	_, err := s.Search(SearchOptions{Query: "x"})
	if err == nil || !strings.Contains(err.Error(), "search") {
		t.Fatalf("want wrapped search error, got %v", err)
	}
}

func TestDedupeWindowExpression(t *testing.T) {
	cases := map[time.Duration]string{
		0:                "-15 minutes",
		30 * time.Second: "-1 minutes",
		2 * time.Hour:    "-120 minutes",
	}
	for in, want := range cases {
		if got := dedupeWindowExpression(in); got != want {
			t.Errorf("dedupeWindowExpression(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFTS(t *testing.T) {
	if got := sanitizeFTS(`fix "auth" bug`); got != `"fix" "auth" "bug"` {
		t.Errorf("sanitizeFTS = %q", got)
	}
	if got := sanitizeFTS(`  "" `); got != "" {
		t.Errorf("sanitizeFTS empty = %q", got)
	}
}
