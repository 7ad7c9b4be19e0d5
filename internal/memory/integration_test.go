package memory_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/memory"
)

// ─── Full Session Lifecycle Integration ─────────────────────────────────────

func TestIntegration_FullSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	// 1. Start session
	ensureSession(t, s, "lifecycle", "tekton")

	// 2. Save memories of different categories
	mustAdd(t, s, memory.AddParams{
		SessionID: "lifecycle",
		Category:  "projects",
		Content:   "The CI registry merges Greek Chorus, Terma terminals and project CIs",
		Tags:      []string{"registry"},
	})
	mustAdd(t, s, memory.AddParams{
		SessionID: "lifecycle",
		Category:  "preferences",
		Content:   "Casey prefers JSON forwarding for apollo",
		Tags:      []string{"forwarding"},
	})
	mustAdd(t, s, memory.AddParams{
		SessionID: "lifecycle",
		Category:  "private",
		Content:   "The staging token is kept in the vault",
	})

	// 3. Search finds by content
	res, err := s.Search(memory.SearchOptions{Query: "registry"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 || res[0].Category != "projects" {
		t.Fatalf("Search(registry) = %+v", res)
	}

	// 4. Digest leaves private out by default
	digest, err := s.Digest(memory.DigestOptions{})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if !strings.Contains(digest, "## Projects") || !strings.Contains(digest, "## Preferences") {
		t.Errorf("digest missing sections:\n%s", digest)
	}
	if strings.Contains(digest, "vault") {
		t.Errorf("digest leaked private memory:\n%s", digest)
	}

	// 5. End session
	if err := s.EndSession("lifecycle", "mapped the registry"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	recent, err := s.RecentSessions("", 5)
	if err != nil {
		t.Fatalf("RecentSessions: %v", err)
	}
	if len(recent) != 1 || recent[0].MemoryCount != 3 {
		t.Errorf("recent = %+v", recent)
	}
}

// ─── Search ─────────────────────────────────────────────────────────────────

func seedSearch(t *testing.T, s *memory.Store) {
	t.Helper()
	mustAdd(t, s, memory.AddParams{Content: "apollo forwards to terminal alice", Category: "facts", Importance: 2, Tags: []string{"apollo"}})
	mustAdd(t, s, memory.AddParams{Content: "apollo runs on port 8012", Category: "facts", Importance: 5, Tags: []string{"apollo", "ports"}})
	mustAdd(t, s, memory.AddParams{Content: "rhetor manages prompt templates", Category: "projects", Importance: 4, Tags: []string{"rhetor"}})
	mustAdd(t, s, memory.AddParams{Content: "apollo secret handshake", Category: "private"})
}

func TestSearch_QueryAndFilters(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	res, err := s.Search(memory.SearchOptions{Query: "apollo", Categories: []string{"facts"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len = %d, want 2", len(res))
	}

	res, err = s.Search(memory.SearchOptions{Query: "apollo", MinImportance: 4, Categories: []string{"facts"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || !strings.Contains(res[0].Content, "8012") {
		t.Errorf("min importance = %+v", res)
	}

	res, err = s.Search(memory.SearchOptions{Tags: []string{"ports"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 {
		t.Errorf("tag filter = %d results", len(res))
	}
}

func TestSearch_SortModes(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	res, err := s.Search(memory.SearchOptions{SortBy: memory.SortImportance})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 4 || res[0].Importance != 5 {
		t.Errorf("importance sort = %+v", res)
	}

	res, err = s.Search(memory.SearchOptions{SortBy: memory.SortRecency})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 4 || res[0].Category != "private" {
		t.Errorf("recency sort first = %+v", res[0])
	}

	if _, err := s.Search(memory.SearchOptions{SortBy: "random"}); !errors.IsInvalid(err) {
		t.Errorf("bad sort: want invalid, got %v", err)
	}
	if _, err := s.Search(memory.SearchOptions{Categories: []string{"dreams"}}); !errors.IsInvalid(err) {
		t.Errorf("bad category: want invalid, got %v", err)
	}
}

func TestSearch_Limit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 30; i++ {
		mustAdd(t, s, memory.AddParams{Content: "bulk note " + strings.Repeat("z", i+1), Category: "session"})
	}

	res, err := s.Search(memory.SearchOptions{Query: "bulk"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 10 {
		t.Errorf("default limit = %d, want 10", len(res))
	}

	res, err = s.Search(memory.SearchOptions{Query: "bulk", Limit: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 20 {
		t.Errorf("capped limit = %d, want 20", len(res))
	}
}

func TestSearch_UnicodeContent(t *testing.T) {
	s := newTestStore(t)
	mustAdd(t, s, memory.AddParams{Content: "Configuración del registro en español", Category: "facts"})

	res, err := s.Search(memory.SearchOptions{Query: "configuración"})
	if err != nil {
		t.Fatalf("Search unicode: %v", err)
	}
	if len(res) != 1 {
		t.Errorf("unicode search = %d results", len(res))
	}
}

func TestSearch_SQLInjectionAttempt(t *testing.T) {
	s := newTestStore(t)
	mustAdd(t, s, memory.AddParams{Content: "harmless", Category: "facts"})

	for _, q := range []string{
		"'; DROP TABLE memories; --",
		"\" OR 1=1 --",
		"1; DELETE FROM sessions",
		"UNION SELECT * FROM sessions",
	} {
		if _, err := s.Search(memory.SearchOptions{Query: q}); err != nil {
			t.Errorf("Search(%q) error: %v", q, err)
		}
	}
	if _, err := s.ByContent("harmless", ""); err != nil {
		t.Errorf("table damaged: %v", err)
	}
}

func TestSearch_SoftDeleteRemovesFromSearch(t *testing.T) {
	s := newTestStore(t)
	id := mustAdd(t, s, memory.AddParams{Content: "temporary hermes note", Category: "session"})

	if err := s.Delete(id); err != nil {
		t.Fatal(err)
	}
	res, err := s.Search(memory.SearchOptions{Query: "hermes"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 0 {
		t.Errorf("deleted memory still searchable: %+v", res)
	}
}

// ─── Context / Semantic ─────────────────────────────────────────────────────

func TestContextMemories_RanksByHitsAndImportance(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	list, err := s.ContextMemories("what port does apollo use for the terminal?", 5)
	if err != nil {
		t.Fatalf("ContextMemories: %v", err)
	}
	if len(list) < 2 {
		t.Fatalf("len = %d, want >= 2", len(list))
	}
	// "apollo runs on port 8012": 2 hits x 5; "apollo forwards to terminal alice": 2 hits x 2.
	if !strings.Contains(list[0].Content, "8012") {
		t.Errorf("first = %q", list[0].Content)
	}
	for _, m := range list {
		if m.Category == memory.CategoryPrivate {
			t.Errorf("private memory in context: %q", m.Content)
		}
	}

	empty, err := s.ContextMemories("the and of", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("stop words only = %+v", empty)
	}
}

func TestSemanticMemories(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	res, err := s.SemanticMemories("prompt templates", 5)
	if err != nil {
		t.Fatalf("SemanticMemories: %v", err)
	}
	if len(res) == 0 || !strings.Contains(res[0].Content, "rhetor") {
		t.Errorf("semantic = %+v", res)
	}
}

// ─── Digest ─────────────────────────────────────────────────────────────────

func TestDigest_EmptyAndCapped(t *testing.T) {
	s := newTestStore(t)

	digest, err := s.Digest(memory.DigestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(digest, "No memories available.") {
		t.Errorf("empty digest = %q", digest)
	}

	seedSearch(t, s)
	digest, err = s.Digest(memory.DigestOptions{MaxMemories: 2})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(digest, "\n- "); n != 2 {
		t.Errorf("digest bullets = %d, want 2:\n%s", n, digest)
	}

	digest, err = s.Digest(memory.DigestOptions{Categories: []string{"private"}, IncludePrivate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(digest, "secret handshake") {
		t.Errorf("private digest = %q", digest)
	}

	if _, err := s.Digest(memory.DigestOptions{Categories: []string{"dreams"}}); !errors.IsInvalid(err) {
		t.Errorf("bad category: want invalid, got %v", err)
	}
}

// ─── Export / Import ────────────────────────────────────────────────────────

func TestIntegration_ExportImportPreservesData(t *testing.T) {
	src := newTestStore(t)
	ensureSession(t, src, "sess-x", "tekton")
	mustAdd(t, src, memory.AddParams{Content: "exported fact", Category: "facts", Tags: []string{"export"}, SessionID: "sess-x"})
	gone := mustAdd(t, src, memory.AddParams{Content: "deleted note", Category: "session"})
	if err := src.Delete(gone); err != nil {
		t.Fatal(err)
	}

	data, err := src.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(data.Sessions) != 1 || len(data.Memories) != 2 {
		t.Fatalf("export = %d sessions, %d memories", len(data.Sessions), len(data.Memories))
	}

	dst := newTestStore(t)
	res, err := dst.Import(data)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.SessionsImported != 1 || res.MemoriesImported != 2 {
		t.Errorf("import result = %+v", res)
	}

	list, err := dst.ByTag("export", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Content != "exported fact" {
		t.Errorf("imported by tag = %+v", list)
	}
	if _, err := dst.ByContent("deleted note", ""); !errors.IsNotFound(err) {
		t.Errorf("soft delete not preserved: %v", err)
	}

	// Second import is a no-op.
	res, err = dst.Import(data)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionsImported != 0 || res.MemoriesImported != 0 || res.MemoriesSkipped != 2 {
		t.Errorf("re-import result = %+v", res)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestIntegration_ConcurrentWrites(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.AddMemory(memory.AddParams{
					Content:  "worker " + string(rune('a'+w)) + " note " + strings.Repeat("n", i+1),
					Category: "session",
				})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent add: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalMemories != 40 {
		t.Errorf("total = %d, want 40", st.TotalMemories)
	}
}
