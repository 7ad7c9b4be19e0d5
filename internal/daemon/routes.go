package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
	"github.com/ckoons/tekton-ci/internal/registry"
)

// routes registers every endpoint on a fresh mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Session store
	mux.HandleFunc("GET /v1/kv", s.handleNamespaces)
	mux.HandleFunc("GET /v1/kv/{ns}", s.handleList)
	mux.HandleFunc("GET /v1/kv/{ns}/{key...}", s.handleGet)
	mux.HandleFunc("PUT /v1/kv/{ns}/{key...}", s.handlePut)
	mux.HandleFunc("DELETE /v1/kv/{ns}/{key...}", s.handleDelete)
	mux.HandleFunc("GET /v1/changes", s.handleChanges)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/watch", s.handleWatch)

	// Registry
	mux.HandleFunc("GET /v1/ci", s.handleCIList)
	mux.HandleFunc("POST /v1/ci/refresh", s.handleCIRefresh)
	mux.HandleFunc("GET /v1/ci/{name}", s.handleCIGet)
	mux.HandleFunc("GET /v1/ci/{name}/context", s.handleContextGet)
	mux.HandleFunc("PUT /v1/ci/{name}/context", s.handleContextPut)
	mux.HandleFunc("POST /v1/ci/{name}/promote", s.handlePromote)

	// Forwards
	mux.HandleFunc("GET /v1/forwards", s.handleForwardList)
	mux.HandleFunc("GET /v1/forwards/{name}", s.handleForwardGet)
	mux.HandleFunc("PUT /v1/forwards/{name}", s.handleForwardPut)
	mux.HandleFunc("DELETE /v1/forwards/{name}", s.handleForwardDelete)
	mux.HandleFunc("GET /v1/project-forwards", s.handleProjectForwardList)
	mux.HandleFunc("PUT /v1/project-forwards/{project}", s.handleProjectForwardPut)
	mux.HandleFunc("DELETE /v1/project-forwards/{project}", s.handleProjectForwardDelete)

	return mux
}

// ─── Health ──────────────────────────────────────────────────────────────────

// Health is the /health response.
type Health struct {
	Status        string    `json:"status"`
	Backend       string    `json:"backend,omitempty"`
	Entries       int       `json:"entries"`
	LastSeq       int64     `json:"last_seq"`
	CIs           int       `json:"cis"`
	RefreshedAt   time.Time `json:"refreshed_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.State()
	h := Health{
		Status:        st.String(),
		CIs:           len(s.reg.All()),
		RefreshedAt:   s.reg.RefreshedAt(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if stats, err := s.kv.Stats(r.Context()); err == nil {
		h.Backend = stats.Backend
		h.Entries = stats.Entries
		h.LastSeq = stats.LastSeq
	}
	status := http.StatusOK
	if st != StateReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// ─── Session store ───────────────────────────────────────────────────────────

// RevisionHeader reports an entry's revision on reads and writes.
const RevisionHeader = "X-Revision"

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := s.kv.Namespaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"namespaces": names})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.kv.List(r.Context(), r.PathValue("ns"), kvstore.ListOptions{
		Prefix: r.URL.Query().Get("prefix"),
		Limit:  int(limit),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []kvstore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.kv.Get(r.Context(), r.PathValue("ns"), r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set(RevisionHeader, strconv.FormatInt(e.Revision, 10))
	writeJSON(w, http.StatusOK, e)
}

// handlePut stores the request body as the value. If-Match carries the
// expected revision and If-None-Match: * requires the key to be absent.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}
	opts := kvstore.PutOptions{}
	if opts.IfRevision, err = conditionFrom(r); err != nil {
		writeError(w, err)
		return
	}
	if opts.TTL, err = ttlFrom(r); err != nil {
		writeError(w, err)
		return
	}

	e, err := s.kv.Put(r.Context(), r.PathValue("ns"), r.PathValue("key"), json.RawMessage(body), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set(RevisionHeader, strconv.FormatInt(e.Revision, 10))
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ifRev, err := conditionFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.kv.Delete(r.Context(), r.PathValue("ns"), r.PathValue("key"), ifRev); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	changes, err := s.kv.Changes(r.Context(), since, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	if changes == nil {
		changes = []kvstore.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.kv.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// conditionFrom parses If-Match / If-None-Match into a revision condition.
func conditionFrom(r *http.Request) (*int64, error) {
	if v := strings.TrimSpace(r.Header.Get("If-None-Match")); v == "*" {
		return kvstore.Rev(0), nil
	}
	v := strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	if v == "" {
		return nil, nil
	}
	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil || rev < 0 {
		return nil, errors.Invalidf("If-Match must be a revision number, got %q", v)
	}
	return kvstore.Rev(rev), nil
}

// ttlFrom parses the ttl query parameter: a Go duration ("90s") or whole
// seconds ("90").
func ttlFrom(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("ttl")
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Invalidf("invalid ttl %q", v)
	}
	return d, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Invalidf("%s must be a non-negative integer, got %q", name, v)
	}
	return n, nil
}

// ─── Registry ────────────────────────────────────────────────────────────────

func (s *Server) handleCIList(w http.ResponseWriter, r *http.Request) {
	var cis []registry.CI
	if t := r.URL.Query().Get("type"); t != "" {
		cis = s.reg.ByType(t)
	} else {
		cis = s.reg.All()
	}
	if cis == nil {
		cis = []registry.CI{}
	}
	writeJSON(w, http.StatusOK, cis)
}

func (s *Server) handleCIGet(w http.ResponseWriter, r *http.Request) {
	ci, ok := s.reg.Get(r.PathValue("name"))
	if !ok {
		writeError(w, errors.NotFoundf("CI %q", r.PathValue("name")))
		return
	}
	writeJSON(w, http.StatusOK, ci)
}

// RefreshResult is the response of POST /v1/ci/refresh.
type RefreshResult struct {
	Count       int       `json:"count"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

func (s *Server) handleCIRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResult{
		Count:       len(s.reg.All()),
		RefreshedAt: s.reg.RefreshedAt(),
	})
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.reg.ContextState(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ContextUpdate is the body of PUT /v1/ci/{name}/context. Absent fields
// are left alone; an explicit null prompt clears it.
type ContextUpdate struct {
	Staged     json.RawMessage `json:"staged_context_prompt,omitempty"`
	Next       json.RawMessage `json:"next_context_prompt,omitempty"`
	LastOutput *string         `json:"last_output,omitempty"`
}

func (s *Server) handleContextPut(w http.ResponseWriter, r *http.Request) {
	var upd ContextUpdate
	if err := decodeBody(w, r, s.opts.MaxBodyBytes, &upd); err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")
	ctx := r.Context()

	if upd.Staged != nil {
		prompt, err := decodePrompt(upd.Staged)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.reg.SetStagedPrompt(ctx, name, prompt); err != nil {
			writeError(w, err)
			return
		}
	}
	if upd.Next != nil {
		prompt, err := decodePrompt(upd.Next)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.reg.SetNextPrompt(ctx, name, prompt); err != nil {
			writeError(w, err)
			return
		}
	}
	if upd.LastOutput != nil {
		if err := s.reg.UpdateLastOutput(ctx, name, *upd.LastOutput); err != nil {
			writeError(w, err)
			return
		}
	}

	st, err := s.reg.ContextState(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decodePrompt accepts null, one prompt object or a list of them.
func decodePrompt(raw json.RawMessage) ([]registry.Prompt, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var one registry.Prompt
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errors.Invalidf("invalid prompt: %v", err)
		}
		return []registry.Prompt{one}, nil
	}
	var list []registry.Prompt
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, errors.Invalidf("invalid prompt: %v", err)
	}
	return list, nil
}

// PromoteResult is the response of POST /v1/ci/{name}/promote.
type PromoteResult struct {
	Promoted bool `json:"promoted"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	ok, err := s.reg.PromoteStaged(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PromoteResult{Promoted: ok})
}

// ─── Forwards ────────────────────────────────────────────────────────────────

// ForwardRequest is the body of PUT /v1/forwards/{name}.
type ForwardRequest struct {
	Terminal string `json:"terminal"`
	JSONMode bool   `json:"json_mode"`
}

func (s *Server) handleForwardList(w http.ResponseWriter, r *http.Request) {
	list, err := s.forwards.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleForwardGet(w http.ResponseWriter, r *http.Request) {
	f, err := s.forwards.Get(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleForwardPut(w http.ResponseWriter, r *http.Request) {
	var req ForwardRequest
	if err := decodeBody(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	name := r.PathValue("name")
	if !s.reg.Has(name) {
		writeError(w, errors.NotFoundf("CI %q", name))
		return
	}
	f, err := s.forwards.Set(r.Context(), name, req.Terminal, req.JSONMode)
	if err != nil {
		writeError(w, err)
		return
	}
	s.refreshAfterForward(r)
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleForwardDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.forwards.Remove(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	s.refreshAfterForward(r)
	w.WriteHeader(http.StatusNoContent)
}

// refreshAfterForward reloads the registry so the forward overlay shows
// up in CI listings at once.
func (s *Server) refreshAfterForward(r *http.Request) {
	if err := s.reg.Refresh(r.Context()); err != nil {
		s.log.Warnw("registry refresh after forward change failed", logger.FieldError, err)
	}
}

// ProjectForwardRequest is the body of PUT /v1/project-forwards/{project}.
type ProjectForwardRequest struct {
	Terminal string `json:"terminal"`
}

func (s *Server) handleProjectForwardList(w http.ResponseWriter, r *http.Request) {
	list, err := s.forwards.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProjectForwardPut(w http.ResponseWriter, r *http.Request) {
	var req ProjectForwardRequest
	if err := decodeBody(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		writeError(w, err)
		return
	}
	f, err := s.forwards.SetProject(r.Context(), r.PathValue("project"), req.Terminal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleProjectForwardDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.forwards.RemoveProject(r.Context(), r.PathValue("project")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
