package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/forwarding"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/registry"
)

const daemonHint = "is the registry daemon running? start it with `tekton-ci daemon`"

// Client talks to a running daemon. Errors carry the same sentinels the
// stores return, so errors.IsNotFound and errors.IsConflict work across
// the wire.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for addr, either host:port or a full URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte, out interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "daemon client: build request")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrUnavailable, "daemon client: %s %s: %v", method, path, err),
			daemonHint,
		)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, errors.Wrap(err, "daemon client: read response")
	}
	if resp.StatusCode >= 400 {
		return resp, decodeError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp, errors.Wrapf(err, "daemon client: decode %s response", path)
		}
	}
	return resp, nil
}

// decodeError turns an ErrorBody back into a sentinel-wrapped error.
func decodeError(status int, data []byte) error {
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = http.StatusText(status)
		}
	}
	if body.Code == CodeRateLimited || status == http.StatusTooManyRequests {
		return errors.WithHint(errors.Wrap(errors.ErrUnavailable, body.Error), "retry after a short pause")
	}
	if sentinel := errors.FromCode(body.Code); sentinel != nil {
		return errors.Wrap(sentinel, body.Error)
	}
	return errors.Newf("daemon: %s (HTTP %d)", body.Error, status)
}

func kvPath(ns, key string) string {
	return "/v1/kv/" + url.PathEscape(ns) + "/" + escapeKey(key)
}

// escapeKey escapes each segment so keys may contain slashes.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ─── Health ──────────────────────────────────────────────────────────────────

// Health returns the daemon status. A draining daemon is reported with
// its Health body and an ErrUnavailable error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, errors.Wrap(err, "daemon client: build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(errors.ErrUnavailable, "daemon client: health: %v", err), daemonHint)
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, errors.Wrap(err, "daemon client: decode health")
	}
	if resp.StatusCode != http.StatusOK {
		return &h, errors.Wrapf(errors.ErrUnavailable, "daemon is %s", h.Status)
	}
	return &h, nil
}

// ─── Session store ───────────────────────────────────────────────────────────

// Get reads one entry.
func (c *Client) Get(ctx context.Context, ns, key string) (*kvstore.Entry, error) {
	var e kvstore.Entry
	if _, err := c.do(ctx, http.MethodGet, kvPath(ns, key), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Put writes value under ns/key.
func (c *Client) Put(ctx context.Context, ns, key string, value json.RawMessage, opts kvstore.PutOptions) (*kvstore.Entry, error) {
	path := kvPath(ns, key)
	if opts.TTL != 0 {
		path += "?ttl=" + url.QueryEscape(opts.TTL.String())
	}
	var e kvstore.Entry
	if _, err := c.do(ctx, http.MethodPut, path, conditionHeader(opts.IfRevision), value, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes ns/key, optionally only at the given revision.
func (c *Client) Delete(ctx context.Context, ns, key string, ifRevision *int64) error {
	_, err := c.do(ctx, http.MethodDelete, kvPath(ns, key), conditionHeader(ifRevision), nil, nil)
	return err
}

func conditionHeader(rev *int64) http.Header {
	h := http.Header{}
	switch {
	case rev == nil:
	case *rev == 0:
		h.Set("If-None-Match", "*")
	default:
		h.Set("If-Match", strconv.FormatInt(*rev, 10))
	}
	return h
}

// List returns the live entries of a namespace.
func (c *Client) List(ctx context.Context, ns string, opts kvstore.ListOptions) ([]kvstore.Entry, error) {
	q := url.Values{}
	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/v1/kv/" + url.PathEscape(ns)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Entries []kvstore.Entry `json:"entries"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// Namespaces lists namespaces with live entries.
func (c *Client) Namespaces(ctx context.Context) ([]string, error) {
	var out struct {
		Namespaces []string `json:"namespaces"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/kv", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Namespaces, nil
}

// Changes returns change-feed rows after since.
func (c *Client) Changes(ctx context.Context, since int64, limit int) ([]kvstore.Change, error) {
	path := fmt.Sprintf("/v1/changes?since=%d", since)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	var out struct {
		Changes []kvstore.Change `json:"changes"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Changes, nil
}

// Stats returns store statistics.
func (c *Client) Stats(ctx context.Context) (*kvstore.Stats, error) {
	var st kvstore.Stats
	if _, err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Watch streams changes after since until ctx is done or the connection
// drops; the channel is closed then. A negative since starts from the
// moment the stream opens.
func (c *Client) Watch(ctx context.Context, since int64) (<-chan kvstore.Change, error) {
	u, err := url.Parse(c.base + "/v1/watch")
	if err != nil {
		return nil, errors.Wrap(err, "daemon client: watch url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if since >= 0 {
		u.RawQuery = "since=" + strconv.FormatInt(since, 10)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, decodeError(resp.StatusCode, body)
		}
		return nil, errors.WithHint(errors.Wrapf(errors.ErrUnavailable, "daemon client: watch: %v", err), daemonHint)
	}

	out := make(chan kvstore.Change, 64)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ch kvstore.Change
			if err := conn.ReadJSON(&ch); err != nil {
				return
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── Registry ────────────────────────────────────────────────────────────────

// CIs lists registry entries, optionally filtered by type (or forward,
// local, remote).
func (c *Client) CIs(ctx context.Context, typ string) ([]registry.CI, error) {
	path := "/v1/ci"
	if typ != "" {
		path += "?type=" + url.QueryEscape(typ)
	}
	var cis []registry.CI
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &cis); err != nil {
		return nil, err
	}
	return cis, nil
}

// CI returns one registry entry.
func (c *Client) CI(ctx context.Context, name string) (*registry.CI, error) {
	var ci registry.CI
	if _, err := c.do(ctx, http.MethodGet, "/v1/ci/"+url.PathEscape(name), nil, nil, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// Refresh asks the daemon to reload its registry.
func (c *Client) Refresh(ctx context.Context) (*RefreshResult, error) {
	var res RefreshResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/ci/refresh", nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ContextState returns the context record of a CI.
func (c *Client) ContextState(ctx context.Context, name string) (*registry.ContextState, error) {
	var st registry.ContextState
	if _, err := c.do(ctx, http.MethodGet, "/v1/ci/"+url.PathEscape(name)+"/context", nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateContext applies upd and returns the resulting record.
func (c *Client) UpdateContext(ctx context.Context, name string, upd ContextUpdate) (*registry.ContextState, error) {
	body, err := json.Marshal(upd)
	if err != nil {
		return nil, errors.Wrap(err, "daemon client: encode context update")
	}
	var st registry.ContextState
	if _, err := c.do(ctx, http.MethodPut, "/v1/ci/"+url.PathEscape(name)+"/context", nil, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Promote moves a CI's staged prompt to next.
func (c *Client) Promote(ctx context.Context, name string) (bool, error) {
	var res PromoteResult
	if _, err := c.do(ctx, http.MethodPost, "/v1/ci/"+url.PathEscape(name)+"/promote", nil, nil, &res); err != nil {
		return false, err
	}
	return res.Promoted, nil
}

// ─── Forwards ────────────────────────────────────────────────────────────────

// Forwards lists active forwards.
func (c *Client) Forwards(ctx context.Context) ([]forwarding.Forward, error) {
	var list []forwarding.Forward
	if _, err := c.do(ctx, http.MethodGet, "/v1/forwards", nil, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetForward forwards a CI to a terminal.
func (c *Client) SetForward(ctx context.Context, name, terminal string, jsonMode bool) (*forwarding.Forward, error) {
	body, err := json.Marshal(ForwardRequest{Terminal: terminal, JSONMode: jsonMode})
	if err != nil {
		return nil, errors.Wrap(err, "daemon client: encode forward")
	}
	var f forwarding.Forward
	if _, err := c.do(ctx, http.MethodPut, "/v1/forwards/"+url.PathEscape(name), nil, body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// RemoveForward removes a CI's forward.
func (c *Client) RemoveForward(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/forwards/"+url.PathEscape(name), nil, nil, nil)
	return err
}
