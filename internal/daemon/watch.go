package daemon

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/kvstore"
	"github.com/ckoons/tekton-ci/internal/logger"
)

const (
	watchBatch     = 500
	watchWriteWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts clients without an Origin header (CLI and service
// processes) and pages served from localhost.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// handleWatch streams change-feed rows as JSON text messages. With
// ?since=N the stream starts after sequence N; without it only changes
// made after the connection opened are sent.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("since") == "" {
		stats, err := s.kv.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		since = stats.LastSeq
	}

	if !s.addWatcher() {
		w.Header().Set("Retry-After", "1")
		writeError(w, errors.Wrap(errors.ErrUnavailable, "daemon is shutting down"))
		return
	}
	defer s.watchers.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	log := logger.FromContext(r.Context(), s.log)
	log.Debugw("watch stream opened", "since", since)

	// The read side only exists to notice the client going away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		next, err := s.pushChanges(ctx, conn, since)
		if err != nil {
			log.Debugw("watch stream ended", logger.FieldError, err)
			return
		}
		since = next

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
				time.Now().Add(watchWriteWait))
			return
		case <-ticker.C:
		}
	}
}

// pushChanges sends every change after since and returns the new cursor.
func (s *Server) pushChanges(ctx context.Context, conn *websocket.Conn, since int64) (int64, error) {
	for {
		changes, err := s.kv.Changes(ctx, since, watchBatch)
		if err != nil {
			return since, err
		}
		for _, c := range changes {
			if err := writeChange(conn, c); err != nil {
				return since, err
			}
			since = c.Seq
		}
		if len(changes) < watchBatch {
			return since, nil
		}
	}
}

func writeChange(conn *websocket.Conn, c kvstore.Change) error {
	_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
	return conn.WriteJSON(c)
}
