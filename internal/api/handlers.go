package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
	maxReplay              = 1000
)

// webhook accepts any JSON document and queues it untouched. Parsing the
// event is the worker's job; the sender only needs a fast acknowledgement.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}
	if err := s.q.Enqueue(r.Context(), json.RawMessage(body)); err != nil {
		s.log.Error("enqueue failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "ready", http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			s.log.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = err.Error()
			status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.q.Stats(r.Context())
	if err != nil {
		s.log.Error("queue stats failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultDeadLetterLimit, maxDeadLetterLimit)
	if !ok {
		return
	}
	raw, err := s.q.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		s.log.Error("list dead letters failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	// Malformed items are kept verbatim, so not every entry is JSON.
	items := make([]any, 0, len(raw))
	for _, item := range raw {
		if json.Valid([]byte(item)) {
			items = append(items, json.RawMessage(item))
		} else {
			items = append(items, item)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	count, ok := intParam(w, r, "count", 1, maxReplay)
	if !ok {
		return
	}
	n, err := s.q.ReplayDeadLetters(r.Context(), count)
	if err != nil {
		s.log.Error("replay failed", "replayed", n, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "replayed": n})
		return
	}
	s.log.Info("dead letters replayed by operator", "requested", count, "replayed", n)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "replayed": n})
}

func (s *Server) breakerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

func (s *Server) resetBreaker(w http.ResponseWriter, _ *http.Request) {
	s.breaker.Reset()
	s.log.Info("breaker reset by operator")
	writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

// intParam reads a positive query parameter, clamped to ceiling. It writes a 400
// and reports false when the value is not a positive integer.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	if n > ceiling {
		n = ceiling
	}
	return n, true
}
