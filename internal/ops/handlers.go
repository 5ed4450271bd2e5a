package ops

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (s *Server) handleWarLatest(w http.ResponseWriter, r *http.Request) {
	server, ok := requireServer(w, r)
	if !ok {
		return
	}
	snap, err := s.store.LatestSnapshot(r.Context(), server)
	if err != nil {
		s.internalError(w, "latest snapshot", err)
		return
	}
	if snap == nil {
		http.Error(w, "no snapshot for server", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleWarHistory(w http.ResponseWriter, r *http.Request) {
	server, ok := requireServer(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)
	snaps, err := s.store.SnapshotHistory(r.Context(), server, limit, offset)
	if err != nil {
		s.internalError(w, "snapshot history", err)
		return
	}
	writeJSON(w, map[string]any{"server": server, "snapshots": snaps})
}

func (s *Server) handleWarEvents(w http.ResponseWriter, r *http.Request) {
	server, ok := requireServer(w, r)
	if !ok {
		return
	}
	limit, offset := pageParams(r)
	events, err := s.store.ListWarEvents(r.Context(), server, limit, offset)
	if err != nil {
		s.internalError(w, "list war events", err)
		return
	}
	writeJSON(w, map[string]any{"server": server, "events": events})
}

func (s *Server) handleWarStats(w http.ResponseWriter, r *http.Request) {
	server, ok := requireServer(w, r)
	if !ok {
		return
	}
	stats, err := s.store.WarEventStats(r.Context(), server)
	if err != nil {
		s.internalError(w, "war event stats", err)
		return
	}
	writeJSON(w, map[string]any{"server": server, "stats": stats})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	status := storage.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	limit, _ := pageParams(r)
	jobs, err := s.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		s.internalError(w, "list jobs", err)
		return
	}
	type jobView struct {
		ID         string    `json:"id"`
		Kind       string    `json:"kind"`
		Status     string    `json:"status"`
		ErrorCount int       `json:"error_count"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	}
	// Body, subject and recipient stay out of the audit view; they may
	// contain addresses or message content.
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:         j.ID,
			Kind:       j.Kind,
			Status:     string(j.Status),
			ErrorCount: j.ErrorCount,
			CreatedAt:  j.CreatedAt,
			UpdatedAt:  j.UpdatedAt,
		})
	}
	writeJSON(w, map[string]any{"jobs": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	var storeErr string
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		storeErr = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"goroutines": s.counters(),
		"store":      map[string]any{"ok": storeErr == "", "error": storeErr},
	})
}

func (s *Server) handleDebugEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"events": s.ring.list()})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("ops request failed", logx.String("op", op), logx.Err(err))
	if errors.Is(err, storage.ErrUnavailable) {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func requireServer(w http.ResponseWriter, r *http.Request) (string, bool) {
	server := strings.TrimSpace(r.URL.Query().Get("server"))
	if server == "" {
		http.Error(w, "server query parameter is required", http.StatusBadRequest)
		return "", false
	}
	return server, true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
