package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"topic-tracker/pkg/forum"
	"topic-tracker/poll"
	"topic-tracker/storage"
	"topic-tracker/tracker"

	"github.com/go-chi/chi/v5"
)

// advisory is the toast-style reply to user-initiated actions.
type advisory struct {
	Message string `json:"message"`
	OK      bool   `json:"ok"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type statusResponse struct {
	Scans   map[string]poll.Status `json:"scans"`
	Backend string                 `json:"backend"`
	Blobs   []storage.Blob         `json:"blobs,omitempty"`
	tracker.Stats
	Running bool `json:"running"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Stats:   s.engine.Stats(),
		Running: s.scheduler.Running(),
		Backend: s.store.Backend(),
		Scans:   make(map[string]poll.Status),
	}
	for _, cadence := range []string{"fast", "slow", "resync"} {
		if st, ok := s.scheduler.LastRun(cadence); ok {
			resp.Scans[cadence] = st
		}
	}
	blobs, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Warn("Failed to list blobs for status", "error", err)
	}
	resp.Blobs = blobs
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.Notifications()
	s.writeJSON(w, http.StatusOK, struct {
		Notifications []forum.Notification `json:"notifications"`
		Unread        int                  `json:"unread"`
	}{list, len(list)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Acknowledge(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to persist acknowledgement", "id", id, "error", err)
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, advisory{Message: "notification not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, advisory{OK: true, Message: "acknowledged"})
}

func (s *Server) handleAcknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.AcknowledgeAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to persist acknowledgement", "error", err)
	}
	s.writeJSON(w, http.StatusOK, advisory{OK: true, Message: fmt.Sprintf("%d acknowledged", n)})
}

func (s *Server) handleRecommendations(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, struct {
		Recommendations []forum.Recommendation `json:"recommendations"`
	}{s.engine.Recommendations()})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeJSON(w, http.StatusBadRequest, advisory{Message: "invalid topic id"})
		return
	}
	ok, err := s.engine.Dismiss(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to persist dismissal", "topic_id", id, "error", err)
	}
	if !ok {
		s.writeJSON(w, http.StatusNotFound, advisory{Message: "recommendation not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, advisory{OK: true, Message: "dismissed"})
}

func (s *Server) handleClearRecommendations(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearRecommendations(r.Context())
	if err != nil {
		s.logger.Error("Failed to persist cleared recommendations", "error", err)
	}
	s.writeJSON(w, http.StatusOK, advisory{OK: true, Message: fmt.Sprintf("%d cleared", n)})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.resyncLimiter.allow(ip) {
		s.logger.Warn("Resync rate limited", "ip", ip)
		s.writeJSON(w, http.StatusTooManyRequests, advisory{Message: "too many sync requests, try again later"})
		return
	}

	// A full walk can outlast the server-wide write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(resyncWriteTimeout)); err != nil {
		s.logger.Debug("Could not extend write deadline", "error", err)
	}

	s.logger.Info("Manual resync triggered", "ip", ip)
	res, err := s.scheduler.Resync(r.Context())
	switch {
	case err != nil && s.isUnauthorized(err):
		s.writeJSON(w, http.StatusUnauthorized, advisory{Message: "not logged in to the forum"})
	case err != nil:
		s.logger.Error("Manual resync failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, advisory{Message: fmt.Sprintf("sync failed after %d pages, %d new", res.Pages, res.Added)})
	default:
		s.writeJSON(w, http.StatusOK, advisory{OK: true, Message: fmt.Sprintf("sync complete, %d new", res.Added)})
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	res, err := s.scheduler.FastScan(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "completed",
		"notifications": len(res.Notifications),
		"admitted":      len(res.Admitted),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if !s.scheduler.Resume() {
		s.writeJSON(w, http.StatusConflict, advisory{Message: "scheduler is stopped"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, advisory{OK: true, Message: "catch-up scan started"})
}
