package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CourtPipe/internal/booking"
	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			slog.Warn("Server.healthHandler: check failed", "check", name, "error", err)
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("unhealthy", status))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.manager.ListPending(r.Context())
	if err != nil {
		slog.Error("Server.pendingHandler: ledger read failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list pending reservations"))
		return
	}
	if views == nil {
		views = []models.PendingView{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: ledger read failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to read stats"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) bookingHandler(w http.ResponseWriter, r *http.Request) {
	reference := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "reference")))
	if reference == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("reference is required"))
		return
	}

	rec, err := s.manager.Get(r.Context(), reference)
	switch {
	case errors.Is(err, booking.ErrReferenceNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("reference not found"))
		return
	case err != nil:
		slog.Error("Server.bookingHandler: ledger read failed", "reference", reference, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to read booking"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}
