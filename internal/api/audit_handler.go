package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quartzerp/identity-core/internal/audit"
)

// AuditHandler serves the compliance query endpoints over the security
// event trail. Read-only: the trail has no update or delete surface.
type AuditHandler struct {
	repo   audit.Repository
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler instance
func NewAuditHandler(repo audit.Repository, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{repo: repo, logger: logger}
}

// parseFilters reads the shared paging and date-range query parameters.
func parseFilters(r *http.Request) audit.QueryFilters {
	var filters audit.QueryFilters

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filters.Limit = limit
			if filters.Limit > 500 {
				filters.Limit = 500
			}
		}
	}
	if skipStr := r.URL.Query().Get("skip"); skipStr != "" {
		if skip, err := strconv.Atoi(skipStr); err == nil && skip > 0 {
			filters.Skip = skip
		}
	}
	if startStr := r.URL.Query().Get("start_date"); startStr != "" {
		if start, err := time.Parse(time.RFC3339, startStr); err == nil {
			filters.StartDate = &start
		}
	}
	if endStr := r.URL.Query().Get("end_date"); endStr != "" {
		if end, err := time.Parse(time.RFC3339, endStr); err == nil {
			filters.EndDate = &end
		}
	}

	return filters
}

// eventsResponse is the shared payload of the audit query endpoints.
type eventsResponse struct {
	Events []audit.Event `json:"events"`
	Count  int           `json:"count"`
}

// QueryByUser handles GET /api/v1/admin/audit/users/{userID}
func (h *AuditHandler) QueryByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid user ID", nil)
		return
	}

	events, err := h.repo.QueryByUser(r.Context(), userID, parseFilters(r))
	if err != nil {
		h.logger.Error("Audit query by user failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to query events", nil)
		return
	}

	writeSuccess(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

// QueryByEventType handles GET /api/v1/admin/audit/events/{eventType}
func (h *AuditHandler) QueryByEventType(w http.ResponseWriter, r *http.Request) {
	eventType := audit.EventType(chi.URLParam(r, "eventType"))
	if !eventType.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Unknown event type", nil)
		return
	}

	events, err := h.repo.QueryByEventType(r.Context(), eventType, parseFilters(r))
	if err != nil {
		h.logger.Error("Audit query by event type failed", "error", err, "event_type", eventType)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to query events", nil)
		return
	}

	writeSuccess(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}

// QueryBySeverity handles GET /api/v1/admin/audit/severity/{severity}
func (h *AuditHandler) QueryBySeverity(w http.ResponseWriter, r *http.Request) {
	severity := audit.Severity(chi.URLParam(r, "severity"))
	if !severity.Valid() {
		writeError(w, http.StatusBadRequest, CodeValidationError, "Unknown severity", nil)
		return
	}

	events, err := h.repo.QueryBySeverity(r.Context(), severity, parseFilters(r))
	if err != nil {
		h.logger.Error("Audit query by severity failed", "error", err, "severity", severity)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to query events", nil)
		return
	}

	writeSuccess(w, http.StatusOK, eventsResponse{Events: events, Count: len(events)})
}
