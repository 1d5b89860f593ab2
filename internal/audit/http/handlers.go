package audithttp

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/platform/httpx"
)

const maxDateRange = 90 * 24 * time.Hour

// TimelineService defines the business contract for compliance queries.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.Filters) (audit.Result, error)
	Export(ctx context.Context, filters audit.Filters) ([]audit.CheckRecord, error)
}

// Handler serves the audit timeline and CSV export endpoints.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler constructs the audit HTTP handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

type timelineResponse struct {
	Rows   []audit.CheckRecord `json:"rows"`
	Paging pagingResponse      `json:"paging"`
}

type pagingResponse struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{
		Rows: result.Rows,
		Paging: pagingResponse{
			Page:     result.Paging.Page,
			PageSize: result.Paging.PageSize,
			HasNext:  result.Paging.HasNext,
		},
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Filters", err.Error())
		return
	}
	records, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out, err := audit.WriteCSV(records)
	if err != nil {
		h.logger.Error("audit export csv", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="permission_checks.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	filters := audit.Filters{Resource: q.Get("resource")}

	var err error
	if filters.From, err = parseTime(q.Get("from")); err != nil {
		return audit.Filters{}, err
	}
	if filters.To, err = parseTime(q.Get("to")); err != nil {
		return audit.Filters{}, err
	}
	// Default to the last 7 days; cap the window so exports stay
	// bounded.
	if filters.To.IsZero() {
		filters.To = h.now()
	}
	if filters.From.IsZero() {
		filters.From = filters.To.Add(-7 * 24 * time.Hour)
	}
	if filters.To.Sub(filters.From) > maxDateRange {
		filters.From = filters.To.Add(-maxDateRange)
	}

	if raw := q.Get("actor_id"); raw != "" {
		if filters.ActorID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return audit.Filters{}, err
		}
	}
	if raw := q.Get("granted"); raw != "" {
		granted, err := strconv.ParseBool(raw)
		if err != nil {
			return audit.Filters{}, err
		}
		filters.Granted = &granted
	}
	if raw := q.Get("page"); raw != "" {
		if filters.Page, err = strconv.Atoi(raw); err != nil {
			return audit.Filters{}, err
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if filters.PageSize, err = strconv.Atoi(raw); err != nil {
			return audit.Filters{}, err
		}
	}
	return filters, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
