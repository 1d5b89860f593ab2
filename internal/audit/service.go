package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/internal/policy"
)

// Store is the persistence contract the service needs.
type Store interface {
	Insert(ctx context.Context, rec CheckRecord) error
	Window(ctx context.Context, filters Filters, offset, limit int) ([]CheckRecord, error)
	All(ctx context.Context, filters Filters) ([]CheckRecord, error)
}

// Service records decisions and serves compliance queries. Record never
// fails silently: a sink failure is returned as ErrInfra so the calling
// decision path denies rather than granting without a trail.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the audit service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record appends one audit entry, filling the id and timestamp.
func (s *Service) Record(ctx context.Context, rec CheckRecord) error {
	if s.store == nil {
		return policy.Infra(errors.New("audit: store not configured"))
	}
	if rec.ActorID == 0 {
		return errors.New("audit: actor required")
	}
	if rec.Resource == "" || rec.Verb == "" {
		return errors.New("audit: resource and verb required")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		// Operational incident, not a security event: the decision
		// that triggered this write will deny.
		s.logger.Error("audit sink write failed",
			slog.Int64("actor_id", rec.ActorID),
			slog.String("resource", rec.Resource),
			slog.Any("error", err))
		return policy.Infra(err)
	}
	return nil
}

// Timeline returns one page of matching records for compliance review.
func (s *Service) Timeline(ctx context.Context, filters Filters) (Result, error) {
	if s.store == nil {
		return Result{}, policy.Infra(errors.New("audit: store not configured"))
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.store.Window(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, policy.Infra(err)
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns every matching record, oldest first.
func (s *Service) Export(ctx context.Context, filters Filters) ([]CheckRecord, error) {
	if s.store == nil {
		return nil, policy.Infra(errors.New("audit: store not configured"))
	}
	rows, err := s.store.All(ctx, filters)
	if err != nil {
		return nil, policy.Infra(err)
	}
	return rows, nil
}
