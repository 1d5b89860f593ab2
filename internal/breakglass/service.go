package breakglass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetgate/fleetgate/internal/audit"
	"github.com/fleetgate/fleetgate/internal/observability"
	"github.com/fleetgate/fleetgate/internal/policy"
	"github.com/fleetgate/fleetgate/internal/resolver"
	"github.com/fleetgate/fleetgate/internal/sod"
)

// ErrInvalidTransition rejects a lifecycle operation against a session
// that is not in the required state.
var ErrInvalidTransition = errors.New("breakglass: invalid transition")

// CacheInvalidator drops a user's cached permission set after a grant
// changes. The resolver satisfies it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, actorID int64) error
}

// PermissionChecker answers whether an actor holds a permission right
// now. Used for force-revoke by someone other than the session owner.
type PermissionChecker interface {
	Resolve(ctx context.Context, actorID int64) (resolver.EffectiveSet, error)
}

// Service drives the break-glass session lifecycle.
type Service struct {
	store     Store
	validator sod.Validator
	cache     CacheInvalidator
	checker   PermissionChecker
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the break-glass service.
func NewService(store Store, cache CacheInvalidator, checker PermissionChecker, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		cache:   cache,
		checker: checker,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Request opens a pending elevation session. The role must allow JIT
// elevation, the duration must fit the hard cap, and a ticket reference
// is mandatory so every emergency ties back to an incident.
func (s *Service) Request(ctx context.Context, userID, roleID int64, reason, ticketRef string, duration time.Duration) (Session, error) {
	if strings.TrimSpace(ticketRef) == "" {
		return Session{}, fmt.Errorf("%w: ticket reference required", policy.ErrInvalidElevation)
	}
	if duration <= 0 || duration > MaxDuration {
		return Session{}, fmt.Errorf("%w: duration must be positive and at most %s", policy.ErrInvalidElevation, MaxDuration)
	}

	sess := Session{
		ID:             uuid.New(),
		UserID:         userID,
		ElevatedRoleID: roleID,
		Reason:         strings.TrimSpace(reason),
		TicketRef:      strings.TrimSpace(ticketRef),
		Duration:       duration,
		RequestedAt:    s.now(),
		Status:         StatusPending,
	}

	err := s.store.WithTx(ctx, func(tx TxStore) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			if errors.Is(err, policy.ErrNotFound) {
				return fmt.Errorf("%w: role %d does not exist", policy.ErrInvalidElevation, roleID)
			}
			return policy.Infra(err)
		}
		if !role.JITElevationAllowed {
			return fmt.Errorf("%w: role %q is not eligible for JIT elevation", policy.ErrInvalidElevation, role.Name)
		}
		if err := tx.Insert(ctx, sess); err != nil {
			return policy.Infra(err)
		}
		return s.auditTransition(ctx, tx, sess, userID, "request", sess.Reason)
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Approve activates a pending session: a distinct administrator signs
// off, the role assignment is created through the SoD check, and the
// clock starts. All of it commits atomically or not at all.
func (s *Service) Approve(ctx context.Context, sessionID uuid.UUID, approverID int64) (Session, error) {
	var approved Session
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		sess, err := tx.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Status.CanTransition(StatusApproved) {
			return fmt.Errorf("%w: cannot approve session in status %q", ErrInvalidTransition, sess.Status)
		}
		if approverID == sess.UserID {
			return fmt.Errorf("%w: self-approval of emergency elevation is forbidden", policy.ErrDenied)
		}
		if err := (s.validator).Validate(ctx, tx, sess.UserID, sess.ElevatedRoleID); err != nil {
			return err
		}

		start := s.now()
		end := start.Add(sess.Duration)
		if err := tx.SetApproved(ctx, sessionID, approverID, start, end); err != nil {
			return err
		}
		if _, err := tx.InsertAssignment(ctx, policy.RoleAssignment{
			UserID:    sess.UserID,
			RoleID:    sess.ElevatedRoleID,
			GrantedAt: start,
			ExpiresAt: &end,
		}); err != nil {
			return policy.Infra(err)
		}

		sess.Status = StatusActive
		sess.ApproverID = &approverID
		sess.ApprovedAt = &start
		sess.StartTime = &start
		sess.EndTime = &end
		approved = sess

		return s.auditTransition(ctx, tx, sess, approverID, "approve",
			fmt.Sprintf("pending -> active, elevation until %s", end.UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return Session{}, err
	}

	s.invalidate(ctx, approved.UserID)
	s.metrics.Transition(string(StatusActive))
	return approved, nil
}

// Deny terminates a pending session without creating any assignment.
func (s *Service) Deny(ctx context.Context, sessionID uuid.UUID, approverID int64, reason string) (Session, error) {
	var denied Session
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		sess, err := tx.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Status.CanTransition(StatusDenied) {
			return fmt.Errorf("%w: cannot deny session in status %q", ErrInvalidTransition, sess.Status)
		}
		if err := tx.SetStatus(ctx, sessionID, StatusPending, StatusDenied); err != nil {
			return err
		}
		sess.Status = StatusDenied
		sess.ApproverID = &approverID
		denied = sess
		return s.auditTransition(ctx, tx, sess, approverID, "deny", "pending -> denied: "+reason)
	})
	if err != nil {
		return Session{}, err
	}
	s.metrics.Transition(string(StatusDenied))
	return denied, nil
}

// Revoke ends an active session immediately. The session owner may
// always revoke their own elevation; anyone else needs the revoke
// permission.
func (s *Service) Revoke(ctx context.Context, sessionID uuid.UUID, actorID int64) (Session, error) {
	var revoked Session
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		sess, err := tx.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Status.CanTransition(StatusRevoked) {
			return fmt.Errorf("%w: cannot revoke session in status %q", ErrInvalidTransition, sess.Status)
		}
		if actorID != sess.UserID {
			set, err := s.checker.Resolve(ctx, actorID)
			if err != nil {
				return err
			}
			if !set.Index().Has(policy.ResourceBreakglass, policy.VerbRevoke) {
				return fmt.Errorf("%w: force-revoke requires the %s.%s permission",
					policy.ErrDenied, policy.ResourceBreakglass, policy.VerbRevoke)
			}
		}
		if err := tx.SetStatus(ctx, sessionID, StatusActive, StatusRevoked); err != nil {
			return err
		}
		if err := tx.DeactivateAssignment(ctx, sess.UserID, sess.ElevatedRoleID); err != nil && !errors.Is(err, policy.ErrNotFound) {
			return policy.Infra(err)
		}
		sess.Status = StatusRevoked
		revoked = sess
		return s.auditTransition(ctx, tx, sess, actorID, "revoke", "active -> revoked")
	})
	if err != nil {
		return Session{}, err
	}

	s.invalidate(ctx, revoked.UserID)
	s.metrics.Transition(string(StatusRevoked))
	return revoked, nil
}

// Get returns one session.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	return s.store.Get(ctx, sessionID)
}

// List returns sessions in the given status for the admin surface.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Session, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("breakglass: unknown status %q", status)
	}
	return s.store.List(ctx, status, limit)
}

// Sweep expires every active session past its end time and drops the
// affected users' cached permission sets. It returns the number of
// sessions transitioned.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireDue(ctx, s.now(), "expired by background sweep")
	if err != nil {
		return 0, policy.Infra(err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sess := range expired {
		g.Go(func() error {
			s.invalidate(gctx, sess.UserID)
			return nil
		})
		s.metrics.Transition(string(StatusExpired))
		s.logger.Info("breakglass session expired",
			slog.String("session_id", sess.ID.String()),
			slog.Int64("user_id", sess.UserID))
	}
	_ = g.Wait()
	s.metrics.SweepExpired(len(expired))
	return len(expired), nil
}

func (s *Service) auditTransition(ctx context.Context, tx TxStore, sess Session, actorID int64, verb, reason string) error {
	sessionID := sess.ID
	if err := tx.InsertAudit(ctx, audit.CheckRecord{
		ID:        uuid.New(),
		ActorID:   actorID,
		Resource:  policy.ResourceBreakglass,
		Verb:      verb,
		Granted:   true,
		Reason:    reason,
		SessionID: &sessionID,
		At:        s.now(),
	}); err != nil {
		// No audit entry, no transition: the transaction rolls back.
		return policy.Infra(err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Error("breakglass cache invalidate", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}
