// Package approval stages actions that need a second, independent signature
// before they reach the ledger.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opsledger/auth"
	"opsledger/ledger"
	"opsledger/logging"
)

// ActionRepository defines the data access required by the workflow.
type ActionRepository interface {
	Insert(ctx context.Context, q ledger.DBTX, a PendingAction) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (PendingAction, error)
	Get(ctx context.Context, q ledger.DBTX, id string) (PendingAction, error)
	ApplyDecision(ctx context.Context, tx pgx.Tx, id string, d Decision) error
	ListPending(ctx context.Context, q ledger.DBTX, now time.Time) ([]PendingAction, error)
}

// LedgerWriter appends inside a caller-owned transaction.
type LedgerWriter interface {
	RecordEventTx(ctx context.Context, tx pgx.Tx, ev ledger.Event) (ledger.Receipt, error)
}

type Service struct {
	pool   ledger.Pool
	repo   ActionRepository
	ledger LedgerWriter
	ttl    time.Duration
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Service)

// WithTTL overrides the approval window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(pool ledger.Pool, repo ActionRepository, lw LedgerWriter, opts ...Option) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	s := &Service{
		pool:   pool,
		repo:   repo,
		ledger: lw,
		ttl:    DefaultTTL,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
		tracer: otel.Tracer("opsledger/approval"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "approval")
	return s
}

// CreatePendingAction stages an action signed by its initiator.
func (s *Service) CreatePendingAction(ctx context.Context, initiator auth.Identity, actionType ledger.ActionType, payload json.RawMessage) (PendingAction, error) {
	if initiator.ActorID == "" {
		return PendingAction{}, fmt.Errorf("%w: missing initiator", auth.ErrUnauthorized)
	}
	if !actionType.Valid() {
		return PendingAction{}, fmt.Errorf("%w: %q", ledger.ErrUnknownActionType, actionType)
	}
	canon, err := ledger.CanonicalPayload(payload)
	if err != nil {
		return PendingAction{}, err
	}

	now := s.now().UTC()
	a := PendingAction{
		ID:             s.newID(),
		InitiatorID:    initiator.ActorID,
		ActionType:     actionType,
		Payload:        canon,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		Status:         StatusPending,
		SignatureCount: 1,
	}
	if err := s.repo.Insert(ctx, s.pool, a); err != nil {
		return PendingAction{}, err
	}

	logging.Audit(ctx, s.logger, "approval requested", a.InitiatorID, string(a.ActionType),
		"action_id", a.ID, "expires_at", a.ExpiresAt)
	return a, nil
}

// ApproveAction applies the second signature. The status change and the
// ledger append commit together or not at all. An expired action is flipped
// to EXPIRED and that flip is committed before ErrExpired is returned.
func (s *Service) ApproveAction(ctx context.Context, actionID string, approver auth.Identity) (result ApprovalResult, err error) {
	ctx, span := s.tracer.Start(ctx, "approval.ApproveAction", trace.WithAttributes(attribute.String("approval.id", actionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if approver.ActorID == "" {
		return ApprovalResult{}, fmt.Errorf("%w: missing approver", auth.ErrUnauthorized)
	}
	if _, perr := uuid.Parse(actionID); perr != nil {
		return ApprovalResult{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("%w: begin tx: %w", ledger.ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	action, err := s.repo.GetForUpdate(ctx, tx, actionID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if action.Status != StatusPending {
		return ApprovalResult{Status: action.Status}, ErrInvalidState
	}

	now := s.now().UTC()
	if action.expiredAt(now) {
		if err := s.repo.ApplyDecision(ctx, tx, actionID, Decision{Status: StatusExpired, DecidedAt: now}); err != nil {
			return ApprovalResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ApprovalResult{}, fmt.Errorf("%w: commit expiry: %w", ledger.ErrPersistenceFailure, err)
		}
		logging.Audit(ctx, s.logger, "approval expired", approver.ActorID, string(action.ActionType),
			"action_id", actionID, "initiator", action.InitiatorID)
		return ApprovalResult{Status: StatusExpired}, ErrExpired
	}

	if approver.ActorID == action.InitiatorID {
		s.logger.WarnContext(ctx, "self-approval refused", "type", "AUDIT", "actor", approver.ActorID, "action_id", actionID)
		return ApprovalResult{Status: StatusPending}, ErrSelfApproval
	}

	approverID := approver.ActorID
	receipt, err := s.ledger.RecordEventTx(ctx, tx, ledger.Event{
		ActorID:          action.InitiatorID,
		SecondaryActorID: &approverID,
		ActionType:       action.ActionType,
		Payload:          action.Payload,
	})
	if err != nil {
		return ApprovalResult{}, err
	}

	entryID := receipt.ID
	if err := s.repo.ApplyDecision(ctx, tx, actionID, Decision{
		Status:        StatusApproved,
		DecidedBy:     &approverID,
		DecidedAt:     now,
		ApproverID:    &approverID,
		LedgerEntryID: &entryID,
	}); err != nil {
		return ApprovalResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApprovalResult{}, fmt.Errorf("%w: commit approval: %w", ledger.ErrPersistenceFailure, err)
	}

	logging.Audit(ctx, s.logger, "approval granted", approverID, string(action.ActionType),
		"action_id", actionID, "initiator", action.InitiatorID, "entry_id", entryID, "seq", receipt.Seq)
	return ApprovalResult{Status: StatusApproved, Executed: true, EntryID: entryID}, nil
}

// RejectAction closes a PENDING action without touching the ledger. Any
// identity, including the initiator withdrawing its own request, may reject.
func (s *Service) RejectAction(ctx context.Context, actionID string, actor auth.Identity, reason string) (PendingAction, error) {
	if actor.ActorID == "" {
		return PendingAction{}, fmt.Errorf("%w: missing actor", auth.ErrUnauthorized)
	}
	if _, err := uuid.Parse(actionID); err != nil {
		return PendingAction{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PendingAction{}, fmt.Errorf("%w: begin tx: %w", ledger.ErrPersistenceFailure, err)
	}
	defer tx.Rollback(ctx)

	action, err := s.repo.GetForUpdate(ctx, tx, actionID)
	if err != nil {
		return PendingAction{}, err
	}
	if action.Status != StatusPending {
		return action, ErrInvalidState
	}

	now := s.now().UTC()
	if action.expiredAt(now) {
		if err := s.repo.ApplyDecision(ctx, tx, actionID, Decision{Status: StatusExpired, DecidedAt: now}); err != nil {
			return PendingAction{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return PendingAction{}, fmt.Errorf("%w: commit expiry: %w", ledger.ErrPersistenceFailure, err)
		}
		action.Status = StatusExpired
		action.DecidedAt = &now
		return action, ErrExpired
	}

	decidedBy := actor.ActorID
	var note *string
	if reason != "" {
		note = &reason
	}
	if err := s.repo.ApplyDecision(ctx, tx, actionID, Decision{
		Status:    StatusRejected,
		DecidedBy: &decidedBy,
		DecidedAt: now,
		Note:      note,
	}); err != nil {
		return PendingAction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PendingAction{}, fmt.Errorf("%w: commit rejection: %w", ledger.ErrPersistenceFailure, err)
	}

	logging.Audit(ctx, s.logger, "approval rejected", decidedBy, string(action.ActionType),
		"action_id", actionID, "initiator", action.InitiatorID, "reason", reason)
	action.Status = StatusRejected
	action.DecidedBy = &decidedBy
	action.DecidedAt = &now
	action.DecisionNote = note
	return action, nil
}

// GetPendingActions lists actions still awaiting a second signature, newest first.
func (s *Service) GetPendingActions(ctx context.Context) ([]PendingAction, error) {
	return s.repo.ListPending(ctx, s.pool, s.now().UTC())
}

// GetAction returns a single action in any state.
func (s *Service) GetAction(ctx context.Context, actionID string) (PendingAction, error) {
	if _, err := uuid.Parse(actionID); err != nil {
		return PendingAction{}, ErrNotFound
	}
	return s.repo.Get(ctx, s.pool, actionID)
}

// IsBusinessRuleError reports whether err is a typed rejection that left no side effects.
func IsBusinessRuleError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrExpired) || errors.Is(err, ErrSelfApproval)
}
