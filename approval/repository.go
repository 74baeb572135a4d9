package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"opsledger/ledger"
)

var (
	ErrNotFound     = errors.New("approval: action not found")
	ErrInvalidState = errors.New("approval: action is not pending")
	ErrExpired      = errors.New("approval: action expired")
	ErrSelfApproval = errors.New("approval: initiator cannot approve own action")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const actionColumns = `id::text, initiator_id, action_type, payload, created_at, expires_at, status,
	signature_count, approver_id, decided_by, decided_at, decision_note, ledger_entry_id::text`

// Insert stages a new action.
func (r *Repository) Insert(ctx context.Context, q ledger.DBTX, a PendingAction) error {
	const insertSQL = `
		INSERT INTO pending_actions (id, initiator_id, action_type, payload, created_at, expires_at, status, signature_count)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
	`
	_, err := q.Exec(ctx, insertSQL, a.ID, a.InitiatorID, string(a.ActionType), string(a.Payload),
		a.CreatedAt, a.ExpiresAt, string(a.Status), a.SignatureCount)
	if err != nil {
		if ledger.IsPayloadRejected(err) {
			return fmt.Errorf("%w: %w", ledger.ErrInvalidPayload, err)
		}
		return fmt.Errorf("%w: approval insert action: %w", ledger.ErrPersistenceFailure, err)
	}
	return nil
}

// GetForUpdate loads an action and locks its row until the transaction ends.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (PendingAction, error) {
	return r.get(ctx, tx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = $1 FOR UPDATE`, id)
}

// Get loads an action without locking.
func (r *Repository) Get(ctx context.Context, q ledger.DBTX, id string) (PendingAction, error) {
	return r.get(ctx, q, `SELECT `+actionColumns+` FROM pending_actions WHERE id = $1`, id)
}

func (r *Repository) get(ctx context.Context, q ledger.DBTX, query, id string) (PendingAction, error) {
	a, err := scanAction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PendingAction{}, ErrNotFound
		}
		return PendingAction{}, fmt.Errorf("%w: approval get action: %w", ledger.ErrPersistenceFailure, err)
	}
	return a, nil
}

// ApplyDecision moves a PENDING action to a terminal state. Only a PENDING
// row can be updated, so a transition happens at most once.
func (r *Repository) ApplyDecision(ctx context.Context, tx pgx.Tx, id string, d Decision) error {
	const updateSQL = `
		UPDATE pending_actions
		SET status = $2,
		    decided_by = $3,
		    decided_at = $4,
		    decision_note = $5,
		    approver_id = COALESCE($6, approver_id),
		    ledger_entry_id = COALESCE($7::uuid, ledger_entry_id),
		    signature_count = signature_count + CASE WHEN $2 = 'APPROVED' THEN 1 ELSE 0 END
		WHERE id = $1 AND status = 'PENDING'
	`
	tag, err := tx.Exec(ctx, updateSQL, id, string(d.Status), d.DecidedBy, d.DecidedAt, d.Note, d.ApproverID, d.LedgerEntryID)
	if err != nil {
		return fmt.Errorf("%w: approval apply decision: %w", ledger.ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidState
	}
	return nil
}

// ListPending returns PENDING actions whose window is still open, newest first.
func (r *Repository) ListPending(ctx context.Context, q ledger.DBTX, now time.Time) ([]PendingAction, error) {
	rows, err := q.Query(ctx, `SELECT `+actionColumns+`
		FROM pending_actions
		WHERE status = 'PENDING' AND expires_at >= $1
		ORDER BY created_at DESC, id DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: approval list pending: %w", ledger.ErrPersistenceFailure, err)
	}
	defer rows.Close()

	out := make([]PendingAction, 0, 8)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: approval scan action: %w", ledger.ErrPersistenceFailure, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: approval iterate pending: %w", ledger.ErrPersistenceFailure, err)
	}
	return out, nil
}

func scanAction(row pgx.Row) (PendingAction, error) {
	var (
		a          PendingAction
		actionType string
		status     string
		payload    []byte
	)
	err := row.Scan(&a.ID, &a.InitiatorID, &actionType, &payload, &a.CreatedAt, &a.ExpiresAt, &status,
		&a.SignatureCount, &a.ApproverID, &a.DecidedBy, &a.DecidedAt, &a.DecisionNote, &a.LedgerEntryID)
	if err != nil {
		return PendingAction{}, err
	}
	a.ActionType = ledger.ActionType(actionType)
	a.Status = Status(status)
	canon, err := ledger.CanonicalPayload(payload)
	if err != nil {
		return PendingAction{}, err
	}
	a.Payload = canon
	return a, nil
}
