package approval

import (
	"encoding/json"
	"time"

	"opsledger/ledger"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusExpired  Status = "EXPIRED"
	StatusRejected Status = "REJECTED"
)

// DefaultTTL is how long a staged action stays eligible for approval.
const DefaultTTL = 5 * time.Minute

// PendingAction mirrors the pending_actions table.
type PendingAction struct {
	ID             string            `json:"id"`
	InitiatorID    string            `json:"initiator_id"`
	ActionType     ledger.ActionType `json:"action_type"`
	Payload        json.RawMessage   `json:"payload"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Status         Status            `json:"status"`
	SignatureCount int               `json:"signature_count"`
	ApproverID     *string           `json:"approver_id,omitempty"`
	DecidedBy      *string           `json:"decided_by,omitempty"`
	DecidedAt      *time.Time        `json:"decided_at,omitempty"`
	DecisionNote   *string           `json:"decision_note,omitempty"`
	LedgerEntryID  *string           `json:"ledger_entry_id,omitempty"`
}

// expiredAt reports whether the approval window closed before now.
func (a PendingAction) expiredAt(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// ApprovalResult is returned by a successful approval, or alongside ErrExpired.
type ApprovalResult struct {
	Status   Status `json:"status"`
	Executed bool   `json:"executed"`
	EntryID  string `json:"entry_id,omitempty"`
}

// Decision captures a terminal transition written inside the approval transaction.
type Decision struct {
	Status        Status
	DecidedBy     *string
	DecidedAt     time.Time
	Note          *string
	ApproverID    *string
	LedgerEntryID *string
}
