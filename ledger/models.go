package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ActionType enumerates the business actions the ledger records.
type ActionType string

const (
	ActionBatchCreate    ActionType = "BATCH_CREATE"
	ActionStepSign       ActionType = "STEP_SIGN"
	ActionDeviationLog   ActionType = "DEVIATION_LOG"
	ActionSystemOverride ActionType = "SYSTEM_OVERRIDE"
	ActionDeployment     ActionType = "DEPLOYMENT"
)

// StatusCommitted is the only status a receipt ever carries.
const StatusCommitted = "COMMITTED"

// ErrUnknownActionType is returned for action types outside the closed enum.
var ErrUnknownActionType = errors.New("ledger: unknown action type")

// ActionTypes lists every recognised action type in declaration order.
func ActionTypes() []ActionType {
	return []ActionType{ActionBatchCreate, ActionStepSign, ActionDeviationLog, ActionSystemOverride, ActionDeployment}
}

// Valid reports whether a is one of the recognised action types.
func (a ActionType) Valid() bool {
	for _, t := range ActionTypes() {
		if a == t {
			return true
		}
	}
	return false
}

// ParseActionType normalises s and checks it against the enum.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, s)
	}
	return a, nil
}

// Event is a request to append one entry. Identities are bound by the caller
// from authenticated context, never from request bodies.
type Event struct {
	ActorID          string
	SecondaryActorID *string
	ActionType       ActionType
	Payload          json.RawMessage
}

// Entry mirrors a committed ledger_events row.
type Entry struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	PrevHash         string          `json:"prev_hash"`
	ActorID          string          `json:"actor_id"`
	SecondaryActorID *string         `json:"secondary_actor_id,omitempty"`
	ActionType       ActionType      `json:"action_type"`
	Payload          json.RawMessage `json:"payload"`
	Signature        string          `json:"signature"`
	KeyID            string          `json:"key_id"`
	Timestamp        int64           `json:"timestamp"`
}

// Receipt acknowledges a durable commit.
type Receipt struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
}

func receiptFor(e Entry) Receipt {
	return Receipt{
		ID:        e.ID,
		Status:    StatusCommitted,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		PrevHash:  e.PrevHash,
	}
}
