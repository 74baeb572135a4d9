package auth

import "time"

type Role string

const (
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAuditor    Role = "auditor"
)

// Actor mirrors the actors table. Tokens are only honoured for active actors.
type Actor struct {
	ID          string
	DisplayName string
	Role        Role
	Active      bool
	CreatedAt   time.Time
}

// Identity is the verified caller handed to the ledger and approval layers.
// It is only ever built from a validated token, never from request input.
type Identity struct {
	ActorID string
	Role    Role
}

// CanWrite reports whether the identity may commit, request, approve or reject.
func (i Identity) CanWrite() bool {
	return i.Role == RoleOperator || i.Role == RoleSupervisor
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleSupervisor, RoleAuditor:
		return true
	default:
		return false
	}
}
