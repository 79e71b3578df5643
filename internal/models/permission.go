// Package models defines permission rule and decision structures shared
// between the evaluator, the store backends, and command dispatch.
package models

import "time"

// PermissionState is the declared opinion of a rule about a token.
type PermissionState string

const (
	// StateUndefined expresses no opinion; evaluation falls through.
	StateUndefined PermissionState = ""
	// StateForbidden is a hard deny with the highest precedence.
	StateForbidden PermissionState = "forbidden"
	// StateOnce allows a single invocation via the approval path.
	StateOnce PermissionState = "once"
	// StateAllowed is a permanent allow.
	StateAllowed PermissionState = "allowed"
)

// IsValidPermissionState checks if the given state is supported.
func IsValidPermissionState(s PermissionState) bool {
	switch s {
	case StateUndefined, StateForbidden, StateOnce, StateAllowed:
		return true
	default:
		return false
	}
}

// PermissionLevel identifies the hierarchy level a rule set belongs to.
// Levels are consulted most specific first (user before organization
// before server before admin defaults).
type PermissionLevel string

const (
	LevelUser         PermissionLevel = "user"
	LevelOrganization PermissionLevel = "organization"
	LevelServer       PermissionLevel = "server"
	LevelAdmin        PermissionLevel = "admin"
)

// LevelOrder lists permission levels from most to least specific.
var LevelOrder = []PermissionLevel{LevelUser, LevelOrganization, LevelServer, LevelAdmin}

// IsValidPermissionLevel checks if the given level is supported.
func IsValidPermissionLevel(l PermissionLevel) bool {
	switch l {
	case LevelUser, LevelOrganization, LevelServer, LevelAdmin:
		return true
	default:
		return false
	}
}

// Rule is one persisted permission rule: a serialized token mapped to a
// state at a hierarchy level within a guild.
type Rule struct {
	GuildID   string          `json:"guild_id"`
	Level     PermissionLevel `json:"level"`
	Token     string          `json:"token"`
	State     PermissionState `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Grant is a forever-grant record: a permanent allow for one user and one
// serialized token, created only by an explicit admin decision.
type Grant struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	GrantedBy string    `json:"granted_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the evaluator's aggregate verdict. Denial is a normal
// outcome, never an error.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	Reason           string   `json:"reason,omitempty"`
	Missing          []string `json:"missing,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}
