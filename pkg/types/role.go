// Package types defines the core data model shared across the chat engine:
// roles, message histories, conversation contexts, and the websocket and
// REST wire formats.
package types

import "fmt"

// Role identifies which of the three per-conversation history sequences
// an entry belongs to. It is a closed set; callers select a history once
// by Role and never branch on raw strings.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
)

// Roles lists all valid roles in a stable order.
var Roles = []Role{RoleSystem, RoleUser, RoleAI}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAI:
		return Role(s), nil
	}
	return "", fmt.Errorf("invalid role: %q", s)
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAI
}

func (r Role) String() string { return string(r) }
