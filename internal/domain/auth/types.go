// Package auth contains the domain types and logic for API key authentication.
package auth

import (
	"time"
)

// Role is a permission granted to an API key.
type Role string

const (
	// RoleSend may submit outbound messages from the PBX.
	RoleSend Role = "send"
	// RoleReceive may push inbound messages from the gateway.
	RoleReceive Role = "receive"
	// RoleRead may read stats and the dispatch journal.
	RoleRead Role = "read"
)

// IsValid returns true if the role is a known valid role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSend, RoleReceive, RoleRead:
		return true
	default:
		return false
	}
}

// Identity is the caller an API key resolves to.
type Identity struct {
	Name  string
	Roles []Role
}

// HasRole returns true if the identity has the specified role.
func (i *Identity) HasRole(role Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// APIKey is a configured key.
type APIKey struct {
	// Name labels the key in logs and rate limit keys.
	Name string
	// Hash is the stored hash (Argon2id PHC, "sha256:<hex>" or bare hex).
	Hash string
	Roles []Role
	// ExpiresAt is nil for keys that never expire.
	ExpiresAt *time.Time
}

// IsExpired returns true if the API key has expired at now.
func (k *APIKey) IsExpired(now time.Time) bool {
	if k.ExpiresAt == nil {
		return false
	}
	return now.After(*k.ExpiresAt)
}

func (k *APIKey) identity() *Identity {
	return &Identity{Name: k.Name, Roles: append([]Role(nil), k.Roles...)}
}
