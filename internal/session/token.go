package session

import "github.com/google/uuid"

// NewToken generates an opaque session token, unique across all storage
// tiers by construction.
func NewToken() string {
	return uuid.NewString()
}
