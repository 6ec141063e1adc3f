package auth

import (
	"errors"
	"time"
)

// Role identifies which of the two remote accounts a credential or flow
// belongs to. Source is the mail account, Destination the storage account.
// The two are never interchangeable.
type Role string

const (
	RoleSource      Role = "gmail"
	RoleDestination Role = "drive"
)

// ErrAuthRequired signals that no usable credential exists for a role and a
// full authorization flow must be run.
var ErrAuthRequired = errors.New("authorization required")

// ErrRedirectTimeout signals that an authorization flow gave up waiting for
// the browser redirect.
var ErrRedirectTimeout = errors.New("timed out waiting for authorization redirect")

// Credential holds the bearer tokens for one account role. It is owned by
// the Store; callers receive a copy valid for the duration of one remote
// call.
type Credential struct {
	Role         Role      `json:"-"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
}

// ExpiresWithin reports whether the credential expires before now+margin.
// A zero ExpiresAt means the issuer reported no expiry; treat as valid.
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(c.ExpiresAt)
}
