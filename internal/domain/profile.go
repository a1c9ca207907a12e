package domain

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrProfileNotFound is returned when the identity service has no account
	// with the requested name. It is an expected outcome, not a failure.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrRoleMissing means the Verified role does not exist in the guild.
	// Bootstrap creates it, so seeing this afterwards is an invariant violation.
	ErrRoleMissing = errors.New("verified role missing")

	// ErrChannelMissing means a configured channel could not be found.
	ErrChannelMissing = errors.New("configured channel missing")
)

// Profile is a Minecraft account as reported by the Mojang profile API.
// Name is the canonical, correctly-cased account name.
type Profile struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
