package uuidx

import "github.com/google/uuid"

// New generates a new version 7 UUID. It panics if the UUID generation fails,
// which only happens when the system source of randomness is unavailable.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new version 7 UUID and returns its string form.
func NewString() string {
	return New().String()
}
