package core

import (
	"github.com/google/uuid"
)

// NewUUIDv7 returns a new time-ordered UUIDv7 string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.NewString()
	}
	return id.String()
}
