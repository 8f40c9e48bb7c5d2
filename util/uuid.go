package util

import (
	"time"

	"github.com/google/uuid"
)

// NewUUID returns a time-ordered UUIDv7, falling back to v4 if the
// generator keeps failing.
func NewUUID() string {
	maxRetry := 10
	for i := 0; i < maxRetry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return id.String()
		}

		if i < maxRetry-1 {
			// just over v7's 100ns precision
			time.Sleep(200 * time.Nanosecond)
		}
	}

	return uuid.New().String()
}
