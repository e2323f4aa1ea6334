package coordinator

import "github.com/google/uuid"

// newWorkID returns an opaque identifier with 122 bits of randomness,
// collision-safe for the lifetime of a single coordinator process.
func newWorkID() string {
	return uuid.New().String()
}
