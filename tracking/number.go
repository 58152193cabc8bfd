package tracking

import (
	"fmt"
	"math/rand/v2"
)

const (
	trackingNumberPrefix = "FDX"
	// generated numbers are retried this many times on collision
	maxGenerateAttempts = 5
)

// NewTrackingNumber returns "FDX" followed by nine random digits.
func NewTrackingNumber() string {
	return fmt.Sprintf("%s%d", trackingNumberPrefix, 100_000_000+rand.IntN(900_000_000))
}
