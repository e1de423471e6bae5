// Package backoff provides exponential backoff utilities with jitter for retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the symmetric randomization factor (0.0 to 1.0); the computed
	// delay lands in [base*(1-jitter), base*(1+jitter)].
	Jitter float64
}

// ComputeBackoff calculates the backoff duration for a given attempt number.
// The formula is: base = min(maxMs, initialMs * factor^(attempt-1)), then
// jitter shifts the base by up to ±jitter, and the result is clamped to
// [0, maxMs]. Attempt numbers start at 1.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand calculates the backoff duration using a provided random value.
// This is useful for testing to provide deterministic results.
// The randomValue should be in the range [0.0, 1.0).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	base = math.Min(policy.MaxMs, base)

	// Symmetric jitter: randomValue 0.5 leaves the base untouched.
	jitterAmount := base * policy.Jitter * (2*randomValue - 1)

	total := base + jitterAmount
	total = math.Min(policy.MaxMs, math.Max(0, total))

	return time.Duration(math.Round(total)) * time.Millisecond
}

// DeliveryPolicy returns the notification delivery retry policy.
// Initial: 1s, Max: 5m, Factor: 2, Jitter: ±20%
func DeliveryPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 1000,
		MaxMs:     300000,
		Factor:    2,
		Jitter:    0.2,
	}
}

// ConnectPolicy returns the policy used while waiting for external services
// (database, agent) to come up. Initial: 500ms, Max: 10s, Factor: 2, Jitter: ±10%
func ConnectPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialMs: 500,
		MaxMs:     10000,
		Factor:    2,
		Jitter:    0.1,
	}
}
