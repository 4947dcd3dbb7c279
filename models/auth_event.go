package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthEventKind classifies an authentication event
type AuthEventKind string

const (
	AuthEventFailure      AuthEventKind = "FAILURE"
	AuthEventSuccess      AuthEventKind = "SUCCESS"
	AuthEventTokenRefresh AuthEventKind = "TOKEN_REFRESH"
	AuthEventCircuitOpen  AuthEventKind = "CIRCUIT_OPEN"
	AuthEventProfileError AuthEventKind = "PROFILE_ERROR"
)

// AuthEvent is a single entry in the resilience monitor's append-only log
type AuthEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	IdentityID    uuid.UUID              `json:"identity_id"`
	Kind          AuthEventKind          `json:"kind"`
	Error         string                 `json:"error,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// LoopDetection tracks repeated authentication failures for one identity
// within a sliding window. Created lazily on first failure.
type LoopDetection struct {
	IdentityID   uuid.UUID `json:"identity_id"`
	WindowStart  time.Time `json:"window_start"`
	FailureCount int       `json:"failure_count"`
	IsActiveLoop bool      `json:"is_active_loop"`
	LastErrors   []string  `json:"last_errors"`
}

// CircuitBreakerState is the externally visible state of one breaker partition
type CircuitBreakerState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsOpen              bool      `json:"is_open"`
	NextAttemptAt       time.Time `json:"next_attempt_at"`
}

// AuthMetrics is the read-only 24h rollup returned by the resilience monitor
type AuthMetrics struct {
	TotalFailures      int `json:"total_failures"`
	TotalSuccesses     int `json:"total_successes"`
	UniqueFailingUsers int `json:"unique_failing_users"`
	ActiveLoops        int `json:"active_loops"`
	BreakerActivations int `json:"breaker_activations"`
}
