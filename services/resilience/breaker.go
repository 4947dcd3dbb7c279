package resilience

import (
	"sync"
	"time"

	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type breakerPhase int

const (
	phaseClosed breakerPhase = iota
	phaseOpen
	phaseHalfOpen
)

// partition is the breaker state for one identity
type partition struct {
	phase               breakerPhase
	consecutiveFailures int
	openings            int // consecutive openings, drives exponential cooldown
	nextAttemptAt       time.Time
	trialInFlight       bool
}

// Breaker is a circuit breaker partitioned per identity, so one
// misbehaving account cannot block verification for everyone else.
// Thread-safe implementation using sync.Mutex.
type Breaker struct {
	mu         sync.Mutex
	partitions map[uuid.UUID]*partition
	cfg        config.ResilienceConfig
	logger     *zap.Logger
}

// NewBreaker creates a Breaker with empty partitions
func NewBreaker(cfg config.ResilienceConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		partitions: make(map[uuid.UUID]*partition),
		cfg:        cfg,
		logger:     logger,
	}
}

// Allow reports whether a verification attempt may proceed for the
// identity. When the partition is open it returns false along with how
// long the caller should wait. An open partition past its cooldown
// moves to half-open and admits exactly one trial.
func (b *Breaker) Allow(identityID uuid.UUID) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.partitions[identityID]
	if !exists {
		return true, 0
	}

	now := time.Now()
	switch p.phase {
	case phaseClosed:
		return true, 0
	case phaseOpen:
		if now.Before(p.nextAttemptAt) {
			return false, time.Until(p.nextAttemptAt)
		}
		p.phase = phaseHalfOpen
		p.trialInFlight = true
		b.logger.Info("circuit breaker half-open",
			zap.String("identity_id", identityID.String()))
		return true, 0
	case phaseHalfOpen:
		if p.trialInFlight {
			return false, time.Until(p.nextAttemptAt)
		}
		p.trialInFlight = true
		return true, 0
	}
	return true, 0
}

// RecordFailure counts a verification failure. Crossing the threshold
// while closed opens the partition; a failed half-open trial re-opens
// it with an exponentially extended cooldown, capped at MaxCooldown.
func (b *Breaker) RecordFailure(identityID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.partitions[identityID]
	if !exists {
		p = &partition{}
		b.partitions[identityID] = p
	}

	switch p.phase {
	case phaseClosed:
		p.consecutiveFailures++
		if p.consecutiveFailures >= b.cfg.BreakerThreshold {
			b.openLocked(identityID, p)
		}
	case phaseHalfOpen:
		p.consecutiveFailures++
		p.trialInFlight = false
		b.openLocked(identityID, p)
	case phaseOpen:
		// Failures while open come from requests admitted before the
		// transition; they extend nothing.
	}
}

// RecordSuccess closes the partition and resets its counters
func (b *Breaker) RecordSuccess(identityID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.partitions[identityID]
	if !exists {
		return
	}
	if p.phase != phaseClosed {
		b.logger.Info("circuit breaker closed",
			zap.String("identity_id", identityID.String()))
	}
	delete(b.partitions, identityID)
}

// State returns the externally visible state of one partition
func (b *Breaker) State(identityID uuid.UUID) models.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.partitions[identityID]
	if !exists {
		return models.CircuitBreakerState{}
	}
	return models.CircuitBreakerState{
		ConsecutiveFailures: p.consecutiveFailures,
		IsOpen:              p.phase != phaseClosed,
		NextAttemptAt:       p.nextAttemptAt,
	}
}

// openLocked transitions a partition to open (must be called with lock
// held)
func (b *Breaker) openLocked(identityID uuid.UUID, p *partition) {
	cooldown := b.cooldownFor(p.openings)
	p.phase = phaseOpen
	p.openings++
	p.nextAttemptAt = time.Now().Add(cooldown)
	b.logger.Warn("circuit breaker opened",
		zap.String("identity_id", identityID.String()),
		zap.Int("consecutive_failures", p.consecutiveFailures),
		zap.Duration("cooldown", cooldown))
}

// cooldownFor doubles the base cooldown per prior opening, capped
func (b *Breaker) cooldownFor(priorOpenings int) time.Duration {
	cooldown := b.cfg.BreakerCooldown
	for i := 0; i < priorOpenings; i++ {
		cooldown *= 2
		if cooldown >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return cooldown
}
