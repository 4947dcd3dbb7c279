package resilience

import (
	"sync"
	"time"

	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxLoopErrors bounds the error samples kept per loop record
const maxLoopErrors = 5

// Monitor records authentication events in a bounded ring buffer and
// tracks per-identity failure loops within a sliding window.
// Thread-safe implementation using sync.Mutex.
type Monitor struct {
	mu     sync.Mutex
	events []models.AuthEvent // ring buffer, next points at the oldest slot once full
	next   int
	full   bool
	loops  map[uuid.UUID]*models.LoopDetection
	cfg    config.ResilienceConfig
	logger *zap.Logger
}

// NewMonitor creates a Monitor sized by cfg.EventCapacity
func NewMonitor(cfg config.ResilienceConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		events: make([]models.AuthEvent, 0, cfg.EventCapacity),
		loops:  make(map[uuid.UUID]*models.LoopDetection),
		cfg:    cfg,
		logger: logger,
	}
}

// RecordFailure logs a failed verification and advances loop detection.
// Crossing the loop threshold marks the identity as looping and emits a
// single CIRCUIT_OPEN event for the whole activation.
func (m *Monitor) RecordFailure(identityID uuid.UUID, cause error, correlationID string) {
	now := time.Now()
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(models.AuthEvent{
		Timestamp:     now,
		IdentityID:    identityID,
		Kind:          models.AuthEventFailure,
		Error:         errText,
		CorrelationID: correlationID,
	})

	loop, exists := m.loops[identityID]
	if !exists || now.Sub(loop.WindowStart) > m.cfg.LoopWindow {
		loop = &models.LoopDetection{
			IdentityID:  identityID,
			WindowStart: now,
		}
		m.loops[identityID] = loop
	}

	loop.FailureCount++
	loop.LastErrors = append(loop.LastErrors, errText)
	if len(loop.LastErrors) > maxLoopErrors {
		loop.LastErrors = loop.LastErrors[len(loop.LastErrors)-maxLoopErrors:]
	}

	if loop.FailureCount >= m.cfg.LoopThreshold && !loop.IsActiveLoop {
		loop.IsActiveLoop = true
		m.appendLocked(models.AuthEvent{
			Timestamp:     now,
			IdentityID:    identityID,
			Kind:          models.AuthEventCircuitOpen,
			CorrelationID: correlationID,
			Metadata: map[string]interface{}{
				"failure_count": loop.FailureCount,
				"window_start":  loop.WindowStart,
			},
		})
		m.logger.Warn("authentication loop detected",
			zap.String("identity_id", identityID.String()),
			zap.Int("failure_count", loop.FailureCount),
			zap.Duration("window", m.cfg.LoopWindow),
			zap.Strings("recent_errors", loop.LastErrors))
	}
}

// RecordSuccess logs a successful verification and clears any loop
// state for that identity, leaving other identities untouched.
func (m *Monitor) RecordSuccess(identityID uuid.UUID, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(models.AuthEvent{
		Timestamp:     time.Now(),
		IdentityID:    identityID,
		Kind:          models.AuthEventSuccess,
		CorrelationID: correlationID,
	})
	delete(m.loops, identityID)
}

// RecordRefresh logs a proactive token refresh
func (m *Monitor) RecordRefresh(identityID uuid.UUID, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(models.AuthEvent{
		Timestamp:     time.Now(),
		IdentityID:    identityID,
		Kind:          models.AuthEventTokenRefresh,
		CorrelationID: correlationID,
	})
}

// RecordProfileError logs a profile lookup failure. Distinct from a
// token failure because the credential itself was fine.
func (m *Monitor) RecordProfileError(identityID uuid.UUID, cause error, correlationID string) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(models.AuthEvent{
		Timestamp:     time.Now(),
		IdentityID:    identityID,
		Kind:          models.AuthEventProfileError,
		Error:         errText,
		CorrelationID: correlationID,
	})
}

// IsLooping reports whether the identity currently has an active loop
func (m *Monitor) IsLooping(identityID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	loop, exists := m.loops[identityID]
	return exists && loop.IsActiveLoop
}

// Metrics returns the rolling 24h rollup. Read-only; it never mutates
// monitor state.
func (m *Monitor) Metrics() models.AuthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.EventRetention)
	failing := make(map[uuid.UUID]struct{})
	var metrics models.AuthMetrics

	for _, event := range m.snapshotLocked() {
		if event.Timestamp.Before(cutoff) {
			continue
		}
		switch event.Kind {
		case models.AuthEventFailure:
			metrics.TotalFailures++
			failing[event.IdentityID] = struct{}{}
		case models.AuthEventSuccess:
			metrics.TotalSuccesses++
		case models.AuthEventCircuitOpen:
			metrics.BreakerActivations++
		}
	}
	metrics.UniqueFailingUsers = len(failing)

	for _, loop := range m.loops {
		if loop.IsActiveLoop {
			metrics.ActiveLoops++
		}
	}
	return metrics
}

// RecentEvents returns up to limit events, newest first
func (m *Monitor) RecentEvents(limit int) []models.AuthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.snapshotLocked()
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}

	// Reverse into newest-first order
	out := make([]models.AuthEvent, len(ordered))
	for i, event := range ordered {
		out[len(ordered)-1-i] = event
	}
	return out
}

// Sweep drops events past retention and loop records whose window has
// long elapsed. Returns how many events were removed.
func (m *Monitor) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.EventRetention)
	kept := make([]models.AuthEvent, 0, cap(m.events))
	removed := 0
	for _, event := range m.snapshotLocked() {
		if event.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	m.events = kept
	if cap(kept) > 0 {
		m.next = len(kept) % cap(kept)
		m.full = len(kept) == cap(kept)
	}

	for id, loop := range m.loops {
		if !loop.IsActiveLoop && time.Since(loop.WindowStart) > m.cfg.LoopWindow {
			delete(m.loops, id)
		}
	}
	return removed
}

// StartSweepWorker periodically sweeps until stopCh closes
func (m *Monitor) StartSweepWorker(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(); removed > 0 {
				m.logger.Debug("swept auth events", zap.Int("removed", removed))
			}
		case <-stopCh:
			return
		}
	}
}

// appendLocked writes an event into the ring, evicting the oldest once
// capacity is reached (must be called with lock held)
func (m *Monitor) appendLocked(event models.AuthEvent) {
	if cap(m.events) == 0 {
		return
	}
	if len(m.events) < cap(m.events) {
		m.events = append(m.events, event)
		m.next = len(m.events) % cap(m.events)
		m.full = len(m.events) == cap(m.events)
		return
	}
	m.events[m.next] = event
	m.next = (m.next + 1) % cap(m.events)
	m.full = true
}

// snapshotLocked returns events in chronological order (must be called
// with lock held)
func (m *Monitor) snapshotLocked() []models.AuthEvent {
	if !m.full {
		out := make([]models.AuthEvent, len(m.events))
		copy(out, m.events)
		return out
	}
	out := make([]models.AuthEvent, 0, len(m.events))
	out = append(out, m.events[m.next:]...)
	out = append(out, m.events[:m.next]...)
	return out
}
