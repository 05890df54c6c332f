package nodeagent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AgentHealth tracks the reachability of one node's agent daemon.
type AgentHealth struct {
	// Available indicates if the agent is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful call.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed call.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// HealthConfig configures the circuit breaker behavior.
type HealthConfig struct {
	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long to wait before trying a tripped agent again.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns sensible defaults for agent health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// HealthTracker records agent call outcomes per node and trips a circuit
// breaker after repeated failures so sweeps and runs stop hammering dead
// agents.
type HealthTracker struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*AgentHealth
}

// NewHealthTracker creates a tracker with the given configuration. Zero
// config fields fall back to defaults.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	def := DefaultHealthConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &HealthTracker{
		config:   cfg,
		statuses: make(map[string]*AgentHealth),
	}
}

// getOrCreate returns the status for a node, creating if needed. Caller
// must hold the write lock.
func (t *HealthTracker) getOrCreate(nodeID string) *AgentHealth {
	if status, ok := t.statuses[nodeID]; ok {
		return status
	}
	status := &AgentHealth{Available: true}
	t.statuses[nodeID] = status
	return status
}

// MarkSuccess records a successful call to a node's agent.
func (t *HealthTracker) MarkSuccess(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.getOrCreate(nodeID)
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

// MarkFailure records a failed call to a node's agent.
func (t *HealthTracker) MarkFailure(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.getOrCreate(nodeID)
	status.LastFailure = time.Now()
	status.FailureCount++

	// Check if we should open the circuit
	if status.FailureCount >= t.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = time.Now()
		status.Available = false
	}
}

// IsAvailable checks if a node's agent should be called.
// Returns false if the circuit breaker is open and recovery timeout hasn't passed.
func (t *HealthTracker) IsAvailable(nodeID string) bool {
	t.mu.RLock()
	status, ok := t.statuses[nodeID]
	if !ok {
		t.mu.RUnlock()
		return true // Unknown node = available
	}

	// Copy values to avoid holding lock during time comparison
	circuitOpen := status.CircuitOpen
	circuitOpenedAt := status.CircuitOpenedAt
	recoveryTimeout := t.config.RecoveryTimeout
	t.mu.RUnlock()

	if !circuitOpen {
		return true
	}

	if time.Since(circuitOpenedAt) > recoveryTimeout {
		return true // Allow a test request (half-open)
	}

	return false
}

// Get returns the tracked health for a node.
// Returns nil if the node has never been marked.
func (t *HealthTracker) Get(nodeID string) *AgentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if status, ok := t.statuses[nodeID]; ok {
		// Return a copy to avoid races
		copied := *status
		return &copied
	}
	return nil
}

// Reset clears the tracked health for a node.
func (t *HealthTracker) Reset(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.statuses, nodeID)
}

// WaitReady polls the agent's health endpoint until it answers, the timeout
// elapses, or ctx is cancelled. The first probe happens immediately.
func WaitReady(ctx context.Context, api AgentAPI, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		err := api.Health(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return fmt.Errorf("agent not ready after %s: %w", timeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
