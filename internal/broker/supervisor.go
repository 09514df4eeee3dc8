package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Supervisor watches a broker session and restores it after loss. It probes
// connectivity on a fixed interval; when the session is down it retries
// Connect a bounded number of times, then gives up until the next probe.
type Supervisor struct {
	broker Broker
	logger *slog.Logger

	probeInterval time.Duration
	maxAttempts   int
	retryDelay    time.Duration

	hooksMu sync.Mutex
	hooks   []func() // run after every successful reconnect
}

// NewSupervisor wires a supervisor to a broker session.
//
// Parameters:
//   - probeInterval: how often connectivity is checked
//   - maxAttempts: reconnect attempts per outage before backing off
//   - retryDelay: pause between reconnect attempts
func NewSupervisor(b Broker, probeInterval time.Duration, maxAttempts int, retryDelay time.Duration, logger *slog.Logger) *Supervisor {
	if probeInterval <= 0 {
		probeInterval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Supervisor{
		broker:        b,
		logger:        logger.With("component", "broker_supervisor"),
		probeInterval: probeInterval,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
	}
}

// OnReconnect registers a hook run after every successful reconnect.
// Consumers use it to resync state that may have drifted while down.
func (s *Supervisor) OnReconnect(fn func()) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// Run probes the session until ctx is cancelled. Blocks.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.broker.IsConnected() {
				continue
			}
			s.logger.Warn("broker session down, reconnecting")
			if s.reconnect(ctx) {
				s.runHooks()
			}
		}
	}
}

// reconnect attempts to restore the session. Returns true on success.
func (s *Supervisor) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := s.broker.Connect(ctx); err == nil {
			s.logger.Info("broker session restored", "attempt", attempt)
			return true
		} else {
			s.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"max_attempts", s.maxAttempts,
				"error", err,
			)
		}

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.retryDelay):
		}
	}

	s.logger.Error("reconnect attempts exhausted, waiting for next probe",
		"attempts", s.maxAttempts,
	)
	return false
}

func (s *Supervisor) runHooks() {
	s.hooksMu.Lock()
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
