package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is the default delay between eviction sweeps.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper periodically evicts sessions whose idle time exceeds the registry
// TTL. One sweeper runs per process. Cancellation is cooperative: the loop
// checks for shutdown between cycles, never mid-eviction.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper creates a sweeper for the registry.
func NewSweeper(registry *Registry, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic sweeping in the background. Returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting expiry sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("session_ttl", s.registry.TTL()))

	go s.run(ctx)
}

// Stop halts the sweeper and waits for the current cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Info("stopping expiry sweeper")
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning reports whether the sweeper is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped: context canceled")
			return
		case <-s.stopCh:
			s.logger.Info("expiry sweeper stopped: stop requested")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := timeNow()
	evicted := s.registry.sweepExpired(ctx)

	if evicted > 0 {
		s.logger.Info("sweep completed",
			zap.Int("evicted", evicted),
			zap.Int("remaining", s.registry.Len()),
			zap.Duration("duration", time.Since(start)))
	} else {
		s.logger.Debug("sweep completed, nothing to evict",
			zap.Int("sessions", s.registry.Len()))
	}
}
