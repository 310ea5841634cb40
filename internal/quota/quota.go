// Package quota enforces a per-user rolling-window cap on ingestion volume.
//
// Counters live in the networked TTL store, not in the process; the ledger
// only reads and writes them. Availability is deliberately preferred over
// strictness: if the store is unreachable, checks fail open and increments
// succeed best-effort, so an unrelated infrastructure outage never blocks
// ingestion.
package quota

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrQuotaExceeded indicates the caller has used their daily allowance.
var ErrQuotaExceeded = errors.New("daily upload quota exceeded")

// DefaultMaxFilesPerDay is the per-user daily upload cap.
const DefaultMaxFilesPerDay = 10

// CounterStore is the networked rolling-window counter backing the ledger.
type CounterStore interface {
	// GetCount returns the current count within the active window for
	// userID. An absent or expired counter reads as zero.
	GetCount(ctx context.Context, userID string) (int, error)

	// Increment atomically increments the counter, creating it with a
	// fresh window expiry if absent or expired and preserving the
	// existing expiry otherwise. Returns the post-increment count.
	Increment(ctx context.Context, userID string) (int, error)
}

// Config holds ledger configuration.
type Config struct {
	// MaxFilesPerDay is the per-user upload cap within one quota window.
	// Defaults to DefaultMaxFilesPerDay.
	MaxFilesPerDay int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxFilesPerDay == 0 {
		c.MaxFilesPerDay = DefaultMaxFilesPerDay
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxFilesPerDay <= 0 {
		return fmt.Errorf("max files per day must be positive, got %d", c.MaxFilesPerDay)
	}
	return nil
}

// Ledger answers and updates per-user quota questions.
type Ledger struct {
	config Config
	store  CounterStore
	logger *zap.Logger
}

// NewLedger creates a quota ledger backed by store.
func NewLedger(config Config, store CounterStore, logger *zap.Logger) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Ledger{config: config, store: store, logger: logger}, nil
}

// MaxFilesPerDay returns the configured cap.
func (l *Ledger) MaxFilesPerDay() int {
	return l.config.MaxFilesPerDay
}

// CheckQuota reports whether userID has remaining quota and their current
// count. If the counter store is unreachable this fails open: ingestion is
// never blocked by an unrelated outage.
func (l *Ledger) CheckQuota(ctx context.Context, userID string) (hasQuota bool, count int) {
	count, err := l.store.GetCount(ctx, userID)
	if err != nil {
		l.logger.Warn("quota check failed, failing open",
			zap.String("user_id", userID),
			zap.Error(err))
		return true, 0
	}
	return count < l.config.MaxFilesPerDay, count
}

// IncrementQuota atomically increments the user's counter and reports
// whether the post-increment value still fits the cap. Callers are expected
// to have checked quota before doing the work that earns the increment; this
// is a secondary guard, not the primary gate. A store failure counts the
// increment as successful (best effort).
func (l *Ledger) IncrementQuota(ctx context.Context, userID string) bool {
	count, err := l.store.Increment(ctx, userID)
	if err != nil {
		l.logger.Warn("quota increment failed, allowing best-effort",
			zap.String("user_id", userID),
			zap.Error(err))
		return true
	}
	return count <= l.config.MaxFilesPerDay
}
