package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/session"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// casMaxAttempts bounds the optimistic-concurrency retry loop on quota
// increments. Contention on a single user's counter is expected to be rare.
const casMaxAttempts = 10

// Default bucket parameters.
const (
	DefaultQuotaBucket   = "recalld_quota"
	DefaultSessionBucket = "recalld_sessions"
	DefaultQuotaWindow   = 24 * time.Hour
)

// Config holds configuration for the KV-backed store.
type Config struct {
	// QuotaBucket is the bucket holding per-user upload counters.
	QuotaBucket string

	// SessionBucket is the bucket mirroring session summaries.
	SessionBucket string

	// QuotaWindow is the rolling quota window; it doubles as the quota
	// bucket's MaxAge so stale counters are reclaimed server-side.
	QuotaWindow time.Duration

	// SessionTTL is the session bucket's MaxAge. JetStream ages keys
	// from their last write, so every mirror refresh resets the clock.
	SessionTTL time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.QuotaBucket == "" {
		c.QuotaBucket = DefaultQuotaBucket
	}
	if c.SessionBucket == "" {
		c.SessionBucket = DefaultSessionBucket
	}
	if c.QuotaWindow == 0 {
		c.QuotaWindow = DefaultQuotaWindow
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = session.DefaultTTL
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("quota window must be positive, got %s", c.QuotaWindow)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	}
	return nil
}

// Store implements quota.CounterStore and session.Mirror on JetStream KV.
type Store struct {
	config   Config
	quota    jetstream.KeyValue
	sessions jetstream.KeyValue
	logger   *zap.Logger
}

// New creates the KV buckets (idempotently) and returns the store.
func New(ctx context.Context, nc *nats.Conn, config Config, logger *zap.Logger) (*Store, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	quota, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.QuotaBucket,
		Description: "per-user rolling-window upload counters",
		TTL:         config.QuotaWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("creating quota bucket %s: %w", config.QuotaBucket, err)
	}

	sessions, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.SessionBucket,
		Description: "mirrored session summaries",
		TTL:         config.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session bucket %s: %w", config.SessionBucket, err)
	}

	logger.Info("kv buckets ready",
		zap.String("quota_bucket", config.QuotaBucket),
		zap.Duration("quota_window", config.QuotaWindow),
		zap.String("session_bucket", config.SessionBucket),
		zap.Duration("session_ttl", config.SessionTTL))

	return &Store{
		config:   config,
		quota:    quota,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// quotaRecord is the value stored per user. The window expiry lives in the
// value so that increments can preserve it; the bucket MaxAge only garbage
// collects keys that stop being written.
type quotaRecord struct {
	Count           int       `json:"count"`
	WindowExpiresAt time.Time `json:"window_expires_at"`
}

// quotaKey encodes a user ID as a valid KV key. NATS KV restricts key
// characters, and caller identities (emails, URNs) routinely fall outside
// the allowed set, so every ID is encoded with the URL-safe base64 alphabet.
func quotaKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

// GetCount returns the user's count within the active window. Absent keys
// and expired windows read as zero.
func (s *Store) GetCount(ctx context.Context, userID string) (int, error) {
	entry, err := s.quota.Get(ctx, quotaKey(userID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading quota counter: %w", err)
	}

	var rec quotaRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return 0, fmt.Errorf("decoding quota counter: %w", err)
	}
	if !timeNow().Before(rec.WindowExpiresAt) {
		return 0, nil
	}
	return rec.Count, nil
}

// Increment atomically increments the user's counter with a create-or-CAS
// loop on the KV revision. The first increment of a window sets the window
// expiry; later increments preserve it. Returns the post-increment count.
func (s *Store) Increment(ctx context.Context, userID string) (int, error) {
	key := quotaKey(userID)

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		now := timeNow()

		entry, err := s.quota.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			rec := quotaRecord{Count: 1, WindowExpiresAt: now.Add(s.config.QuotaWindow)}
			data, err := json.Marshal(rec)
			if err != nil {
				return 0, fmt.Errorf("encoding quota counter: %w", err)
			}
			if _, err := s.quota.Create(ctx, key, data); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue // lost the race, re-read
				}
				return 0, fmt.Errorf("creating quota counter: %w", err)
			}
			return 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("reading quota counter: %w", err)
		}

		var rec quotaRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			return 0, fmt.Errorf("decoding quota counter: %w", err)
		}
		if !now.Before(rec.WindowExpiresAt) {
			rec = quotaRecord{WindowExpiresAt: now.Add(s.config.QuotaWindow)}
		}
		rec.Count++

		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("encoding quota counter: %w", err)
		}
		if _, err := s.quota.Update(ctx, key, data, entry.Revision()); err != nil {
			if isWrongLastSequence(err) {
				continue // lost the race, re-read
			}
			return 0, fmt.Errorf("updating quota counter: %w", err)
		}
		return rec.Count, nil
	}

	return 0, fmt.Errorf("quota counter contention for user after %d attempts", casMaxAttempts)
}

// isWrongLastSequence reports whether err is the JetStream revision-mismatch
// error that signals a lost CAS race.
func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// PutSession writes or refreshes a mirrored session summary. The write
// resets the key's age, implementing the TTL refresh on activity.
func (s *Store) PutSession(ctx context.Context, id string, summary session.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding session summary: %w", err)
	}
	if _, err := s.sessions.Put(ctx, id, data); err != nil {
		return fmt.Errorf("writing session summary: %w", err)
	}
	return nil
}

// GetSession returns the mirrored summary for id, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Summary, error) {
	entry, err := s.sessions.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session summary: %w", err)
	}

	var summary session.Summary
	if err := json.Unmarshal(entry.Value(), &summary); err != nil {
		return nil, fmt.Errorf("decoding session summary: %w", err)
	}
	return &summary, nil
}

// DeleteSession removes the mirrored summary. Deleting an absent key is not
// an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	err := s.sessions.Purge(ctx, id)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("removing session summary: %w", err)
	}
	return nil
}
