package natskv

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/recalld/internal/session"
)

// startTestNATSServer starts an embedded NATS server with JetStream.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(server.Shutdown)
	return server
}

func newTestStore(t *testing.T, config Config) *Store {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	store, err := New(context.Background(), nc, config, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestGetCount_AbsentIsZero(t *testing.T) {
	store := newTestStore(t, Config{})

	count, err := store.GetCount(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIncrement_Counts(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		got, err := store.Increment(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	count, err := store.GetCount(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// A different user has an independent counter.
	count, err = store.GetCount(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIncrement_ConcurrentNeverLosesCounts(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Increment(ctx, "alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := store.GetCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, goroutines, count)
}

func TestIncrement_ExpiredWindowResets(t *testing.T) {
	store := newTestStore(t, Config{QuotaWindow: time.Hour})
	ctx := context.Background()

	base := time.Now()
	current := base
	timeNow = func() time.Time { return current }
	defer func() { timeNow = time.Now }()

	for i := 0; i < 5; i++ {
		_, err := store.Increment(ctx, "alice")
		require.NoError(t, err)
	}

	// Step past the window: the counter reads zero and the next
	// increment starts a fresh window at one.
	current = base.Add(time.Hour + time.Second)

	count, err := store.GetCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := store.Increment(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestSessionMirror_Roundtrip(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	summary := session.Summary{
		ID:            "8f14e45f-ceea-4f0c-8a6e-30a1b4b1c000",
		OwnerID:       "alice",
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		LastAccessed:  time.Now().UTC().Truncate(time.Second),
		DocumentCount: 7,
	}

	require.NoError(t, store.PutSession(ctx, summary.ID, summary))

	got, err := store.GetSession(ctx, summary.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, summary, *got)

	require.NoError(t, store.DeleteSession(ctx, summary.ID))

	got, err = store.GetSession(ctx, summary.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent key is not an error.
	require.NoError(t, store.DeleteSession(ctx, summary.ID))
}

func TestStore_ErrorsWhenServerGone(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL(), nats.RetryOnFailedConnect(true))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	store, err := New(context.Background(), nc, Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	server.Shutdown()
	server.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err = store.GetCount(ctx, "alice")
	assert.Error(t, err, "an unreachable store must surface an error for the ledger to fail open on")
}
