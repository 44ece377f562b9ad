package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/storage/storetest"
)

// getTestConnectionString returns the connection string from
// POSTGRES_TEST_CONNECTION and skips the test when it is unset.
func getTestConnectionString(t *testing.T) string {
	t.Helper()
	connStr := os.Getenv("POSTGRES_TEST_CONNECTION")
	if connStr == "" {
		t.Skip("POSTGRES_TEST_CONNECTION not set")
	}
	return connStr
}

var tableSeq atomic.Int64

// setupTestStore creates a store on a fresh table that is dropped on cleanup.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	config := &Config{
		ConnectionString: getTestConnectionString(t),
		TableName:        fmt.Sprintf("documents_test_%d_%d", os.Getpid(), tableSeq.Add(1)),
		Logger:           logging.Discard(),
		MaxOpenConns:     5,
		MaxIdleConns:     2,
	}
	store, err := New(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, err := store.DB().Exec("DROP TABLE IF EXISTS " + store.Table())
		if err != nil {
			t.Logf("Failed to drop test table: %v", err)
		}
		_, _ = store.DB().Exec("DROP FUNCTION IF EXISTS " + store.Table() + "_notify_revision()")
		store.Close()
	})
	return store
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return setupTestStore(t) })
}

func TestListener_ReceivesRevisions(t *testing.T) {
	store := setupTestStore(t)

	listener, err := store.Listen()
	require.NoError(t, err)
	defer listener.Close()

	got := make(chan RevisionNotification, 4)
	listener.Subscribe(func(_ context.Context, n RevisionNotification) error {
		got <- n
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, listener.Start(ctx))
	assert.Error(t, listener.Start(ctx))

	rev, err := store.Insert(ctx, document.New("c1", "customer", map[string]any{"name": "Acme"}))
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, "c1", n.ID)
		assert.Equal(t, rev, n.Revision)
		assert.Equal(t, 1, n.Generation)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestConfig_Defaults(t *testing.T) {
	config := DefaultConfig("postgres://localhost/db")
	assert.Equal(t, "documents", config.TableName)
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, 10, config.MaxIdleConns)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 15*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, config.NotificationTimeout)
	assert.Equal(t, 5*time.Second, config.ReconnectInterval)
	assert.NotNil(t, config.Logger)

	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"host=db user=app password=secret dbname=x", "host=db user=app password=*** dbname=x"},
		{"postgres://app:secret@db:5432/x?sslmode=disable", "postgres://app:***@db:5432/x?sslmode=disable"},
		{"postgres://app@db/x", "postgres://app@db/x"},
		{"host=db dbname=x", "host=db dbname=x"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, maskConnectionString(tt.in))
		})
	}
}

func TestNewListener_Validation(t *testing.T) {
	_, err := NewListener(ListenerConfig{Channel: "documents_revisions"})
	assert.Error(t, err)
	_, err = NewListener(ListenerConfig{ConnectionString: "postgres://localhost/db"})
	assert.Error(t, err)
}

func TestListener_Dispatch(t *testing.T) {
	l := &Listener{channel: "documents_revisions", logger: logging.Discard(), done: make(chan struct{})}

	var calls []string
	l.Subscribe(func(_ context.Context, n RevisionNotification) error {
		calls = append(calls, "first:"+n.ID)
		return fmt.Errorf("boom")
	})
	l.Subscribe(func(_ context.Context, n RevisionNotification) error {
		calls = append(calls, "second:"+n.Revision)
		return nil
	})

	l.dispatch(context.Background(), `{"id":"c1","rev":"2-00000000000000aa","generation":2}`)
	l.dispatch(context.Background(), `not json`)

	assert.Equal(t, []string{"first:c1", "second:2-00000000000000aa"}, calls)
}
