package conflictkit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixed leaf revisions. revMain sorts above the alternates so it is always
// the store's current revision.
const (
	revMain = "3-00000000000000aa"
	revAlt1 = "2-00000000000000cc"
	revAlt2 = "2-00000000000000bb"
)

func doc(id, rev, typ string, modified time.Time, fields map[string]any) *document.Document {
	d := document.New(id, typ, fields)
	d.Revision = rev
	d.ModifiedAt = modified
	return d
}

func put(t *testing.T, s *memory.Store, docs ...*document.Document) {
	t.Helper()
	for _, d := range docs {
		_, err := s.PutRevision(context.Background(), d)
		require.NoError(t, err)
	}
}

func revisions(t *testing.T, s *memory.Store, id string) []string {
	t.Helper()
	revs, err := s.Revisions(context.Background(), id)
	require.NoError(t, err)
	return revs
}

func newEngine(t *testing.T, s conflictkit.Store, opts ...conflictkit.EngineOption) *conflictkit.Engine {
	t.Helper()
	opts = append([]conflictkit.EngineOption{conflictkit.WithLogger(logging.Discard())}, opts...)
	e, err := conflictkit.NewEngine(s, opts...)
	require.NoError(t, err)
	return e
}

// faultyStore wraps the memory store with injectable failures and call
// counters.
type faultyStore struct {
	*memory.Store

	mu         sync.Mutex
	getErr     map[string]error // by revision, "" for the current revision
	insertErr  error
	destroyErr map[string]error
	listErr    error
	gets       int
	inserts    int
	destroys   int
	destroyed  []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		Store:      memory.New(),
		getErr:     map[string]error{},
		destroyErr: map[string]error{},
	}
}

func (f *faultyStore) Get(ctx context.Context, id string, opts conflictkit.GetOptions) (*document.Document, error) {
	f.mu.Lock()
	f.gets++
	err := f.getErr[opts.Revision]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, id, opts)
}

func (f *faultyStore) Insert(ctx context.Context, d *document.Document) (string, error) {
	f.mu.Lock()
	f.inserts++
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Store.Insert(ctx, d)
}

func (f *faultyStore) Destroy(ctx context.Context, id, rev string) error {
	f.mu.Lock()
	f.destroys++
	err := f.destroyErr[rev]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := f.Store.Destroy(ctx, id, rev); err != nil {
		return err
	}
	f.mu.Lock()
	f.destroyed = append(f.destroyed, rev)
	f.mu.Unlock()
	return nil
}

func (f *faultyStore) List(ctx context.Context, opts conflictkit.ListOptions) (conflictkit.Page, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return conflictkit.Page{}, err
	}
	return f.Store.List(ctx, opts)
}

func (f *faultyStore) counts() (gets, inserts, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.inserts, f.destroys
}

// recordingMetrics counts metric callbacks.
type recordingMetrics struct {
	conflictkit.NoOpMetricsCollector

	mu              sync.Mutex
	resolutions     int
	errorKinds      []string
	cleanupFailures int
}

func (m *recordingMetrics) RecordResolution(conflictkit.Strategy, conflictkit.Resolution, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions++
}

func (m *recordingMetrics) RecordResolutionError(_ conflictkit.Strategy, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorKinds = append(m.errorKinds, kind)
}

func (m *recordingMetrics) RecordCleanupFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFailures++
}
