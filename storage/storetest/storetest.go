// Package storetest is a conformance suite for conflictkit.Store adapters.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

// Store is what the suite needs from an adapter.
type Store interface {
	conflictkit.Store
	PutRevision(ctx context.Context, doc *document.Document) (string, error)
	Revisions(ctx context.Context, id string) ([]string, error)
}

// Run exercises an adapter. newStore must return an empty store; it is
// called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("InsertCreate", func(t *testing.T) { testInsertCreate(t, newStore(t)) })
	t.Run("InsertChild", func(t *testing.T) { testInsertChild(t, newStore(t)) })
	t.Run("StaleParent", func(t *testing.T) { testStaleParent(t, newStore(t)) })
	t.Run("ConflictingLeaves", func(t *testing.T) { testConflictingLeaves(t, newStore(t)) })
	t.Run("Destroy", func(t *testing.T) { testDestroy(t, newStore(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("ResolveThroughEngine", func(t *testing.T) { testResolveThroughEngine(t, newStore(t)) })
}

// Conflicted seeds id with a base revision and two concurrent edits, the
// way two replicas would produce them. It returns the three leaf documents
// ordered as written.
func Conflicted(t *testing.T, s Store, id string, modified time.Time) []*document.Document {
	t.Helper()
	ctx := context.Background()

	a := document.New(id, "customer", map[string]any{"name": "Acme", "phone": "555-1"})
	a.ModifiedAt = modified
	revA, err := document.NewRevision("1-00000000000000aa", a)
	require.NoError(t, err)
	a.Revision = revA

	b := document.New(id, "customer", map[string]any{"name": "Acme Corp", "email": "x@acme.test"})
	b.ModifiedAt = modified.Add(time.Minute)
	revB, err := document.NewRevision("1-00000000000000bb", b)
	require.NoError(t, err)
	b.Revision = revB

	for _, d := range []*document.Document{a, b} {
		_, err := s.PutRevision(ctx, d)
		require.NoError(t, err)
	}
	return []*document.Document{a, b}
}

func testGetMissing(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "missing", conflictkit.GetOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, err = s.Get(ctx, "missing", conflictkit.GetOptions{Revision: "1-0000000000000001"})
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testInsertCreate(t *testing.T, s Store) {
	ctx := context.Background()
	doc := document.New("c1", "customer", map[string]any{"name": "Acme", "tags": []any{"a", "b"}})
	doc.ModifiedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	rev, err := s.Insert(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, document.Generation(rev))

	got, err := s.Get(ctx, "c1", conflictkit.GetOptions{IncludeConflicts: true})
	require.NoError(t, err)
	assert.Equal(t, rev, got.Revision)
	assert.Equal(t, "customer", got.Type)
	assert.Empty(t, got.Conflicts)
	assert.True(t, doc.ModifiedAt.Equal(got.ModifiedAt))
	assert.True(t, document.FieldsEqual(doc.Fields, got.Fields))

	_, err = s.Insert(ctx, document.New("c1", "customer", nil))
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func testInsertChild(t *testing.T, s Store) {
	ctx := context.Background()
	rev1, err := s.Insert(ctx, document.New("c1", "customer", map[string]any{"name": "Acme"}))
	require.NoError(t, err)

	child := document.New("c1", "customer", map[string]any{"name": "Acme Corp"})
	child.Revision = rev1
	rev2, err := s.Insert(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, 2, document.Generation(rev2))

	revs, err := s.Revisions(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{rev2}, revs)

	got, err := s.Get(ctx, "c1", conflictkit.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Fields["name"])
}

func testStaleParent(t *testing.T, s Store) {
	ctx := context.Background()
	rev1, err := s.Insert(ctx, document.New("c1", "customer", map[string]any{"v": 1}))
	require.NoError(t, err)

	next := document.New("c1", "customer", map[string]any{"v": 2})
	next.Revision = rev1
	_, err = s.Insert(ctx, next)
	require.NoError(t, err)

	stale := document.New("c1", "customer", map[string]any{"v": 3})
	stale.Revision = rev1
	_, err = s.Insert(ctx, stale)
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func testConflictingLeaves(t *testing.T, s Store) {
	ctx := context.Background()
	leaves := Conflicted(t, s, "c1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	want, others := document.Winner(leaves)
	got, err := s.Get(ctx, "c1", conflictkit.GetOptions{IncludeConflicts: true})
	require.NoError(t, err)
	assert.Equal(t, want.Revision, got.Revision)
	assert.Equal(t, others, got.Conflicts)

	plain, err := s.Get(ctx, "c1", conflictkit.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, plain.Conflicts)

	alt, err := s.Get(ctx, "c1", conflictkit.GetOptions{Revision: others[0]})
	require.NoError(t, err)
	assert.Equal(t, others[0], alt.Revision)
	assert.Empty(t, alt.Conflicts)

	revs, err := s.Revisions(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, revs, 2)
	assert.Equal(t, want.Revision, revs[0])
}

func testDestroy(t *testing.T, s Store) {
	ctx := context.Background()
	leaves := Conflicted(t, s, "c1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, others := document.Winner(leaves)

	require.NoError(t, s.Destroy(ctx, "c1", others[0]))
	err := s.Destroy(ctx, "c1", others[0])
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	got, err := s.Get(ctx, "c1", conflictkit.GetOptions{IncludeConflicts: true})
	require.NoError(t, err)
	assert.Empty(t, got.Conflicts)

	require.NoError(t, s.Destroy(ctx, "c1", got.Revision))
	_, err = s.Get(ctx, "c1", conflictkit.GetOptions{})
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Insert(ctx, document.New(fmt.Sprintf("doc-%02d", i), "project", map[string]any{"n": i}))
		require.NoError(t, err)
	}
	Conflicted(t, s, "doc-02x", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	var ids []string
	var conflicted []string
	opts := conflictkit.ListOptions{Limit: 2, IncludeBodies: true}
	pages := 0
	for {
		page, err := s.List(ctx, opts)
		require.NoError(t, err)
		pages++
		assert.LessOrEqual(t, len(page.Documents), 2)
		for _, d := range page.Documents {
			ids = append(ids, d.ID)
			assert.NotEmpty(t, d.Fields, d.ID)
			if d.HasConflicts() {
				conflicted = append(conflicted, d.ID)
			}
		}
		if page.Next == "" {
			break
		}
		opts.StartAfter = page.Next
	}
	assert.Equal(t, []string{"doc-00", "doc-01", "doc-02", "doc-02x", "doc-03", "doc-04"}, ids)
	assert.Equal(t, []string{"doc-02x"}, conflicted)
	assert.GreaterOrEqual(t, pages, 3)

	page, err := s.List(ctx, conflictkit.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Documents, 6)
	assert.Empty(t, page.Next)
	assert.Empty(t, page.Documents[0].Fields)
	assert.NotEmpty(t, page.Documents[0].Revision)
}

func testResolveThroughEngine(t *testing.T, s Store) {
	ctx := context.Background()
	leaves := Conflicted(t, s, "c1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	engine, err := conflictkit.NewEngine(s)
	require.NoError(t, err)

	// The later edit wins whichever leaf the store reports as current.
	main, _ := document.Winner(leaves)
	want := conflictkit.ResolutionRemote
	if main.Revision == leaves[1].Revision {
		want = conflictkit.ResolutionLocal
	}

	res, err := engine.Resolve(ctx, "c1", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, want, res.Resolution)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Equal(t, "Acme Corp", res.ResolvedDocument.Fields["name"])

	revs, err := s.Revisions(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{res.ResolvedRevision}, revs)

	again, err := engine.Resolve(ctx, "c1", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionLocal, again.Resolution)
	assert.Zero(t, again.ConflictsResolved)
	assert.Equal(t, res.ResolvedRevision, again.ResolvedRevision)
}
