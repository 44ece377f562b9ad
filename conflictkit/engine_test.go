package conflictkit_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/storage/memory"
)

func seedAcme(t *testing.T, s *memory.Store) {
	t.Helper()
	put(t, s,
		doc("acme", revMain, "customer", t0, map[string]any{"companyName": "Acme", "industry": "Retail"}),
		doc("acme", revAlt1, "customer", t0.Add(time.Minute), map[string]any{"companyName": "Acme Corp", "industry": "Retail"}),
	)
}

func TestEngine_RequiresStore(t *testing.T) {
	_, err := conflictkit.NewEngine(nil)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestEngine_NoConflictsIsReadOnly(t *testing.T) {
	s := newFaultyStore()
	put(t, s.Store, doc("c1", revMain, "customer", t0, map[string]any{"name": "Acme"}))
	e := newEngine(t, s)

	res, err := e.Resolve(context.Background(), "c1", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionLocal, res.Resolution)
	assert.Zero(t, res.ConflictsResolved)
	assert.Equal(t, revMain, res.ResolvedRevision)
	assert.Equal(t, "Acme", res.ResolvedDocument.Fields["name"])

	_, inserts, destroys := s.counts()
	assert.Zero(t, inserts)
	assert.Zero(t, destroys)
}

func TestEngine_ConcreteScenarioMerge(t *testing.T) {
	s := memory.New()
	seedAcme(t, s)
	e := newEngine(t, s)

	conflicts := e.Detect(context.Background(), "acme")
	require.Len(t, conflicts, 1)
	assert.Equal(t, "companyName", conflicts[0].Field)

	res, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyMergeNonConflicting)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionMerge, res.Resolution)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Equal(t, map[string]any{"companyName": "Acme", "industry": "Retail"}, res.ResolvedDocument.Fields)
	assert.Empty(t, res.ResolvedDocument.Conflicts)

	assert.Equal(t, []string{res.ResolvedRevision}, revisions(t, s, "acme"))
	stored, err := s.Get(context.Background(), "acme", conflictkit.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, res.ResolvedRevision, stored.Revision)
	assert.Equal(t, 4, document.Generation(stored.Revision))
}

func TestEngine_LastWriteWinsLeavesOneRevision(t *testing.T) {
	s := memory.New()
	put(t, s,
		doc("c1", revMain, "timesheet", t0, map[string]any{"hours": 8}),
		doc("c1", revAlt1, "timesheet", t0.Add(2*time.Hour), map[string]any{"hours": 6}),
		doc("c1", revAlt2, "timesheet", t0.Add(time.Hour), map[string]any{"hours": 7}),
	)
	e := newEngine(t, s)

	res, err := e.Resolve(context.Background(), "c1", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionRemote, res.Resolution)
	assert.Equal(t, 6, res.ResolvedDocument.Fields["hours"])
	assert.Equal(t, 2, res.ConflictsResolved)
	assert.True(t, res.ResolvedDocument.ModifiedAt.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, []string{res.ResolvedRevision}, revisions(t, s, "c1"))
}

func TestEngine_Idempotent(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	e := newEngine(t, s)

	first, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ConflictsResolved)
	_, inserts, destroys := s.counts()

	for i := 0; i < 2; i++ {
		again, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
		require.NoError(t, err)
		assert.Equal(t, conflictkit.ResolutionLocal, again.Resolution)
		assert.Zero(t, again.ConflictsResolved)
		assert.Equal(t, first.ResolvedRevision, again.ResolvedRevision)
	}
	_, inserts2, destroys2 := s.counts()
	assert.Equal(t, inserts, inserts2)
	assert.Equal(t, destroys, destroys2)
}

func TestEngine_UserDecides(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		s := memory.New()
		seedAcme(t, s)
		res, err := newEngine(t, s).Resolve(context.Background(), "acme", conflictkit.StrategyUserDecides,
			conflictkit.WithChoice(conflictkit.ChoiceLocal))
		require.NoError(t, err)
		assert.Equal(t, conflictkit.ResolutionLocal, res.Resolution)
		assert.Equal(t, map[string]any{"companyName": "Acme", "industry": "Retail"}, res.ResolvedDocument.Fields)
		assert.NotEqual(t, revMain, res.ResolvedRevision)
		assert.Len(t, revisions(t, s, "acme"), 1)
	})

	t.Run("remote", func(t *testing.T) {
		s := memory.New()
		seedAcme(t, s)
		res, err := newEngine(t, s).Resolve(context.Background(), "acme", conflictkit.StrategyUserDecides,
			conflictkit.WithChoice(conflictkit.ChoiceRemote))
		require.NoError(t, err)
		assert.Equal(t, conflictkit.ResolutionRemote, res.Resolution)
		assert.Equal(t, map[string]any{"companyName": "Acme Corp", "industry": "Retail"}, res.ResolvedDocument.Fields)
		assert.Equal(t, []string{res.ResolvedRevision}, revisions(t, s, "acme"))
	})

	t.Run("missing choice rejected before store access", func(t *testing.T) {
		s := newFaultyStore()
		seedAcme(t, s.Store)
		_, err := newEngine(t, s).Resolve(context.Background(), "acme", conflictkit.StrategyUserDecides)
		assert.ErrorIs(t, err, errors.ErrMissingChoice)
		assert.True(t, errors.IsKind(err, errors.KindConfiguration))
		gets, inserts, _ := s.counts()
		assert.Zero(t, gets)
		assert.Zero(t, inserts)
	})
}

func TestEngine_UnsupportedStrategy(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	m := &recordingMetrics{}

	_, err := newEngine(t, s, conflictkit.WithMetrics(m)).Resolve(context.Background(), "acme", conflictkit.Strategy("first_write_wins"))
	assert.ErrorIs(t, err, errors.ErrUnsupportedStrategy)
	gets, _, _ := s.counts()
	assert.Zero(t, gets)
	assert.Equal(t, []string{string(errors.KindUnsupportedStrategy)}, m.errorKinds)
}

func TestEngine_EscalateLeavesStoreUntouched(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)

	res, err := newEngine(t, s).Resolve(context.Background(), "acme", conflictkit.StrategyEscalateToAdmin)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionManual, res.Resolution)
	assert.Zero(t, res.ConflictsResolved)
	assert.Equal(t, revMain, res.ResolvedRevision)
	assert.Len(t, res.Conflicts, 1)

	_, inserts, destroys := s.counts()
	assert.Zero(t, inserts)
	assert.Zero(t, destroys)
	assert.Len(t, revisions(t, s.Store, "acme"), 2)
}

func TestEngine_EntitySpecific(t *testing.T) {
	s := memory.New()
	put(t, s,
		doc("inv", revMain, "invoice", t0, map[string]any{"total": 100, "finalized": true}),
		doc("inv", revAlt1, "invoice", t0.Add(time.Minute), map[string]any{"total": 120, "finalized": true}),
	)
	seedAcme(t, s)
	e := newEngine(t, s)

	res, err := e.Resolve(context.Background(), "inv", conflictkit.StrategyEntitySpecific)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.StrategyLastWriteWins, res.Strategy)
	assert.Equal(t, 120, res.ResolvedDocument.Fields["total"])

	res, err = e.Resolve(context.Background(), "acme", conflictkit.StrategyEntitySpecific)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.StrategyMergeNonConflicting, res.Strategy)
	assert.Equal(t, conflictkit.ResolutionMerge, res.Resolution)
}

func TestEngine_StrictPolicyEscalatesFinalized(t *testing.T) {
	s := memory.New()
	put(t, s,
		doc("inv", revMain, "invoice", t0, map[string]any{"total": 100, "finalized": true}),
		doc("inv", revAlt1, "invoice", t0.Add(time.Minute), map[string]any{"total": 120, "finalized": true}),
	)
	policy, err := conflictkit.BuildEntityPolicy(conflictkit.PolicyConfig{FinalizedStrategy: "escalate_to_admin"})
	require.NoError(t, err)

	res, err := newEngine(t, s, conflictkit.WithEntityPolicy(policy)).Resolve(context.Background(), "inv", conflictkit.StrategyEntitySpecific)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionManual, res.Resolution)
	assert.Len(t, revisions(t, s, "inv"), 2)
}

func TestEngine_CleanupFailureIsSwallowed(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	s.destroyErr[revAlt1] = stderrors.New("disk full")
	m := &recordingMetrics{}

	var hookErr error
	e := newEngine(t, s,
		conflictkit.WithMetrics(m),
		conflictkit.WithHooks(conflictkit.Hooks{
			OnCleanupFailure: func(_ context.Context, id, rev string, err error) { hookErr = err },
		}),
	)

	res, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyMergeNonConflicting)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionMerge, res.Resolution)
	assert.Equal(t, 1, m.cleanupFailures)
	require.Error(t, hookErr)
	assert.True(t, errors.IsKind(hookErr, errors.KindCleanup))

	// The losing revision survives and is picked up again later.
	assert.Len(t, revisions(t, s.Store, "acme"), 2)
}

func TestEngine_CleanupNotFoundIsSuccess(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	s.destroyErr[revAlt1] = errors.ErrNotFound
	m := &recordingMetrics{}

	_, err := newEngine(t, s, conflictkit.WithMetrics(m)).Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Zero(t, m.cleanupFailures)
}

func TestEngine_InsertFailurePropagates(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	boom := stderrors.New("write rejected")
	s.insertErr = boom

	var hookErr error
	e := newEngine(t, s, conflictkit.WithHooks(conflictkit.Hooks{
		OnError: func(_ context.Context, _ string, err error) { hookErr = err },
	}))
	_, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
	assert.ErrorIs(t, hookErr, boom)

	_, _, destroys := s.counts()
	assert.Zero(t, destroys)
	assert.Len(t, revisions(t, s.Store, "acme"), 2)
}

func TestEngine_MainFetchFailurePropagates(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	boom := stderrors.New("connection reset")
	s.getErr[""] = boom

	_, err := newEngine(t, s).Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errors.IsKind(err, errors.KindStoreUnavailable))
}

func TestEngine_MissingDocument(t *testing.T) {
	_, err := newEngine(t, memory.New()).Resolve(context.Background(), "nope", conflictkit.StrategyLastWriteWins)
	assert.True(t, errors.IsNotFound(err))
}

func TestEngine_UnreachableAlternateIsKept(t *testing.T) {
	s := newFaultyStore()
	put(t, s.Store,
		doc("c1", revMain, "customer", t0, map[string]any{"v": 1}),
		doc("c1", revAlt1, "customer", t0.Add(time.Minute), map[string]any{"v": 2}),
		doc("c1", revAlt2, "customer", t0.Add(time.Hour), map[string]any{"v": 3}),
	)
	s.getErr[revAlt2] = stderrors.New("timeout")

	res, err := newEngine(t, s).Resolve(context.Background(), "c1", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ResolvedDocument.Fields["v"])
	assert.Equal(t, 1, res.ConflictsResolved)

	revs := revisions(t, s.Store, "c1")
	assert.ElementsMatch(t, []string{res.ResolvedRevision, revAlt2}, revs)
}

func TestEngine_IdenticalAlternatesCollapse(t *testing.T) {
	s := memory.New()
	fields := map[string]any{"name": "Acme"}
	put(t, s,
		doc("c1", revMain, "customer", t0, fields),
		doc("c1", revAlt1, "customer", t0, fields),
	)

	res, err := newEngine(t, s).Resolve(context.Background(), "c1", conflictkit.StrategyMergeNonConflicting)
	require.NoError(t, err)
	assert.Zero(t, res.ConflictsResolved)
	assert.Equal(t, fields, res.ResolvedDocument.Fields)
	assert.Equal(t, []string{res.ResolvedRevision}, revisions(t, s, "c1"))
}

func TestEngine_ConcurrentResolveSameDocument(t *testing.T) {
	s := newFaultyStore()
	seedAcme(t, s.Store)
	e := newEngine(t, s)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*conflictkit.ConflictResolution, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
		}(i)
	}
	wg.Wait()

	resolved := 0
	for i := range results {
		require.NoError(t, errs[i])
		resolved += results[i].ConflictsResolved
	}
	assert.Equal(t, 1, resolved)
	_, inserts, _ := s.counts()
	assert.Equal(t, 1, inserts)
	assert.Len(t, revisions(t, s.Store, "acme"), 1)
}

func TestEngine_HooksAndResolverOverride(t *testing.T) {
	s := memory.New()
	seedAcme(t, s)

	var detected []conflictkit.Conflict
	var resolved *conflictkit.ConflictResolution
	custom := conflictkit.ResolverFunc(func(ctx context.Context, in conflictkit.Input) (conflictkit.Plan, error) {
		return conflictkit.Plan{Resolution: conflictkit.ResolutionManual, Winner: in.Main, Reasons: []string{"custom"}}, nil
	})
	e := newEngine(t, s,
		conflictkit.WithResolver(conflictkit.StrategyLastWriteWins, custom),
		conflictkit.WithHooks(conflictkit.Hooks{
			OnDetected: func(_ context.Context, _ string, c []conflictkit.Conflict) { detected = c },
			OnResolved: func(_ context.Context, r *conflictkit.ConflictResolution) { resolved = r },
		}),
	)

	res, err := e.Resolve(context.Background(), "acme", conflictkit.StrategyLastWriteWins)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionManual, res.Resolution)
	assert.Equal(t, []string{"custom"}, res.Reasons)
	assert.Len(t, detected, 1)
	assert.Same(t, res, resolved)
}

func TestEngine_LockContextCancelled(t *testing.T) {
	s := memory.New()
	seedAcme(t, s)
	locker := conflictkit.NewKeyedLocker()
	unlock, err := locker.Lock(context.Background(), "acme")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = newEngine(t, s, conflictkit.WithLocker(locker)).Resolve(ctx, "acme", conflictkit.StrategyLastWriteWins)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
