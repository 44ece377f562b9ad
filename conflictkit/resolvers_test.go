package conflictkit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

func input(main *document.Document, alts ...*document.Document) conflictkit.Input {
	in := conflictkit.Input{Main: main, Alternates: alts}
	for _, alt := range alts {
		in.Conflicts = append(in.Conflicts, conflictkit.Compare(main, alt, t0)...)
	}
	return in
}

func TestLastWriteWins_LatestModifiedAt(t *testing.T) {
	main := doc("c1", revMain, "customer", t0, map[string]any{"name": "main"})
	newer := doc("c1", revAlt2, "customer", t0.Add(time.Minute), map[string]any{"name": "newer"})
	older := doc("c1", revAlt1, "customer", t0.Add(-time.Minute), map[string]any{"name": "older"})

	plan, err := (&conflictkit.LastWriteWinsResolver{}).Resolve(context.Background(), input(main, older, newer))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionRemote, plan.Resolution)
	assert.Equal(t, "newer", plan.Winner.Fields["name"])
	assert.Equal(t, revAlt2, plan.Parent)
	assert.ElementsMatch(t, []string{revMain, revAlt1}, plan.Losers)
	assert.Equal(t, 2, plan.ConflictsResolved)
	for _, d := range []*document.Document{main, newer, older} {
		assert.False(t, plan.Winner.ModifiedAt.Before(d.ModifiedAt))
	}
}

func TestLastWriteWins_KeepsLocalWhenNewest(t *testing.T) {
	main := doc("c1", revMain, "customer", t0.Add(time.Hour), map[string]any{"name": "main"})
	alt := doc("c1", revAlt1, "customer", t0, map[string]any{"name": "alt"})

	plan, err := (&conflictkit.LastWriteWinsResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionLocal, plan.Resolution)
	assert.Equal(t, revMain, plan.Parent)
	assert.Equal(t, []string{revAlt1}, plan.Losers)
}

func TestLastWriteWins_TieBrokenByRevision(t *testing.T) {
	main := doc("c1", "2-00000000000000aa", "customer", t0, map[string]any{"name": "main"})
	alt := doc("c1", "2-00000000000000ff", "customer", t0, map[string]any{"name": "alt"})

	plan, err := (&conflictkit.LastWriteWinsResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionRemote, plan.Resolution)
	assert.Equal(t, "alt", plan.Winner.Fields["name"])

	// Order of arguments does not change the outcome.
	plan, err = (&conflictkit.LastWriteWinsResolver{}).Resolve(context.Background(), input(alt, main))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionLocal, plan.Resolution)
	assert.Equal(t, "alt", plan.Winner.Fields["name"])
}

func TestMerge_ConcreteScenario(t *testing.T) {
	main := doc("acme", revMain, "customer", t0, map[string]any{"companyName": "Acme", "industry": "Retail"})
	alt := doc("acme", revAlt1, "customer", t0, map[string]any{"companyName": "Acme Corp", "industry": "Retail"})

	plan, err := (&conflictkit.MergeNonConflictingResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionMerge, plan.Resolution)
	assert.Equal(t, map[string]any{"companyName": "Acme", "industry": "Retail"}, plan.Winner.Fields)
	assert.Equal(t, 1, plan.ConflictsResolved)
	assert.Equal(t, revMain, plan.Parent)
	assert.Equal(t, []string{revAlt1}, plan.Losers)
}

func TestMerge_IdenticalAlternateIsNoOp(t *testing.T) {
	fields := map[string]any{"name": "Acme", "address": map[string]any{"city": "Berlin"}}
	main := doc("c1", revMain, "customer", t0, fields)
	alt := doc("c1", revAlt1, "customer", t0, fields)

	plan, err := (&conflictkit.MergeNonConflictingResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.True(t, document.FieldsEqual(main.Fields, plan.Winner.Fields))
	assert.Zero(t, plan.ConflictsResolved)
}

func TestMerge_AdditionNotCounted(t *testing.T) {
	main := doc("c1", revMain, "customer", t0, map[string]any{"name": "Acme"})
	alt := doc("c1", revAlt1, "customer", t0, map[string]any{"name": "Acme", "email": "x@acme.test"})

	plan, err := (&conflictkit.MergeNonConflictingResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.Equal(t, "x@acme.test", plan.Winner.Fields["email"])
	assert.Zero(t, plan.ConflictsResolved)
}

func TestMerge_DeletionKeepsLocalAndFirstAdditionWins(t *testing.T) {
	main := doc("c1", revMain, "customer", t0, map[string]any{"name": "Acme", "phone": "1"})
	first := doc("c1", revAlt1, "customer", t0, map[string]any{"name": "Acme", "email": "first"})
	second := doc("c1", revAlt2, "customer", t0, map[string]any{"name": "Acme", "email": "second"})

	plan, err := (&conflictkit.MergeNonConflictingResolver{}).Resolve(context.Background(), input(main, first, second))
	require.NoError(t, err)
	assert.Equal(t, "1", plan.Winner.Fields["phone"])
	assert.Equal(t, "first", plan.Winner.Fields["email"])
	assert.ElementsMatch(t, []string{revAlt1, revAlt2}, plan.Losers)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	main := doc("c1", revMain, "customer", t0, map[string]any{"name": "Acme"})
	alt := doc("c1", revAlt1, "customer", t0, map[string]any{"tags": []any{"x"}})

	plan, err := (&conflictkit.MergeNonConflictingResolver{}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	plan.Winner.Fields["tags"].([]any)[0] = "changed"
	_, ok := main.Fields["tags"]
	assert.False(t, ok)
	assert.Equal(t, "x", alt.Fields["tags"].([]any)[0])
}

func TestUserDecides(t *testing.T) {
	main := doc("c1", revMain, "customer", t0, map[string]any{"name": "local", "n": 1})
	alt := doc("c1", revAlt1, "customer", t0, map[string]any{"name": "remote"})
	r := &conflictkit.UserDecidesResolver{}

	in := input(main, alt)
	in.Choice = conflictkit.ChoiceLocal
	plan, err := r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionLocal, plan.Resolution)
	assert.Equal(t, main.Fields, plan.Winner.Fields)
	assert.Equal(t, []string{revAlt1}, plan.Losers)
	assert.Equal(t, 1, plan.ConflictsResolved)

	in.Choice = conflictkit.ChoiceRemote
	plan, err = r.Resolve(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionRemote, plan.Resolution)
	assert.Equal(t, alt.Fields, plan.Winner.Fields)
	assert.Equal(t, revAlt1, plan.Parent)
	assert.Equal(t, []string{revMain}, plan.Losers)

	in.Choice = conflictkit.ChoiceNone
	_, err = r.Resolve(context.Background(), in)
	assert.ErrorIs(t, err, errors.ErrMissingChoice)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))

	in.Choice = "both"
	_, err = r.Resolve(context.Background(), in)
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}

func TestEscalate(t *testing.T) {
	main := doc("c1", revMain, "invoice", t0, map[string]any{"total": 10})
	alt := doc("c1", revAlt1, "invoice", t0, map[string]any{"total": 12})

	plan, err := (&conflictkit.EscalateResolver{Reason: "finance review"}).Resolve(context.Background(), input(main, alt))
	require.NoError(t, err)
	assert.Equal(t, conflictkit.ResolutionManual, plan.Resolution)
	assert.Zero(t, plan.ConflictsResolved)
	assert.Empty(t, plan.Losers)
	assert.Contains(t, plan.Reasons, "finance review")
}

func TestResolverFunc(t *testing.T) {
	called := false
	var r conflictkit.Resolver = conflictkit.ResolverFunc(func(ctx context.Context, in conflictkit.Input) (conflictkit.Plan, error) {
		called = true
		return conflictkit.Plan{Resolution: conflictkit.ResolutionManual}, nil
	})
	plan, err := r.Resolve(context.Background(), conflictkit.Input{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, conflictkit.ResolutionManual, plan.Resolution)
}
