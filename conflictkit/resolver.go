package conflictkit

import (
	"context"

	"github.com/c0deZ3R0/go-conflict-kit/document"
)

// Input is everything a Resolver may look at. Resolvers must not modify it.
type Input struct {
	Main       *document.Document
	Alternates []*document.Document
	Conflicts  []Conflict
	Choice     Choice
}

// Plan is a resolver's decision. The engine persists Winner as a child of
// Parent and then destroys Losers.
type Plan struct {
	Strategy   Strategy
	Resolution Resolution
	// Winner is the content to keep. For manual plans it is the untouched
	// current revision and nothing is written.
	Winner *document.Document
	// Parent is the leaf revision Winner is written on top of.
	Parent string
	// Losers are the leaf revisions to destroy after the write.
	Losers            []string
	ConflictsResolved int
	// Reasons are human-readable annotations for audit and telemetry.
	Reasons []string
}

// Resolver is the strategy interface. Implementations are pure: they never
// touch the store.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (Plan, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, in Input) (Plan, error)

func (f ResolverFunc) Resolve(ctx context.Context, in Input) (Plan, error) { return f(ctx, in) }

// Resolvers maps strategy tags to their implementation.
type Resolvers map[Strategy]Resolver

// DefaultResolvers returns the built-in resolvers. The entity_specific
// resolver routes with policy and dispatches to the returned set, so
// overriding an entry also changes what entity routing delegates to.
func DefaultResolvers(policy *EntityPolicy) Resolvers {
	rs := Resolvers{
		StrategyLastWriteWins:       &LastWriteWinsResolver{},
		StrategyMergeNonConflicting: &MergeNonConflictingResolver{},
		StrategyUserDecides:         &UserDecidesResolver{},
		StrategyEscalateToAdmin:     &EscalateResolver{},
	}
	rs[StrategyEntitySpecific] = &EntitySpecificResolver{Policy: policy, Resolvers: rs}
	return rs
}

// Lookup returns the resolver for s.
func (rs Resolvers) Lookup(s Strategy) (Resolver, bool) {
	r, ok := rs[s]
	return r, ok && r != nil
}

// revisionsOf returns the revisions of docs other than keep.
func revisionsOf(keep string, docs ...*document.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil || d.Revision == keep {
			continue
		}
		out = append(out, d.Revision)
	}
	return out
}
