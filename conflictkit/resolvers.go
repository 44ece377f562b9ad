package conflictkit

import (
	"context"
	"fmt"
	"sort"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

var (
	_ Resolver = (*LastWriteWinsResolver)(nil)
	_ Resolver = (*MergeNonConflictingResolver)(nil)
	_ Resolver = (*UserDecidesResolver)(nil)
	_ Resolver = (*EscalateResolver)(nil)
	_ Resolver = (*EntitySpecificResolver)(nil)
)

// LastWriteWinsResolver keeps the revision with the latest ModifiedAt.
// Equal timestamps go to the greater revision token.
type LastWriteWinsResolver struct{}

func (r *LastWriteWinsResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	winner := in.Main
	reason := "current revision is the latest write"
	for _, alt := range in.Alternates {
		switch {
		case alt.ModifiedAt.After(winner.ModifiedAt):
			winner = alt
			reason = "remote revision is the latest write"
		case alt.ModifiedAt.Equal(winner.ModifiedAt) && document.CompareRevisions(alt.Revision, winner.Revision) > 0:
			winner = alt
			reason = "equal modifiedAt, greater revision wins"
		}
	}

	res := ResolutionLocal
	if winner != in.Main {
		res = ResolutionRemote
	}
	all := append([]*document.Document{in.Main}, in.Alternates...)
	return Plan{
		Strategy:          StrategyLastWriteWins,
		Resolution:        res,
		Winner:            winner.Clone(),
		Parent:            winner.Revision,
		Losers:            revisionsOf(winner.Revision, all...),
		ConflictsResolved: len(in.Alternates),
		Reasons:           []string{reason},
	}, nil
}

// MergeNonConflictingResolver starts from the current revision and copies
// in fields that only exist on conflicting revisions. Fields present on
// both sides keep the current value. When several alternates add the same
// field the first one in revision order wins.
type MergeNonConflictingResolver struct{}

func (r *MergeNonConflictingResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	merged := in.Main.Clone().StripConflicts()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any)
	}

	added := 0
	for _, alt := range in.Alternates {
		fields := alt.Clone().Fields
		names := make([]string, 0, len(fields))
		for k := range fields {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if _, ok := merged.Fields[k]; ok {
				continue
			}
			merged.Fields[k] = fields[k]
			added++
		}
	}

	resolved := 0
	for _, c := range in.Conflicts {
		if c.Type == ConflictField {
			resolved++
		}
	}

	return Plan{
		Strategy:          StrategyMergeNonConflicting,
		Resolution:        ResolutionMerge,
		Winner:            merged,
		Parent:            in.Main.Revision,
		Losers:            revisionsOf(in.Main.Revision, in.Alternates...),
		ConflictsResolved: resolved,
		Reasons: []string{
			fmt.Sprintf("kept %d conflicting field(s) from current revision", resolved),
			fmt.Sprintf("merged %d added field(s)", added),
		},
	}, nil
}

// UserDecidesResolver applies the caller's explicit choice. Remote takes
// the first conflicting revision verbatim.
type UserDecidesResolver struct{}

func (r *UserDecidesResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	all := append([]*document.Document{in.Main}, in.Alternates...)
	switch in.Choice {
	case ChoiceLocal:
		return Plan{
			Strategy:          StrategyUserDecides,
			Resolution:        ResolutionLocal,
			Winner:            in.Main.Clone(),
			Parent:            in.Main.Revision,
			Losers:            revisionsOf(in.Main.Revision, all...),
			ConflictsResolved: len(in.Alternates),
			Reasons:           []string{"user chose local"},
		}, nil
	case ChoiceRemote:
		if len(in.Alternates) == 0 {
			return Plan{
				Strategy:   StrategyUserDecides,
				Resolution: ResolutionLocal,
				Winner:     in.Main.Clone(),
				Parent:     in.Main.Revision,
				Reasons:    []string{"user chose remote but no conflicting revision was available"},
			}, nil
		}
		remote := in.Alternates[0]
		return Plan{
			Strategy:          StrategyUserDecides,
			Resolution:        ResolutionRemote,
			Winner:            remote.Clone(),
			Parent:            remote.Revision,
			Losers:            revisionsOf(remote.Revision, all...),
			ConflictsResolved: len(in.Alternates),
			Reasons:           []string{"user chose remote"},
		}, nil
	case ChoiceNone:
		return Plan{}, errors.NewConfigurationError(errors.OpResolve, errors.ErrMissingChoice)
	default:
		return Plan{}, errors.NewConfigurationError(errors.OpResolve, fmt.Errorf("invalid choice %q: want local or remote", in.Choice))
	}
}

// EscalateResolver hands the document to a human. Nothing is written.
type EscalateResolver struct{ Reason string }

func (r *EscalateResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	reasons := []string{"manual review required"}
	if r.Reason != "" {
		reasons = append(reasons, r.Reason)
	}
	return Plan{
		Strategy:   StrategyEscalateToAdmin,
		Resolution: ResolutionManual,
		Winner:     in.Main,
		Parent:     in.Main.Revision,
		Reasons:    reasons,
	}, nil
}

// EntitySpecificResolver routes by document type through an EntityPolicy
// and delegates to the selected resolver.
type EntitySpecificResolver struct {
	Policy    *EntityPolicy
	Resolvers Resolvers
}

func (r *EntitySpecificResolver) Resolve(ctx context.Context, in Input) (Plan, error) {
	policy := r.Policy
	if policy == nil {
		policy = DefaultEntityPolicy()
	}
	target, rule := policy.Route(in.Main)
	delegate, ok := r.Resolvers.Lookup(target)
	if !ok || target == StrategyEntitySpecific {
		return Plan{}, errors.NewUnsupportedStrategyError(errors.OpResolve, string(target))
	}
	plan, err := delegate.Resolve(ctx, in)
	if err != nil {
		return Plan{}, err
	}
	plan.Strategy = target
	plan.Reasons = append([]string{fmt.Sprintf("entity type %q routed by %s to %s", in.Main.Type, rule, target)}, plan.Reasons...)
	return plan, nil
}
