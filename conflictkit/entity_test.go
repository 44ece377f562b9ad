package conflictkit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

func TestEntitySpecific_Dispatch(t *testing.T) {
	tests := []struct {
		docType   string
		finalized bool
		want      conflictkit.Strategy
	}{
		{"invoice", true, conflictkit.StrategyLastWriteWins},
		{"payment", true, conflictkit.StrategyLastWriteWins},
		{"invoice", false, conflictkit.StrategyLastWriteWins},
		{"customer", false, conflictkit.StrategyMergeNonConflicting},
		{"opportunity", false, conflictkit.StrategyMergeNonConflicting},
		{"project", false, conflictkit.StrategyMergeNonConflicting},
		{"location", false, conflictkit.StrategyMergeNonConflicting},
		{"contact", false, conflictkit.StrategyMergeNonConflicting},
		{"Customer", false, conflictkit.StrategyMergeNonConflicting},
		{"timesheet", false, conflictkit.StrategyLastWriteWins},
	}

	resolvers := conflictkit.DefaultResolvers(conflictkit.DefaultEntityPolicy())
	r, ok := resolvers.Lookup(conflictkit.StrategyEntitySpecific)
	require.True(t, ok)

	for _, tt := range tests {
		t.Run(tt.docType, func(t *testing.T) {
			fields := map[string]any{"name": "a"}
			if tt.finalized {
				fields["finalized"] = true
			}
			main := doc("d1", revMain, tt.docType, t0, fields)
			alt := doc("d1", revAlt1, tt.docType, t0, map[string]any{"name": "b"})

			plan, err := r.Resolve(context.Background(), input(main, alt))
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.Strategy)
			require.NotEmpty(t, plan.Reasons)
			assert.Contains(t, plan.Reasons[0], string(tt.want))
		})
	}
}

func TestEntityPolicy_StrictFinalized(t *testing.T) {
	p, err := conflictkit.BuildEntityPolicy(conflictkit.PolicyConfig{
		FinalizedStrategy: "escalate_to_admin",
	})
	require.NoError(t, err)

	invoice := doc("i1", revMain, "invoice", t0, map[string]any{"finalized": true})
	got, rule := p.Route(invoice)
	assert.Equal(t, conflictkit.StrategyEscalateToAdmin, got)
	assert.Equal(t, conflictkit.RuleFinalizedFinancial, rule)

	draft := doc("i2", revMain, "invoice", t0, map[string]any{"finalized": false})
	got, rule = p.Route(draft)
	assert.Equal(t, conflictkit.StrategyLastWriteWins, got)
	assert.Equal(t, conflictkit.RuleDefault, rule)
}

func TestEntityPolicy_CustomRulesFirst(t *testing.T) {
	yes := true
	p, err := conflictkit.BuildEntityPolicy(conflictkit.PolicyConfig{
		MergeableTypes:  []string{"customer"},
		DefaultStrategy: "escalate",
		Rules: []conflictkit.PolicyRuleConfig{
			{Name: "vip", Types: []string{"customer"}, Finalized: &yes, Strategy: "user_decides"},
			{Name: "notes", Types: []string{"note"}, Strategy: "merge"},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		docType   string
		finalized bool
		want      conflictkit.Strategy
		rule      string
	}{
		{"custom finalized", "customer", true, conflictkit.StrategyUserDecides, "vip"},
		{"builtin mergeable", "customer", false, conflictkit.StrategyMergeNonConflicting, conflictkit.RuleMergeable},
		{"custom type", "note", false, conflictkit.StrategyMergeNonConflicting, "notes"},
		{"contact not mergeable here", "contact", false, conflictkit.StrategyEscalateToAdmin, conflictkit.RuleDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := doc("x", revMain, tt.docType, t0, map[string]any{"finalized": tt.finalized})
			got, rule := p.Route(d)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestEntityPolicy_Validation(t *testing.T) {
	_, err := conflictkit.NewEntityPolicy(conflictkit.WithDefaultStrategy(conflictkit.StrategyEntitySpecific))
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))

	_, err = conflictkit.NewEntityPolicy(conflictkit.WithTypeRule("bad", conflictkit.Strategy("coin_flip"), "invoice"))
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedStrategy))

	_, err = conflictkit.NewEntityPolicy(conflictkit.WithEntityRule("nil", nil, conflictkit.StrategyLastWriteWins))
	assert.Error(t, err)

	_, err = conflictkit.BuildEntityPolicy(conflictkit.PolicyConfig{
		Rules: []conflictkit.PolicyRuleConfig{{Name: "empty", Strategy: "lww"}},
	})
	assert.Error(t, err)
}

func TestSpecCombinators(t *testing.T) {
	inv := doc("i1", revMain, "invoice", t0, map[string]any{"finalized": true})
	cust := doc("c1", revMain, "customer", t0, nil)

	assert.True(t, conflictkit.And(conflictkit.TypeIs("INVOICE"), conflictkit.FlagSet("finalized"))(inv))
	assert.False(t, conflictkit.And(conflictkit.TypeIs("invoice"), conflictkit.FlagSet("finalized"))(cust))
	assert.True(t, conflictkit.Or(conflictkit.TypeIs("invoice"), conflictkit.TypeIs("customer"))(cust))
	assert.True(t, conflictkit.Not(conflictkit.FlagSet("finalized"))(cust))
	assert.True(t, conflictkit.Always()(cust))
	assert.False(t, conflictkit.And(nil, conflictkit.Always())(cust))
}
