package conflictkit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

func TestParseStrategy(t *testing.T) {
	tests := map[string]conflictkit.Strategy{
		"last_write_wins":       conflictkit.StrategyLastWriteWins,
		"LWW":                   conflictkit.StrategyLastWriteWins,
		"merge-non-conflicting": conflictkit.StrategyMergeNonConflicting,
		"merge":                 conflictkit.StrategyMergeNonConflicting,
		"user":                  conflictkit.StrategyUserDecides,
		"manual":                conflictkit.StrategyEscalateToAdmin,
		" escalate ":            conflictkit.StrategyEscalateToAdmin,
		"entity_specific":       conflictkit.StrategyEntitySpecific,
	}
	for in, want := range tests {
		got, err := conflictkit.ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.True(t, got.Valid())
	}

	_, err := conflictkit.ParseStrategy("first_write_wins")
	assert.ErrorIs(t, err, errors.ErrUnsupportedStrategy)
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedStrategy))
	assert.False(t, conflictkit.Strategy("first_write_wins").Valid())
}

func TestParseChoice(t *testing.T) {
	for in, want := range map[string]conflictkit.Choice{
		"":       conflictkit.ChoiceNone,
		"local":  conflictkit.ChoiceLocal,
		"Remote": conflictkit.ChoiceRemote,
	} {
		got, err := conflictkit.ParseChoice(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := conflictkit.ParseChoice("both")
	assert.True(t, errors.IsKind(err, errors.KindConfiguration))
}
