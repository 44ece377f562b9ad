package conflictkit

import (
	"fmt"
	"strings"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

// Strategy tags one of the closed set of resolution policies.
type Strategy string

const (
	StrategyLastWriteWins       Strategy = "last_write_wins"
	StrategyMergeNonConflicting Strategy = "merge_non_conflicting"
	StrategyUserDecides         Strategy = "user_decides"
	StrategyEscalateToAdmin     Strategy = "escalate_to_admin"
	StrategyEntitySpecific      Strategy = "entity_specific"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{
	StrategyLastWriteWins,
	StrategyMergeNonConflicting,
	StrategyUserDecides,
	StrategyEscalateToAdmin,
	StrategyEntitySpecific,
}

var strategyAliases = map[string]Strategy{
	"last_write_wins":       StrategyLastWriteWins,
	"lww":                   StrategyLastWriteWins,
	"merge_non_conflicting": StrategyMergeNonConflicting,
	"merge":                 StrategyMergeNonConflicting,
	"user_decides":          StrategyUserDecides,
	"user":                  StrategyUserDecides,
	"escalate_to_admin":     StrategyEscalateToAdmin,
	"escalate":              StrategyEscalateToAdmin,
	"manual":                StrategyEscalateToAdmin,
	"entity_specific":       StrategyEntitySpecific,
	"entity":                StrategyEntitySpecific,
}

// ParseStrategy maps a tag or alias to a Strategy. Dashes are accepted in
// place of underscores.
func ParseStrategy(s string) (Strategy, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if st, ok := strategyAliases[key]; ok {
		return st, nil
	}
	return "", errors.NewUnsupportedStrategyError(errors.OpConfig, s)
}

// Valid reports whether s is one of the supported strategies.
func (s Strategy) Valid() bool {
	for _, st := range Strategies {
		if s == st {
			return true
		}
	}
	return false
}

func (s Strategy) String() string { return string(s) }

// Choice is the caller's decision for the user_decides strategy.
type Choice string

const (
	ChoiceNone   Choice = ""
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// ParseChoice accepts "local" or "remote"; an empty string is ChoiceNone.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToLower(strings.TrimSpace(s))); c {
	case ChoiceNone, ChoiceLocal, ChoiceRemote:
		return c, nil
	default:
		return ChoiceNone, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("invalid choice %q: want local or remote", s))
	}
}

// Resolution describes the outcome of a resolution.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
	ResolutionManual Resolution = "manual"
)
