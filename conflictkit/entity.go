package conflictkit

import (
	"fmt"
	"strings"

	"github.com/c0deZ3R0/go-conflict-kit/document"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

// Built-in routing defaults.
var (
	DefaultFinancialTypes = []string{"invoice", "payment"}
	DefaultMergeableTypes = []string{"customer", "opportunity", "project", "location", "contact"}
)

// Names of the built-in rules and the fallback, as reported in plan reasons.
const (
	RuleFinalizedFinancial = "finalized-financial"
	RuleMergeable          = "mergeable-types"
	RuleDefault            = "default"
)

// EntityRule binds a matcher to a target strategy. Rules are evaluated in
// insertion order with first-match-wins semantics.
type EntityRule struct {
	Name     string
	Matcher  Spec
	Strategy Strategy
}

// EntityPolicy routes a document to a strategy by its type and flags.
type EntityPolicy struct {
	rules    []EntityRule
	fallback Strategy
}

type policyOptions struct {
	rules    []EntityRule
	fallback Strategy
}

// PolicyOption configures an EntityPolicy.
type PolicyOption interface{ apply(*policyOptions) }

type policyOptionFn func(*policyOptions)

func (f policyOptionFn) apply(o *policyOptions) { f(o) }

// WithEntityRule appends a rule.
func WithEntityRule(name string, matcher Spec, target Strategy) PolicyOption {
	return policyOptionFn(func(o *policyOptions) {
		o.rules = append(o.rules, EntityRule{Name: name, Matcher: matcher, Strategy: target})
	})
}

// WithTypeRule is a convenience helper for matching by document type.
func WithTypeRule(name string, target Strategy, types ...string) PolicyOption {
	return WithEntityRule(name, TypeIn(types...), target)
}

// WithDefaultStrategy sets the strategy used when no rule matches.
func WithDefaultStrategy(s Strategy) PolicyOption {
	return policyOptionFn(func(o *policyOptions) { o.fallback = s })
}

// NewEntityPolicy validates and builds a policy. Every target must be a
// supported strategy other than entity_specific.
func NewEntityPolicy(opts ...PolicyOption) (*EntityPolicy, error) {
	cfg := &policyOptions{fallback: StrategyLastWriteWins}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("rule %q at index %d has nil matcher", r.Name, i))
		}
		if err := validateTarget(r.Strategy); err != nil {
			return nil, err
		}
	}
	if err := validateTarget(cfg.fallback); err != nil {
		return nil, err
	}
	return &EntityPolicy{rules: cfg.rules, fallback: cfg.fallback}, nil
}

func validateTarget(s Strategy) error {
	if !s.Valid() {
		return errors.NewUnsupportedStrategyError(errors.OpConfig, string(s))
	}
	if s == StrategyEntitySpecific {
		return errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("entity policy cannot route to %s", s))
	}
	return nil
}

// DefaultEntityPolicy returns the built-in routing: finalized financial
// records use last-write-wins, mergeable types merge, everything else uses
// last-write-wins.
func DefaultEntityPolicy() *EntityPolicy {
	p, err := BuildEntityPolicy(PolicyConfig{})
	if err != nil {
		panic(err)
	}
	return p
}

// Route returns the target strategy for doc and the name of the rule that
// selected it.
func (p *EntityPolicy) Route(doc *document.Document) (Strategy, string) {
	for _, r := range p.rules {
		if r.Matcher(doc) {
			return r.Strategy, r.Name
		}
	}
	return p.fallback, RuleDefault
}

// Rules returns a copy of the rule list.
func (p *EntityPolicy) Rules() []EntityRule {
	return append([]EntityRule(nil), p.rules...)
}

// PolicyConfig is the declarative form of an EntityPolicy.
type PolicyConfig struct {
	FinancialTypes    []string           `json:"financial_types,omitempty" yaml:"financial_types,omitempty"`
	MergeableTypes    []string           `json:"mergeable_types,omitempty" yaml:"mergeable_types,omitempty"`
	FinalizedField    string             `json:"finalized_field,omitempty" yaml:"finalized_field,omitempty"`
	FinalizedStrategy string             `json:"finalized_strategy,omitempty" yaml:"finalized_strategy,omitempty"`
	DefaultStrategy   string             `json:"default_strategy,omitempty" yaml:"default_strategy,omitempty"`
	Rules             []PolicyRuleConfig `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// PolicyRuleConfig is a custom rule evaluated before the built-ins. A nil
// Finalized matches regardless of the flag.
type PolicyRuleConfig struct {
	Name      string   `json:"name" yaml:"name"`
	Types     []string `json:"types" yaml:"types"`
	Finalized *bool    `json:"finalized,omitempty" yaml:"finalized,omitempty"`
	Strategy  string   `json:"strategy" yaml:"strategy"`
}

// BuildEntityPolicy turns cfg into a policy, filling defaults for empty
// fields.
func BuildEntityPolicy(cfg PolicyConfig) (*EntityPolicy, error) {
	financial := cfg.FinancialTypes
	if len(financial) == 0 {
		financial = DefaultFinancialTypes
	}
	mergeable := cfg.MergeableTypes
	if len(mergeable) == 0 {
		mergeable = DefaultMergeableTypes
	}
	field := cfg.FinalizedField
	if field == "" {
		field = document.FieldFinalized
	}
	finalized, err := parseOr(cfg.FinalizedStrategy, StrategyLastWriteWins)
	if err != nil {
		return nil, err
	}
	fallback, err := parseOr(cfg.DefaultStrategy, StrategyLastWriteWins)
	if err != nil {
		return nil, err
	}

	opts := make([]PolicyOption, 0, len(cfg.Rules)+3)
	for i, rc := range cfg.Rules {
		if len(rc.Types) == 0 {
			return nil, errors.NewConfigurationError(errors.OpConfig, fmt.Errorf("rule %d (%s) has no types", i, rc.Name))
		}
		target, err := ParseStrategy(rc.Strategy)
		if err != nil {
			return nil, err
		}
		name := rc.Name
		if name == "" {
			name = "rule-" + strings.Join(rc.Types, ",")
		}
		matcher := TypeIn(rc.Types...)
		if rc.Finalized != nil {
			flag := FlagSet(field)
			if !*rc.Finalized {
				flag = Not(flag)
			}
			matcher = And(matcher, flag)
		}
		opts = append(opts, WithEntityRule(name, matcher, target))
	}
	opts = append(opts,
		WithEntityRule(RuleFinalizedFinancial, And(TypeIn(financial...), FlagSet(field)), finalized),
		WithTypeRule(RuleMergeable, StrategyMergeNonConflicting, mergeable...),
		WithDefaultStrategy(fallback),
	)
	return NewEntityPolicy(opts...)
}

func parseOr(tag string, def Strategy) (Strategy, error) {
	if strings.TrimSpace(tag) == "" {
		return def, nil
	}
	return ParseStrategy(tag)
}
