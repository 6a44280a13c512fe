package conflict

import (
	"fmt"
	"slices"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// FieldKind declares how a field's value is shaped, which decides what the
// merge-capable strategies can do with it.
type FieldKind string

const (
	// KindScalar is any plain value; only precedence strategies apply.
	KindScalar FieldKind = "scalar"
	// KindConfidence is a numeric confidence score.
	KindConfidence FieldKind = "confidence"
	// KindScoredList is a list of objects identified by KeyField and
	// scored by ScoreField, e.g. extracted entity mentions.
	KindScoredList FieldKind = "scored_list"
	// KindStringSet is an unordered collection such as an alias list.
	KindStringSet FieldKind = "string_set"
	// KindObjectMap is a key-value map such as a relationship table.
	KindObjectMap FieldKind = "object_map"
)

// Defaults for scored lists.
const (
	DefaultKeyField   = "name"
	DefaultScoreField = "confidence"
)

var validKinds = map[FieldKind]bool{
	KindScalar:     true,
	KindConfidence: true,
	KindScoredList: true,
	KindStringSet:  true,
	KindObjectMap:  true,
}

// FieldRule is the merge rule declared for one known field name.
type FieldRule struct {
	Kind       FieldKind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Strategy   ir.Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	KeyField   string      `json:"key_field,omitempty" yaml:"key_field,omitempty"`
	ScoreField string      `json:"score_field,omitempty" yaml:"score_field,omitempty"`
}

// Policy selects the resolution strategy and merge rule for each field.
type Policy struct {
	// DefaultStrategy applies to fields without a per-field override.
	DefaultStrategy ir.Strategy

	// SensitiveFields limits conflict detection to the named fields. Empty
	// means every field present on both sides is sensitive.
	SensitiveFields []string

	// Fields holds per-field rules keyed by field name.
	Fields map[string]FieldRule
}

// DefaultPolicy resolves every field with LatestWins.
func DefaultPolicy() Policy {
	return Policy{DefaultStrategy: ir.StrategyLatestWins}
}

// Validate reports unknown strategies and kinds.
func (p Policy) Validate() error {
	if !ir.ValidStrategies[p.DefaultStrategy] {
		return fmt.Errorf("unknown default strategy %q", p.DefaultStrategy)
	}
	for name, rule := range p.Fields {
		if rule.Strategy != "" && !ir.ValidStrategies[rule.Strategy] {
			return fmt.Errorf("field %q: unknown strategy %q", name, rule.Strategy)
		}
		if rule.Kind != "" && !validKinds[rule.Kind] {
			return fmt.Errorf("field %q: unknown kind %q", name, rule.Kind)
		}
	}
	return nil
}

// StrategyFor returns the strategy that resolves conflicts on field.
func (p Policy) StrategyFor(field string) ir.Strategy {
	if rule, ok := p.Fields[field]; ok && rule.Strategy != "" {
		return rule.Strategy
	}
	if p.DefaultStrategy == "" {
		return ir.StrategyLatestWins
	}
	return p.DefaultStrategy
}

// RuleFor returns the rule for field with scored-list defaults filled in.
// Fields without a rule have an empty Kind, which lets HighestConfidence
// treat two numeric values as scores.
func (p Policy) RuleFor(field string) FieldRule {
	rule := p.Fields[field]
	if rule.KeyField == "" {
		rule.KeyField = DefaultKeyField
	}
	if rule.ScoreField == "" {
		rule.ScoreField = DefaultScoreField
	}
	return rule
}

// IsSensitive reports whether field participates in conflict detection.
func (p Policy) IsSensitive(field string) bool {
	if len(p.SensitiveFields) == 0 {
		return true
	}
	return slices.Contains(p.SensitiveFields, field)
}
