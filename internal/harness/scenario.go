package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yangjrun/novellus-sub001/internal/backend/memory"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultStart is the clock start for scenarios that do not set one.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario defines a conformance test scenario.
// Events are submitted one at a time and each is allowed to settle (be
// applied, skipped or dead-lettered) before the next, which makes the
// trace deterministic.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the manual clock's initial time; event offsets are
	// relative to it.
	Start time.Time `yaml:"start,omitempty"`

	// Policy configures conflict resolution.
	Policy PolicySpec `yaml:"policy,omitempty"`

	// MaxRetries overrides the default retry budget of 3.
	MaxRetries *int `yaml:"max_retries,omitempty"`

	// VolatileFields are excluded from hashing and conflict detection.
	VolatileFields []string `yaml:"volatile_fields,omitempty"`

	// Faults are injected into the in-memory stores before any event.
	Faults []Fault `yaml:"faults,omitempty"`

	// Steps run in order. Each is either an event or a manual resolution.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// PolicySpec is the YAML form of conflict.Policy.
type PolicySpec struct {
	DefaultStrategy ir.Strategy                   `yaml:"default_strategy,omitempty"`
	SensitiveFields []string                      `yaml:"sensitive_fields,omitempty"`
	Fields          map[string]conflict.FieldRule `yaml:"fields,omitempty"`
}

// Policy converts the scenario policy, defaulting to LatestWins.
func (p PolicySpec) Policy() conflict.Policy {
	policy := conflict.Policy{
		DefaultStrategy: p.DefaultStrategy,
		SensitiveFields: p.SensitiveFields,
		Fields:          p.Fields,
	}
	if policy.DefaultStrategy == "" {
		policy.DefaultStrategy = ir.StrategyLatestWins
	}
	return policy
}

// Fault makes one store operation fail.
type Fault struct {
	// Store is "relational" or "document".
	Store string `yaml:"store"`

	// Op is the store operation: upsert, update, get, merge or find.
	Op string `yaml:"op"`

	// Times is how many calls fail; 0 fails every call.
	Times int `yaml:"times,omitempty"`

	// Error is the error message returned by failing calls.
	Error string `yaml:"error,omitempty"`
}

// Step is one scenario step. Exactly one of Event and Resolve is set.
type Step struct {
	Event   *EventStep   `yaml:"event,omitempty"`
	Resolve *ResolveStep `yaml:"resolve,omitempty"`
}

// EventStep submits one change event.
type EventStep struct {
	ID          string         `yaml:"id"`
	RecordID    string         `yaml:"record_id"`
	ContentType string         `yaml:"content_type,omitempty"`
	Source      string         `yaml:"source,omitempty"`
	At          time.Duration  `yaml:"at,omitempty"`
	Payload     map[string]any `yaml:"payload"`
	MaxRetries  *int           `yaml:"max_retries,omitempty"`
}

// ResolveStep settles a manual-review conflict.
type ResolveStep struct {
	Conflict string        `yaml:"conflict"`
	At       time.Duration `yaml:"at,omitempty"`
	Value    any           `yaml:"value"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type selects the check; see the Assert* constants.
	Type string `yaml:"type"`

	RecordID string `yaml:"record_id,omitempty"`
	EventID  string `yaml:"event_id,omitempty"`
	Field    string `yaml:"field,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	Entry    string `yaml:"entry,omitempty"`

	// Count is the expected number of matches for the *_count types.
	Count int `yaml:"count,omitempty"`

	// Unresolved restricts conflict_count to unresolved conflicts.
	Unresolved bool `yaml:"unresolved,omitempty"`

	// Expect holds expected field values. Subset match: only the listed
	// fields are compared.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Provisional is the expected provisional field list of a snapshot.
	Provisional []string `yaml:"provisional,omitempty"`

	// Events is the expected application order for trace_order.
	Events []string `yaml:"events,omitempty"`
}

// Assertion type constants.
const (
	AssertSnapshot        = "snapshot"
	AssertVersionCount    = "version_count"
	AssertConflict        = "conflict"
	AssertConflictCount   = "conflict_count"
	AssertDeadLetter      = "dead_letter"
	AssertDeadLetterCount = "dead_letter_count"
	AssertTraceCount      = "trace_count"
	AssertTraceOrder      = "trace_order"
	AssertConsistent      = "consistent"
)

var validStores = map[string]bool{"relational": true, "document": true}

var validOps = map[memory.Op]bool{
	memory.OpUpsert: true,
	memory.OpUpdate: true,
	memory.OpGet:    true,
	memory.OpMerge:  true,
	memory.OpFind:   true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Start.IsZero() {
		scenario.Start = DefaultStart
	}
	scenario.Start = scenario.Start.UTC()
	return &scenario, nil
}

// LoadScenarioDir loads every *.yaml file in dir, sorted by file name.
func LoadScenarioDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, path := range paths {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, ok := names[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", path, s.Name, prev)
		}
		names[s.Name] = path
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if err := s.Policy.Policy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	for i, f := range s.Faults {
		if !validStores[f.Store] {
			return fmt.Errorf("faults[%d]: unknown store %q", i, f.Store)
		}
		if !validOps[memory.Op(f.Op)] {
			return fmt.Errorf("faults[%d]: unknown op %q", i, f.Op)
		}
		if f.Times < 0 {
			return fmt.Errorf("faults[%d]: times must be non-negative", i)
		}
	}

	for i, step := range s.Steps {
		switch {
		case step.Event != nil && step.Resolve != nil:
			return fmt.Errorf("steps[%d]: event and resolve are mutually exclusive", i)
		case step.Event != nil:
			if step.Event.ID == "" {
				return fmt.Errorf("steps[%d].event: id is required", i)
			}
			if step.Event.Payload == nil {
				return fmt.Errorf("steps[%d].event: payload is required (use empty map if no fields)", i)
			}
			if step.Event.At < 0 {
				return fmt.Errorf("steps[%d].event: at must be non-negative", i)
			}
		case step.Resolve != nil:
			if step.Resolve.Conflict == "" {
				return fmt.Errorf("steps[%d].resolve: conflict is required", i)
			}
		default:
			return fmt.Errorf("steps[%d]: one of event or resolve is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertSnapshot:
		if a.RecordID == "" {
			return fmt.Errorf("assertions[%d]: record_id is required for snapshot", index)
		}
		if len(a.Expect) == 0 && a.Provisional == nil {
			return fmt.Errorf("assertions[%d]: expect or provisional is required for snapshot", index)
		}
	case AssertVersionCount:
		if a.RecordID == "" {
			return fmt.Errorf("assertions[%d]: record_id is required for version_count", index)
		}
	case AssertConflict:
		if a.Field == "" {
			return fmt.Errorf("assertions[%d]: field is required for conflict", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for conflict", index)
		}
	case AssertDeadLetter:
		if a.EventID == "" {
			return fmt.Errorf("assertions[%d]: event_id is required for dead_letter", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for dead_letter", index)
		}
	case AssertTraceCount:
		if a.Entry == "" {
			return fmt.Errorf("assertions[%d]: entry is required for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertConflictCount, AssertDeadLetterCount, AssertConsistent:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
