// Package conflict detects divergent concurrent edits to the same record
// and resolves them field by field with a pluggable strategy.
package conflict

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// IDGenerator produces conflict identifiers.
type IDGenerator interface {
	Generate() string
}

// Clock supplies detection and resolution timestamps.
type Clock interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Resolution is the outcome of resolving one event against a snapshot.
type Resolution struct {
	// Payload is the full resolved record state to version and apply.
	Payload ir.Payload

	// Conflicts holds one record per differing sensitive field, with
	// Resolved and ResolvedValue filled in.
	Conflicts []ir.ConflictRecord

	// Provisional lists fields whose value awaits manual review, sorted.
	Provisional []string
}

// Unresolved returns the conflicts left for manual review.
func (r Resolution) Unresolved() []ir.ConflictRecord {
	var out []ir.ConflictRecord
	for _, c := range r.Conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	return out
}

// Resolver runs conflict detection and resolution.
//
// A Resolver holds no mutable state and is safe for concurrent use.
type Resolver struct {
	policy Policy
	ignore func(field string) bool
	ids    IDGenerator
	clock  Clock
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithIDGenerator sets the conflict ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Resolver) {
		r.ids = g
	}
}

// WithClock sets the clock used for DetectedAt and ResolvedAt.
func WithClock(c Clock) Option {
	return func(r *Resolver) {
		r.clock = c
	}
}

// WithIgnoredFields excludes fields (typically volatile bookkeeping
// fields) from conflict detection.
func WithIgnoredFields(ignore func(field string) bool) Option {
	return func(r *Resolver) {
		r.ignore = ignore
	}
}

// NewResolver creates a Resolver for policy.
func NewResolver(policy Policy, opts ...Option) (*Resolver, error) {
	if policy.DefaultStrategy == "" {
		policy.DefaultStrategy = ir.StrategyLatestWins
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("conflict policy: %w", err)
	}
	r := &Resolver{
		policy: policy,
		ignore: func(string) bool { return false },
		ids:    uuidGenerator{},
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Policy returns the resolver's policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Detect compares ev against the current snapshot and returns one
// unresolved ConflictRecord per sensitive field present on both sides with
// differing values, ordered by field name. A nil snapshot is the insert
// path and never conflicts.
func (r *Resolver) Detect(snapshot *ir.RecordSnapshot, ev ir.ChangeEvent) []ir.ConflictRecord {
	if snapshot == nil {
		return nil
	}

	fields := make([]string, 0, len(ev.Payload))
	for f := range ev.Payload {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	now := r.clock.Now()
	var out []ir.ConflictRecord
	for _, f := range fields {
		if r.ignore(f) || !r.policy.IsSensitive(f) {
			continue
		}
		local, ok := snapshot.Payload[f]
		if !ok {
			continue
		}
		remote := ev.Payload[f]
		if ir.Equal(local, remote) {
			continue
		}
		out = append(out, ir.ConflictRecord{
			ConflictID:  r.ids.Generate(),
			RecordID:    ev.RecordID,
			EventID:     ev.EventID,
			FieldName:   f,
			LocalValue:  local,
			RemoteValue: remote,
			LocalTS:     snapshot.Timestamp,
			RemoteTS:    ev.Timestamp,
			Strategy:    r.policy.StrategyFor(f),
			DetectedAt:  now,
		})
	}
	return out
}

// Resolve produces the resolved record state for ev.
//
// Fields absent from the snapshot are taken from the event, fields absent
// from the event are kept from the snapshot, and conflicting fields get
// the value chosen by their strategy. Fields that were provisional on the
// snapshot stay provisional until resolved manually.
func (r *Resolver) Resolve(snapshot *ir.RecordSnapshot, ev ir.ChangeEvent) Resolution {
	if snapshot == nil {
		return Resolution{Payload: ev.Payload.Clone()}
	}

	payload := snapshot.Payload.Clone()
	if payload == nil {
		payload = make(ir.Payload, len(ev.Payload))
	}
	for f, v := range ev.Payload {
		payload[f] = ir.CloneValue(v)
	}

	conflicts := r.Detect(snapshot, ev)
	provisional := slices.Clone(snapshot.Provisional)
	now := r.clock.Now()
	for i := range conflicts {
		c := &conflicts[i]
		value, resolved := decide(c.Strategy, r.policy.RuleFor(c.FieldName), *c)
		payload[c.FieldName] = ir.CloneValue(value)
		c.ResolvedValue = value
		c.Resolved = resolved
		if resolved {
			at := now
			c.ResolvedAt = &at
		} else if !slices.Contains(provisional, c.FieldName) {
			provisional = append(provisional, c.FieldName)
		}
	}
	slices.Sort(provisional)

	return Resolution{
		Payload:     payload,
		Conflicts:   conflicts,
		Provisional: provisional,
	}
}
