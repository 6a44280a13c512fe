// Package detect computes stable content hashes for record payloads so the
// pipeline can tell real changes from no-ops, and field-level diffs for the
// version lineage.
package detect

import (
	"fmt"
	"slices"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultVolatileFields are bookkeeping fields that change on every pass
// through a pipeline and never participate in hashes or diffs.
var DefaultVolatileFields = []string{
	"processed_at",
	"ingested_at",
	"pipeline_version",
	"_meta",
}

// Detector hashes and diffs payloads, ignoring volatile top-level fields.
//
// A Detector is immutable after construction and safe for concurrent use.
type Detector struct {
	volatile map[string]struct{}
}

// New creates a Detector that ignores DefaultVolatileFields plus extra.
func New(extra ...string) *Detector {
	d := &Detector{volatile: make(map[string]struct{})}
	for _, f := range DefaultVolatileFields {
		d.volatile[f] = struct{}{}
	}
	for _, f := range extra {
		d.volatile[f] = struct{}{}
	}
	return d
}

// IsVolatile reports whether field is excluded from hashing.
func (d *Detector) IsVolatile(field string) bool {
	_, ok := d.volatile[field]
	return ok
}

// VolatileFields returns the excluded field names, sorted.
func (d *Detector) VolatileFields() []string {
	out := make([]string, 0, len(d.volatile))
	for f := range d.volatile {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Significant returns the payload without volatile fields. The result
// shares values with p.
func (d *Detector) Significant(p ir.Payload) ir.Payload {
	out := make(ir.Payload, len(p))
	for k, v := range p {
		if d.IsVolatile(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Canonical returns the canonical JSON of the significant fields.
func (d *Detector) Canonical(p ir.Payload) ([]byte, error) {
	data, err := ir.MarshalCanonical(d.Significant(p))
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return data, nil
}

// Hash returns the content hash of p: SHA-256 with domain separation over
// the canonical JSON of its significant fields. Key order, Unicode
// normalization form and Int/Float spelling of integral numbers do not
// affect the result.
func (d *Detector) Hash(p ir.Payload) (string, error) {
	data, err := d.Canonical(p)
	if err != nil {
		return "", err
	}
	return ir.HashWithDomain(ir.DomainContent, data), nil
}

// Unchanged reports whether hash matches the snapshot's content hash.
// A nil snapshot is never unchanged.
func Unchanged(snapshot *ir.RecordSnapshot, hash string) bool {
	return snapshot != nil && snapshot.ContentHash == hash
}

// Diff returns the field-level changes from before to after. Added fields
// have a nil Old, removed fields a nil New. Volatile fields are ignored. A
// nil before payload reports every significant field as added.
func (d *Detector) Diff(before, after ir.Payload) map[string]ir.FieldChange {
	changes := make(map[string]ir.FieldChange)
	for k, nv := range after {
		if d.IsVolatile(k) {
			continue
		}
		ov, ok := before[k]
		if !ok {
			changes[k] = ir.FieldChange{New: nv}
			continue
		}
		if !ir.Equal(ov, nv) {
			changes[k] = ir.FieldChange{Old: ov, New: nv}
		}
	}
	for k, ov := range before {
		if d.IsVolatile(k) {
			continue
		}
		if _, ok := after[k]; !ok {
			changes[k] = ir.FieldChange{Old: ov}
		}
	}
	return changes
}

// Overlay returns base with every field of patch written over it. It is the
// record state an update would produce if nothing conflicted, which makes
// hash(Overlay(snapshot, event)) == snapshot hash the no-op test for
// partial updates. The result shares values with its inputs.
func Overlay(base, patch ir.Payload) ir.Payload {
	out := make(ir.Payload, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
