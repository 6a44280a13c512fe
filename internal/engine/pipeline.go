package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/yangjrun/novellus-sub001/internal/apply"
	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/detect"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// process runs ev through every pipeline stage. The caller holds the
// record's ticket. A panic in any stage is returned as a PanicError.
func (e *Engine) process(ctx context.Context, ev ir.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panic recovered",
				"event_id", ev.EventID,
				"record_id", ev.RecordID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = &PanicError{Value: r}
		}
	}()

	ev, err = e.prepare(ev)
	if err != nil {
		return err
	}

	snapshot := e.versions.Current(ev.RecordID)
	if snapshot != nil {
		hash, err := e.detector.Hash(detect.Overlay(snapshot.Payload, ev.Payload))
		if err != nil {
			return &StageError{Stage: StageValidate, EventID: ev.EventID, Err: e.invalid(ev, "%v", err)}
		}
		if detect.Unchanged(snapshot, hash) {
			e.noChange(ev)
			return nil
		}
	}

	res := e.resolver.Resolve(snapshot, ev)
	v, err := e.versions.CreateVersion(ev.RecordID, res.Payload, snapshot, ev)
	if err != nil {
		return &StageError{Stage: StageVersion, EventID: ev.EventID, Err: err}
	}
	if detect.Unchanged(snapshot, v.ContentHash) {
		// Every differing field resolved to the stored value.
		e.recordConflicts(ctx, ev, res.Conflicts)
		e.noChange(ev)
		return nil
	}

	snap := ir.RecordSnapshot{
		RecordID:    ev.RecordID,
		ContentType: ev.ContentType,
		ContentHash: v.ContentHash,
		VersionID:   v.VersionID,
		Timestamp:   ev.Timestamp,
		Payload:     res.Payload,
		Provisional: res.Provisional,
	}
	change := ir.ChangeInsert
	if snapshot != nil {
		change = ir.ChangeUpdate
		if snap.ContentType == "" {
			snap.ContentType = snapshot.ContentType
		}
		if snapshot.Timestamp.After(snap.Timestamp) {
			snap.Timestamp = snapshot.Timestamp
		}
	}

	results := e.applier.Apply(ctx, snap, change)
	e.metrics.ApplyDuration.WithLabelValues(apply.StoreRelational).Observe(results.Relational.Duration.Seconds())
	e.metrics.ApplyDuration.WithLabelValues(apply.StoreDocument).Observe(results.Document.Duration.Seconds())
	if err := results.Err(); err != nil {
		return &StageError{Stage: StageApply, EventID: ev.EventID, Err: err}
	}

	if err := e.versions.Commit(ctx, snap, v); err != nil {
		return &StageError{Stage: StageCommit, EventID: ev.EventID, Err: err}
	}

	e.recordConflicts(ctx, ev, res.Conflicts)
	e.verify(ctx, snap)
	e.metrics.EventsProcessed.Inc()

	e.logger.Debug("event applied",
		"event_id", ev.EventID,
		"record_id", ev.RecordID,
		"version_id", v.VersionID,
		"change", change,
		"changed_fields", len(v.Changes),
		"conflicts", len(res.Conflicts))
	return nil
}

// prepare runs the transform boundary and validates the result.
func (e *Engine) prepare(ev ir.ChangeEvent) (ir.ChangeEvent, error) {
	if strings.TrimSpace(ev.RecordID) == "" {
		return ev, &StageError{Stage: StageValidate, EventID: ev.EventID, Err: e.invalid(ev, "record_id is required")}
	}

	payload, err := e.normalizer.Normalize(ev.ContentType, ev.Payload)
	if err != nil {
		return ev, &StageError{Stage: StageNormalize, EventID: ev.EventID, Err: e.invalid(ev, "%v", err)}
	}
	payload, err = e.extractor.Extract(ev.ContentType, payload)
	if err != nil {
		return ev, &StageError{Stage: StageExtract, EventID: ev.EventID, Err: e.invalid(ev, "%v", err)}
	}
	if payload == nil {
		payload = ir.Payload{}
	}
	if _, err := e.detector.Hash(payload); err != nil {
		return ev, &StageError{Stage: StageValidate, EventID: ev.EventID, Err: e.invalid(ev, "%v", err)}
	}

	ev.Payload = payload
	return ev, nil
}

func (e *Engine) invalid(ev ir.ChangeEvent, format string, args ...any) *ir.PipelineError {
	pe := ir.NewValidationError(ev.RecordID, format, args...)
	pe.EventID = ev.EventID
	return pe
}

func (e *Engine) noChange(ev ir.ChangeEvent) {
	e.metrics.EventsNoChange.Inc()
	e.logger.Debug("event skipped: content unchanged",
		"event_id", ev.EventID,
		"record_id", ev.RecordID)
}

// recordConflicts appends conflicts to the log and counts them. The log is
// written only after a successful commit, so a retried event never logs
// the same conflict twice.
func (e *Engine) recordConflicts(ctx context.Context, ev ir.ChangeEvent, conflicts []ir.ConflictRecord) {
	if len(conflicts) == 0 {
		return
	}
	if err := e.conflicts.Append(ctx, conflicts...); err != nil {
		e.logger.Error("append conflicts",
			"event_id", ev.EventID,
			"record_id", ev.RecordID,
			"error", err)
	}
	for _, c := range conflicts {
		e.metrics.ConflictsDetected.WithLabelValues(string(c.Strategy)).Inc()
		if c.Resolved {
			e.metrics.ConflictsResolved.WithLabelValues(string(c.Strategy)).Inc()
			continue
		}
		e.logger.Warn("conflict awaits manual review",
			"warning", ir.NewUnresolvedConflictWarning(c).Error(),
			"conflict_id", c.ConflictID,
			"record_id", c.RecordID,
			"field", c.FieldName)
	}
}

// verify checks both stores against the committed hash. Mismatches are
// counted and left for Reconcile; they never fail the event.
func (e *Engine) verify(ctx context.Context, snap ir.RecordSnapshot) {
	ok, err := e.applier.Verify(ctx, snap.RecordID, snap.ContentHash)
	if err != nil {
		e.logger.Warn("consistency check failed",
			"record_id", snap.RecordID,
			"error", err)
		return
	}
	if !ok {
		e.metrics.ConsistencyMismatches.Inc()
	}
}

// ResolveConflict settles a manual-review conflict with value. The value
// is written to the record as a new version through both stores, the
// field stops being provisional, and the conflict log entry is marked
// resolved.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, value ir.Value) (ir.ConflictRecord, error) {
	rec, ok := e.conflicts.Get(conflictID)
	if !ok {
		return ir.ConflictRecord{}, fmt.Errorf("resolve %s: %w", conflictID, conflict.ErrNotFound)
	}
	if rec.Resolved {
		return rec, fmt.Errorf("resolve %s: %w", conflictID, conflict.ErrAlreadyResolved)
	}
	if value == nil {
		value = ir.Null{}
	}

	unlock := e.versions.Lock(rec.RecordID)
	defer unlock()

	snapshot := e.versions.Current(rec.RecordID)
	if snapshot == nil {
		return ir.ConflictRecord{}, fmt.Errorf("resolve %s: record %s has no snapshot", conflictID, rec.RecordID)
	}

	now := e.clock.Now()
	payload := snapshot.Payload.Clone()
	payload[rec.FieldName] = ir.CloneValue(value)

	provisional := e.stillProvisional(snapshot, rec)
	ev := ir.ChangeEvent{
		EventID:     e.ids.Generate(),
		RecordID:    rec.RecordID,
		ContentType: snapshot.ContentType,
		Timestamp:   now,
		Payload:     payload,
		Source:      "manual_review",
	}

	v, err := e.versions.CreateVersion(rec.RecordID, payload, snapshot, ev)
	if err != nil {
		return ir.ConflictRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	changed := !detect.Unchanged(snapshot, v.ContentHash) || len(provisional) != len(snapshot.Provisional)
	if changed {
		snap := ir.RecordSnapshot{
			RecordID:    rec.RecordID,
			ContentType: snapshot.ContentType,
			ContentHash: v.ContentHash,
			VersionID:   v.VersionID,
			Timestamp:   now,
			Payload:     payload,
			Provisional: provisional,
		}
		if err := e.applier.Apply(ctx, snap, ir.ChangeUpdate).Err(); err != nil {
			return ir.ConflictRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
		}
		if err := e.versions.Commit(ctx, snap, v); err != nil {
			return ir.ConflictRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
		}
		e.verify(ctx, snap)
	}

	resolved, err := e.conflicts.MarkResolved(ctx, conflictID, value, now)
	if err != nil {
		return ir.ConflictRecord{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	e.metrics.ConflictsResolved.WithLabelValues(string(rec.Strategy)).Inc()
	e.logger.Info("conflict resolved manually",
		"conflict_id", conflictID,
		"record_id", rec.RecordID,
		"field", rec.FieldName)
	return resolved, nil
}

// stillProvisional returns the snapshot's provisional fields without
// rec's field, unless another unresolved conflict still covers it.
func (e *Engine) stillProvisional(snapshot *ir.RecordSnapshot, rec ir.ConflictRecord) []string {
	for _, other := range e.conflicts.ForRecord(rec.RecordID) {
		if other.ConflictID != rec.ConflictID && !other.Resolved && other.FieldName == rec.FieldName {
			return snapshot.Provisional
		}
	}
	var out []string
	for _, f := range snapshot.Provisional {
		if f != rec.FieldName {
			out = append(out, f)
		}
	}
	return out
}
