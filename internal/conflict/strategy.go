package conflict

import (
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// decide applies strategy to one conflict and returns the winning value
// and whether the conflict counts as resolved. Only ManualReview leaves a
// conflict unresolved; its remote value is applied provisionally.
func decide(strategy ir.Strategy, rule FieldRule, c ir.ConflictRecord) (ir.Value, bool) {
	switch strategy {
	case ir.StrategyPreserveOriginal:
		return c.LocalValue, true
	case ir.StrategyManualReview:
		return c.RemoteValue, false
	case ir.StrategyHighestConfidence:
		return highestConfidence(rule, c), true
	case ir.StrategyMergeFields:
		return mergeFields(rule, c), true
	default:
		return latestWins(c), true
	}
}

// latestWins picks the value with the larger timestamp. On a tie the
// remote value wins: it is the newer arrival.
func latestWins(c ir.ConflictRecord) ir.Value {
	if c.LocalTS.After(c.RemoteTS) {
		return c.LocalValue
	}
	return c.RemoteValue
}

func highestConfidence(rule FieldRule, c ir.ConflictRecord) ir.Value {
	switch rule.Kind {
	case KindConfidence, "":
		l, lok := ir.AsNumber(c.LocalValue)
		r, rok := ir.AsNumber(c.RemoteValue)
		if lok && rok {
			return higher(l, r, c)
		}
		if rule.Kind == KindConfidence {
			return latestWins(c)
		}
	case KindScoredList:
		l, lok := c.LocalValue.(ir.Array)
		r, rok := c.RemoteValue.(ir.Array)
		if lok && rok {
			return mergeScoredList(l, r, rule.KeyField, rule.ScoreField)
		}
		return latestWins(c)
	}

	// Objects carrying their own confidence sub-field.
	l, lok := score(c.LocalValue, rule.ScoreField)
	r, rok := score(c.RemoteValue, rule.ScoreField)
	if lok && rok {
		return higher(l, r, c)
	}
	return latestWins(c)
}

// higher returns the value with the larger score, falling back to
// latestWins on a tie.
func higher(local, remote float64, c ir.ConflictRecord) ir.Value {
	switch {
	case local > remote:
		return c.LocalValue
	case remote > local:
		return c.RemoteValue
	}
	return latestWins(c)
}

// score extracts a numeric sub-field from an object value.
func score(v ir.Value, field string) (float64, bool) {
	obj, ok := v.(ir.Object)
	if !ok {
		return 0, false
	}
	return ir.AsNumber(obj[field])
}

// mergeScoredList merges two lists of scored objects by key. For keys
// present on both sides the entry with the higher score wins (remote on a
// tie). Local order is kept; remote-only entries are appended in remote
// order. Entries without a string key are kept from both sides, deduplicated.
func mergeScoredList(local, remote ir.Array, keyField, scoreField string) ir.Array {
	key := func(v ir.Value) (string, bool) {
		obj, ok := v.(ir.Object)
		if !ok {
			return "", false
		}
		s, ok := obj[keyField].(ir.String)
		return string(s), ok
	}

	remoteByKey := make(map[string]ir.Value, len(remote))
	for _, item := range remote {
		if k, ok := key(item); ok {
			remoteByKey[k] = item
		}
	}

	out := make(ir.Array, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(local))
	for _, item := range local {
		k, ok := key(item)
		if !ok {
			out = append(out, item)
			continue
		}
		seen[k] = true
		if r, ok := remoteByKey[k]; ok {
			ls, _ := score(item, scoreField)
			rs, _ := score(r, scoreField)
			if rs >= ls {
				item = r
			}
		}
		out = append(out, item)
	}
	for _, item := range remote {
		k, ok := key(item)
		if ok {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, item)
			continue
		}
		if !containsValue(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func mergeFields(rule FieldRule, c ir.ConflictRecord) ir.Value {
	switch rule.Kind {
	case KindStringSet:
		l, lok := c.LocalValue.(ir.Array)
		r, rok := c.RemoteValue.(ir.Array)
		if lok && rok {
			return union(l, r)
		}
	case KindObjectMap:
		l, lok := c.LocalValue.(ir.Object)
		r, rok := c.RemoteValue.(ir.Object)
		if lok && rok {
			out := l.Clone()
			for k, v := range r {
				out[k] = ir.CloneValue(v)
			}
			return out
		}
	}
	return latestWins(c)
}

// union returns local followed by the remote items it does not contain.
func union(local, remote ir.Array) ir.Array {
	out := make(ir.Array, 0, len(local)+len(remote))
	for _, item := range local {
		if !containsValue(out, item) {
			out = append(out, item)
		}
	}
	for _, item := range remote {
		if !containsValue(out, item) {
			out = append(out, item)
		}
	}
	return out
}

func containsValue(arr ir.Array, v ir.Value) bool {
	for _, item := range arr {
		if ir.Equal(item, v) {
			return true
		}
	}
	return false
}
