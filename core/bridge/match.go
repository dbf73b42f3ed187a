package bridge

import (
	"reflect"
	"strings"

	"github.com/loomworks/loom/core/workflow"
)

// SubjectMatches reports whether a dotted event subject matches a trigger
// pattern. "*" matches exactly one token, ">" matches one or more trailing
// tokens.
func SubjectMatches(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// TriggerMatches reports whether an event subject and payload satisfy a
// workflow trigger: the subject pattern matches and every filter path
// equals its expected value.
func TriggerMatches(t workflow.Trigger, eventSubject string, payload map[string]any) bool {
	if !SubjectMatches(t.Subject, eventSubject) {
		return false
	}
	for _, f := range t.Filters {
		got, ok := workflow.LookupPayloadPath(payload, f.Path)
		if !ok || !equalValue(got, f.Equals) {
			return false
		}
	}
	return true
}

// equalValue compares decoded JSON/YAML values, tolerating the numeric
// type spread between the two decoders.
func equalValue(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}
