package secrets

import (
	"encoding/json"
	"strings"
)

const (
	refPrefix   = "secret://"
	placeholder = "<redacted>"
)

// ContainsRefs returns true if any string value contains a secret reference.
func ContainsRefs(value any) bool {
	_, found := redact(value, false)
	return found
}

// RedactRefs returns a copy with secret references replaced by "<redacted>".
func RedactRefs(value any) (any, bool) {
	return redact(value, true)
}

// RedactJSON redacts secret references inside a JSON payload.
func RedactJSON(data []byte) ([]byte, bool, error) {
	if len(data) == 0 {
		return data, false, nil
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return data, false, err
	}
	redacted, changed := RedactRefs(payload)
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(redacted)
	return out, true, err
}

// ScrubValues removes every occurrence of the given secret values from text.
// Sandbox logs and error messages pass through here before they are stored
// or published, so injected secrets never leave the execution boundary.
func ScrubValues(text string, values map[string]string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		text = strings.ReplaceAll(text, v, placeholder)
	}
	return text
}

func redact(value any, replace bool) (any, bool) {
	switch v := value.(type) {
	case nil:
		return v, false
	case string:
		if strings.HasPrefix(strings.TrimSpace(v), refPrefix) {
			if replace {
				return placeholder, true
			}
			return v, true
		}
		return v, false
	case map[string]any:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case map[string]string:
		changed := false
		out := make(map[string]any, len(v))
		for k, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[k] = red
		}
		return out, changed
	case []any:
		changed := false
		out := make([]any, len(v))
		for i, child := range v {
			red, childChanged := redact(child, replace)
			if childChanged {
				changed = true
			}
			out[i] = red
		}
		return out, changed
	default:
		return v, false
	}
}
