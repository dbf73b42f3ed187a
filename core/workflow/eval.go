package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loomworks/loom/core/fault"
)

// Scope is the typed tree node inputs resolve against: the triggering
// context plus the outputs of successfully completed upstream nodes.
type Scope struct {
	Trigger map[string]any
	Nodes   map[string]*NodeRun
}

// ResolveTemplate substitutes ${path} placeholders in an input template.
// Paths address either "trigger.<...>" or "nodes.<id>.output.<...>". A value
// that is exactly one placeholder is replaced by the referenced value with
// its type intact; placeholders embedded in longer strings are spliced in as
// text. Maps and arrays are walked recursively. A reference to a missing
// path, or to a node that did not succeed, resolves to an input_resolution
// fault naming the path.
func ResolveTemplate(tpl map[string]any, scope *Scope) (map[string]any, error) {
	if tpl == nil {
		return map[string]any{}, nil
	}
	out, err := resolveValue(tpl, scope)
	if err != nil {
		return nil, err
	}
	resolved, ok := out.(map[string]any)
	if !ok {
		return nil, fault.New(fault.KindInputResolution, "input template must resolve to an object")
	}
	return resolved, nil
}

func resolveValue(v any, scope *Scope) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			res, err := resolveValue(child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			res, err := resolveValue(child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, scope *Scope) (any, error) {
	// Whole-value substitution keeps the referenced type.
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && strings.Count(s, "${") == 1 {
		return lookupPath(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"), scope)
	}
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	rest := s
	for {
		idx := strings.Index(rest, "${")
		if idx < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+2:]
		end := strings.Index(rest, "}")
		if end < 0 {
			return nil, fault.New(fault.KindInputResolution, "unterminated placeholder in %q", s)
		}
		val, err := lookupPath(rest[:end], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprintf("%v", val))
		rest = rest[end+1:]
	}
}

func lookupPath(path string, scope *Scope) (any, error) {
	path = strings.TrimSpace(path)
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, fault.New(fault.KindInputResolution, "empty placeholder path")
	}
	switch parts[0] {
	case "trigger":
		val, ok := walk(scope.Trigger, parts[1:])
		if !ok {
			return nil, fault.New(fault.KindInputResolution, "path %q not found in trigger context", path)
		}
		return val, nil
	case "nodes":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, fault.New(fault.KindInputResolution, "node reference %q must address nodes.<id>.output", path)
		}
		nodeID := parts[1]
		nr := scope.Nodes[nodeID]
		if nr == nil {
			return nil, fault.New(fault.KindInputResolution, "referenced node %q has not produced output", nodeID)
		}
		if nr.Status != NodeStatusSuccess {
			return nil, fault.New(fault.KindInputResolution, "referenced node %q did not succeed (status %s)", nodeID, nr.Status)
		}
		if len(parts) == 3 {
			return nr.Output, nil
		}
		val, ok := walk(nr.Output, parts[3:])
		if !ok {
			return nil, fault.New(fault.KindInputResolution, "path %q not found in output of node %q", path, nodeID)
		}
		return val, nil
	default:
		return nil, fault.New(fault.KindInputResolution, "placeholder root %q must be trigger or nodes", parts[0])
	}
}

// walk descends dot-path segments through nested maps and arrays. Numeric
// segments index arrays.
func walk(root any, parts []string) (any, bool) {
	cur := root
	for _, p := range parts {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			cur = c[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// LookupPayloadPath resolves a plain dot path inside an event payload.
// Used by trigger filters.
func LookupPayloadPath(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	return walk(payload, strings.Split(path, "."))
}
