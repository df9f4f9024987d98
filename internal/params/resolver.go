// Package params turns a step's declared parameter sources into concrete
// tool arguments. Everything here is pure: the same mapping and context
// always produce the same arguments.
package params

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"voice-orchestrator/backend/pkg/models"
)

// Context is the data a mapping is resolved against.
type Context struct {
	// Input is the execution's original input payload.
	Input map[string]any
	// StepResults holds the outputs of earlier steps keyed by output key.
	StepResults map[string]any
	// Metadata is engine-internal execution state (ids, step index, attempt).
	Metadata map[string]any
}

var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Resolve produces the argument map for mapping. Unknown kinds resolve to nil.
func Resolve(mapping map[string]models.ParameterSource, ctx Context) map[string]any {
	resolved := make(map[string]any, len(mapping))
	for name, source := range mapping {
		resolved[name] = ResolveSource(source, ctx)
	}
	return resolved
}

// ResolveSource resolves a single parameter source.
func ResolveSource(source models.ParameterSource, ctx Context) any {
	switch source.Kind {
	case models.ParameterConstant:
		return source.Value
	case models.ParameterInput:
		path, ok := source.Value.(string)
		if !ok {
			return nil
		}
		v, _ := Lookup(ctx.Input, path)
		return v
	case models.ParameterPreviousStep:
		return resolveReference(source.Value, ctx.StepResults)
	case models.ParameterContext:
		return resolveReference(source.Value, ctx.Metadata)
	default:
		return nil
	}
}

func resolveReference(value any, root map[string]any) any {
	ref, ok := value.(string)
	if !ok {
		return nil
	}
	if HasTemplate(ref) {
		return Interpolate(ref, root)
	}
	v, _ := Lookup(root, ref)
	return v
}

// HasTemplate reports whether s contains at least one {{...}} marker.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// Interpolate replaces every {{path}} in tmpl with the string form of the
// lookup of path in data. Paths that do not resolve become "".
func Interpolate(tmpl string, data map[string]any) string {
	return templatePattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := templatePattern.FindStringSubmatch(match)[1]
		v, ok := Lookup(data, path)
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// Lookup walks a dotted path through nested maps and slices. It returns
// (nil, false) as soon as an intermediate node is missing, nil, or not a
// container.
func Lookup(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	current := root
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

// Normalize converts v to the shapes Lookup can walk: maps become
// map[string]any and slices []any. Values that are already in that form
// are returned as they are; anything else goes through a JSON round trip.
// Values that cannot be encoded are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, json.Number:
		return v
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return v
	}
	return decoded
}

// Truthy applies the loose truthiness used by step conditions: nil, false,
// zero numbers and the empty string are false, everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && !math.IsNaN(t)
	case float32:
		return t != 0 && !math.IsNaN(float64(t))
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

// Stringify renders v the way templates embed values.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
