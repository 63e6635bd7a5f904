package archctx

import (
	"encoding/json"
	"reflect"
)

type Kind string

const (
	KindNone      Kind = ""
	KindModel     Kind = "model"
	KindDiscovery Kind = "discovery"
	KindBusiness  Kind = "business"
)

// Classified lets an agent declare the kind of its payload instead of
// relying on shape inspection. Returning KindNone explicitly opts out.
type Classified interface {
	ContextKind() Kind
}

var shapes = []struct {
	kind   Kind
	fields []string
}{
	{KindModel, []string{"version", "containers", "metadata"}},
	{KindDiscovery, []string{"timestamp", "repository", "technologies"}},
	{KindBusiness, []string{"purpose", "stakeholders"}},
}

// Classify decides which slot result belongs to.
func Classify(result any) Kind {
	if result == nil {
		return KindNone
	}
	if c, ok := result.(Classified); ok {
		return c.ContextKind()
	}

	fields := topLevelFields(result)
	if len(fields) == 0 {
		return KindNone
	}
	for _, s := range shapes {
		if hasAll(fields, s.fields) {
			return s.kind
		}
	}
	return KindNone
}

func hasAll(fields map[string]bool, want []string) bool {
	for _, f := range want {
		if !fields[f] {
			return false
		}
	}
	return true
}

// topLevelFields returns the keys of a map payload, or the JSON object
// field names of a struct payload.
func topLevelFields(v any) map[string]bool {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]bool, len(m))
		for k := range m {
			out[k] = true
		}
		return out
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct, reflect.Map:
	default:
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	out := make(map[string]bool, len(obj))
	for k := range obj {
		out[k] = true
	}
	return out
}
