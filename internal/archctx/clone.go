package archctx

import "reflect"

// Cloner is implemented by payload types that know how to deep-copy
// themselves.
type Cloner interface {
	Clone() any
}

// Clone deep-copies a payload. JSON-like values take a fast path; any other
// type is copied by reflection keeping its concrete type, unless it
// implements Cloner. Unexported struct fields are copied shallowly.
func Clone(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Cloner:
		return t.Clone()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, val := range t {
			out[i] = Clone(val).(map[string]any)
		}
		return out
	default:
		return deepCopy(reflect.ValueOf(v), map[ptrKey]reflect.Value{}).Interface()
	}
}

type ptrKey struct {
	addr uintptr
	typ  reflect.Type
}

// deepCopy copies v recursively. seen maps already copied pointers to
// their copies so shared and cyclic references survive.
func deepCopy(v reflect.Value, seen map[ptrKey]reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := ptrKey{v.Pointer(), v.Type()}
		if c, ok := seen[key]; ok {
			return c
		}
		out := reflect.New(v.Elem().Type())
		seen[key] = out
		out.Elem().Set(deepCopy(v.Elem(), seen))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem(), seen))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := range v.NumField() {
			if f := out.Field(i); f.CanSet() {
				f.Set(deepCopy(v.Field(i), seen))
			}
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value(), seen))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i), seen))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(deepCopy(v.Index(i), seen))
		}
		return out
	}
	return v
}
