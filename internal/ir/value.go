package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Args is the ordered argument list of an action.
//
// Values round-trip through JSON, so after loading from the store numbers
// are json.Number, lists are []any and objects are map[string]any. The
// accessors below normalize both the in-memory and the decoded forms.
type Args []any

// MarshalJSON always produces a list, never null.
func (a Args) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]any(a))
}

// UnmarshalJSON decodes numbers as json.Number to keep integers exact.
func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var list []any
	if err := dec.Decode(&list); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	*a = list
	return nil
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// At returns argument i, or nil when out of range.
func (a Args) At(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	switch v := a.At(i).(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("argument %d: missing", i)
	default:
		return "", fmt.Errorf("argument %d: expected string, got %T", i, v)
	}
}

// Int returns argument i as an int64.
func (a Args) Int(i int) (int64, error) {
	switch v := a.At(i).(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("argument %d: %v is not an integer", i, v)
		}
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("argument %d: %w", i, err)
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %d: %w", i, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("argument %d: missing", i)
	default:
		return 0, fmt.Errorf("argument %d: expected integer, got %T", i, v)
	}
}

// Bool returns argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	switch v := a.At(i).(type) {
	case bool:
		return v, nil
	case nil:
		return false, fmt.Errorf("argument %d: missing", i)
	default:
		return false, fmt.Errorf("argument %d: expected bool, got %T", i, v)
	}
}

// Ref returns argument i as an actor reference. Both ActorRef values and
// their decoded {"type","id"} objects are accepted.
func (a Args) Ref(i int) (ActorRef, error) {
	ref, err := toActorRef(a.At(i))
	if err != nil {
		return ActorRef{}, fmt.Errorf("argument %d: %w", i, err)
	}
	return ref, nil
}

// Refs returns argument i as a list of actor references.
func (a Args) Refs(i int) ([]ActorRef, error) {
	switch v := a.At(i).(type) {
	case []ActorRef:
		return v, nil
	case []any:
		refs := make([]ActorRef, 0, len(v))
		for j, elem := range v {
			ref, err := toActorRef(elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d[%d]: %w", i, j, err)
			}
			refs = append(refs, ref)
		}
		return refs, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("argument %d: expected actor list, got %T", i, v)
	}
}

func toActorRef(v any) (ActorRef, error) {
	switch val := v.(type) {
	case ActorRef:
		return val, nil
	case *ActorRef:
		return *val, nil
	case map[string]any:
		typ, _ := val["type"].(string)
		id, _ := val["id"].(string)
		if typ == "" || id == "" {
			return ActorRef{}, fmt.Errorf("actor reference needs type and id")
		}
		return ActorRef{Type: typ, ID: id}, nil
	case string:
		return ParseActorRef(val)
	default:
		return ActorRef{}, fmt.Errorf("expected actor reference, got %T", v)
	}
}
