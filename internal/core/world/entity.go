package world

// Entity is a bundle of JSON-representable fields. Values are strings,
// numbers (json.Number when decoded from the wire), bools, nil, nested
// map[string]any or []any.
type Entity map[string]any

// ListenerID identifies a registered listener. Two listeners are the same
// registrant iff their IDs are equal.
type ListenerID string

// Notification is one message pushed to a listener: either an entity update
// or a clear signal.
type Notification struct {
	Key   string
	Value Entity
	Clear bool
}

// UpdateNotification builds the {key: value} message.
func UpdateNotification(key string, value Entity) Notification {
	return Notification{Key: key, Value: value}
}

// ClearNotification builds the clear signal.
func ClearNotification() Notification {
	return Notification{Clear: true}
}

// Clone returns a deep copy. A nil Entity clones to an empty one.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Entity:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
