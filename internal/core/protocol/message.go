// Package protocol defines the JSON messages exchanged over a subscription
// connection.
//
// Inbound messages are decided once, at parse time, into one of two shapes:
//
//	{"x": 1, "y": 2}                  AnonymousCreate: a new entity named by the server
//	{"a": {"x": 5}, "b": {"y": 1}}    BulkUpdate: full replace of each named entity
//
// Outbound messages are either {"<key>": <value>} or {"clear": true}.
package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/zeusync/worldsync/internal/core/world"
	"github.com/zeusync/worldsync/pkg/generic"
)

// IdentifyingField marks an inbound object as a single anonymous entity.
const IdentifyingField = "x"

// Inbound is either AnonymousCreate or BulkUpdate.
type Inbound interface {
	isInbound()
}

// AnonymousCreate asks the server to store Payload under a generated key.
type AnonymousCreate struct {
	Payload world.Entity
}

// BulkUpdate replaces every named entity with its new value.
type BulkUpdate struct {
	Entities map[string]world.Entity
}

func (AnonymousCreate) isInbound() {}
func (BulkUpdate) isInbound()      {}

// Keys returns the entity keys in lexical order.
func (b BulkUpdate) Keys() []string {
	keys := make([]string, 0, len(b.Entities))
	for k := range b.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseInbound decodes one connection message. Anything that is not a JSON
// object, or a bulk update whose values are not objects, is malformed.
func ParseInbound(data []byte) (Inbound, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}

	if _, ok := obj[IdentifyingField]; ok {
		return AnonymousCreate{Payload: obj}, nil
	}

	entities := make(map[string]world.Entity, len(obj))
	for key, value := range obj {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedMessage, "entity %q: %v", key, ErrNotAnObject)
		}
		entities[key] = m
	}
	return BulkUpdate{Entities: entities}, nil
}

// DecodeEntity decodes a single entity value, as sent to the replace endpoint.
func DecodeEntity(data []byte) (world.Entity, error) {
	return decodeObject(data)
}

func decodeObject(data []byte) (world.Entity, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.Wrap(ErrMalformedMessage, ErrNotAnObject.Error())
	}

	// Numbers stay json.Number so integers beyond 2^53 survive unchanged.
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "decode: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(ErrMalformedMessage, "trailing data after object")
	}
	return obj, nil
}

var buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

// EncodeNotification renders an outbound message.
func EncodeNotification(n world.Notification) ([]byte, error) {
	if n.Clear {
		return []byte(`{"clear":true}`), nil
	}
	if n.Key == "" {
		return nil, ErrEmptyNotification
	}

	value := n.Value
	if value == nil {
		value = world.Entity{}
	}

	buf := buffers.Get()
	defer buffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]world.Entity{n.Key: value}); err != nil {
		return nil, errors.Wrapf(err, "encode notification for %q", n.Key)
	}
	// Encode appends a newline; the buffer is reused, so copy out.
	return bytes.Clone(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// DecodeNotification parses an outbound message, as a subscriber sees it.
func DecodeNotification(data []byte) (world.Notification, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return world.Notification{}, errors.Wrapf(ErrMalformedMessage, "decode: %v", err)
	}
	if len(raw) != 1 {
		return world.Notification{}, errors.Wrapf(ErrMalformedMessage, "notification has %d keys", len(raw))
	}
	for key, value := range raw {
		if key == "clear" && bytes.Equal(bytes.TrimSpace(value), []byte("true")) {
			return world.ClearNotification(), nil
		}
		entity, err := decodeObject(value)
		if err != nil {
			return world.Notification{}, errors.Wrapf(err, "entity %q", key)
		}
		return world.UpdateNotification(key, entity), nil
	}
	return world.Notification{}, ErrMalformedMessage
}

// AnonymousKey names the counter-th entity created by a listener.
func AnonymousKey(id world.ListenerID, counter int64) string {
	return string(id) + "-" + strconv.FormatInt(counter, 10)
}
