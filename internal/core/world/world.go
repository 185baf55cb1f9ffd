// Package world holds the process-wide entity space and fans every committed
// mutation out to the registered listeners.
package world

import (
	"sync"

	"github.com/zeusync/worldsync/internal/core/events/bus"
	"github.com/zeusync/worldsync/internal/core/observability/log"
)

// Lifecycle events published on the bus after the world lock is released.
const (
	EventEntityUpdated   = "entity.updated"
	EventEntityDeleted   = "entity.deleted"
	EventWorldCleared    = "world.cleared"
	EventListenerAdded   = "listener.added"
	EventListenerRemoved = "listener.removed"
)

const eventSource = "world"

// Listener receives notifications from the World. Put and Clear are called
// while the World lock is held and must never block.
type Listener interface {
	ID() ListenerID
	Put(key string, value Entity)
	Clear()
}

// World is the single authoritative store. Create it once with New and share
// the pointer with every connection handler.
type World struct {
	mu        sync.Mutex
	space     map[string]Entity
	listeners map[ListenerID]Listener

	events bus.EventBus
	logger log.Log
}

// New creates an empty World. events may be nil.
func New(logger log.Log, events bus.EventBus) *World {
	return &World{
		space:     make(map[string]Entity),
		listeners: make(map[ListenerID]Listener),
		events:    events,
		logger:    logger.With(log.String("component", "world")),
	}
}

// Update sets one field of an entity, creating the entity if needed.
func (w *World) Update(key, field string, value any) {
	w.mu.Lock()
	entry, ok := w.space[key]
	if !ok {
		entry = make(Entity)
	}
	entry[field] = cloneValue(value)
	w.space[key] = entry
	w.notifyLocked(key)
	w.mu.Unlock()

	w.publish(EventEntityUpdated, key)
}

// Set replaces the whole value of an entity. A nil value is stored as an
// empty entity.
func (w *World) Set(key string, value Entity) {
	w.mu.Lock()
	w.space[key] = value.Clone()
	w.notifyLocked(key)
	w.mu.Unlock()

	w.publish(EventEntityUpdated, key)
}

// Insert stores value under the key returned by next and returns that key.
// next runs under the World lock, so it is ordered with Clear and every
// listener callback; it must not block or call back into the World.
func (w *World) Insert(next func() string, value Entity) string {
	w.mu.Lock()
	key := next()
	w.space[key] = value.Clone()
	w.notifyLocked(key)
	w.mu.Unlock()

	w.publish(EventEntityUpdated, key)
	return key
}

// Delete removes an entity. Listeners receive the key with an empty value.
// Deleting an absent key is a no-op.
func (w *World) Delete(key string) {
	w.mu.Lock()
	if _, ok := w.space[key]; !ok {
		w.mu.Unlock()
		return
	}
	delete(w.space, key)
	w.notifyLocked(key)
	w.mu.Unlock()

	w.publish(EventEntityDeleted, key)
}

// Get returns a copy of the entity, or an empty entity if the key is absent.
func (w *World) Get(key string) Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.space[key].Clone()
}

// Snapshot returns a deep point-in-time copy of the whole space.
func (w *World) Snapshot() map[string]Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]Entity, len(w.space))
	for k, v := range w.space {
		out[k] = v.Clone()
	}
	return out
}

// Clear empties the space and sends a clear signal to every listener.
func (w *World) Clear() {
	w.mu.Lock()
	w.space = make(map[string]Entity)
	for _, l := range w.listeners {
		l.Clear()
	}
	n := len(w.listeners)
	w.mu.Unlock()

	w.logger.Debug("World cleared", log.Int("listeners", n))
	w.publish(EventWorldCleared, "")
}

// AddListener registers l. Registering the same ID twice replaces the handle.
func (w *World) AddListener(l Listener) {
	w.mu.Lock()
	w.listeners[l.ID()] = l
	n := len(w.listeners)
	w.mu.Unlock()

	w.logger.Debug("Listener added",
		log.String("listener_id", string(l.ID())),
		log.Int("listeners", n))
	w.publish(EventListenerAdded, string(l.ID()))
}

// RemoveListener deregisters id. Removing an unknown id is a no-op.
func (w *World) RemoveListener(id ListenerID) {
	w.mu.Lock()
	_, ok := w.listeners[id]
	delete(w.listeners, id)
	n := len(w.listeners)
	w.mu.Unlock()

	if !ok {
		return
	}
	w.logger.Debug("Listener removed",
		log.String("listener_id", string(id)),
		log.Int("listeners", n))
	w.publish(EventListenerRemoved, string(id))
}

// Len returns the number of stored entities.
func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.space)
}

// ListenerCount returns the number of registered listeners.
func (w *World) ListenerCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

// notifyLocked pushes the committed value of key to every listener. Each
// listener gets its own copy.
func (w *World) notifyLocked(key string) {
	current := w.space[key]
	for _, l := range w.listeners {
		l.Put(key, current.Clone())
	}
}

func (w *World) publish(typ, key string) {
	if w.events == nil {
		return
	}
	if err := w.events.Publish(bus.NewEvent(typ, eventSource, key, nil)); err != nil {
		w.logger.Warn("Event handler failed",
			log.String("event", typ),
			log.Error(err))
	}
}
