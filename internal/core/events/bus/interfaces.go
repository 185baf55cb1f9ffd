package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus.
//
// Handlers subscribe by event type and are invoked synchronously in the
// publisher's goroutine, so they must be quick. Handler errors are joined and
// returned from Publish.
type EventBus interface {
	// Publish delivers the event to every active subscriber of event.Type.
	Publish(event Event) error
	// Subscribe registers a handler for eventType. The special type
	// AnyEvent receives every published event.
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. Nil is accepted.
	Unsubscribe(Subscription) error
	// Subscribers reports the number of active subscriptions.
	Subscribers() int
}

// AnyEvent subscribes a handler to all event types.
const AnyEvent = "*"

// Event is an immutable notification about something that already happened.
type Event struct {
	Type      string
	Source    string
	Key       string
	Timestamp time.Time
	Data      any
}

type EventHandler func(event Event) error

// Subscription is a registered handler. Cancel is safe to call repeatedly.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}
