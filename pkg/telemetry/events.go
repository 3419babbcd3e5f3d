package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Event is a notification about a kernel record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    int64                  `json:"target,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Record    string                 `json:"record_type,omitempty"`
	Owner     string                 `json:"owner,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCreated      = "record.created"
	EventTypeRemoved      = "record.removed"
	EventTypeModified     = "record.modified"
	EventTypeStateChanged = "record.state_changed"
	EventTypeAttached     = "connection.attached"
	EventTypeDetached     = "connection.detached"
	EventTypeLinkFailed   = "connection.link_failed"
	EventTypePolicyDenied = "policy.denied"
	EventTypeReaped       = "element.reaped"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter selects events for a subscriber.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers over an in-process watermill
// bus. Events published while nobody is subscribed are dropped.
type EventPublisher struct {
	config EventsConfig
	pubsub *gochannel.GoChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventPublisher creates the bus.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventPublisher{
		config: cfg,
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            int64(cfg.BufferSize),
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NopLogger{},
		),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Publish sends an event to every subscriber.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || ep.pubsub == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = "kernel"
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := ep.pubsub.Publish(ep.config.Topic, message.NewMessage(event.ID, payload)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishCreated announces a new record.
func (ep *EventPublisher) PublishCreated(kind string, id int64, typeName, owner, state string) error {
	return ep.Publish(Event{
		Type:    EventTypeCreated,
		Target:  id,
		Kind:    kind,
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("%s %d (%s) created in state %s", kind, id, typeName, state),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"state": state},
	})
}

// PublishRemoved announces a removed record.
func (ep *EventPublisher) PublishRemoved(kind string, id int64, typeName, owner string) error {
	return ep.Publish(Event{
		Type:    EventTypeRemoved,
		Target:  id,
		Kind:    kind,
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("%s %d (%s) removed", kind, id, typeName),
		Level:   EventLevelInfo,
	})
}

// PublishModified announces changed attributes.
func (ep *EventPublisher) PublishModified(kind string, id int64, typeName, owner string, keys []string) error {
	return ep.Publish(Event{
		Type:    EventTypeModified,
		Target:  id,
		Kind:    kind,
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("%s %d (%s) modified %v", kind, id, typeName, keys),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"attributes": keys},
	})
}

// PublishStateChanged announces a state transition.
func (ep *EventPublisher) PublishStateChanged(kind string, id int64, typeName, owner, action, from, to string) error {
	return ep.Publish(Event{
		Type:    EventTypeStateChanged,
		Target:  id,
		Kind:    kind,
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("%s %d (%s) %s: %s -> %s", kind, id, typeName, action, from, to),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
			"from":   from,
			"to":     to,
		},
	})
}

// PublishAttached announces an element attached to a connection.
func (ep *EventPublisher) PublishAttached(connection, element int64, owner string) error {
	return ep.Publish(Event{
		Type:    EventTypeAttached,
		Target:  connection,
		Kind:    "connection",
		Owner:   owner,
		Message: fmt.Sprintf("element %d attached to connection %d", element, connection),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"element": element},
	})
}

// PublishDetached announces an element detached from a connection.
func (ep *EventPublisher) PublishDetached(connection, element int64, owner string) error {
	return ep.Publish(Event{
		Type:    EventTypeDetached,
		Target:  connection,
		Kind:    "connection",
		Owner:   owner,
		Message: fmt.Sprintf("element %d detached from connection %d", element, connection),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"element": element},
	})
}

// PublishLinkFailed reports wiring that could not be set up or torn down.
func (ep *EventPublisher) PublishLinkFailed(connection, element int64, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeLinkFailed,
		Target:  connection,
		Kind:    "connection",
		Message: fmt.Sprintf("wiring element %d into connection %d failed: %s", element, connection, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"element": element,
			"reason":  reason,
		},
	})
}

// PublishPolicyDenied reports a request denied by admission.
func (ep *EventPublisher) PublishPolicyDenied(operation, typeName, owner string, reasons []string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyDenied,
		Source:  "policy",
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("%s of %s denied: %v", operation, typeName, reasons),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"operation": operation,
			"reasons":   reasons,
		},
	})
}

// PublishReaped reports an element removed after its timeout.
func (ep *EventPublisher) PublishReaped(id int64, typeName, owner string, timeout time.Time) error {
	return ep.Publish(Event{
		Type:    EventTypeReaped,
		Source:  "reaper",
		Target:  id,
		Kind:    "element",
		Record:  typeName,
		Owner:   owner,
		Message: fmt.Sprintf("element %d (%s) expired at %s and was removed", id, typeName, timeout.Format(time.RFC3339)),
		Level:   EventLevelWarning,
	})
}

// Subscribe delivers every event passing filter to subscriber until the
// publisher shuts down. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) error {
	if ep == nil || ep.pubsub == nil {
		return nil
	}

	messages, err := ep.pubsub.Subscribe(ep.ctx, ep.config.Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ep.config.Topic, err)
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err == nil {
				if filter == nil || filter(event) {
					subscriber(event)
				}
			}
			msg.Ack()
		}
	}()

	return nil
}

// Shutdown closes the bus and waits for subscribers to drain.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.pubsub == nil {
		return nil
	}

	ep.cancel()
	if err := ep.pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel accepts events at or above minLevel.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	min := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= min
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool {
		return set[event.Type]
	}
}

// FilterByTarget accepts events about one record.
func FilterByTarget(id int64) EventFilter {
	return func(event Event) bool {
		return event.Target == id
	}
}
