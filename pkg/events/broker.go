package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/log"
)

// Sink consumes every published event synchronously, before subscribers see
// it. Webhook enqueueing is a sink so a delivery log exists by the time the
// publishing request returns.
type Sink interface {
	HandleEvent(e *Event) error
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes control-plane events to sinks and subscribers.
type Broker struct {
	instanceID   string
	instanceName string

	mu          sync.RWMutex
	sinks       []Sink
	subscribers map[Subscriber]bool

	eventCh chan *Event
	stopCh  chan struct{}
	stopped sync.Once
}

// NewBroker creates a broker stamping envelopes with the instance identity.
func NewBroker(instanceID, instanceName string) *Broker {
	return &Broker{
		instanceID:   instanceID,
		instanceName: instanceName,
		subscribers:  make(map[Subscriber]bool),
		eventCh:      make(chan *Event, 100),
		stopCh:       make(chan struct{}),
	}
}

// AddSink registers a synchronous consumer.
func (b *Broker) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Start begins the broadcast loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broadcast loop. Pending events are dropped.
func (b *Broker) Stop() {
	b.stopped.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish wraps the payload in an envelope, feeds it to every sink, then
// queues it for subscriber broadcast. Sink failures are logged and do not
// stop the event from reaching other sinks or subscribers.
func (b *Broker) Publish(p Payload) *Event {
	event := &Event{
		EventID:      uuid.New(),
		EventType:    p.EventType(),
		InstanceID:   b.instanceID,
		InstanceName: b.instanceName,
		CreatedAt:    time.Now().UTC(),
		Event:        p,
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.HandleEvent(event); err != nil {
			eventsLog := log.WithComponent("events")
			eventsLog.Error().
				Err(err).
				Str("event_type", string(event.EventType)).
				Str("event_id", event.EventID.String()).
				Msg("Event sink failed")
		}
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
	return event
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
