// Package router delivers events between the links and the protocol engine.
//
// Topics are typed and subscriptions have an explicit lifetime. Publish
// runs handlers synchronously in the caller's goroutine, so a slow handler
// slows only the publisher that triggered it.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/metrics"
	"github.com/postalsys/opendq/internal/recovery"
)

// Topic names an event stream.
type Topic string

const (
	// TopicLinkInbound carries decoded frame payloads ([]byte) read by a link.
	TopicLinkInbound Topic = "link.inbound"

	// TopicLinkOutbound carries payloads ([]byte) to write to every link.
	TopicLinkOutbound Topic = "link.outbound"

	// TopicEngineInbound carries payloads ([]byte) for the protocol engine.
	TopicEngineInbound Topic = "engine.inbound"

	// TopicEngineOutbound carries command payloads ([]byte) from the engine.
	TopicEngineOutbound Topic = "engine.outbound"

	// TopicEngineState carries engine state changes.
	TopicEngineState Topic = "engine.state"

	// TopicEngineRecord carries every decoded record (mac.Record).
	TopicEngineRecord Topic = "engine.record"
)

// Event is one published message.
type Event struct {
	Topic   Topic
	Source  string
	Payload any
}

// Bytes returns the payload as a byte slice, or nil if it is not one.
func (e Event) Bytes() []byte {
	b, _ := e.Payload.([]byte)
	return b
}

// Handler consumes events. A returned error is logged and counted; it does
// not stop delivery to other handlers.
type Handler func(Event) error

// Config holds router dependencies.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router is a synchronous publish/subscribe hub.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	nextID uint64
}

// New creates an empty router.
func New(cfg Config) *Router {
	return &Router{
		logger:  logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		subs:    make(map[Topic][]*Subscription),
	}
}

// Subscription is a registered handler. Call Unsubscribe to remove it.
type Subscription struct {
	router  *Router
	topic   Topic
	id      uint64
	handler Handler
	once    sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Unsubscribe removes the handler. Calling it again is a no-op. An event
// being delivered concurrently may still reach the handler once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.router.remove(s)
	})
}

// Subscribe registers handler for topic. Handlers run in subscription order.
func (r *Router) Subscribe(topic Topic, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &Subscription{
		router:  r,
		topic:   topic,
		id:      r.nextID,
		handler: handler,
	}
	r.subs[topic] = append(r.subs[topic], sub)
	return sub
}

func (r *Router) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, sub.topic)
			} else {
				r.subs[sub.topic] = next
			}
			return
		}
	}
}

// Publish delivers an event to the handlers subscribed to topic when the
// call starts. It returns the number of handlers invoked.
func (r *Router) Publish(topic Topic, source string, payload any) int {
	r.mu.RLock()
	subs := r.subs[topic]
	r.mu.RUnlock()

	if len(subs) == 0 {
		return 0
	}

	ev := Event{Topic: topic, Source: source, Payload: payload}
	for _, sub := range subs {
		r.deliver(sub, ev)
	}
	return len(subs)
}

// Subscribers returns the number of handlers registered for topic.
func (r *Router) Subscribers(topic Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[topic])
}

func (r *Router) deliver(sub *Subscription, ev Event) {
	defer recovery.RecoverWithCallback(r.logger, fmt.Sprintf("router.%s", ev.Topic), func(any) {
		r.metrics.RecordHandlerError(string(ev.Topic))
	})

	if err := sub.handler(ev); err != nil {
		r.metrics.RecordHandlerError(string(ev.Topic))
		r.logger.Warn("handler failed",
			logging.KeyTopic, ev.Topic,
			"source", ev.Source,
			logging.KeyError, err)
	}
}
