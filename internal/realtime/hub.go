// Package realtime fans committed occupancy changes out to topic subscribers.
package realtime

import (
	"encoding/json"
	"strings"
	"sync"

	"gymflow/occupancy/internal/metrics"
)

const GlobalTopic = "global"

type EventType string

const (
	EventCapacity EventType = "capacity"
	EventCheckIn  EventType = "checkin"
	EventCheckOut EventType = "checkout"
)

type Event struct {
	Type    EventType       `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func GymTopic(gymID string) string {
	return "gym:" + gymID
}

// NormalizeTopic accepts "global", "gym:<id>" or a bare gym id. Empty input yields "".
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	switch {
	case topic == "":
		return ""
	case topic == GlobalTopic, strings.HasPrefix(topic, "gym:"):
		return topic
	default:
		return GymTopic(topic)
	}
}

// Hub routes events to in-process subscriptions. Delivery never blocks: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Metrics
}

func NewHub(buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: buffer, metrics: m}
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		hub:    h,
		topics: make(map[string]struct{}),
		events: make(chan Event, h.buffer),
	}
	for _, topic := range topics {
		sub.Join(topic)
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Deliver hands the event to every subscription joined to its topic and reports how many took it.
func (h *Hub) Deliver(event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for sub := range h.subs {
		switch sub.offer(event) {
		case offerDelivered:
			delivered++
			h.metrics.Broadcast("delivered")
		case offerDropped:
			h.metrics.Broadcast("dropped")
		}
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

type offerResult int

const (
	offerSkipped offerResult = iota
	offerDelivered
	offerDropped
)

type Subscription struct {
	hub    *Hub
	mu     sync.Mutex
	topics map[string]struct{}
	events chan Event
	closed bool
}

// Join subscribes to topic; it reports false for an empty topic or a closed subscription.
func (s *Subscription) Join(topic string) bool {
	topic = NormalizeTopic(topic)
	if topic == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

func (s *Subscription) Leave(topic string) bool {
	topic = NormalizeTopic(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	delete(s.topics, topic)
	return true
}

func (s *Subscription) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	return topics
}

// Events is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close drops every topic and detaches from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.topics = map[string]struct{}{}
	close(s.events)
	s.mu.Unlock()
	s.hub.remove(s)
}

func (s *Subscription) offer(event Event) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return offerSkipped
	}
	if _, ok := s.topics[event.Topic]; !ok {
		return offerSkipped
	}
	select {
	case s.events <- event:
		return offerDelivered
	default:
		return offerDropped
	}
}
