// Package realtime fans store changes out to live subscribers of a
// conversation topic.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/model"
)

const DefaultBuffer = 64

var (
	ErrorHubClosed      = errors.New("hub closed")
	ErrorSlowSubscriber = errors.New("subscriber buffer exceeded")
)

// Hub is an in-process event channel. Subscribers only see events published
// after Subscribe returned; a subscriber whose buffer fills up is cut off so
// publishers never block.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]*subscriber
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		topics: make(map[string]map[uint64]*subscriber),
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (channel.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrorHubClosed
	}
	h.nextID++
	sub := &subscriber{
		id:     h.nextID,
		topic:  topic,
		hub:    h,
		events: make(chan model.Event, h.buffer),
		done:   make(chan struct{}),
	}
	room := h.topics[topic]
	if room == nil {
		room = make(map[uint64]*subscriber)
		h.topics[topic] = room
	}
	room[sub.id] = sub
	h.mu.Unlock()

	metrics.HubSubscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			sub.end(nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Publish delivers event to the subscribers of its conversation and returns
// how many accepted it.
func (h *Hub) Publish(event model.Event) int {
	topic := model.TopicFor(event.Message.ConversationID)

	h.mu.RLock()
	room := h.topics[topic]
	subs := make([]*subscriber, 0, len(room))
	for _, sub := range room {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.send(event) {
			delivered++
			continue
		}
		sub.end(ErrorSlowSubscriber)
	}
	return delivered
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*subscriber
	for _, room := range h.topics {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.end(ErrorHubClosed)
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.topics[sub.topic]
	if room == nil {
		return
	}
	delete(room, sub.id)
	if len(room) == 0 {
		delete(h.topics, sub.topic)
	}
}

type subscriber struct {
	id     uint64
	topic  string
	hub    *Hub
	events chan model.Event
	done   chan struct{}

	mu    sync.Mutex
	ended bool
	err   error
}

func (s *subscriber) Events() <-chan model.Event { return s.events }

func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscriber) Close() error {
	s.end(nil)
	return nil
}

func (s *subscriber) send(event model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return true
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
	close(s.done)
	s.mu.Unlock()

	s.hub.remove(s)
	metrics.HubSubscribers.Dec()
	if err != nil {
		log.Warnf("realtime: subscriber %d on %s ended: %v", s.id, s.topic, err)
	}
}
