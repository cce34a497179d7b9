// Package unread caches unread-message counts behind invalidation keys so
// badges across the application can refresh after a read receipt.
package unread

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"uk.co.dudmesh.sitechat/internal/model"
)

const keyPrefix = "unread:"

// ParticipantKey covers every unread count of a participant.
func ParticipantKey(participantID model.ParticipantID) string {
	return keyPrefix + string(participantID)
}

// ConversationKey covers one conversation of a participant.
func ConversationKey(participantID model.ParticipantID, conversationID model.ConversationID) string {
	return ParticipantKey(participantID) + ":" + string(conversationID)
}

type Counter interface {
	UnreadCount(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error)
}

type Listener func(keys []string)

// Cache memoizes counts loaded from a Counter until their key is invalidated.
// Invalidating a participant key drops all of that participant's counts.
type Cache struct {
	counter Counter

	mu        sync.Mutex
	counts    map[string]int
	listeners []Listener
}

func NewCache(counter Counter) *Cache {
	return &Cache{
		counter: counter,
		counts:  make(map[string]int),
	}
}

func (c *Cache) Count(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error) {
	key := ConversationKey(participantID, conversationID)

	c.mu.Lock()
	count, ok := c.counts[key]
	c.mu.Unlock()
	if ok {
		return count, nil
	}

	count, err := c.counter.UnreadCount(ctx, participantID, conversationID)
	if err != nil {
		return 0, fmt.Errorf("loading unread count: %w", err)
	}

	c.mu.Lock()
	c.counts[key] = count
	c.mu.Unlock()
	return count, nil
}

// Invalidate drops the cached counts under keys and tells listeners.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	for _, key := range keys {
		for cached := range c.counts {
			if cached == key || strings.HasPrefix(cached, key+":") {
				delete(c.counts, cached)
			}
		}
	}
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(keys)
	}
	return nil
}

func (c *Cache) OnInvalidate(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *Cache) Cached(participantID model.ParticipantID, conversationID model.ConversationID) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count, ok := c.counts[ConversationKey(participantID, conversationID)]
	return count, ok
}
