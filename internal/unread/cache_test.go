package unread

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.sitechat/internal/model"
)

type stubCounter struct {
	counts map[model.ConversationID]int
	calls  int
}

func (s *stubCounter) UnreadCount(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error) {
	s.calls++
	return s.counts[conversationID], nil
}

func TestCache(t *testing.T) {
	assert := assert.New(t)
	counter := &stubCounter{counts: map[model.ConversationID]int{"p1": 3, "p2": 1}}
	cache := NewCache(counter)
	ctx := context.Background()

	var invalidated [][]string
	cache.OnInvalidate(func(keys []string) { invalidated = append(invalidated, keys) })

	count, err := cache.Count(ctx, "bob", "p1")
	assert.Nil(err)
	assert.Equal(3, count)
	_, _ = cache.Count(ctx, "bob", "p1")
	_, _ = cache.Count(ctx, "bob", "p2")
	assert.Equal(2, counter.calls)

	t.Run("conversation key", func(t *testing.T) {
		counter.counts["p1"] = 0
		assert.Nil(cache.Invalidate(ctx, ConversationKey("bob", "p1")))
		_, ok := cache.Cached("bob", "p1")
		assert.False(ok)
		_, ok = cache.Cached("bob", "p2")
		assert.True(ok)

		count, _ := cache.Count(ctx, "bob", "p1")
		assert.Equal(0, count)
	})

	t.Run("participant key", func(t *testing.T) {
		assert.Nil(cache.Invalidate(ctx, ParticipantKey("bob")))
		_, ok := cache.Cached("bob", "p1")
		assert.False(ok)
		_, ok = cache.Cached("bob", "p2")
		assert.False(ok)
	})

	assert.Equal([][]string{{"unread:bob:p1"}, {"unread:bob"}}, invalidated)
}

func TestParticipantKeyDoesNotMatchPrefixOfOtherParticipant(t *testing.T) {
	counter := &stubCounter{counts: map[model.ConversationID]int{"p1": 2}}
	cache := NewCache(counter)
	ctx := context.Background()

	_, _ = cache.Count(ctx, "bobby", "p1")
	_ = cache.Invalidate(ctx, ParticipantKey("bob"))
	_, ok := cache.Cached("bobby", "p1")
	assert.True(t, ok)
}
