// Package history decides which part of a conversation a participant may see.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"uk.co.dudmesh.sitechat/internal/model"
)

type CutoffStore interface {
	GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error)
}

type cacheKey struct {
	conversationID model.ConversationID
	participantID  model.ParticipantID
}

// Policy resolves history cutoffs, remembering them for the lifetime of the
// policy. Cutoffs only change through administration; Forget drops a
// remembered value so the next lookup reads the store again.
type Policy struct {
	store CutoffStore

	mu      sync.Mutex
	cutoffs map[cacheKey]*time.Time
}

func New(store CutoffStore) *Policy {
	return &Policy{
		store:   store,
		cutoffs: make(map[cacheKey]*time.Time),
	}
}

// CutoffFor returns the earliest visible createdAt for the participant, or nil
// when the full history is visible.
func (p *Policy) CutoffFor(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error) {
	key := cacheKey{conversationID, participantID}

	p.mu.Lock()
	cutoff, ok := p.cutoffs[key]
	p.mu.Unlock()
	if ok {
		return cutoff, nil
	}

	cutoff, err := p.store.GetHistoryCutoff(ctx, conversationID, participantID)
	if err != nil {
		return nil, fmt.Errorf("getting history cutoff: %w", err)
	}

	p.mu.Lock()
	p.cutoffs[key] = cutoff
	p.mu.Unlock()
	return cutoff, nil
}

func (p *Policy) Forget(conversationID model.ConversationID, participantID model.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cutoffs, cacheKey{conversationID, participantID})
}

// Filter drops messages created before cutoff, keeping order.
func Filter(messages []model.Message, cutoff *time.Time) []model.Message {
	if cutoff == nil {
		return messages
	}
	visible := messages[:0:0]
	for _, msg := range messages {
		if model.Visible(msg.CreatedAt, cutoff) {
			visible = append(visible, msg)
		}
	}
	return visible
}
