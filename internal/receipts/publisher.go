// Package receipts propagates "mark as read" to the store, collapsing bursts
// of triggers into one write per conversation and participant.
package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/unread"
)

const (
	DefaultWindow  = 500 * time.Millisecond
	DefaultTimeout = 10 * time.Second
)

type Store interface {
	MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error
}

// UnreadCheck reports whether the participant has anything left to mark.
type UnreadCheck func(conversationID model.ConversationID, participantID model.ParticipantID) bool

// ReadFunc is told which instant a successful write covered.
type ReadFunc func(conversationID model.ConversationID, participantID model.ParticipantID, at time.Time)

type Options struct {
	Window      time.Duration
	Timeout     time.Duration
	HasUnread   UnreadCheck
	OnRead      ReadFunc
	Invalidator unread.Invalidator
}

type key struct {
	conversationID model.ConversationID
	participantID  model.ParticipantID
}

type Publisher struct {
	store Store
	opts  Options

	mu     sync.Mutex
	timers map[key]*time.Timer
	closed bool
}

func New(store Store, opts Options) *Publisher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Publisher{
		store:  store,
		opts:   opts,
		timers: make(map[key]*time.Timer),
	}
}

// MarkRead schedules a read write for the pair. Calls arriving while a write is
// already scheduled are absorbed by it, so the write happens at most one window
// after the first call of a burst.
func (p *Publisher) MarkRead(conversationID model.ConversationID, participantID model.ParticipantID) {
	if p.opts.HasUnread != nil && !p.opts.HasUnread(conversationID, participantID) {
		return
	}

	k := key{conversationID, participantID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, scheduled := p.timers[k]; scheduled {
		return
	}
	p.timers[k] = time.AfterFunc(p.opts.Window, func() {
		if !p.take(k) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.Timeout)
		defer cancel()
		p.publish(ctx, k)
	})
}

// Flush performs every scheduled write now.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	keys := make([]key, 0, len(p.timers))
	for k, timer := range p.timers {
		if timer.Stop() {
			keys = append(keys, k)
			delete(p.timers, k)
		}
	}
	p.mu.Unlock()

	for _, k := range keys {
		p.publish(ctx, k)
	}
}

// Close drops scheduled writes. MarkRead is a no-op afterwards.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for k, timer := range p.timers {
		timer.Stop()
		delete(p.timers, k)
	}
}

func (p *Publisher) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

func (p *Publisher) take(k key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.timers[k]; !ok || p.closed {
		return false
	}
	delete(p.timers, k)
	return true
}

func (p *Publisher) publish(ctx context.Context, k key) {
	at := model.Now()
	if err := p.store.MarkRead(ctx, k.conversationID, k.participantID); err != nil {
		metrics.ReadReceipts.WithLabelValues("failed").Inc()
		log.Warnf("receipts: marking %s read for %s: %v", k.conversationID, k.participantID, err)
		return
	}
	metrics.ReadReceipts.WithLabelValues("ok").Inc()

	if p.opts.Invalidator != nil {
		keys := []string{
			unread.ParticipantKey(k.participantID),
			unread.ConversationKey(k.participantID, k.conversationID),
		}
		if err := p.opts.Invalidator.Invalidate(ctx, keys...); err != nil {
			log.Warnf("receipts: invalidating unread counts for %s: %v", k.participantID, err)
		}
	}
	if p.opts.OnRead != nil {
		p.opts.OnRead(k.conversationID, k.participantID, at)
	}
}
