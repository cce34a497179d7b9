// Package channel owns the live event subscriptions of a chat client: at most
// one per conversation, each bound to the data mode it was opened in.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/model"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusActive
	StatusErrored
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusErrored:
		return "errored"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Feed is one live subscription on a transport. Events is closed when the
// feed ends; Err then reports why (nil after Close).
type Feed interface {
	Events() <-chan model.Event
	Err() error
	Close() error
}

// Transport opens feeds. A successful Subscribe means the subscription is
// active: only events published after it returns are delivered.
type Transport interface {
	Subscribe(ctx context.Context, topic string) (Feed, error)
}

// Sink receives the events of a handle. It runs under the handle's lock and
// must not close the handle.
type Sink func(model.Event)

type StatusFunc func(h *Handle, status Status, err error)

type Backoff struct {
	Initial     time.Duration
	MaxInterval time.Duration
	MaxRetries  uint64
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 250 * time.Millisecond, MaxInterval: 10 * time.Second, MaxRetries: 5}
}

func (b Backoff) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.MaxInterval = b.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, b.MaxRetries), ctx)
}

// delay is the wait before the n-th consecutive reopen.
func (b Backoff) delay(n uint64) time.Duration {
	if n == 0 {
		return 0
	}
	d := b.Initial
	for i := uint64(1); i < n && d < b.MaxInterval; i++ {
		d *= 2
	}
	if d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}

var ErrorReopenLimit = errors.New("reopen limit reached")

type Handle struct {
	id             uint64
	conversationID model.ConversationID
	mode           model.Mode
	manager        *Manager
	sink           Sink
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}

	mu       sync.Mutex
	closed   bool
	feed     Feed
	status   Status
	err      error
	received bool
}

func (h *Handle) ConversationID() model.ConversationID { return h.conversationID }
func (h *Handle) Mode() model.Mode                     { return h.mode }

func (h *Handle) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Done is closed once the handle's pump has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) run(transport Transport, delay time.Duration, policy Backoff) {
	defer close(h.done)

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-h.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	h.setStatus(StatusConnecting, nil)

	topic := model.TopicFor(h.conversationID)
	var feed Feed
	err := backoff.Retry(func() error {
		f, err := transport.Subscribe(h.ctx, topic)
		if err != nil {
			if h.ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Warnf("channel: subscribing to %s: %v", topic, err)
			return err
		}
		feed = f
		return nil
	}, policy.policy(h.ctx))
	if err != nil {
		if h.ctx.Err() == nil {
			h.setStatus(StatusErrored, fmt.Errorf("%w: subscribing to %s: %w", model.ErrorSubscription, topic, err))
		}
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		feed.Close()
		return
	}
	h.feed = feed
	h.mu.Unlock()
	h.setStatus(StatusActive, nil)

	for event := range feed.Events() {
		h.deliver(event)
	}

	if h.isClosed() {
		return
	}
	err = feed.Err()
	if err == nil {
		err = errors.New("feed ended")
	}
	h.setStatus(StatusErrored, fmt.Errorf("%w: %s: %w", model.ErrorSubscription, topic, err))
}

func (h *Handle) deliver(event model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		metrics.EventsApplied.WithLabelValues(string(event.Type), "dropped").Inc()
		return
	}
	h.received = true
	h.sink(event)
}

func (h *Handle) setStatus(status Status, err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.err = err
	h.mu.Unlock()

	h.manager.notify(h, status, err)
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// close releases the handle. Once it returns no further event reaches the sink.
func (h *Handle) close() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.status = StatusClosed
	h.err = nil
	feed := h.feed
	h.mu.Unlock()

	h.cancel()
	if feed != nil {
		if err := feed.Close(); err != nil {
			log.Warnf("channel: closing feed for %s: %v", h.conversationID, err)
		}
	}
	return true
}

type Manager struct {
	policy   Backoff
	onStatus StatusFunc

	mu      sync.Mutex
	nextID  uint64
	handles map[model.ConversationID]*Handle
	reopens map[model.ConversationID]uint64
}

func NewManager(policy Backoff, onStatus StatusFunc) *Manager {
	return &Manager{
		policy:   policy,
		onStatus: onStatus,
		handles:  make(map[model.ConversationID]*Handle),
		reopens:  make(map[model.ConversationID]uint64),
	}
}

// Open subscribes to conversationID on transport. Any handle already open for
// the conversation is released first. Failures are reported through the
// status callback, never returned.
func (m *Manager) Open(ctx context.Context, conversationID model.ConversationID, mode model.Mode, transport Transport, sink Sink) *Handle {
	return m.open(ctx, conversationID, mode, transport, sink, 0)
}

func (m *Manager) open(ctx context.Context, conversationID model.ConversationID, mode model.Mode, transport Transport, sink Sink, delay time.Duration) *Handle {
	m.mu.Lock()
	previous := m.handles[conversationID]
	delete(m.handles, conversationID)
	m.mu.Unlock()

	if previous != nil && previous.close() {
		m.notify(previous, StatusClosed, nil)
	}

	hctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.nextID++
	h := &Handle{
		id:             m.nextID,
		conversationID: conversationID,
		mode:           mode,
		manager:        m,
		sink:           sink,
		ctx:            hctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	m.handles[conversationID] = h
	m.mu.Unlock()

	go h.run(transport, delay, m.policy)
	return h
}

// Reopen closes h and opens a replacement after a backoff that grows with each
// consecutive reopen of the conversation. Consecutive reopens are capped by the
// backoff's MaxRetries; the count resets once a handle receives an event.
func (m *Manager) Reopen(ctx context.Context, h *Handle, transport Transport) (*Handle, error) {
	h.mu.Lock()
	received := h.received
	h.mu.Unlock()

	m.mu.Lock()
	if received {
		m.reopens[h.conversationID] = 0
	}
	attempt := m.reopens[h.conversationID] + 1
	if attempt > m.policy.MaxRetries {
		m.mu.Unlock()
		m.Close(h)
		return nil, fmt.Errorf("%w: %s: %w", model.ErrorSubscription, h.conversationID, ErrorReopenLimit)
	}
	m.reopens[h.conversationID] = attempt
	m.mu.Unlock()

	return m.open(ctx, h.conversationID, h.mode, transport, h.sink, m.policy.delay(attempt)), nil
}

// Close releases h if it is still open.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.handles[h.conversationID] == h {
		delete(m.handles, h.conversationID)
	}
	m.mu.Unlock()

	if h.close() {
		m.notify(h, StatusClosed, nil)
	}
}

// CloseAll releases every open handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[model.ConversationID]*Handle)
	m.reopens = make(map[model.ConversationID]uint64)
	m.mu.Unlock()

	for _, h := range handles {
		if h.close() {
			m.notify(h, StatusClosed, nil)
		}
	}
}

// Current returns the open handle of conversationID, or nil.
func (m *Manager) Current(conversationID model.ConversationID) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[conversationID]
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) notify(h *Handle, status Status, err error) {
	metrics.SubscriptionStatus.WithLabelValues(status.String()).Inc()
	if err != nil {
		log.Warnf("channel: %s (%s) %s: %v", h.conversationID, h.mode, status, err)
	}
	if m.onStatus != nil {
		m.onStatus(h, status, err)
	}
}
