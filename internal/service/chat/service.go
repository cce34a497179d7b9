// Package chat is the client-side chat engine of one conversation view: it
// loads history within the participant's window, keeps the local log in step
// with the live channel, sends optimistically and propagates read receipts.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/delivery"
	"uk.co.dudmesh.sitechat/internal/history"
	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/receipts"
	"uk.co.dudmesh.sitechat/internal/source"
	"uk.co.dudmesh.sitechat/internal/timeline"
	"uk.co.dudmesh.sitechat/internal/unread"
)

type Options struct {
	Mode model.Mode
	// Live is required for live mode. Fixture mode works without it.
	Live       source.Source
	NewFixture func() source.Source
	Identity   identity.Provider

	Backoff     channel.Backoff
	ReadWindow  time.Duration
	Invalidator unread.Invalidator

	// OnChange is told about every message the live channel applied. It runs
	// on the subscription goroutine and must not call back into the service.
	OnChange func(model.Message)
}

// Status is what the view shows about the connection.
type Status struct {
	Connection channel.Status
	Err        error
}

type StatusFunc func(Status)

// binding is the conversation the service currently shows.
type binding struct {
	conversationID model.ConversationID
	participantID  model.ParticipantID
	mode           model.Mode
}

// modeState is everything built for one entry into a mode.
type modeState struct {
	source   source.Source
	policy   *history.Policy
	receipts *receipts.Publisher
}

type service struct {
	opts     Options
	identity identity.Provider
	modes    *source.Switch
	machine  *delivery.Machine
	log      *timeline.Log
	channels *channel.Manager

	ctx    context.Context
	cancel context.CancelFunc

	bound   atomic.Pointer[binding]
	state   atomic.Pointer[modeState]
	sending atomic.Int32
	visible atomic.Bool
	resync  atomic.Bool

	mu         sync.Mutex
	generation uint64
	closed     bool

	statusMu  sync.Mutex
	status    Status
	listeners map[int]StatusFunc
	nextID    int
}

func New(opts Options) (*service, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("%w: no identity provider", model.ErrorValidation)
	}
	if opts.Mode == "" {
		opts.Mode = model.ModeLive
	}
	if opts.Backoff == (channel.Backoff{}) {
		opts.Backoff = channel.DefaultBackoff()
	}

	modes, err := source.NewSwitch(opts.Mode, opts.Live, opts.NewFixture)
	if err != nil {
		return nil, fmt.Errorf("selecting %s source: %w", opts.Mode, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &service{
		opts:      opts,
		identity:  opts.Identity,
		modes:     modes,
		machine:   delivery.New(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]StatusFunc),
	}
	s.log = timeline.New(s.machine)
	s.channels = channel.NewManager(opts.Backoff, s.onChannelStatus)
	s.state.Store(s.newModeState(modes.Current()))
	modes.OnTeardown(s.teardown)
	return s, nil
}

func (s *service) newModeState(src source.Source) *modeState {
	return &modeState{
		source: src,
		policy: history.New(src),
		receipts: receipts.New(src, receipts.Options{
			Window:      s.opts.ReadWindow,
			HasUnread:   s.hasUnread,
			OnRead:      s.onRead,
			Invalidator: s.opts.Invalidator,
		}),
	}
}

// teardown runs inside SetMode with s.mu held, before the next mode's source
// is built.
func (s *service) teardown(from model.Mode) {
	s.generation++
	s.bound.Store(nil)
	s.channels.CloseAll()
	if state := s.state.Swap(nil); state != nil {
		state.receipts.Close()
	}
	s.log.Reset()
	log.Infof("chat: tore down %s mode", from)
}

func (s *service) Mode() model.Mode {
	return s.modes.Mode()
}

// SetMode switches data source. The conversation on screen is reloaded from
// the new source.
func (s *service) SetMode(ctx context.Context, mode model.Mode) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: chat closed", model.ErrorValidation)
	}
	previous := s.bound.Load()
	changed, err := s.modes.SetMode(mode)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if changed {
		s.state.Store(s.newModeState(s.modes.Current()))
	}
	s.mu.Unlock()

	if !changed || previous == nil {
		return nil
	}
	_, err = s.LoadMessages(ctx, previous.conversationID)
	return err
}

// LoadMessages shows conversationID. The live subscription is opened before
// history is read so nothing published in between is lost; a load overtaken
// by a newer one returns ErrorLoadSuperseded.
func (s *service) LoadMessages(ctx context.Context, conversationID model.ConversationID) ([]model.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: missing conversation", model.ErrorValidation)
	}
	participant, err := s.identity.CurrentParticipant(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chat closed", model.ErrorValidation)
	}
	state := s.state.Load()
	mode := state.source.Mode()
	s.generation++
	generation := s.generation

	next := &binding{conversationID: conversationID, participantID: participant.ID, mode: mode}
	if previous := s.bound.Load(); previous == nil || *previous != *next {
		s.log.Reset()
		if previous != nil && previous.conversationID != conversationID {
			s.channels.Close(s.channels.Current(previous.conversationID))
		}
	}
	s.bound.Store(next)
	if !usable(s.channels.Current(conversationID), mode) {
		s.channels.Open(s.ctx, conversationID, mode, state.source, s.sinkFor(conversationID, mode))
	}
	s.mu.Unlock()

	cutoff, err := state.policy.CutoffFor(ctx, conversationID, participant.ID)
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: %w", model.ErrorNetwork, err))
	}
	messages, err := state.source.ListMessages(ctx, conversationID, cutoff)
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: loading %s: %w", model.ErrorNetwork, conversationID, err))
	}
	messages = history.Filter(messages, cutoff)

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		return nil, model.ErrorLoadSuperseded
	}
	if cutoff != nil {
		s.log.RemoveWhere(func(msg *model.Message) bool {
			return msg.Ref.IsConfirmed() && !model.Visible(msg.CreatedAt, cutoff)
		})
	}
	for i := range messages {
		msg := messages[i]
		s.machine.Confirm(&msg)
		if msg.ClientID != "" && s.log.HasPending(msg.ClientID) {
			// the live confirmation of our own send was missed
			s.log.Reconcile(msg.ClientID, msg)
			continue
		}
		if !s.log.Append(msg) {
			if err := s.log.UpdateState(msg.ID(), timeline.PatchFrom(&msg)); err != nil {
				log.Errorf("chat: %v", err)
			}
		}
	}
	s.mu.Unlock()

	if s.visible.Load() {
		state.receipts.MarkRead(conversationID, participant.ID)
	}
	return s.log.Snapshot(), nil
}

func usable(h *channel.Handle, mode model.Mode) bool {
	if h == nil || h.Mode() != mode {
		return false
	}
	status, _ := h.Status()
	return status != channel.StatusErrored && status != channel.StatusClosed
}

// SendMessage posts text to the loaded conversation. In live mode the
// returned message is the pending entry; its confirmation arrives through
// the live channel. In fixture mode the message is stored locally and
// returned confirmed.
func (s *service) SendMessage(ctx context.Context, text string, attachments ...model.Attachment) (model.Message, error) {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return model.Message{}, fmt.Errorf("%w: message has no text and no attachments", model.ErrorValidation)
	}
	participant, err := s.identity.CurrentParticipant(ctx)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", model.ErrorValidation, err)
	}
	bound := s.bound.Load()
	if bound == nil {
		return model.Message{}, fmt.Errorf("%w: no conversation loaded", model.ErrorValidation)
	}
	state := s.state.Load()
	if state == nil || state.source.Mode() != bound.mode {
		return model.Message{}, fmt.Errorf("%w: mode changed", model.ErrorValidation)
	}

	draft := model.Draft{
		ClientID:       model.NewTentativeID(),
		ConversationID: bound.conversationID,
		SenderID:       participant.ID,
		Body:           text,
		Attachments:    append([]model.Attachment(nil), attachments...),
	}

	if bound.mode == model.ModeFixture {
		msg, err := state.source.InsertMessage(ctx, draft)
		if err != nil {
			return model.Message{}, fmt.Errorf("storing fixture message: %w", err)
		}
		s.machine.Confirm(&msg)
		s.mu.Lock()
		if s.isBound(bound) {
			s.log.Append(msg)
		}
		s.mu.Unlock()
		return msg, nil
	}

	pending := model.Message{
		Ref:            model.Pending(draft.ClientID),
		ClientID:       draft.ClientID,
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Body:           draft.Body,
		Attachments:    draft.Attachments,
		State:          delivery.Initial(),
		CreatedAt:      model.Now(),
	}
	s.mu.Lock()
	if !s.isBound(bound) {
		s.mu.Unlock()
		return model.Message{}, fmt.Errorf("%w: conversation changed while sending", model.ErrorValidation)
	}
	s.log.Append(pending)
	s.mu.Unlock()

	s.sending.Add(1)
	_, err = state.source.InsertMessage(ctx, draft)
	s.sending.Add(-1)
	if err != nil {
		if errors.Is(err, model.ErrorValidation) {
			return pending, err
		}
		return pending, s.fail(fmt.Errorf("%w: sending to %s: %w", model.ErrorNetwork, bound.conversationID, err))
	}
	return pending, nil
}

// isBound reports whether the log still shows the binding a caller started
// from. Callers hold s.mu.
func (s *service) isBound(bound *binding) bool {
	current := s.bound.Load()
	return current != nil && *current == *bound
}

// Messages returns the ordered log of the loaded conversation.
func (s *service) Messages() []model.Message {
	return s.log.Snapshot()
}

func (s *service) IsSending() bool {
	return s.sending.Load() > 0
}

// MarkVisible records that the conversation is on screen and schedules a
// read receipt.
func (s *service) MarkVisible() {
	s.visible.Store(true)
	bound := s.bound.Load()
	state := s.state.Load()
	if bound == nil || state == nil {
		return
	}
	state.receipts.MarkRead(bound.conversationID, bound.participantID)
}

// FlushReceipts performs scheduled read receipts now.
func (s *service) FlushReceipts(ctx context.Context) {
	if state := s.state.Load(); state != nil {
		state.receipts.Flush(ctx)
	}
}

func (s *service) Hide() {
	s.visible.Store(false)
}

// OnStatusChange registers fn and returns a function removing it.
func (s *service) OnStatusChange(fn StatusFunc) func() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.statusMu.Lock()
		defer s.statusMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *service) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Reconnect replaces the subscription of the loaded conversation. Consecutive
// reconnects back off and are capped.
func (s *service) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect(ctx, nil)
}

func (s *service) reconnect(ctx context.Context, expected *channel.Handle) error {
	bound := s.bound.Load()
	state := s.state.Load()
	if s.closed || bound == nil || state == nil {
		return fmt.Errorf("%w: no conversation loaded", model.ErrorValidation)
	}
	current := s.channels.Current(bound.conversationID)
	if expected != nil && current != expected {
		return nil
	}
	// set before the replacement can report active
	s.resync.Store(true)
	if current == nil {
		s.channels.Open(s.ctx, bound.conversationID, bound.mode, state.source, s.sinkFor(bound.conversationID, bound.mode))
		return nil
	}
	if _, err := s.channels.Reopen(s.ctx, current, state.source); err != nil {
		s.resync.Store(false)
		return s.fail(err)
	}
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.generation++
	s.bound.Store(nil)
	s.channels.CloseAll()
	if state := s.state.Swap(nil); state != nil {
		state.receipts.Close()
	}
	s.cancel()
	return nil
}

// sinkFor routes events of one conversation opened in mode. It runs under
// the handle lock, so it only touches the log and atomics.
func (s *service) sinkFor(conversationID model.ConversationID, mode model.Mode) channel.Sink {
	return func(event model.Event) {
		bound := s.bound.Load()
		if bound == nil || bound.mode != mode || bound.conversationID != conversationID || event.Message.ConversationID != conversationID {
			metrics.EventsApplied.WithLabelValues(string(event.Type), "dropped").Inc()
			return
		}

		msg := event.Message.Clone()
		switch event.Type {
		case model.EventInsert:
			s.machine.Confirm(&msg)
			var applied bool
			if msg.ClientID != "" && s.log.HasPending(msg.ClientID) {
				applied = s.log.Reconcile(msg.ClientID, msg)
			} else {
				applied = s.log.Append(msg)
			}
			if !applied {
				metrics.EventsApplied.WithLabelValues(string(event.Type), "duplicate").Inc()
				return
			}
			if msg.SenderID != bound.participantID && s.visible.Load() {
				if state := s.state.Load(); state != nil {
					state.receipts.MarkRead(conversationID, bound.participantID)
				}
			}
		case model.EventUpdate:
			if err := s.log.UpdateState(msg.ID(), timeline.PatchFrom(&msg)); err != nil {
				// updates also cover messages outside the visible window
				metrics.EventsApplied.WithLabelValues(string(event.Type), "ignored").Inc()
				return
			}
		default:
			log.Errorf("chat: unknown event type %q on %s", event.Type, conversationID)
			return
		}

		metrics.EventsApplied.WithLabelValues(string(event.Type), "applied").Inc()
		if s.opts.OnChange != nil {
			if current, ok := s.log.Get(msg.Ref); ok {
				s.opts.OnChange(current)
			}
		}
	}
}

func (s *service) onChannelStatus(h *channel.Handle, status channel.Status, err error) {
	bound := s.bound.Load()
	if bound == nil || h.ConversationID() != bound.conversationID || h.Mode() != bound.mode {
		return
	}
	if status == channel.StatusClosed && s.channels.Current(h.ConversationID()) != nil {
		// replaced, not gone
		return
	}
	s.setStatus(Status{Connection: status, Err: err})

	switch status {
	case channel.StatusErrored:
		go func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := s.reconnect(s.ctx, h); err != nil {
				log.Warnf("chat: giving up on %s: %v", h.ConversationID(), err)
			}
		}()
	case channel.StatusActive:
		if s.resync.CompareAndSwap(true, false) {
			if state := s.state.Load(); state != nil {
				state.policy.Forget(bound.conversationID, bound.participantID)
			}
			go func() {
				if _, err := s.LoadMessages(s.ctx, bound.conversationID); err != nil && !errors.Is(err, model.ErrorLoadSuperseded) {
					log.Warnf("chat: resync of %s: %v", bound.conversationID, err)
				}
			}()
		}
	}
}

func (s *service) hasUnread(conversationID model.ConversationID, participantID model.ParticipantID) bool {
	bound := s.bound.Load()
	if bound == nil || bound.conversationID != conversationID {
		return false
	}
	return s.log.Any(func(msg *model.Message) bool {
		return msg.Ref.IsConfirmed() && msg.SenderID != participantID && msg.State != model.DeliveryRead
	})
}

// onRead advances the messages the successful receipt covered.
func (s *service) onRead(conversationID model.ConversationID, participantID model.ParticipantID, at time.Time) {
	bound := s.bound.Load()
	if bound == nil || bound.conversationID != conversationID || bound.participantID != participantID {
		return
	}
	s.log.AdvanceWhere(func(msg *model.Message) bool {
		return msg.Ref.IsConfirmed() && msg.SenderID != participantID && !msg.CreatedAt.After(at)
	}, model.DeliveryRead)
}

func (s *service) fail(err error) error {
	s.setStatus(Status{Connection: s.Status().Connection, Err: err})
	return err
}

func (s *service) setStatus(status Status) {
	s.statusMu.Lock()
	s.status = status
	listeners := make([]StatusFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.statusMu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}
