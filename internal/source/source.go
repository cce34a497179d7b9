// Package source selects where a chat client reads and writes: the live
// backend or a deterministic in-memory fixture.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/model"
)

// Store is the persisted-store side of a source.
type Store interface {
	ListMessages(ctx context.Context, conversationID model.ConversationID, since *time.Time) ([]model.Message, error)
	InsertMessage(ctx context.Context, draft model.Draft) (model.Message, error)
	MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error
	GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error)
}

type Source interface {
	Store
	channel.Transport
	Mode() model.Mode
}

type live struct {
	Store
	channel.Transport
}

func (live) Mode() model.Mode { return model.ModeLive }

// Live joins the persisted store and the live event channel into a source.
func Live(store Store, transport channel.Transport) Source {
	return live{store, transport}
}

type TeardownFunc func(from model.Mode)

// Switch holds the current mode. Changing mode runs the teardown hooks before
// the next mode's source exists, and every entry into fixture mode gets a
// fresh fixture.
type Switch struct {
	mu         sync.Mutex
	mode       model.Mode
	live       Source
	newFixture func() Source
	current    Source
	teardown   []TeardownFunc
}

func NewSwitch(mode model.Mode, liveSource Source, newFixture func() Source) (*Switch, error) {
	s := &Switch{live: liveSource, newFixture: newFixture}
	source, err := s.build(mode)
	if err != nil {
		return nil, err
	}
	s.mode = mode
	s.current = source
	return s, nil
}

func (s *Switch) Mode() model.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Switch) Current() Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Switch) OnTeardown(fn TeardownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown = append(s.teardown, fn)
}

// SetMode switches to mode. It reports whether anything changed.
func (s *Switch) SetMode(mode model.Mode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == s.mode {
		return false, nil
	}
	if _, err := model.ParseMode(string(mode)); err != nil {
		return false, err
	}
	if mode == model.ModeLive && s.live == nil {
		return false, fmt.Errorf("%w: no live source configured", model.ErrorValidation)
	}

	from := s.mode
	for _, fn := range s.teardown {
		fn(from)
	}
	s.current = nil

	source, err := s.build(mode)
	if err != nil {
		return false, err
	}
	s.mode = mode
	s.current = source
	log.Infof("source: switched from %s to %s", from, mode)
	return true, nil
}

func (s *Switch) build(mode model.Mode) (Source, error) {
	switch mode {
	case model.ModeLive:
		if s.live == nil {
			return nil, fmt.Errorf("%w: no live source configured", model.ErrorValidation)
		}
		return s.live, nil
	case model.ModeFixture:
		if s.newFixture == nil {
			return NewFixture(DefaultFixtureData()), nil
		}
		return s.newFixture(), nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", model.ErrorValidation, mode)
}
