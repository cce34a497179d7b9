package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.sitechat/internal/model"
)

type stubCutoffs struct {
	cutoffs map[model.ParticipantID]*time.Time
	calls   int
	err     error
}

func (s *stubCutoffs) GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.cutoffs[participantID], nil
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func TestCutoffFor(t *testing.T) {
	assert := assert.New(t)
	cutoff := day(10)
	store := &stubCutoffs{cutoffs: map[model.ParticipantID]*time.Time{"late-joiner": &cutoff}}
	policy := New(store)
	ctx := context.Background()

	got, err := policy.CutoffFor(ctx, "p1", "late-joiner")
	assert.Nil(err)
	assert.Equal(cutoff, *got)

	got, err = policy.CutoffFor(ctx, "p1", "founder")
	assert.Nil(err)
	assert.Nil(got)

	_, _ = policy.CutoffFor(ctx, "p1", "late-joiner")
	assert.Equal(2, store.calls)

	policy.Forget("p1", "late-joiner")
	_, _ = policy.CutoffFor(ctx, "p1", "late-joiner")
	assert.Equal(3, store.calls)
}

func TestCutoffForError(t *testing.T) {
	policy := New(&stubCutoffs{err: errors.New("boom")})
	_, err := policy.CutoffFor(context.Background(), "p1", "x")
	assert.Error(t, err)
}

func TestFilter(t *testing.T) {
	assert := assert.New(t)
	messages := []model.Message{
		{Ref: model.Confirmed("a"), CreatedAt: day(5)},
		{Ref: model.Confirmed("b"), CreatedAt: day(10)},
		{Ref: model.Confirmed("c"), CreatedAt: day(20)},
	}

	cutoff := day(10)
	visible := Filter(messages, &cutoff)
	assert.Len(visible, 2)
	assert.Equal(model.MessageID("b"), visible[0].ID())
	assert.Equal(model.MessageID("c"), visible[1].ID())
	assert.Len(messages, 3)

	assert.Len(Filter(messages, nil), 3)
}
