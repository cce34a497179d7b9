package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.sitechat/internal/model"
)

var base = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

func confirmed(id string, offset time.Duration) model.Message {
	return model.Message{
		Ref:            model.Confirmed(model.MessageID(id)),
		ConversationID: "p1",
		SenderID:       "alice",
		Body:           id,
		State:          model.DeliveryDelivered,
		CreatedAt:      base.Add(offset),
	}
}

func ids(messages []model.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, string(msg.ID()))
	}
	return out
}

func TestAppendIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)

	assert.True(log.Append(confirmed("m1", 0)))
	assert.False(log.Append(confirmed("m1", 0)))
	assert.Equal([]string{"m1"}, ids(log.Snapshot()))
}

func TestAppendSortsByCreatedAt(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)

	for _, msg := range []model.Message{
		confirmed("c", 3*time.Minute),
		confirmed("a", time.Minute),
		confirmed("d", 4*time.Minute),
		confirmed("b", 2*time.Minute),
	} {
		log.Append(msg)
	}
	assert.Equal([]string{"a", "b", "c", "d"}, ids(log.Snapshot()))
}

func TestAppendBreaksTiesById(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)

	log.Append(confirmed("y", 0))
	log.Append(confirmed("x", 0))
	assert.Equal([]string{"x", "y"}, ids(log.Snapshot()))
}

func TestReconcile(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)

	log.Append(confirmed("a", 0))
	pending := model.Message{Ref: model.Pending("tmp1"), ConversationID: "p1", SenderID: "bob", Body: "hi", CreatedAt: base.Add(time.Minute)}
	assert.True(log.Append(pending))
	log.Append(confirmed("z", 10*time.Minute))
	assert.Equal(1, log.Pending())

	t.Run("replaces in place", func(t *testing.T) {
		auth := confirmed("srv1", 90*time.Second)
		auth.ClientID = "tmp1"
		assert.True(log.Reconcile("tmp1", auth))
		assert.Equal([]string{"a", "srv1", "z"}, ids(log.Snapshot()))
		assert.Equal(0, log.Pending())
		assert.False(log.HasPending("tmp1"))
	})

	t.Run("duplicate confirmation is ignored", func(t *testing.T) {
		auth := confirmed("srv1", 90*time.Second)
		assert.False(log.Reconcile("tmp1", auth))
		assert.Equal(3, log.Len())
	})

	t.Run("moves when the server timestamp lands elsewhere", func(t *testing.T) {
		log.Append(model.Message{Ref: model.Pending("tmp2"), CreatedAt: base.Add(2 * time.Minute)})
		assert.True(log.Reconcile("tmp2", confirmed("srv2", 20*time.Minute)))
		assert.Equal([]string{"a", "srv1", "z", "srv2"}, ids(log.Snapshot()))
	})

	t.Run("no pending counterpart appends", func(t *testing.T) {
		assert.True(log.Reconcile("other-device", confirmed("srv3", 5*time.Minute)))
		assert.Equal([]string{"a", "srv1", "srv3", "z", "srv2"}, ids(log.Snapshot()))
	})

	t.Run("pending dropped when confirmation already present", func(t *testing.T) {
		log.Append(model.Message{Ref: model.Pending("tmp4"), CreatedAt: base.Add(30 * time.Minute)})
		assert.False(log.Reconcile("tmp4", confirmed("srv3", 5*time.Minute)))
		assert.Equal(0, log.Pending())
		assert.Equal(5, log.Len())
	})
}

func TestUpdateState(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)
	log.Append(confirmed("a", 0))
	log.Append(confirmed("b", time.Minute))

	read := model.DeliveryRead
	assert.Nil(log.UpdateState("a", Patch{State: &read}))

	sent := model.DeliverySent
	edited := true
	editedAt := base.Add(time.Hour)
	assert.Nil(log.UpdateState("a", Patch{State: &sent, Edited: &edited, EditedAt: &editedAt}))

	msg, ok := log.Get(model.Confirmed("a"))
	assert.True(ok)
	assert.Equal(model.DeliveryRead, msg.State)
	assert.True(msg.Edited)
	assert.Equal(editedAt, *msg.EditedAt)
	assert.Equal([]string{"a", "b"}, ids(log.Snapshot()))

	assert.ErrorIs(log.UpdateState("missing", Patch{State: &read}), model.ErrorUnknownMessage)
}

func TestAdvanceWhere(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)
	log.Append(confirmed("a", 0))
	mine := confirmed("b", time.Minute)
	mine.SenderID = "bob"
	log.Append(mine)

	changed := log.AdvanceWhere(func(msg *model.Message) bool { return msg.SenderID != "bob" }, model.DeliveryRead)
	assert.Equal([]model.Ref{model.Confirmed("a")}, changed)
	assert.Empty(log.AdvanceWhere(func(msg *model.Message) bool { return msg.SenderID != "bob" }, model.DeliveryRead))
	assert.False(log.Any(func(msg *model.Message) bool { return msg.SenderID != "bob" && msg.State != model.DeliveryRead }))
}

func TestRemoveWhere(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)
	log.Append(confirmed("a", 0))
	log.Append(confirmed("b", time.Minute))
	log.Append(model.Message{Ref: model.Pending("tmp1"), ClientID: "tmp1", CreatedAt: base})

	removed := log.RemoveWhere(func(msg *model.Message) bool {
		return msg.Ref.IsConfirmed() && msg.CreatedAt.Before(base.Add(time.Second))
	})
	assert.Equal(1, removed)
	assert.Equal([]string{"tmp1", "b"}, ids(log.Snapshot()))
	assert.True(log.HasPending("tmp1"))

	assert.True(log.Append(confirmed("a", 0)))
	assert.Equal(0, log.RemoveWhere(func(*model.Message) bool { return false }))
}

func TestSnapshotIsACopy(t *testing.T) {
	assert := assert.New(t)
	log := New(nil)
	msg := confirmed("a", 0)
	msg.Attachments = []model.Attachment{{Name: "plan.pdf"}}
	log.Append(msg)

	snap := log.Snapshot()
	snap[0].Attachments[0].Name = "changed"
	snap[0].Body = "changed"

	again := log.Snapshot()
	assert.Equal("plan.pdf", again[0].Attachments[0].Name)
	assert.Equal("a", again[0].Body)

	log.Reset()
	assert.Equal(0, log.Len())
}
