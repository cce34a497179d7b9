package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"uk.co.dudmesh.sitechat/internal/model"
)

func TestNext(t *testing.T) {
	assert := assert.New(t)

	state, changed := Next(model.DeliverySent, model.DeliveryDelivered)
	assert.True(changed)
	assert.Equal(model.DeliveryDelivered, state)

	state, changed = Next(model.DeliveryRead, model.DeliveryDelivered)
	assert.False(changed)
	assert.Equal(model.DeliveryRead, state)

	state, changed = Next(model.DeliveryDelivered, model.DeliveryDelivered)
	assert.False(changed)
	assert.Equal(model.DeliveryDelivered, state)
}

func TestApply(t *testing.T) {
	assert := assert.New(t)

	var seen []Transition
	machine := New(func(t Transition) { seen = append(seen, t) })
	msg := &model.Message{Ref: model.Confirmed("m1"), State: Initial()}

	t.Run("forward", func(t *testing.T) {
		assert.True(machine.Confirm(msg))
		assert.Equal(model.DeliveryDelivered, msg.State)
		assert.True(machine.Apply(msg, model.DeliveryRead))
		assert.Equal(model.DeliveryRead, msg.State)
	})

	t.Run("backwards is a no-op", func(t *testing.T) {
		assert.False(machine.Apply(msg, model.DeliverySent))
		assert.False(machine.Confirm(msg))
		assert.Equal(model.DeliveryRead, msg.State)
	})

	assert.Equal([]Transition{
		{ID: "m1", From: model.DeliverySent, To: model.DeliveryDelivered},
		{ID: "m1", From: model.DeliveryDelivered, To: model.DeliveryRead},
	}, seen)
}

func TestSkipDelivered(t *testing.T) {
	assert := assert.New(t)

	msg := &model.Message{Ref: model.Pending("t1"), State: model.DeliverySent}
	assert.True(New().Apply(msg, model.DeliveryRead))
	assert.Equal(model.DeliveryRead, msg.State)
}
