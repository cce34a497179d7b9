// Package delivery implements the per-message delivery state machine:
// sent -> delivered -> read, strictly monotonic.
package delivery

import (
	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/model"
)

type Transition struct {
	ID   model.MessageID
	From model.DeliveryState
	To   model.DeliveryState
}

type Observer func(Transition)

type Machine struct {
	observers []Observer
}

func New(observers ...Observer) *Machine {
	return &Machine{observers: observers}
}

// Rank orders states. Unknown states rank below sent.
func Rank(state model.DeliveryState) int {
	switch state {
	case model.DeliverySent:
		return 1
	case model.DeliveryDelivered:
		return 2
	case model.DeliveryRead:
		return 3
	}
	return 0
}

// Next returns the state after requesting a move from current to requested.
// Moves to a lower or equal rank leave the state unchanged.
func Next(current, requested model.DeliveryState) (model.DeliveryState, bool) {
	if Rank(requested) <= Rank(current) {
		return current, false
	}
	return requested, true
}

// Apply moves msg to state if that is forward. It reports whether msg changed.
func (m *Machine) Apply(msg *model.Message, state model.DeliveryState) bool {
	next, changed := Next(msg.State, state)
	if !changed {
		return false
	}
	t := Transition{ID: msg.ID(), From: msg.State, To: next}
	msg.State = next
	metrics.DeliveryTransitions.WithLabelValues(next.String()).Inc()
	for _, observe := range m.observers {
		observe(t)
	}
	return true
}

// Confirm marks a message whose authoritative copy has been observed. The
// store never signals delivery on its own, so seeing the confirmed message
// is what makes it delivered.
func (m *Machine) Confirm(msg *model.Message) bool {
	return m.Apply(msg, model.DeliveryDelivered)
}

// Initial is the state of a freshly created message.
func Initial() model.DeliveryState {
	return model.DeliverySent
}
