// Package timeline holds the ordered, deduplicated message log of one
// conversation.
package timeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/delivery"
	"uk.co.dudmesh.sitechat/internal/model"
)

// Patch lists the only fields that may change after a message is inserted.
type Patch struct {
	State    *model.DeliveryState
	Edited   *bool
	EditedAt *time.Time
}

// PatchFrom builds the patch carried by an update of msg.
func PatchFrom(msg *model.Message) Patch {
	state := msg.State
	edited := msg.Edited
	return Patch{State: &state, Edited: &edited, EditedAt: msg.EditedAt}
}

type Log struct {
	mu        sync.RWMutex
	machine   *delivery.Machine
	entries   []model.Message
	confirmed map[model.MessageID]struct{}
	pending   map[model.MessageID]struct{}
}

func New(machine *delivery.Machine) *Log {
	if machine == nil {
		machine = delivery.New()
	}
	return &Log{
		machine:   machine,
		confirmed: make(map[model.MessageID]struct{}),
		pending:   make(map[model.MessageID]struct{}),
	}
}

// Append inserts msg at its sorted position. It returns false when the
// message is already present.
func (l *Log) Append(msg model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.has(msg.Ref) {
		return false
	}
	l.insertSorted(msg.Clone())
	return true
}

// Reconcile replaces the pending entry tentativeID with its authoritative
// copy, keeping the entry where it is unless that would break ordering. With
// no pending counterpart the authoritative message is appended. It returns
// false when the authoritative message was already present.
func (l *Log) Reconcile(tentativeID model.MessageID, authoritative model.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !authoritative.Ref.IsConfirmed() {
		log.Errorf("timeline: reconcile of %s with unconfirmed ref %s", tentativeID, authoritative.Ref)
		return false
	}

	idx := l.indexOf(model.Pending(tentativeID))
	if l.has(authoritative.Ref) {
		if idx >= 0 {
			l.removeAt(idx)
		}
		return false
	}
	if idx < 0 {
		l.insertSorted(authoritative.Clone())
		return true
	}

	merged := authoritative.Clone()
	l.machine.Apply(&merged, l.entries[idx].State)
	delete(l.pending, tentativeID)
	l.confirmed[merged.ID()] = struct{}{}
	l.entries[idx] = merged

	if !l.inOrderAt(idx) {
		l.removeAt(idx)
		l.insertSorted(merged)
	}
	return true
}

// UpdateState applies patch to the confirmed message id. Delivery state only
// moves forward.
func (l *Log) UpdateState(id model.MessageID, patch Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexOf(model.Confirmed(id))
	if idx < 0 {
		return fmt.Errorf("updating %s: %w", id, model.ErrorUnknownMessage)
	}
	msg := &l.entries[idx]
	if patch.State != nil {
		l.machine.Apply(msg, *patch.State)
	}
	if patch.Edited != nil && *patch.Edited {
		msg.Edited = true
		if patch.EditedAt != nil {
			editedAt := *patch.EditedAt
			msg.EditedAt = &editedAt
		}
	}
	return nil
}

// AdvanceWhere moves every message matching filter to state and returns the
// refs that changed.
func (l *Log) AdvanceWhere(filter func(*model.Message) bool, state model.DeliveryState) []model.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changed []model.Ref
	for i := range l.entries {
		msg := &l.entries[i]
		if filter(msg) && l.machine.Apply(msg, state) {
			changed = append(changed, msg.Ref)
		}
	}
	return changed
}

// RemoveWhere drops every message matching filter and returns how many went.
func (l *Log) RemoveWhere(filter func(*model.Message) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		if filter(&l.entries[i]) {
			l.removeAt(i)
			removed++
		}
	}
	return removed
}

// Any reports whether some message matches filter.
func (l *Log) Any(filter func(*model.Message) bool) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.entries {
		if filter(&l.entries[i]) {
			return true
		}
	}
	return false
}

func (l *Log) Get(ref model.Ref) (model.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.indexOf(ref)
	if idx < 0 {
		return model.Message{}, false
	}
	return l.entries[idx].Clone(), true
}

func (l *Log) HasPending(tentativeID model.MessageID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pending[tentativeID]
	return ok
}

// Snapshot returns a copy of the log in order.
func (l *Log) Snapshot() []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Message, len(l.entries))
	for i := range l.entries {
		out[i] = l.entries[i].Clone()
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.confirmed = make(map[model.MessageID]struct{})
	l.pending = make(map[model.MessageID]struct{})
}

func (l *Log) has(ref model.Ref) bool {
	if ref.IsPending() {
		_, ok := l.pending[ref.ID]
		return ok
	}
	_, ok := l.confirmed[ref.ID]
	return ok
}

func (l *Log) indexOf(ref model.Ref) int {
	if !l.has(ref) {
		return -1
	}
	for i := range l.entries {
		if l.entries[i].Ref == ref {
			return i
		}
	}
	return -1
}

func (l *Log) insertSorted(msg model.Message) {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return msg.Before(&l.entries[i])
	})
	l.entries = append(l.entries, model.Message{})
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = msg
	l.track(msg.Ref)
}

func (l *Log) removeAt(idx int) {
	ref := l.entries[idx].Ref
	l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
	if ref.IsPending() {
		delete(l.pending, ref.ID)
	} else {
		delete(l.confirmed, ref.ID)
	}
}

func (l *Log) track(ref model.Ref) {
	if ref.IsPending() {
		l.pending[ref.ID] = struct{}{}
	} else {
		l.confirmed[ref.ID] = struct{}{}
	}
}

func (l *Log) inOrderAt(idx int) bool {
	if idx > 0 && l.entries[idx].Before(&l.entries[idx-1]) {
		return false
	}
	if idx < len(l.entries)-1 && l.entries[idx+1].Before(&l.entries[idx]) {
		return false
	}
	return true
}
