package model

import (
	"fmt"
	"time"
)

type MessageID string

type DeliveryState int

const (
	DeliverySent DeliveryState = iota
	DeliveryDelivered
	DeliveryRead
)

var deliveryStateNames = map[DeliveryState]string{
	DeliverySent:      "sent",
	DeliveryDelivered: "delivered",
	DeliveryRead:      "read",
}

func (s DeliveryState) String() string {
	if name, ok := deliveryStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(text []byte) error {
	parsed, err := ParseDeliveryState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseDeliveryState(value string) (DeliveryState, error) {
	for state, name := range deliveryStateNames {
		if name == value {
			return state, nil
		}
	}
	return DeliverySent, fmt.Errorf("unknown delivery state: %q", value)
}

type RefKind int

const (
	RefPending RefKind = iota
	RefConfirmed
)

// Ref identifies a message over its lifetime: a locally generated id while
// the send is pending, the store-assigned id once confirmed.
type Ref struct {
	Kind RefKind   `json:"kind"`
	ID   MessageID `json:"id"`
}

func Pending(tentativeID MessageID) Ref {
	return Ref{Kind: RefPending, ID: tentativeID}
}

func Confirmed(serverID MessageID) Ref {
	return Ref{Kind: RefConfirmed, ID: serverID}
}

func (r Ref) IsPending() bool   { return r.Kind == RefPending }
func (r Ref) IsConfirmed() bool { return r.Kind == RefConfirmed }

func (r Ref) String() string {
	if r.IsPending() {
		return "pending:" + string(r.ID)
	}
	return string(r.ID)
}

type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type Message struct {
	Ref            Ref            `json:"ref"`
	ClientID       MessageID      `json:"clientId,omitempty"` // tentative id echoed back by the store
	ConversationID ConversationID `json:"conversationId"`
	SenderID       ParticipantID  `json:"senderId"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	State          DeliveryState  `json:"state"`
	Edited         bool           `json:"edited"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	RepliedToID    *MessageID     `json:"repliedToId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func (m *Message) ID() MessageID {
	return m.Ref.ID
}

// Before orders messages by (CreatedAt, ID).
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Ref.ID < other.Ref.ID
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.EditedAt != nil {
		editedAt := *m.EditedAt
		m.EditedAt = &editedAt
	}
	if m.RepliedToID != nil {
		repliedTo := *m.RepliedToID
		m.RepliedToID = &repliedTo
	}
	return m
}

// Draft is what a client asks the store to persist.
type Draft struct {
	ClientID       MessageID      `json:"clientId"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       ParticipantID  `json:"senderId"`
	Body           string         `json:"body"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	RepliedToID    *MessageID     `json:"repliedToId,omitempty"`
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is a live change pushed for a conversation topic.
type Event struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

func TopicFor(conversationID ConversationID) string {
	return "conversation:" + string(conversationID)
}

type FrameKind string

const (
	FrameReady FrameKind = "ready"
	FrameEvent FrameKind = "event"
	FrameError FrameKind = "error"
)

// Frame is one websocket message of the events stream. The server sends a
// ready frame once the subscription is active.
type Frame struct {
	Kind  FrameKind `json:"kind"`
	Event *Event    `json:"event,omitempty"`
	Error string    `json:"error,omitempty"`
}
