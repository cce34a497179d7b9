package model

import "time"

type ParticipantID string
type ConversationID string

type Participant struct {
	ID        ParticipantID `db:"ID" json:"id"`
	Name      string        `db:"Name" json:"name"`
	Email     string        `db:"Email" json:"email"`
	AvatarURL string        `db:"AvatarURL" json:"avatarUrl,omitempty"`
}

// Membership is the participant side of a conversation. A nil HistoryCutoff
// means the participant sees the whole history.
type Membership struct {
	ConversationID ConversationID `db:"ConversationID" json:"conversationId"`
	ParticipantID  ParticipantID  `db:"ParticipantID" json:"participantId"`
	HistoryCutoff  *time.Time     `db:"HistoryCutoff" json:"historyCutoff,omitempty"`
}

// Visible reports whether a message created at createdAt is visible under cutoff.
func Visible(createdAt time.Time, cutoff *time.Time) bool {
	return cutoff == nil || !createdAt.Before(*cutoff)
}
