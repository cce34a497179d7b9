package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"uk.co.dudmesh.sitechat/internal/model"
)

func (s *Store) UpsertParticipant(ctx context.Context, participant model.Participant) error {
	if participant.ID == "" {
		return fmt.Errorf("%w: missing participant id", model.ErrorValidation)
	}
	_, err := s.db.NamedExecContext(ctx, `insert into participants (ID, Name, Email, AvatarURL)
		values (:ID, :Name, :Email, :AvatarURL)
		on conflict (ID) do update set Name = excluded.Name, Email = excluded.Email, AvatarURL = excluded.AvatarURL`, &participant)
	if err != nil {
		return fmt.Errorf("upserting participant: %w", err)
	}
	return nil
}

func (s *Store) Participant(ctx context.Context, id model.ParticipantID) (model.Participant, error) {
	participant := model.Participant{}
	err := s.db.GetContext(ctx, &participant, `select ID, Name, Email, AvatarURL from participants where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return participant, model.ErrorParticipantNotFound
		}
		return participant, fmt.Errorf("fetching participant: %w", err)
	}
	return participant, nil
}

// Join adds participantID to conversationID. Joining again keeps the
// existing cutoff.
func (s *Store) Join(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error {
	_, err := s.db.ExecContext(ctx, `insert into memberships (ConversationID, ParticipantID) values (?, ?)
		on conflict (ConversationID, ParticipantID) do nothing`, conversationID, participantID)
	if err != nil {
		return fmt.Errorf("joining conversation: %w", err)
	}
	return nil
}

func (s *Store) Memberships(ctx context.Context, participantID model.ParticipantID) ([]model.Membership, error) {
	var memberships []model.Membership
	err := s.db.SelectContext(ctx, &memberships, `select ConversationID, ParticipantID, HistoryCutoff from memberships
		where ParticipantID = ? order by ConversationID`, participantID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	for i := range memberships {
		if memberships[i].HistoryCutoff != nil {
			cutoff := memberships[i].HistoryCutoff.UTC()
			memberships[i].HistoryCutoff = &cutoff
		}
	}
	return memberships, nil
}

// GetHistoryCutoff returns nil when the participant sees the whole history,
// including when they are not a member yet.
func (s *Store) GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error) {
	var cutoff sql.NullTime
	err := s.db.GetContext(ctx, &cutoff, `select HistoryCutoff from memberships where ConversationID = ? and ParticipantID = ?`,
		conversationID, participantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching history cutoff: %w", err)
	}
	if !cutoff.Valid {
		return nil, nil
	}
	t := cutoff.Time.UTC()
	return &t, nil
}

// SetHistoryCutoff makes messages created before cutoff invisible to
// participantID. A nil cutoff restores the full history.
func (s *Store) SetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID, cutoff *time.Time) error {
	var value sql.NullTime
	if cutoff != nil {
		value = sql.NullTime{Time: cutoff.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `insert into memberships (ConversationID, ParticipantID, HistoryCutoff) values (?, ?, ?)
		on conflict (ConversationID, ParticipantID) do update set HistoryCutoff = excluded.HistoryCutoff`,
		conversationID, participantID, value)
	if err != nil {
		return fmt.Errorf("setting history cutoff: %w", err)
	}
	return nil
}

// UnreadCount counts visible messages from others created after the
// participant's read marker. An empty conversationID counts every
// conversation the participant belongs to.
func (s *Store) UnreadCount(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error) {
	query := `select count(*) from messages m
		join memberships ms on ms.ConversationID = m.ConversationID and ms.ParticipantID = ?
		left join read_markers r on r.ConversationID = m.ConversationID and r.ParticipantID = ?
		where m.SenderID != ?
		and (r.ReadAt is null or m.CreatedAt > r.ReadAt)
		and (ms.HistoryCutoff is null or m.CreatedAt >= ms.HistoryCutoff)`
	args := []interface{}{participantID, participantID, participantID}
	if conversationID != "" {
		query += ` and m.ConversationID = ?`
		args = append(args, conversationID)
	}

	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}
