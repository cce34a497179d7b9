// Package store is the persisted side of the chat: messages, participants,
// memberships with their history cutoffs, and per-participant read markers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nrednav/cuid2"

	"uk.co.dudmesh.sitechat/internal/model"
)

type Config interface {
	DataDirectory() string
}

// Publisher receives every change committed to the store.
type Publisher interface {
	Publish(event model.Event) int
}

type Store struct {
	db        *sqlx.DB
	publisher Publisher
}

// New opens the chat database under the configured data directory.
func New(config Config, publisher Publisher) (*Store, error) {
	return Open("file:"+path.Join(config.DataDirectory(), "chat.db")+"?_foreign_keys=on", publisher)
}

// Memory opens a named in-memory database shared by every connection of the
// process.
func Memory(name string, publisher Publisher) (*Store, error) {
	return Open("file:"+name+"?mode=memory&cache=shared", publisher)
}

func Open(dsn string, publisher Publisher) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite serialises writers anyway; one connection avoids shared-cache table locks.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, publisher: publisher}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	statements := []string{
		`create table if not exists participants(
			ID        text not null primary key,
			Name      text not null,
			Email     text not null default '',
			AvatarURL text not null default ''
		)`,
		`create table if not exists memberships(
			ConversationID text not null,
			ParticipantID  text not null,
			HistoryCutoff  DATETIME null,
			primary key (ConversationID, ParticipantID)
		)`,
		`create table if not exists messages(
			ID             text not null primary key,
			ClientID       text not null default '',
			ConversationID text not null,
			SenderID       text not null,
			Body           text not null,
			Attachments    text not null default '[]',
			State          tinyint not null default 0,
			Edited         boolean not null default 0,
			EditedAt       DATETIME null,
			RepliedToID    text null,
			CreatedAt      DATETIME not null
		)`,
		`create index if not exists messages_conversation on messages(ConversationID, CreatedAt, ID)`,
		`create unique index if not exists messages_client on messages(ConversationID, ClientID) where ClientID != ''`,
		`create table if not exists read_markers(
			ConversationID text not null,
			ParticipantID  text not null,
			ReadAt         DATETIME not null,
			primary key (ConversationID, ParticipantID)
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}
	return nil
}

type messageRow struct {
	ID             string         `db:"ID"`
	ClientID       string         `db:"ClientID"`
	ConversationID string         `db:"ConversationID"`
	SenderID       string         `db:"SenderID"`
	Body           string         `db:"Body"`
	Attachments    string         `db:"Attachments"`
	State          int            `db:"State"`
	Edited         bool           `db:"Edited"`
	EditedAt       sql.NullTime   `db:"EditedAt"`
	RepliedToID    sql.NullString `db:"RepliedToID"`
	CreatedAt      time.Time      `db:"CreatedAt"`
}

func (r *messageRow) message() (model.Message, error) {
	msg := model.Message{
		Ref:            model.Confirmed(model.MessageID(r.ID)),
		ClientID:       model.MessageID(r.ClientID),
		ConversationID: model.ConversationID(r.ConversationID),
		SenderID:       model.ParticipantID(r.SenderID),
		Body:           r.Body,
		State:          model.DeliveryState(r.State),
		Edited:         r.Edited,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.Attachments != "" {
		if err := json.Unmarshal([]byte(r.Attachments), &msg.Attachments); err != nil {
			return msg, fmt.Errorf("decoding attachments of %s: %w", r.ID, err)
		}
		if len(msg.Attachments) == 0 {
			msg.Attachments = nil
		}
	}
	if r.EditedAt.Valid {
		editedAt := r.EditedAt.Time.UTC()
		msg.EditedAt = &editedAt
	}
	if r.RepliedToID.Valid {
		repliedTo := model.MessageID(r.RepliedToID.String)
		msg.RepliedToID = &repliedTo
	}
	return msg, nil
}

const selectMessages = `select ID, ClientID, ConversationID, SenderID, Body, Attachments, State, Edited, EditedAt, RepliedToID, CreatedAt from messages`

// ListMessages returns the messages of a conversation created at or after
// since, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID model.ConversationID, since *time.Time) ([]model.Message, error) {
	query := selectMessages + ` where ConversationID = ?`
	args := []interface{}{conversationID}
	if since != nil {
		query += ` and CreatedAt >= ?`
		args = append(args, since.UTC())
	}
	query += ` order by CreatedAt, ID`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	messages := make([]model.Message, 0, len(rows))
	for i := range rows {
		msg, err := rows[i].message()
		if err != nil {
			return nil, err
		}
		if model.Visible(msg.CreatedAt, since) {
			messages = append(messages, msg)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Before(&messages[j]) })
	return messages, nil
}

func (s *Store) Message(ctx context.Context, id model.MessageID) (model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, selectMessages+` where ID = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, model.ErrorUnknownMessage
		}
		return model.Message{}, fmt.Errorf("fetching message: %w", err)
	}
	return row.message()
}

func validateDraft(draft *model.Draft) error {
	if draft.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation", model.ErrorValidation)
	}
	if draft.SenderID == "" {
		return fmt.Errorf("%w: missing sender", model.ErrorValidation)
	}
	if strings.TrimSpace(draft.Body) == "" && len(draft.Attachments) == 0 {
		return fmt.Errorf("%w: empty message", model.ErrorValidation)
	}
	return nil
}

// InsertMessage persists draft and publishes the insert. A draft whose
// ClientID was already stored for the conversation returns the stored message
// without publishing again.
func (s *Store) InsertMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	if err := validateDraft(&draft); err != nil {
		return model.Message{}, err
	}

	if draft.ClientID != "" {
		var row messageRow
		err := s.db.GetContext(ctx, &row, selectMessages+` where ConversationID = ? and ClientID = ?`, draft.ConversationID, draft.ClientID)
		if err == nil {
			log.Infof("store: duplicate insert of %s in %s", draft.ClientID, draft.ConversationID)
			return row.message()
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("checking for duplicate insert: %w", err)
		}
	}

	attachments, err := json.Marshal(nonNil(draft.Attachments))
	if err != nil {
		return model.Message{}, fmt.Errorf("encoding attachments: %w", err)
	}

	row := messageRow{
		ID:             cuid2.Generate(),
		ClientID:       string(draft.ClientID),
		ConversationID: string(draft.ConversationID),
		SenderID:       string(draft.SenderID),
		Body:           draft.Body,
		Attachments:    string(attachments),
		State:          int(model.DeliverySent),
		CreatedAt:      model.Now(),
	}
	if draft.RepliedToID != nil {
		row.RepliedToID = sql.NullString{String: string(*draft.RepliedToID), Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Message{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `insert into messages
		(ID, ClientID, ConversationID, SenderID, Body, Attachments, State, Edited, EditedAt, RepliedToID, CreatedAt)
		values(:ID, :ClientID, :ConversationID, :SenderID, :Body, :Attachments, :State, :Edited, :EditedAt, :RepliedToID, :CreatedAt)`, &row)
	if err != nil {
		return model.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return model.Message{}, fmt.Errorf("getting rows affected: %w", err)
	} else if rows != 1 {
		return model.Message{}, fmt.Errorf("expected 1 row to be affected, got %d", rows)
	}

	if _, err := tx.ExecContext(ctx, `insert into memberships (ConversationID, ParticipantID) values (?, ?)
		on conflict (ConversationID, ParticipantID) do nothing`, draft.ConversationID, draft.SenderID); err != nil {
		return model.Message{}, fmt.Errorf("joining sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("committing message: %w", err)
	}

	msg, err := row.message()
	if err != nil {
		return model.Message{}, err
	}
	s.publish(model.EventInsert, msg)
	return msg, nil
}

// EditMessage replaces the body of a message. Only its sender may edit it.
func (s *Store) EditMessage(ctx context.Context, id model.MessageID, editor model.ParticipantID, body string) (model.Message, error) {
	if strings.TrimSpace(body) == "" {
		return model.Message{}, fmt.Errorf("%w: empty message", model.ErrorValidation)
	}
	msg, err := s.Message(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if msg.SenderID != editor {
		return model.Message{}, fmt.Errorf("%w: %s did not send %s", model.ErrorAuth, editor, id)
	}

	editedAt := model.Now()
	if _, err := s.db.ExecContext(ctx, `update messages set Body = ?, Edited = 1, EditedAt = ? where ID = ?`, body, editedAt, id); err != nil {
		return model.Message{}, fmt.Errorf("editing message: %w", err)
	}
	msg.Body = body
	msg.Edited = true
	msg.EditedAt = &editedAt
	s.publish(model.EventUpdate, msg)
	return msg, nil
}

// MarkRead records that participantID has read conversationID up to now and
// moves the messages other participants sent to read.
func (s *Store) MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error {
	readAt := model.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `insert into read_markers (ConversationID, ParticipantID, ReadAt) values (?, ?, ?)
		on conflict (ConversationID, ParticipantID) do update set ReadAt = excluded.ReadAt`,
		conversationID, participantID, readAt); err != nil {
		return fmt.Errorf("storing read marker: %w", err)
	}

	var rows []messageRow
	if err := tx.SelectContext(ctx, &rows, selectMessages+` where ConversationID = ? and SenderID != ? and State < ?`,
		conversationID, participantID, int(model.DeliveryRead)); err != nil {
		return fmt.Errorf("selecting unread messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `update messages set State = ? where ConversationID = ? and SenderID != ? and State < ?`,
		int(model.DeliveryRead), conversationID, participantID, int(model.DeliveryRead)); err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing read marker: %w", err)
	}

	for i := range rows {
		msg, err := rows[i].message()
		if err != nil {
			log.Errorf("store: %v", err)
			continue
		}
		msg.State = model.DeliveryRead
		s.publish(model.EventUpdate, msg)
	}
	return nil
}

func (s *Store) publish(eventType model.EventType, msg model.Message) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(model.Event{Type: eventType, Message: msg})
}

func nonNil(attachments []model.Attachment) []model.Attachment {
	if attachments == nil {
		return []model.Attachment{}
	}
	return attachments
}
