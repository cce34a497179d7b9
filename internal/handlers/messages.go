package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/unread"
)

type MessageStore interface {
	ListMessages(ctx context.Context, conversationID model.ConversationID, since *time.Time) ([]model.Message, error)
	InsertMessage(ctx context.Context, draft model.Draft) (model.Message, error)
	EditMessage(ctx context.Context, id model.MessageID, editor model.ParticipantID, body string) (model.Message, error)
	MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error
	GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error)
	SetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID, cutoff *time.Time) error
}

type UnreadCounts interface {
	Count(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error)
	unread.Invalidator
}

func conversationParam(c echo.Context) model.ConversationID {
	return model.ConversationID(c.Param("id"))
}

// ListMessages answers with the caller's visible part of a conversation. A
// since parameter earlier than the caller's cutoff is raised to the cutoff.
func ListMessages(messages MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		conversationID := conversationParam(c)
		participant := participantFrom(c)

		cutoff, err := messages.GetHistoryCutoff(ctx, conversationID, participant.ID)
		if err != nil {
			return err
		}
		since := cutoff
		if raw := c.QueryParam("since"); raw != "" {
			requested, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return fmt.Errorf("%w: since: %w", model.ErrorValidation, err)
			}
			if since == nil || requested.After(*since) {
				since = &requested
			}
		}

		list, err := messages.ListMessages(ctx, conversationID, since)
		if err != nil {
			return err
		}
		if list == nil {
			list = []model.Message{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

type sendRequest struct {
	ClientID    model.MessageID    `json:"clientId"`
	Body        string             `json:"body"`
	Attachments []model.Attachment `json:"attachments"`
	RepliedToID *model.MessageID   `json:"repliedToId"`
}

func SendMessage(messages MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &sendRequest{}
		if err := c.Bind(params); err != nil {
			return err
		}
		msg, err := messages.InsertMessage(c.Request().Context(), model.Draft{
			ClientID:       params.ClientID,
			ConversationID: conversationParam(c),
			SenderID:       participantFrom(c).ID,
			Body:           params.Body,
			Attachments:    params.Attachments,
			RepliedToID:    params.RepliedToID,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, msg)
	}
}

type editRequest struct {
	Body string `json:"body"`
}

func EditMessage(messages MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &editRequest{}
		if err := c.Bind(params); err != nil {
			return err
		}
		msg, err := messages.EditMessage(c.Request().Context(), model.MessageID(c.Param("messageId")), participantFrom(c).ID, params.Body)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, msg)
	}
}

// MarkRead stores the caller's read marker and drops their cached unread
// counts.
func MarkRead(messages MessageStore, counts UnreadCounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		conversationID := conversationParam(c)
		participantID := participantFrom(c).ID

		if err := messages.MarkRead(ctx, conversationID, participantID); err != nil {
			return err
		}
		if err := counts.Invalidate(ctx, unread.ParticipantKey(participantID), unread.ConversationKey(participantID, conversationID)); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type cutoffBody struct {
	Cutoff *time.Time `json:"cutoff"`
}

func GetCutoff(messages MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		cutoff, err := messages.GetHistoryCutoff(c.Request().Context(), conversationParam(c), participantFrom(c).ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, cutoffBody{cutoff})
	}
}

// SetCutoff changes which part of the history a participant sees.
func SetCutoff(messages MessageStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := &cutoffBody{}
		if err := c.Bind(params); err != nil {
			return err
		}
		participantID := model.ParticipantID(c.Param("participantId"))
		if participantID == "" {
			return fmt.Errorf("%w: missing participant", model.ErrorValidation)
		}
		if err := messages.SetHistoryCutoff(c.Request().Context(), conversationParam(c), participantID, params.Cutoff); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, params)
	}
}

type unreadBody struct {
	ConversationID model.ConversationID `json:"conversationId,omitempty"`
	Count          int                  `json:"count"`
}

// Unread answers with the caller's unread count, for one conversation when
// the conversation parameter is set.
func Unread(counts UnreadCounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		conversationID := model.ConversationID(c.QueryParam("conversation"))
		count, err := counts.Count(c.Request().Context(), participantFrom(c).ID, conversationID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, unreadBody{conversationID, count})
	}
}
