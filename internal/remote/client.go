// Package remote talks to a chat server: the REST side of the persisted
// store and the websocket side of the live channel.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"uk.co.dudmesh.sitechat/internal/model"
)

type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

// Client implements the persisted store over HTTP. Reads are retried with
// exponential backoff; writes are sent once.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	retry time.Duration

	mu sync.Mutex
	me *model.Participant
}

func New(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", model.ErrorValidation, err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RetryMaxElapsed <= 0 {
		config.RetryMaxElapsed = 15 * time.Second
	}
	transport := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		base:  base,
		token: config.Token,
		http:  &http.Client{Transport: transport, Timeout: config.Timeout},
		retry: config.RetryMaxElapsed,
	}, nil
}

func (c *Client) Mode() model.Mode { return model.ModeLive }

// APIError is a non-2xx answer of the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

// Unwrap maps client errors back onto the model sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return model.ErrorValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrorAuth
	case http.StatusNotFound:
		return model.ErrorUnknownMessage
	}
	return model.ErrorNetwork
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func conversationPath(conversationID model.ConversationID, rest string) string {
	return "/conversations/" + url.PathEscape(string(conversationID)) + rest
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %w", model.ErrorNetwork, method, path, err)
		}
		defer res.Body.Close()

		if res.StatusCode >= 300 {
			apiErr := &APIError{Status: res.StatusCode}
			var answer struct {
				Message string `json:"message"`
			}
			if raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10)); json.Unmarshal(raw, &answer) == nil {
				apiErr.Message = answer.Message
			}
			if res.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if out == nil || res.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, res.Body)
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s %s: %w", method, path, err))
		}
		return nil
	}

	if method != http.MethodGet {
		err := operation()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.retry
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

func (c *Client) Me(ctx context.Context) (model.Participant, error) {
	participant := model.Participant{}
	err := c.do(ctx, http.MethodGet, "/me", nil, nil, &participant)
	return participant, err
}

// CurrentParticipant resolves the token's participant once and remembers it.
func (c *Client) CurrentParticipant(ctx context.Context) (model.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.me != nil {
		return *c.me, nil
	}
	me, err := c.Me(ctx)
	if err != nil {
		return model.Participant{}, err
	}
	c.me = &me
	return me, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID model.ConversationID, since *time.Time) ([]model.Message, error) {
	var query url.Values
	if since != nil {
		query = url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}
	}
	var messages []model.Message
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), query, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// InsertMessage posts draft. The sender is whoever the token names.
func (c *Client) InsertMessage(ctx context.Context, draft model.Draft) (model.Message, error) {
	msg := model.Message{}
	body := map[string]interface{}{
		"clientId":    draft.ClientID,
		"body":        draft.Body,
		"attachments": draft.Attachments,
		"repliedToId": draft.RepliedToID,
	}
	err := c.do(ctx, http.MethodPost, conversationPath(draft.ConversationID, "/messages"), nil, body, &msg)
	return msg, err
}

func (c *Client) EditMessage(ctx context.Context, conversationID model.ConversationID, id model.MessageID, body string) (model.Message, error) {
	msg := model.Message{}
	err := c.do(ctx, http.MethodPatch, conversationPath(conversationID, "/messages/"+url.PathEscape(string(id))), nil, map[string]string{"body": body}, &msg)
	return msg, err
}

// MarkRead marks the conversation read for the token's participant.
func (c *Client) MarkRead(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) error {
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil, nil, nil)
}

type cutoffBody struct {
	Cutoff *time.Time `json:"cutoff"`
}

// GetHistoryCutoff returns the cutoff of the token's participant.
func (c *Client) GetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID) (*time.Time, error) {
	body := cutoffBody{}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "/cutoff"), nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Cutoff, nil
}

func (c *Client) SetHistoryCutoff(ctx context.Context, conversationID model.ConversationID, participantID model.ParticipantID, cutoff *time.Time) error {
	path := conversationPath(conversationID, "/participants/"+url.PathEscape(string(participantID))+"/cutoff")
	return c.do(ctx, http.MethodPut, path, nil, cutoffBody{cutoff}, nil)
}

func (c *Client) UnreadCount(ctx context.Context, participantID model.ParticipantID, conversationID model.ConversationID) (int, error) {
	var query url.Values
	if conversationID != "" {
		query = url.Values{"conversation": {string(conversationID)}}
	}
	body := struct {
		Count int `json:"count"`
	}{}
	if err := c.do(ctx, http.MethodGet, "/unread", query, nil, &body); err != nil {
		return 0, err
	}
	return body.Count, nil
}
