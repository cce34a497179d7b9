package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/handlers"
	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/model"
	"uk.co.dudmesh.sitechat/internal/realtime"
	"uk.co.dudmesh.sitechat/internal/service/chat"
	"uk.co.dudmesh.sitechat/internal/source"
	"uk.co.dudmesh.sitechat/internal/store"
	"uk.co.dudmesh.sitechat/internal/unread"
)

type server struct {
	url    string
	hub    *realtime.Hub
	store  *store.Store
	tokens *identity.Tokens
}

func newServer(t *testing.T) *server {
	t.Helper()
	hub := realtime.NewHub(16)
	st, err := store.Memory(t.Name(), hub)
	require.NoError(t, err)
	tokens := identity.NewTokens("test-secret")

	e := echo.New()
	e.HTTPErrorHandler = handlers.ErrorHandler
	handlers.Mount(e, handlers.Dependencies{Tokens: tokens, Store: st, Unread: unread.NewCache(st), Events: hub})
	ts := httptest.NewServer(e)
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		st.Close()
	})
	return &server{url: ts.URL, hub: hub, store: st, tokens: tokens}
}

func (s *server) client(t *testing.T, id model.ParticipantID) *Client {
	t.Helper()
	token, err := s.tokens.Issue(model.Participant{ID: id, Email: string(id) + "@site.invalid"}, time.Hour)
	require.NoError(t, err)
	client, err := New(Config{BaseURL: s.url, Token: token, RetryMaxElapsed: 100 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestClient(t *testing.T) {
	assert := assert.New(t)
	srv := newServer(t)
	alice := srv.client(t, "alice")
	bob := srv.client(t, "bob")
	ctx := context.Background()

	t.Run("Me", func(t *testing.T) {
		me, err := alice.Me(ctx)
		assert.Nil(err)
		assert.Equal(model.ParticipantID("alice"), me.ID)
	})

	var sent model.Message
	t.Run("Insert", func(t *testing.T) {
		var err error
		sent, err = alice.InsertMessage(ctx, model.Draft{ClientID: "tmp_1", ConversationID: "p1", Body: "hello"})
		assert.Nil(err)
		assert.Equal(model.ParticipantID("alice"), sent.SenderID)
		assert.True(sent.Ref.IsConfirmed())
	})

	t.Run("Insert invalid", func(t *testing.T) {
		_, err := alice.InsertMessage(ctx, model.Draft{ConversationID: "p1", Body: ""})
		assert.ErrorIs(err, model.ErrorValidation)
		var apiErr *APIError
		assert.ErrorAs(err, &apiErr)
		assert.Equal(http.StatusBadRequest, apiErr.Status)
	})

	t.Run("List", func(t *testing.T) {
		messages, err := bob.ListMessages(ctx, "p1", nil)
		assert.Nil(err)
		require.Len(t, messages, 1)
		assert.Equal(sent.ID(), messages[0].ID())
		assert.True(sent.CreatedAt.Equal(messages[0].CreatedAt))

		future := time.Now().Add(time.Hour)
		messages, err = bob.ListMessages(ctx, "p1", &future)
		assert.Nil(err)
		assert.Empty(messages)
	})

	t.Run("Edit", func(t *testing.T) {
		edited, err := alice.EditMessage(ctx, "p1", sent.ID(), "hello all")
		assert.Nil(err)
		assert.True(edited.Edited)
		_, err = bob.EditMessage(ctx, "p1", sent.ID(), "nope")
		assert.ErrorIs(err, model.ErrorAuth)
	})

	t.Run("Cutoff", func(t *testing.T) {
		cutoff := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
		assert.Nil(alice.SetHistoryCutoff(ctx, "p1", "bob", &cutoff))
		got, err := bob.GetHistoryCutoff(ctx, "p1", "bob")
		assert.Nil(err)
		require.NotNil(t, got)
		assert.True(cutoff.Equal(*got))

		none, err := alice.GetHistoryCutoff(ctx, "p1", "alice")
		assert.Nil(err)
		assert.Nil(none)
	})

	t.Run("Read", func(t *testing.T) {
		count, err := bob.UnreadCount(ctx, "bob", "p1")
		assert.Nil(err)
		assert.Equal(1, count)
		assert.Nil(bob.MarkRead(ctx, "p1", "bob"))
		count, err = bob.UnreadCount(ctx, "bob", "p1")
		assert.Nil(err)
		assert.Equal(0, count)
	})
}

func TestClientAuthFailure(t *testing.T) {
	srv := newServer(t)
	client, err := New(Config{BaseURL: srv.url, Token: "forged", RetryMaxElapsed: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.ListMessages(context.Background(), "p1", nil)
	assert.ErrorIs(t, err, model.ErrorAuth)
}

func TestClientRetriesReads(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client, err := New(Config{BaseURL: ts.URL, RetryMaxElapsed: 5 * time.Second})
	require.NoError(t, err)

	messages, err := client.ListMessages(context.Background(), "p1", nil)
	assert.Nil(t, err)
	assert.Empty(t, messages)
	assert.Equal(t, int32(3), calls.Load())

	_, err = client.InsertMessage(context.Background(), model.Draft{ConversationID: "p1", Body: "x"})
	assert.Nil(t, err, "fourth call succeeds")
	assert.Equal(t, int32(4), calls.Load())
}

func TestSubscribe(t *testing.T) {
	assert := assert.New(t)
	srv := newServer(t)
	bob := srv.client(t, "bob")
	ctx := context.Background()

	_, err := bob.Subscribe(ctx, "p1")
	assert.ErrorIs(err, model.ErrorValidation)

	feed, err := bob.Subscribe(ctx, model.TopicFor("p1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.hub.Subscribers(model.TopicFor("p1")) == 1 }, time.Second, time.Millisecond)

	_, err = srv.store.InsertMessage(ctx, model.Draft{ConversationID: "p1", SenderID: "alice", Body: "live"})
	require.NoError(t, err)

	select {
	case event := <-feed.Events():
		assert.Equal(model.EventInsert, event.Type)
		assert.Equal("live", event.Message.Body)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	assert.Nil(feed.Close())
	assert.Eventually(func() bool {
		_, open := <-feed.Events()
		return !open
	}, time.Second, time.Millisecond)
	assert.Eventually(func() bool { return srv.hub.Subscribers(model.TopicFor("p1")) == 0 }, time.Second, time.Millisecond)
}

func TestSubscribeReportsServerDrop(t *testing.T) {
	srv := newServer(t)
	feed, err := srv.client(t, "bob").Subscribe(context.Background(), model.TopicFor("p1"))
	require.NoError(t, err)

	srv.hub.Close()
	select {
	case _, open := <-feed.Events():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("feed still open")
	}
	assert.ErrorIs(t, feed.Err(), ErrorFeedClosed)
}

func TestChatOverRemote(t *testing.T) {
	assert := assert.New(t)
	srv := newServer(t)
	client := srv.client(t, "alice")
	ctx := context.Background()

	service, err := chat.New(chat.Options{
		Live:     source.Live(client, client),
		Identity: identity.Static{ID: "alice"},
	})
	require.NoError(t, err)
	defer service.Close()

	var active atomic.Bool
	service.OnStatusChange(func(status chat.Status) {
		active.Store(status.Connection == channel.StatusActive)
	})

	_, err = service.LoadMessages(ctx, "p1")
	require.NoError(t, err)
	require.Eventually(t, active.Load, 2*time.Second, time.Millisecond)

	pending, err := service.SendMessage(ctx, "over the wire")
	require.NoError(t, err)
	assert.True(pending.Ref.IsPending())

	require.Eventually(t, func() bool {
		messages := service.Messages()
		return len(messages) == 1 && messages[0].Ref.IsConfirmed()
	}, 2*time.Second, time.Millisecond)
	assert.Equal(model.DeliveryDelivered, service.Messages()[0].State)
}
