package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/model"
)

const (
	writeWait     = 10 * time.Second
	readDeadline  = 90 * time.Second
	feedBuffer    = 64
	topicPrefix   = "conversation:"
	handshakeWait = 10 * time.Second
)

var ErrorFeedClosed = errors.New("feed closed by server")

// Subscribe dials the events stream of the conversation named by topic and
// returns once the server reports the subscription active.
func (c *Client) Subscribe(ctx context.Context, topic string) (channel.Feed, error) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return nil, fmt.Errorf("%w: unknown topic %q", model.ErrorValidation, topic)
	}
	conversationID := model.ConversationID(strings.TrimPrefix(topic, topicPrefix))

	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + conversationPath(conversationID, "/events")
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %w", model.ErrorNetwork, topic, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	ready := model.Frame{}
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: waiting for %s: %w", model.ErrorNetwork, topic, err)
	}
	if ready.Kind != model.FrameReady {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", model.ErrorSubscription, topic, ready.Error)
	}

	feed := &socketFeed{
		conn:   conn,
		events: make(chan model.Event, feedBuffer),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go feed.read()
	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.done:
		}
	}()
	return feed, nil
}

type socketFeed struct {
	conn   *websocket.Conn
	events chan model.Event
	done   chan struct{}
	quit   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
	once   sync.Once
}

func (f *socketFeed) Events() <-chan model.Event { return f.events }

func (f *socketFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close ends the feed. The reader goroutine closes Events once it notices.
func (f *socketFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	var err error
	f.once.Do(func() {
		close(f.quit)
		_ = f.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = f.conn.Close()
	})
	return err
}

func (f *socketFeed) read() {
	defer close(f.done)
	defer close(f.events)

	_ = f.conn.SetReadDeadline(time.Now().Add(readDeadline))
	f.conn.SetPingHandler(func(data string) error {
		_ = f.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return f.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		frame := model.Frame{}
		if err := f.conn.ReadJSON(&frame); err != nil {
			f.fail(err)
			return
		}
		switch frame.Kind {
		case model.FrameEvent:
			if frame.Event == nil {
				continue
			}
			select {
			case f.events <- *frame.Event:
			case <-f.quit:
				return
			}
		case model.FrameError:
			f.fail(fmt.Errorf("%w: %s", ErrorFeedClosed, frame.Error))
			f.conn.Close()
			return
		}
	}
}

func (f *socketFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.err != nil {
		return
	}
	f.err = err
}
