package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/channel"
	"uk.co.dudmesh.sitechat/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	readDeadline = 90 * time.Second
	readLimit    = 4 << 10
)

// Upgrader accepts websocket handshakes from the given origins; "*" allows any.
func Upgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Events streams the live changes of a conversation over a websocket. A
// ready frame is written once the subscription is active; events follow as
// they are published. The stream ends with an error frame when the
// subscription drops.
func Events(upgrader *websocket.Upgrader, events channel.Transport) echo.HandlerFunc {
	return func(c echo.Context) error {
		conversationID := conversationParam(c)
		participantID := participantFrom(c).ID

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Warnf("events: upgrading %s for %s: %v", conversationID, participantID, err)
			return nil
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request().Context())
		defer cancel()

		feed, err := events.Subscribe(ctx, model.TopicFor(conversationID))
		if err != nil {
			writeFrame(conn, model.Frame{Kind: model.FrameError, Error: err.Error()})
			return nil
		}
		defer feed.Close()

		go readLoop(conn, cancel)

		if err := writeFrame(conn, model.Frame{Kind: model.FrameReady}); err != nil {
			return nil
		}
		log.Infof("events: %s subscribed to %s", participantID, conversationID)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-feed.Events():
				if !ok {
					reason := "subscription ended"
					if err := feed.Err(); err != nil {
						reason = err.Error()
					}
					writeFrame(conn, model.Frame{Kind: model.FrameError, Error: reason})
					return nil
				}
				if err := writeFrame(conn, model.Frame{Kind: model.FrameEvent, Event: &event}); err != nil {
					log.Warnf("events: writing to %s: %v", participantID, err)
					return nil
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return nil
				}
			}
		}
	}
}

// readLoop drains client frames so pongs and the close handshake are
// processed, and cancels the stream when the client goes away.
func readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame model.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
