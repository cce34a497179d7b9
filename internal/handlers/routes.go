package handlers

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.sitechat/internal/channel"
)

type Store interface {
	MessageStore
	ParticipantStore
}

type Dependencies struct {
	Tokens   TokenParser
	Store    Store
	Unread   UnreadCounts
	Events   channel.Transport
	Upgrader *websocket.Upgrader
}

// Mount registers the chat API on server.
func Mount(server *echo.Echo, deps Dependencies) {
	if deps.Upgrader == nil {
		deps.Upgrader = Upgrader([]string{"*"})
	}

	api := server.Group("", Authenticate(deps.Tokens))
	api.GET("/me", Me(deps.Store))
	api.GET("/unread", Unread(deps.Unread))
	api.GET("/conversations/:id/messages", ListMessages(deps.Store))
	api.POST("/conversations/:id/messages", SendMessage(deps.Store))
	api.PATCH("/conversations/:id/messages/:messageId", EditMessage(deps.Store))
	api.POST("/conversations/:id/read", MarkRead(deps.Store, deps.Unread))
	api.GET("/conversations/:id/cutoff", GetCutoff(deps.Store))
	api.PUT("/conversations/:id/participants/:participantId/cutoff", SetCutoff(deps.Store))
	api.GET("/conversations/:id/events", Events(deps.Upgrader, deps.Events))
}
