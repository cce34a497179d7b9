package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/model"
)

type TokenParser interface {
	Parse(raw string) (model.Participant, error)
}

// Authenticate resolves the bearer token of the request. Browsers cannot set
// headers on a websocket handshake, so a token query parameter is accepted too.
func Authenticate(tokens TokenParser) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(echo.HeaderAuthorization)
			if raw == "" {
				raw = c.QueryParam("token")
			}
			if strings.TrimSpace(raw) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			participant, err := tokens.Parse(raw)
			if err != nil {
				return err
			}
			c.SetRequest(c.Request().WithContext(identity.WithParticipant(c.Request().Context(), participant)))
			return next(c)
		}
	}
}

func participantFrom(c echo.Context) model.Participant {
	participant, _ := identity.FromContext{}.CurrentParticipant(c.Request().Context())
	return participant
}

type ParticipantStore interface {
	UpsertParticipant(ctx context.Context, participant model.Participant) error
}

// Me returns the caller and records them in the participant directory.
func Me(participants ParticipantStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		participant := participantFrom(c)
		if err := participants.UpsertParticipant(c.Request().Context(), participant); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, participant)
	}
}
