package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"uk.co.dudmesh.sitechat/internal/model"
)

var statusBySentinel = []struct {
	err    error
	status int
}{
	{model.ErrorValidation, http.StatusBadRequest},
	{model.ErrorAuth, http.StatusUnauthorized},
	{model.ErrorUnknownMessage, http.StatusNotFound},
	{model.ErrorConversationNotFound, http.StatusNotFound},
	{model.ErrorParticipantNotFound, http.StatusNotFound},
}

// ErrorHandler maps model sentinels onto HTTP statuses and answers with
// {"message": ...}.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := http.StatusText(status)

	var httpError *echo.HTTPError
	if errors.As(err, &httpError) {
		status = httpError.Code
		message = fmt.Sprint(httpError.Message)
	} else {
		for _, candidate := range statusBySentinel {
			if errors.Is(err, candidate.err) {
				status = candidate.status
				message = err.Error()
				break
			}
		}
	}
	if status >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}

	if err := c.JSON(status, map[string]string{"message": message}); err != nil {
		log.Errorf("writing error response: %v", err)
	}
}
