package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/couchstage/internal/docerr"
	"github.com/MarcoPoloResearchLab/couchstage/internal/docsync"
)

type codedError interface {
	Code() string
}

// respondError maps domain errors onto status codes and a stable error code.
func (h *httpHandler) respondError(c *gin.Context, fallbackCode string, err error) {
	body := gin.H{}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, docerr.ErrInvalidArgument):
		status = http.StatusBadRequest
		body["error"] = "invalid_argument"
	case errors.Is(err, docerr.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
	case errors.Is(err, docerr.ErrUnsupported):
		status = http.StatusUnprocessableEntity
		body["error"] = "unsupported"
	case errors.Is(err, docsync.ErrConflict):
		status = http.StatusConflict
		body["error"] = "conflict"
	default:
		body["error"] = fallbackCode
		h.logger.Error("request failed", zap.String("code", fallbackCode), zap.Error(err))
	}
	if argument, ok := docerr.ArgumentOf(err); ok {
		body["argument"] = argument
	}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(status, body)
}
