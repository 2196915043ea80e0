package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/ledger"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the error body. Code is an engine error code where one applies.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codes for failures that never reach the engine.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL"
)

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Status: "ok", Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Response{Status: "error", Error: &Error{Code: code, Message: message}})
}

func badRequest(c *gin.Context, err error) {
	fail(c, http.StatusBadRequest, CodeBadRequest, err.Error())
}

// failErr maps an engine or ledger error onto a status code.
func failErr(c *gin.Context, err error) {
	status, code := statusFor(err)
	fail(c, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	if errors.Is(err, ledger.ErrInvalidLine) {
		return http.StatusBadRequest, CodeBadRequest
	}

	code, ok := engine.CodeOf(err)
	if !ok {
		if errors.Is(err, ledger.ErrInsufficientStock) {
			return http.StatusConflict, string(engine.CodeInsufficientStock)
		}
		return http.StatusInternalServerError, CodeInternal
	}

	switch code {
	case engine.CodeUnknownRuntime:
		return http.StatusNotFound, string(code)
	case engine.CodeInvalidTransition, engine.CodeOrderBusy, engine.CodeInsufficientStock, engine.CodeStaleTimer:
		return http.StatusConflict, string(code)
	case engine.CodeSideEffectFailed:
		return http.StatusBadGateway, string(code)
	case engine.CodeStopped:
		return http.StatusServiceUnavailable, string(code)
	}
	return http.StatusInternalServerError, string(code)
}
