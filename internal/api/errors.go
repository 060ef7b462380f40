package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/majorcontext/tglogin/internal/fault"
)

// containerRetryAfter is advertised when the worker or login container is
// missing or restarting.
const containerRetryAfter = 5 * time.Second

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Success          bool              `json:"success"`
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	FloodWaitSeconds int               `json:"floodWaitSeconds,omitempty"`
	RetryAfter       int               `json:"retryAfterSeconds,omitempty"`
	States           map[string]string `json:"states,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.EngineUnavailable, fault.ContainerMissing, fault.ContainerRestarting:
		return fiber.StatusServiceUnavailable
	case fault.InvalidInput:
		return fiber.StatusBadRequest
	case fault.InvalidChallenge:
		return fiber.StatusConflict
	case fault.FloodWait, fault.RateLimited:
		return fiber.StatusTooManyRequests
	case fault.Timeout:
		return fiber.StatusGatewayTimeout
	case fault.MalformedOutput, fault.HelperFailed:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// writeError renders err. Unclassified errors are logged and hidden.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	if errors.Is(err, context.Canceled) {
		return c.Status(fiber.StatusConflict).JSON(errorBody{Error: "cancelled", Message: "login was cancelled"})
	}

	fe, ok := fault.As(err)
	if !ok {
		s.log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: "internal", Message: "internal error"})
	}

	body := errorBody{Error: fe.Kind.String(), Message: fe.Error()}
	retryAfter := fe.RetryAfter
	switch fe.Kind {
	case fault.FloodWait:
		body.FloodWaitSeconds = seconds(fe.RetryAfter)
	case fault.ContainerMissing, fault.ContainerRestarting:
		body.States = fe.States
	case fault.MalformedOutput:
		s.log.Warn("helper produced malformed output", "path", c.Path(), "excerpt", fe.Excerpt)
	case fault.EngineUnavailable:
		s.log.Error("container engine unavailable", "error", err)
	}
	if retryAfter <= 0 && fault.Retryable(fe) {
		retryAfter = containerRetryAfter
	}
	if retryAfter > 0 {
		body.RetryAfter = seconds(retryAfter)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(body.RetryAfter))
	}
	return c.Status(statusFor(fe.Kind)).JSON(body)
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
