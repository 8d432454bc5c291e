// Package httputil carries the response envelope and request logging shared
// by every HTTP handler.
package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/gkeferstein/messaging-server/internal/apperrors"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    any  `json:"meta,omitempty"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    apperrors.Kind `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Success: true, Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Success: true, Data: data})
}

// SuccessMeta sends a 200 JSON response with data and a meta block.
func SuccessMeta(c fiber.Ctx, data, meta any) error {
	return c.JSON(SuccessResponse{Success: true, Data: data, Meta: meta})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code apperrors.Kind, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{Code: code, Message: message},
	})
}

// FailError converts an error from the service layer into the wire envelope.
// Errors without a tagged kind surface as INTERNAL_ERROR with a generic
// message so internals never leak.
func FailError(c fiber.Ctx, err error) error {
	ae := apperrors.AsError(err)
	if ae == nil {
		return Fail(c, fiber.StatusInternalServerError, apperrors.InternalError, "An internal error occurred")
	}
	return c.Status(ae.Kind.HTTPStatus()).JSON(ErrorResponse{
		Error: ErrorBody{Code: ae.Kind, Message: ae.Message, Details: ae.Details},
	})
}
