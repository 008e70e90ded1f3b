package api

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/zoff-tech/clinic-outbox/pkg/outbox"
	"github.com/zoff-tech/clinic-outbox/pkg/quota"
	"github.com/zoff-tech/clinic-outbox/pkg/store"
)

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrBadBody = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "request body is not valid JSON",
	}
	ErrBadStatus = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "unknown operation status",
	}
)

func statusFor(err error) int {
	var resp ErrorResp
	switch {
	case errors.As(err, &resp):
		return resp.StatusCode
	case errors.Is(err, outbox.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, quota.ErrStorageExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, outbox.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, outbox.ErrDisposed), errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// SanitizeError writes err as a JSON message with the matching status code.
func SanitizeError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	body := fiber.Map{"message": err.Error()}
	var exceeded *quota.StorageExceededError
	if errors.As(err, &exceeded) {
		body["usagePercent"] = exceeded.UsagePercent
	}
	return c.Status(code).JSON(body)
}
