// Package api exposes the outbox to front-ends that cannot link it directly:
// a local REST surface plus the events listener for status streaming.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/outbox"
	"github.com/zoff-tech/clinic-outbox/pkg/processor"
	"github.com/zoff-tech/clinic-outbox/schema"
)

// Service is the part of *outbox.Outbox the REST layer drives.
type Service interface {
	Enqueue(ctx context.Context, method, endpoint string, payload []byte, opts ...outbox.EnqueueOption) (string, error)
	GetStatus(ctx context.Context) (outbox.Status, error)
	Operation(ctx context.Context, id string) (*schema.Operation, error)
	Operations(ctx context.Context, st schema.Status) ([]*schema.Operation, error)
	RetryFailed(ctx context.Context, ids ...string) (int, error)
	ClearFailedOperations(ctx context.Context) (int, error)
	SyncNow(ctx context.Context) (processor.Report, error)
	SetOnline(online bool)
	BackgroundSync(ctx context.Context)
}

type Handler struct {
	svc    Service
	logger *zap.SugaredLogger
}

func NewHandler(svc Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type enqueueBody struct {
	Method         string            `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers"`
	Priority       *schema.Priority  `json:"priority"`
	MaxRetries     *int              `json:"maxRetries"`
	IdempotencyKey string            `json:"idempotencyKey"`
}

type retryBody struct {
	IDs []string `json:"ids"`
}

type connectivityBody struct {
	Online *bool `json:"online"`
}

type reportResp struct {
	Ran           bool      `json:"ran"`
	Processed     int       `json:"processed"`
	Completed     int       `json:"completed"`
	Retried       int       `json:"retried"`
	Failed        int       `json:"failed"`
	Reclaimed     int       `json:"reclaimed"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero"`
}

func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	return c.SendStatus(http.StatusOK)
}

func (h *Handler) GetStatus(c *fiber.Ctx) error {
	st, err := h.svc.GetStatus(c.UserContext())
	if err != nil {
		return SanitizeError(c, err)
	}
	return c.JSON(st)
}

func (h *Handler) ListOperations(c *fiber.Ctx) error {
	var st schema.Status
	if raw := c.Query("status"); raw != "" {
		parsed, err := schema.ParseStatus(raw)
		if err != nil {
			return SanitizeError(c, ErrBadStatus)
		}
		st = parsed
	}
	ops, err := h.svc.Operations(c.UserContext(), st)
	if err != nil {
		return SanitizeError(c, err)
	}
	if ops == nil {
		ops = []*schema.Operation{}
	}
	return c.JSON(ops)
}

func (h *Handler) GetOperation(c *fiber.Ctx) error {
	op, err := h.svc.Operation(c.UserContext(), c.Params("id"))
	if err != nil {
		return SanitizeError(c, err)
	}
	return c.JSON(op)
}

func (h *Handler) Enqueue(c *fiber.Ctx) error {
	var body enqueueBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return SanitizeError(c, ErrBadBody)
	}

	var opts []outbox.EnqueueOption
	if len(body.Headers) > 0 {
		opts = append(opts, outbox.WithHeaders(body.Headers))
	}
	if body.Priority != nil {
		opts = append(opts, outbox.WithPriority(*body.Priority))
	}
	if body.MaxRetries != nil {
		opts = append(opts, outbox.WithOperationMaxRetries(*body.MaxRetries))
	}
	key := body.IdempotencyKey
	if key == "" {
		key = c.Get(schema.IdempotencyHeader)
	}
	if key != "" {
		opts = append(opts, outbox.WithIdempotencyKey(key))
	}

	id, err := h.svc.Enqueue(c.UserContext(), strings.ToUpper(body.Method), body.Endpoint, body.Payload, opts...)
	if err != nil {
		h.logger.Debugw("enqueue rejected", "endpoint", body.Endpoint, "error", err)
		return SanitizeError(c, err)
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"id": id})
}

func (h *Handler) SyncNow(c *fiber.Ctx) error {
	report, err := h.svc.SyncNow(c.UserContext())
	if err != nil {
		return SanitizeError(c, err)
	}
	return c.JSON(reportResp{
		Ran:           report.Ran,
		Processed:     report.Processed,
		Completed:     report.Completed,
		Retried:       report.Retried,
		Failed:        report.Failed,
		Reclaimed:     report.Reclaimed,
		NextAttemptAt: report.NextAttemptAt,
	})
}

// RetryFailed requeues the ids in the body, or every failed operation when
// the body is empty.
func (h *Handler) RetryFailed(c *fiber.Ctx) error {
	var body retryBody
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return SanitizeError(c, ErrBadBody)
		}
	}
	return h.retry(c, body.IDs...)
}

func (h *Handler) RetryOperation(c *fiber.Ctx) error {
	return h.retry(c, c.Params("id"))
}

func (h *Handler) retry(c *fiber.Ctx, ids ...string) error {
	n, err := h.svc.RetryFailed(c.UserContext(), ids...)
	if err != nil {
		return SanitizeError(c, err)
	}
	return c.JSON(fiber.Map{"retried": n})
}

func (h *Handler) ClearFailed(c *fiber.Ctx) error {
	n, err := h.svc.ClearFailedOperations(c.UserContext())
	if err != nil {
		return SanitizeError(c, err)
	}
	return c.JSON(fiber.Map{"removed": n})
}

func (h *Handler) SetConnectivity(c *fiber.Ctx) error {
	var body connectivityBody
	if err := json.Unmarshal(c.Body(), &body); err != nil || body.Online == nil {
		return SanitizeError(c, ErrBadBody)
	}
	h.svc.SetOnline(*body.Online)
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) BackgroundSync(c *fiber.Ctx) error {
	h.svc.BackgroundSync(c.UserContext())
	return c.SendStatus(http.StatusAccepted)
}
