package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Router struct {
	handler *Handler
	app     *fiber.App
	logger  *zap.SugaredLogger
}

func NewRouter(handler *Handler, app *fiber.App, logger *zap.SugaredLogger) *Router {
	return &Router{
		handler: handler,
		app:     app,
		logger:  logger,
	}
}

func (r *Router) RegisterRouter() {
	r.app.Get("/health", r.handler.HealthCheck)

	r.app.Route("/api/outbox", func(router fiber.Router) {
		router.Get("/status", r.handler.GetStatus)

		router.Get("/operations", r.handler.ListOperations)
		router.Post("/operations", r.handler.Enqueue)
		// before /operations/:id so "failed" and "retry" are not taken as ids
		router.Delete("/operations/failed", r.handler.ClearFailed)
		router.Post("/operations/retry", r.handler.RetryFailed)
		router.Get("/operations/:id", r.handler.GetOperation)
		router.Post("/operations/:id/retry", r.handler.RetryOperation)

		router.Post("/sync", r.handler.SyncNow)
		router.Post("/connectivity", r.handler.SetConnectivity)
		router.Post("/background-sync", r.handler.BackgroundSync)
	})
	r.logger.Debug("outbox routes registered")
}
