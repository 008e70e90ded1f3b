package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
)

// RequestObserver receives one measurement per served request.
type RequestObserver interface {
	ObserveRequest(method, path, status string, d time.Duration)
}

const defaultAllowedOrigins = "http://localhost,http://127.0.0.1"

// NewFiber builds the app hosting the local API. m may be nil.
func NewFiber(conf config.ServerSettings, m RequestObserver) *fiber.App {
	app := fiber.New(
		fiber.Config{
			AppName:               "clinic-outbox",
			DisableStartupMessage: true,
			ReadBufferSize:        1024 * 100,
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				code := fiber.StatusInternalServerError
				if fe, ok := err.(*fiber.Error); ok {
					code = fe.Code
				}
				return c.Status(code).JSON(fiber.Map{
					"message": err.Error(),
				})
			},
		},
	)

	origins := conf.AllowedOrigins
	if origins == "" {
		origins = defaultAllowedOrigins
	}
	app.Use(
		cors.New(cors.Config{
			AllowOrigins: origins,
			AllowHeaders: "Content-Type,Idempotency-Key",
		}),
		recover.New(),
		logger.New(),
	)

	if m != nil {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()

			path := c.Path()
			if r := c.Route(); r != nil && r.Path != "" {
				path = r.Path
			}
			status := c.Response().StatusCode()
			m.ObserveRequest(strings.ToUpper(c.Method()), path, strconv.Itoa(status), time.Since(start))
			return err
		})
	}
	return app
}

// NewEventsMux serves the status stream and the metrics scrape endpoint on the
// events listener. Either handler may be nil.
func NewEventsMux(stream, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	if stream != nil {
		mux.Handle("GET /ws", stream)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
