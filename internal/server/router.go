package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/thumbhub/internal/imaging"
	"github.com/any-hub/thumbhub/internal/pixcache"
)

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *SourceRegistry
	Cache    *pixcache.Cache
	// Decoder 用于 POST 重建缩略图时解码原图。
	Decoder        imaging.Decoder
	RequestTimeout time.Duration
	ListenPort     int
}

const contextKeyRequestID = "_thumbhub_request_id"

// NewApp builds a Fiber application with request-ID middleware, thumbnail
// routes and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("source registry is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("thumbnail cache is required")
	}
	if opts.Decoder == nil {
		return nil, errors.New("decoder is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	handler := newThumbHandler(opts)
	app.Get("/thumbs/:source/*", handler.getThumbnail)
	app.Post("/thumbs/:source/*", handler.recreateThumbnail)

	registerDiagnostics(app, opts)

	app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "route_not_found",
		})
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID，并写入响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": code,
	})
}
