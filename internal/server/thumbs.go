package server

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/thumbhub/internal/cache"
	"github.com/any-hub/thumbhub/internal/imaging"
	"github.com/any-hub/thumbhub/internal/logging"
	"github.com/any-hub/thumbhub/internal/pixcache"
)

// 响应头 X-Thumb-Cache 的取值。
const (
	cacheStatusHit    = "hit"
	cacheStatusLoaded = "loaded"
	cacheStatusSync   = "sync"
)

type thumbHandler struct {
	logger   *logrus.Logger
	registry *SourceRegistry
	cache    *pixcache.Cache
	decoder  imaging.Decoder
	timeout  time.Duration
}

func newThumbHandler(opts AppOptions) *thumbHandler {
	return &thumbHandler{
		logger:   opts.Logger,
		registry: opts.Registry,
		cache:    opts.Cache,
		decoder:  opts.Decoder,
		timeout:  opts.RequestTimeout,
	}
}

// thumbRequest 是从 URL 中解析出的请求目标。
type thumbRequest struct {
	source string
	rel    string
	page   int
	id     cache.Identity
}

// getThumbnail 处理 GET /thumbs/:source/*。
// mode=sync 走 LoadNow；默认走异步请求并在 RequestTimeout 内等待回调。
func (h *thumbHandler) getThumbnail(c fiber.Ctx) error {
	started := time.Now()
	req, status, code := h.parseRequest(c)
	if status != 0 {
		return renderError(c, status, code)
	}

	ctx := requestContext(c)
	var (
		result      pixcache.Result
		cacheStatus string
	)
	switch strings.ToLower(strings.TrimSpace(c.Query("mode"))) {
	case "sync":
		syncCtx, cancel := context.WithTimeout(ctx, h.timeout)
		result = h.cache.LoadNow(syncCtx, req.id)
		cancel()
		cacheStatus = cacheStatusSync
	case "", "async":
		result, cacheStatus = h.loadAsync(ctx, req.id)
	default:
		return renderError(c, fiber.StatusBadRequest, "invalid_mode")
	}

	defer h.logRequest(c, req, result, cacheStatus, started)

	switch result.Outcome {
	case pixcache.OutcomeLoaded:
		return h.writeImage(c, result, cacheStatus)
	case pixcache.OutcomeQueued:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
	default:
		return renderError(c, fiber.StatusUnprocessableEntity, "load_failed")
	}
}

// loadAsync 先查内存，未命中时登记一次性 listener 并等待结果；
// 请求过期时退化为同步加载，等待超时返回 Queued。
func (h *thumbHandler) loadAsync(ctx context.Context, id cache.Identity) (pixcache.Result, string) {
	if result := h.cache.LoadFromCache(id); result.Outcome == pixcache.OutcomeLoaded {
		return result, cacheStatusHit
	}

	done := make(chan pixcache.Result, 1)
	listener := h.cache.Listen(func(_ cache.Identity, result pixcache.Result) {
		select {
		case done <- result:
		default:
		}
	})
	defer listener.Close()

	result := h.cache.LoadRequest(id, listener)
	if result.Outcome != pixcache.OutcomeQueued {
		return result, cacheStatusHit
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case result = <-done:
	case <-timer.C:
		return pixcache.Result{Outcome: pixcache.OutcomeQueued}, ""
	case <-ctx.Done():
		return pixcache.Result{Outcome: pixcache.OutcomeQueued}, ""
	}

	if result.Outcome == pixcache.OutcomeRequestExpired {
		syncCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.cache.LoadNow(syncCtx, id), cacheStatusSync
	}
	return result, cacheStatusLoaded
}

// recreateThumbnail 处理 POST /thumbs/:source/*：重新解码原图并覆盖磁盘缩略图。
func (h *thumbHandler) recreateThumbnail(c fiber.Ctx) error {
	req, status, code := h.parseRequest(c)
	if status != 0 {
		return renderError(c, status, code)
	}

	ctx, cancel := context.WithTimeout(requestContext(c), h.timeout)
	defer cancel()

	fields := logging.ThumbFields("recreate", req.id.SourcePath, req.id.Page)
	fields["request_id"] = RequestID(c)

	src, err := h.decoder.Decode(ctx, req.id)
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("source decode failed")
		if errors.Is(err, imaging.ErrPageOutOfRange) {
			return renderError(c, fiber.StatusNotFound, "page_not_found")
		}
		return renderError(c, fiber.StatusUnprocessableEntity, "load_failed")
	}
	if err := h.cache.RecreateThumbnail(ctx, req.id, src); err != nil {
		h.logger.WithFields(fields).WithError(err).Error("thumbnail write failed")
		return renderError(c, fiber.StatusInternalServerError, "thumbnail_write_failed")
	}

	h.logger.WithFields(fields).Info("thumbnail recreated")
	return c.SendStatus(fiber.StatusNoContent)
}

// parseRequest 解析源名称、相对路径与页码；返回非零 status 表示应直接返回错误。
func (h *thumbHandler) parseRequest(c fiber.Ctx) (thumbRequest, int, string) {
	name := c.Params("source")
	src, ok := h.registry.Lookup(name)
	if !ok {
		return thumbRequest{}, fiber.StatusNotFound, "source_not_found"
	}

	rel := c.Params("*")
	full, err := src.Resolve(rel)
	if err != nil {
		return thumbRequest{}, fiber.StatusBadRequest, "invalid_path"
	}
	if !imaging.IsSupportedExtension(full) {
		return thumbRequest{}, fiber.StatusBadRequest, "unsupported_format"
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return thumbRequest{}, fiber.StatusNotFound, "source_file_not_found"
	}

	page := 0
	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 0 {
			return thumbRequest{}, fiber.StatusBadRequest, "invalid_page"
		}
	}

	return thumbRequest{
		source: src.Name,
		rel:    rel,
		page:   page,
		id:     cache.NewIdentity(full, page),
	}, 0, ""
}

func (h *thumbHandler) writeImage(c fiber.Ctx, result pixcache.Result, cacheStatus string) error {
	data, err := imaging.EncodePNGBytes(result.Image)
	if err != nil {
		return renderError(c, fiber.StatusInternalServerError, "encode_failed")
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set("X-Thumb-Cache", cacheStatus)
	return c.Status(fiber.StatusOK).Send(data)
}

func (h *thumbHandler) logRequest(c fiber.Ctx, req thumbRequest, result pixcache.Result, cacheStatus string, started time.Time) {
	fields := logging.RequestFields(RequestID(c), req.source, req.rel, req.page, cacheStatus)
	fields["outcome"] = result.Outcome.String()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	h.logger.WithFields(fields).Info("thumbnail request")
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
