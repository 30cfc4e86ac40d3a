package server

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

type thumbDirRequest struct {
	Path string `json:"path"`
}

// registerDiagnostics 暴露 /-/ 诊断接口：缓存统计与缩略图目录切换。
func registerDiagnostics(app *fiber.App, opts AppOptions) {
	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"cache":   opts.Cache.Stats(),
			"sources": opts.Registry.List(),
		})
	})

	app.Put("/-/thumb-dir", func(c fiber.Ctx) error {
		var req thumbDirRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return renderError(c, fiber.StatusBadRequest, "invalid_body")
		}
		req.Path = strings.TrimSpace(req.Path)
		if req.Path == "" {
			return renderError(c, fiber.StatusBadRequest, "path_required")
		}

		if err := opts.Cache.SetThumbDirectory(req.Path); err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "set_thumb_directory",
				"path":       req.Path,
				"request_id": RequestID(c),
			}).WithError(err).Warn("thumb directory change failed")
			return renderError(c, fiber.StatusUnprocessableEntity, "thumb_dir_unusable")
		}

		return c.JSON(fiber.Map{
			"thumb_directory": opts.Cache.ThumbDirectory(),
		})
	})
}
