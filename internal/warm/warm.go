package warm

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/thumbhub/internal/cache"
	"github.com/any-hub/thumbhub/internal/config"
	"github.com/any-hub/thumbhub/internal/imaging"
	"github.com/any-hub/thumbhub/internal/logging"
)

const defaultWorkers = 4

// Target 是预热写入的目标，由 pixcache.Cache 实现。
type Target interface {
	ThumbnailExists(id cache.Identity) bool
	EnsureThumbnailExists(ctx context.Context, id cache.Identity, src image.Image) error
}

// Options 汇总预热参数。
type Options struct {
	Target  Target
	Decoder imaging.Decoder
	Sources []config.SourceConfig
	Workers int
	Logger  *logrus.Logger
}

// Report 统计一次预热的结果。
type Report struct {
	Scanned   int64         `json:"scanned"`
	Generated int64         `json:"generated"`
	Skipped   int64         `json:"skipped"`
	Failed    int64         `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run 遍历所有源目录，为缺少磁盘缩略图的图片（第 0 页）生成缩略图。
// 只有遍历目录失败或 ctx 结束才返回错误。
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Target == nil || opts.Decoder == nil {
		return Report{}, errors.New("warm: target and decoder are required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	started := time.Now()
	var scanned, generated, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for _, src := range opts.Sources {
		walkErr := filepath.WalkDir(src.Root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if d.IsDir() || !imaging.IsSupportedExtension(path) {
				return nil
			}

			scanned.Add(1)
			id := cache.NewIdentity(path, 0)
			if opts.Target.ThumbnailExists(id) {
				skipped.Add(1)
				return nil
			}

			g.Go(func() error {
				if err := warmOne(gctx, opts, id); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(1)
					logger.WithFields(logging.ThumbFields("warm", id.SourcePath, id.Page)).
						WithError(err).Warn("thumbnail warm-up failed")
					return nil
				}
				generated.Add(1)
				return nil
			})
			return nil
		})
		if walkErr != nil {
			_ = g.Wait()
			return buildReport(started, &scanned, &generated, &skipped, &failed), walkErr
		}
	}

	err := g.Wait()
	report := buildReport(started, &scanned, &generated, &skipped, &failed)
	logger.WithFields(logrus.Fields{
		"action":    "warm",
		"scanned":   report.Scanned,
		"generated": report.Generated,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"elapsed":   report.Elapsed.String(),
	}).Info("thumbnail warm-up finished")
	return report, err
}

func warmOne(ctx context.Context, opts Options, id cache.Identity) error {
	img, err := opts.Decoder.Decode(ctx, id)
	if err != nil {
		return err
	}
	return opts.Target.EnsureThumbnailExists(ctx, id, img)
}

func buildReport(started time.Time, scanned, generated, skipped, failed *atomic.Int64) Report {
	return Report{
		Scanned:   scanned.Load(),
		Generated: generated.Load(),
		Skipped:   skipped.Load(),
		Failed:    failed.Load(),
		Elapsed:   time.Since(started),
	}
}
