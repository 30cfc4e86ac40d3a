package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/thumbhub/internal/config"
	"github.com/any-hub/thumbhub/internal/imaging"
	"github.com/any-hub/thumbhub/internal/logging"
	"github.com/any-hub/thumbhub/internal/pixcache"
	"github.com/any-hub/thumbhub/internal/server"
	"github.com/any-hub/thumbhub/internal/version"
	"github.com/any-hub/thumbhub/internal/warm"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	warmOnly    bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sources"] = config.SourceNames(cfg.Sources)
		fields["thumb_directory"] = cfg.Global.ThumbDirectory
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 解码器 → 像素缓存（含后台加载线程）→ 源注册表 → Fiber server。
	decoder := imaging.NewFileDecoder(cfg.Global.MaxSourcePixels)
	thumbs, err := pixcache.New(pixcache.Options{
		ThumbDirectory:        cfg.Global.ThumbDirectory,
		MaxThumbnailPixelSize: cfg.Global.MaxThumbnailPixelSize,
		MaxCachedPixmaps:      cfg.Global.MaxCachedPixmaps,
		ExpirationThreshold:   uint64(cfg.Global.ExpirationThreshold),
		Decoder:               decoder,
		Logger:                logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缩略图缓存失败: %v\n", err)
		return 1
	}
	defer thumbs.Close()

	if opts.warmOnly {
		return runWarm(ctx, cfg, thumbs, decoder, logger)
	}

	registry, err := server.NewSourceRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建源目录注册表失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sources"] = config.SourceNames(cfg.Sources)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["thumb_directory"] = cfg.Global.ThumbDirectory
	fields["max_cached_pixmaps"] = cfg.Global.MaxCachedPixmaps
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// 所有权方消息循环：后台加载结果在这里落表并触发回调。
	go func() {
		if err := thumbs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pixcache.ErrClosed) {
			logger.WithError(err).Error("缩略图缓存循环异常退出")
		}
	}()

	if err := startHTTPServer(ctx, cfg, registry, thumbs, decoder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("thumbhub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		warmOnly   bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 THUMBHUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&warmOnly, "warm", false, "为所有源目录预生成磁盘缩略图后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("THUMBHUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		warmOnly:    warmOnly,
	}, nil
}

// runWarm 执行一次磁盘缩略图预热；单个文件失败只计数，不影响退出码。
func runWarm(ctx context.Context, cfg *config.Config, thumbs *pixcache.Cache, decoder imaging.Decoder, logger *logrus.Logger) int {
	report, err := warm.Run(ctx, warm.Options{
		Target:  thumbs,
		Decoder: decoder,
		Sources: cfg.Sources,
		Workers: cfg.Global.WarmWorkers,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "缩略图预热失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdOut, "scanned=%d generated=%d skipped=%d failed=%d\n",
		report.Scanned, report.Generated, report.Skipped, report.Failed)
	return 0
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SourceRegistry, thumbs *pixcache.Cache, decoder imaging.Decoder, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Registry:       registry,
		Cache:          thumbs,
		Decoder:        decoder,
		RequestTimeout: cfg.Global.RequestTimeout.DurationValue(),
		ListenPort:     port,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
