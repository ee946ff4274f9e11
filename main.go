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
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/b2-hub/internal/b2"
	"github.com/any-hub/b2-hub/internal/cache"
	"github.com/any-hub/b2-hub/internal/config"
	"github.com/any-hub/b2-hub/internal/logging"
	"github.com/any-hub/b2-hub/internal/metrics"
	"github.com/any-hub/b2-hub/internal/proxy"
	"github.com/any-hub/b2-hub/internal/server"
	"github.com/any-hub/b2-hub/internal/server/routes"
	"github.com/any-hub/b2-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 30 * time.Second

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
		fields := configFields(logging.BaseFields("check_config", opts.configPath), cfg)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	svc, err := newService(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := configFields(logging.BaseFields("startup", opts.configPath), cfg)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.serve(ctx); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("b2-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 B2HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("B2HUB_CONFIG")
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
	}, nil
}

// configFields 输出不含凭证的配置摘要。
func configFields(fields logrus.Fields, cfg *config.Config) logrus.Fields {
	fields["bucket"] = cfg.Backend.BucketName
	fields["auth_mode"] = cfg.Backend.AuthMode()
	fields["cache_backend"] = cfg.Global.CacheBackend
	fields["session_reuse"] = cfg.Backend.SessionCacheEnabled()
	fields["stream_threshold"] = cfg.Backend.StreamThreshold
	return fields
}

// service 持有一次进程生命周期内共享的组件。
type service struct {
	app    *fiber.App
	writer *cache.BackgroundWriter
	logger *logrus.Logger
	port   int
}

// newService 按“缓存存储 → 后台写入器 → B2 客户端 → 会话来源 → Fiber”顺序组装服务，
// 所有请求共享同一份缓存与会话实例。
func newService(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	m := metrics.New()

	store, err := cache.Open(ctx, cache.Options{
		Backend:     cfg.Global.CacheBackend,
		StoragePath: cfg.Global.StoragePath,
		RedisURL:    cfg.Global.RedisURL,
		TTL:         cfg.Global.CacheTTL.DurationValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}

	writer := cache.NewBackgroundWriter(store, cache.WriterOptions{
		MaxTasks:   cfg.Global.MaxCacheTasks,
		MaxPending: cfg.Global.MaxPendingWrites,
		Timeout:    cfg.Global.CacheWriteTimeout.DurationValue(),
		Logger:     logger,
		OnResult:   m.ObserveCacheWrite,
	})

	client := b2.NewClient(
		server.NewUpstreamClient(cfg),
		b2.WithAuthorizeURL(cfg.Backend.AuthorizeURL),
		b2.WithUserAgent(version.UserAgent()),
		b2.WithFetchClient(server.NewFetchClient(cfg)),
		b2.WithIdleTimeout(server.UpstreamTimeout(cfg)),
	)
	sessions := b2.NewSessionSource(
		proxy.InstrumentAuthorizer(client, m),
		cfg.Backend.Credential(),
		cfg.Backend.SessionTTL.DurationValue(),
	)

	handler, err := proxy.NewHandler(proxy.Options{
		Backend:         client,
		Sessions:        sessions,
		Store:           store,
		Writer:          writer,
		Logger:          logger,
		Metrics:         m,
		Bucket:          cfg.Backend.BucketName,
		BucketID:        cfg.Backend.BucketID,
		CacheControl:    cfg.Backend.CacheControl,
		StreamThreshold: cfg.Backend.StreamThreshold,
		SignedURLTTL:    cfg.Backend.SignedURLTTL.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.Global.ListenPort,
		OnRootPing: func() { m.ObserveRequest(metrics.OutcomeRoot) },
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, routes.StatusOptions{
		Bucket:          cfg.Backend.BucketName,
		CacheBackend:    cfg.Global.CacheBackend,
		AuthMode:        cfg.Backend.AuthMode(),
		StreamThreshold: cfg.Backend.StreamThreshold,
		SignedURLTTL:    cfg.Backend.SignedURLTTL.DurationValue(),
		Sessions:        sessions,
		Started:         time.Now(),
		Metrics:         m.Handler(),
	})

	return &service{
		app:    app,
		writer: writer,
		logger: logger,
		port:   cfg.Global.ListenPort,
	}, nil
}

// serve 阻塞直到 ctx 结束或监听失败；退出前等待未完成的缓存写入。
func (svc *service) serve(ctx context.Context) error {
	svc.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   svc.port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.app.Listen(fmt.Sprintf(":%d", svc.port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	var listenErr error
	select {
	case listenErr = <-errCh:
	case <-ctx.Done():
		svc.logger.WithField("action", "shutdown").Info("收到退出信号，停止接收请求")
		if err := svc.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			svc.logger.WithError(err).Warn("shutdown_incomplete")
		}
	}

	if err := svc.writer.Close(); err != nil {
		svc.logger.WithError(err).Warn("cache_writer_close_failed")
	}
	if listenErr != nil && !errors.Is(listenErr, context.Canceled) {
		return listenErr
	}
	return nil
}
