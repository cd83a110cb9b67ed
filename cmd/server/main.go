// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/carvelabs/cutout-service/internal/cache"
	"github.com/carvelabs/cutout-service/internal/config"
	"github.com/carvelabs/cutout-service/internal/engine"
	"github.com/carvelabs/cutout-service/internal/handler"
	"github.com/carvelabs/cutout-service/internal/logging"
	"github.com/carvelabs/cutout-service/internal/metrics"
	"github.com/carvelabs/cutout-service/internal/middleware"
	"github.com/carvelabs/cutout-service/internal/pipeline"
	"github.com/carvelabs/cutout-service/internal/pool"
	"github.com/carvelabs/cutout-service/internal/storage"
)

const serviceName = "cutout-service"

func main() {
	// Parse command-line flags
	addr := flag.String("addr", "", "listen address (default: :5001)")
	configFile := flag.String("config", "", "Path to config file (optional)")
	segModel := flag.String("seg-model", "", "Path to segmentation ONNX model")
	mattingModel := flag.String("matting-model", "", "Path to matting ONNX model")
	redisAddr := flag.String("redis", "", "Redis address for the result cache (empty: disabled)")
	capacity := flag.Int("capacity", 0, "Engine pool capacity (minimum 2)")
	useMock := flag.Bool("mock", false, "Use mock engine (for testing)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override with flags if provided
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *segModel != "" {
		cfg.SegModel = *segModel
	}
	if *mattingModel != "" {
		cfg.MattingModel = *mattingModel
	}
	if *redisAddr != "" {
		cfg.Redis = *redisAddr
	}
	if *capacity > 0 {
		cfg.PoolCapacity = *capacity
	}
	if *useMock {
		cfg.UseMock = true
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting "+serviceName,
		zap.String("addr", cfg.Addr),
		zap.Int("pool_capacity", cfg.PoolCapacity),
		zap.Bool("mock", cfg.UseMock))

	// Initialize OpenTelemetry tracer
	var tracerShutdown func(context.Context) error
	if cfg.OTELEnabled {
		tracerShutdown, err = initTracer()
		if err != nil {
			logger.Warn("failed to initialize tracer", zap.Error(err))
		} else {
			logger.Info("OpenTelemetry tracing enabled")
		}
	}

	store, err := storage.NewDisk(cfg.ProcessedDir, "/processed")
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}

	// Result cache (optional)
	var resultCache pipeline.ResultCache
	if cfg.Redis != "" {
		logger.Info("connecting to Redis", zap.String("addr", cfg.Redis))
		redisCache, err := cache.New(cfg.Redis, cfg.CacheTTL)
		if err != nil {
			logger.Warn("redis connection failed, result cache disabled", zap.Error(err))
		} else {
			defer redisCache.Close()
			resultCache = redisCache
			logger.Info("redis connected successfully")
		}
	}

	// Engine factory
	var factory pool.Factory
	if cfg.UseMock {
		logger.Info("using mock engine")
		factory = func(engine.Config) (engine.Engine, error) {
			return engine.NewMock(), nil
		}
	} else {
		opts := engine.Options{
			SegModelPath:     cfg.SegModel,
			MattingModelPath: cfg.MattingModel,
			UseCUDA:          cfg.UseCUDA,
		}
		factory = func(c engine.Config) (engine.Engine, error) {
			return engine.NewONNX(c, opts)
		}
	}

	enginePool := pool.New(cfg.PoolCapacity, factory)
	defer enginePool.Close()

	baseConfig := cfg.BaseEngineConfig()

	// Pre-populate the default engine before accepting traffic so the
	// first request does not pay construction cost.
	if cfg.Warmup {
		logger.Info("warming up default engine", zap.String("config", baseConfig.Key()))
		start := time.Now()
		lease, err := enginePool.Acquire(baseConfig)
		if err != nil {
			logger.Fatal("failed to construct default engine", zap.Error(err))
		}
		lease.Release()
		logger.Info("default engine ready", zap.Duration("elapsed", time.Since(start)))
	}

	pipe := pipeline.New(baseConfig, enginePool, store, resultCache, logger, pipeline.Options{
		MaxItemBytes:   cfg.MaxItemBytes(),
		PNGCompression: cfg.PNGLevel(),
	})

	gin.SetMode(cfg.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.MaxMultipartMemory = cfg.MaxItemBytes()

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if _, err := os.Stat(cfg.StaticDir); err == nil {
		r.Static("/static", cfg.StaticDir)
		r.StaticFile("/", cfg.StaticDir+"/index.html")
	}

	h := handler.New(cfg, pipe, store, enginePool, logger)
	h.Register(r)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	metrics.SetHealthy()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutting down gracefully", zap.String("signal", sig.String()))
		metrics.SetUnhealthy()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		if tracerShutdown != nil {
			tracerShutdown(ctx)
		}
	}()

	logger.Info(serviceName+" is ready to accept requests", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server shutdown complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
