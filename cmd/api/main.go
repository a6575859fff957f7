package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/rfp-ignite/reviewd/config"
	"github.com/rfp-ignite/reviewd/internal/database"
	reviewrepo "github.com/rfp-ignite/reviewd/internal/repositories/review"
	"github.com/rfp-ignite/reviewd/pkg/apperror"
	"github.com/rfp-ignite/reviewd/pkg/events"
	"github.com/rfp-ignite/reviewd/pkg/export"
	"github.com/rfp-ignite/reviewd/pkg/kafka"
	"github.com/rfp-ignite/reviewd/pkg/pipeline"
	"github.com/rfp-ignite/reviewd/pkg/pricing"
	"github.com/rfp-ignite/reviewd/pkg/review"
	"github.com/rfp-ignite/reviewd/pkg/routes/health"
	reviewroutes "github.com/rfp-ignite/reviewd/pkg/routes/review"
)

var version = "dev"

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.AppName),
			semconv.ServiceVersion(version),
		)),
	)
	otel.SetTracerProvider(tp)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}()

	db, err := database.Connect(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(db, &cfg, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	var bookOpts []pricing.PriceBookOption
	if cfg.CostFloorEnabled {
		bookOpts = append(bookOpts, pricing.WithCostFloor(cfg.CostFloor))
	}
	book, err := pricing.LoadPriceBook(cfg.ProductPricesPath, cfg.TestPricesPath, bookOpts...)
	if err != nil {
		logger.Fatal("failed to load price book", zap.Error(err))
	}
	engine := pricing.NewEngine(book)

	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		logger.Fatal("failed to create export directory", zap.Error(err))
	}
	exporter := export.NewExporter(cfg.ExportDir, logger)

	var publisher events.Publisher
	if cfg.KafkaEventsEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		defer producer.Close() //nolint:errcheck
		publisher = producer
	}
	notifier := events.NewEmitter(publisher, logger)

	repo := reviewrepo.NewRepository(db, logger)
	workflow := review.NewWorkflow(repo, engine, exporter, notifier, logger)
	pipelineClient := pipeline.NewClient(cfg.PipelineBaseURL, cfg.PipelineRequestTimeout, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperror.EchoErrorHandler(logger)
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))

	checker := health.NewChecker(db, cfg.ExportDir, version)
	checker.RegisterRoutes(e)

	handler := reviewroutes.NewHandler(workflow, engine, pipelineClient, exporter, logger)
	handler.Register(e.Group("/api"))

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	go func() {
		checker.SetReady(true)
		logger.Info("starting server",
			zap.String("app", cfg.AppName),
			zap.Int("port", cfg.Port),
		)
		if err := e.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	checker.SetReady(false)
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level
	return zapCfg.Build()
}
