package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/totegamma/concrnt-odm/internal/config"
	"github.com/totegamma/concrnt-odm/internal/infra/database"
	"github.com/totegamma/concrnt-odm/internal/infra/repository"
	"github.com/totegamma/concrnt-odm/internal/interface/rest"
	"github.com/totegamma/concrnt-odm/internal/schemas"
	"github.com/totegamma/concrnt-odm/internal/service"
	"github.com/totegamma/concrnt-odm/internal/unitofwork"
	"github.com/totegamma/concrnt-odm/internal/usecase"
)

func setupTraceProvider(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "odmd"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	path := os.Getenv("ODMD_CONFIG")
	if path == "" {
		path = "/etc/odmd/config.yaml"
	}
	conf, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()), slog.String("path", path))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if conf.Server.EnableTrace {
		shutdown, err := setupTraceProvider(ctx, conf.Server.TraceEndpoint)
		if err != nil {
			panic(err)
		}
		defer shutdown(context.Background())
	}

	var store repository.DocumentStore
	if conf.Server.PostgresDsn != "" {
		db, err := database.NewPostgres(conf.Server.PostgresDsn)
		if err != nil {
			panic("failed to connect database")
		}
		if err := database.MigratePostgres(db); err != nil {
			panic("failed to migrate database")
		}
		store = repository.NewDocumentRepository(db)
	} else {
		slog.Warn("no postgres dsn configured, documents are kept in memory")
		store = repository.NewMemoryRepository()
	}

	ttl, _ := conf.Server.CacheDuration()
	if ttl > 0 {
		store = repository.NewCachedRepository(store, ttl)
	}

	var signaler unitofwork.Signaler
	var stream rest.EventStream
	if conf.Server.RedisAddr != "" {
		rdb, err := database.NewRedis(ctx, conf.Server.RedisAddr, conf.Server.RedisPassword, conf.Server.RedisDB)
		if err != nil {
			panic("failed to connect redis")
		}
		signals := service.NewSignalService(rdb, unitofwork.FlushChannel)
		signaler = signals
		stream = signals
	}

	documents := usecase.NewDocumentUsecase(store, signaler, schemas.Metadata())
	handler := rest.NewHandler(documents, stream)

	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("odmd"))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	handler.RegisterRoutes(e)

	go func() {
		if err := e.Start(conf.Server.Listen); err != nil {
			slog.Info("server stopped", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		e.Logger.Fatal(err)
	}
}
