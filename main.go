package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/image-validity/internal/auth"
	"github.com/example/image-validity/internal/config"
	"github.com/example/image-validity/internal/drive"
	"github.com/example/image-validity/internal/excel"
	"github.com/example/image-validity/internal/handlers"
	"github.com/example/image-validity/internal/imageprocessor"
	"github.com/example/image-validity/internal/logging"
	"github.com/example/image-validity/internal/metrics"
	"github.com/example/image-validity/internal/middleware"
	"github.com/example/image-validity/internal/model"
	"github.com/example/image-validity/internal/repository"
	"github.com/example/image-validity/internal/usecase"
)

const version = "1.0.0"

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	var repo usecase.ValidationRepository
	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		validationRepo := repository.NewValidationRepository(db, logger)
		if err := validationRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = validationRepo
	} else {
		logger.Info("no database configured, history endpoints disabled")
	}

	var cache usecase.Cache
	if cfg.Cache.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisCache := usecase.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr}))
		if err := redisCache.Ping(redisCtx); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		cache = redisCache
	} else {
		logger.Info("no redis configured, score cache disabled")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	meta := model.DefaultMetadata()
	pipeline, err := model.Load(model.Options{
		ExtractorPath:  filepath.Join(cfg.Models.Dir, cfg.Models.ExtractorFile),
		ClassifierPath: filepath.Join(cfg.Models.Dir, cfg.Models.ClassifierFile),
		MetadataPath:   filepath.Join(cfg.Models.Dir, cfg.Models.MetadataFile),
		RuntimeLibPath: cfg.Models.RuntimeLibPath,
	})
	if err != nil {
		logger.Error("model load failed, validation endpoints unavailable", zap.Error(err))
	} else {
		meta = pipeline.Metadata()
		defer pipeline.Close()
	}
	collector.SetModelsLoaded(pipeline.Ready())

	normalizer := imageprocessor.NewNormalizer(meta.ImageSize, meta.PixelScale, meta.PixelOffset)
	driveClient := drive.NewClient(cfg.Drive.APIKey, cfg.Drive.Timeout, logger)

	uc := usecase.NewValidationUseCase(normalizer, pipeline, cache, repo, driveClient, collector, usecase.Settings{
		Threshold:     cfg.Models.Threshold,
		MaxBatchSize:  cfg.Limits.MaxBatchSize,
		MaxZipEntries: cfg.Limits.MaxZipEntries,
		ScoreTTL:      cfg.Cache.ScoreTTL,
	}, logger)

	processor := excel.NewProcessor(handlers.NewExcelValidator(uc), driveClient, logger)

	r := gin.New()
	r.Use(middleware.RequestLogger(logger), gin.Recovery())
	r.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	r.Use(middleware.MaxBodyBytes(cfg.Server.MaxUploadBytes()))
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes()

	handlers.RegisterRoutes(r, uc, handlers.Options{
		Excel:   processor,
		Auth:    auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		Metrics: metrics.Handler(registry),
		WebDir:  cfg.Web.Dir,
		Version: version,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("image validity API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("models_loaded", pipeline.Ready()))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
