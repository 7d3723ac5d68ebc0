package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"photo-plotter/internal/api"
	"photo-plotter/internal/artifact"
	"photo-plotter/internal/config"
	"photo-plotter/internal/motion"
	"photo-plotter/internal/outline"
	"photo-plotter/internal/plotter"
	"photo-plotter/internal/queue"
	"photo-plotter/internal/ratelimit"
	"photo-plotter/internal/registry"
	"photo-plotter/internal/render"
	"photo-plotter/internal/scheduler"
	"photo-plotter/internal/store"
	"photo-plotter/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("plotterd exited")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job store: Postgres when a DSN is configured, in-memory otherwise.
	var jobStore registry.JobStore
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			return err
		}
		jobStore = pg
		log.Info("using postgres job store")
	} else {
		jobStore = store.NewMemory()
		log.Warn("POSTGRES_DSN not set, jobs will not survive a restart")
	}
	reg := registry.New(jobStore)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	defer redisClient.Close()
	printQueue := queue.New(redisClient)

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	var artifacts artifact.Store
	if cfg.ArtifactS3Bucket != "" {
		s3, err := artifact.NewS3(ctx, artifact.S3Config{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
		if err != nil {
			return err
		}
		artifacts = s3
		log.WithField("bucket", cfg.ArtifactS3Bucket).Info("using s3 artifact store")
	} else {
		artifacts = artifact.NewFS(cfg.ArtifactDir)
	}

	var renderer api.Renderer
	if cfg.RenderAPIKey != "" {
		renderer = render.NewClient(render.Config{
			Endpoint:   cfg.RenderEndpoint,
			APIKey:     cfg.RenderAPIKey,
			Model:      cfg.RenderModel,
			CanvasSize: cfg.CanvasSize,
			Timeout:    cfg.RenderTimeout,
		})
	} else {
		log.Warn("RENDER_API_KEY not set, submissions must include a photo")
	}

	compiler, err := motion.NewCompiler(motion.CompilerConfig{
		CanvasSize:          cfg.CanvasSize,
		BedMinX:             cfg.BedMinX,
		BedMinY:             cfg.BedMinY,
		BedMaxX:             cfg.BedMaxX,
		BedMaxY:             cfg.BedMaxY,
		FeedRate:            cfg.FeedRate,
		SimplifyTolerance:   cfg.SimplifyTolerance,
		SmoothingIterations: cfg.SmoothingIterations,
		MinMoveMM:           cfg.MinMoveMM,
	})
	if err != nil {
		return err
	}
	extractor := outline.NewExtractor(outline.Config{
		Threshold:      cfg.OutlineThreshold,
		BlurSigma:      cfg.OutlineBlurSigma,
		ThinningPasses: cfg.ThinningPasses,
	})

	worker := scheduler.New(scheduler.Config{
		Registry:  reg,
		Queue:     printQueue,
		Artifacts: artifacts,
		Extractor: extractor,
		Compiler:  compiler,
		Link: plotter.Config{
			Port:        cfg.SerialPort,
			Baud:        cfg.SerialBaud,
			ReadTimeout: cfg.SerialTimeout,
			LineDelay:   cfg.SerialLineDelay,
			MaxRetries:  cfg.SerialRetries,
			DryRun:      cfg.DryRun,
			DryRunPath:  cfg.DryRunPath,
			InvertZ:     cfg.InvertZ,
		},
		FeedRate:     cfg.FeedRate,
		PollInterval: cfg.WorkerPollInterval,
		Log:          log,
	})
	go worker.Run(ctx)
	log.WithField("dry_run", cfg.DryRun).Info("print worker started")

	server := api.NewServer(api.Config{
		Registry:   reg,
		Artifacts:  artifacts,
		Queue:      printQueue,
		Canceller:  worker,
		Renderer:   renderer,
		Limiter:    limiter,
		CanvasSize: cfg.CanvasSize,
		Log:        log,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", metricsServer.Addr).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics server shutdown")
	}
	return nil
}
