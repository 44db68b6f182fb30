package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/worklist/pkg/api/middleware"
	"github.com/synaptica-ai/worklist/pkg/archive"
	"github.com/synaptica-ai/worklist/pkg/common/config"
	"github.com/synaptica-ai/worklist/pkg/common/database"
	"github.com/synaptica-ai/worklist/pkg/common/httpclient"
	"github.com/synaptica-ai/worklist/pkg/common/kafka"
	"github.com/synaptica-ai/worklist/pkg/common/lease"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/equipment"
	"github.com/synaptica-ai/worklist/pkg/observability/metrics"
	"github.com/synaptica-ai/worklist/pkg/orchestrator"
	"github.com/synaptica-ai/worklist/pkg/sources/registry"
	"github.com/synaptica-ai/worklist/pkg/worklist"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Poll every configured source and serve the ops API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd)
		},
	}
}

func run(ctx context.Context, cmd *cobra.Command) error {
	cfg := config.Load()

	configs, err := loadSources(cmd, cfg)
	if err != nil {
		return err
	}

	db, err := database.Get(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close(db)

	repo := worklist.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var publisher kafka.Publisher = kafka.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.SyncEventsTopic)
		defer producer.Close()
		publisher = producer
	} else {
		logger.Log.Warn("KAFKA_BROKERS not set, events will not be published")
	}

	var locker lease.Locker = lease.NopLocker{}
	if cfg.LeaseEnabled {
		client, err := database.OpenRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lease.NewRedisLocker(client, "")
	}

	var archiver archive.Archiver = archive.NopArchiver{}
	if cfg.ArchiveS3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			return fmt.Errorf("configure archive: %w", err)
		}
		archiver = s3Archiver
	}

	deps := orchestrator.Deps{
		Repo:          repo,
		Publisher:     publisher,
		Locker:        locker,
		Archiver:      archiver,
		HTTPClient:    httpclient.New(cfg.FetchTimeout),
		FetchTimeout:  cfg.FetchTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		LeaseTTL:      cfg.LeaseTTL,
	}
	built, errs, err := orchestrator.Build(configs, registry.Default(), deps)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		logger.Log.WithField("disabled", len(errs)).Warn("Some sources are misconfigured and will not run")
	}
	orch := orchestrator.New(built, deps)

	service := equipment.NewService(repo, equipment.Options{
		AllowDeviceInitiated: cfg.AllowDeviceInitiated,
		DeviceSourceName:     cfg.DeviceSourceName,
		Publisher:            publisher,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      newRouter(repo, orch, service),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Log.WithFields(logrus.Fields{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Ops API started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ProcedureStepTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		bridge := equipment.NewBridge(service)
		go func() {
			if err := consumer.Consume(ctx, bridge.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("Procedure step consumer stopped")
			}
		}()
	}

	err = orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Log.WithError(serr).Error("Server forced to shutdown")
	}
	logger.Log.Info("worklist-sync stopped")
	return err
}

func newRouter(repo *worklist.Repository, orch *orchestrator.Orchestrator, service *equipment.Service) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.BodyLimit(1 << 20))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			logger.Log.WithError(err).Warn("Readiness check failed")
			http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	orchestrator.NewHTTPHandler(orch, repo).Register(api)
	equipment.NewHandler(service).Register(api)
	return router
}
