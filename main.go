package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowqos/bus"
	"flowqos/config"
	"flowqos/db"
	qhttp "flowqos/http"
	"flowqos/logging"
	"flowqos/ml"
	"flowqos/monitoring"
	"flowqos/pipeline"
	"flowqos/qos"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	addr := flag.String("addr", "", "listen address, overrides http.addr")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// 2. Logging
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error("flowqos exited with error", zap.Error(err))
		logger.Close()
		os.Exit(1)
	}
	logger.Info("Exiting")
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger *logging.Logger) error {
	// 3. Artifacts and inference
	artifacts := ml.LoadArtifacts(cfg.Artifacts, logger.Named("artifacts"))
	defer artifacts.Close()

	service := ml.NewService(artifacts, logger.Named("predictor"))
	predictor, err := ml.NewCachedPredictor(service, cfg.Cache.Size)
	if err != nil {
		return err
	}

	table := qos.Builtin()
	if cfg.QoS.File != "" {
		if table, err = qos.LoadTable(cfg.QoS.File); err != nil {
			return err
		}
		logger.Info("QoS table loaded", zap.String("path", cfg.QoS.File), zap.Int("profiles", len(table.Labels())))
	}

	// 4. Prediction log
	var (
		store    *db.Store
		ingester *pipeline.PredictionIngester
		sink     monitoring.PredictionSink
	)
	if cfg.Database.Path != "" {
		store, err = db.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("Database initialized", zap.String("path", cfg.Database.Path))

		if err := store.SaveLoadEvents(ctx, loadEvents(artifacts.Statuses)); err != nil {
			logger.Warn("failed to record artifact load events", zap.Error(err))
		}

		ingester = pipeline.NewPredictionIngester(cfg.Ingestion, store, logger.Named("ingestion"))
		ingester.Start()
		defer ingester.Stop()
		sink = ingester
	}

	// 5. Monitoring
	metrics := monitoring.NewMetrics()
	metrics.SetArtifactStatuses(artifacts.Statuses)
	stats := monitoring.NewTrafficStats(100)
	hub := monitoring.NewPredictionHub(cfg.HTTP.CORSOrigins, logger.Named("ws"), metrics.SetWSClients)
	go hub.Run(ctx)
	observer := monitoring.NewObserver(metrics, stats, hub, sink, logger.Named("observer"))

	dataset, err := pipeline.LoadDataset(cfg.Dataset.Path, pipeline.WebsiteColumns,
		pipeline.NewDataCleaner(logger.Named("cleaning")), logger.Named("dataset"))
	if err != nil {
		logger.Warn("website test dataset unavailable", zap.String("path", cfg.Dataset.Path), zap.Error(err))
	}

	// 6. Transports
	server := qhttp.NewServer(cfg, qhttp.Deps{
		Service:   service,
		Predictor: predictor,
		QoS:       table,
		Store:     store,
		Dataset:   dataset,
		Observer:  observer,
		Metrics:   metrics,
		Stats:     stats,
		Hub:       hub,
		Ingester:  ingester,
		Logger:    logger.Named("http"),
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	if cfg.NATS.URL != "" {
		natsServer := bus.NewServer(bus.Config{
			URL:           cfg.NATS.URL,
			QueueGroup:    cfg.NATS.QueueGroup,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.HTTP.RequestTimeout,
		}, predictor, table, observer, metrics, logger.Named("bus"))
		if err := natsServer.Start(); err != nil {
			logger.Error("NATS transport disabled", zap.Error(err))
		} else {
			defer natsServer.Stop()
		}
	}

	go func() {
		err := config.Watch(ctx, configPath, logger.Named("config"), func(c *config.Config) {
			if err := logger.SetLevel(c.Log.Level); err != nil {
				logger.Warn("failed to apply log level", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	// 7. Wait for shutdown
	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			return err
		}
		return errors.New("HTTP server stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}
	return nil
}

func loadEvents(statuses []ml.ArtifactStatus) []db.LoadEvent {
	events := make([]db.LoadEvent, len(statuses))
	now := time.Now().UTC()
	for i, st := range statuses {
		events[i] = db.LoadEvent{
			Artifact: st.Name,
			Path:     st.Path,
			State:    string(st.State),
			Error:    st.Error,
			LoadedAt: now,
		}
	}
	return events
}
