package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/matteso1/crabdb/internal/config"
	"github.com/matteso1/crabdb/internal/engine"
	"github.com/matteso1/crabdb/internal/metrics"
	"github.com/matteso1/crabdb/internal/server"
	"github.com/matteso1/crabdb/internal/storage"
)

func main() {
	app := &cli.App{
		Name:  "crabdb-server",
		Usage: "CrabDb key-value server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML configuration file",
				EnvVars: []string{"CRABDB_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "gRPC listen address",
				EnvVars: []string{"CRABDB_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "metrics-address",
				Usage:   "address serving /metrics, empty to disable",
				EnvVars: []string{"CRABDB_METRICS_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "directory holding segment files and the manifest",
				EnvVars: []string{"CRABDB_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "storage backend [segment, log]",
				EnvVars: []string{"CRABDB_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the logging level [trace, debug, info, warn, error, fatal, panic]",
				EnvVars: []string{"CRABDB_LOG_LEVEL"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return errors.Wrap(err, "invalid configuration")
			}

			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			logrus.SetLevel(cfg.LogLevel())

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("crabdb-server failed")
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("address") {
		cfg.Server.Address = c.String("address")
	}
	if c.IsSet("metrics-address") {
		cfg.Server.MetricsAddress = c.String("metrics-address")
	}
	if c.IsSet("data-dir") {
		cfg.Storage.DataDir = c.String("data-dir")
	}
	if c.IsSet("backend") {
		cfg.Storage.Backend = c.String("backend")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

func openStore(cfg config.Config, reg *metrics.Metrics) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendLog:
		if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
			return nil, errors.Wrap(err, "create data directory")
		}
		l, err := storage.OpenRecordLog(cfg.RecordLogPath(), cfg.Storage.SyncWrites,
			logrus.WithField("component", "record-log"))
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		engineConfig, err := cfg.EngineConfig()
		if err != nil {
			return nil, err
		}
		engineConfig.Logger = logrus.WithField("component", "storage")
		engineConfig.Metrics = reg
		m, err := storage.Open(cfg.Storage.DataDir, engineConfig)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logrus.WithField("component", "main")
	reg := metrics.NewMetrics()

	store, err := openStore(cfg, reg)
	if err != nil {
		return errors.WithMessage(err, "open storage")
	}

	actor := engine.NewStorageActor(store, engine.Config{
		QueueSize: cfg.Server.ActorQueueSize,
		Logger:    logrus.WithField("component", "actor"),
	})
	actor.Start()
	defer func() {
		if err := actor.Stop(); err != nil {
			log.WithError(err).Error("failed to close storage")
		}
	}()

	srv := server.NewServer(actor.Handle(), server.ServerConfig{
		Metrics: reg,
		Logger:  logrus.WithField("component", "grpc"),
	})

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Server.Address)
	})
	if metricsServer != nil {
		g.Go(func() error {
			log.Infof("metrics listening on %s", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serve metrics")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Stop()
		if metricsServer != nil {
			if err := metricsServer.Shutdown(context.Background()); err != nil {
				return errors.Wrap(err, "shutdown metrics server")
			}
		}
		return nil
	})

	log.WithFields(logrus.Fields{
		"backend":  cfg.Storage.Backend,
		"data_dir": cfg.Storage.DataDir,
	}).Info("crabdb started")
	return g.Wait()
}
