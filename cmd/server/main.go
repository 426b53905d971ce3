package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/example/care-matching/internal/assign"
	"github.com/example/care-matching/internal/config"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/eta"
	"github.com/example/care-matching/internal/geo"
	httpapi "github.com/example/care-matching/internal/http"
	"github.com/example/care-matching/internal/ingest"
	"github.com/example/care-matching/internal/lifecycle"
	"github.com/example/care-matching/internal/logging"
	"github.com/example/care-matching/internal/ranker"
	"github.com/example/care-matching/internal/rating"
	"github.com/example/care-matching/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if cfg.RunMigrations && cfg.PGDSN != "" {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var gidx geo.Geo
	if cfg.RedisAddr != "" {
		gidx = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		gidx = geo.NewIndex()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	wsreg := dispatch.NewWSRegistry(logger)
	var dispatcher dispatch.Dispatcher = wsreg
	if cfg.FCMEndpoint != "" {
		dispatcher = dispatch.NewPushDispatcher(wsreg, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	rk := ranker.New(ranker.Weights{
		Proximity: cfg.WeightProximity,
		Rating:    cfg.WeightRating,
		Price:     cfg.WeightPrice,
	})

	coord := assign.New(gidx, rk, store, dispatcher, logger)
	coord.RematchDeadline = cfg.RematchDeadline
	coord.DefaultSpeedMps = cfg.DefaultSpeedMps
	if cfg.OSRMEndpoint != "" {
		coord.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		coord.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}

	machine := lifecycle.NewMachine(store, coord, dispatcher, logger)
	aggregator := rating.NewAggregator(store, gidx, logger)

	srv := httpapi.NewServer(httpapi.Options{
		Geo:     gidx,
		Ranker:  rk,
		Machine: machine,
		Coord:   coord,
		Rating:  aggregator,
		Store:   store,
		Kafka:   producer,
		WSReg:   wsreg,
		Logger:  logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coord.RunSweeper(ctx, cfg.SweepInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("care-matching listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_engine.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
