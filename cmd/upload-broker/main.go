package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable-upload/broker"
	"github.com/bitrise-io/go-resumable-upload/config"
	"github.com/bitrise-io/go-resumable-upload/ledger"
	"github.com/bitrise-io/go-resumable-upload/server"
	"github.com/bitrise-io/go-resumable-upload/sessioncache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.NewLogger()
	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.LoadBroker(env.NewRepository())
	if err != nil {
		return err
	}
	logger.EnableDebugLog(cfg.Verbose)
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := ledger.Open(ctx, cfg.DBDriver, cfg.DBDSN, logger)
	if err != nil {
		return err
	}
	store := ledger.NewStore(db, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close the ledger: %s", err)
		}
	}()

	signer, err := broker.NewS3Signer(ctx, broker.S3Params{
		Region:          cfg.AWSRegion,
		Bucket:          cfg.Bucket,
		AccessKeyID:     string(cfg.AWSAccessKeyID),
		SecretAccessKey: string(cfg.AWSSecretAccessKey),
		Endpoint:        cfg.S3Endpoint,
		UsePathStyle:    cfg.S3UsePathStyle,
	}, logger)
	if err != nil {
		return err
	}

	var sessions server.SessionReader = store
	if cfg.RedisAddr != "" {
		client, err := sessioncache.NewRedisClient(ctx, sessioncache.Options{
			Addr:     cfg.RedisAddr,
			Password: string(cfg.RedisPassword),
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warnf("Failed to close the redis client: %s", err)
			}
		}()
		sessions = sessioncache.New(store, client, sessioncache.DefaultTTL, logger)
		logger.Infof("Caching completed sessions in redis at %s", cfg.RedisAddr)
	}

	sweeper := ledger.NewSweeper(store, signer, ledger.SweeperConfig{
		Retention: cfg.Retention,
		Interval:  cfg.SweepInterval,
	}, logger)
	sweeper.Start(ctx)

	handler := server.NewHandler(store, sessions, broker.New(signer, cfg.GrantTTL, logger), logger)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           server.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Upload broker listening on :%s (ledger: %s, bucket: %s)", cfg.Port, cfg.DBDriver, cfg.Bucket)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}
