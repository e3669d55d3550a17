package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable-upload/analytics"
	"github.com/bitrise-io/go-resumable-upload/config"
	"github.com/bitrise-io/go-resumable-upload/upload"
	"github.com/bitrise-io/go-resumable-upload/upload/network"
	utilsanalytics "github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// version is set at build time with -ldflags "-X main.version=<version>".
var version = "dev"

type options struct {
	brokerURL        string
	chunkSize        string
	chunkConcurrency int
	fileConcurrency  int
	maxRetries       int
	resumeSession    string
	verbose          bool
	paths            []string
}

func main() {
	logger := log.NewLogger()
	if err := run(os.Args[1:], logger); err != nil {
		if errors.Is(err, upload.ErrPaused) {
			logger.Warnf("%s", err)
			os.Exit(2)
		}
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func parseOptions(args []string, defaults config.ClientConfig) (options, error) {
	uploadDefaults := upload.DefaultConfig()
	opts := options{}

	flags := flag.NewFlagSet("upload-client", flag.ContinueOnError)
	flags.StringVar(&opts.brokerURL, "broker-url", defaults.BrokerURL, "Upload broker base URL (UPLOAD_BROKER_URL)")
	flags.StringVar(&opts.chunkSize, "chunk-size", units.BytesSize(float64(uploadDefaults.ChunkSize)), "Chunk size, for example 5MiB")
	flags.IntVar(&opts.chunkConcurrency, "chunk-concurrency", uploadDefaults.ChunkConcurrency, "Chunks of one file uploaded in parallel")
	flags.IntVar(&opts.fileConcurrency, "file-concurrency", uploadDefaults.FileConcurrency, "Files uploaded in parallel")
	flags.IntVar(&opts.maxRetries, "max-retries", uploadDefaults.MaxRetries, "Retries of a failing chunk")
	flags.StringVar(&opts.resumeSession, "resume-session", "", "Continue an existing session; requires a single file")
	flags.BoolVar(&opts.verbose, "verbose", defaults.Verbose, "Enable debug logs (VERBOSE)")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	opts.paths = flags.Args()

	if opts.brokerURL == "" {
		return options{}, fmt.Errorf("broker URL is not defined, set --broker-url or UPLOAD_BROKER_URL")
	}
	if len(opts.paths) == 0 {
		return options{}, fmt.Errorf("no files given")
	}
	return opts, nil
}

func (o options) uploadConfig() (upload.Config, error) {
	chunkSize, err := units.RAMInBytes(o.chunkSize)
	if err != nil {
		return upload.Config{}, fmt.Errorf("invalid chunk size %q: %w", o.chunkSize, err)
	}

	cfg := upload.DefaultConfig()
	cfg.ChunkSize = chunkSize
	cfg.ChunkConcurrency = o.chunkConcurrency
	cfg.FileConcurrency = o.fileConcurrency
	cfg.MaxRetries = o.maxRetries
	return cfg, cfg.Validate()
}

func run(args []string, logger log.Logger) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	envRepo := env.NewRepository()
	clientConfig, err := config.LoadClient(envRepo)
	if err != nil {
		return err
	}

	opts, err := parseOptions(args, clientConfig)
	if err != nil {
		return err
	}
	logger.EnableDebugLog(opts.verbose)

	uploadConfig, err := opts.uploadConfig()
	if err != nil {
		return err
	}

	paths := newPathEvaluator(logger).evaluate(opts.paths)
	if len(paths) == 0 {
		return fmt.Errorf("none of the given paths is an existing file")
	}
	if opts.resumeSession != "" && len(paths) != 1 {
		return fmt.Errorf("--resume-session needs exactly one file, got %d", len(paths))
	}

	var tracker utilsanalytics.Tracker
	if clientConfig.RunID != "" {
		if tracker, err = analytics.NewDefaultRunTracker(envRepo, version, logger); err != nil {
			logger.Warnf("Analytics disabled: %s", err)
		}
	}

	client, err := network.NewClient(network.ClientConfig{
		BaseURL:         opts.brokerURL,
		ControlRetryMax: network.DefaultControlRetryMax,
	}, logger)
	if err != nil {
		return err
	}
	transferer := network.NewTransferer(nil, logger)
	defer transferer.CloseIdleConnections()

	orchestrator, err := upload.NewOrchestrator(uploadConfig, client, transferer, tracker, logger)
	if err != nil {
		return err
	}
	orchestrator.SetObserver(func(state upload.FileUploadState) {
		logger.Debugf("%s: %s %d%% (%d/%d chunks)", state.FileName, state.Status, state.Progress,
			len(state.CompletedChunks), state.TotalChunks)
	})
	batch := upload.NewBatch(orchestrator, logger)

	if opts.resumeSession != "" {
		if _, err := orchestrator.Restore(paths[0], opts.resumeSession); err != nil {
			return err
		}
	} else if _, err := batch.Add(paths...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warnf("Interrupted, pausing uploads")
			batch.PauseAll()
		case <-finished:
		}
	}()

	logger.Infof("Uploading %d files to %s (chunk size: %s)", len(paths), opts.brokerURL, units.BytesSize(float64(uploadConfig.ChunkSize)))
	start := time.Now()
	overview, runErr := batch.Run(ctx)

	printSummary(logger, orchestrator.Snapshots(), overview, time.Since(start))

	return runErr
}

func printSummary(logger log.Logger, states []upload.FileUploadState, overview upload.Overview, took time.Duration) {
	logger.Println()
	for _, state := range states {
		switch state.Status {
		case upload.StatusCompleted:
			logger.Donef("%s: completed (session %s)", state.FileName, state.SessionID)
		case upload.StatusPaused:
			logger.Warnf("%s: paused at %d%%, resume with --resume-session %s", state.FileName, state.Progress, state.SessionID)
		default:
			logger.Errorf("%s: %s at %d%% (%s)", state.FileName, state.Status, state.Progress, state.Error)
		}
	}

	logger.Printf("%d/%d files, %s of %s uploaded in %s", overview.CompletedFiles, overview.TotalFiles,
		units.HumanSize(float64(overview.UploadedSize)), units.HumanSize(float64(overview.TotalSize)), took.Round(time.Second))
}
