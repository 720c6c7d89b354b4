// Package main provides the entry point for the buslog decoder.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/resident-x/go-buslog/internal/api"
	"github.com/resident-x/go-buslog/internal/config"
	"github.com/resident-x/go-buslog/internal/domain"
	"github.com/resident-x/go-buslog/internal/pubsub"
	"github.com/resident-x/go-buslog/internal/reference"
	"github.com/resident-x/go-buslog/internal/schema"
	"github.com/resident-x/go-buslog/internal/service"
	"github.com/resident-x/go-buslog/internal/source"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	// Parse command line flags
	flags := config.Flags()
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Printf("Invalid arguments: %v\n", err)
		return 2
	}

	// Show version if requested
	if showVersion, _ := flags.GetBool("version"); showVersion {
		fmt.Printf("buslog %s\n", Version)
		return 0
	}

	// Load configuration
	configFile, _ := flags.GetString("config")
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	var logFile io.Writer
	if cfg.LogFile.Enabled {
		rotator := newLogFile(cfg)
		defer rotator.Close()
		logFile = rotator
	}
	initLogger(cfg.LogLevel, logFile)

	runID := uuid.NewString()
	log.Info().Str("version", Version).Str("run", runID).Msg("Starting buslog")
	cfg.Print()

	// Stop intake on SIGINT / SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := schema.Open(cfg.Schema.File)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load schema")
		return 1
	}
	if cfg.Schema.Watch {
		go func() {
			if err := store.Watch(ctx); err != nil {
				log.Warn().Err(err).Msg("Schema hot reload unavailable")
			}
		}()
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid timezone")
		return 1
	}

	sink, err := pubsub.Build(ctx, cfg.Sink, runID, loc)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize sinks")
		return 1
	}
	dispatcher := pubsub.NewDispatcher(sink, pubsub.DefaultInFlight)

	var ref domain.ReferenceSource
	if cfg.Correlate.Enabled {
		ref = reference.NewDirSource(cfg.Correlate.Dir)
	}

	pipeline, err := service.NewPipeline(cfg, store, dispatcher, ref)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create decode pipeline")
		closeDispatcher(dispatcher)
		return 1
	}

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, pipeline, Version)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			closeDispatcher(dispatcher)
			return 1
		}
		defer func() {
			if err := apiServer.Stop(context.Background()); err != nil {
				log.Error().Err(err).Msg("Error stopping API server")
			}
		}()
	}

	runErr := decode(ctx, cfg, pipeline)
	if ctx.Err() != nil {
		log.Info().Msg("Shutdown signal received")
	}

	pipeline.Close()
	code := 0
	if err := closeDispatcher(dispatcher); err != nil {
		code = 1
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("Decoding stopped")
		return 1
	}

	log.Info().Msg("Decoder stopped")
	return code
}

// decode feeds the configured input into the pipeline until it is
// exhausted or ctx is done.
func decode(ctx context.Context, cfg *config.Config, pipeline *service.Pipeline) error {
	if cfg.Mode == config.ModeModbus {
		collector := service.NewCollector(cfg)
		log.Info().Strs("hosts", collector.Hosts()).Msg("Collecting single-shot frames")
		return collector.Run(ctx, func(pkt service.Packet) error {
			return pipeline.ProcessModbus(pkt.Time, pkt.Data)
		})
	}

	in, err := openInput(cfg.Input)
	if err != nil {
		return err
	}
	defer in.Close()

	reader := source.NewReader(in, source.Options{
		TimeFactor: cfg.Segmented.TimeFactor,
		Increment:  time.Duration(cfg.Segmented.TimeIncrementMS) * time.Millisecond,
	})
	err = pipeline.Run(ctx, reader)

	stats := reader.Stats()
	log.Info().
		Str("input", cfg.Input).
		Int("lines", stats.Lines).
		Int("skipped", stats.Skipped).
		Msg("Input read")
	return err
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

// closeDispatcher drains pending sink writes with a bounded grace period.
func closeDispatcher(d *pubsub.Dispatcher) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.Close(shutdownCtx)
	stats := d.Stats()
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int64("dispatched", stats.Dispatched).
		Int64("written", stats.Written).
		Int64("failed", stats.Failed).
		Msg("Sink writes drained")
	return err
}

func newLogFile(cfg *config.Config) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.LogFile.Path,
		MaxSize:    cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAge:     cfg.LogFile.MaxAgeDays,
		Compress:   cfg.LogFile.Compress,
	}
}

// initLogger configures the global zerolog logger. When file is set, JSON
// lines are written there in addition to the console.
func initLogger(level string, file io.Writer) {
	// Set up pretty console logging for development
	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if file != nil {
		output = zerolog.MultiLevelWriter(output, file)
	}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
