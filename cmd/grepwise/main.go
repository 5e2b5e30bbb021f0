// Command grepwise runs the log analysis service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"grepwise/internal/alarm"
	"grepwise/internal/archive"
	"grepwise/internal/buffer"
	"grepwise/internal/config"
	"grepwise/internal/engine"
	"grepwise/internal/event"
	"grepwise/internal/home"
	"grepwise/internal/logging"
	"grepwise/internal/notify"
	"grepwise/internal/partition"
	"grepwise/internal/redact"
	"grepwise/internal/server"
)

var version = "dev"

const (
	exitConfig   = 2
	exitInternal = 70
)

// configError marks failures in flag, env, or config-file handling so
// main can exit 2 instead of 70.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

type serveOptions struct {
	home        string
	indexRoot   string
	archiveDir  string
	httpAddr    string
	syslogUDP   string
	syslogTCP   string
	granularity string
	logLevel    string
}

func main() {
	opts := serveOptions{}

	rootCmd := &cobra.Command{
		Use:           "grepwise",
		Short:         "Log analysis service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grepwise service",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(opts.logLevel)
			if err != nil {
				return configError{err}
			}
			logger := logging.New(os.Stderr, level)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, opts)
		},
	}

	serveCmd.Flags().StringVar(&opts.home, "home", "", "home directory (default: ~/.GrepWise)")
	serveCmd.Flags().StringVar(&opts.indexRoot, "index-root", "", "partition root (default: <home>/index)")
	serveCmd.Flags().StringVar(&opts.archiveDir, "archive-dir", "", "archive directory (default: <home>/archive)")
	serveCmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "HTTP listen address (default :8080, or GW_HOST/GW_HTTP_PORT)")
	serveCmd.Flags().StringVar(&opts.syslogUDP, "syslog-udp", "", "UDP syslog listen address (or GW_SYSLOG_PORT)")
	serveCmd.Flags().StringVar(&opts.syslogTCP, "syslog-tcp", "", "TCP syslog listen address")
	serveCmd.Flags().StringVar(&opts.granularity, "granularity", string(partition.Daily), "partition granularity: DAILY, WEEKLY, or MONTHLY")
	serveCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, or error")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "grepwise:", err)
		var ce configError
		if errors.As(err, &ce) {
			os.Exit(exitConfig)
		}
		os.Exit(exitInternal)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("bad log level %q", s)
	}
	return level, nil
}

// applyEnv fills unset flags from the GW_* environment.
func applyEnv(opts *serveOptions) {
	if opts.httpAddr == "" {
		host := os.Getenv("GW_HOST")
		port := os.Getenv("GW_HTTP_PORT")
		if port == "" {
			port = "8080"
		}
		opts.httpAddr = host + ":" + port
	}
	if opts.syslogUDP == "" {
		if port := os.Getenv("GW_SYSLOG_PORT"); port != "" {
			opts.syslogUDP = ":" + port
		}
	}
}

func run(ctx context.Context, logger *slog.Logger, opts serveOptions) error {
	applyEnv(&opts)

	hd, err := resolveHome(opts.home)
	if err != nil {
		return configError{err}
	}
	if err := hd.EnsureExists(); err != nil {
		return configError{err}
	}
	logger.Info("home directory", "path", hd.Root())

	if opts.indexRoot == "" {
		opts.indexRoot = hd.IndexRoot()
	}
	if opts.archiveDir == "" {
		opts.archiveDir = hd.ArchiveDir()
	}
	granularity, err := partition.ParseGranularity(opts.granularity)
	if err != nil {
		return configError{err}
	}

	arch, err := archive.NewStore(archive.Config{
		Dir:                opts.archiveDir,
		CompressionLevel:   3,
		AutoArchiveEnabled: true,
	}, logger)
	if err != nil {
		return configError{err}
	}

	bus := event.NewBus()
	mgr, err := partition.NewManager(partition.Options{
		Root:        opts.indexRoot,
		Granularity: granularity,
		Bus:         bus,
		Archive:     arch,
		Logger:      logger,
	})
	if err != nil {
		return configError{err}
	}

	redactionStore := redact.NewStore(hd.RedactionPath(), logger)
	redactionCfg, err := redactionStore.Load()
	if err != nil {
		return configError{err}
	}
	redactor, err := redact.New(redactionCfg)
	if err != nil {
		return configError{err}
	}

	registry := prometheus.NewRegistry()
	svc, err := engine.NewService(engine.Options{
		Manager:  mgr,
		Redactor: redactor,
		Bus:      bus,
		Buffer:   buffer.Options{},
		Metrics:  engine.NewMetrics(registry),
		Logger:   logger,
	})
	if err != nil {
		return configError{err}
	}

	alarms := alarm.NewStore(hd.AlarmsPath(), logger)
	if err := alarms.Load(); err != nil {
		return configError{err}
	}
	scheduler, err := alarm.NewScheduler(alarms, svc, notify.NewDispatcher(logger), logger)
	if err != nil {
		return err
	}

	sources := config.NewStore(hd.SourcesPath(), logger)
	if err := sources.Load(); err != nil {
		return configError{err}
	}

	g, ctx := errgroup.WithContext(ctx)

	runner := newSourceRunner(ctx, g, hd, svc, logger)
	for _, src := range sources.List() {
		if !src.Enabled {
			continue
		}
		if err := runner.Start(src); err != nil {
			logger.Warn("source not started", "id", src.ID, "error", err)
		}
	}
	runner.StartAdHocSyslog(opts.syslogUDP, opts.syslogTCP)

	srv := server.New(server.Options{
		Addr:        opts.httpAddr,
		Engine:      svc,
		Alarms:      alarms,
		Scheduler:   scheduler,
		Redactor:    redactor,
		Redaction:   redactionStore,
		Sources:     sources,
		StartSource: runner.Start,
		Registry:    registry,
		IngestRate:  rate.Limit(100),
		IngestBurst: 200,
		Logger:      logger,
	})

	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Hot reload on file edits. The API reload path exists too;
		// this covers operators editing the file directly.
		err := redactionStore.Watch(ctx, func(cfg redact.Config) {
			if err := redactor.Update(cfg); err != nil {
				logger.Error("redaction reload rejected", "error", err)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Close()

	logger.Info("grepwise started", "version", version, "http", opts.httpAddr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Close(shutdownCtx)
}

func resolveHome(flag string) (home.Dir, error) {
	if flag != "" {
		return home.New(flag), nil
	}
	return home.Default()
}
