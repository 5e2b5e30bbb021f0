package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"grepwise/internal/config"
	"grepwise/internal/engine"
	"grepwise/internal/home"
	"grepwise/internal/logentry"
	"grepwise/internal/sysloglistener"
	"grepwise/internal/tailer"
)

// sourceRunner starts transports for configured sources: directory
// tailers and syslog listeners. HTTP sources need no transport of
// their own. Runners live until the process context ends; deleting a
// source takes effect on restart.
type sourceRunner struct {
	ctx    context.Context
	group  *errgroup.Group
	hd     home.Dir
	engine *engine.Service
	logger *slog.Logger
}

func newSourceRunner(ctx context.Context, g *errgroup.Group, hd home.Dir, svc *engine.Service, logger *slog.Logger) *sourceRunner {
	return &sourceRunner{
		ctx:    ctx,
		group:  g,
		hd:     hd,
		engine: svc,
		logger: logger,
	}
}

func (r *sourceRunner) emit(e logentry.LogEntry) error {
	return r.engine.Ingest(e)
}

// Start spins up the transport for one source. Also invoked by the
// HTTP API when a source is created at runtime.
func (r *sourceRunner) Start(src config.Source) error {
	switch src.Type {
	case config.SourceHTTP:
		return nil
	case config.SourceFile:
		marks := tailer.NewBookmarkStore(r.hd.BookmarkPath(src.ID))
		cfg := tailer.DirectoryConfig{
			ID:        src.ID,
			Directory: src.Directory,
			Pattern:   src.Pattern,
		}
		if src.ScanIntervalMs > 0 {
			cfg.ScanInterval = millis(src.ScanIntervalMs)
		}
		t, err := tailer.New(cfg, marks, r.emit, r.logger)
		if err != nil {
			return err
		}
		r.run(src, func(ctx context.Context) error { return t.Run(ctx) })
		return nil
	case config.SourceSyslogUDP, config.SourceSyslogTCP:
		cfg := sysloglistener.Config{SourceID: src.ID, Name: src.Name}
		if src.Type == config.SourceSyslogUDP {
			cfg.UDPAddr = src.ListenAddr
		} else {
			cfg.TCPAddr = src.ListenAddr
		}
		l, err := sysloglistener.New(cfg, r.emit, r.logger)
		if err != nil {
			return err
		}
		r.run(src, func(ctx context.Context) error { return l.Run(ctx) })
		return nil
	default:
		return fmt.Errorf("source %s: unknown type %q", src.ID, src.Type)
	}
}

// StartAdHocSyslog starts listeners for the command-line syslog
// addresses, independent of the source store.
func (r *sourceRunner) StartAdHocSyslog(udpAddr, tcpAddr string) {
	if udpAddr == "" && tcpAddr == "" {
		return
	}
	l, err := sysloglistener.New(sysloglistener.Config{
		SourceID: "syslog-cli",
		Name:     "syslog",
		UDPAddr:  udpAddr,
		TCPAddr:  tcpAddr,
	}, r.emit, r.logger)
	if err != nil {
		r.logger.Error("syslog listener not started", "error", err)
		return
	}
	r.run(config.Source{ID: "syslog-cli", Name: "syslog"}, func(ctx context.Context) error {
		return l.Run(ctx)
	})
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (r *sourceRunner) run(src config.Source, fn func(context.Context) error) {
	r.logger.Info("source started", "id", src.ID, "name", src.Name, "type", src.Type)
	r.group.Go(func() error {
		err := fn(r.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("source %s: %w", src.ID, err)
		}
		return nil
	})
}
