// Package main is the entry point for the extension host daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/admin"
	"github.com/dshills/exthost/internal/host"
	"github.com/dshills/exthost/internal/instance"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	log := newLogger(opts.logLevel, opts.pretty)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	hostOpts := []host.Option{
		host.WithLogger(log),
		host.WithMetrics(reg),
		host.WithNotificationWriter(os.Stdout),
	}
	if len(opts.searchPaths) > 0 {
		hostOpts = append(hostOpts, host.WithSearchPaths(opts.searchPaths...))
	}
	if opts.strict {
		hostOpts = append(hostOpts, host.WithLimits(instance.StrictLimits()))
	}
	if opts.memoryCeilingMB > 0 {
		hostOpts = append(hostOpts,
			host.WithMemoryCeiling(uint64(opts.memoryCeilingMB)*1024*1024, 2*time.Second))
	}

	h, err := host.New(hostOpts...)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize host")
		return 1
	}

	ctx := context.Background()

	for _, dir := range opts.load {
		if _, err := h.LoadExtension(ctx, dir); err != nil {
			log.Error().Str("dir", dir).Err(err).Msg("failed to load extension")
			if opts.failFast {
				h.Close(ctx)
				return 1
			}
		}
	}

	if opts.discover {
		infos, err := h.Discover()
		if err != nil {
			log.Error().Err(err).Msg("discovery failed")
		}
		for _, info := range infos {
			if info.Err != nil {
				log.Warn().Str("dir", info.Dir).Err(info.Err).Msg("skipping broken extension")
				continue
			}
			if _, err := h.LoadExtension(ctx, info.Dir); err != nil {
				log.Error().Str("extension", info.Name).Err(err).Msg("failed to load extension")
			}
		}
	}

	srv := admin.NewServer(opts.addr, h, reg,
		admin.WithLogger(log.With().Str("component", "admin").Logger()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("admin server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown incomplete")
	}
	h.Close(shutdownCtx)

	return 0
}

type options struct {
	addr            string
	logLevel        string
	pretty          bool
	searchPaths     []string
	load            []string
	discover        bool
	failFast        bool
	strict          bool
	memoryCeilingMB int
}

func parseFlags() options {
	var opts options
	var paths, load string
	var showVersion bool

	flag.StringVar(&opts.addr, "addr", ":8377", "Admin API listen address")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.pretty, "pretty", false, "Human-readable log output")
	flag.StringVar(&paths, "paths", "", "Extension search paths (comma-separated)")
	flag.StringVar(&load, "load", "", "Extension directories to load at startup (comma-separated)")
	flag.BoolVar(&opts.discover, "discover", false, "Load every extension found on the search paths")
	flag.BoolVar(&opts.failFast, "fail-fast", false, "Exit if a startup extension fails to load")
	flag.BoolVar(&opts.strict, "strict", false, "Apply strict resource limits to extensions")
	flag.IntVar(&opts.memoryCeilingMB, "memory-ceiling-mb", 0, "Force-unload extensions above this RSS (0 disables)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "exthostd - sandboxed extension host daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: exthostd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  exthostd -discover                      Load all installed extensions\n")
		fmt.Fprintf(os.Stderr, "  exthostd -load ./ext/hello-world        Load one extension directory\n")
		fmt.Fprintf(os.Stderr, "  exthostd -strict -memory-ceiling-mb 512 Constrain untrusted extensions\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("exthostd %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.logLevel {
	case "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.logLevel)
		os.Exit(1)
	}

	if paths != "" {
		opts.searchPaths = splitList(paths)
	}
	if load != "" {
		opts.load = splitList(load)
	}

	return opts
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out = os.Stderr
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
