// compactiond runs the range compaction scheduler as a daemon and exposes its
// observability surface: prometheus metrics on /metrics and a live status
// stream over a websocket on /ws. The daemon drives the built-in synthetic
// store backend, which makes it a rehearsal and operations-validation tool;
// wiring a real store only changes the two constructor arguments.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peterxcli/rangecompact/compaction"
	"github.com/peterxcli/rangecompact/integration"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configFile := flag.String("config", "", "Path to JSON service configuration file (defaults apply if omitted)")
	genFile := flag.String("gen", "", "Path to JSON keyspace generator configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := compaction.DefaultServiceConfig()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			logger.Error("reading config file", "error", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			logger.Error("parsing config file", "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	genCfg := integration.DefaultGenerateConfig()
	if *genFile != "" {
		data, err := os.ReadFile(*genFile)
		if err != nil {
			logger.Error("reading generator config file", "error", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &genCfg); err != nil {
			logger.Error("parsing generator config file", "error", err)
			os.Exit(1)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := compaction.NewMetrics(registry)

	store := integration.Generate(genCfg)
	svc, err := compaction.NewService(cfg, store, store, logger, metrics)
	if err != nil {
		logger.Error("creating service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		logger.Error("starting service", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", statusStreamHandler(svc, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Info("server starting", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
	svc.Stop()
	_ = server.Shutdown(context.Background())
}
