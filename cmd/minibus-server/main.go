// Command minibus-server runs the TCP bus gateway of §4.2/§4.7 alongside
// the optional HTTP/SSE façade of §6, wired the way the teacher's
// cmd/api/main.go and cmd/socket-gateway/main.go assemble and shut down a
// server: flag/env config, then a signal-triggered graceful stop.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/bucket"
	"github.com/ocx/minibus/internal/config"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/gateway"
	"github.com/ocx/minibus/internal/httpapi"
	"github.com/ocx/minibus/internal/metrics"
	"github.com/ocx/minibus/internal/registry"
)

func main() {
	listen := flag.String("listen", "", "TCP bus listen address (overrides config/env)")
	webListen := flag.String("web-listen", "", "HTTP façade listen address (overrides config/env)")
	webBase := flag.String("web-base", "", "HTTP façade base path (overrides config/env)")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("minibus-server: failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *webListen != "" {
		cfg.WebListen = *webListen
	}
	if *webBase != "" {
		cfg.WebBase = *webBase
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Process-wide singletons, per §9: one registry and two brokers shared
	// by every connection and by the HTTP façade.
	notifyBroker := broker.New[entity.External]()
	eventBroker := broker.New[entity.External]()
	shared := bucket.New(eventBroker)
	reg := registry.New(eventBroker, shared)
	busMetrics := metrics.New()

	srv := gateway.NewServer(reg, notifyBroker, eventBroker)
	srv.HandshakeTimeout = cfg.HandshakeTimeout
	srv.Logger = logger
	srv.Metrics = busMetrics

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("minibus-server: failed to listen on %s: %v", cfg.Listen, err)
	}

	busCtx, cancelBus := context.WithCancel(context.Background())
	busDone := make(chan error, 1)
	go func() {
		busDone <- srv.Serve(busCtx, ln)
	}()
	logger.Info("bus gateway listening", "addr", cfg.Listen)

	httpHandler := httpapi.New(reg, notifyBroker, eventBroker)
	httpHandler.Logger = logger
	router := mux.NewRouter()
	httpHandler.Mount(router, cfg.WebBase)

	webServer := &http.Server{
		Addr:         cfg.WebListen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http façade listening", "addr", cfg.WebListen, "base", cfg.WebBase)
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http façade stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping gracefully")

	cancelBus()
	if err := <-busDone; err != nil {
		logger.Warn("bus gateway stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http façade shutdown error", "error", err)
	}

	logger.Info("minibus-server stopped")
}
