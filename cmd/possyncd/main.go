// Copyright 2025 Mipos Authors
// SPDX-License-Identifier: Apache-2.0

// possyncd serves the mutation API that POS terminals drain their offline
// operation queues against.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eduardojeem/Mipos-sub030/possync"
)

type serverConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
	AppName     string `yaml:"app_name"`
	LedgerTTL   string `yaml:"ledger_ttl"` // Go duration string, e.g. "24h"
	LogLevel    string `yaml:"log_level"`

	ledgerTTL time.Duration
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		AppName:     "possyncd",
		LogLevel:    "info",
	}
}

func loadConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if cfg.DatabaseURL == "" {
		return cfg, errors.New("database_url is required (config file or DATABASE_URL)")
	}
	if cfg.JWTSecret == "" {
		return cfg, errors.New("jwt_secret is required (config file or JWT_SECRET)")
	}
	if cfg.LedgerTTL != "" {
		d, err := time.ParseDuration(cfg.LedgerTTL)
		if err != nil {
			return cfg, fmt.Errorf("invalid ledger_ttl: %w", err)
		}
		cfg.ledgerTTL = d
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "possyncd",
		Short:         "Mutation sync backend for offline-first POS terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the mutation API and metrics servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "possyncd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serverConfig) error {
	logger := newLogger(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stageMetrics, err := possync.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	service, err := possync.NewMutationService(pool, &possync.ServiceConfig{
		AppName:      cfg.AppName,
		LedgerTTL:    cfg.ledgerTTL,
		StageMetrics: stageMetrics,
	}, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	jwtAuth := possync.NewJWTAuth(cfg.JWTSecret)
	handlers := possync.NewHTTPMutationHandlers(service, jwtAuth, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/mutations", handlers.HandleMutation)
	mux.HandleFunc("/sync/status", handlers.HandleStatus)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Mutation API listening", "addr", cfg.ListenAddr, "app_name", cfg.AppName)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server failed: %w", err)
		}
	}()

	// Expired idempotency entries accumulate slowly; sweep them hourly.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := service.SweepExpiredLedgerEntries(ctx)
				if err != nil {
					logger.Warn("Ledger sweep failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("Swept expired ledger entries", "count", n)
				}
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
	<-sweepDone
	return nil
}
