// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/novatechflow/ropscale/pkg/backend"
	"github.com/novatechflow/ropscale/pkg/broker"
	"github.com/novatechflow/ropscale/pkg/metadata"
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "ropscale-broker",
		Short: "Legacy pull-protocol broker over a ledger-addressed stream store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := broker.LoadConfig(configPath)
	if err != nil {
		return err
	}

	store, cleanup, err := newMetadataStore(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// The in-memory store doubles as backend client and cluster view for
	// standalone runs; a clustered deployment swaps in a real store client
	// behind the same interfaces.
	mem := backend.NewInMemory(listenAddrOf(cfg))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b, err := broker.New(cfg, logger, mem, mem, store, reg)
	if err != nil {
		return err
	}
	mem.OnPublish(b.Hold().NotifyPartitionArrival)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adminErr := make(chan error, 1)
	go func() { adminErr <- serveAdmin(ctx, cfg.MetricsAddr, reg, logger) }()

	logger.Info("starting broker",
		"cluster", cfg.ClusterName, "listeners", cfg.RocketmqListeners, "metrics", cfg.MetricsAddr)
	if err := b.ListenAndServe(ctx); err != nil {
		return err
	}
	b.Wait()

	select {
	case err := <-adminErr:
		return err
	default:
		return nil
	}
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newMetadataStore(cfg *broker.Config, logger *slog.Logger) (metadata.Store, func(), error) {
	if len(cfg.EtcdEndpoints) == 0 {
		logger.Info("using in-memory metadata store")
		return metadata.NewInMemoryStore(), func() {}, nil
	}
	store, err := metadata.NewEtcdStore(metadata.EtcdStoreConfig{
		Endpoints: cfg.EtcdEndpoints,
		Username:  cfg.EtcdUsername,
		Password:  cfg.EtcdPassword,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using etcd metadata store", "endpoints", cfg.EtcdEndpoints)
	return store, func() { _ = store.Close() }, nil
}

func listenAddrOf(cfg *broker.Config) string {
	listeners := cfg.Listeners()
	if len(listeners) == 0 {
		return "127.0.0.1:9876"
	}
	return listeners[0]
}

func serveAdmin(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("admin endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
