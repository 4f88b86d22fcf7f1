package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/ucsbridge/internal/backend"
	"github.com/joelkehle/ucsbridge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func backendCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the reference flow backend",
		Long: `Serve the command, send-message and inbound endpoints of the reference
backend. The store is chosen by backend.store_backend (memory, persistent or
sqlite). Prometheus metrics are served on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Backend.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := setupTracing(ctx, logger)
			if err != nil {
				return err
			}
			defer shutdownTracing()

			st, err := store.Open(cfg.Backend.StoreBackend, cfg.Backend.StatePath, cfg.Backend.DBPath, store.Config{})
			if err != nil {
				return err
			}
			defer func() {
				if err := st.Close(); err != nil {
					logger.Warnw("close store", "error", err)
				}
			}()
			logger.Infow("store opened", "backend", cfg.Backend.StoreBackend)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			srv, err := backend.New(backend.Options{
				Store:           st,
				Logger:          logger,
				Registerer:      reg,
				Gatherer:        reg,
				ReplyScheme:     cfg.Scheme,
				PushMaxAttempts: cfg.Backend.PushMaxAttempts,
				PushBaseBackoff: cfg.Backend.PushBaseBackoff,
				EscalationPoll:  cfg.Backend.EscalationPoll,
				Adapters:        cfg.Backend.Adapters,
				ServerID:        cfg.Backend.ServerID,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx, cfg.Backend.Addr); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Infow("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides backend.addr)")
	return cmd
}

// setupTracing installs an OTLP/HTTP exporter when OTEL_EXPORTER_OTLP_ENDPOINT
// is set. Otherwise the global no-op provider stays in place.
func setupTracing(ctx context.Context, logger *zap.SugaredLogger) (func(), error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}, nil
	}
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	logger.Infow("tracing enabled", "endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("tracer shutdown", "error", err)
		}
	}, nil
}
