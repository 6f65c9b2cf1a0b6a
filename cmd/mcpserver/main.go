// Package main provides the relaykit-mcpserver CLI binary: a stdio MCP
// server exposing the built-in host-info tool over LF-framed JSON-RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/hosttools"
	"github.com/relaykit/relaykit/internal/mcp"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/otel"
	"github.com/relaykit/relaykit/internal/rpccore"
)

func main() {
	listMethods := flag.Bool("list-methods", false, "print the server's registered MCP methods and exit")
	driverID := flag.String("id", "", "driver id used in logs and metrics (default: random uuid)")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address (e.g. :9090)")
	traceExporter := flag.String("trace-exporter", "none", "OpenTelemetry trace exporter: none, otlp-grpc, otlp-http (never stdout: stdout carries the wire protocol)")
	otlpEndpoint := flag.String("otlp-endpoint", "localhost:4317", "OTLP collector endpoint, used when -trace-exporter is otlp-grpc/otlp-http")
	flag.Parse()

	id := *driverID
	if id == "" {
		id = uuid.NewString()
	}

	el := events.NewEventLogger(id, "stdio")
	events.SetGlobalEventLogger(el)
	logger := el.Slog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := setupObservability(ctx, *traceExporter, *otlpEndpoint); err != nil {
		fmt.Fprintf(os.Stderr, "observability setup: %v\n", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	tracker := metrics.NewDriverTracker()
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, collector, logger)
	}

	registry := hosttools.New()
	server := mcp.NewServer(ctx, id, rpccore.Stream{Reader: os.Stdin, Writer: os.Stdout}, registry, logger, config.DefaultOutputBufferSize,
		mcp.WithCollector(collector),
		mcp.WithDriverTracker(tracker),
		mcp.WithEventLogger(el),
	)

	if *listMethods {
		for _, m := range server.RegisteredMethods() {
			fmt.Println(m)
		}
		return
	}

	done := server.Start()
	logger.Info("mcp server started", "driver_id", id)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-done:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.DefaultShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		os.Exit(1)
	}
}

// setupObservability installs the global tracer and meter provider per the
// requested exporter. Stdout is deliberately unsupported here: stdout is
// the MCP wire transport, and an exporter writing to it would corrupt
// framing (§10.1).
func setupObservability(ctx context.Context, exporter, endpoint string) error {
	if exporter == "none" || exporter == "" {
		return nil
	}

	traceCfg := otel.DefaultConfig()
	metricsCfg := otel.DefaultMetricsConfig()

	switch exporter {
	case "otlp-grpc":
		traceCfg.ExporterType = otel.ExporterOTLPGRPC
		metricsCfg.ExporterType = otel.ExporterOTLPGRPC
	case "otlp-http":
		traceCfg.ExporterType = otel.ExporterOTLPHTTP
		metricsCfg.ExporterType = otel.ExporterOTLPHTTP
	default:
		return fmt.Errorf("unsupported trace exporter %q (stdout is disallowed on the stdio transport)", exporter)
	}
	traceCfg.Enabled = true
	traceCfg.OTLPEndpoint = endpoint
	traceCfg.OTLPInsecure = true
	metricsCfg.Enabled = true
	metricsCfg.OTLPEndpoint = endpoint
	metricsCfg.OTLPInsecure = true

	tracer, err := otel.NewTracer(ctx, traceCfg)
	if err != nil {
		return err
	}
	otel.SetGlobalTracer(tracer)

	meter, err := otel.NewMetrics(ctx, metricsCfg)
	if err != nil {
		return err
	}
	otel.SetGlobalMetrics(meter)
	return nil
}

// serveMetrics starts a background HTTP server exposing the collector's
// registry through the standard promhttp handler.
func serveMetrics(addr string, collector *metrics.Collector, logger interface {
	Error(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}
