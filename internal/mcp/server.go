// Package mcp implements the server half of the Model Context Protocol on
// top of the jsonrpc driver (§4.8): initialize/tools/list/tools/call plus the
// empty resources/prompts catalogues, each dispatched onto its own goroutine
// so slow tool execution never blocks the pump.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/framing"
	"github.com/relaykit/relaykit/internal/jsonrpc"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/otel"
	"github.com/relaykit/relaykit/internal/rpccore"
	"github.com/relaykit/relaykit/internal/types"
)

// Server wraps a jsonrpc.Driver with MCP method dispatch.
type Server struct {
	driver   *jsonrpc.Driver
	registry ToolRegistry

	serverName    string
	serverVersion string
	versionPolicy VersionPolicy

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool

	logger    *slog.Logger
	collector *metrics.Collector
	tracker   *metrics.DriverTracker
	events    *events.EventLogger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithVersionPolicy overrides the default strict protocol-version policy
// applied to the client's requested protocolVersion during initialize.
func WithVersionPolicy(p VersionPolicy) Option {
	return func(s *Server) { s.versionPolicy = p }
}

// WithServerInfo overrides the name/version advertised in initialize's
// serverInfo. Defaults to ClientName/ClientVersion.
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.serverName = name
		s.serverVersion = version
	}
}

// WithCollector attaches a Prometheus collector that observes every
// dispatched method call's latency and outcome (§10.5 "domain stack wiring").
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithDriverTracker attaches a stability tracker that records connection
// lifecycle events (success/error) for every dispatched method call (§10.5).
func WithDriverTracker(t *metrics.DriverTracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithEventLogger attaches the structured event logger threaded down into
// the embedded jsonrpc.Driver/rpccore.Pump for frame_read/frame_written/
// method_dispatch/waiter_timeout/pump_exit events (§10.1).
func WithEventLogger(el *events.EventLogger) Option {
	return func(s *Server) { s.events = el }
}

// NewServer constructs an MCP server over stream, using LF framing (stdio
// MCP transport, §6). id identifies the driver for logging/metrics.
func NewServer(ctx context.Context, id string, stream rpccore.Stream, registry ToolRegistry, logger *slog.Logger, outBuffer int, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	groupCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(groupCtx)

	s := &Server{
		registry:      registry,
		serverName:    ClientName,
		serverVersion: ClientVersion,
		versionPolicy: VersionPolicyStrict,
		group:         group,
		groupCtx:      groupCtx,
		cancel:        cancel,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = events.GetGlobalEventLogger()
	}

	s.driver = jsonrpc.New(id, framing.ModeLF, stream, 0, logger, outBuffer,
		jsonrpc.WithMethodCallHandler(s.dispatch),
		jsonrpc.WithEventLogger(s.events),
	)
	return s
}

// Start begins the driver's pump goroutine (§4.3), registering the driver
// with the stability tracker (if any). The returned channel closes when the
// pump exits, at which point the tracker is told the driver terminated.
func (s *Server) Start() <-chan struct{} {
	if s.tracker != nil {
		s.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: s.driver.ID, EventType: metrics.EventTypeCreated})
	}
	done := s.driver.Start(s.groupCtx)
	go func() {
		<-done
		if s.tracker != nil {
			s.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: s.driver.ID, EventType: metrics.EventTypeTerminated})
		}
	}()
	return done
}

// RegisteredMethods lists the method names this server dispatches, for
// introspection (§10.6).
func (s *Server) RegisteredMethods() []string {
	return []string{"initialize", "tools/list", "resources/list", "prompts/list", "tools/call"}
}

// Shutdown cancels all in-flight method-call goroutines and waits for them
// to observe cancellation, up to ctx's deadline, then closes the driver.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		s.driver.Close()
		return err
	case <-ctx.Done():
		s.driver.Close()
		return ctx.Err()
	}
}

// dispatch is the jsonrpc.MethodCallHandler. It spawns one goroutine per
// inbound call and returns true immediately so the driver never auto-replies
// (§4.8 step 1).
func (s *Server) dispatch(method string, params json.RawMessage, id json.RawMessage) bool {
	if s.closed.Load() {
		return false
	}
	s.group.Go(func() error {
		s.handle(method, params, id)
		return nil
	})
	return true
}

func (s *Server) handle(method string, params json.RawMessage, id json.RawMessage) {
	select {
	case <-s.groupCtx.Done():
		return
	default:
	}

	tracer := otel.GetGlobalTracer()
	ctx, span := tracer.StartOperationSpan(s.groupCtx, otel.OperationSpanOptions{
		DriverID:  s.driver.ID,
		Mode:      s.driver.Mode.String(),
		Operation: "dispatch",
		Method:    method,
	})
	start := time.Now()
	defer span.End()

	var (
		result interface{}
		err    error
	)

	switch method {
	case "initialize":
		result, err = s.handleInitialize(params)
	case "tools/list":
		result = buildToolsListResult(s.registry.ListTools())
	case "resources/list":
		result = types.ResourcesListResult{Resources: []types.Resource{}}
	case "prompts/list":
		result = types.PromptsListResult{Prompts: []types.Prompt{}}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, params)
	default:
		_ = s.driver.ReplyWithError(ctx, id, jsonrpc.MethodNotFoundCode, "method not found")
		return
	}

	elapsed := time.Since(start)
	metricsSink := otel.GetGlobalMetrics()
	metricsSink.RecordCallLatency(ctx, method, float64(elapsed.Milliseconds()), err == nil)
	if s.collector != nil {
		s.collector.RecordCall(s.driver.ID, method, elapsed.Seconds(), err != nil)
	}

	if err != nil {
		s.logger.Debug("mcp method failed", "method", method, "error", err)
		otel.RecordError(span, err, "dispatch_error", false)
		metricsSink.RecordError(ctx, "dispatch_error")
		if s.tracker != nil {
			s.tracker.RecordError(s.driver.ID, false)
		}
		_ = s.driver.ReplyWithError(ctx, id, -1, err.Error())
		return
	}

	if s.tracker != nil {
		s.tracker.RecordSuccess(s.driver.ID, elapsed.Milliseconds())
	}
	_ = s.driver.Reply(ctx, id, mustMarshal(result))
}

func (s *Server) handleInitialize(params json.RawMessage) (types.InitializeResult, error) {
	var p types.InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return types.InitializeResult{}, fmt.Errorf("invalid initialize params: %w", err)
	}

	negotiated := DefaultProtocolVersion
	if p.ProtocolVersion != "" {
		if err := ValidateNegotiation(p.ProtocolVersion, negotiated, s.versionPolicy); err != nil {
			return types.InitializeResult{}, err
		}
	}

	return types.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities: map[string]interface{}{
			"tools":     map[string]interface{}{"list": true, "call": true, "listChanged": false},
			"resources": map[string]interface{}{"list": true, "read": true, "listChanged": false, "subscribe": false},
			"prompts":   map[string]interface{}{"list": true, "get": true, "listChanged": false},
		},
		ServerInfo: types.ServerInfo{
			Name:    s.serverName,
			Version: s.serverVersion,
		},
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (types.ToolsCallResult, error) {
	var p types.ToolsCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return types.ToolsCallResult{}, fmt.Errorf("invalid tools/call params: %w", err)
	}
	return s.registry.CallTool(ctx, p.Name, p.Arguments)
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
