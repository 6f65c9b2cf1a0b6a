package dap

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/framing"
	"github.com/relaykit/relaykit/internal/metrics"
	"github.com/relaykit/relaykit/internal/otel"
	"github.com/relaykit/relaykit/internal/protoerr"
	"github.com/relaykit/relaykit/internal/rpccore"
)

const pingCommand = "ping"

// EventHandler receives a decoded event as soon as it is dispatched
// (§4.7 "event registry"). construct is whatever the registered
// EventConstruct (or UnknownEvent) produced.
type EventHandler func(name string, construct any)

// ReverseRequestHandler services a "request"-typed message sent by the peer
// (the debuggee asking the host to do something, e.g. runInTerminal). It
// returns the response body and ok=true if it handled the request; ok=false
// tells the client to reply with success=false (§4.7 "reverse requests").
type ReverseRequestHandler func(command string, arguments json.RawMessage) (body json.RawMessage, ok bool)

// Client implements the DAP calling sequence over rpccore.Driver in
// framing.ModeHTTP (Content-Length framed, §4.1).
type Client struct {
	*rpccore.Driver

	responses  *responseRegistry
	eventTypes *eventRegistry

	onEvent          EventHandler
	onReverseRequest ReverseRequestHandler

	collector *metrics.Collector
	tracker   *metrics.DriverTracker
	events    *events.EventLogger
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithEventHandler registers the callback invoked for every decoded event.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithReverseRequestHandler registers the callback invoked for inbound
// "request"-typed messages from the peer.
func WithReverseRequestHandler(h ReverseRequestHandler) Option {
	return func(c *Client) { c.onReverseRequest = h }
}

// WithCollector attaches a Prometheus collector that observes every Call's
// latency and outcome (§10.5 "domain stack wiring").
func WithCollector(c2 *metrics.Collector) Option {
	return func(c *Client) { c.collector = c2 }
}

// WithDriverTracker attaches a stability tracker that records connection
// lifecycle events (success/error) for every Call (§10.5).
func WithDriverTracker(t *metrics.DriverTracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithEventLogger attaches the structured event logger used for
// reverse_request and waiter_timeout events (§10.1). Also threaded down
// into the embedded rpccore.Driver/Pump for frame_read/frame_written/
// pump_exit events.
func WithEventLogger(el *events.EventLogger) Option {
	return func(c *Client) { c.events = el }
}

// New constructs a DAP client over stream, framed with Content-Length
// headers. responses is the closed set of per-command response
// constructors (§4.7); commands absent from it decode to UnknownResponse.
func New(id string, stream rpccore.Stream, logger *slog.Logger, outBuffer int, responses map[string]ResponseConstruct, opts ...Option) *Client {
	merged := make(map[string]ResponseConstruct, len(responses)+1)
	merged[pingCommand] = pingResponseConstruct
	for command, construct := range responses {
		merged[command] = construct
	}

	c := &Client{
		responses:  newResponseRegistry(merged),
		eventTypes: newEventRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = events.GetGlobalEventLogger()
	}
	c.Driver = rpccore.NewDriver(id, framing.ModeHTTP, stream, 0, c, logger, outBuffer, rpccore.WithEventLogger(c.events))
	return c
}

// RegisterEvent adds or replaces the constructor for a named event. Safe to
// call at any time, including concurrently with an active pump, since the
// event registry is the protocol's designated extension point (§4.7, §6).
func (c *Client) RegisterEvent(name string, construct EventConstruct) {
	c.eventTypes.register(name, construct)
}

// Call implements the five-step DAP calling sequence (§4.7):
//  1. allocate the next sequence number and stamp it onto the request,
//  2. build a Waiter keyed on that sequence and insert it into the
//     correlation table before the request can possibly be answered,
//  3. enqueue the encoded request onto the output channel,
//  4. on enqueue failure, remove the waiter so it cannot be double-settled,
//  5. await the waiter, which a matching Response resolves via the
//     registered ResponseConstruct for req.Command.
func (c *Client) Call(ctx context.Context, req *Request) (any, error) {
	tracer := otel.GetGlobalTracer()
	ctx, span := tracer.StartOperationSpan(ctx, otel.OperationSpanOptions{
		DriverID:  c.ID,
		Mode:      c.Mode.String(),
		Operation: "call",
		Method:    req.Command,
	})
	start := time.Now()

	seq := c.NextSeq()
	req.Seq = seq
	req.Type = "request"

	construct := c.responses.lookup(req.Command)
	waiter := rpccore.NewWaiter(seq, func(raw json.RawMessage) (any, error) {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, protoerr.NewPeer(0, resp.Message).WithDetails(map[string]any{"command": resp.Command})
		}
		return construct(resp.Body)
	})
	c.Table.Insert(seq, waiter)

	err := c.EnqueueEncode(ctx, func() (json.RawMessage, error) {
		return json.Marshal(req)
	}, waiter)
	if err != nil {
		c.Table.Steal(seq)
	}

	result, err := waiter.Await(ctx)
	c.recordCallOutcome(ctx, span, req.Command, seq, start, err)
	span.End()
	return result, err
}

// recordCallOutcome reports a completed Call to every attached observability
// sink: the OpenTelemetry span/metrics, the Prometheus collector, the
// client's stability tracker, and (on timeout) the event logger.
func (c *Client) recordCallOutcome(ctx context.Context, span trace.Span, command string, seq int64, start time.Time, err error) {
	elapsed := time.Since(start)
	success := err == nil

	if !success {
		kind, _ := protoerr.KindOf(err)
		otel.RecordError(span, err, string(kind), kind == protoerr.Timedout)
		otel.GetGlobalMetrics().RecordError(ctx, string(kind))
		if kind == protoerr.Timedout {
			otel.GetGlobalMetrics().RecordTimeout(ctx)
			c.events.LogWaiterTimeout(seq, command)
		}
	}
	otel.GetGlobalMetrics().RecordCallLatency(ctx, command, float64(elapsed.Milliseconds()), success)

	if c.collector != nil {
		c.collector.RecordCall(c.ID, command, elapsed.Seconds(), !success)
	}
	if c.tracker != nil {
		if success {
			c.tracker.RecordSuccess(c.ID, elapsed.Milliseconds())
		} else {
			kind, _ := protoerr.KindOf(err)
			c.tracker.RecordError(c.ID, kind == protoerr.InvalidData)
		}
	}
}

// Start launches the pump goroutine, bracketing its lifetime with the
// active-driver gauge and stability tracker (§10.5 "domain stack wiring").
// It shadows the embedded rpccore.Driver.Start to add this instrumentation.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	otel.GetGlobalMetrics().IncrementActiveDrivers(ctx)
	if c.tracker != nil {
		c.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: c.ID, EventType: metrics.EventTypeCreated})
	}
	done := c.Driver.Start(ctx)
	go func() {
		<-done
		otel.GetGlobalMetrics().DecrementActiveDrivers(context.Background())
		if c.tracker != nil {
			c.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: c.ID, EventType: metrics.EventTypeTerminated})
		}
	}()
	return done
}

// pingResponseConstruct decodes a "ping" response body into PingResponseBody.
// A successful response proves the peer's pump is alive and answering in
// order regardless of what (if anything) it put in the body, so Alive is
// always true here; only Ping's error path reports liveness failure.
func pingResponseConstruct(body json.RawMessage) (any, error) {
	return PingResponseBody{Alive: true}, nil
}

// Ping is a liveness check (§10.6): an ordinary Call of the "ping" command,
// decoded by pingResponseConstruct into PingResponseBody, using a command the
// peer is not expected to recognize in the DAP spec proper. It succeeds as soon as any response
// (success or failure) comes back for it, since a reply at all proves the
// peer's pump is alive and answering in order.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, &Request{Command: pingCommand})
	if err == nil {
		return nil
	}
	if kind, ok := protoerr.KindOf(err); ok && kind == protoerr.PeerError {
		return nil
	}
	return err
}

// HandleFrame implements rpccore.Dispatcher, routing by the "type"
// discriminator (§4.7): responses settle the matching waiter, events
// construct via the event registry and invoke onEvent, and reverse
// requests invoke onReverseRequest.
func (c *Client) HandleFrame(raw json.RawMessage) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protoerr.New(protoerr.InvalidData, "DAP_ENVELOPE_PARSE", "%v", err)
	}

	switch env.Type {
	case "response":
		waiter, ok := c.Table.Steal(env.RequestSeq)
		if !ok {
			c.Logger.Debug("dropping dap response for unknown request_seq", "request_seq", env.RequestSeq)
			return nil // B3
		}
		waiter.Reply(raw)
		return nil

	case "event":
		construct := c.eventTypes.lookup(env.Event)
		var value any
		var err error
		if construct != nil {
			value, err = construct(env.Body)
		} else {
			value, err = UnknownEvent{Event: env.Event, Body: env.Body}, error(nil)
		}
		if err != nil {
			c.Logger.Warn("event construction failed", "event", env.Event, "error", err)
			return nil
		}
		if c.onEvent != nil {
			c.onEvent(env.Event, value)
		}
		return nil

	case "request":
		c.handleReverseRequest(env)
		return nil

	default:
		return protoerr.New(protoerr.InvalidData, "DAP_UNKNOWN_TYPE", "unrecognized message type %q", env.Type)
	}
}

func (c *Client) handleReverseRequest(env envelope) {
	c.events.LogReverseRequest(env.Command, env.Seq)

	var body json.RawMessage
	var ok bool
	if c.onReverseRequest != nil {
		body, ok = c.onReverseRequest(env.Command, env.Arguments)
	}

	resp := Response{
		ProtocolMessage: ProtocolMessage{Seq: c.NextSeq(), Type: "response"},
		RequestSeq:      env.Seq,
		Command:         env.Command,
		Success:         ok,
		Body:            body,
	}
	if !ok {
		resp.Message = "request not handled"
	}

	_ = c.EnqueueEncode(context.Background(), func() (json.RawMessage, error) {
		return json.Marshal(resp)
	}, nil)
}
