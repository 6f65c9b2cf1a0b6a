package jsonrpc

import (
	"bytes"
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

// MethodCallHandler services an inbound request. It returns true if a reply
// has been (or will be) sent via Reply/ReplyWithError; returning false tells
// the driver to auto-reply with MethodNotFoundCode (§4.6, §6).
type MethodCallHandler func(method string, params json.RawMessage, id json.RawMessage) bool

// NotificationHandler services a fire-and-forget inbound notification.
type NotificationHandler func(method string, params json.RawMessage)

// Driver implements the JSON-RPC 2.0 shape on top of rpccore.Driver. The
// zero value is not usable; construct with New.
type Driver struct {
	*rpccore.Driver

	onMethodCall MethodCallHandler
	onNotify     NotificationHandler

	collector *metrics.Collector
	tracker   *metrics.DriverTracker
	events    *events.EventLogger
}

// Option configures a Driver at construction time.
type Option func(*Driver)

// WithMethodCallHandler registers the server-side dispatch callback (§6).
func WithMethodCallHandler(h MethodCallHandler) Option {
	return func(d *Driver) { d.onMethodCall = h }
}

// WithNotificationHandler registers the notification callback (§6).
func WithNotificationHandler(h NotificationHandler) Option {
	return func(d *Driver) { d.onNotify = h }
}

// WithCollector attaches a Prometheus collector that observes every Call's
// latency and outcome (§10.5 "domain stack wiring").
func WithCollector(c *metrics.Collector) Option {
	return func(d *Driver) { d.collector = c }
}

// WithDriverTracker attaches a stability tracker that records connection
// lifecycle events (success/error) for every Call (§10.5).
func WithDriverTracker(t *metrics.DriverTracker) Option {
	return func(d *Driver) { d.tracker = t }
}

// WithEventLogger attaches the structured event logger used for
// method_dispatch and waiter_timeout events (§10.1). Also threaded down
// into the embedded rpccore.Driver/Pump for frame_read/frame_written/
// pump_exit events.
func WithEventLogger(el *events.EventLogger) Option {
	return func(d *Driver) { d.events = el }
}

// New constructs a JSON-RPC driver over stream in the given framing mode
// (ModeLF for stdio JSON-RPC/MCP, ModeHTTP if ever tunneled over
// Content-Length framing). delim is only used in ModeLF; pass 0 for '\n'.
func New(id string, mode framing.Mode, stream rpccore.Stream, delim byte, logger *slog.Logger, outBuffer int, opts ...Option) *Driver {
	d := &Driver{}
	for _, opt := range opts {
		opt(d)
	}
	if d.events == nil {
		d.events = events.GetGlobalEventLogger()
	}
	d.Driver = rpccore.NewDriver(id, mode, stream, delim, d, logger, outBuffer, rpccore.WithEventLogger(d.events))
	return d
}

// Start launches the pump goroutine, bracketing its lifetime with the
// active-driver gauge and stability tracker (§10.5 "domain stack wiring").
// It shadows the embedded rpccore.Driver.Start to add this instrumentation.
func (d *Driver) Start(ctx context.Context) <-chan struct{} {
	otel.GetGlobalMetrics().IncrementActiveDrivers(ctx)
	if d.tracker != nil {
		d.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: d.ID, EventType: metrics.EventTypeCreated})
	}
	done := d.Driver.Start(ctx)
	go func() {
		<-done
		otel.GetGlobalMetrics().DecrementActiveDrivers(context.Background())
		if d.tracker != nil {
			d.tracker.RecordEvent(metrics.ConnectionEvent{DriverID: d.ID, EventType: metrics.EventTypeTerminated})
		}
	}()
	return done
}

// Call sends a JSON-RPC request and blocks for the matching reply (§4.6).
// The returned value is the raw json.RawMessage result field on success.
func (d *Driver) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	tracer := otel.GetGlobalTracer()
	ctx, span := tracer.StartOperationSpan(ctx, otel.OperationSpanOptions{
		DriverID:  d.ID,
		Mode:      d.Mode.String(),
		Operation: "call",
		Method:    method,
	})
	start := time.Now()

	seq := d.NextSeq()
	waiter := rpccore.NewWaiter(seq, rpccore.Identity)
	d.Table.Insert(seq, waiter)

	err := d.EnqueueEncode(ctx, func() (json.RawMessage, error) {
		return json.Marshal(Request{
			JSONRPC: Version,
			ID:      idFromInt(seq),
			Method:  method,
			Params:  params,
		})
	}, waiter)
	if err != nil {
		d.Table.Steal(seq)
	}

	val, err := waiter.Await(ctx)
	d.recordCallOutcome(ctx, span, method, seq, start, err)
	span.End()
	if err != nil {
		return nil, err
	}
	return val.(json.RawMessage), nil
}

// recordCallOutcome reports a completed Call to every attached observability
// sink: the OpenTelemetry span/metrics, the Prometheus collector, the
// driver's stability tracker, and (on timeout) the event logger.
func (d *Driver) recordCallOutcome(ctx context.Context, span trace.Span, method string, seq int64, start time.Time, err error) {
	elapsed := time.Since(start)
	success := err == nil

	if !success {
		kind, _ := protoerr.KindOf(err)
		otel.RecordError(span, err, string(kind), kind == protoerr.Timedout)
		otel.GetGlobalMetrics().RecordError(ctx, string(kind))
		if kind == protoerr.Timedout {
			otel.GetGlobalMetrics().RecordTimeout(ctx)
			d.events.LogWaiterTimeout(seq, method)
		}
	}
	otel.GetGlobalMetrics().RecordCallLatency(ctx, method, float64(elapsed.Milliseconds()), success)

	if d.collector != nil {
		d.collector.RecordCall(d.ID, method, elapsed.Seconds(), !success)
	}
	if d.tracker != nil {
		if success {
			d.tracker.RecordSuccess(d.ID, elapsed.Milliseconds())
		} else {
			kind, _ := protoerr.KindOf(err)
			d.tracker.RecordError(d.ID, kind == protoerr.InvalidData)
		}
	}
}

// Notify sends a fire-and-forget JSON-RPC notification.
func (d *Driver) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return d.EnqueueEncode(ctx, func() (json.RawMessage, error) {
		return json.Marshal(Notification{JSONRPC: Version, Method: method, Params: params})
	}, nil)
}

// Reply sends a JSON-RPC success envelope for a server-side method call.
func (d *Driver) Reply(ctx context.Context, id json.RawMessage, result json.RawMessage) error {
	return d.EnqueueEncode(ctx, func() (json.RawMessage, error) {
		return json.Marshal(Response{JSONRPC: Version, ID: id, Result: result})
	}, nil)
}

// ReplyWithError sends a JSON-RPC error envelope for a server-side method
// call.
func (d *Driver) ReplyWithError(ctx context.Context, id json.RawMessage, code int, message string) error {
	return d.EnqueueEncode(ctx, func() (json.RawMessage, error) {
		return json.Marshal(Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}})
	}, nil)
}

// HandleFrame implements rpccore.Dispatcher. It recurses once into JSON
// arrays to support batched requests (B4), then routes each element by
// shape per §4.6.
func (d *Driver) HandleFrame(raw json.RawMessage) error {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return protoerr.New(protoerr.InvalidData, "BATCH_PARSE", "%v", err)
		}
		for _, item := range batch {
			if err := d.handleOne(item); err != nil {
				return err
			}
		}
		return nil
	}
	return d.handleOne(raw)
}

func (d *Driver) handleOne(raw json.RawMessage) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return protoerr.New(protoerr.InvalidData, "ENVELOPE_PARSE", "%v", err)
	}
	if env.JSONRPC != Version {
		return protoerr.New(protoerr.InvalidData, "BAD_VERSION", "unsupported jsonrpc version %q", env.JSONRPC)
	}

	switch {
	case env.hasMethod() && !env.hasID():
		if d.onNotify != nil {
			d.onNotify(env.Method, rawParams(raw))
		}
		return nil

	case env.hasReply():
		waiter, ok := d.Table.Steal(idAsInt(env.ID))
		if !ok {
			d.Logger.Debug("dropping reply for unknown id", "id", string(env.ID))
			return nil // B3
		}
		if env.Error != nil {
			waiter.Reject(protoerr.NewPeer(env.Error.Code, env.Error.Message))
			return nil
		}
		waiter.Reply(env.Result)
		return nil

	case env.hasMethod() && env.hasID():
		d.events.LogMethodDispatch(env.Method, string(env.ID))
		if d.onMethodCall == nil || !d.onMethodCall(env.Method, rawParams(raw), env.ID) {
			_ = d.ReplyWithError(context.Background(), env.ID, MethodNotFoundCode, "Method not found")
		}
		return nil

	default:
		return protoerr.New(protoerr.InvalidData, "UNKNOWN_SHAPE", "frame matches no known JSON-RPC shape")
	}
}

func rawParams(raw json.RawMessage) json.RawMessage {
	var withParams struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &withParams)
	return withParams.Params
}

// idFromInt and idAsInt translate between our internal int64 sequence
// numbers and the wire `id` field. The driver always mints its own
// outbound ids as JSON integers, so round-tripping a reply to one of our
// own calls through idAsInt is safe. Inbound requests from the peer (which
// may use string ids per the JSON-RPC spec) are never run through this
// path: Reply/ReplyWithError echo the peer's id verbatim as json.RawMessage
// without ever parsing it, which is what keeps server-side ids opaque (§9,
// §4.6 "forward compatibility").
func idFromInt(seq int64) json.RawMessage {
	b, _ := json.Marshal(seq)
	return b
}

func idAsInt(raw json.RawMessage) int64 {
	var n int64
	_ = json.Unmarshal(raw, &n)
	return n
}

func trimLeadingSpace(raw json.RawMessage) []byte {
	return bytes.TrimLeft(raw, " \t\r\n")
}
