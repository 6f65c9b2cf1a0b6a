// Package rpccore implements the framing-agnostic machinery shared by the
// JSON-RPC driver (§4.6) and the DAP client (§4.7): the correlation table,
// waiters, the output channel, and the single pump goroutine that
// multiplexes reads against writes. Callers provide a Dispatcher that knows
// how to interpret the wire shape of their protocol.
package rpccore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/framing"
	"github.com/relaykit/relaykit/internal/protoerr"
)

// Stream bundles the two half-streams a Driver needs. Close shuts down both
// halves; closing either half (e.g. the peer hanging up) is expected to
// unblock the pump's in-flight read with an error that terminates Run.
type Stream struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer // optional; Close is a no-op if nil
}

func (s Stream) close() error {
	if s.Closer != nil {
		return s.Closer.Close()
	}
	return nil
}

// Driver is the shared engine embedded by jsonrpc.Driver and dap.Client. It
// is exported so sibling packages can embed it directly and add their own
// envelope-specific Call/Notify/Reply methods on top.
type Driver struct {
	ID     string
	Mode   framing.Mode
	Table  *CorrelationTable
	Out    *OutputChannel
	Logger *slog.Logger
	Events *events.EventLogger

	stream  Stream
	pump    *Pump
	nextSeq atomic.Int64
	closed  atomic.Bool

	runOnce sync.Once
	runErr  error
	runDone chan struct{}
}

// DriverOption configures a Driver at construction time.
type DriverOption func(*Driver)

// WithEventLogger attaches the structured event logger the pump reports
// frame_read/frame_written/pump_exit events to (§10.1). Defaults to a
// no-op logger if never set.
func WithEventLogger(el *events.EventLogger) DriverOption {
	return func(d *Driver) { d.Events = el }
}

// NewDriver constructs a Driver. outBuffer sizes the output channel (§4.2);
// pass 0 for the package default.
func NewDriver(id string, mode framing.Mode, stream Stream, delim byte, dispatcher Dispatcher, logger *slog.Logger, outBuffer int, opts ...DriverOption) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver_id", id, "mode", mode.String())

	out := NewOutputChannel(outBuffer)
	reader := framing.NewReader(mode, stream.Reader, delim)
	writer := framing.NewWriter(mode, stream.Writer, delim)

	d := &Driver{
		ID:      id,
		Mode:    mode,
		Table:   NewCorrelationTable(),
		Out:     out,
		Logger:  logger,
		Events:  events.GetGlobalEventLogger(),
		stream:  stream,
		runDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.pump = NewPump(reader, writer, out, dispatcher, logger, d.Events)
	return d
}

// NextSeq allocates the next monotonically increasing sequence number.
func (d *Driver) NextSeq() int64 { return d.nextSeq.Add(1) }

// Start launches the pump goroutine. It is safe to call once; subsequent
// calls are no-ops. The returned channel is closed when the pump exits, at
// which point Err() reports the terminal error (nil on clean shutdown).
func (d *Driver) Start(ctx context.Context) <-chan struct{} {
	d.runOnce.Do(func() {
		go func() {
			defer close(d.runDone)
			err := d.pump.Run(ctx)
			d.runErr = err
			d.shutdown(err)
		}()
	})
	return d.runDone
}

// Err returns the pump's terminal error after Start's channel has closed.
func (d *Driver) Err() error { return d.runErr }

// Closed reports whether the driver has begun shutting down.
func (d *Driver) Closed() bool { return d.closed.Load() }

// Close tears the driver down: it closes the output channel (unblocking the
// pump), closes the underlying stream, and fails every outstanding waiter
// with Cancelled (§3 "Lifecycles", §5 "Cancellation & timeout").
func (d *Driver) Close() error {
	d.shutdown(protoerr.New(protoerr.Cancelled, "DRIVER_CLOSED", "driver closed"))
	return d.stream.close()
}

func (d *Driver) shutdown(cause error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	if cause == nil {
		cause = protoerr.New(protoerr.TransportClosed, "STREAM_CLOSED", "stream closed")
	}
	d.Out.Close()
	for _, w := range d.Table.Drain() {
		w.Reject(cause)
	}
	_ = d.stream.close()
}

// EnqueueEncode submits an already-serializable payload onto the output
// channel, wiring waiter.Catch so a send failure (driver shutdown mid-send)
// fails the waiter instead of leaking it (§4.5, §4.6 step 4).
func (d *Driver) EnqueueEncode(ctx context.Context, encode func() (json.RawMessage, error), waiter *Waiter) error {
	errCh := make(chan error, 1)
	if waiter != nil {
		waiter.Catch(errCh)
	}
	err := d.Out.Send(ctx, OutboundItem{Encode: encode, Waiter: waiter})
	errCh <- err
	close(errCh)
	return err
}
