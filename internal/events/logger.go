// Package events provides structured logging for driver lifecycle events.
// Output always targets stderr: stdout carries the framed wire protocol
// itself (§6, §10.1), so any stray log byte on stdout would corrupt
// framing for the MCP/JSON-RPC/DAP peer on the other end of the pipe.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key events in a protocol
// driver's lifecycle.
type EventLogger struct {
	logger   *slog.Logger
	driverID string
	mode     string
}

// NewEventLogger creates an EventLogger with JSON output to stderr. It
// includes base attributes: driver_id and mode.
func NewEventLogger(driverID, mode string) *EventLogger {
	return NewEventLoggerWithWriter(driverID, mode, os.Stderr)
}

// NewEventLoggerWithWriter creates an EventLogger with JSON output to a
// custom writer. Useful for testing.
func NewEventLoggerWithWriter(driverID, mode string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	logger := slog.New(handler).With(
		"driver_id", driverID,
		"mode", mode,
	)
	return &EventLogger{
		logger:   logger,
		driverID: driverID,
		mode:     mode,
	}
}

// Slog exposes the underlying *slog.Logger so it can be threaded into
// rpccore.NewDriver/jsonrpc.New/dap.New, which already enrich it with the
// same driver_id/mode pair.
func (el *EventLogger) Slog() *slog.Logger { return el.logger }

// LogFrameRead logs a successfully decoded inbound frame.
// event: "frame_read"
func (el *EventLogger) LogFrameRead(bytes int) {
	el.logger.Debug("frame_read", "bytes", bytes)
}

// LogFrameWritten logs a successfully written outbound frame.
// event: "frame_written"
func (el *EventLogger) LogFrameWritten(bytes int) {
	el.logger.Debug("frame_written", "bytes", bytes)
}

// LogWaiterTimeout logs a call whose deadline elapsed before a reply
// arrived.
// event: "waiter_timeout"
func (el *EventLogger) LogWaiterTimeout(seq int64, method string) {
	el.logger.Warn("waiter_timeout", "seq", seq, "method", method)
}

// LogMethodDispatch logs an inbound method call being routed to a handler.
// event: "method_dispatch"
func (el *EventLogger) LogMethodDispatch(method string, id string) {
	el.logger.Info("method_dispatch", "method", method, "id", id)
}

// LogReverseRequest logs an inbound DAP "request"-typed message being
// routed to the reverse-request handler.
// event: "reverse_request"
func (el *EventLogger) LogReverseRequest(command string, seq int64) {
	el.logger.Info("reverse_request", "command", command, "seq", seq)
}

// LogPumpExit logs the pump loop terminating, with its terminal error if
// any.
// event: "pump_exit"
func (el *EventLogger) LogPumpExit(err error) {
	if err != nil {
		el.logger.Warn("pump_exit", "error", err.Error())
		return
	}
	el.logger.Info("pump_exit")
}

// Global logger management, for call sites (e.g. cmd binaries) that would
// otherwise need to thread an *EventLogger through every constructor.
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
	noopLogger   = NoopEventLogger()
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance. If no
// logger is set, returns a shared no-op logger (the same instance on every
// call).
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return noopLogger
}

// NoopEventLogger returns an event logger that discards all events. Useful
// for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler)}
}
