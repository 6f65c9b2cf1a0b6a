package rpccore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/relaykit/relaykit/internal/events"
	"github.com/relaykit/relaykit/internal/framing"
	"github.com/relaykit/relaykit/internal/protoerr"
)

// Dispatcher routes a fully-decoded inbound frame. JSON-RPC and DAP each
// implement it with their own envelope rules (§4.6/§4.7); the pump itself
// knows nothing about either shape.
type Dispatcher interface {
	HandleFrame(raw json.RawMessage) error
}

// Pump is the single cooperative loop described in §4.3 (C3). It owns the
// reader and writer halves of the stream and the receive side of the output
// channel, and multiplexes "next frame decoded" against "next outbound item
// ready to write" so that at most one read and one write are ever in flight
// at a time.
type Pump struct {
	reader     framing.Reader
	writer     framing.Writer
	out        *OutputChannel
	dispatcher Dispatcher
	logger     *slog.Logger
	events     *events.EventLogger

	readResults chan readResult
	writeErr    error
}

type readResult struct {
	frame json.RawMessage
	err   error
}

// NewPump wires a Pump over the given framing reader/writer, output channel,
// and dispatcher. el may be nil, in which case pump events are discarded.
func NewPump(reader framing.Reader, writer framing.Writer, out *OutputChannel, dispatcher Dispatcher, logger *slog.Logger, el *events.EventLogger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if el == nil {
		el = events.NoopEventLogger()
	}
	return &Pump{
		reader:      reader,
		writer:      writer,
		out:         out,
		dispatcher:  dispatcher,
		logger:      logger,
		events:      el,
		readResults: make(chan readResult, 1),
	}
}

// Run drives the pump until the stream closes, a read/write error occurs, or
// the output channel is closed (signalling driver shutdown, §3). It returns
// the terminal error, or nil on a clean end-of-stream.
func (p *Pump) Run(ctx context.Context) error {
	readInFlight := false

	for {
		if !readInFlight {
			go p.armRead()
			readInFlight = true
		}

		select {
		case <-ctx.Done():
			err := protoerr.New(protoerr.Cancelled, "PUMP_CTX", "%v", ctx.Err())
			p.events.LogPumpExit(err)
			return err

		case <-p.out.Done():
			p.logger.Debug("pump exiting: output channel closed")
			p.events.LogPumpExit(nil)
			return nil

		case res := <-p.readResults:
			readInFlight = false
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					p.logger.Debug("pump exiting: stream at EOF")
					p.events.LogPumpExit(nil)
					return nil
				}
				p.logger.Warn("pump read failed", "error", res.err)
				p.events.LogPumpExit(res.err)
				return res.err
			}
			p.events.LogFrameRead(len(res.frame))
			if err := p.dispatcher.HandleFrame(res.frame); err != nil {
				p.logger.Warn("pump dispatch failed, closing stream", "error", err)
				p.events.LogPumpExit(err)
				return err
			}

		case item, ok := <-p.out.Recv():
			if !ok {
				p.events.LogPumpExit(nil)
				return nil
			}
			p.writeOne(item)
			if p.writeErr != nil {
				p.events.LogPumpExit(p.writeErr)
				return p.writeErr
			}
		}
	}
}

// armRead launches exactly one frame read and posts its result. Because the
// pump only re-arms after consuming the previous result, at most one read is
// ever outstanding (§4.3 rationale).
func (p *Pump) armRead() {
	frame, err := p.reader.ReadFrame()
	p.readResults <- readResult{frame: frame, err: err}
}

// writeOne encodes and writes a single outbound item. An encode failure
// fails only this item's waiter and the pump continues; a write failure
// fails this item's waiter and is stored in p.writeErr, which Run checks
// right after this call and returns.
func (p *Pump) writeOne(item OutboundItem) {
	payload, err := item.Encode()
	if err != nil {
		encErr := protoerr.New(protoerr.EncodeFailed, "ENCODE", "%v", err)
		p.logger.Warn("encode failed for outbound item", "error", encErr)
		if item.Waiter != nil {
			item.Waiter.Reject(encErr)
		}
		return
	}

	if err := p.writer.WriteFrame(payload); err != nil {
		p.logger.Error("write failed, pump terminating", "error", err)
		if item.Waiter != nil {
			item.Waiter.Reject(err)
		}
		p.writeErr = err
		return
	}
	p.events.LogFrameWritten(len(payload))
}
