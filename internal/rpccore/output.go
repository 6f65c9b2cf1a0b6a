package rpccore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relaykit/relaykit/internal/protoerr"
)

// OutboundItem is one entry on the output channel (§4.2, C2). Encode is
// deferred until the pump actually picks the item up so that an encode
// failure only ever affects this one item's Waiter, never the items queued
// behind it (§7: "Encode failures on a specific outbound message fail only
// that message's waiter").
type OutboundItem struct {
	Encode func() (json.RawMessage, error)
	Waiter *Waiter // nil for notifications; no reply is expected.
}

// OutputChannel is the bounded, single-consumer handoff from callers to the
// pump's writer half. Capacity is small and implementation-defined (the
// teacher's session/event queues favor a few dozen slots over an unbounded
// buffer) so that a slow peer's backpressure is felt by callers rather than
// silently absorbed.
type OutputChannel struct {
	ch     chan OutboundItem
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewOutputChannel creates a channel with the given buffer capacity.
func NewOutputChannel(capacity int) *OutputChannel {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutputChannel{
		ch:   make(chan OutboundItem, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues item, blocking until there is room, the channel is closed, or
// ctx is done. A closed channel yields a Cancelled error so the caller can
// fail its own waiter via Waiter.Catch.
func (o *OutputChannel) Send(ctx context.Context, item OutboundItem) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return protoerr.New(protoerr.Cancelled, "OUTPUT_CLOSED", "output channel is closed")
	}
	o.mu.Unlock()

	select {
	case o.ch <- item:
		return nil
	case <-o.done:
		return protoerr.New(protoerr.Cancelled, "OUTPUT_CLOSED", "output channel is closed")
	case <-ctx.Done():
		return protoerr.New(protoerr.Cancelled, "SEND_CANCELLED", "%v", ctx.Err())
	}
}

// Recv returns the channel's receive side for the pump's select loop.
func (o *OutputChannel) Recv() <-chan OutboundItem { return o.ch }

// Done returns a channel that is closed once Close has been called, so the
// pump can unblock a select that is waiting only on Recv.
func (o *OutputChannel) Done() <-chan struct{} { return o.done }

// Close marks the channel closed; any outstanding or future Send fails with
// Cancelled.
func (o *OutputChannel) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}
