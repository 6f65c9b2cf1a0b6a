package rpccore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/relaykit/relaykit/internal/protoerr"
)

// Construct turns a decoded reply body into the caller's expected value.
// JSON-RPC waiters use Identity; DAP waiters pin a concrete response
// constructor (§4.7).
type Construct func(json.RawMessage) (any, error)

// Identity is the Construct used by callers that want the raw decoded node
// back unchanged (JSON-RPC, §4.6).
func Identity(raw json.RawMessage) (any, error) { return raw, nil }

type result struct {
	val any
	err error
}

// Waiter is the per-outstanding-call record described in §3/§4.5. It is a
// one-shot producer/consumer: exactly one of Reply/Reject ever settles it,
// guarded by a sync.Once so a late or duplicate settlement is a no-op rather
// than a panic on a closed channel.
type Waiter struct {
	Seq       int64
	construct Construct

	done chan result
	once sync.Once
}

// NewWaiter creates a pending waiter for the given sequence number. construct
// may be nil, in which case Identity is used.
func NewWaiter(seq int64, construct Construct) *Waiter {
	if construct == nil {
		construct = Identity
	}
	return &Waiter{
		Seq:       seq,
		construct: construct,
		done:      make(chan result, 1),
	}
}

// Await blocks until the waiter is settled or ctx is done, whichever comes
// first. A context cancellation yields a Cancelled/Timedout protoerr.Error
// without removing the waiter from its correlation table — a late reply is
// simply dropped by the now-redundant settle (§5, "Cancellation & timeout").
func (w *Waiter) Await(ctx context.Context) (any, error) {
	select {
	case r := <-w.done:
		return r.val, r.err
	case <-ctx.Done():
		kind := protoerr.Cancelled
		if ctx.Err() == context.DeadlineExceeded {
			kind = protoerr.Timedout
		}
		return nil, protoerr.New(kind, "WAITER_CTX", "%v", ctx.Err())
	}
}

// Reply constructs the typed response from raw and settles the waiter. If
// construction fails, the waiter is settled with the construct's error as is
// when it already carries a protoerr Kind (e.g. a DAP failure response's
// PeerError), and otherwise with a DecodeFailed-shaped InvalidData error.
func (w *Waiter) Reply(raw json.RawMessage) {
	w.once.Do(func() {
		val, err := w.construct(raw)
		if _, ok := protoerr.KindOf(err); ok {
			w.done <- result{err: err}
			return
		}
		if err != nil {
			w.done <- result{err: protoerr.New(protoerr.InvalidData, "DECODE_FAILED", "%v", err)}
			return
		}
		w.done <- result{val: val}
	})
}

// Reject settles the waiter with err.
func (w *Waiter) Reject(err error) {
	w.once.Do(func() {
		w.done <- result{err: err}
	})
}

// Catch watches errCh in its own goroutine and routes the first error it
// receives (if any) into Reject. It mirrors the source's waiter.catch
// helper: when the send to the output channel fails, the waiter must not be
// left pending forever.
func (w *Waiter) Catch(errCh <-chan error) {
	go func() {
		if err, ok := <-errCh; ok && err != nil {
			w.Reject(err)
		}
	}()
}
