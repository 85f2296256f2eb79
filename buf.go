package mcom

import (
	"sync"
	"time"
)

// Buf is a bounded FIFO of single bytes with blocking/non-blocking put/get.
// It's built on a mutex-guarded slice plus a sync.Cond rather than a
// per-byte channel: Put commits as many bytes as currently fit in one
// locked step, so a concurrent non-blocking Get always observes either none
// or a whole committed batch of a Put call, never a torn prefix — which
// matters for channel 0, whose 4-byte minimum tx buffer routinely has to
// carry a whole CHAN_LIST control frame larger than its own capacity
// through several such batches.
type Buf struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []byte
	size  int

	isTx bool
	// pending holds bytes already drained from queue (i.e.
	// framed-and-sent) but not yet fully acknowledged. Unbounded by
	// contract, bounded in practice by size+MaxDataSize.
	pending []byte

	// post is invoked each time Put commits a batch of bytes, and by
	// Notify, to add the owning Channel to its ready-queue pool. It is
	// wired up by Engine.OpenChannel.
	post func()

	// drain is invoked each time Get removes a batch of bytes, so a
	// stalled receive channel can ask for a RESUME while a larger blocking
	// Get is still waiting for the rest.
	drain func()
}

// newBuf constructs a Buf of the given capacity. isTx selects whether the
// pending-staging region is active.
func newBuf(size int, isTx bool) *Buf {
	b := &Buf{size: size, isTx: isTx}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetPostHook wires the ready-queue-pool post callback.
func (b *Buf) SetPostHook(post func()) {
	b.post = post
}

// SetDrainHook wires the callback invoked whenever Get frees buffer space.
func (b *Buf) SetDrainHook(drain func()) {
	b.drain = drain
}

// Put appends as many bytes as currently fit, batch by batch, until either
// all are accepted or capacity is reached, returning the number of bytes actually accepted. In blocking mode
// it waits (up to timeout, if non-zero) when full; in non-blocking mode it
// stops at the first refusal. Each committed batch posts the owning channel
// to its ready-queue pool, so a consumer starts draining while a larger
// blocking put is still waiting for space.
func (b *Buf) Put(data []byte, block bool, timeout time.Duration) (int, error) {
	b.mu.Lock()

	var deadline time.Time
	var timer *time.Timer
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer = time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
	}

	accepted := 0
	timedOut := false
	for accepted < len(data) {
		free := b.size - len(b.queue)
		if free <= 0 {
			if !block {
				break
			}
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				timedOut = true
				break
			}
			b.cond.Wait()
			continue
		}
		n := free
		if rem := len(data) - accepted; rem < n {
			n = rem
		}
		b.queue = append(b.queue, data[accepted:accepted+n]...)
		accepted += n
		b.cond.Broadcast()
		if b.post != nil {
			b.post()
		}
	}
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if timedOut {
		return accepted, ErrTimeout
	}
	return accepted, nil
}

// Get removes up to length bytes. In blocking mode it always returns
// exactly length bytes (or blocks forever, if timeout is zero); in
// non-blocking mode it returns as many as are immediately available,
// possibly zero. On the tx side, drained bytes are additionally appended to
// pending and the returned slice aliases that region.
func (b *Buf) Get(length int, block bool, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()

	if !block {
		n := len(b.queue)
		if n > length {
			n = length
		}
		out := append([]byte(nil), b.queue[:n]...)
		b.queue = trimFront(b.queue, n)
		if n > 0 {
			b.cond.Broadcast()
			if b.drain != nil {
				b.drain()
			}
		}
		b.mu.Unlock()
		return b.finishGet(out), nil
	}

	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer = time.AfterFunc(timeout, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
	}

	out := make([]byte, 0, length)
	timedOut := false
	for len(out) < length {
		avail := len(b.queue)
		if avail == 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				timedOut = true
				break
			}
			b.cond.Wait()
			continue
		}
		n := avail
		if rem := length - len(out); rem < n {
			n = rem
		}
		out = append(out, b.queue[:n]...)
		b.queue = trimFront(b.queue, n)
		b.cond.Broadcast()
		if b.drain != nil {
			b.drain()
		}
	}
	b.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	if timedOut {
		return b.finishGet(out), ErrTimeout
	}
	return b.finishGet(out), nil
}

// trimFront drops n bytes from the front of q, resetting to nil once
// drained so the backing array doesn't grow unbounded across many small
// Puts.
func trimFront(q []byte, n int) []byte {
	q = q[n:]
	if len(q) == 0 {
		return nil
	}
	return q
}

func (b *Buf) finishGet(drained []byte) []byte {
	if !b.isTx || len(drained) == 0 {
		return drained
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	base := len(b.pending)
	b.pending = append(b.pending, drained...)
	return b.pending[base:]
}

// Take returns up to length bytes for framing. Bytes already staged in
// pending come first, so a channel resumed after a partial ack resends
// exactly what the peer refused; the remainder is topped up with fresh
// bytes drained from the queue, which join pending so a later ack can
// account for them.
func (b *Buf) Take(length int) []byte {
	b.mu.Lock()
	if need := length - len(b.pending); need > 0 {
		n := len(b.queue)
		if n > need {
			n = need
		}
		if n > 0 {
			b.pending = append(b.pending, b.queue[:n]...)
			b.queue = trimFront(b.queue, n)
			b.cond.Broadcast()
		}
	}
	n := len(b.pending)
	if n > length {
		n = length
	}
	out := append([]byte(nil), b.pending[:n]...)
	b.mu.Unlock()
	return out
}

// Notify posts the owning channel to its ready-queue pool without
// transferring any byte, used to wake the tx worker (e.g. to emit a
// RESUME).
func (b *Buf) Notify() {
	if b.post != nil {
		b.post()
	}
}

// FullAck clears pending and, if data remains queued, posts an empty
// notification so the tx worker reconsiders this channel.
func (b *Buf) FullAck() {
	b.mu.Lock()
	b.pending = b.pending[:0]
	b.mu.Unlock()
	if b.DataSize() > 0 {
		b.Notify()
	}
}

// ClearPending drops all staged bytes without posting any notification.
func (b *Buf) ClearPending() {
	b.mu.Lock()
	b.pending = b.pending[:0]
	b.mu.Unlock()
}

// PartialAck drops the first n bytes of pending; the remainder is
// retransmitted when a RESUME arrives.
func (b *Buf) PartialAck(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.pending) {
		n = len(b.pending)
	}
	b.pending = b.pending[n:]
}

// Pending returns a copy of the bytes currently staged for retransmission.
func (b *Buf) Pending() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.pending))
	copy(out, b.pending)
	return out
}

// PendingSize returns the number of bytes currently staged for
// retransmission.
func (b *Buf) PendingSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FreeSize returns the number of bytes of spare capacity.
func (b *Buf) FreeSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size - len(b.queue)
}

// DataSize returns the number of bytes currently queued.
func (b *Buf) DataSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
