package mcom

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// creditAwaiting is the sentinel credit value meaning "awaiting ack": a
// distinguished int64 no legitimate credit (0..MaxDataSize) can take.
const creditAwaiting = -1

// Channel owns a rx Buf and a tx Buf, tracking a credit window, an
// rx-stalled flag and an ack-done flag.
type Channel struct {
	Num         uint8
	Name        string
	Description string

	rxBuf *Buf
	txBuf *Buf

	txMaxBytes atomic.Int64 // creditAwaiting, or a granted byte count
	rxStalled  atomic.Bool
	ackDone    atomic.Bool

	log *logrus.Entry
}

func newChannel(name string, num uint8, rxBufSize, txBufSize int, description string) *Channel {
	ch := &Channel{
		Num:         num,
		Name:        name,
		Description: description,
		rxBuf:       newBuf(rxBufSize, false),
		txBuf:       newBuf(txBufSize, true),
		log:         logrus.WithFields(logrus.Fields{"chan": num, "name": name}),
	}
	ch.txMaxBytes.Store(MaxDataSize)
	// A stalled channel asks the tx worker for a RESUME as soon as the
	// user frees any rx space, even mid-way through a blocking Rx that
	// wants more bytes than the buffer holds.
	ch.rxBuf.SetDrainHook(func() {
		if ch.rxStalled.Load() {
			ch.txBuf.Notify()
		}
	})
	return ch
}

// Tx accepts data into the tx buffer for eventual framing by the tx
// worker. Returns the number of bytes actually accepted.
func (c *Channel) Tx(data []byte, block bool, timeout time.Duration) (int, error) {
	c.ackDone.Store(false)
	return c.txBuf.Put(data, block, timeout)
}

// Rx drains up to length bytes from the rx buffer. Freed space on a
// stalled channel wakes the tx worker (via the drain hook) so it emits a
// RESUME.
func (c *Channel) Rx(length int, block bool, timeout time.Duration) ([]byte, error) {
	return c.rxBuf.Get(length, block, timeout)
}

// addToRxBuf puts inbound frame payload into the rx buffer non-blocking and
// returns the credit to report back to the sender: a positive free size, or
// a negative accepted count when the channel stalls (payload overflowed the
// buffer or filled it exactly). Reporting the exact-fill case as -accepted
// rather than a zero credit lets the sender clear that many bytes from its
// retransmission staging, so a later RESUME never resends bytes the peer
// already took.
func (c *Channel) addToRxBuf(data []byte) int {
	accepted, _ := c.rxBuf.Put(data, false, 0)
	if accepted < len(data) {
		c.rxStalled.Store(true)
		c.log.WithFields(logrus.Fields{"accepted": accepted, "total": len(data)}).Warn("rx buffer overflow, stalling channel")
		return -accepted
	}
	free := c.rxBuf.FreeSize()
	if free == 0 {
		c.rxStalled.Store(true)
		c.log.Debug("rx buffer exactly filled, stalling channel")
		return -accepted
	}
	return clampCredit(free)
}

// rxFreeSize reports remaining rx capacity, used by the tx worker when
// deciding whether a RESUME can be issued.
func (c *Channel) rxFreeSize() int {
	return clampCredit(c.rxBuf.FreeSize())
}

// clampCredit caps an advertised credit at the largest single-frame
// payload, which is all one grant can ever authorize; a larger value would
// not fit the 10-bit level field of an ACK or RESUME anyway.
func clampCredit(free int) int {
	if free > MaxDataSize {
		return MaxDataSize
	}
	return free
}

// hasTx reports whether the channel currently has credit and bytes to send,
// counting both freshly queued bytes and staged bytes awaiting
// retransmission.
func (c *Channel) hasTx() bool {
	if c.txMaxBytes.Load() == creditAwaiting {
		return false
	}
	return c.txBuf.DataSize() > 0 || c.txBuf.PendingSize() > 0
}

// getFromTxBuf pulls up to length bytes from the tx buffer and moves the
// channel's credit to "awaiting ack". A negative length means "use the
// current credit": staged unacked bytes are resent first, topped up with
// fresh queue bytes. When more than FastDataSize bytes are both available
// and covered by credit, the pull is capped to FastDataSize so the
// resulting frame packs an integral number of data units rather than
// leaving a few stray padding bytes; the unused credit isn't lost, it's
// simply left idle until the next ACK grants fresh credit for the
// remainder.
func (c *Channel) getFromTxBuf(length int, block bool) []byte {
	if length < 0 {
		length = int(c.txMaxBytes.Load())
		if avail := c.txBuf.DataSize() + c.txBuf.PendingSize(); avail < length {
			length = avail
		}
		if length > FastDataSize {
			length = FastDataSize
		}
		c.txMaxBytes.Store(creditAwaiting)
		return c.txBuf.Take(length)
	}
	c.txMaxBytes.Store(creditAwaiting)
	out, _ := c.txBuf.Get(length, block, 0)
	return out
}

// ackTx applies an ACK's level: a full ack (level > 0) clears pending and
// grants new credit; a partial ack (level <= 0) drops the accepted prefix
// of pending and leaves the channel awaiting a RESUME. Pending is cleared
// before the credit is granted, so a tx worker that wins the race sees
// either no credit or no stale bytes, never both.
func (c *Channel) ackTx(level int) {
	if level > 0 {
		c.txBuf.ClearPending()
		c.txMaxBytes.Store(int64(level))
		if c.txBuf.DataSize() > 0 {
			c.txBuf.Notify()
		}
	} else {
		c.txBuf.PartialAck(-level)
	}
}

// resumeTx grants new credit and wakes the tx worker to retransmit the
// remaining pending bytes.
func (c *Channel) resumeTx(level int) {
	c.txMaxBytes.Store(int64(level))
	c.txBuf.Notify()
}

// IsStalled reports whether the receiver currently cannot accept more bytes.
func (c *Channel) IsStalled() bool {
	return c.rxStalled.Load()
}

// AckDone reports whether an ACK has left the wire for the most recent rx.
func (c *Channel) AckDone() bool {
	return c.ackDone.Load()
}
