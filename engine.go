package mcom

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/l2dy/mcom/internal/metrics"
	"github.com/l2dy/mcom/ops"
)

// TransportDriver is the minimal interface MCOM needs from the underlying
// communication hardware: Tx sends a multiple of DataUnitSize bytes, Rx
// receives exactly ndu data units (blocking), and HasRxData peeks
// non-blockingly for available input. Concrete drivers live in
// internal/transport; the core never imports that package directly, so the
// protocol engine has no compile-time dependency on any specific transport.
type TransportDriver interface {
	Tx(data []byte) error
	Rx(ndu int) ([]byte, error)
	HasRxData() (bool, error)
}

// Engine is the MCOM core: it owns the channel table, the two
// ready-queue pools, and the two long-lived worker tasks that implement
// framing, demultiplexing, credit accounting and partial-ack recovery.
type Engine struct {
	isHost    bool
	transport TransportDriver

	chansMu  sync.RWMutex
	channels [MaxChannels]*Channel

	txPool *readyQueuePool
	rxPool *readyQueuePool

	spyTx func([]byte)
	spyRx func([]byte)

	// ctrlMu serializes enqueues on channel 0: a control frame larger than
	// the 4-byte control buffer commits in several batches, and concurrent
	// frames must not interleave theirs.
	ctrlMu sync.Mutex

	chanListMu      sync.Mutex
	chanListWaiting bool
	chanListResult  chan []uint8

	startMu sync.Mutex
	started bool
	closed  atomic.Bool

	metrics *metrics.Metrics
	log     *logrus.Entry

	bufPool BufferPool
}

// NewEngine constructs an Engine bound to transport. isHost is currently
// informational only. Channel 0 is created immediately, carrying control
// frames only.
func NewEngine(isHost bool, transport TransportDriver) *Engine {
	e := &Engine{
		isHost:    isHost,
		transport: transport,
		txPool:    newReadyQueuePool(),
		rxPool:    newReadyQueuePool(),
		log:       logrus.WithField("component", "mcom.engine"),
		bufPool:   NewBufferPool(),
	}
	// Channel 0's rx buffer is sized 4 (the minimum) purely so Buf's
	// invariants hold; the engine never delivers its payload to users.
	ch := newChannel("ctrl", 0, 4, 4, "link control channel")
	e.wireChannel(ch)
	e.channels[0] = ch
	return e
}

// SetSpyFrameTx installs a callback invoked with the bytes of every
// transmitted frame.
func (e *Engine) SetSpyFrameTx(fn func([]byte)) { e.spyTx = fn }

// SetSpyFrameRx installs a callback invoked with the bytes of every received
// frame.
func (e *Engine) SetSpyFrameRx(fn func([]byte)) { e.spyRx = fn }

// SetMetrics attaches a Prometheus metrics bundle. Must be called before
// StartCom.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

func (e *Engine) wireChannel(ch *Channel) {
	ch.rxBuf.SetPostHook(func() {
		e.rxPool.Put(ch)
		if e.metrics != nil {
			e.metrics.ObserveReadyQueueDepth("rx", e.rxPool.Len())
		}
	})
	ch.txBuf.SetPostHook(func() {
		e.txPool.Put(ch)
		if e.metrics != nil {
			e.metrics.ObserveReadyQueueDepth("tx", e.txPool.Len())
		}
	})
}

// OpenChannel creates channel num. rxBufSize/txBufSize must each be 0
// (unused) or >= 4. Fails with ErrChannelExists if num is already open.
func (e *Engine) OpenChannel(name string, num uint8, rxBufSize, txBufSize int, description string) (*Channel, error) {
	if num >= MaxChannels {
		return nil, ErrChannelTooLarge
	}
	if rxBufSize != 0 && rxBufSize < 4 {
		return nil, ErrBufferTooSmall
	}
	if txBufSize != 0 && txBufSize < 4 {
		return nil, ErrBufferTooSmall
	}

	e.chansMu.Lock()
	defer e.chansMu.Unlock()
	if e.channels[num] != nil {
		return nil, ErrChannelExists
	}
	ch := newChannel(name, num, rxBufSize, txBufSize, description)
	e.wireChannel(ch)
	e.channels[num] = ch
	e.log.WithFields(logrus.Fields{"chan": num, "name": name}).Debug("channel opened")
	return ch, nil
}

// CloseChannel destroys channel num.
func (e *Engine) CloseChannel(num uint8) error {
	e.chansMu.Lock()
	defer e.chansMu.Unlock()
	if num >= MaxChannels || e.channels[num] == nil {
		return ErrChannelNotFound
	}
	e.channels[num] = nil
	e.log.WithField("chan", num).Debug("channel closed")
	return nil
}

func (e *Engine) getChannel(num uint8) *Channel {
	if num >= MaxChannels {
		return nil
	}
	e.chansMu.RLock()
	defer e.chansMu.RUnlock()
	return e.channels[num]
}

func (e *Engine) openChannelNumbers() []uint8 {
	e.chansMu.RLock()
	defer e.chansMu.RUnlock()
	var nums []uint8
	for i, ch := range e.channels {
		if ch != nil {
			nums = append(nums, uint8(i))
		}
	}
	return nums
}

// StartCom launches the rx and tx worker tasks. It must be called exactly
// once.
func (e *Engine) StartCom() error {
	e.startMu.Lock()
	if e.started {
		e.startMu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.startMu.Unlock()

	ops.Go(e.rxWorker)
	ops.Go(e.txWorker)
	return nil
}

// CloseConnection posts the shutdown sentinel to the tx pool, terminating
// the tx worker, and marks the engine closed so further Tx/Rx calls fail
// fast instead of blocking on a worker that's gone. The rx worker exits on
// its own when the transport reports the connection broken.
func (e *Engine) CloseConnection() {
	e.closed.Store(true)
	e.txPool.Put(nil)
}

// Tx transmits data on channel, returning the number of bytes actually
// accepted. Channel 0 is reserved for control frames.
func (e *Engine) Tx(channel uint8, data []byte, block bool, timeout time.Duration) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	if channel == 0 {
		return 0, ErrChannelZeroIsCtl
	}
	ch := e.getChannel(channel)
	if ch == nil {
		return 0, ErrChannelNotFound
	}
	return ch.Tx(data, block, timeout)
}

// Rx receives up to length bytes on channel. Channel 0 is reserved for
// control frames.
func (e *Engine) Rx(channel uint8, length int, block bool, timeout time.Duration) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if channel == 0 {
		return nil, ErrChannelZeroIsCtl
	}
	ch := e.getChannel(channel)
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	return ch.Rx(length, block, timeout)
}

// RxAny receives up to length bytes from whichever open user channel next
// has data ready, returning the channel number it read from. block governs
// only the wait for *some* channel to become ready; once one is popped from
// the ready-queue pool, whatever is immediately available on it is drained
// non-blocking, since the pool signal only promises "at least one byte",
// never "at least length bytes".
func (e *Engine) RxAny(length int, block bool) ([]byte, uint8, error) {
	ch, err := e.rxPool.Get(block, 0)
	if err != nil {
		return nil, 0, err
	}
	data, err := ch.Rx(length, false, 0)
	return data, ch.Num, err
}

// RequestChannelList sends a CHAN_LIST_REQ on channel 0 and waits for the
// peer's CHAN_LIST reply.
func (e *Engine) RequestChannelList(ctx context.Context) ([]uint8, error) {
	e.chanListMu.Lock()
	if e.chanListWaiting {
		e.chanListMu.Unlock()
		return nil, fmt.Errorf("mcom: channel-list request already in flight")
	}
	e.chanListWaiting = true
	result := make(chan []uint8, 1)
	e.chanListResult = result
	e.chanListMu.Unlock()

	if err := e.ctrlTx(EncodeChanListReq()); err != nil {
		e.chanListMu.Lock()
		e.chanListWaiting = false
		e.chanListMu.Unlock()
		return nil, err
	}

	select {
	case list := <-result:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ctrlTx enqueues a pre-encoded control frame on channel 0 for the tx
// worker to emit.
func (e *Engine) ctrlTx(frame []byte) error {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	_, err := e.channels[0].Tx(frame, true, 0)
	return err
}

// readFrame implements the two-stage partial-frame read: read one data
// unit, determine the frame's remaining length, and read the tail if any.
func (e *Engine) readFrame() (Frame, []byte, error) {
	first, err := e.transport.Rx(1)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	_, extraDU := PayloadLenFromHeader(first)

	// Assemble the frame into a pooled buffer so frame assembly doesn't
	// allocate once the pool is warm.
	buf := e.bufPool.Get()[:0]
	buf = append(buf, first...)
	if extraDU > 0 {
		tail, err := e.transport.Rx(extraDU)
		if err != nil {
			return Frame{}, nil, fmt.Errorf("%w: %v", ErrConnectionBroken, err)
		}
		buf = append(buf, tail...)
	}
	raw := buf
	if e.spyRx != nil {
		e.spyRx(raw)
	}
	frame, err := Decode(raw)
	if err != nil {
		e.bufPool.Put(buf)
		return Frame{}, raw, err
	}
	if e.metrics != nil {
		e.metrics.ObserveFrameRx(frame.Kind.String())
	}
	return frame, raw, nil
}

// frameTx sends a complete, already-encoded frame.
func (e *Engine) frameTx(frame []byte) error {
	if e.spyTx != nil {
		e.spyTx(frame)
	}
	if err := e.transport.Tx(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionBroken, err)
	}
	return nil
}

// rxWorker reads frames from the transport, dispatches data frames into
// channel rx buffers, interprets control frames, and enqueues ACKs.
func (e *Engine) rxWorker() {
	for {
		frame, raw, err := e.readFrame()
		if err != nil {
			e.log.WithError(err).Error("rx worker terminating")
			return
		}

		switch frame.Kind {
		case KindAck, KindResume:
			ch := e.getChannel(frame.AckChannel)
			if ch == nil {
				e.log.WithField("chan", frame.AckChannel).Error("ack/resume for unknown channel, rx worker terminating")
				return
			}
			if frame.Kind == KindAck {
				ch.ackTx(frame.Level)
			} else {
				ch.resumeTx(frame.Level)
			}
		case KindChanListReq:
			listFrame, err := EncodeChanList(e.openChannelNumbers())
			if err != nil {
				e.log.WithError(err).Error("failed to encode channel list, rx worker terminating")
				return
			}
			if err := e.ctrlTx(listFrame); err != nil {
				e.log.WithError(err).Error("failed to send channel list, rx worker terminating")
				return
			}
		case KindChanList:
			e.chanListMu.Lock()
			if e.chanListWaiting {
				e.chanListWaiting = false
				result := e.chanListResult
				e.chanListMu.Unlock()
				result <- frame.OpenChannels
			} else {
				e.chanListMu.Unlock()
			}
		case KindData:
			ch := e.getChannel(frame.Channel)
			if ch == nil {
				e.log.WithField("chan", frame.Channel).Error("data frame for unknown channel, rx worker terminating")
				return
			}
			credit := ch.addToRxBuf(frame.Data)
			if credit < 0 && e.metrics != nil {
				e.metrics.ObservePartialAck()
			}
			if credit <= 0 && e.metrics != nil {
				e.metrics.ObserveStall()
			}
			ackFrame, err := EncodeAck(frame.Channel, credit)
			if err != nil {
				e.log.WithError(err).Error("failed to encode ack, rx worker terminating")
				return
			}
			if err := e.ctrlTx(ackFrame); err != nil {
				e.log.WithError(err).Error("failed to send ack, rx worker terminating")
				return
			}
		default:
			e.log.WithField("kind", frame.Kind).Error("unexpected frame kind, rx worker terminating")
			return
		}
		e.bufPool.Put(raw)
	}
}

// txWorker drains the tx ready-queue pool until the shutdown sentinel is
// popped.
func (e *Engine) txWorker() {
	for {
		ch, err := e.txPool.Get(true, 0)
		if err != nil {
			// Get(block=true, timeout=0) never times out; defensive only.
			continue
		}
		if ch == nil {
			return // shutdown sentinel
		}

		if ch.Num == 0 {
			if err := e.serviceControlChannel(ch); err != nil {
				e.log.WithError(err).Error("tx worker terminating")
				return
			}
			continue
		}

		if ch.IsStalled() && ch.AckDone() {
			if free := ch.rxFreeSize(); free > 0 {
				resumeFrame, err := EncodeResume(ch.Num, free)
				if err != nil {
					e.log.WithError(err).Error("failed to encode resume, tx worker terminating")
					return
				}
				ch.rxStalled.Store(false)
				if err := e.frameTx(resumeFrame); err != nil {
					e.log.WithError(err).Error("tx worker terminating")
					return
				}
				if e.metrics != nil {
					e.metrics.ObserveFrameTx(KindResume.String())
				}
			}
		}

		if ch.hasTx() {
			payload := ch.getFromTxBuf(-1, false)
			if len(payload) == 0 {
				continue
			}
			frameBytes, err := EncodeData(ch.Num, payload)
			if err != nil {
				e.log.WithError(err).Error("failed to encode data frame, tx worker terminating")
				return
			}
			if err := e.frameTx(frameBytes); err != nil {
				e.log.WithError(err).Error("tx worker terminating")
				return
			}
			if e.metrics != nil {
				e.metrics.ObserveFrameTx(KindData.String())
			}
		}
	}
}

// serviceControlChannel pulls one pre-encoded control frame from channel 0's
// tx buffer, transmits it, and reacts to ACKs by issuing RESUMEs for stalled
// channels. A returned error is transport-fatal and terminates the tx
// worker.
func (e *Engine) serviceControlChannel(ch0 *Channel) error {
	head := ch0.getFromTxBuf(DataUnitSize, false)
	if len(head) == 0 {
		return nil
	}
	// Once the frame is out, drop it from the staging area (control frames
	// are never acked) and reconsider channel 0 if more frames are queued
	// behind this one.
	defer ch0.txBuf.FullAck()

	frameBytes := head
	small := head[0] >> 6
	if small == 0 {
		size := int(head[1]) + LargeFrameMinDataSize
		remaining := size - LargeFrameFirstDataUnitSize
		ndu := ceilDiv(remaining, DataUnitSize)
		tail := ch0.getFromTxBuf(ndu*DataUnitSize, true)
		frameBytes = append(frameBytes, tail...)
	}

	if err := e.frameTx(frameBytes); err != nil {
		return err
	}

	frame, err := Decode(frameBytes)
	if err != nil {
		e.log.WithError(err).Error("failed to decode just-sent control frame")
		return nil
	}
	if e.metrics != nil {
		e.metrics.ObserveFrameTx(frame.Kind.String())
	}
	if frame.Kind != KindAck {
		return nil
	}

	ackedCh := e.getChannel(frame.AckChannel)
	if ackedCh == nil {
		return nil
	}
	ackedCh.ackDone.Store(true)
	if !ackedCh.IsStalled() {
		return nil
	}
	free := ackedCh.rxFreeSize()
	if free <= 0 {
		return nil
	}
	resumeFrame, err := EncodeResume(ackedCh.Num, free)
	if err != nil {
		e.log.WithError(err).Error("failed to encode resume")
		return nil
	}
	ackedCh.rxStalled.Store(false)
	if err := e.frameTx(resumeFrame); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ObserveFrameTx(KindResume.String())
	}
	return nil
}
