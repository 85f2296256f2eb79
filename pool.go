package mcom

import (
	"sync"
	"time"
)

// readyQueuePool is the set of channels "with new data" plus an
// edge-triggered signal. It is built from a mutex, a set and a buffered
// signal channel rather than a condvar, so waiters can compose the wake-up
// with a timeout in a single select.
//
// A nil *Channel is a valid, distinguished map key used as the shutdown
// sentinel: posting nil wakes a waiter without enqueuing any real channel.
type readyQueuePool struct {
	mu     sync.Mutex
	set    map[*Channel]struct{}
	signal chan struct{}
}

func newReadyQueuePool() *readyQueuePool {
	return &readyQueuePool{
		set:    make(map[*Channel]struct{}),
		signal: make(chan struct{}, 1),
	}
}

// Put adds ch (or the nil sentinel) to the set and wakes waiters.
func (p *readyQueuePool) Put(ch *Channel) {
	p.mu.Lock()
	p.set[ch] = struct{}{}
	select {
	case p.signal <- struct{}{}:
	default:
	}
	p.mu.Unlock()
}

// Get pops one arbitrary element (fairness unspecified). If block is
// false, it returns ErrEmpty immediately when the set is empty; if block is
// true it waits, optionally up to timeout (zero means wait forever), and
// returns ErrTimeout if the deadline elapses first.
func (p *readyQueuePool) Get(block bool, timeout time.Duration) (*Channel, error) {
	if ch, ok := p.tryPop(); ok {
		return ch, nil
	}
	if !block {
		return nil, ErrEmpty
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	for {
		select {
		case <-p.signal:
			if ch, ok := p.tryPop(); ok {
				return ch, nil
			}
			// Spurious wake (another goroutine won the race): keep waiting.
		case <-timeoutC:
			return nil, ErrTimeout
		}
	}
}

// Len reports the current number of distinct channels queued, for metrics
// reporting.
func (p *readyQueuePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.set)
}

func (p *readyQueuePool) tryPop() (*Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.set {
		delete(p.set, ch)
		if len(p.set) == 0 {
			// Drain a pending signal so the next waiter actually blocks.
			select {
			case <-p.signal:
			default:
			}
		}
		return ch, true
	}
	return nil, false
}
