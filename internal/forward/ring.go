package forward

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtp"
)

// RingCapacity bounds per-track memory regardless of subscriber count.
const RingCapacity = 128

var (
	// ErrRingClosed is returned once the writer is gone and the receiver has
	// drained everything that was retained.
	ErrRingClosed = errors.New("broadcast ring closed")
)

// Ring is a bounded single-writer many-reader broadcast queue. The writer
// never blocks; a receiver that falls behind by more than the capacity skips
// to the oldest retained packet and counts the gap as loss.
type Ring struct {
	mu        sync.Mutex
	buf       []*rtp.Packet
	capacity  uint64
	head      uint64 // sequence of the next write
	receivers int
	closed    bool
	notify    chan struct{}
}

// NewRing allocates a ring holding up to capacity packets.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = RingCapacity
	}
	return &Ring{
		buf:      make([]*rtp.Packet, capacity),
		capacity: uint64(capacity),
		notify:   make(chan struct{}),
	}
}

// Send publishes a packet to every receiver. It reports the number of
// receivers attached at send time and never blocks.
func (r *Ring) Send(p *rtp.Packet) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRingClosed
	}
	r.buf[r.head%r.capacity] = p
	r.head++
	n := r.receivers
	notify := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()

	close(notify)
	return n, nil
}

// Close wakes all receivers; they drain the retained packets and then see
// ErrRingClosed. Idempotent.
func (r *Ring) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	notify := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()

	close(notify)
}

// Subscribe returns an independent receiver positioned at the next packet
// to be written.
func (r *Ring) Subscribe() *RingReceiver {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receivers++
	return &RingReceiver{ring: r, next: r.head}
}

// RingReceiver reads packets in publish order. Not safe for concurrent use
// by multiple goroutines.
type RingReceiver struct {
	ring   *Ring
	next   uint64
	lost   uint64
	closed bool
}

// Recv blocks until a packet is available, the ring is closed and drained,
// or ctx is done. Lag beyond the ring capacity is skipped and recorded.
func (rr *RingReceiver) Recv(ctx context.Context) (*rtp.Packet, error) {
	for {
		rr.ring.mu.Lock()
		if rr.closed {
			rr.ring.mu.Unlock()
			return nil, ErrRingClosed
		}
		if lag := rr.ring.head - rr.next; lag > rr.ring.capacity {
			skipped := lag - rr.ring.capacity
			rr.lost += skipped
			rr.next += skipped
		}
		if rr.next < rr.ring.head {
			p := rr.ring.buf[rr.next%rr.ring.capacity]
			rr.next++
			rr.ring.mu.Unlock()
			return p, nil
		}
		if rr.ring.closed {
			rr.ring.mu.Unlock()
			return nil, ErrRingClosed
		}
		notify := rr.ring.notify
		rr.ring.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lost reports how many packets this receiver skipped due to lag.
func (rr *RingReceiver) Lost() uint64 {
	rr.ring.mu.Lock()
	defer rr.ring.mu.Unlock()
	return rr.lost
}

// Close detaches the receiver and wakes it if it is blocked in Recv.
// Idempotent.
func (rr *RingReceiver) Close() {
	rr.ring.mu.Lock()
	if rr.closed {
		rr.ring.mu.Unlock()
		return
	}
	rr.closed = true
	rr.ring.receivers--
	// Wake every waiter; the others re-check their state and sleep again.
	notify := rr.ring.notify
	rr.ring.notify = make(chan struct{})
	rr.ring.mu.Unlock()

	close(notify)
}
