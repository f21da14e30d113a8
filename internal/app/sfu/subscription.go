package sfu

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

const subscriptionBuffer = 256

// Subscription is one reader's view of a relayed track. It implements
// core.RTPSource; ReadRTP returns io.EOF once the subscription is closed
// and its buffer is drained.
type Subscription struct {
	id    uint64
	relay *Relay

	ch        chan *rtp.Packet
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func newSubscription(id uint64, r *Relay) *Subscription {
	return &Subscription{
		id:    id,
		relay: r,
		ch:    make(chan *rtp.Packet, subscriptionBuffer),
		done:  make(chan struct{}),
	}
}

func (s *Subscription) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-s.ch:
		return pkt, nil, nil
	default:
	}
	select {
	case pkt := <-s.ch:
		return pkt, nil, nil
	case <-s.done:
		// Packets forwarded before the close still win.
		select {
		case pkt := <-s.ch:
			return pkt, nil, nil
		default:
		}
		return nil, nil, io.EOF
	}
}

// Close detaches the subscription from its relay. Safe to call repeatedly.
func (s *Subscription) Close() error {
	if s.relay != nil {
		s.relay.unsubscribe(s.id)
	}
	s.finish()
	return nil
}

// Dropped counts packets discarded because the reader fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) offer(pkt *rtp.Packet) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- pkt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) finish() {
	s.closeOnce.Do(func() { close(s.done) })
}
