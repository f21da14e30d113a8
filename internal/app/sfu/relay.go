package sfu

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dkeye/proctor/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Relay reads one inbound track and fans every packet out to its
// subscriptions. A slow subscription loses packets; it never stalls the
// others.
type Relay struct {
	Key Key
	Src core.RTPSource

	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	ended   bool
	onEnded []func()

	done   chan struct{}
	cancel context.CancelFunc
	logger zerolog.Logger
}

func NewRelay(key Key, src core.RTPSource, cancel context.CancelFunc, logger zerolog.Logger) *Relay {
	return &Relay{
		Key:    key,
		Src:    src,
		subs:   make(map[uint64]*Subscription),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger,
	}
}

// loop reads RTP packets from the source track and forwards them to all subscriptions.
func (r *Relay) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.end("relay ctx done")
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.end("source ended")
			} else {
				r.logger.Error().Err(err).Msg("relay read RTP error, stopping")
				r.end("source read error")
			}
			return
		}
		r.forward(pkt)
	}
}

func (r *Relay) forward(pkt *rtp.Packet) {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for i, s := range snapshot {
		if i == len(snapshot)-1 {
			s.offer(pkt)
			continue
		}
		s.offer(pkt.Clone())
	}
}

// Subscribe attaches a new reader. Subscribing to an ended relay returns
// an already closed subscription.
func (r *Relay) Subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := newSubscription(r.nextID, r)
	if r.ended {
		s.finish()
		return s
	}
	r.subs[s.id] = s
	return s
}

// OnEnded registers fn to run once the source ends or the relay is stopped.
// If that already happened fn runs immediately.
func (r *Relay) OnEnded(fn func()) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		fn()
		return
	}
	r.onEnded = append(r.onEnded, fn)
	r.mu.Unlock()
}

// Done is closed once the relay has ended and its OnEnded callbacks returned.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Stop ends the relay. The reader goroutine exits on its next read.
func (r *Relay) Stop() {
	r.end("relay stopped")
}

func (r *Relay) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

func (r *Relay) end(reason string) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	subs := r.subs
	r.subs = make(map[uint64]*Subscription)
	callbacks := r.onEnded
	r.onEnded = nil
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	for _, s := range subs {
		s.finish()
	}
	r.logger.Info().Str("reason", reason).Int("subscribers", len(subs)).Msg("relay ended")

	for _, fn := range callbacks {
		fn()
	}
	close(r.done)
}
