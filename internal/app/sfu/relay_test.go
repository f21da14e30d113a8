package sfu

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/proctor/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanSource struct {
	ch chan *rtp.Packet
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan *rtp.Packet)}
}

func (c *chanSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-c.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 96},
		Payload: []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func readN(t *testing.T, s *Subscription, n int) []uint16 {
	t.Helper()
	out := make([]uint16, 0, n)
	for range n {
		pkt, _, err := s.ReadRTP()
		require.NoError(t, err)
		out = append(out, pkt.SequenceNumber)
	}
	return out
}

func TestRelay_FanOutAndEOF(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	key := Key{SID: "s1", TrackID: "video"}

	r, started := m.Acquire(context.Background(), key, src)
	require.True(t, started)
	again, started := m.Acquire(context.Background(), key, src)
	assert.False(t, started)
	assert.Same(t, r, again)

	var ended atomic.Int32
	r.OnEnded(func() { ended.Add(1) })

	a := r.Subscribe()
	b := r.Subscribe()
	assert.Equal(t, 2, r.Subscribers())

	for i := range 3 {
		src.ch <- packet(uint16(i))
	}
	assert.Equal(t, []uint16{0, 1, 2}, readN(t, a, 3))
	assert.Equal(t, []uint16{0, 1, 2}, readN(t, b, 3))

	close(src.ch)
	<-r.Done()

	_, _, err := a.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)
	_, _, err = b.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)
	assert.EqualValues(t, 1, ended.Load())
	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)

	late := r.Subscribe()
	_, _, err = late.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)

	fired := false
	r.OnEnded(func() { fired = true })
	assert.True(t, fired)
}

func TestRelay_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	r, _ := m.Acquire(context.Background(), Key{SID: "s1", TrackID: "v"}, src)

	slow := r.Subscribe()
	fast := r.Subscribe()

	total := subscriptionBuffer + 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		readN(t, fast, total)
	}()
	for i := range total {
		src.ch <- packet(uint16(i))
	}
	<-done

	assert.Eventually(t, func() bool { return slow.Dropped() == 50 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, fast.Dropped())

	close(src.ch)
	<-r.Done()
}

func TestRelay_UnsubscribeAndStop(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	key := Key{SID: "s1", TrackID: "a"}
	r, _ := m.Acquire(context.Background(), key, src)

	s := r.Subscribe()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, r.Subscribers())
	_, _, err := s.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)

	other := r.Subscribe()
	m.StopSession("s1")
	<-r.Done()
	_, ok := m.Get(key)
	assert.False(t, ok)
	_, _, err = other.ReadRTP()
	assert.ErrorIs(t, err, io.EOF)

	// The reader goroutine is parked in ReadRTP until the source ends.
	close(src.ch)
}

func TestRelay_ConcurrentSubscribe(t *testing.T) {
	m := NewRelayManager()
	src := newChanSource()
	r, _ := m.Acquire(context.Background(), Key{SID: core.SessionID("s"), TrackID: "v"}, src)

	var wg sync.WaitGroup
	subs := make([]*Subscription, 20)
	for i := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subs[i] = r.Subscribe()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, r.Subscribers())

	src.ch <- packet(7)
	for _, s := range subs {
		assert.Equal(t, []uint16{7}, readN(t, s, 1))
	}

	close(src.ch)
	<-r.Done()
}
