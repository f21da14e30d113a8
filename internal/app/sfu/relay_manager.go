package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/proctor/internal/core"
	"github.com/rs/zerolog/log"
)

// Key identifies one physical inbound track.
type Key struct {
	SID     core.SessionID
	TrackID string
}

type RelayManager struct {
	mu     sync.Mutex
	relays map[Key]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[Key]*Relay),
	}
}

// Acquire returns the relay for key, starting one over src if none is
// running. started reports whether this call created it.
func (m *RelayManager) Acquire(ctx context.Context, key Key, src core.RTPSource) (relay *Relay, started bool) {
	m.mu.Lock()
	if r, ok := m.relays[key]; ok {
		m.mu.Unlock()
		return r, false
	}

	logger := log.With().
		Str("module", "relay").
		Str("sid", string(key.SID)).
		Str("track_id", key.TrackID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	r := NewRelay(key, src, cancel, logger)
	m.relays[key] = r
	m.mu.Unlock()

	r.OnEnded(func() { m.remove(key, r) })

	logger.Info().Msg("starting relay loop")
	go r.loop(relayCtx)
	return r, true
}

// Get returns the running relay for key.
func (m *RelayManager) Get(key Key) (*Relay, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relays[key]
	return r, ok
}

// Stop stops the relay for key and removes it from the manager.
func (m *RelayManager) Stop(key Key) {
	m.mu.Lock()
	r, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if ok {
		r.Stop()
	}
}

// StopSession stops every relay owned by sid.
func (m *RelayManager) StopSession(sid core.SessionID) {
	m.mu.Lock()
	var owned []*Relay
	for k, r := range m.relays {
		if k.SID == sid {
			owned = append(owned, r)
			delete(m.relays, k)
		}
	}
	m.mu.Unlock()
	for _, r := range owned {
		r.Stop()
	}
}

func (m *RelayManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.relays)
}

func (m *RelayManager) remove(key Key, r *Relay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.relays[key]; ok && cur == r {
		delete(m.relays, key)
	}
}
