package app

import (
	"context"
	"sync"

	"github.com/dkeye/proctor/internal/core"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Registry is the process-wide set of live sessions. Entries are keyed by
// identity, so two sessions with the same ID are still distinct.
type Registry struct {
	mu       sync.Mutex
	sessions map[core.Session]struct{}
	draining bool

	// OnChange, if set, receives the size after every mutation. It runs
	// under the registry lock and must not call back into the registry.
	OnChange func(size int)
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.Session]struct{}),
	}
}

// Register adds s. Once CloseAll has started it refuses new sessions.
func (r *Registry) Register(s core.Session) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("sid", string(s.ID())).Msg("register rejected, draining")
		return core.ErrShuttingDown
	}
	r.sessions[s] = struct{}{}
	size := len(r.sessions)
	r.changed(size)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Int("size", size).Msg("registered session")
	return nil
}

// Unregister removes s. Removing an absent session is a no-op.
func (r *Registry) Unregister(s core.Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s)
	size := len(r.sessions)
	r.changed(size)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(s.ID())).Int("size", size).Msg("unregistered session")
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Contains reports whether s is currently registered.
func (r *Registry) Contains(s core.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[s]
	return ok
}

// CloseAll closes every registered session concurrently and waits for all of
// them. Individual failures do not stop the others; they are joined into the
// returned error. The registry is empty afterwards and stays closed.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	snapshot := make([]core.Session, 0, len(r.sessions))
	for s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	clear(r.sessions)
	r.changed(0)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Int("count", len(snapshot)).Msg("closing all sessions")

	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range snapshot {
		p.Go(func(context.Context) error {
			if err := s.Close(); err != nil {
				log.Error().Err(err).Str("module", "app.registry").Str("sid", string(s.ID())).Msg("close failed")
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

func (r *Registry) changed(size int) {
	if r.OnChange != nil {
		r.OnChange(size)
	}
}
