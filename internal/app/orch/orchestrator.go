package orch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/proctor/internal/app"
	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/domain"
	"github.com/dkeye/proctor/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Orchestrator turns offers into registered sessions and drains them at
// shutdown. Every signaling adapter goes through it.
type Orchestrator struct {
	Registry *app.Registry
	Sessions core.SessionFactory
	Limiter  *app.OfferRateLimiter
	Metrics  *metrics.Metrics
}

// Negotiate validates the offer, builds and registers a session and runs
// its offer/answer exchange. A failed exchange leaves nothing registered.
func (o *Orchestrator) Negotiate(ctx context.Context, offer domain.Offer) (domain.Answer, error) {
	logger := log.With().Str("module", "app.orch").Str("client", offer.Client).Logger()

	kinds, err := offer.Validate()
	if err != nil {
		o.Metrics.Offer(metrics.OfferInvalid)
		logger.Warn().Err(err).Msg("invalid offer")
		return domain.Answer{}, fmt.Errorf("%w: %v", core.ErrInvalidOffer, err)
	}

	// Only offers that would build a peer connection count against the quota.
	if !o.Limiter.Allow(offer.Client) {
		o.Metrics.Offer(metrics.OfferRateLimited)
		logger.Warn().Msg("offer rate limited")
		return domain.Answer{}, core.ErrRateLimited
	}

	sid := core.SessionID(uuid.NewString())
	logger = logger.With().Str("sid", string(sid)).Str("user_id", offer.UserID.String()).Logger()
	logger.Info().Str("media", strings.Join(kinds, ",")).Msg("offer received")

	sess, err := o.Sessions.NewSession(core.SessionParams{
		ID:       sid,
		UserID:   offer.UserID,
		OnClosed: o.Registry.Unregister,
	})
	if err != nil {
		o.Metrics.Offer(metrics.OfferFailed)
		logger.Error().Err(err).Msg("session setup failed")
		return domain.Answer{}, fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}

	if err := o.Registry.Register(sess); err != nil {
		_ = sess.Close()
		o.Metrics.Offer(metrics.OfferRejected)
		return domain.Answer{}, err
	}

	start := time.Now()
	answer, err := sess.Negotiate(ctx, offer)
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("close after failed negotiation")
		}
		o.Registry.Unregister(sess)
		o.Metrics.Offer(metrics.OfferFailed)
		if !errors.Is(err, core.ErrNegotiationFailed) {
			err = fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
		}
		return domain.Answer{}, err
	}

	o.Metrics.Offer(metrics.OfferAccepted)
	logger.Info().Dur("elapsed", time.Since(start)).Msg("answer sent")
	return answer, nil
}

// Run prunes the rate limiter until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, every time.Duration) error {
	if o.Limiter == nil || every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Limiter.Prune()
		}
	}
}

// Shutdown closes every live session. Later offers are refused.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "app.orch").Int("sessions", o.Registry.Len()).Msg("draining sessions")
	return o.Registry.CloseAll(ctx)
}
