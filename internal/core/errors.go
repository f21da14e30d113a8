package core

import "errors"

var (
	// ErrInvalidOffer is returned before any peer connection is built.
	ErrInvalidOffer = errors.New("invalid offer")
	// ErrNegotiationFailed wraps failures of the offer/answer exchange.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrStreamEnded signals that a track has no more frames. Not a failure.
	ErrStreamEnded = errors.New("stream ended")
	// ErrStateTransitionFailed marks a peer connection that reached "failed".
	ErrStateTransitionFailed = errors.New("peer connection failed")
	// ErrShuttingDown rejects sessions that arrive while the registry drains.
	ErrShuttingDown = errors.New("shutting down")
	// ErrRateLimited rejects a client that sends offers too often.
	ErrRateLimited = errors.New("rate limited")
)
