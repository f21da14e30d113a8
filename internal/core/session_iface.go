package core

import (
	"context"

	"github.com/dkeye/proctor/internal/domain"
)

type SessionID string

// Session is what the registry stores. Close must be idempotent.
type Session interface {
	ID() SessionID
	Close() error
}

// MediaSession is a Session that owns a peer connection and can run the
// offer/answer exchange exactly once.
type MediaSession interface {
	Session
	Negotiate(ctx context.Context, offer domain.Offer) (domain.Answer, error)
}

// SessionParams carries what a factory needs to build one session.
type SessionParams struct {
	ID     SessionID
	UserID domain.UserID
	// OnClosed is invoked once, after the session has torn down.
	OnClosed func(Session)
}

// SessionFactory builds sessions. The peer connection exists when NewSession
// returns, but no description has been applied yet.
type SessionFactory interface {
	NewSession(p SessionParams) (MediaSession, error)
}
