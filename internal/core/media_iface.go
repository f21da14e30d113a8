package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RTPSource is anything that yields RTP packets until it ends.
// *webrtc.TrackRemote satisfies it, so do relay subscriptions.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink consumes inbound media without forwarding it.
type Sink interface {
	// AddTrack may be called before or after Start.
	AddTrack(src RTPSource, codec webrtc.RTPCodecParameters) error
	// Start begins consuming every added track. Idempotent.
	Start(ctx context.Context) error
	// Stop flushes and releases everything. Idempotent.
	Stop() error
}

// SinkFactory returns a fresh sink for a session.
type SinkFactory func(sid SessionID) (Sink, error)
