package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/proctor/internal/app/sfu"
	"github.com/dkeye/proctor/internal/app/transform"
	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/metrics"
	"github.com/pion/webrtc/v4"
)

const defaultGatherTimeout = 10 * time.Second

// Factory builds peer connection sessions from one shared pion API.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
	// Video is the codec of the transformed outbound tracks.
	Video  webrtc.RTPCodecParameters
	Relays *sfu.RelayManager
	Sinks  core.SinkFactory
	// RecordVideo also hands inbound video to the sink.
	RecordVideo bool

	NewDecoder    func() transform.Decoder
	Inspector     core.FrameInspector
	Metrics       *metrics.Metrics
	GatherTimeout time.Duration
}

func (f *Factory) NewSession(p core.SessionParams) (core.MediaSession, error) {
	pc, err := f.API.NewPeerConnection(f.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	sinks := f.Sinks
	if sinks == nil {
		sinks = BlackholeSinks()
	}
	sink, err := sinks(p.ID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("new sink: %w", err)
	}
	return newSession(f, p, pc, sink), nil
}

func (f *Factory) gatherTimeout() time.Duration {
	if f.GatherTimeout <= 0 {
		return defaultGatherTimeout
	}
	return f.GatherTimeout
}
