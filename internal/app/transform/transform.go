// Package transform turns a stream of RTP packets into video frames and
// hands decoded pictures to an optional inspector.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/domain"
	"github.com/dkeye/proctor/internal/metrics"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxLate is how many packets the sample builder keeps while waiting for
// a frame to complete.
const maxLate = 512

// inspectStopGrace bounds how long Close waits for a running Inspect call.
// An inspector that ignores its context is left to finish on its own.
const inspectStopGrace = 100 * time.Millisecond

var ErrUnsupportedCodec = errors.New("unsupported video codec")

type Config struct {
	UserID domain.UserID
	Codec  webrtc.RTPCodecParameters
	// Decoder converts key frames to pixels. Nil disables decoding.
	Decoder Decoder
	// Inspector receives decoded frames off the forwarding path. Optional.
	Inspector core.FrameInspector
	Metrics   *metrics.Metrics
	Logger    *zerolog.Logger
}

// Transform reads a video source and produces assembled frames.
// NextFrame must not be called concurrently.
type Transform struct {
	src      core.RTPSource
	userID   domain.UserID
	mimeType string
	builder  *samplebuilder.SampleBuilder
	keyFrame func([]byte) bool

	decoder   Decoder
	inspector *inspectLoop
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

func New(src core.RTPSource, cfg Config) (*Transform, error) {
	depacketizer, keyFrame, err := depacketizerFor(cfg.Codec.MimeType)
	if err != nil {
		return nil, err
	}
	clockRate := cfg.Codec.ClockRate
	if clockRate == 0 {
		clockRate = 90000
	}

	logger := log.With().Str("module", "transform").Logger()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("module", "transform").Logger()
	}
	logger = logger.With().Str("user_id", cfg.UserID.String()).Str("mime_type", cfg.Codec.MimeType).Logger()

	t := &Transform{
		src:      src,
		userID:   cfg.UserID,
		mimeType: cfg.Codec.MimeType,
		builder:  samplebuilder.New(maxLate, depacketizer, clockRate),
		keyFrame: keyFrame,
		decoder:  cfg.Decoder,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
	if cfg.Inspector != nil {
		t.inspector = startInspectLoop(cfg.Inspector, cfg.UserID, cfg.Metrics, logger)
	}
	return t, nil
}

// NextFrame blocks until the next complete frame is assembled. Once the
// source ends it returns an error wrapping core.ErrStreamEnded.
func (t *Transform) NextFrame() (*core.Frame, error) {
	for {
		if s := t.builder.Pop(); s != nil {
			return t.frame(s), nil
		}
		pkt, _, err := t.src.ReadRTP()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrStreamEnded, err)
		}
		t.builder.Push(pkt)
	}
}

// Close ends the source if it can be closed and stops the inspector.
// A blocked NextFrame returns ErrStreamEnded.
func (t *Transform) Close() error {
	var err error
	if c, ok := t.src.(interface{ Close() error }); ok {
		err = c.Close()
	}
	if t.inspector != nil {
		t.inspector.stop()
	}
	return err
}

func (t *Transform) frame(s *media.Sample) *core.Frame {
	f := &core.Frame{
		Sample:     *s,
		MimeType:   t.mimeType,
		KeyFrame:   t.keyFrame(s.Data),
		ReceivedAt: time.Now(),
	}
	t.metrics.Frame(t.mimeType)

	if f.KeyFrame && t.decoder != nil {
		start := time.Now()
		err := t.decoder.Decode(f)
		elapsed := time.Since(start)
		switch {
		case errors.Is(err, ErrNotDecodable):
		case err != nil:
			t.metrics.Decode(elapsed)
			t.logger.Warn().Err(err).Int("bytes", len(s.Data)).Msg("key frame decode failed")
		default:
			t.metrics.Decode(elapsed)
			t.logger.Debug().Dur("elapsed", elapsed).Int("width", f.Width).Int("height", f.Height).Msg("key frame decoded")
		}
	}

	if f.Decoded() && t.inspector != nil {
		t.inspector.submit(f)
	}
	return f
}

func depacketizerFor(mimeType string) (rtp.Depacketizer, func([]byte) bool, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, isVP8KeyFrame, nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}, isVP9KeyFrame, nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return &codecs.H264Packet{}, isH264KeyFrame, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, mimeType)
	}
}

// isVP8KeyFrame reads the P bit of the frame tag, zero for key frames.
func isVP8KeyFrame(data []byte) bool {
	return len(data) >= 3 && data[0]&0x01 == 0
}

// isVP9KeyFrame reads frame_type from the uncompressed header.
func isVP9KeyFrame(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	if b>>6 != 0x2 {
		return false
	}
	profile := (b>>5)&0x1 | ((b>>4)&0x1)<<1
	showExisting, frameType := (b>>3)&0x1, (b>>2)&0x1
	if profile == 3 {
		showExisting, frameType = (b>>2)&0x1, (b>>1)&0x1
	}
	return showExisting == 0 && frameType == 0
}

// isH264KeyFrame looks for an IDR slice or SPS in Annex B data.
func isH264KeyFrame(data []byte) bool {
	for i := 0; i+3 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		switch data[i+3] & 0x1F {
		case 5, 7:
			return true
		}
	}
	return false
}

type inspectLoop struct {
	inspector core.FrameInspector
	userID    domain.UserID
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mailbox chan *core.Frame
	cancel  context.CancelFunc
	done    chan struct{}
}

func startInspectLoop(inspector core.FrameInspector, userID domain.UserID, m *metrics.Metrics, logger zerolog.Logger) *inspectLoop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &inspectLoop{
		inspector: inspector,
		userID:    userID,
		metrics:   m,
		logger:    logger,
		mailbox:   make(chan *core.Frame, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.run(ctx)
	return l
}

// submit never blocks; a frame arriving while the inspector is busy is skipped.
func (l *inspectLoop) submit(f *core.Frame) {
	select {
	case l.mailbox <- f:
	default:
		l.metrics.InspectorSkipped()
	}
}

func (l *inspectLoop) stop() {
	l.cancel()
	select {
	case <-l.done:
	case <-time.After(inspectStopGrace):
		l.logger.Warn().Dur("grace", inspectStopGrace).Msg("inspector did not stop, leaving it behind")
	}
}

func (l *inspectLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.mailbox:
			matches, err := l.inspector.Inspect(ctx, f)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				l.metrics.InspectorFailed()
				l.logger.Warn().Err(err).Msg("inspect failed")
				continue
			}
			l.report(matches)
		}
	}
}

func (l *inspectLoop) report(matches []core.Match) {
	for _, m := range matches {
		verdict := metrics.VerdictRejected
		if l.userID.Matches(m.Label) {
			verdict = metrics.VerdictAccepted
		}
		l.metrics.Verdict(verdict)
		l.logger.Info().
			Str("verdict", verdict).
			Str("label", m.Label).
			Str("box", m.Box.String()).
			Msg("inspector match")
	}
}
