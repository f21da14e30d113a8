package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/proctor/internal/app/sfu"
	"github.com/dkeye/proctor/internal/app/transform"
	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errAlreadyNegotiated = errors.New("session already negotiated")

// Session owns one peer connection, its sink and the transforms of its
// inbound video.
type Session struct {
	id     core.SessionID
	userID domain.UserID
	pc     *webrtc.PeerConnection
	sink   core.Sink
	f      *Factory

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	negotiated atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	onClosed   func(core.Session)
	unregOnce  sync.Once
	pumps      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	outbound map[*webrtc.RTPTransceiver]*webrtc.TrackLocalStaticSample

	logger zerolog.Logger
}

func newSession(f *Factory, p core.SessionParams, pc *webrtc.PeerConnection, sink core.Sink) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       p.ID,
		userID:   p.UserID,
		pc:       pc,
		sink:     sink,
		f:        f,
		ctx:      ctx,
		cancel:   cancel,
		onClosed: p.OnClosed,
		outbound: make(map[*webrtc.RTPTransceiver]*webrtc.TrackLocalStaticSample),
		logger: log.With().
			Str("module", "rtc.session").
			Str("sid", string(p.ID)).
			Str("user_id", p.UserID.String()).
			Logger(),
	}
	s.state.Store(int32(webrtc.PeerConnectionStateNew))
	return s
}

func (s *Session) ID() core.SessionID { return s.id }

func (s *Session) State() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionState(s.state.Load())
}

// Negotiate applies the offer and returns the answer once ICE gathering
// has finished or timed out. It may be called once.
func (s *Session) Negotiate(ctx context.Context, offer domain.Offer) (domain.Answer, error) {
	if !s.negotiated.CompareAndSwap(false, true) {
		return domain.Answer{}, errAlreadyNegotiated
	}

	s.pc.OnConnectionStateChange(s.handleState)
	s.pc.OnDataChannel(s.handleDataChannel)
	s.pc.OnTrack(s.handleTrack)

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(offer.Type), SDP: offer.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return domain.Answer{}, s.fail("set remote description", err)
	}
	if err := s.reserveOutbound(); err != nil {
		return domain.Answer{}, s.fail("add transformed track", err)
	}
	if err := s.sink.Start(s.ctx); err != nil {
		return domain.Answer{}, s.fail("start sink", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return domain.Answer{}, s.fail("create answer", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return domain.Answer{}, s.fail("set local description", err)
	}

	timer := time.NewTimer(s.f.gatherTimeout())
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		s.logger.Warn().Dur("timeout", s.f.gatherTimeout()).Msg("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return domain.Answer{}, s.fail("wait for ICE gathering", ctx.Err())
	case <-s.ctx.Done():
		return domain.Answer{}, s.fail("wait for ICE gathering", io.ErrClosedPipe)
	}

	local := s.pc.LocalDescription()
	if local == nil {
		return domain.Answer{}, s.fail("read local description", errors.New("no local description"))
	}
	s.logger.Info().Int("transformed_tracks", s.outboundCount()).Msg("answer ready")
	return domain.Answer{SDP: local.SDP, Type: domain.SDPTypeAnswer}, nil
}

// Close tears the session down. Only the first call can return an error.
func (s *Session) Close() error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeErr = s.teardown()
	})
	if !first {
		return nil
	}
	return s.closeErr
}

func (s *Session) teardown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.f.Relays.StopSession(s.id)

	var errs []error
	if err := s.sink.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sink: %w", err))
	}
	if err := s.pc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close peer connection: %w", err))
	}
	s.pumps.Wait()
	err := errors.Join(errs...)

	if err != nil {
		s.logger.Error().Err(err).Msg("close error")
	} else {
		s.logger.Info().Msg("closed")
	}
	s.unregister()
	return err
}

func (s *Session) fail(step string, err error) error {
	s.logger.Error().Err(err).Str("step", step).Msg("negotiation failed")
	return fmt.Errorf("%w: %s: %v", core.ErrNegotiationFailed, step, err)
}

func (s *Session) unregister() {
	s.unregOnce.Do(func() {
		if s.onClosed != nil {
			s.onClosed(s)
		}
	})
}

func (s *Session) handleState(st webrtc.PeerConnectionState) {
	s.state.Store(int32(st))
	s.logger.Info().Str("peer_connection_state", st.String()).Msg("peer state")
	switch st {
	case webrtc.PeerConnectionStateFailed:
		s.logger.Error().Err(core.ErrStateTransitionFailed).Msg("closing session")
		go func() { _ = s.Close() }()
	case webrtc.PeerConnectionStateClosed:
		s.unregister()
	}
}

func (s *Session) handleDataChannel(dc *webrtc.DataChannel) {
	s.logger.Info().Str("label", dc.Label()).Msg("data channel opened")
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		reply, ok := domain.PingReply(string(msg.Data))
		if !ok {
			return
		}
		if err := dc.SendText(reply); err != nil {
			s.logger.Warn().Err(err).Str("label", dc.Label()).Msg("pong failed")
		}
	})
}

func (s *Session) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind()
	codec := track.Codec()
	logger := s.logger.With().
		Str("kind", kind.String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Str("mime_type", codec.MimeType).
		Logger()
	logger.Info().Msg("track received")
	s.f.Metrics.Track(kind.String())

	if s.isClosed() {
		return
	}

	key := sfu.Key{SID: s.id, TrackID: fmt.Sprintf("%s/%d", track.ID(), track.SSRC())}
	relay, _ := s.f.Relays.Acquire(s.ctx, key, track)
	relay.OnEnded(func() {
		logger.Info().Msg("track ended")
		if err := s.sink.Stop(); err != nil {
			logger.Warn().Err(err).Msg("sink stop failed")
		}
	})

	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.attachSink(relay, codec, logger)
	case webrtc.RTPCodecTypeVideo:
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			logger.Warn().Err(err).Msg("pli failed")
		}
		s.startTransform(relay, codec, s.outboundFor(receiver), logger)
		if s.f.RecordVideo {
			s.attachSink(relay, codec, logger)
		}
	}
}

// attachSink hands the sink its own subscription; a rejected one is closed
// so the relay stops feeding it.
func (s *Session) attachSink(relay *sfu.Relay, codec webrtc.RTPCodecParameters, logger zerolog.Logger) {
	sub := relay.Subscribe()
	if err := s.sink.AddTrack(sub, codec); err != nil {
		_ = sub.Close()
		logger.Warn().Err(err).Msg("sink rejected track")
	}
}

func (s *Session) startTransform(relay *sfu.Relay, codec webrtc.RTPCodecParameters, out *webrtc.TrackLocalStaticSample, logger zerolog.Logger) {
	var dec transform.Decoder
	if s.f.NewDecoder != nil {
		dec = s.f.NewDecoder()
	}
	sub := relay.Subscribe()
	tr, err := transform.New(sub, transform.Config{
		UserID:    s.userID,
		Codec:     codec,
		Decoder:   dec,
		Inspector: s.f.Inspector,
		Metrics:   s.f.Metrics,
		Logger:    &logger,
	})
	if err != nil {
		_ = sub.Close()
		logger.Warn().Err(err).Msg("no transform for track")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = tr.Close()
		return
	}
	s.pumps.Add(1)
	s.mu.Unlock()
	go s.pump(tr, out, logger)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pump forwards transformed frames to the outbound track until the source ends.
func (s *Session) pump(tr *transform.Transform, out *webrtc.TrackLocalStaticSample, logger zerolog.Logger) {
	defer s.pumps.Done()
	defer tr.Close()

	frames := 0
	for {
		f, err := tr.NextFrame()
		if err != nil {
			logger.Info().Err(err).Int("frames", frames).Msg("transform finished")
			return
		}
		frames++
		if out == nil {
			continue
		}
		if err := out.WriteSample(f.Sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warn().Err(err).Msg("write transformed sample failed")
		}
	}
}

// reserveOutbound adds one transformed track per offered video transceiver.
// pion needs the local tracks before CreateAnswer.
func (s *Session) reserveOutbound() error {
	var video []*webrtc.RTPTransceiver
	for _, t := range s.pc.GetTransceivers() {
		if t.Kind() == webrtc.RTPCodecTypeVideo && t.Receiver() != nil {
			video = append(video, t)
		}
	}
	for n := range video {
		track, err := webrtc.NewTrackLocalStaticSample(
			s.f.Video.RTPCodecCapability,
			fmt.Sprintf("transformed-%d", n),
			"proctor-"+string(s.id),
		)
		if err != nil {
			return err
		}
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			return err
		}
		go drainRTCP(sender)

		s.mu.Lock()
		for _, t := range video {
			if t.Sender() == sender {
				s.outbound[t] = track
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) outboundFor(receiver *webrtc.RTPReceiver) *webrtc.TrackLocalStaticSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, track := range s.outbound {
		if t.Receiver() == receiver {
			return track
		}
	}
	return nil
}

func (s *Session) outboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// drainRTCP keeps the sender's interceptors running until the connection closes.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
