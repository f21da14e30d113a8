package transform

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/proctor/internal/core"
	"github.com/dkeye/proctor/internal/metrics"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var vp8Codec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
	PayloadType:        96,
}

type sliceSource struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (s *sliceSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.packets) == 0 {
		return nil, nil, io.EOF
	}
	pkt := s.packets[0]
	s.packets = s.packets[1:]
	return pkt, nil, nil
}

// vp8Packets packetizes n one-packet frames. A first byte with the low bit
// clear marks a key frame.
func vp8Packets(n int, firstByte byte) []*rtp.Packet {
	p := rtp.NewPacketizer(1200, 96, 0x1234, &codecs.VP8Payloader{}, rtp.NewRandomSequencer(), 90000)
	var out []*rtp.Packet
	for range n {
		out = append(out, p.Packetize([]byte{firstByte, 0x02, 0x03, 0x04, 0x05, 0x06}, 3000)...)
	}
	return out
}

func readAll(tr *Transform) ([]*core.Frame, error) {
	var frames []*core.Frame
	for {
		f, err := tr.NextFrame()
		if err != nil {
			return frames, err
		}
		if f == nil {
			return frames, errors.New("nil frame without error")
		}
		frames = append(frames, f)
	}
}

func drain(t *testing.T, tr *Transform) []*core.Frame {
	t.Helper()
	frames, err := readAll(tr)
	require.ErrorIs(t, err, core.ErrStreamEnded)
	return frames
}

func TestTransform_FramesThenStreamEnded(t *testing.T) {
	src := &sliceSource{packets: vp8Packets(10, 0x01)}
	tr, err := New(src, Config{UserID: "alice", Codec: vp8Codec})
	require.NoError(t, err)
	defer tr.Close()

	frames := drain(t, tr)
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.Equal(t, webrtc.MimeTypeVP8, f.MimeType)
		assert.False(t, f.KeyFrame)
		assert.False(t, f.Decoded())
		assert.NotEmpty(t, f.Sample.Data)
	}

	_, err = tr.NextFrame()
	assert.ErrorIs(t, err, core.ErrStreamEnded)
}

func TestTransform_UnsupportedCodec(t *testing.T) {
	_, err := New(&sliceSource{}, Config{Codec: webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
	}})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

type fakeDecoder struct{ calls atomic.Int32 }

func (d *fakeDecoder) Decode(f *core.Frame) error {
	d.calls.Add(1)
	f.Width, f.Height = 2, 1
	f.RGB = make([]byte, 6)
	return nil
}

type blockingInspector struct {
	release chan struct{}
	calls   atomic.Int32
	matches []core.Match
}

func (b *blockingInspector) Inspect(ctx context.Context, _ *core.Frame) ([]core.Match, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return b.matches, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if labelsMatch(metric.GetLabel(), labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; ok && v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestTransform_SlowInspectorDoesNotBlockFrames(t *testing.T) {
	m := metrics.New()
	dec := &fakeDecoder{}
	insp := &blockingInspector{release: make(chan struct{})}
	src := &sliceSource{packets: vp8Packets(20, 0x00)}

	tr, err := New(src, Config{UserID: "alice", Codec: vp8Codec, Decoder: dec, Inspector: insp, Metrics: m})
	require.NoError(t, err)

	type result struct {
		frames []*core.Frame
		err    error
	}
	done := make(chan result, 1)
	go func() {
		frames, err := readAll(tr)
		done <- result{frames, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frames blocked behind the inspector")
	}
	require.ErrorIs(t, res.err, core.ErrStreamEnded)
	frames := res.frames
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.True(t, f.KeyFrame)
		assert.True(t, f.Decoded())
	}
	assert.EqualValues(t, len(frames), dec.calls.Load())
	if len(frames) > 2 {
		assert.Positive(t, counterValue(t, m, "proctor_inspector_skipped_frames_total", nil))
	}

	close(insp.release)
	require.NoError(t, tr.Close())
}

func TestTransform_Verdicts(t *testing.T) {
	m := metrics.New()
	release := make(chan struct{})
	close(release)
	insp := &blockingInspector{
		release: release,
		matches: []core.Match{
			{Box: image.Rect(0, 0, 10, 10), Label: "Alice"},
			{Box: image.Rect(10, 10, 20, 20), Label: "mallory"},
		},
	}
	src := &sliceSource{packets: vp8Packets(3, 0x00)}
	tr, err := New(src, Config{UserID: "alice", Codec: vp8Codec, Decoder: &fakeDecoder{}, Inspector: insp, Metrics: m})
	require.NoError(t, err)

	f, err := tr.NextFrame()
	require.NoError(t, err)
	require.True(t, f.Decoded())

	assert.Eventually(t, func() bool {
		return counterValue(t, m, "proctor_inspector_verdicts_total", map[string]string{"verdict": "accepted"}) >= 1 &&
			counterValue(t, m, "proctor_inspector_verdicts_total", map[string]string{"verdict": "rejected"}) >= 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, tr.Close())
}

// stubbornInspector ignores its context until released.
type stubbornInspector struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stubbornInspector) Inspect(context.Context, *core.Frame) ([]core.Match, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func TestTransform_CloseDoesNotWaitForStubbornInspector(t *testing.T) {
	insp := &stubbornInspector{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(insp.release)

	src := &sliceSource{packets: vp8Packets(3, 0x00)}
	tr, err := New(src, Config{UserID: "alice", Codec: vp8Codec, Decoder: &fakeDecoder{}, Inspector: insp})
	require.NoError(t, err)

	_, err = tr.NextFrame()
	require.NoError(t, err)
	select {
	case <-insp.entered:
	case <-time.After(time.Second):
		t.Fatal("inspector never ran")
	}

	start := time.Now()
	require.NoError(t, tr.Close())
	assert.Less(t, time.Since(start), time.Second)
}

func histogramCount(t *testing.T, m *metrics.Metrics, name string) uint64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			var n uint64
			for _, metric := range fam.GetMetric() {
				n += metric.GetHistogram().GetSampleCount()
			}
			return n
		}
	}
	return 0
}

func TestTransform_UndecodableCodecPassesThrough(t *testing.T) {
	m := metrics.New()
	h264 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        102,
	}
	p := rtp.NewPacketizer(1200, 102, 0x1234, &codecs.H264Payloader{}, rtp.NewRandomSequencer(), 90000)
	var pkts []*rtp.Packet
	for range 5 {
		pkts = append(pkts, p.Packetize([]byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x00}, 3000)...)
	}

	tr, err := New(&sliceSource{packets: pkts}, Config{Codec: h264, Decoder: NewVP8Decoder(), Metrics: m})
	require.NoError(t, err)
	defer tr.Close()

	frames := drain(t, tr)
	require.NotEmpty(t, frames)
	for _, f := range frames {
		assert.True(t, f.KeyFrame)
		assert.False(t, f.Decoded())
	}
	assert.Zero(t, histogramCount(t, m, "proctor_frame_decode_seconds"))
}

type closableSource struct {
	closed chan struct{}
	once   sync.Once
}

func (c *closableSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-c.closed
	return nil, nil, io.EOF
}

func (c *closableSource) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestTransform_CloseUnblocksNextFrame(t *testing.T) {
	src := &closableSource{closed: make(chan struct{})}
	tr, err := New(src, Config{Codec: vp8Codec})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.NextFrame()
		errc <- err
	}()
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, core.ErrStreamEnded))
	case <-time.After(time.Second):
		t.Fatal("NextFrame did not return after Close")
	}
}

func TestKeyFrameDetection(t *testing.T) {
	assert.True(t, isVP8KeyFrame([]byte{0x10, 0x02, 0x00}))
	assert.False(t, isVP8KeyFrame([]byte{0x11, 0x02, 0x00}))
	assert.False(t, isVP8KeyFrame(nil))

	// frame_marker=2, profile 0, show_existing 0, frame_type 0
	assert.True(t, isVP9KeyFrame([]byte{0x80}))
	assert.False(t, isVP9KeyFrame([]byte{0x84}))
	assert.False(t, isVP9KeyFrame([]byte{0x00}))

	assert.True(t, isH264KeyFrame([]byte{0, 0, 0, 1, 0x67, 0x42}))
	assert.True(t, isH264KeyFrame([]byte{0, 0, 1, 0x65, 0x88}))
	assert.False(t, isH264KeyFrame([]byte{0, 0, 1, 0x41, 0x9a}))
}
