package rtc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/proctor/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var ErrSinkStopped = errors.New("sink stopped")

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type consumer struct {
	src   core.RTPSource
	kind  string
	write rtpWriter
}

type sinkState int

const (
	sinkIdle sinkState = iota
	sinkStarted
	sinkStopped
)

// consumers runs one reader goroutine per added track once started.
// Sources that cannot be closed must end on their own before Stop returns.
type consumers struct {
	mu      sync.Mutex
	state   sinkState
	ctx     context.Context
	cancel  context.CancelFunc
	pending []consumer
	running []consumer
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

func (c *consumers) add(cons consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case sinkStopped:
		return ErrSinkStopped
	case sinkStarted:
		c.run(cons)
	default:
		c.pending = append(c.pending, cons)
	}
	return nil
}

func (c *consumers) start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != sinkIdle {
		return
	}
	c.state = sinkStarted
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, cons := range c.pending {
		c.run(cons)
	}
	c.pending = nil
}

// run must be called with mu held.
func (c *consumers) run(cons consumer) {
	c.running = append(c.running, cons)
	c.wg.Add(1)
	go c.consume(c.ctx, cons)
}

func (c *consumers) consume(ctx context.Context, cons consumer) {
	defer c.wg.Done()
	w := cons.write
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := cons.src.ReadRTP()
		if err != nil {
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			c.logger.Warn().Err(err).Str("kind", cons.kind).Msg("write failed, draining")
			w = nil
		}
	}
}

func (c *consumers) stop() error {
	c.mu.Lock()
	if c.state == sinkStopped {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = sinkStopped
	all := append(c.running, c.pending...)
	c.running, c.pending = nil, nil
	if prev == sinkStarted {
		c.cancel()
	}
	c.mu.Unlock()

	for _, cons := range all {
		if closer, ok := cons.src.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	c.wg.Wait()

	var errs []error
	for _, cons := range all {
		if cons.write != nil {
			if err := cons.write.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s writer: %w", cons.kind, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Blackhole consumes media and throws it away.
type Blackhole struct {
	c consumers
}

func NewBlackhole(sid core.SessionID) *Blackhole {
	return &Blackhole{c: consumers{
		logger: log.With().Str("module", "sink.blackhole").Str("sid", string(sid)).Logger(),
	}}
}

func (b *Blackhole) AddTrack(src core.RTPSource, codec webrtc.RTPCodecParameters) error {
	return b.c.add(consumer{src: src, kind: codec.MimeType})
}

func (b *Blackhole) Start(ctx context.Context) error {
	b.c.start(ctx)
	return nil
}

func (b *Blackhole) Stop() error {
	return b.c.stop()
}

// Recorder writes Opus to Ogg and VP8 to IVF under dir. Other codecs are
// consumed and dropped.
type Recorder struct {
	fs  afero.Fs
	dir string
	sid core.SessionID
	c   consumers

	mu     sync.Mutex
	audioN int
	videoN int
}

func NewRecorder(fs afero.Fs, dir string, sid core.SessionID) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{
		fs:  fs,
		dir: dir,
		sid: sid,
		c: consumers{
			logger: log.With().Str("module", "sink.recorder").Str("sid", string(sid)).Logger(),
		},
	}, nil
}

func (r *Recorder) AddTrack(src core.RTPSource, codec webrtc.RTPCodecParameters) error {
	w, path, err := r.writerFor(codec)
	if err != nil {
		return err
	}
	if err := r.c.add(consumer{src: src, kind: codec.MimeType, write: w}); err != nil {
		if w != nil {
			_ = w.Close()
		}
		return err
	}
	if w != nil {
		r.c.logger.Info().Str("file", path).Str("mime_type", codec.MimeType).Msg("recording track")
	}
	return nil
}

func (r *Recorder) Start(ctx context.Context) error {
	r.c.start(ctx)
	return nil
}

func (r *Recorder) Stop() error {
	return r.c.stop()
}

func (r *Recorder) writerFor(codec webrtc.RTPCodecParameters) (rtpWriter, string, error) {
	mime := codec.MimeType
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path, f, err := r.create("audio", "ogg")
		if err != nil {
			return nil, "", err
		}
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.NewWith(f, codec.ClockRate, channels)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("ogg writer: %w", err)
		}
		return fileWriter{w, f}, path, nil
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path, f, err := r.create("video", "ivf")
		if err != nil {
			return nil, "", err
		}
		w, err := ivfwriter.NewWith(f)
		if err != nil {
			_ = f.Close()
			return nil, "", fmt.Errorf("ivf writer: %w", err)
		}
		return fileWriter{w, f}, path, nil
	default:
		return nil, "", nil
	}
}

func (r *Recorder) create(kind, ext string) (string, *onceFile, error) {
	r.mu.Lock()
	var n int
	if kind == "audio" {
		r.audioN++
		n = r.audioN
	} else {
		r.videoN++
		n = r.videoN
	}
	r.mu.Unlock()

	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s-%d.%s", r.sid, kind, n, ext))
	f, err := r.fs.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("create %s: %w", path, err)
	}
	return path, &onceFile{File: f}, nil
}

// fileWriter closes the media writer and then the file under it.
type fileWriter struct {
	rtpWriter
	f *onceFile
}

func (w fileWriter) Close() error {
	return errors.Join(w.rtpWriter.Close(), w.f.Close())
}

type onceFile struct {
	afero.File
	once sync.Once
	err  error
}

func (f *onceFile) Close() error {
	f.once.Do(func() { f.err = f.File.Close() })
	return f.err
}

// BlackholeSinks and RecorderSinks are core.SinkFactory implementations.
func BlackholeSinks() core.SinkFactory {
	return func(sid core.SessionID) (core.Sink, error) {
		return NewBlackhole(sid), nil
	}
}

func RecorderSinks(fs afero.Fs, dir string) core.SinkFactory {
	return func(sid core.SessionID) (core.Sink, error) {
		return NewRecorder(fs, dir, sid)
	}
}
