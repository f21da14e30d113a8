package core

import (
	"context"
	"image"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

// Frame is one assembled video frame. RGB holds packed RGB24 pixels
// (3 bytes per pixel, Width*3 stride) when the decoder produced a picture;
// otherwise it is nil and only the encoded Sample is available.
type Frame struct {
	Sample   media.Sample
	MimeType string
	KeyFrame bool

	Width  int
	Height int
	RGB    []byte

	ReceivedAt time.Time
}

// Decoded reports whether raw pixels are attached.
func (f *Frame) Decoded() bool { return f.RGB != nil }

// Match is a labeled region produced by a FrameInspector.
type Match struct {
	Box   image.Rectangle
	Label string
}

// FrameInspector looks at decoded frames, e.g. to recognize faces. It runs
// off the forwarding path and may be slow.
type FrameInspector interface {
	Inspect(ctx context.Context, f *Frame) ([]Match, error)
}
