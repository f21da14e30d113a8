package transform

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"strings"

	"github.com/dkeye/proctor/internal/core"
	"github.com/pion/webrtc/v4"
	"golang.org/x/image/vp8"
)

var errNotKeyFrame = errors.New("not a key frame")

// ErrNotDecodable is returned by a Decoder for frames it does not handle.
// The frame passes through without pixels and nothing is recorded.
var ErrNotDecodable = errors.New("frame not decodable")

// Decoder attaches raw pixels to a frame.
type Decoder interface {
	Decode(f *core.Frame) error
}

// VP8Decoder decodes VP8 key frames into packed RGB24. Frames of other
// codecs get ErrNotDecodable. Not safe for concurrent use.
type VP8Decoder struct {
	d *vp8.Decoder
}

func NewVP8Decoder() *VP8Decoder {
	return &VP8Decoder{d: vp8.NewDecoder()}
}

func (v *VP8Decoder) Decode(f *core.Frame) error {
	if !strings.EqualFold(f.MimeType, webrtc.MimeTypeVP8) {
		return ErrNotDecodable
	}
	data := f.Sample.Data
	v.d.Init(bytes.NewReader(data), len(data))
	fh, err := v.d.DecodeFrameHeader()
	if err != nil {
		return err
	}
	if !fh.KeyFrame {
		return errNotKeyFrame
	}
	img, err := v.d.DecodeFrame()
	if err != nil {
		return err
	}
	b := img.Bounds()
	f.Width, f.Height, f.RGB = b.Dx(), b.Dy(), toRGB24(img)
	return nil
}

func toRGB24(img *image.YCbCr) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			yi := img.YOffset(x, y)
			ci := img.COffset(x, y)
			r, g, bl := color.YCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			out = append(out, r, g, bl)
		}
	}
	return out
}
