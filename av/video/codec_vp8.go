package video

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/vp8"
)

// vp8KeyFrame reports whether a VP8 frame starts with an intra frame tag
// (bit 0 of the frame tag cleared).
func vp8KeyFrame(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}

// vp8Decoder decodes VP8 key frames. Inter frames are skipped, so the last
// key frame stays on screen until the sender refreshes the picture.
type vp8Decoder struct {
	dec     *vp8.Decoder
	skipped int
}

func newVP8Decoder(CodecParams) (FrameDecoder, error) {
	return &vp8Decoder{dec: vp8.NewDecoder()}, nil
}

func (d *vp8Decoder) Decode(data []byte) (*VideoFrame, error) {
	if !vp8KeyFrame(data) {
		d.skipped++
		logrus.WithFields(logrus.Fields{
			"function": "vp8Decoder.Decode",
			"skipped":  d.skipped,
			"size":     len(data),
		}).Debug("Skipping VP8 inter frame")
		return nil, nil
	}
	d.dec.Init(bytes.NewReader(data), len(data))
	fh, err := d.dec.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 frame header: %v", ErrCorruptData, err)
	}
	img, err := d.dec.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 frame %dx%d: %v", ErrCorruptData, fh.Width, fh.Height, err)
	}
	return FrameFromImage(img)
}

func (d *vp8Decoder) Close() error { return nil }

// vp8Codec is decode-only: there is no pure Go VP8 encoder.
func vp8Codec() *Codec {
	return &Codec{
		Name:         "vp8",
		EncodingName: "VP8",
		ClockRate:    90000,
		KeyFrame:     vp8KeyFrame,
		NewDecoder:   newVP8Decoder,
	}
}
