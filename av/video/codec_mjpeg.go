package video

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"strconv"
)

// mjpegEncoder compresses every frame as an independent JPEG picture.
type mjpegEncoder struct {
	quality int
	buf     bytes.Buffer
}

func newMJPEGEncoder(p CodecParams) (FrameEncoder, error) {
	q := jpeg.DefaultQuality
	if v, ok := p.Param("quality"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			return nil, fmt.Errorf("invalid mjpeg quality %q", v)
		}
		q = n
	} else if p.Bitrate > 0 && p.Bitrate < 400 {
		q = 50
	}
	return &mjpegEncoder{quality: q}, nil
}

func (e *mjpegEncoder) Encode(frame *VideoFrame, _ bool) ([]byte, bool, error) {
	img, err := frame.Image()
	if err != nil {
		return nil, false, err
	}
	e.buf.Reset()
	if err := jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, false, fmt.Errorf("jpeg encode: %w", err)
	}
	return bytes.Clone(e.buf.Bytes()), true, nil
}

func (e *mjpegEncoder) Flush() ([][]byte, error) { return nil, nil }
func (e *mjpegEncoder) Close() error             { return nil }

type mjpegDecoder struct{}

func (mjpegDecoder) Decode(data []byte) (*VideoFrame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return FrameFromImage(img)
}

func (mjpegDecoder) Close() error { return nil }

func mjpegCodec() *Codec {
	return &Codec{
		Name:         "mjpeg",
		EncodingName: "JPEG",
		ClockRate:    90000,
		KeyFrame:     func([]byte) bool { return true },
		NewEncoder:   newMJPEGEncoder,
		NewDecoder:   func(CodecParams) (FrameDecoder, error) { return mjpegDecoder{}, nil },
	}
}
