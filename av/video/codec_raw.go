package video

import (
	"encoding/binary"
	"fmt"
)

// rawHeaderSize is the size of the rawvideo access unit header:
// [width:2][height:2][format:1][reserved:1], little endian.
const rawHeaderSize = 6

// PackRawFrame serializes a frame into a rawvideo access unit.
func PackRawFrame(frame *VideoFrame) ([]byte, error) {
	if frame == nil || !frame.Allocated() {
		return nil, fmt.Errorf("%w: frame is empty", ErrInvalidFrame)
	}
	if frame.Width > 0xffff || frame.Height > 0xffff {
		return nil, fmt.Errorf("%w: %dx%d exceeds rawvideo limits", ErrInvalidDimensions, frame.Width, frame.Height)
	}
	out := make([]byte, rawHeaderSize, rawHeaderSize+frame.Size())
	binary.LittleEndian.PutUint16(out[0:2], uint16(frame.Width))
	binary.LittleEndian.PutUint16(out[2:4], uint16(frame.Height))
	out[4] = byte(frame.Format)
	for i, p := range layout(frame.Format, frame.Width, frame.Height) {
		for y := 0; y < p.height; y++ {
			row := frame.Planes[i][y*frame.Strides[i]:]
			out = append(out, row[:p.width]...)
		}
	}
	return out, nil
}

// UnpackRawFrame parses a rawvideo access unit into an owned frame.
func UnpackRawFrame(data []byte) (*VideoFrame, error) {
	if len(data) < rawHeaderSize {
		return nil, fmt.Errorf("%w: rawvideo unit too short: %d bytes", ErrCorruptData, len(data))
	}
	width := int(binary.LittleEndian.Uint16(data[0:2]))
	height := int(binary.LittleEndian.Uint16(data[2:4]))
	format := PixelFormat(data[4])
	size := FrameSize(format, width, height)
	if size == 0 || width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: rawvideo header %dx%d %s", ErrCorruptData, width, height, format)
	}
	if len(data)-rawHeaderSize != size {
		return nil, fmt.Errorf("%w: rawvideo payload %d bytes, expected %d", ErrCorruptData, len(data)-rawHeaderSize, size)
	}
	frame := NewVideoFrame()
	if err := frame.Alloc(format, width, height); err != nil {
		return nil, err
	}
	copy(frame.Bytes(), data[rawHeaderSize:])
	return frame, nil
}

// rawEncoder is an intra-only passthrough encoder.
type rawEncoder struct{}

func (rawEncoder) Encode(frame *VideoFrame, _ bool) ([]byte, bool, error) {
	data, err := PackRawFrame(frame)
	return data, true, err
}

func (rawEncoder) Flush() ([][]byte, error) { return nil, nil }
func (rawEncoder) Close() error             { return nil }

type rawDecoder struct{}

func (rawDecoder) Decode(data []byte) (*VideoFrame, error) { return UnpackRawFrame(data) }
func (rawDecoder) Close() error                            { return nil }

func rawCodec() *Codec {
	return &Codec{
		Name:         "rawvideo",
		EncodingName: "X-RAWVIDEO",
		ClockRate:    90000,
		KeyFrame:     func([]byte) bool { return true },
		NewEncoder:   func(CodecParams) (FrameEncoder, error) { return rawEncoder{}, nil },
		NewDecoder:   func(CodecParams) (FrameDecoder, error) { return rawDecoder{}, nil },
	}
}
