package video

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// VideoEncoder compresses frames with a registered codec and writes them
// through a container muxer.
//
// Typical lifecycle:
//
//	enc := video.NewVideoEncoder()
//	enc.SetOptions(args)
//	enc.SetIOContext(socketPair.CreateIOContext())
//	if err := enc.OpenOutput("mjpeg", "rtp", "rtp://10.0.0.2:5004", "video/mjpeg"); err != nil { ... }
//	if err := enc.StartIO(); err != nil { ... }
//	enc.Encode(frame, false, n)
//	enc.Flush()
//	enc.Close()
type VideoEncoder struct {
	mu          sync.Mutex
	options     map[string]string
	params      CodecParams
	codec       *Codec
	enc         FrameEncoder
	format      *OutputFormat
	muxer       Muxer
	io          *IOContext
	interrupt   func() bool
	destination string
	scaler      *Scaler
	scaled      *VideoFrame
	started     bool
	sdp         string
	ssrc        uint32
}

// NewVideoEncoder creates an encoder handle. It is unusable until
// OpenOutput succeeds.
func NewVideoEncoder() *VideoEncoder {
	return &VideoEncoder{
		options: make(map[string]string),
		scaler:  NewScaler(),
		scaled:  NewVideoFrame(),
	}
}

// SetOptions merges the configuration map (bitrate, width, height,
// framerate, parameters, payload_type) applied by OpenOutput.
func (e *VideoEncoder) SetOptions(opts map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	maps.Copy(e.options, opts)
}

// SetIOContext routes container output through custom I/O.
func (e *VideoEncoder) SetIOContext(io *IOContext) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.io = io
}

// SetInterruptCallback installs a predicate polled before every write;
// when it returns true pending and future writes fail with ErrInterrupted.
func (e *VideoEncoder) SetInterruptCallback(cb func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupt = cb
}

// OpenOutput resolves the codec and container and applies the
// configuration map.
//
// Parameters:
//   - codecName: Registered codec name, e.g. "mjpeg"
//   - containerName: Registered container short name, e.g. "rtp"
//   - destination: Container destination, e.g. "rtp://host:port"
//   - mime: Optional MIME type; must be a video type when set
//
// Returns:
//   - error: an *EncoderError when the codec or container is unavailable
//     or the configuration is invalid
func (e *VideoEncoder) OpenOutput(codecName, containerName, destination, mime string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "VideoEncoder.OpenOutput",
		"codec":       codecName,
		"container":   containerName,
		"destination": destination,
	}).Info("Opening video output")

	if mime != "" && !strings.HasPrefix(mime, "video/") {
		return &EncoderError{Op: "open output", Err: fmt.Errorf("%w: mime %q", ErrUnsupportedFormat, mime)}
	}
	codec, err := LookupCodec(codecName)
	if err != nil {
		return &EncoderError{Op: "find codec", Err: err}
	}
	if codec.NewEncoder == nil {
		return &EncoderError{Op: "find codec", Err: fmt.Errorf("%w: %s", ErrEncoderUnavailable, codec.Name)}
	}
	format, err := LookupOutputFormat(containerName)
	if err != nil {
		return &EncoderError{Op: "find container", Err: err}
	}
	params, err := paramsFromOptions(e.options)
	if err != nil {
		return &EncoderError{Op: "configure", Err: err}
	}
	if params.Width <= 0 || params.Height <= 0 {
		return &EncoderError{Op: "configure", Err: fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, params.Width, params.Height)}
	}
	enc, err := codec.NewEncoder(params)
	if err != nil {
		return &EncoderError{Op: "open codec", Err: err}
	}

	e.codec = codec
	e.format = format
	e.params = params
	e.enc = enc
	e.destination = destination
	e.started = false
	return nil
}

// StartIO creates the muxer and writes the container header.
func (e *VideoEncoder) StartIO() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return &EncoderError{Op: "start io", Err: ErrNotOpened}
	}
	io := e.ioContext()
	muxer, err := e.format.NewMuxer(e.destination, StreamInfo{CodecName: e.codec.Name, Params: e.params}, io)
	if err != nil {
		return &EncoderError{Op: "create muxer", Err: err}
	}
	if err := muxer.WriteHeader(); err != nil {
		return &EncoderError{Op: "write header", Err: err}
	}
	if d, ok := muxer.(interface{ SDP() string }); ok {
		e.sdp = d.SDP()
	}
	if s, ok := muxer.(interface{ SSRC() uint32 }); ok {
		e.ssrc = s.SSRC()
	}
	e.muxer = muxer
	e.started = true

	logrus.WithFields(logrus.Fields{
		"function": "VideoEncoder.StartIO",
		"codec":    e.codec.Name,
		"size":     fmt.Sprintf("%dx%d", e.params.Width, e.params.Height),
	}).Info("Video output started")
	return nil
}

// ioContext merges the interrupt callback into the caller's I/O context.
func (e *VideoEncoder) ioContext() *IOContext {
	if e.io == nil {
		return nil
	}
	io := *e.io
	if e.interrupt != nil {
		prev := io.Interrupted
		cb := e.interrupt
		io.Interrupted = func() bool { return cb() || (prev != nil && prev()) }
	}
	return &io
}

// Encode compresses one frame and writes the resulting packet.
//
// Frames whose geometry differs from the configured output are scaled
// first. frameNumber stamps the presentation timestamp.
//
// Parameters:
//   - frame: Picture to encode
//   - isKeyFrame: Force an intra frame
//   - frameNumber: Monotonic frame counter of the stream
//
// Returns:
//   - int: Size of the compressed access unit
//   - error: Any error that occurred during encoding or writing
func (e *VideoEncoder) Encode(frame *VideoFrame, isKeyFrame bool, frameNumber int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return 0, ErrNotOpened
	}
	if frame == nil || !frame.Allocated() {
		return 0, fmt.Errorf("%w: nothing to encode", ErrInvalidFrame)
	}
	if e.interrupt != nil && e.interrupt() {
		return 0, ErrInterrupted
	}
	input := frame
	if frame.Format != e.params.Format || frame.Width != e.params.Width || frame.Height != e.params.Height {
		if err := e.scaled.Alloc(e.params.Format, e.params.Width, e.params.Height); err != nil {
			return 0, err
		}
		if err := e.scaler.Scale(frame, e.scaled); err != nil {
			return 0, fmt.Errorf("scale to encoder size: %w", err)
		}
		input = e.scaled
	}
	data, key, err := e.enc.Encode(input, isKeyFrame)
	if err != nil {
		return 0, fmt.Errorf("encode frame %d: %w", frameNumber, err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	pkt := VideoPacket{Data: data, PTS: frameNumber, KeyFrame: key || isKeyFrame, PayloadType: e.params.PayloadType}
	if err := e.muxer.WritePacket(&pkt); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Flush drains buffered access units and writes the container trailer.
func (e *VideoEncoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	pending, err := e.enc.Flush()
	if err != nil {
		return fmt.Errorf("flush encoder: %w", err)
	}
	for _, data := range pending {
		pkt := VideoPacket{Data: data, PayloadType: e.params.PayloadType}
		if err := e.muxer.WritePacket(&pkt); err != nil {
			return err
		}
	}
	return e.muxer.WriteTrailer()
}

// SDP returns the session description produced by the container header,
// if the container produces one.
func (e *VideoEncoder) SDP() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sdp
}

// SSRC returns the RTP synchronization source of the output stream.
func (e *VideoEncoder) SSRC() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ssrc
}

// Width returns the configured output width.
func (e *VideoEncoder) Width() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Width
}

// Height returns the configured output height.
func (e *VideoEncoder) Height() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Height
}

// Close releases the codec. The encoder cannot be reused afterwards.
func (e *VideoEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	if e.enc == nil {
		return nil
	}
	err := e.enc.Close()
	e.enc = nil
	e.muxer = nil
	e.scaled.Release()
	return err
}
