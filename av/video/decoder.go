package video

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DecodeStatus is the outcome of one VideoDecoder.Decode call.
type DecodeStatus int

const (
	// DecodeSuccess means a packet was consumed without completing a picture.
	DecodeSuccess DecodeStatus = iota
	// DecodeFrameFinished means the frame argument now holds a new picture.
	DecodeFrameFinished
	// DecodeReadError means the input failed or was interrupted. It is fatal
	// for the decoding loop.
	DecodeReadError
	// DecodeError means the codec rejected the packet. The caller rebuilds
	// the decoder and requests a key frame.
	DecodeError
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeSuccess:
		return "Success"
	case DecodeFrameFinished:
		return "FrameFinished"
	case DecodeReadError:
		return "ReadError"
	case DecodeError:
		return "DecodeError"
	}
	return fmt.Sprintf("DecodeStatus(%d)", int(s))
}

// VideoDecoder reads packets from a demuxer and decodes them.
type VideoDecoder struct {
	mu        sync.Mutex
	options   map[string]string
	io        *IOContext
	interrupt func() bool
	demuxer   Demuxer
	codec     *Codec
	dec       FrameDecoder
	stream    StreamInfo
	lastErr   error

	keyFrameSeen  atomic.Bool
	firstPacket   chan struct{}
	firstKeyFrame chan struct{}
	packetOnce    sync.Once
	keyOnce       sync.Once
}

// NewVideoDecoder creates a decoder handle. Open it with OpenInput,
// SetupFromVideoData or OpenDemuxer.
func NewVideoDecoder() *VideoDecoder {
	return &VideoDecoder{
		options:       make(map[string]string),
		firstPacket:   make(chan struct{}),
		firstKeyFrame: make(chan struct{}),
	}
}

// SetOptions merges demuxer options such as framerate or video_size.
func (d *VideoDecoder) SetOptions(opts map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	maps.Copy(d.options, opts)
}

// SetIOContext routes network input through custom I/O.
func (d *VideoDecoder) SetIOContext(io *IOContext) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.io = io
}

// SetInterruptCallback installs a predicate that aborts blocking reads.
func (d *VideoDecoder) SetInterruptCallback(cb func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupt = cb
}

// OpenInput opens resource with the named input format, e.g. "image2" for
// a still picture or "v4l2" for a camera.
func (d *VideoDecoder) OpenInput(resource, formatName string) error {
	format, err := LookupInputFormat(formatName)
	if err != nil {
		return err
	}
	d.mu.Lock()
	opts := maps.Clone(d.options)
	io := d.ioContext()
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "VideoDecoder.OpenInput",
		"resource": resource,
		"format":   formatName,
	}).Info("Opening video input")

	demuxer, err := format.Open(resource, opts, io)
	if err != nil {
		return fmt.Errorf("open %s input %q: %w", formatName, resource, err)
	}
	if err := d.OpenDemuxer(demuxer); err != nil {
		demuxer.Close()
		return err
	}
	return nil
}

// SetupFromVideoData opens the RTP stream described by an SDP, reading
// datagrams through the I/O context.
func (d *VideoDecoder) SetupFromVideoData(sdp string) error {
	d.SetOptions(map[string]string{"sdp": sdp})
	return d.OpenInput("", "rtp")
}

// OpenDemuxer binds an already opened demuxer and creates the decoder for
// its stream. The decoder takes ownership of demuxer.
func (d *VideoDecoder) OpenDemuxer(demuxer Demuxer) error {
	stream := demuxer.Stream()
	codec, err := LookupCodec(stream.CodecName)
	if err != nil {
		return err
	}
	if codec.NewDecoder == nil {
		return fmt.Errorf("%w: %s", ErrDecoderUnavailable, codec.Name)
	}
	dec, err := codec.NewDecoder(stream.Params)
	if err != nil {
		return fmt.Errorf("open %s decoder: %w", codec.Name, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.demuxer = demuxer
	d.codec = codec
	d.dec = dec
	d.stream = stream
	return nil
}

func (d *VideoDecoder) ioContext() *IOContext {
	if d.io == nil && d.interrupt == nil {
		return nil
	}
	io := IOContext{}
	if d.io != nil {
		io = *d.io
	}
	if d.interrupt != nil {
		prev := io.Interrupted
		cb := d.interrupt
		io.Interrupted = func() bool { return cb() || (prev != nil && prev()) }
	}
	return &io
}

// Decode reads one packet into the caller-scoped packet and decodes it
// into frame.
func (d *VideoDecoder) Decode(frame *VideoFrame, packet *VideoPacket) DecodeStatus {
	d.mu.Lock()
	demuxer, dec := d.demuxer, d.dec
	d.mu.Unlock()
	if demuxer == nil || dec == nil {
		d.setErr(ErrNotOpened)
		return DecodeReadError
	}

	packet.Reset()
	if err := demuxer.ReadPacket(packet); err != nil {
		d.setErr(err)
		if !errors.Is(err, ErrInterrupted) {
			logrus.WithFields(logrus.Fields{
				"function": "VideoDecoder.Decode",
				"error":    err.Error(),
			}).Warn("Failed to read video packet")
		}
		return DecodeReadError
	}
	if len(packet.Data) == 0 {
		return DecodeSuccess
	}
	d.packetOnce.Do(func() { close(d.firstPacket) })

	decoded, err := dec.Decode(packet.Data)
	if err != nil {
		d.setErr(err)
		logrus.WithFields(logrus.Fields{
			"function": "VideoDecoder.Decode",
			"size":     len(packet.Data),
			"error":    err.Error(),
		}).Warn("Failed to decode video packet")
		return DecodeError
	}
	if decoded == nil {
		return DecodeSuccess
	}
	decoded.PTS = packet.PTS
	decoded.KeyFrame = packet.KeyFrame
	frame.moveFrom(decoded)
	if packet.KeyFrame {
		d.keyFrameSeen.Store(true)
		d.keyOnce.Do(func() { close(d.firstKeyFrame) })
	}
	return DecodeFrameFinished
}

func (d *VideoDecoder) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
}

// Err returns the error behind the last failed Decode.
func (d *VideoDecoder) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// FirstPacket is closed once the first access unit has been read.
func (d *VideoDecoder) FirstPacket() <-chan struct{} { return d.firstPacket }

// FirstKeyFrame is closed once the first key frame has been decoded.
func (d *VideoDecoder) FirstKeyFrame() <-chan struct{} { return d.firstKeyFrame }

// KeyFrameSeen reports whether a key frame has been decoded.
func (d *VideoDecoder) KeyFrameSeen() bool { return d.keyFrameSeen.Load() }

// Stream returns the stream description of the opened input.
func (d *VideoDecoder) Stream() StreamInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// Width returns the stream width announced by the input, 0 if unknown.
func (d *VideoDecoder) Width() int { return d.Stream().Params.Width }

// Height returns the stream height announced by the input, 0 if unknown.
func (d *VideoDecoder) Height() int { return d.Stream().Params.Height }

// Format returns the pixel format decoded frames are produced in.
func (d *VideoDecoder) Format() PixelFormat { return d.Stream().Params.Format }

// CodecName returns the name of the codec decoding the stream.
func (d *VideoDecoder) CodecName() string { return d.Stream().CodecName }

// Close releases the codec and the demuxer.
func (d *VideoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.dec != nil {
		errs = append(errs, d.dec.Close())
		d.dec = nil
	}
	if d.demuxer != nil {
		errs = append(errs, d.demuxer.Close())
		d.demuxer = nil
	}
	return errors.Join(errs...)
}
