package video

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// CodecParams carries the stream parameters shared by encoders, decoders
// and containers.
type CodecParams struct {
	Width       int
	Height      int
	Format      PixelFormat
	Bitrate     int // kbit/s
	Framerate   float64
	PayloadType uint8
	MTU         int    // largest datagram a muxer may produce, 0 for the default
	Parameters  string // codec specific "key=value;key=value" string
}

// Param returns one value from the Parameters string.
func (p CodecParams) Param(key string) (string, bool) {
	for _, kv := range strings.Split(p.Parameters, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && strings.EqualFold(k, key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// clockTicksPerFrame returns the RTP timestamp increment of one frame.
func (p CodecParams) clockTicksPerFrame(clockRate uint32) uint32 {
	fps := p.Framerate
	if fps <= 0 {
		fps = 30
	}
	return uint32(float64(clockRate) / fps)
}

// paramsFromOptions builds CodecParams from an encoder/decoder configuration
// map. Unknown keys are ignored.
func paramsFromOptions(opts map[string]string) (CodecParams, error) {
	p := CodecParams{Format: FormatI420, Framerate: 30, PayloadType: 96}
	for key, value := range opts {
		var err error
		switch key {
		case "width":
			p.Width, err = strconv.Atoi(value)
		case "height":
			p.Height, err = strconv.Atoi(value)
		case "bitrate":
			p.Bitrate, err = strconv.Atoi(value)
		case "framerate":
			p.Framerate, err = strconv.ParseFloat(value, 64)
		case "payload_type":
			var pt uint64
			pt, err = strconv.ParseUint(value, 10, 7)
			p.PayloadType = uint8(pt)
		case "mtu":
			p.MTU, err = strconv.Atoi(value)
		case "parameters":
			p.Parameters = value
		case "pixel_format":
			p.Format, err = ParsePixelFormat(value)
		case "video_size":
			w, h, ok := strings.Cut(value, "x")
			if !ok {
				return p, fmt.Errorf("invalid video_size %q", value)
			}
			if p.Width, err = strconv.Atoi(w); err == nil {
				p.Height, err = strconv.Atoi(h)
			}
		}
		if err != nil {
			return p, fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}
	return p, nil
}

// FrameEncoder compresses frames of one stream.
type FrameEncoder interface {
	// Encode compresses frame. forceKey requests an intra frame. It returns
	// the compressed access unit and whether it is a key frame.
	Encode(frame *VideoFrame, forceKey bool) ([]byte, bool, error)
	// Flush drains access units still buffered by the encoder.
	Flush() ([][]byte, error)
	Close() error
}

// FrameDecoder decompresses access units of one stream.
type FrameDecoder interface {
	// Decode returns the decoded picture, or a nil frame and nil error when
	// data did not complete a picture.
	Decode(data []byte) (*VideoFrame, error)
	Close() error
}

// Codec describes one registered codec. NewEncoder or NewDecoder may be
// nil when the direction is not implemented.
type Codec struct {
	Name         string
	EncodingName string // RTP/SDP encoding name
	ClockRate    uint32
	// KeyFrame reports whether an access unit starts an intra frame.
	KeyFrame   func(data []byte) bool
	NewEncoder func(p CodecParams) (FrameEncoder, error)
	NewDecoder func(p CodecParams) (FrameDecoder, error)
}

var (
	registryMu    sync.RWMutex
	codecRegistry = map[string]*Codec{}
	outputFormats = map[string]*OutputFormat{}
	inputFormats  = map[string]*InputFormat{}
)

// RegisterCodec adds or replaces a codec in the process-wide registry.
func RegisterCodec(c *Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	codecRegistry[strings.ToLower(c.Name)] = c
}

// LookupCodec finds a codec by name.
func LookupCodec(name string) (*Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if c, ok := codecRegistry[strings.ToLower(name)]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrCodecNotFound, name)
}

// LookupCodecByEncodingName finds the codec advertised under an SDP
// encoding name such as "VP8".
func LookupCodecByEncodingName(encoding string) (*Codec, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, c := range codecRegistry {
		if strings.EqualFold(c.EncodingName, encoding) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: encoding %q", ErrCodecNotFound, encoding)
}

// CodecNames lists the registered codecs in sorted order.
func CodecNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(codecRegistry))
	for n := range codecRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
