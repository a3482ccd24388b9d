package video

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMTU bounds the size of one RTP datagram.
	DefaultMTU = 1200
	// rtpMaxPacketLength is the receive buffer size for one datagram.
	rtpMaxPacketLength = 8192
	// rtpHeaderSize is the fixed RTP header without CSRCs or extensions.
	rtpHeaderSize = 12
)

// Fragment descriptor flags prefixed to every payload of codecs without a
// standard RTP payload format.
const (
	fragmentStart = 0x80
	fragmentKey   = 0x40
)

// fragmentPayloader splits an access unit into MTU-sized payloads, each
// prefixed by a one byte descriptor.
type fragmentPayloader struct {
	keyFrame bool
}

// Payload implements rtp.Payloader.
func (f *fragmentPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	chunk := int(mtu) - 1
	if chunk <= 0 || len(payload) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(payload)+chunk-1)/chunk)
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		p := make([]byte, 1+end-off)
		if off == 0 {
			p[0] |= fragmentStart
		}
		if f.keyFrame {
			p[0] |= fragmentKey
		}
		copy(p[1:], payload[off:end])
		out = append(out, p)
	}
	return out
}

// parseRTPDestination splits "rtp://host:port" into host and port.
func parseRTPDestination(dest string) (string, int, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", 0, fmt.Errorf("parse destination %q: %w", dest, err)
	}
	if u.Scheme != "rtp" && u.Scheme != "srtp" {
		return "", 0, fmt.Errorf("destination %q: unsupported scheme %q", dest, u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("destination %q: %w", dest, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("destination %q: invalid port %q", dest, portStr)
	}
	return host, port, nil
}

// rtpMuxer packetizes encoded frames and writes them through the I/O
// context, one datagram per Write call.
type rtpMuxer struct {
	io        *IOContext
	codec     *Codec
	params    CodecParams
	host      string
	port      int
	ssrc      uint32
	sequencer rtp.Sequencer
	payloader rtp.Payloader
	mtu       uint16
	ticks     uint32
	sdp       string
}

func newRTPMuxer(destination string, stream StreamInfo, io *IOContext) (Muxer, error) {
	if io == nil {
		return nil, ErrNoIOContext
	}
	codec, err := LookupCodec(stream.CodecName)
	if err != nil {
		return nil, err
	}
	host, port, err := parseRTPDestination(destination)
	if err != nil {
		return nil, err
	}
	m := &rtpMuxer{
		io:        io,
		codec:     codec,
		params:    stream.Params,
		host:      host,
		port:      port,
		ssrc:      rand.Uint32(),
		sequencer: rtp.NewRandomSequencer(),
		mtu:       DefaultMTU,
		ticks:     stream.Params.clockTicksPerFrame(codec.ClockRate),
	}
	mtu := stream.Params.MTU
	if v, ok := stream.Params.Param("mtu"); ok {
		mtu, _ = strconv.Atoi(v)
	}
	if mtu > rtpHeaderSize+16 && mtu <= 0xffff {
		m.mtu = uint16(mtu)
	}
	if codec.Name == "vp8" {
		m.payloader = &codecs.VP8Payloader{EnablePictureID: true}
	} else {
		m.payloader = &fragmentPayloader{}
	}
	return m, nil
}

// WriteHeader renders the session description of the stream. Nothing is
// sent on the wire.
func (m *rtpMuxer) WriteHeader() error {
	sdp, err := describeStream(m.host, m.port, m.ssrc, m.codec, m.params)
	if err != nil {
		return err
	}
	m.sdp = sdp
	return nil
}

// SDP returns the description rendered by WriteHeader.
func (m *rtpMuxer) SDP() string { return m.sdp }

// SSRC returns the synchronization source of the stream.
func (m *rtpMuxer) SSRC() uint32 { return m.ssrc }

func (m *rtpMuxer) WritePacket(pkt *VideoPacket) error {
	if fp, ok := m.payloader.(*fragmentPayloader); ok {
		fp.keyFrame = pkt.KeyFrame
	}
	payloads := m.payloader.Payload(m.mtu-rtpHeaderSize, pkt.Data)
	if len(payloads) == 0 {
		return fmt.Errorf("%w: empty access unit", ErrInvalidFrame)
	}
	ts := uint32(pkt.PTS) * m.ticks
	for i, payload := range payloads {
		p := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    m.params.PayloadType,
				SequenceNumber: m.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           m.ssrc,
			},
			Payload: payload,
		}
		raw, err := p.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp packet: %w", err)
		}
		if _, err := m.io.write(raw); err != nil {
			return fmt.Errorf("write rtp packet: %w", err)
		}
	}
	return nil
}

func (m *rtpMuxer) WriteTrailer() error { return nil }

// rtpDemuxer reads datagrams from the I/O context and reassembles access
// units of the stream described by an SDP.
type rtpDemuxer struct {
	io        *IOContext
	stream    StreamInfo
	codec     *Codec
	buf       []byte
	assembler *frameAssembler
}

func openRTPInput(resource string, opts map[string]string, io *IOContext) (Demuxer, error) {
	if io == nil {
		return nil, ErrNoIOContext
	}
	text := opts["sdp"]
	if text == "" {
		text = resource
	}
	stream, err := ParseSDPStream(text)
	if err != nil {
		return nil, err
	}
	codec, err := LookupCodec(stream.CodecName)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":     "openRTPInput",
		"codec":        codec.Name,
		"payload_type": stream.Params.PayloadType,
	}).Info("Opened RTP input")
	return &rtpDemuxer{
		io:        io,
		stream:    stream,
		codec:     codec,
		buf:       make([]byte, rtpMaxPacketLength),
		assembler: newFrameAssembler(DefaultTimeProvider{}),
	}, nil
}

func (d *rtpDemuxer) Stream() StreamInfo { return d.stream }

func (d *rtpDemuxer) Close() error { return nil }

// ReadPacket blocks until a complete access unit has been reassembled.
func (d *rtpDemuxer) ReadPacket(pkt *VideoPacket) error {
	for {
		n, err := d.io.read(d.buf)
		if err != nil {
			return err
		}
		if n < rtpHeaderSize || isRTCPPayloadType(d.buf[1]) {
			continue
		}
		var p rtp.Packet
		if err := p.Unmarshal(d.buf[:n]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "rtpDemuxer.ReadPacket",
				"size":     n,
				"error":    err.Error(),
			}).Debug("Dropping malformed RTP packet")
			continue
		}
		if p.PayloadType != d.stream.Params.PayloadType {
			continue
		}
		frag, err := d.fragment(&p)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "rtpDemuxer.ReadPacket",
				"sequence": p.SequenceNumber,
				"error":    err.Error(),
			}).Debug("Dropping undecodable RTP payload")
			continue
		}
		data, ok := d.assembler.push(p.Timestamp, frag)
		if !ok {
			continue
		}
		pkt.Data = append(pkt.Data[:0], data...)
		pkt.PTS = int64(p.Timestamp)
		pkt.PayloadType = p.PayloadType
		pkt.KeyFrame = d.codec.KeyFrame != nil && d.codec.KeyFrame(data)
		return nil
	}
}

// fragment strips the payload descriptor of one RTP packet.
func (d *rtpDemuxer) fragment(p *rtp.Packet) (fragment, error) {
	f := fragment{seq: p.SequenceNumber, marker: p.Marker}
	if d.codec.Name == "vp8" {
		var vp codecs.VP8Packet
		data, err := vp.Unmarshal(p.Payload)
		if err != nil {
			return f, err
		}
		f.start = vp.S == 1 && vp.PID == 0
		f.data = append([]byte(nil), data...)
		return f, nil
	}
	if len(p.Payload) < 1 {
		return f, errors.New("missing fragment descriptor")
	}
	f.start = p.Payload[0]&fragmentStart != 0
	f.data = append([]byte(nil), p.Payload[1:]...)
	return f, nil
}

// isRTCPPayloadType classifies the second byte of a datagram. RTCP packet
// types 192-195 and 200-210 collide with the RTP marker bit plus payload
// types 64-67 and 72-82.
func isRTCPPayloadType(b byte) bool {
	return (b >= 192 && b <= 195) || (b >= 200 && b <= 210)
}

// fragment is one depacketized RTP payload.
type fragment struct {
	seq    uint16
	marker bool
	start  bool
	data   []byte
}

// frameAssembly collects the fragments of one RTP timestamp.
type frameAssembly struct {
	timestamp    uint32
	fragments    []fragment
	hasStart     bool
	startSeq     uint16
	hasMarker    bool
	lastActivity time.Time
}

// frameAssembler reassembles access units keyed by RTP timestamp. A frame
// is complete when its start and marker fragments and every sequence
// number between them have arrived.
type frameAssembler struct {
	frames       map[uint32]*frameAssembly
	maxFrames    int
	maxAge       time.Duration
	timeProvider TimeProvider
}

func newFrameAssembler(tp TimeProvider) *frameAssembler {
	return &frameAssembler{
		frames:       make(map[uint32]*frameAssembly),
		maxFrames:    10,
		maxAge:       time.Second,
		timeProvider: tp,
	}
}

// push adds a fragment and returns the access unit once it is complete.
func (a *frameAssembler) push(ts uint32, f fragment) ([]byte, bool) {
	fa, ok := a.frames[ts]
	if !ok {
		a.evict()
		fa = &frameAssembly{timestamp: ts}
		a.frames[ts] = fa
	}
	fa.fragments = append(fa.fragments, f)
	fa.lastActivity = a.timeProvider.Now()
	if f.start {
		fa.hasStart = true
		fa.startSeq = f.seq
	}
	if f.marker {
		fa.hasMarker = true
	}
	if !fa.hasStart || !fa.hasMarker {
		return nil, false
	}
	data, ok := fa.reassemble()
	if !ok {
		return nil, false
	}
	delete(a.frames, ts)
	a.dropOlderThan(ts)
	return data, true
}

// evict makes room for a new assembly, dropping stale frames first and the
// oldest one if the buffer is still full.
func (a *frameAssembler) evict() {
	if len(a.frames) < a.maxFrames {
		return
	}
	now := a.timeProvider.Now()
	for ts, fa := range a.frames {
		if now.Sub(fa.lastActivity) > a.maxAge {
			delete(a.frames, ts)
		}
	}
	if len(a.frames) < a.maxFrames {
		return
	}
	var oldest *frameAssembly
	for _, fa := range a.frames {
		if oldest == nil || fa.lastActivity.Before(oldest.lastActivity) {
			oldest = fa
		}
	}
	delete(a.frames, oldest.timestamp)
}

// dropOlderThan discards incomplete frames preceding a completed one.
func (a *frameAssembler) dropOlderThan(ts uint32) {
	for t := range a.frames {
		if int32(t-ts) < 0 {
			delete(a.frames, t)
		}
	}
}

// reassemble concatenates fragments from the start to the marker fragment,
// failing on sequence gaps.
func (fa *frameAssembly) reassemble() ([]byte, bool) {
	bySeq := make(map[uint16]fragment, len(fa.fragments))
	for _, f := range fa.fragments {
		bySeq[f.seq] = f
	}
	var out []byte
	seq := fa.startSeq
	for i := 0; i <= len(bySeq); i++ {
		f, ok := bySeq[seq]
		if !ok {
			return nil, false
		}
		out = append(out, f.data...)
		if f.marker {
			return out, true
		}
		seq++
	}
	return nil, false
}
