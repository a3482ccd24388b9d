package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// IsRTCP classifies a datagram by its second byte. RTCP packet types
// 192-195 and 200-210 never occur as the marker+payload-type byte of the
// dynamic RTP payload types in use.
func IsRTCP(b byte) bool {
	return (b >= 192 && b <= 195) || (b >= 200 && b <= 210)
}

// NewKeyFrameRequest builds a Picture Loss Indication asking the sender of
// mediaSSRC for a new key frame.
func NewKeyFrameRequest(senderSSRC, mediaSSRC uint32) ([]byte, error) {
	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal PLI: %w", err)
	}
	return buf, nil
}

// IsKeyFrameRequest reports whether an RTCP compound packet carries a
// Picture Loss Indication or a Full Intra Request.
func IsKeyFrameRequest(buf []byte) bool {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return false
	}
	for _, p := range packets {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			return true
		}
	}
	return false
}

// NewSenderReport builds an RTCP sender report for the given stream state.
func NewSenderReport(ssrc, rtpTime uint32, packets, octets uint32, now time.Time) ([]byte, error) {
	buf, err := rtcp.Marshal([]rtcp.Packet{&rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     toNTP(now),
		RTPTime:     rtpTime,
		PacketCount: packets,
		OctetCount:  octets,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal sender report: %w", err)
	}
	return buf, nil
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// RequestKeyFrame sends a Picture Loss Indication for mediaSSRC to the
// RTCP destination.
func (sp *SocketPair) RequestKeyFrame(mediaSSRC uint32) error {
	buf, err := NewKeyFrameRequest(0, mediaSSRC)
	if err != nil {
		return err
	}
	_, err = sp.WriteCallback(buf)
	return err
}
