package video

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ParseSDPStream extracts the first video stream of a session description.
func ParseSDPStream(text string) (StreamInfo, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return StreamInfo{}, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "video" || len(md.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 7)
		if err != nil {
			return StreamInfo{}, fmt.Errorf("%w: payload type %q", ErrInvalidSDP, md.MediaName.Formats[0])
		}
		desc, err := sd.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			return StreamInfo{}, fmt.Errorf("%w: payload type %d: %v", ErrInvalidSDP, pt, err)
		}
		codec, err := LookupCodecByEncodingName(desc.Name)
		if err != nil {
			return StreamInfo{}, err
		}
		params := CodecParams{
			Format:      FormatI420,
			Framerate:   30,
			PayloadType: uint8(pt),
			Parameters:  desc.Fmtp,
		}
		if v, ok := params.Param("width"); ok {
			params.Width, _ = strconv.Atoi(v)
		}
		if v, ok := params.Param("height"); ok {
			params.Height, _ = strconv.Atoi(v)
		}
		if v, ok := md.Attribute("framerate"); ok {
			if fps, err := strconv.ParseFloat(v, 64); err == nil && fps > 0 {
				params.Framerate = fps
			}
		}
		return StreamInfo{CodecName: codec.Name, Params: params}, nil
	}
	return StreamInfo{}, fmt.Errorf("%w: no video media section", ErrInvalidSDP)
}

// describeStream renders the session description of an outgoing RTP
// stream sent to host:port.
func describeStream(host string, port int, ssrc uint32, codec *Codec, p CodecParams) (string, error) {
	addrType := "IP4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	pt := strconv.Itoa(int(p.PayloadType))
	attrs := []sdp.Attribute{
		sdp.NewAttribute("rtpmap", fmt.Sprintf("%s %s/%d", pt, codec.EncodingName, codec.ClockRate)),
	}
	var fmtp []string
	if p.Width > 0 && p.Height > 0 {
		fmtp = append(fmtp, fmt.Sprintf("width=%d", p.Width), fmt.Sprintf("height=%d", p.Height))
	}
	if p.Parameters != "" {
		fmtp = append(fmtp, p.Parameters)
	}
	if len(fmtp) > 0 {
		attrs = append(attrs, sdp.NewAttribute("fmtp", pt+" "+strings.Join(fmtp, ";")))
	}
	if p.Framerate > 0 {
		attrs = append(attrs, sdp.NewAttribute("framerate", strconv.FormatFloat(p.Framerate, 'f', -1, 64)))
	}
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(ssrc),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "mediacore",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
			Attributes: attrs,
		}},
	}
	raw, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(raw), nil
}

// DescribeStream renders the session description a VideoEncoder configured
// with opts would announce for a stream sent to host:port. Receivers use it
// to open the stream before the sender has started.
func DescribeStream(host string, port int, codecName string, opts map[string]string) (string, error) {
	codec, err := LookupCodec(codecName)
	if err != nil {
		return "", err
	}
	params, err := paramsFromOptions(opts)
	if err != nil {
		return "", err
	}
	return describeStream(host, port, 0, codec, params)
}
