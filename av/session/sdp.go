package session

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/opd-ai/mediacore/av/video"
	"github.com/opd-ai/mediacore/config"
)

// Direction is the negotiated media direction of the video stream.
type Direction struct {
	Sending   bool
	Receiving bool
}

// DirectionFromSDP derives the sending and receiving flags from a session
// description or from a bare media section.
//
// The direction keyword of the video section wins over a session level
// one; sendrecv is assumed when neither is present. A video port of zero
// always disables receiving.
func DirectionFromSDP(text string) Direction {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(text)); err == nil {
		for _, md := range sd.MediaDescriptions {
			if md.MediaName.Media != "video" {
				continue
			}
			keyword := directionKeyword(md.Attributes)
			if keyword == "" {
				keyword = directionKeyword(sd.Attributes)
			}
			d := directionFromKeyword(keyword)
			if md.MediaName.Port.Value == 0 {
				d.Receiving = false
			}
			return d
		}
		return Direction{}
	}
	return directionFromText(text)
}

func directionKeyword(attrs []sdp.Attribute) string {
	for _, a := range attrs {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return a.Key
		}
	}
	return ""
}

func directionFromKeyword(keyword string) Direction {
	switch keyword {
	case "sendonly":
		return Direction{Sending: true}
	case "recvonly":
		return Direction{Receiving: true}
	case "inactive":
		return Direction{}
	}
	return Direction{Sending: true, Receiving: true}
}

// textDirections is the order in which direction keywords are searched in
// text the SDP parser rejects. sendrecv wins over every other keyword.
var textDirections = []string{"sendrecv", "inactive", "sendonly", "recvonly"}

// directionFromText handles input the SDP parser rejects, such as a lone
// media section or a bare direction keyword. Keywords match anywhere in
// the text; a video section on port 0 still disables receiving.
func directionFromText(text string) Direction {
	keyword := ""
	for _, k := range textDirections {
		if strings.Contains(text, k) {
			keyword = k
			break
		}
	}
	d := directionFromKeyword(keyword)
	for _, line := range strings.Split(text, "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == "m=video" && f[1] == "0" {
			d.Receiving = false
		}
	}
	return d
}

// OfferSDP renders the session description of the video stream cfg's
// encoder sends to host:port, with the given direction keyword.
func OfferSDP(cfg *config.Config, host string, port int, direction string) (string, error) {
	args := cfg.EncoderArgs()
	text, err := video.DescribeStream(host, port, cfg.Encoder.Codec, args)
	if err != nil {
		return "", err
	}
	if direction == "" {
		return text, nil
	}
	if directionFromKeyword(direction) == (Direction{Sending: true, Receiving: true}) && direction != "sendrecv" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return "", fmt.Errorf("parse generated description: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "video" {
			md.WithPropertyAttribute(direction)
		}
	}
	raw, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal session description: %w", err)
	}
	return string(raw), nil
}
