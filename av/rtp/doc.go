// Package rtp provides the UDP transport of one media stream: an RTP socket
// and its companion RTCP socket on the next port, with interruptible reads
// and writes and optional SRTP protection.
//
// # Socket pair
//
//	sp, err := rtp.NewSocketPair("rtp://10.0.0.2:5004", 6000)
//	if err != nil {
//	    return err // *rtp.SocketCreationError
//	}
//	defer sp.Close()
//
//	enc.SetIOContext(sp.CreateIOContext())
//
// RTP is bound to the local port and sent to the destination port; RTCP
// uses port+1 on both sides. Datagrams are routed by the packet type in
// their second byte, so one write callback serves both streams.
//
// # Interruption
//
// Reads and writes poll with a NetPollTimeout deadline and re-check the
// interrupt flag between polls, so after Interrupt every blocked call
// returns ErrInterrupted within one timeout.
//
// # RTCP
//
// NewKeyFrameRequest and IsKeyFrameRequest build and recognize Picture
// Loss Indication and Full Intra Request feedback; NewSenderReport builds
// periodic sender reports.
package rtp
