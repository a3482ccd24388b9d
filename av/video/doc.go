// Package video implements the frame, codec and container layer of the
// media core.
//
// # Frames and packets
//
// VideoFrame is an owning handle on one picture in one of the supported
// pixel formats (yuv420p, nv12, rgba, bgra, rgb24). VideoPacket holds one
// compressed access unit and lives for a single encode or decode call.
//
// # Codecs and containers
//
// Codecs and containers are looked up by name in a process-wide registry
// populated explicitly by Init:
//
//	video.Init()
//
//	enc := video.NewVideoEncoder()
//	enc.SetOptions(map[string]string{"width": "640", "height": "480", "bitrate": "800"})
//	enc.SetIOContext(&video.IOContext{Write: conn.Write})
//	if err := enc.OpenOutput("mjpeg", "rtp", "rtp://10.0.0.2:5004", ""); err != nil {
//	    return err
//	}
//	if err := enc.StartIO(); err != nil {
//	    return err
//	}
//	sdp := enc.SDP() // handed to the receiving side
//
// The receiving side opens the same description:
//
//	dec := video.NewVideoDecoder()
//	dec.SetIOContext(&video.IOContext{Read: conn.Read})
//	if err := dec.SetupFromVideoData(sdp); err != nil {
//	    return err
//	}
//	switch dec.Decode(frame, &packet) {
//	case video.DecodeFrameFinished:
//	    // frame holds a new picture
//	case video.DecodeError:
//	    // rebuild the decoder and request a key frame
//	case video.DecodeReadError:
//	    // input closed or interrupted
//	}
//
// Built-in codecs are rawvideo, mjpeg and vp8 (decode only). Capture
// drivers register additional input formats through RegisterInputFormat.
//
// # Scaling
//
// Scaler converts between any pair of geometries and pixel formats,
// caching its conversion context until the geometry changes.
package video
