// Package av is the video media transport core of a peer-to-peer calling
// daemon.
//
// It carries encoded video between two endpoints over RTP, renders the
// decoded pictures into shared memory for an external renderer and
// composites several streams for conferences.
//
// # Architecture
//
// The sub-packages form a pipeline, leaf to root:
//
//   - av/rtp: SocketPair, the RTP/RTCP UDP sockets of one stream with an
//     interrupt flag, optional SRTP, and RTCP key frame requests
//   - av/video: frames, packets, the scaler, the codec registry (rawvideo,
//     mjpeg, vp8) and the rtp container; VideoEncoder and VideoDecoder
//   - av/loop: ThreadLoop, the setup/process/cleanup active object every
//     component runs on
//   - av/observer: Observer/Observable and the frame Generator
//   - av/shm: the shared memory sink and its consumer-side Reader
//   - av/input: VideoInput and VideoInputSelector for v4l2://, display://
//     and file:// sources
//   - av/mixer: VideoMixer, the conference compositor
//   - av/session: VideoSender, VideoReceiveThread, Conference and the
//     VideoRtpSession state machine
//   - av/metrics: Prometheus instrumentation
//
// # Initialization
//
// Call Init once at process start. It applies the log level and registers
// codecs, containers and input formats:
//
//	cfg, err := config.LoadFile("mediacore.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := av.Init(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// # Sessions
//
// A VideoRtpSession is configured from the negotiated session description
// and the peer address, then started on a local port:
//
//	s := session.New(session.Options{ID: callID, Config: cfg, Local: camera})
//	s.UpdateDestination("rtp://192.0.2.7:5004")
//	s.UpdateSDP(remoteSDP)
//	if err := s.Start(5006); err != nil {
//	    // The call continues without the failed direction.
//	}
//	defer s.Stop()
//
// # Thread Safety
//
// Every component owns its goroutine and guards its shared state with its
// own mutex. Components only talk to each other through Attach, Detach and
// frame notification, so no lock is ever held across two components.
package av
