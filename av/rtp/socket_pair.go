package rtp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/mediacore/av/video"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// NetPollTimeout bounds every blocking socket wait so the interrupt
	// flag is re-checked at least this often.
	NetPollTimeout = 100 * time.Millisecond

	// RTPBufferSize is the largest datagram the muxer produces.
	RTPBufferSize = 1472

	// RTPMaxPacketLength is the receive buffer size for one datagram.
	RTPMaxPacketLength = 8192

	// localPortRetries bounds the attempts to find an ephemeral port whose
	// successor is free for RTCP.
	localPortRetries = 16
)

// Stats counts the traffic of a socket pair.
type Stats struct {
	RTPPacketsSent     uint64
	RTPBytesSent       uint64
	RTPPacketsReceived uint64
	RTPBytesReceived   uint64
	RTCPPacketsSent    uint64
	RTCPPacketsRecv    uint64
}

// SocketPair owns the RTP and RTCP UDP sockets of one media stream.
//
// The destination is fixed at construction. Interrupt makes pending and
// future reads and writes fail with ErrInterrupted.
type SocketPair struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	rtpDest  *net.UDPAddr
	rtcpDest *net.UDPAddr

	interrupted atomic.Bool
	pollTimeout time.Duration
	rtcpWriteMu sync.Mutex

	srtpMu sync.RWMutex
	srtp   *srtpSession

	rtpSent, rtpSentBytes atomic.Uint64
	rtpRecv, rtpRecvBytes atomic.Uint64
	rtcpSent, rtcpRecv    atomic.Uint64

	closeOnce sync.Once
}

// ParseURI splits an "rtp://host:port" destination into host and port.
func ParseURI(uri string) (string, int, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
	}
	if u.Scheme != "rtp" && u.Scheme != "srtp" {
		return "", 0, fmt.Errorf("%w: %q: scheme %q", ErrInvalidURI, uri, u.Scheme)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port >= 65535 {
		return "", 0, fmt.Errorf("%w: %q: port %q", ErrInvalidURI, uri, portStr)
	}
	return host, port, nil
}

// NewSocketPair resolves uri and opens the RTP socket on localPort and the
// RTCP socket on localPort+1. A localPort of 0 picks an ephemeral pair.
//
// Parameters:
//   - uri: Destination in the form rtp://host:port; RTCP goes to port+1
//   - localPort: Local RTP port, 0 for any
//
// Returns:
//   - *SocketPair: The opened socket pair
//   - error: a *SocketCreationError; no socket is left open on failure
func NewSocketPair(uri string, localPort int) (*SocketPair, error) {
	logrus.WithFields(logrus.Fields{
		"function":   "NewSocketPair",
		"uri":        uri,
		"local_port": localPort,
	}).Info("Creating RTP socket pair")

	host, port, err := ParseURI(uri)
	if err != nil {
		return nil, &SocketCreationError{Op: "parse destination", Err: err}
	}
	rtpDest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, &SocketCreationError{Op: "resolve destination", Err: err}
	}
	rtcpDest := &net.UDPAddr{IP: rtpDest.IP, Port: rtpDest.Port + 1, Zone: rtpDest.Zone}

	rtpConn, rtcpConn, err := openLocalPair(localPort)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "NewSocketPair",
			"local_port": localPort,
			"error":      err.Error(),
		}).Error("Socket creation failed")
		return nil, &SocketCreationError{Op: "bind", Err: err}
	}

	sp := &SocketPair{
		rtpConn:     rtpConn,
		rtcpConn:    rtcpConn,
		rtpDest:     rtpDest,
		rtcpDest:    rtcpDest,
		pollTimeout: NetPollTimeout,
	}

	rtpLocal, rtcpLocal := sp.LocalPorts()
	logrus.WithFields(logrus.Fields{
		"function":   "NewSocketPair",
		"rtp_dest":   rtpDest.String(),
		"rtcp_dest":  rtcpDest.String(),
		"rtp_local":  rtpLocal,
		"rtcp_local": rtcpLocal,
	}).Info("RTP socket pair created")
	return sp, nil
}

// openLocalPair binds two consecutive UDP ports, closing whatever was
// opened if the second bind fails.
func openLocalPair(localPort int) (*net.UDPConn, *net.UDPConn, error) {
	attempts := 1
	if localPort == 0 {
		attempts = localPortRetries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
		if err != nil {
			return nil, nil, fmt.Errorf("rtp socket: %w", err)
		}
		rtpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: rtpPort + 1})
		if err == nil {
			return rtpConn, rtcpConn, nil
		}
		rtpConn.Close()
		lastErr = fmt.Errorf("rtcp socket: %w", err)
	}
	return nil, nil, lastErr
}

// LocalPorts returns the bound RTP and RTCP ports.
func (sp *SocketPair) LocalPorts() (int, int) {
	return sp.rtpConn.LocalAddr().(*net.UDPAddr).Port, sp.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

// SetPollTimeout changes the bound on each blocking socket wait. Values
// of zero or less are ignored. Call it before the pair is in use.
func (sp *SocketPair) SetPollTimeout(d time.Duration) {
	if d > 0 {
		sp.pollTimeout = d
	}
}

// Destination returns the remote RTP address.
func (sp *SocketPair) Destination() *net.UDPAddr { return sp.rtpDest }

// Interrupt makes every blocked and future read or write return
// ErrInterrupted within one poll timeout.
func (sp *SocketPair) Interrupt() {
	if sp.interrupted.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "SocketPair.Interrupt",
			"rtp_dest": sp.rtpDest.String(),
		}).Debug("Socket pair interrupted")
	}
}

// Interrupted reports whether Interrupt was called.
func (sp *SocketPair) Interrupted() bool { return sp.interrupted.Load() }

// ReadCallback reads the next RTP datagram into buf, retrying timeouts and
// transient errors until data arrives or the pair is interrupted.
func (sp *SocketPair) ReadCallback(buf []byte) (int, error) {
	n, err := sp.read(sp.rtpConn, buf)
	if err != nil {
		return 0, err
	}
	sp.rtpRecv.Add(1)
	sp.rtpRecvBytes.Add(uint64(n))
	return n, nil
}

// ReadRTCP reads the next RTCP datagram into buf. It follows the same
// retry and interruption rules as ReadCallback.
func (sp *SocketPair) ReadRTCP(buf []byte) (int, error) {
	n, err := sp.read(sp.rtcpConn, buf)
	if err != nil {
		return 0, err
	}
	sp.rtcpRecv.Add(1)
	return n, nil
}

func (sp *SocketPair) read(conn *net.UDPConn, buf []byte) (int, error) {
	for {
		if sp.interrupted.Load() {
			return 0, ErrInterrupted
		}
		_ = conn.SetReadDeadline(time.Now().Add(sp.pollTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTransient(err) {
				continue
			}
			if sp.interrupted.Load() {
				return 0, ErrInterrupted
			}
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if n < 2 {
			continue
		}
		n, err = sp.unprotect(buf, n)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SocketPair.read",
				"size":     n,
				"error":    err.Error(),
			}).Debug("Dropping unauthenticated datagram")
			continue
		}
		return n, nil
	}
}

// WriteCallback sends one datagram. RTCP packets, recognized by the packet
// type in their second byte, go to the RTCP destination and are serialized
// under a dedicated mutex; everything else goes to the RTP destination.
// Timeouts and EAGAIN are retried until the pair is interrupted.
func (sp *SocketPair) WriteCallback(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrShortPacket
	}
	conn, dest := sp.rtpConn, sp.rtpDest
	rtcp := IsRTCP(buf[1])
	if rtcp {
		sp.rtcpWriteMu.Lock()
		defer sp.rtcpWriteMu.Unlock()
		conn, dest = sp.rtcpConn, sp.rtcpDest
	}
	out, err := sp.protect(buf, rtcp)
	if err != nil {
		return 0, err
	}
	for {
		if sp.interrupted.Load() {
			return 0, ErrInterrupted
		}
		_ = conn.SetWriteDeadline(time.Now().Add(sp.pollTimeout))
		_, err := conn.WriteToUDP(out, dest)
		if err != nil {
			if isTransient(err) {
				continue
			}
			if sp.interrupted.Load() {
				return 0, ErrInterrupted
			}
			return 0, fmt.Errorf("%w: %v", ErrIO, err)
		}
		break
	}
	if rtcp {
		sp.rtcpSent.Add(1)
	} else {
		sp.rtpSent.Add(1)
		sp.rtpSentBytes.Add(uint64(len(buf)))
	}
	return len(buf), nil
}

// isTransient reports errors the poll loops retry: deadline expiry,
// EAGAIN, EINTR and ICMP port-unreachable feedback from a peer that is not
// listening yet.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNREFUSED)
}

// CreateIOContext binds codec I/O to this socket pair.
func (sp *SocketPair) CreateIOContext() *video.IOContext {
	return &video.IOContext{
		Read:        sp.ReadCallback,
		Write:       sp.WriteCallback,
		Interrupted: sp.Interrupted,
	}
}

// Stats returns a snapshot of the traffic counters.
func (sp *SocketPair) Stats() Stats {
	return Stats{
		RTPPacketsSent:     sp.rtpSent.Load(),
		RTPBytesSent:       sp.rtpSentBytes.Load(),
		RTPPacketsReceived: sp.rtpRecv.Load(),
		RTPBytesReceived:   sp.rtpRecvBytes.Load(),
		RTCPPacketsSent:    sp.rtcpSent.Load(),
		RTCPPacketsRecv:    sp.rtcpRecv.Load(),
	}
}

// Close interrupts the pair and closes both sockets.
func (sp *SocketPair) Close() error {
	var err error
	sp.closeOnce.Do(func() {
		sp.Interrupt()
		err = errors.Join(sp.rtpConn.Close(), sp.rtcpConn.Close())
		logrus.WithFields(logrus.Fields{
			"function": "SocketPair.Close",
			"rtp_dest": sp.rtpDest.String(),
		}).Info("RTP socket pair closed")
	})
	return err
}
