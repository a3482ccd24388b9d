package rtp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/srtp/v2"
	"github.com/sirupsen/logrus"
)

// srtpSession holds the outbound and inbound crypto contexts. Each context
// is guarded by its own mutex because reads of RTP and RTCP happen on
// different goroutines.
type srtpSession struct {
	outMu sync.Mutex
	out   *srtp.Context
	inMu  sync.Mutex
	in    *srtp.Context
}

// Master key and salt sizes of the AES_CM_128 suites.
const (
	srtpMasterKeyLen  = 16
	srtpMasterSaltLen = 14
)

// srtpProfiles maps SDES crypto suite names to SRTP protection profiles.
var srtpProfiles = map[string]srtp.ProtectionProfile{
	"AES_CM_128_HMAC_SHA1_80": srtp.ProtectionProfileAes128CmHmacSha1_80,
	"AES_CM_128_HMAC_SHA1_32": srtp.ProtectionProfileAes128CmHmacSha1_32,
}

// newSRTPContext builds a context from a suite name and a base64 inline
// key parameter holding the master key followed by the master salt.
func newSRTPContext(suite, keyParams string) (*srtp.Context, error) {
	profile, ok := srtpProfiles[strings.ToUpper(suite)]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported crypto suite %q", ErrSRTP, suite)
	}
	keyParams = strings.TrimPrefix(keyParams, "inline:")
	if i := strings.IndexByte(keyParams, '|'); i >= 0 {
		keyParams = keyParams[:i]
	}
	material, err := base64.StdEncoding.DecodeString(keyParams)
	if err != nil {
		return nil, fmt.Errorf("%w: decode key: %v", ErrSRTP, err)
	}
	if len(material) != srtpMasterKeyLen+srtpMasterSaltLen {
		return nil, fmt.Errorf("%w: key material is %d bytes, want %d",
			ErrSRTP, len(material), srtpMasterKeyLen+srtpMasterSaltLen)
	}
	ctx, err := srtp.CreateContext(material[:srtpMasterKeyLen], material[srtpMasterKeyLen:], profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSRTP, err)
	}
	return ctx, nil
}

// CreateSRTP enables SRTP/SRTCP protection. Outbound packets are protected
// with the out suite and key, inbound packets authenticated and decrypted
// with the in suite and key. Keys are base64 SDES inline parameters.
func (sp *SocketPair) CreateSRTP(outSuite, outKey, inSuite, inKey string) error {
	out, err := newSRTPContext(outSuite, outKey)
	if err != nil {
		return fmt.Errorf("outbound: %w", err)
	}
	in, err := newSRTPContext(inSuite, inKey)
	if err != nil {
		return fmt.Errorf("inbound: %w", err)
	}
	sp.srtpMu.Lock()
	sp.srtp = &srtpSession{out: out, in: in}
	sp.srtpMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "SocketPair.CreateSRTP",
		"out_suite": outSuite,
		"in_suite":  inSuite,
	}).Info("SRTP enabled")
	return nil
}

func (sp *SocketPair) session() *srtpSession {
	sp.srtpMu.RLock()
	defer sp.srtpMu.RUnlock()
	return sp.srtp
}

// protect encrypts an outbound datagram when SRTP is enabled.
func (sp *SocketPair) protect(buf []byte, rtcp bool) ([]byte, error) {
	s := sp.session()
	if s == nil {
		return buf, nil
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	var out []byte
	var err error
	if rtcp {
		out, err = s.out.EncryptRTCP(nil, buf, nil)
	} else {
		out, err = s.out.EncryptRTP(nil, buf, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: protect: %v", ErrSRTP, err)
	}
	return out, nil
}

// unprotect decrypts an inbound datagram in buf[:n] in place when SRTP is
// enabled and returns the plaintext length.
func (sp *SocketPair) unprotect(buf []byte, n int) (int, error) {
	s := sp.session()
	if s == nil {
		return n, nil
	}
	s.inMu.Lock()
	defer s.inMu.Unlock()
	var out []byte
	var err error
	if IsRTCP(buf[1]) {
		out, err = s.in.DecryptRTCP(nil, buf[:n], nil)
	} else {
		out, err = s.in.DecryptRTP(nil, buf[:n], nil)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: unprotect: %v", ErrSRTP, err)
	}
	return copy(buf, out), nil
}
