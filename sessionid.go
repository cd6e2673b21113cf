package opengse

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// Session id layout before base64url encoding:
//
//	version(1) | server addr(4) | server ext id(4) | issued unix ms(8) | random(16) | tag(12)
//
// The tag is a keyed BLAKE2b-256 of everything before it, truncated.
const (
	sessionIDVersion   = 1
	sessionRandomLen   = 16
	sessionTagLen      = 12
	sessionIDBodyLen   = 1 + 4 + 4 + 8 + sessionRandomLen
	sessionIDRawLen    = sessionIDBodyLen + sessionTagLen
	sessionIDEncodeLen = (sessionIDRawLen*8 + 5) / 6
)

var sessionIDEncoding = base64.RawURLEncoding

var errMalformedSessionID = errors.New("opengse: malformed session id")

// SessionIDInfo is the decoded content of a session id.
type SessionIDInfo struct {
	ServerAddr  net.IP
	ServerIDExt uint32
	IssuedAt    time.Time
	Random      [sessionRandomLen]byte

	addr     uint32
	issuedMs int64
	body     []byte
	tag      []byte
}

// DecodeSessionID parses id without verifying its tag.
func DecodeSessionID(id string) (SessionIDInfo, error) {
	var info SessionIDInfo
	if len(id) != sessionIDEncodeLen {
		return info, errors.Wrapf(errMalformedSessionID, "length %d", len(id))
	}
	raw, err := sessionIDEncoding.DecodeString(id)
	if err != nil {
		return info, errors.Wrap(errMalformedSessionID, err.Error())
	}
	if len(raw) != sessionIDRawLen || raw[0] != sessionIDVersion {
		return info, errors.Wrap(errMalformedSessionID, "unknown version")
	}
	info.addr = binary.BigEndian.Uint32(raw[1:5])
	info.ServerAddr = uint32ToIP(info.addr)
	info.ServerIDExt = binary.BigEndian.Uint32(raw[5:9])
	info.issuedMs = int64(binary.BigEndian.Uint64(raw[9:17]))
	info.IssuedAt = time.UnixMilli(info.issuedMs)
	copy(info.Random[:], raw[17:sessionIDBodyLen])
	info.body = raw[:sessionIDBodyLen]
	info.tag = raw[sessionIDBodyLen:]
	return info, nil
}

func encodeSessionID(key []byte, addr, ext uint32, issuedMs int64, random []byte) string {
	var raw [sessionIDRawLen]byte
	raw[0] = sessionIDVersion
	binary.BigEndian.PutUint32(raw[1:5], addr)
	binary.BigEndian.PutUint32(raw[5:9], ext)
	binary.BigEndian.PutUint64(raw[9:17], uint64(issuedMs))
	copy(raw[17:sessionIDBodyLen], random)
	copy(raw[sessionIDBodyLen:], sessionIDTag(key, raw[:sessionIDBodyLen]))
	return sessionIDEncoding.EncodeToString(raw[:])
}

func sessionIDTag(key, body []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// only for keys longer than 64 bytes, rejected by NewSessionCache
		panic("BUG: " + err.Error())
	}
	h.Write(body)
	return h.Sum(nil)[:sessionTagLen]
}

func (info *SessionIDInfo) verify(key []byte) bool {
	return subtle.ConstantTimeCompare(sessionIDTag(key, info.body), info.tag) == 1
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// detectServerAddr returns the first non-loopback IPv4 address of the host.
func detectServerAddr() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLoopback() {
				continue
			}
			if v4 := ipn.IP.To4(); v4 != nil {
				return v4
			}
		}
	}
	return net.IPv4(127, 0, 0, 1).To4()
}
