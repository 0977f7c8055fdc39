package pgwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// The first packet on a connection has no tag byte: a 4-byte length
// (counting itself) followed by a 4-byte code that is either the protocol
// version or one of the request magics below.
const (
	// ProtocolVersion30 is protocol 3.0, the only version spoken here.
	ProtocolVersion30 = 196608

	cancelRequestCode = 80877102
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104

	// maxStartupPacketLen matches the server's own limit on startup
	// packets, which is far smaller than the tagged-message limit.
	maxStartupPacketLen = 10000

	startupHeaderLen = 8
)

// StartupKind discriminates the packets that can open a connection.
type StartupKind int

const (
	// KindStartup carries the protocol version and startup parameters.
	KindStartup StartupKind = iota
	// KindSSLRequest asks to begin TLS negotiation.
	KindSSLRequest
	// KindCancelRequest asks to cancel another connection's query,
	// identified by its process ID and secret key.
	KindCancelRequest
	// KindGSSEncRequest asks to begin GSSAPI encryption.
	KindGSSEncRequest
)

// String names the kind for logs.
func (k StartupKind) String() string {
	switch k {
	case KindStartup:
		return "StartupMessage"
	case KindSSLRequest:
		return "SSLRequest"
	case KindCancelRequest:
		return "CancelRequest"
	case KindGSSEncRequest:
		return "GSSEncRequest"
	default:
		return fmt.Sprintf("StartupKind(%d)", int(k))
	}
}

// Param is one startup parameter. Parameters keep the order they were
// sent in; that order is part of a connection's pooling identity.
type Param struct {
	Name  string
	Value string
}

// StartupPacket is the decoded first packet of a connection.
// Params is populated for KindStartup; ProcessID and SecretKey for
// KindCancelRequest.
type StartupPacket struct {
	Kind     StartupKind
	Protocol uint32
	Params   []Param

	ProcessID uint32
	SecretKey uint32
}

// Get returns the value of the named parameter, or "".
func (p *StartupPacket) Get(name string) string {
	for _, kv := range p.Params {
		if kv.Name == name {
			return kv.Value
		}
	}
	return ""
}

// DecodeStartupPacket decodes the untagged first packet in buf with the
// same incremental contract as DecodeFrame: (zero, 0, nil) means more
// bytes are needed, ErrMalformedFrame means the stream is unusable.
func DecodeStartupPacket(buf []byte) (StartupPacket, int, error) {
	if len(buf) < startupHeaderLen {
		return StartupPacket{}, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < startupHeaderLen {
		return StartupPacket{}, 0, fmt.Errorf("%w: startup length %d below minimum %d", ErrMalformedFrame, length, startupHeaderLen)
	}
	if length > maxStartupPacketLen {
		return StartupPacket{}, 0, fmt.Errorf("%w: startup length %d exceeds limit %d", ErrMalformedFrame, length, maxStartupPacketLen)
	}
	total := int(length)
	if len(buf) < total {
		return StartupPacket{}, 0, nil
	}

	code := binary.BigEndian.Uint32(buf[4:8])
	body := buf[startupHeaderLen:total]

	switch code {
	case sslRequestCode:
		return StartupPacket{Kind: KindSSLRequest, Protocol: code}, total, nil
	case gssEncRequestCode:
		return StartupPacket{Kind: KindGSSEncRequest, Protocol: code}, total, nil
	case cancelRequestCode:
		if len(body) != 8 {
			return StartupPacket{}, 0, fmt.Errorf("%w: cancel request body is %d bytes, want 8", ErrMalformedFrame, len(body))
		}
		return StartupPacket{
			Kind:      KindCancelRequest,
			Protocol:  code,
			ProcessID: binary.BigEndian.Uint32(body[0:4]),
			SecretKey: binary.BigEndian.Uint32(body[4:8]),
		}, total, nil
	}

	params, err := decodeStartupParams(body)
	if err != nil {
		return StartupPacket{}, 0, err
	}
	return StartupPacket{Kind: KindStartup, Protocol: code, Params: params}, total, nil
}

// decodeStartupParams parses NUL-terminated name/value pairs up to the
// packet's trailing NUL.
func decodeStartupParams(body []byte) ([]Param, error) {
	var params []Param
	for len(body) > 0 && body[0] != 0 {
		name, rest, err := cutCString(body)
		if err != nil {
			return nil, err
		}
		value, rest, err := cutCString(rest)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Name: name, Value: value})
		body = rest
	}
	return params, nil
}

func cutCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("%w: unterminated string in startup packet", ErrMalformedFrame)
	}
	return string(b[:i]), b[i+1:], nil
}

// Append encodes the packet onto dst and returns the extended slice.
func (p StartupPacket) Append(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)

	switch p.Kind {
	case KindSSLRequest:
		dst = binary.BigEndian.AppendUint32(dst, sslRequestCode)
	case KindGSSEncRequest:
		dst = binary.BigEndian.AppendUint32(dst, gssEncRequestCode)
	case KindCancelRequest:
		dst = binary.BigEndian.AppendUint32(dst, cancelRequestCode)
		dst = binary.BigEndian.AppendUint32(dst, p.ProcessID)
		dst = binary.BigEndian.AppendUint32(dst, p.SecretKey)
	default:
		proto := p.Protocol
		if proto == 0 {
			proto = ProtocolVersion30
		}
		dst = binary.BigEndian.AppendUint32(dst, proto)
		for _, kv := range p.Params {
			dst = append(dst, kv.Name...)
			dst = append(dst, 0)
			dst = append(dst, kv.Value...)
			dst = append(dst, 0)
		}
		dst = append(dst, 0)
	}

	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start))
	return dst
}

// Encode returns the packet in wire format.
func (p StartupPacket) Encode() []byte {
	return p.Append(nil)
}
