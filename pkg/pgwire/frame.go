package pgwire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// headerLen is tag byte + 4-byte length.
	headerLen = 5
	// minMessageLen is the smallest legal value of the length field, which
	// counts itself but not the tag byte.
	minMessageLen = 4

	// DefaultMaxMessageSize bounds the length field of a single message.
	// Anything larger fails decoding before any payload allocation.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// ErrMalformedFrame reports a frame whose declared length is below the
// protocol minimum or above the configured maximum. Match with errors.Is.
var ErrMalformedFrame = errors.New("malformed wire frame")

// Frame is one tagged protocol message: the tag byte and the payload that
// follows the length field. The wire length field equals len(Body)+4.
//
// A Frame produced by DecodeFrame aliases the decode buffer; it is valid
// until the buffer is next written. Use Clone to retain one.
type Frame struct {
	Type MsgType
	Body []byte
}

// IsZero reports whether f is the zero Frame.
func (f Frame) IsZero() bool {
	return f.Type == 0 && f.Body == nil
}

// WireLen is the encoded size: header plus payload.
func (f Frame) WireLen() int {
	return headerLen + len(f.Body)
}

// Clone returns a Frame with its own copy of the payload.
func (f Frame) Clone() Frame {
	body := make([]byte, len(f.Body))
	copy(body, f.Body)
	return Frame{Type: f.Type, Body: body}
}

// Append encodes the frame onto dst and returns the extended slice.
func (f Frame) Append(dst []byte) []byte {
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Body)+minMessageLen))
	return append(dst, f.Body...)
}

// Encode returns the frame in wire format. Decoding an encoded frame
// yields the original; encoding a decoded frame yields the original bytes.
func (f Frame) Encode() []byte {
	return f.Append(make([]byte, 0, f.WireLen()))
}

// String describes the frame for logs.
func (f Frame) String() string {
	return fmt.Sprintf("%v(%d bytes)", f.Type, len(f.Body))
}

// DecodeFrame decodes the first complete frame in buf.
//
// Returns (frame, consumed, nil) when a whole frame is present. Returns
// (zero, 0, nil) when buf holds only a partial frame and more bytes are
// needed. Returns ErrMalformedFrame without consuming anything when the
// length field is below the minimum or above maxSize; the connection
// carrying such a frame cannot be resynchronized.
//
// maxSize bounds the length field; zero or negative selects
// DefaultMaxMessageSize. The returned Body aliases buf.
func DecodeFrame(buf []byte, maxSize int64) (Frame, int, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	if len(buf) < headerLen {
		return Frame{}, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[1:headerLen])
	if length < minMessageLen {
		return Frame{}, 0, fmt.Errorf("%w: length %d below minimum %d", ErrMalformedFrame, length, minMessageLen)
	}
	if int64(length) > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: length %d exceeds limit %d", ErrMalformedFrame, length, maxSize)
	}
	total := 1 + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	return Frame{Type: MsgType(buf[0]), Body: buf[headerLen:total:total]}, total, nil
}
