package pgwire

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	f := Frame{Type: MsgClientQuery, Body: []byte("select 1\x00")}
	wire := f.Encode()

	got, n, err := DecodeFrame(wire, 0)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, MsgClientQuery, got.Type)
	assert.Equal(t, f.Body, got.Body)
}

func TestDecodeFramePartial(t *testing.T) {
	wire := Frame{Type: MsgClientQuery, Body: []byte("select 1\x00")}.Encode()

	// Every proper prefix asks for more bytes rather than failing.
	for i := range len(wire) {
		got, n, err := DecodeFrame(wire[:i], 0)
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Zero(t, n, "prefix of %d bytes", i)
		assert.True(t, got.IsZero(), "prefix of %d bytes", i)
	}
}

func TestDecodeFrameRejectsBadLengths(t *testing.T) {
	short := []byte{'Q', 0, 0, 0, 3}
	_, _, err := DecodeFrame(short, 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	huge := []byte{'Q', 0xff, 0xff, 0xff, 0xff}
	_, _, err = DecodeFrame(huge, 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	// A frame over the configured cap fails before any payload reads.
	capped := Frame{Type: MsgClientQuery, Body: make([]byte, 100)}.Encode()
	_, _, err = DecodeFrame(capped, 64)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameBodyAliasesBuffer(t *testing.T) {
	wire := Frame{Type: MsgClientQuery, Body: []byte("abc")}.Encode()

	got, _, err := DecodeFrame(wire, 0)
	require.NoError(t, err)
	clone := got.Clone()

	wire[headerLen] = 'X'
	assert.Equal(t, byte('X'), got.Body[0], "decoded frame aliases the buffer")
	assert.Equal(t, byte('a'), clone.Body[0], "clone owns its payload")
}

func TestScanner(t *testing.T) {
	var stream []byte
	stream = Frame{Type: MsgClientQuery, Body: []byte("select 1\x00")}.Append(stream)
	stream = Frame{Type: MsgClientSync, Body: nil}.Append(stream)
	stream = Frame{Type: MsgClientTerminate, Body: nil}.Append(stream)

	// One byte per read forces every partial-frame path in fill.
	s := NewScanner(iotest.OneByteReader(bytes.NewReader(stream)), 0)

	f, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, MsgClientQuery, f.Type)
	assert.Equal(t, "select 1\x00", string(f.Body))

	f, err = s.Scan()
	require.NoError(t, err)
	assert.Equal(t, MsgClientSync, f.Type)
	assert.Empty(t, f.Body)

	f, err = s.Scan()
	require.NoError(t, err)
	assert.Equal(t, MsgClientTerminate, f.Type)

	_, err = s.Scan()
	assert.ErrorIs(t, err, io.EOF, "clean end between frames is io.EOF")
}

func TestScannerTruncatedStream(t *testing.T) {
	wire := Frame{Type: MsgClientQuery, Body: []byte("select 1\x00")}.Encode()

	s := NewScanner(bytes.NewReader(wire[:len(wire)-3]), 0)
	_, err := s.Scan()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "end inside a frame is unexpected")
}

func TestScannerOversizedFrame(t *testing.T) {
	wire := Frame{Type: MsgClientQuery, Body: make([]byte, 1024)}.Encode()

	s := NewScanner(bytes.NewReader(wire), 64)
	_, err := s.Scan()
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestScannerGrowsPastReadChunk(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, readChunk*3)
	wire := Frame{Type: MsgClientQuery, Body: body}.Encode()

	s := NewScanner(bytes.NewReader(wire), int64(len(wire)))
	f, err := s.Scan()
	require.NoError(t, err)
	assert.Len(t, f.Body, len(body))
}
