package pgwire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStartupPacket(t *testing.T) {
	wire := StartupPacket{
		Params: []Param{
			{Name: "user", Value: "alice"},
			{Name: "database", Value: "orders"},
			{Name: "application_name", Value: "reporting"},
		},
	}.Encode()

	pkt, n, err := DecodeStartupPacket(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, KindStartup, pkt.Kind)
	assert.EqualValues(t, ProtocolVersion30, pkt.Protocol, "Encode fills in protocol 3.0")

	assert.Equal(t, "alice", pkt.Get("user"))
	assert.Equal(t, "orders", pkt.Get("database"))
	assert.Equal(t, "", pkt.Get("options"))
	require.Len(t, pkt.Params, 3)
	assert.Equal(t, "user", pkt.Params[0].Name, "parameter order is preserved")
}

func TestDecodeStartupPacketRequests(t *testing.T) {
	pkt, _, err := DecodeStartupPacket(StartupPacket{Kind: KindSSLRequest}.Encode())
	require.NoError(t, err)
	assert.Equal(t, KindSSLRequest, pkt.Kind)

	pkt, _, err = DecodeStartupPacket(StartupPacket{Kind: KindGSSEncRequest}.Encode())
	require.NoError(t, err)
	assert.Equal(t, KindGSSEncRequest, pkt.Kind)

	pkt, _, err = DecodeStartupPacket(StartupPacket{
		Kind:      KindCancelRequest,
		ProcessID: 4242,
		SecretKey: 31337,
	}.Encode())
	require.NoError(t, err)
	assert.Equal(t, KindCancelRequest, pkt.Kind)
	assert.Equal(t, uint32(4242), pkt.ProcessID)
	assert.Equal(t, uint32(31337), pkt.SecretKey)
}

func TestDecodeStartupPacketPartial(t *testing.T) {
	wire := StartupPacket{Params: []Param{{Name: "user", Value: "alice"}}}.Encode()
	for i := range len(wire) {
		pkt, n, err := DecodeStartupPacket(wire[:i])
		require.NoError(t, err, "prefix of %d bytes", i)
		assert.Zero(t, n)
		assert.Zero(t, pkt)
	}
}

func TestDecodeStartupPacketMalformed(t *testing.T) {
	t.Run("length below minimum", func(t *testing.T) {
		wire := make([]byte, 8)
		binary.BigEndian.PutUint32(wire, 4)
		_, _, err := DecodeStartupPacket(wire)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("length above server limit", func(t *testing.T) {
		wire := make([]byte, 8)
		binary.BigEndian.PutUint32(wire, maxStartupPacketLen+1)
		_, _, err := DecodeStartupPacket(wire)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("unterminated parameter", func(t *testing.T) {
		body := []byte("user\x00alice") // missing value terminator and trailing NUL
		wire := make([]byte, 0, startupHeaderLen+len(body))
		wire = binary.BigEndian.AppendUint32(wire, uint32(startupHeaderLen+len(body)))
		wire = binary.BigEndian.AppendUint32(wire, ProtocolVersion30)
		wire = append(wire, body...)
		_, _, err := DecodeStartupPacket(wire)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})

	t.Run("cancel body wrong size", func(t *testing.T) {
		wire := make([]byte, 0, 12)
		wire = binary.BigEndian.AppendUint32(wire, 12)
		wire = binary.BigEndian.AppendUint32(wire, cancelRequestCode)
		wire = binary.BigEndian.AppendUint32(wire, 4242) // pid but no secret
		_, _, err := DecodeStartupPacket(wire)
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

// TestScanStartupThenFrames covers a connection's real read sequence: the
// untagged startup packet, then tagged frames on the same buffered stream.
func TestScanStartupThenFrames(t *testing.T) {
	var stream []byte
	stream = StartupPacket{Params: []Param{{Name: "user", Value: "alice"}}}.Append(stream)
	stream = Frame{Type: MsgClientQuery, Body: []byte("select 1\x00")}.Append(stream)

	s := NewScanner(bytes.NewReader(stream), 0)

	pkt, err := s.ScanStartup()
	require.NoError(t, err)
	assert.Equal(t, "alice", pkt.Get("user"))

	f, err := s.Scan()
	require.NoError(t, err)
	assert.Equal(t, MsgClientQuery, f.Type)
}

func TestStartupPacketGetEmptyValue(t *testing.T) {
	pkt := StartupPacket{Params: []Param{{Name: "options", Value: ""}}}
	assert.Equal(t, "", pkt.Get("options"))
	assert.Equal(t, "", pkt.Get("missing"))
}
