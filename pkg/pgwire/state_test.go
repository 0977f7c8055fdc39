package pgwire

import (
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientFrame(t *testing.T, msg pgproto3.FrontendMessage) Frame {
	t.Helper()
	f, err := FrameFromFrontend(msg)
	require.NoError(t, err)
	return f
}

func serverFrame(t *testing.T, msg pgproto3.BackendMessage) Frame {
	t.Helper()
	f, err := FrameFromBackend(msg)
	require.NoError(t, err)
	return f
}

func readyFrame(status byte) Frame {
	return Frame{Type: MsgServerReadyForQuery, Body: []byte{status}}
}

func requireViolation(t *testing.T, err error) {
	t.Helper()
	var perr *Err
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pgerrcode.ProtocolViolation, perr.Code)
}

func TestProtocolStateSimpleQueryCycle(t *testing.T) {
	s := NewProtocolState()
	assert.False(t, s.AtRest(), "no ReadyForQuery seen yet")

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.Query{String: "select 1"})))
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})))
	require.NoError(t, s.ObserveServer(readyFrame('I')))

	assert.Equal(t, TxStatusIdle, s.TxStatus)
	assert.True(t, s.AtRest())
}

func TestProtocolStateTransactionBlock(t *testing.T) {
	s := NewProtocolState()

	require.NoError(t, s.ObserveServer(readyFrame('T')))
	assert.Equal(t, TxStatusInBlock, s.TxStatus)
	assert.True(t, s.TxStatus.InTransaction())
	assert.False(t, s.AtRest())

	require.NoError(t, s.ObserveServer(readyFrame('E')))
	assert.Equal(t, TxStatusFailed, s.TxStatus)
	assert.True(t, s.TxStatus.InTransaction())
	assert.False(t, s.AtRest())

	require.NoError(t, s.ObserveServer(readyFrame('I')))
	assert.True(t, s.AtRest())
}

func TestProtocolStateCopyIn(t *testing.T) {
	s := NewProtocolState()
	require.NoError(t, s.ObserveServer(readyFrame('I')))

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.Query{String: "COPY t FROM STDIN"})))
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CopyInResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0}})))
	assert.Equal(t, CopyIn, s.CopyMode)
	assert.False(t, s.AtRest())

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.CopyData{Data: []byte("1\t2\n")})))

	// Queries cannot interleave with an open COPY.
	err := s.ObserveClient(clientFrame(t, &pgproto3.Query{String: "select 1"}))
	requireViolation(t, err)

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.CopyDone{})))
	assert.Equal(t, CopyNone, s.CopyMode)

	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CommandComplete{CommandTag: []byte("COPY 1")})))
	require.NoError(t, s.ObserveServer(readyFrame('I')))
	assert.True(t, s.AtRest())
}

func TestProtocolStateCopyOut(t *testing.T) {
	s := NewProtocolState()
	require.NoError(t, s.ObserveServer(readyFrame('I')))

	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CopyOutResponse{OverallFormat: 0, ColumnFormatCodes: []uint16{0}})))
	assert.Equal(t, CopyOut, s.CopyMode)

	// Data flows server to client only.
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CopyData{Data: []byte("1\t2\n")})))
	err := s.ObserveClient(clientFrame(t, &pgproto3.CopyData{Data: []byte("nope")}))
	requireViolation(t, err)

	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.CopyDone{})))
	assert.Equal(t, CopyNone, s.CopyMode)
}

func TestProtocolStateCopyDataOutsideCopy(t *testing.T) {
	s := NewProtocolState()
	require.NoError(t, s.ObserveServer(readyFrame('I')))

	requireViolation(t, s.ObserveClient(clientFrame(t, &pgproto3.CopyData{Data: []byte("x")})))
	requireViolation(t, s.ObserveClient(clientFrame(t, &pgproto3.CopyDone{})))
}

func TestProtocolStateRejectsNonClientMessage(t *testing.T) {
	s := NewProtocolState()
	requireViolation(t, s.ObserveClient(readyFrame('I')))
}

func TestProtocolStateExtendedQueryCycle(t *testing.T) {
	s := NewProtocolState()
	require.NoError(t, s.ObserveServer(readyFrame('I')))
	require.True(t, s.AtRest())

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.Parse{Query: "select $1"})))
	assert.True(t, s.ExtendedQueryMode)
	assert.False(t, s.AtRest(), "mid-cycle is not a reuse boundary even while idle")

	// A server error mid-cycle discards the rest of the pipeline.
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.ErrorResponse{
		Severity: "ERROR", Code: pgerrcode.UndefinedTable, Message: "relation does not exist",
	})))
	assert.True(t, s.IgnoringUntilSync)

	require.NoError(t, s.ObserveClient(clientFrame(t, &pgproto3.Sync{})))
	require.NoError(t, s.ObserveServer(readyFrame('I')))
	assert.False(t, s.ExtendedQueryMode)
	assert.False(t, s.IgnoringUntilSync)
	assert.True(t, s.AtRest())
}

func TestProtocolStateParameterStatus(t *testing.T) {
	s := NewProtocolState()

	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.ParameterStatus{Name: "TimeZone", Value: "UTC"})))
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.ParameterStatus{Name: "TimeZone", Value: "America/New_York"})))
	assert.Equal(t, "America/New_York", s.Params["TimeZone"])

	// An empty value means the parameter was reset.
	require.NoError(t, s.ObserveServer(serverFrame(t, &pgproto3.ParameterStatus{Name: "TimeZone", Value: ""})))
	assert.NotContains(t, s.Params, "TimeZone")
}

func TestProtocolStateRejectsBadReadyForQuery(t *testing.T) {
	s := NewProtocolState()
	err := s.ObserveServer(Frame{Type: MsgServerReadyForQuery, Body: []byte{'I', 'I'}})
	requireViolation(t, err)
}
