package pgwire

import (
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// BackendMessage decodes a server frame into its pgproto3 type. The relay
// forwards most frames without ever calling this; it exists for the
// control plane (auth, ReadyForQuery, errors, parameter statuses) and for
// tests and logging.
func BackendMessage(f Frame) (pgproto3.BackendMessage, error) {
	var msg pgproto3.BackendMessage
	switch f.Type {
	case MsgServerAuth:
		if len(f.Body) < 4 {
			return nil, fmt.Errorf("%w: authentication message body %d bytes", ErrMalformedFrame, len(f.Body))
		}
		switch authType := binary.BigEndian.Uint32(f.Body[0:4]); authType {
		case 0:
			msg = &pgproto3.AuthenticationOk{}
		case 3:
			msg = &pgproto3.AuthenticationCleartextPassword{}
		case 5:
			msg = &pgproto3.AuthenticationMD5Password{}
		case 7:
			msg = &pgproto3.AuthenticationGSS{}
		case 8:
			msg = &pgproto3.AuthenticationGSSContinue{}
		case 10:
			msg = &pgproto3.AuthenticationSASL{}
		case 11:
			msg = &pgproto3.AuthenticationSASLContinue{}
		case 12:
			msg = &pgproto3.AuthenticationSASLFinal{}
		default:
			return nil, fmt.Errorf("unknown authentication type %d", authType)
		}
	case MsgServerBackendKeyData:
		msg = &pgproto3.BackendKeyData{}
	case MsgServerBindComplete:
		msg = &pgproto3.BindComplete{}
	case MsgServerCloseComplete:
		msg = &pgproto3.CloseComplete{}
	case MsgServerCommandComplete:
		msg = &pgproto3.CommandComplete{}
	case MsgServerCopyBothResponse:
		msg = &pgproto3.CopyBothResponse{}
	case MsgServerCopyData:
		msg = &pgproto3.CopyData{}
	case MsgServerCopyDone:
		msg = &pgproto3.CopyDone{}
	case MsgServerCopyInResponse:
		msg = &pgproto3.CopyInResponse{}
	case MsgServerCopyOutResponse:
		msg = &pgproto3.CopyOutResponse{}
	case MsgServerDataRow:
		msg = &pgproto3.DataRow{}
	case MsgServerEmptyQueryResponse:
		msg = &pgproto3.EmptyQueryResponse{}
	case MsgServerErrorResponse:
		msg = &pgproto3.ErrorResponse{}
	case MsgServerFuncCallResponse:
		msg = &pgproto3.FunctionCallResponse{}
	case MsgServerNoData:
		msg = &pgproto3.NoData{}
	case MsgServerNoticeResponse:
		msg = &pgproto3.NoticeResponse{}
	case MsgServerNotificationResponse:
		msg = &pgproto3.NotificationResponse{}
	case MsgServerParameterDescription:
		msg = &pgproto3.ParameterDescription{}
	case MsgServerParameterStatus:
		msg = &pgproto3.ParameterStatus{}
	case MsgServerParseComplete:
		msg = &pgproto3.ParseComplete{}
	case MsgServerPortalSuspended:
		msg = &pgproto3.PortalSuspended{}
	case MsgServerReadyForQuery:
		msg = &pgproto3.ReadyForQuery{}
	case MsgServerRowDescription:
		msg = &pgproto3.RowDescription{}
	default:
		return nil, fmt.Errorf("unknown server message type %v", f.Type)
	}
	if err := msg.Decode(f.Body); err != nil {
		return nil, fmt.Errorf("decode %v: %w", f.Type, err)
	}
	return msg, nil
}

// FrontendMessage decodes a client frame into its pgproto3 type.
// Tag 'p' is ambiguous on the wire (password, SASL initial, SASL
// response); it decodes here as PasswordMessage, and auth code that knows
// the phase decodes the SASL variants itself.
func FrontendMessage(f Frame) (pgproto3.FrontendMessage, error) {
	var msg pgproto3.FrontendMessage
	switch f.Type {
	case MsgClientBind:
		msg = &pgproto3.Bind{}
	case MsgClientClose:
		msg = &pgproto3.Close{}
	case MsgClientCopyData:
		msg = &pgproto3.CopyData{}
	case MsgClientCopyDone:
		msg = &pgproto3.CopyDone{}
	case MsgClientCopyFail:
		msg = &pgproto3.CopyFail{}
	case MsgClientDescribe:
		msg = &pgproto3.Describe{}
	case MsgClientExecute:
		msg = &pgproto3.Execute{}
	case MsgClientFlush:
		msg = &pgproto3.Flush{}
	case MsgClientFunc:
		msg = &pgproto3.FunctionCall{}
	case MsgClientParse:
		msg = &pgproto3.Parse{}
	case MsgClientPassword:
		msg = &pgproto3.PasswordMessage{}
	case MsgClientQuery:
		msg = &pgproto3.Query{}
	case MsgClientSync:
		msg = &pgproto3.Sync{}
	case MsgClientTerminate:
		msg = &pgproto3.Terminate{}
	default:
		return nil, fmt.Errorf("unknown client message type %v", f.Type)
	}
	if err := msg.Decode(f.Body); err != nil {
		return nil, fmt.Errorf("decode %v: %w", f.Type, err)
	}
	return msg, nil
}

// FrameFromBackend encodes a typed server message as a Frame. The message
// must be a tagged message, not a startup-phase one.
func FrameFromBackend(msg pgproto3.BackendMessage) (Frame, error) {
	encoded, err := msg.Encode(nil)
	if err != nil {
		return Frame{}, err
	}
	if len(encoded) < headerLen {
		return Frame{}, fmt.Errorf("message %T encoded without a tagged header", msg)
	}
	return Frame{Type: MsgType(encoded[0]), Body: encoded[headerLen:]}, nil
}

// FrameFromFrontend encodes a typed client message as a Frame. The
// message must be a tagged message, not a startup-phase one.
func FrameFromFrontend(msg pgproto3.FrontendMessage) (Frame, error) {
	encoded, err := msg.Encode(nil)
	if err != nil {
		return Frame{}, err
	}
	if len(encoded) < headerLen {
		return Frame{}, fmt.Errorf("message %T encoded without a tagged header", msg)
	}
	return Frame{Type: MsgType(encoded[0]), Body: encoded[headerLen:]}, nil
}
