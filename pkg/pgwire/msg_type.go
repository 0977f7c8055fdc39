package pgwire

// MsgType is a PostgreSQL wire protocol message type byte (the tag that
// precedes every message after the startup phase).
type MsgType byte

// MsgLookup maps a MsgType to T in constant time. Indexing [256]T by a byte
// is always in bounds, so the compiler drops the bounds check; the unused
// entries cost a few KB per table.
type MsgLookup[T any] [256]T

// Get returns the table entry for m. Inlines to a single indexed load.
func (t *MsgLookup[T]) Get(m MsgType) T {
	return t[m]
}

// Client (frontend) message types.
const (
	MsgClientBind      MsgType = 'B'
	MsgClientClose     MsgType = 'C'
	MsgClientCopyData  MsgType = 'd'
	MsgClientCopyDone  MsgType = 'c'
	MsgClientCopyFail  MsgType = 'f'
	MsgClientDescribe  MsgType = 'D'
	MsgClientExecute   MsgType = 'E'
	MsgClientFlush     MsgType = 'H'
	MsgClientFunc      MsgType = 'F'
	MsgClientParse     MsgType = 'P'
	MsgClientPassword  MsgType = 'p' // also carries SASL responses
	MsgClientQuery     MsgType = 'Q'
	MsgClientSync      MsgType = 'S'
	MsgClientTerminate MsgType = 'X'
)

// Server (backend) message types.
const (
	MsgServerAuth                 MsgType = 'R'
	MsgServerBackendKeyData       MsgType = 'K'
	MsgServerBindComplete         MsgType = '2'
	MsgServerCloseComplete        MsgType = '3'
	MsgServerCommandComplete      MsgType = 'C'
	MsgServerCopyBothResponse     MsgType = 'W'
	MsgServerCopyData             MsgType = 'd'
	MsgServerCopyDone             MsgType = 'c'
	MsgServerCopyInResponse       MsgType = 'G'
	MsgServerCopyOutResponse      MsgType = 'H'
	MsgServerDataRow              MsgType = 'D'
	MsgServerEmptyQueryResponse   MsgType = 'I'
	MsgServerErrorResponse        MsgType = 'E'
	MsgServerFuncCallResponse     MsgType = 'V'
	MsgServerNoData               MsgType = 'n'
	MsgServerNoticeResponse       MsgType = 'N'
	MsgServerNotificationResponse MsgType = 'A'
	MsgServerParameterDescription MsgType = 't'
	MsgServerParameterStatus      MsgType = 'S'
	MsgServerParseComplete        MsgType = '1'
	MsgServerPortalSuspended      MsgType = 's'
	MsgServerReadyForQuery        MsgType = 'Z'
	MsgServerRowDescription       MsgType = 'T'
)

// MsgIsClient reports whether a tag is legal from the client side.
// The session relay rejects client frames outside this set before
// forwarding anything to a backend.
var MsgIsClient = MsgLookup[bool]{
	'B': true, // Bind
	'C': true, // Close
	'c': true, // CopyDone
	'd': true, // CopyData
	'D': true, // Describe
	'E': true, // Execute
	'f': true, // CopyFail
	'F': true, // FunctionCall
	'H': true, // Flush
	'P': true, // Parse
	'p': true, // PasswordMessage / SASL
	'Q': true, // Query
	'S': true, // Sync
	'X': true, // Terminate
}

// MsgIsServer reports whether a tag is legal from the backend side.
// A backend that emits anything else is broken and leaves rotation.
var MsgIsServer = MsgLookup[bool]{
	'1': true, // ParseComplete
	'2': true, // BindComplete
	'3': true, // CloseComplete
	'A': true, // NotificationResponse
	'c': true, // CopyDone
	'C': true, // CommandComplete
	'd': true, // CopyData
	'D': true, // DataRow
	'E': true, // ErrorResponse
	'G': true, // CopyInResponse
	'H': true, // CopyOutResponse
	'I': true, // EmptyQueryResponse
	'K': true, // BackendKeyData
	'n': true, // NoData
	'N': true, // NoticeResponse
	'R': true, // Authentication
	'S': true, // ParameterStatus
	's': true, // PortalSuspended
	't': true, // ParameterDescription
	'T': true, // RowDescription
	'V': true, // FunctionCallResponse
	'W': true, // CopyBothResponse
	'Z': true, // ReadyForQuery
}

// MsgIsExtendedQuery marks the client tags that begin or continue an
// extended-query cycle. Seeing one flips the session into extended mode
// until the next ReadyForQuery.
var MsgIsExtendedQuery = MsgLookup[bool]{
	'B': true, // Bind
	'C': true, // Close
	'D': true, // Describe
	'E': true, // Execute
	'H': true, // Flush
	'P': true, // Parse
}

// MsgName names each tag for logs and error messages. Tags shared between
// directions show both meanings.
var MsgName = MsgLookup[string]{
	'B': "Bind",
	'C': "Close/CommandComplete",
	'c': "CopyDone",
	'd': "CopyData",
	'D': "Describe/DataRow",
	'E': "Execute/ErrorResponse",
	'f': "CopyFail",
	'F': "FunctionCall",
	'H': "Flush/CopyOutResponse",
	'P': "Parse",
	'p': "PasswordMessage",
	'Q': "Query",
	'S': "Sync/ParameterStatus",
	'X': "Terminate",

	'1': "ParseComplete",
	'2': "BindComplete",
	'3': "CloseComplete",
	'A': "NotificationResponse",
	'G': "CopyInResponse",
	'I': "EmptyQueryResponse",
	'K': "BackendKeyData",
	'n': "NoData",
	'N': "NoticeResponse",
	'R': "Authentication",
	's': "PortalSuspended",
	't': "ParameterDescription",
	'T': "RowDescription",
	'V': "FunctionCallResponse",
	'W': "CopyBothResponse",
	'Z': "ReadyForQuery",
}

// String returns the tag's name, or its raw byte if unknown.
func (m MsgType) String() string {
	if name := MsgName.Get(m); name != "" {
		return name
	}
	return "MsgType(" + string(rune(m)) + ")"
}
