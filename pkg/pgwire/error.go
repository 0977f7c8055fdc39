package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Severity values used in ErrorResponse and NoticeResponse messages.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityFatal Severity = "FATAL"
	SeverityPanic Severity = "PANIC"

	SeverityWarning Severity = "WARNING"
	SeverityNotice  Severity = "NOTICE"
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityLog     Severity = "LOG"
)

// Err is an error in PostgreSQL's own format, ready to send to a client
// as an ErrorResponse. Proxy-originated errors carry the Go file and line
// that raised them in the protocol's File/Line fields.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Err) Unwrap() error {
	return e.C
}

// Response returns the sendable ErrorResponse.
func (e *Err) Response() *pgproto3.ErrorResponse {
	return &e.ErrorResponse
}

// NewErr builds an Err with the given severity and SQLSTATE code,
// recording the caller's position.
func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
		},
		C: cause,
	}
}

// NewProtocolViolation builds the FATAL error sent when a peer breaks
// message sequencing. The session ends after sending it.
func NewProtocolViolation(cause error, detail string) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(SeverityFatal),
			Code:     pgerrcode.ProtocolViolation,
			Message:  detail,
			File:     file,
			Line:     int32(line),
		},
		C: cause,
	}
}

// AsErrorResponse renders any error as an ErrorResponse. Errors that are
// already an Err keep their fields; everything else becomes a FATAL
// internal error so clients never see a raw Go error string absent a
// SQLSTATE.
func AsErrorResponse(err error) *pgproto3.ErrorResponse {
	if e, ok := err.(*Err); ok {
		return e.Response()
	}
	return &pgproto3.ErrorResponse{
		Severity: string(SeverityFatal),
		Code:     pgerrcode.InternalError,
		Message:  err.Error(),
	}
}
