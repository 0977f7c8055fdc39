package pgwire

import (
	"fmt"

	"github.com/pgtether/pgtether/pkg/params"
)

// TxStatus is the transaction indicator from ReadyForQuery.
type TxStatus byte

const (
	// TxStatusUnknown means no ReadyForQuery has been seen yet.
	TxStatusUnknown TxStatus = 0
	// TxStatusIdle: not in a transaction block.
	TxStatusIdle TxStatus = 'I'
	// TxStatusInBlock: inside a transaction block.
	TxStatusInBlock TxStatus = 'T'
	// TxStatusFailed: inside a failed transaction block; queries are
	// rejected until the block ends.
	TxStatusFailed TxStatus = 'E'
)

// InTransaction reports whether the status is inside a transaction block,
// failed or not.
func (t TxStatus) InTransaction() bool {
	return t == TxStatusInBlock || t == TxStatusFailed
}

func (t TxStatus) String() string {
	switch t {
	case TxStatusUnknown:
		return "unknown"
	case TxStatusIdle:
		return "idle"
	case TxStatusInBlock:
		return "in_transaction"
	case TxStatusFailed:
		return "failed_transaction"
	default:
		return fmt.Sprintf("TxStatus(%q)", byte(t))
	}
}

// CopyMode tracks an active COPY sub-protocol.
type CopyMode int

const (
	CopyNone CopyMode = iota
	CopyIn
	CopyOut
	CopyBoth
)

func (c CopyMode) String() string {
	switch c {
	case CopyNone:
		return "none"
	case CopyIn:
		return "copy_in"
	case CopyOut:
		return "copy_out"
	case CopyBoth:
		return "copy_both"
	default:
		return fmt.Sprintf("CopyMode(%d)", int(c))
	}
}

// ProtocolState is the sequencing state of one backend connection. The
// codec itself is stateless; the connection owns one of these and feeds
// it every frame in both directions. The relay consults it to find safe
// reuse points and to reject structurally invalid client frames before
// they reach a backend.
type ProtocolState struct {
	TxStatus TxStatus
	CopyMode CopyMode

	// ExtendedQueryMode is set by the first extended-query message after a
	// ReadyForQuery and cleared by the next one.
	ExtendedQueryMode bool

	// IgnoringUntilSync is set when the server errors mid
	// extended-query cycle: it discards client messages until Sync.
	IgnoringUntilSync bool

	// Params accumulates ParameterStatus values reported by the server.
	Params params.ParameterStatuses
}

// NewProtocolState returns a state with an initialized parameter map.
func NewProtocolState() ProtocolState {
	return ProtocolState{Params: params.ParameterStatuses{}}
}

// AtRest reports whether the connection sits at a safe reuse boundary:
// ReadyForQuery seen with no open transaction, COPY, or extended-query
// cycle.
func (s *ProtocolState) AtRest() bool {
	return s.TxStatus == TxStatusIdle &&
		s.CopyMode == CopyNone &&
		!s.ExtendedQueryMode &&
		!s.IgnoringUntilSync
}

// ObserveClient validates and applies one client frame. A non-nil error
// is a *Err carrying a protocol_violation SQLSTATE; the frame must not be
// forwarded.
func (s *ProtocolState) ObserveClient(f Frame) error {
	if !MsgIsClient.Get(f.Type) {
		return NewProtocolViolation(nil, fmt.Sprintf("client sent non-client message %v", f.Type))
	}

	switch s.CopyMode {
	case CopyIn, CopyBoth:
		switch f.Type {
		case MsgClientCopyData:
		case MsgClientCopyDone, MsgClientCopyFail:
			// Copy-both only ends when the server says so.
			if s.CopyMode == CopyIn {
				s.CopyMode = CopyNone
			}
		default:
			return NewProtocolViolation(nil, fmt.Sprintf("%v not allowed while COPY is open", f.Type))
		}
		return nil
	case CopyOut:
		switch f.Type {
		case MsgClientCopyData, MsgClientCopyDone, MsgClientCopyFail:
			return NewProtocolViolation(nil, fmt.Sprintf("%v not allowed during COPY OUT", f.Type))
		}
	default:
		switch f.Type {
		case MsgClientCopyData, MsgClientCopyDone, MsgClientCopyFail:
			return NewProtocolViolation(nil, fmt.Sprintf("%v outside COPY", f.Type))
		}
	}

	if MsgIsExtendedQuery.Get(f.Type) {
		s.ExtendedQueryMode = true
	}
	return nil
}

// ObserveServer applies one server frame. A non-nil error means the
// backend broke protocol and the connection must leave rotation.
func (s *ProtocolState) ObserveServer(f Frame) error {
	if !MsgIsServer.Get(f.Type) {
		return NewProtocolViolation(nil, fmt.Sprintf("server sent unknown message %v", f.Type))
	}

	switch f.Type {
	case MsgServerReadyForQuery:
		if len(f.Body) != 1 {
			return NewProtocolViolation(nil, fmt.Sprintf("ReadyForQuery body is %d bytes, want 1", len(f.Body)))
		}
		s.TxStatus = TxStatus(f.Body[0])
		s.CopyMode = CopyNone
		s.ExtendedQueryMode = false
		s.IgnoringUntilSync = false
	case MsgServerParameterStatus:
		name, rest, err := cutCString(f.Body)
		if err != nil {
			return NewProtocolViolation(err, "ParameterStatus name")
		}
		value, _, err := cutCString(rest)
		if err != nil {
			return NewProtocolViolation(err, "ParameterStatus value")
		}
		if s.Params == nil {
			s.Params = params.ParameterStatuses{}
		}
		if value == "" {
			delete(s.Params, name)
		} else {
			s.Params[name] = value
		}
	case MsgServerCopyInResponse:
		s.CopyMode = CopyIn
	case MsgServerCopyOutResponse:
		s.CopyMode = CopyOut
	case MsgServerCopyBothResponse:
		s.CopyMode = CopyBoth
	case MsgServerCopyDone:
		if s.CopyMode == CopyOut || s.CopyMode == CopyBoth {
			s.CopyMode = CopyNone
		}
	case MsgServerErrorResponse:
		if s.ExtendedQueryMode {
			s.IgnoringUntilSync = true
		}
	}
	return nil
}
