// Package testing simulates PostgreSQL servers with pgmock scripts so
// connection, pool, and proxy behavior can be tested without a real
// database.
package testing

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer runs pgmock scripts against accepted connections. Each
// accepted connection consumes the next queued script, in order.
type MockServer struct {
	Listener net.Listener
	t        *testing.T

	mu      sync.Mutex
	scripts []*pgmock.Script
}

// NewMockServer listens on a random local port. When steps are given
// they become the script for the first connection; queue more with
// Enqueue. The listener closes itself at test cleanup.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	m := &MockServer{Listener: listener, t: t}
	if len(steps) > 0 {
		m.Enqueue(steps...)
	}
	return m
}

// Addr is the host:port the server listens on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// Enqueue queues a script for the next accepted connection.
func (m *MockServer) Enqueue(steps ...pgmock.Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, &pgmock.Script{Steps: steps})
}

func (m *MockServer) nextScript() *pgmock.Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.scripts) == 0 {
		return nil
	}
	s := m.scripts[0]
	m.scripts = m.scripts[1:]
	return s
}

// Serve accepts one connection and runs the next queued script against
// it. Call it in a goroutine and collect the error.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	script := m.nextScript()
	if script == nil {
		return fmt.Errorf("mock server: connection accepted with no script queued")
	}
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return script.Run(backend)
}

// ServeBackground serves every queued script, one connection each,
// accepting concurrently. Script failures surface through t.Errorf so
// tests fail even when the client side never notices.
func (m *MockServer) ServeBackground() {
	m.mu.Lock()
	n := len(m.scripts)
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			conn, err := m.Listener.Accept()
			if err != nil {
				return
			}
			script := m.nextScript()
			if script == nil {
				_ = conn.Close()
				return
			}
			wg.Add(1)
			go func(conn net.Conn, script *pgmock.Script, idx int) {
				defer wg.Done()
				defer conn.Close()
				backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
				if err := script.Run(backend); err != nil {
					m.t.Errorf("mock server: script %d: %v", idx, err)
				}
			}(conn, script, i)
		}
	}()
	m.t.Cleanup(func() {
		_ = m.Listener.Close()
		wg.Wait()
	})
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// TrustHandshakeSteps accepts any startup message without a password
// round trip and reports the given cancel identity.
func TrustHandshakeSteps(pid, secret uint32) []pgmock.Step {
	return []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: "18.1"}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: secret}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// authRequestStep sends an authentication request and tells the pgmock
// backend how to decode the password message that answers it. pgmock has
// no step for this because pgproto3/v2 needs SetAuthType before it can
// parse a frontend 'p' message.
type authRequestStep struct {
	msg      pgproto3.BackendMessage
	authType uint32
}

func (s *authRequestStep) Step(backend *pgproto3.Backend) error {
	if err := backend.Send(s.msg); err != nil {
		return err
	}
	return backend.SetAuthType(s.authType)
}

// SendCleartextAuthRequest asks the client for a plaintext password.
func SendCleartextAuthRequest() pgmock.Step {
	return &authRequestStep{
		msg:      &pgproto3.AuthenticationCleartextPassword{},
		authType: pgproto3.AuthTypeCleartextPassword,
	}
}

// SendMD5AuthRequest asks the client for an MD5-hashed password using
// the given salt.
func SendMD5AuthRequest(salt [4]byte) pgmock.Step {
	return &authRequestStep{
		msg:      &pgproto3.AuthenticationMD5Password{Salt: salt},
		authType: pgproto3.AuthTypeMD5Password,
	}
}

// ExpectPassword expects a password message with exactly this value. For
// MD5 auth the value is the already-hashed form.
func ExpectPassword(password string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.PasswordMessage{Password: password})
}

// FinishAuthSteps completes a password handshake: Ok, key data, ready.
func FinishAuthSteps(pid, secret uint32) []pgmock.Step {
	return []pgmock.Step{
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: secret}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExpectAnyStartup expects any startup message, ignoring parameters.
func ExpectAnyStartup() pgmock.Step {
	return pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}})
}

// ExpectQuery expects a simple query with exactly this SQL.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// SendRowDescription sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow sends one row.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete sends a command tag.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery sends ReadyForQuery with the given transaction
// indicator: 'I', 'T', or 'E'.
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendParameterStatus reports a server parameter change.
func SendParameterStatus(name, value string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ParameterStatus{Name: name, Value: value})
}

// SendError sends an ErrorResponse.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// ExpectSync expects an extended-protocol Sync.
func ExpectSync() pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Sync{})
}

// ExpectTerminate expects the client's goodbye.
func ExpectTerminate() pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Terminate{})
}

// WaitForClose consumes messages until Terminate or EOF.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// SimpleQuerySteps is the common exchange: expect a query, complete it,
// go ready.
func SimpleQuerySteps(query, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// RollbackSteps answers the pool's transaction reclaim.
func RollbackSteps() []pgmock.Step {
	return SimpleQuerySteps("ROLLBACK", "ROLLBACK")
}

// PingSteps answers a liveness probe.
func PingSteps() []pgmock.Step {
	return []pgmock.Step{
		ExpectSync(),
		SendReadyForQuery('I'),
	}
}
