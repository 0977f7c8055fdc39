package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	pgproto3v2 "github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgtether/pgtether/pkg/config"
	"github.com/pgtether/pgtether/pkg/pgwire"
	pgtest "github.com/pgtether/pgtether/pkg/testing"
)

// e2eTimeout caps every socket operation in these tests.
const e2eTimeout = 30 * time.Second

// proxyHarness runs one Service around a test and tears it down after.
type proxyHarness struct {
	svc  *Service
	addr string

	done    chan error
	waitErr error
	once    sync.Once
}

// startProxy serves cfg on a random local port. Shutdown and the
// ListenAndServe result are checked at cleanup unless the test already
// collected them through wait.
func startProxy(t *testing.T, cfg config.ServerConfig) *proxyHarness {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []config.ListenAddr{"127.0.0.1:0"}
	}

	svc, err := NewService(context.Background(),
		&config.Config{Servers: []config.ServerConfig{cfg}},
		config.NewSecretCache(nil),
		Options{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)

	h := &proxyHarness{svc: svc, done: make(chan error, 1)}
	go func() { h.done <- svc.ListenAndServe() }()

	require.Eventually(t, func() bool {
		addrs := svc.ListenerAddrs()
		if len(addrs) == 0 {
			return false
		}
		h.addr = addrs[0].String()
		return true
	}, e2eTimeout, 10*time.Millisecond, "proxy never bound a listener")

	t.Cleanup(func() {
		svc.Shutdown(ShutdownImmediate)
		assert.NoError(t, h.wait(t))
	})
	return h
}

// wait blocks until ListenAndServe returns and caches its result.
func (h *proxyHarness) wait(t *testing.T) error {
	h.once.Do(func() {
		select {
		case h.waitErr = <-h.done:
		case <-time.After(e2eTimeout):
			t.Error("proxy did not stop")
			h.waitErr = fmt.Errorf("timed out waiting for proxy to stop")
		}
	})
	return h.waitErr
}

// backendConfigFor points a server config at the mock's listener.
func backendConfigFor(t *testing.T, mock *pgtest.MockServer) config.BackendConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(mock.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.BackendConfig{Host: host, Port: uint16(port)}
}

func testUserConfig(username, password string) config.UserConfig {
	return config.UserConfig{
		Username: config.SecretRef{InsecureValue: username},
		Password: config.SecretRef{InsecureValue: password},
	}
}

// testClient speaks the client side of the protocol against the proxy.
type testClient struct {
	t    *testing.T
	conn net.Conn
	fe   *pgproto3.Frontend
}

func dialProxy(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(e2eTimeout)))
	return &testClient{t: t, conn: conn, fe: pgproto3.NewFrontend(conn, conn)}
}

func (c *testClient) send(msgs ...pgproto3.FrontendMessage) {
	c.t.Helper()
	for _, msg := range msgs {
		c.fe.Send(msg)
	}
	require.NoError(c.t, c.fe.Flush())
}

func (c *testClient) receive() pgproto3.BackendMessage {
	c.t.Helper()
	msg, err := c.fe.Receive()
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) startup(params map[string]string) {
	c.t.Helper()
	c.send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	})
}

// sessionIdentity is what the proxy announced during startup.
type sessionIdentity struct {
	params map[string]string
	pid    uint32
	secret uint32
}

// finishStartup consumes messages through the first ReadyForQuery,
// collecting the parameter snapshot and the cancel identity. Receive
// reuses message structs, so every field is copied before the next read.
func (c *testClient) finishStartup() sessionIdentity {
	c.t.Helper()
	id := sessionIdentity{params: map[string]string{}}
	for {
		switch msg := c.receive().(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.ParameterStatus:
			id.params[msg.Name] = msg.Value
		case *pgproto3.BackendKeyData:
			id.pid = msg.ProcessID
			id.secret = msg.SecretKey
		case *pgproto3.ReadyForQuery:
			require.EqualValues(c.t, 'I', msg.TxStatus)
			require.NotZero(c.t, id.pid, "startup response carried no BackendKeyData")
			return id
		case *pgproto3.ErrorResponse:
			c.t.Fatalf("startup failed: %s (%s)", msg.Message, msg.Code)
		default:
			c.t.Fatalf("unexpected startup message %T", msg)
		}
	}
}

func (c *testClient) expectParameterStatus(name, value string) {
	c.t.Helper()
	msg := c.receive()
	ps, ok := msg.(*pgproto3.ParameterStatus)
	require.True(c.t, ok, "expected ParameterStatus, got %T: %v", msg, msg)
	assert.Equal(c.t, name, ps.Name)
	assert.Equal(c.t, value, ps.Value)
}

func (c *testClient) expectCommandComplete(tag string) {
	c.t.Helper()
	msg := c.receive()
	cc, ok := msg.(*pgproto3.CommandComplete)
	require.True(c.t, ok, "expected CommandComplete, got %T: %v", msg, msg)
	assert.Equal(c.t, tag, string(cc.CommandTag))
}

func (c *testClient) expectReadyForQuery(status byte) {
	c.t.Helper()
	msg := c.receive()
	rfq, ok := msg.(*pgproto3.ReadyForQuery)
	require.True(c.t, ok, "expected ReadyForQuery, got %T: %v", msg, msg)
	assert.Equal(c.t, status, rfq.TxStatus)
}

func (c *testClient) expectError(code string) {
	c.t.Helper()
	msg := c.receive()
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(c.t, ok, "expected ErrorResponse, got %T: %v", msg, msg)
	assert.Equal(c.t, code, errResp.Code)
}

func (c *testClient) terminate() {
	c.t.Helper()
	c.send(&pgproto3.Terminate{})
	_ = c.conn.Close()
}

func TestProxyTransactionPooling(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9001, 1234)
	steps = append(steps, pgtest.SimpleQuerySteps("select 1", "SELECT 1")...)
	steps = append(steps, pgtest.SimpleQuerySteps("select 2", "SELECT 1")...)
	steps = append(steps, pgtest.WaitForClose())
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: backendConfigFor(t, mock),
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	id := c.finishStartup()
	assert.Equal(t, "18.1 (pgtether)", id.params["server_version"],
		"startup must answer from the synthetic snapshot, before any backend exists")

	// The first query forces an attach. The backend's actual parameters
	// differ from the synthetic snapshot, so the reconciliation precedes
	// the query result, in sorted order.
	c.send(&pgproto3.Query{String: "select 1"})
	c.expectParameterStatus("client_encoding", "UTF8")
	c.expectParameterStatus("server_version", "18.1")
	c.expectCommandComplete("SELECT 1")
	c.expectReadyForQuery('I')

	require.Eventually(t, func() bool {
		st := h.svc.servers[0].pool.Stats()
		return st.Idle == 1 && st.Leased == 0
	}, e2eTimeout, 10*time.Millisecond, "connection not returned at the transaction boundary")

	// The second query reuses the same connection, and the snapshot now
	// matches it, so the result comes back with no parameter traffic.
	c.send(&pgproto3.Query{String: "select 2"})
	c.expectCommandComplete("SELECT 1")
	c.expectReadyForQuery('I')

	c.terminate()

	st := h.svc.servers[0].pool.Stats()
	assert.Equal(t, 1, st.Total, "both queries must share one backend connection")
}

func TestProxyTransactionPoolingHoldsLeaseInsideTransaction(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9002, 1234)
	steps = append(steps,
		pgtest.ExpectQuery("BEGIN"),
		pgtest.SendCommandComplete("BEGIN"),
		pgtest.SendReadyForQuery('T'),
		pgtest.ExpectQuery("select 1"),
		pgtest.SendCommandComplete("SELECT 1"),
		pgtest.SendReadyForQuery('T'),
		pgtest.ExpectQuery("COMMIT"),
		pgtest.SendCommandComplete("COMMIT"),
		pgtest.SendReadyForQuery('I'),
		pgtest.WaitForClose(),
	)
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: backendConfigFor(t, mock),
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()

	c.send(&pgproto3.Query{String: "BEGIN"})
	c.expectParameterStatus("client_encoding", "UTF8")
	c.expectParameterStatus("server_version", "18.1")
	c.expectCommandComplete("BEGIN")
	c.expectReadyForQuery('T')

	// Inside the transaction block the lease must not return to the pool.
	st := h.svc.servers[0].pool.Stats()
	assert.Equal(t, 1, st.Leased)
	assert.Equal(t, 0, st.Idle)

	c.send(&pgproto3.Query{String: "select 1"})
	c.expectCommandComplete("SELECT 1")
	c.expectReadyForQuery('T')

	c.send(&pgproto3.Query{String: "COMMIT"})
	c.expectCommandComplete("COMMIT")
	c.expectReadyForQuery('I')

	require.Eventually(t, func() bool {
		st := h.svc.servers[0].pool.Stats()
		return st.Idle == 1 && st.Leased == 0
	}, e2eTimeout, 10*time.Millisecond, "connection not released after COMMIT")

	c.terminate()
}

func TestProxySessionPooling(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9003, 1234)
	steps = append(steps, pgtest.SimpleQuerySteps("select 1", "SELECT 1")...)
	steps = append(steps, pgtest.WaitForClose())
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:     config.AuthTrust,
		PoolMode: config.PoolModeSession,
		Backend:  backendConfigFor(t, mock),
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()

	// Session mode attaches eagerly; the parameter reconciliation arrives
	// right after the startup response, with no query outstanding.
	c.expectParameterStatus("client_encoding", "UTF8")
	c.expectParameterStatus("server_version", "18.1")

	require.Eventually(t, func() bool {
		st := h.svc.servers[0].pool.Stats()
		return st.Leased == 1
	}, e2eTimeout, 10*time.Millisecond, "session mode did not attach eagerly")

	c.send(&pgproto3.Query{String: "select 1"})
	c.expectCommandComplete("SELECT 1")
	c.expectReadyForQuery('I')

	// Still held at the idle boundary.
	st := h.svc.servers[0].pool.Stats()
	assert.Equal(t, 1, st.Leased)

	c.terminate()
	require.Eventually(t, func() bool {
		st := h.svc.servers[0].pool.Stats()
		return st.Idle == 1 && st.Leased == 0
	}, e2eTimeout, 10*time.Millisecond, "connection not released at disconnect")
}

func TestProxyCleartextAuth(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthPassword,
		Users:   []config.UserConfig{testUserConfig("alice", "s3cret")},
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	t.Run("correct password", func(t *testing.T) {
		c := dialProxy(t, h.addr)
		c.startup(map[string]string{"user": "alice", "database": "orders"})
		msg := c.receive()
		require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)
		c.send(&pgproto3.PasswordMessage{Password: "s3cret"})
		c.finishStartup()
		c.terminate()
	})

	t.Run("wrong password", func(t *testing.T) {
		c := dialProxy(t, h.addr)
		c.startup(map[string]string{"user": "alice", "database": "orders"})
		msg := c.receive()
		require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)
		c.send(&pgproto3.PasswordMessage{Password: "wrong"})
		c.expectError(pgerrcode.InvalidPassword)
	})
}

func TestProxySCRAMAuth(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Users:   []config.UserConfig{testUserConfig("alice", "s3cret")},
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})

	msg := c.receive()
	sasl, ok := msg.(*pgproto3.AuthenticationSASL)
	require.True(t, ok, "expected AuthenticationSASL, got %T: %v", msg, msg)
	require.Contains(t, sasl.AuthMechanisms, "SCRAM-SHA-256")

	sc := newScramTestClient("", "s3cret")
	c.send(&pgproto3.SASLInitialResponse{
		AuthMechanism: "SCRAM-SHA-256",
		Data:          []byte(sc.first()),
	})

	msg = c.receive()
	cont, ok := msg.(*pgproto3.AuthenticationSASLContinue)
	require.True(t, ok, "expected AuthenticationSASLContinue, got %T: %v", msg, msg)
	serverFirst := string(cont.Data)

	c.send(&pgproto3.SASLResponse{Data: []byte(sc.final(t, serverFirst))})

	msg = c.receive()
	final, ok := msg.(*pgproto3.AuthenticationSASLFinal)
	require.True(t, ok, "expected AuthenticationSASLFinal, got %T: %v", msg, msg)
	assert.True(t, sc.verifyServerFinal(string(final.Data)),
		"server signature did not verify")

	c.finishStartup()
	c.terminate()
}

// TestProxyPgxClient drives the proxy with a real pgx connection: SCRAM
// authentication, a simple-protocol query, and a clean goodbye.
func TestProxyPgxClient(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9004, 1234)
	steps = append(steps,
		pgtest.ExpectQuery("select 1"),
		pgtest.SendRowDescription([]pgproto3v2.FieldDescription{{
			Name:         []byte("?column?"),
			DataTypeOID:  23,
			DataTypeSize: 4,
			TypeModifier: -1,
		}}),
		pgtest.SendDataRow([][]byte{[]byte("1")}),
		pgtest.SendCommandComplete("SELECT 1"),
		pgtest.SendReadyForQuery('I'),
		pgtest.WaitForClose(),
	)
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Users:   []config.UserConfig{testUserConfig("alice", "s3cret")},
		Backend: backendConfigFor(t, mock),
	})

	ctx, cancel := context.WithTimeout(context.Background(), e2eTimeout)
	defer cancel()

	connStr := fmt.Sprintf(
		"postgres://alice:s3cret@%s/orders?sslmode=disable&default_query_exec_mode=simple_protocol",
		h.addr)
	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)

	var n int
	require.NoError(t, conn.QueryRow(ctx, "select 1").Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, conn.Close(ctx))
}

func TestProxyCancelRouting(t *testing.T) {
	const backendPID, backendSecret = uint32(9005), uint32(31337)

	steps := pgtest.TrustHandshakeSteps(backendPID, backendSecret)
	steps = append(steps, pgtest.SimpleQuerySteps("select 1", "SELECT 1")...)
	steps = append(steps, pgtest.WaitForClose())
	mock := pgtest.NewMockServer(t, steps...)

	cancelled := make(chan *pgproto3v2.CancelRequest, 1)
	mock.Enqueue(&expectCancelStep{got: cancelled})
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:     config.AuthTrust,
		PoolMode: config.PoolModeSession,
		Backend:  backendConfigFor(t, mock),
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	id := c.finishStartup()

	// A query round trip proves the backend is attached, so the cancel
	// has a live target with a real backend identity.
	c.expectParameterStatus("client_encoding", "UTF8")
	c.expectParameterStatus("server_version", "18.1")
	c.send(&pgproto3.Query{String: "select 1"})
	c.expectCommandComplete("SELECT 1")
	c.expectReadyForQuery('I')

	// The wrong secret is dropped without touching the backend. The only
	// acknowledgement either way is the closed connection.
	sendCancel(t, h.addr, id.pid, id.secret+1)

	sendCancel(t, h.addr, id.pid, id.secret)
	select {
	case req := <-cancelled:
		assert.Equal(t, backendPID, req.ProcessID,
			"cancel must carry the backend identity, not the synthetic one")
		assert.Equal(t, backendSecret, req.SecretKey)
	case <-time.After(e2eTimeout):
		t.Fatal("cancel request never reached the backend")
	}

	c.terminate()
}

// sendCancel opens a raw connection, fires a CancelRequest, and waits for
// the proxy to hang up.
func sendCancel(t *testing.T, addr string, pid, secret uint32) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(e2eTimeout)))

	pkt := pgwire.StartupPacket{Kind: pgwire.KindCancelRequest, ProcessID: pid, SecretKey: secret}
	_, err = conn.Write(pkt.Encode())
	require.NoError(t, err)

	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "cancel connections get no reply, only a close")
}

// expectCancelStep is a pgmock step that reads a CancelRequest off the
// wire and reports it, so the test has a positive signal that the script
// actually ran.
type expectCancelStep struct {
	got chan *pgproto3v2.CancelRequest
}

func (s *expectCancelStep) Step(backend *pgproto3v2.Backend) error {
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	req, ok := msg.(*pgproto3v2.CancelRequest)
	if !ok {
		return fmt.Errorf("expected CancelRequest, got %T", msg)
	}
	s.got <- req
	return nil
}

func TestProxyCatalogMismatch(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:     config.AuthTrust,
		Database: "orders",
		Backend:  config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "marketing"})
	c.expectError(pgerrcode.InvalidCatalogName)
}

func TestProxyUnsupportedProtocolVersion(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)
	pkt := pgwire.StartupPacket{
		Kind:     pgwire.KindStartup,
		Protocol: 2 << 16,
		Params:   []pgwire.Param{{Name: "user", Value: "alice"}},
	}
	_, err := c.conn.Write(pkt.Encode())
	require.NoError(t, err)

	c.expectError(pgerrcode.FeatureNotSupported)
}

func TestProxyCopyDataWhileIdle(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()

	// CopyData with no COPY open is rejected before the proxy ever
	// acquires a backend connection.
	c.send(&pgproto3.CopyData{Data: []byte("1\t2\n")})
	c.expectError(pgerrcode.ProtocolViolation)

	_, err := c.fe.Receive()
	assert.Error(t, err, "session must end after a protocol violation")

	st := h.svc.servers[0].pool.Stats()
	assert.Equal(t, 0, st.Total, "violation before attach must not cost a connection")
}

func TestProxySSLProbe(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)

	_, err := c.conn.Write(pgwire.StartupPacket{Kind: pgwire.KindSSLRequest}.Encode())
	require.NoError(t, err)
	reply := make([]byte, 1)
	_, err = c.conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, byte('N'), reply[0], "plaintext listener must refuse TLS")

	// The client falls back to a plaintext startup on the same connection.
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()
	c.terminate()
}

func TestProxyPoolExhausted(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9006, 1234)
	steps = append(steps, pgtest.WaitForClose())
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:     config.AuthTrust,
		PoolMode: config.PoolModeSession,
		Backend:  backendConfigFor(t, mock),
		Pool: config.PoolSettings{
			MaxSize:        1,
			AcquireTimeout: config.Duration(200 * time.Millisecond),
		},
	})

	// The first session takes the only connection and keeps it.
	c1 := dialProxy(t, h.addr)
	c1.startup(map[string]string{"user": "alice", "database": "orders"})
	c1.finishStartup()
	c1.expectParameterStatus("client_encoding", "UTF8")
	c1.expectParameterStatus("server_version", "18.1")

	c2 := dialProxy(t, h.addr)
	c2.startup(map[string]string{"user": "alice", "database": "orders"})
	c2.finishStartup()
	c2.expectError(pgerrcode.TooManyConnections)

	c1.terminate()
}

func TestProxyGracefulShutdownDrainsClients(t *testing.T) {
	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: config.BackendConfig{Host: "127.0.0.1", Port: 1},
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()

	h.svc.Shutdown(ShutdownWaitForClients)

	// New connections are refused once the listeners close.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", h.addr)
		if err == nil {
			_ = conn.Close()
			return false
		}
		return true
	}, e2eTimeout, 20*time.Millisecond, "listener still accepting after graceful shutdown")

	// The service keeps running while the session lives.
	select {
	case err := <-h.done:
		t.Fatalf("ListenAndServe returned before clients drained: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	c.terminate()
	assert.NoError(t, h.wait(t))
}

func TestProxyBackendErrorPassthrough(t *testing.T) {
	steps := pgtest.TrustHandshakeSteps(9007, 1234)
	steps = append(steps,
		pgtest.ExpectQuery("select wrong"),
		pgtest.SendError("ERROR", pgerrcode.UndefinedColumn, `column "wrong" does not exist`),
		pgtest.SendReadyForQuery('I'),
		pgtest.WaitForClose(),
	)
	mock := pgtest.NewMockServer(t, steps...)
	mock.ServeBackground()

	h := startProxy(t, config.ServerConfig{
		Auth:    config.AuthTrust,
		Backend: backendConfigFor(t, mock),
	})

	c := dialProxy(t, h.addr)
	c.startup(map[string]string{"user": "alice", "database": "orders"})
	c.finishStartup()

	c.send(&pgproto3.Query{String: "select wrong"})
	c.expectParameterStatus("client_encoding", "UTF8")
	c.expectParameterStatus("server_version", "18.1")
	c.expectError(pgerrcode.UndefinedColumn)
	c.expectReadyForQuery('I')

	// A query error is the backend's business, not a session failure;
	// the connection still comes back at the boundary.
	require.Eventually(t, func() bool {
		st := h.svc.servers[0].pool.Stats()
		return st.Idle == 1 && st.Leased == 0
	}, e2eTimeout, 10*time.Millisecond)

	c.terminate()
}
