package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pgtether/pgtether/pkg/backend"
	"github.com/pgtether/pgtether/pkg/config"
	"github.com/pgtether/pgtether/pkg/observability"
	"github.com/pgtether/pgtether/pkg/params"
	"github.com/pgtether/pgtether/pkg/pgwire"
	"github.com/pgtether/pgtether/pkg/pool"
)

const (
	// startupTimeout bounds the whole pre-query phase: negotiation
	// packets, the startup message, and the auth exchange.
	startupTimeout = 30 * time.Second

	// maxNegotiationPackets bounds how many SSLRequest or GSSENCRequest
	// packets may precede the real startup message.
	maxNegotiationPackets = 4

	tracerName = "github.com/pgtether/pgtether/pkg/proxy"
)

// errClientClosed marks the client ending its session on purpose, via
// Terminate or by closing the socket between messages.
var errClientClosed = errors.New("client closed connection")

// Session is one accepted client connection, from startup packet to
// teardown. It authenticates the client, presents a synthetic connection
// identity, and then relays frames to leased backend connections.
//
// In transaction pool mode the session holds a lease only from the first
// frame of a transaction until the ReadyForQuery that returns the
// connection to rest. In session mode it holds one lease for its whole
// lifetime.
type Session struct {
	id     uint64
	svc    *Service
	srv    *server
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn

	scanner *pgwire.Scanner
	logger  *slog.Logger

	user     string
	database string
	key      backend.Key
	pid      uint32
	secret   uint32

	// mu guards lease identity so cancel requests can be routed from
	// other connections' goroutines while the relay runs.
	mu    sync.Mutex
	lease *pool.Lease

	backendReader *backend.ChanReader[pgwire.Frame]

	// clientParams is the parameter snapshot the client has been told
	// about. Attaching a backend replays the difference between this and
	// the connection's actual reported values.
	clientParams params.ParameterStatuses

	// scratch validates client frames while no backend is attached, so
	// an illegal frame never costs a pool acquisition.
	scratch pgwire.ProtocolState

	// atBoundary is true when the last backend frame forwarded was a
	// ReadyForQuery and no client frame has been forwarded since. Only
	// then can teardown release the lease clean.
	atBoundary bool

	wbuf      []byte
	startedAt time.Time
}

func newSession(svc *Service, srv *server, conn net.Conn) *Session {
	ctx, cancel := context.WithCancel(svc.ctx)
	id := svc.sessionSeq.Add(1)
	return &Session{
		id:        id,
		svc:       svc,
		srv:       srv,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		scanner:   pgwire.NewScanner(conn, srv.cfg.GetMaxMessageSize().Int64()),
		logger:    srv.logger.With(slog.Uint64("session", id)),
		scratch:   pgwire.NewProtocolState(),
		startedAt: time.Now(),
	}
}

// run serves the session to completion. The service invokes it on a
// dedicated goroutine and has already registered the session for
// shutdown cancellation.
func (s *Session) run() {
	defer s.cancel()
	defer s.conn.Close()

	if s.svc.IsShuttingDown() {
		s.sendError(pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.CannotConnectNow,
			"the server is shutting down", nil))
		return
	}
	if err := s.conn.SetDeadline(time.Now().Add(startupTimeout)); err != nil {
		return
	}

	pkt, ok := s.negotiateStartup()
	if !ok {
		return
	}
	if err := s.validateStartup(pkt); err != nil {
		s.sendError(err)
		return
	}
	if err := s.authenticate(); err != nil {
		if !errors.Is(err, errClientClosed) {
			s.logger.Info("authentication failed", slog.Any("error", err))
			s.sendError(err)
		}
		return
	}
	if err := s.finishStartup(pkt); err != nil {
		if !errors.Is(err, errClientClosed) {
			s.sendError(err)
		}
		return
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	s.srv.registerCancelTarget(s)
	defer s.srv.deregisterCancelTarget(s)

	s.svc.metrics.RecordSessionStart(s.srv.cfg.Name, s.user, s.database)
	defer func() {
		s.svc.metrics.RecordSessionEnd(s.srv.cfg.Name, s.user, s.database, time.Since(s.startedAt).Seconds())
	}()

	ctx, span := s.svc.tracer.Tracer(tracerName).Start(s.ctx, "pgtether.session",
		trace.WithAttributes(observability.SessionAttributes(s.srv.cfg.Name, s.user, s.database)...),
		trace.WithAttributes(
			attribute.Int64(observability.AttrSessionPID, int64(s.pid)),
			attribute.String(observability.AttrPoolMode, string(s.srv.cfg.GetPoolMode())),
		))
	s.ctx = ctx
	defer span.End()

	s.logger.Debug("session started")
	err := s.relay()
	if err != nil && !errors.Is(err, errClientClosed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session failed")
	}
	s.teardown(err)
}

// negotiateStartup reads packets until the real startup message arrives,
// answering SSL and GSS encryption probes with a plaintext refusal and
// dispatching cancel requests. ok is false when the session is already
// finished (cancel handled, client gone, or garbage received).
func (s *Session) negotiateStartup() (pgwire.StartupPacket, bool) {
	for range maxNegotiationPackets {
		pkt, err := s.scanner.ScanStartup()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("startup read failed", slog.Any("error", err))
				s.sendError(pgwire.NewProtocolViolation(err, "malformed startup packet"))
			}
			return pgwire.StartupPacket{}, false
		}
		switch pkt.Kind {
		case pgwire.KindSSLRequest, pgwire.KindGSSEncRequest:
			// The listener is plaintext; clients fall back or hang up.
			if _, err := s.conn.Write([]byte{'N'}); err != nil {
				return pgwire.StartupPacket{}, false
			}
		case pgwire.KindCancelRequest:
			s.srv.routeCancel(s.ctx, pkt.ProcessID, pkt.SecretKey)
			return pgwire.StartupPacket{}, false
		case pgwire.KindStartup:
			return pkt, true
		}
	}
	s.logger.Debug("too many negotiation packets before startup")
	return pgwire.StartupPacket{}, false
}

func (s *Session) validateStartup(pkt pgwire.StartupPacket) error {
	if pkt.Protocol != pgwire.ProtocolVersion30 {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.FeatureNotSupported,
			fmt.Sprintf("unsupported frontend protocol %d.%d: server supports 3.0",
				pkt.Protocol>>16, pkt.Protocol&0xffff), nil)
	}
	if pkt.Get("replication") != "" {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.FeatureNotSupported,
			"replication connections are not supported", nil)
	}
	s.user = pkt.Get("user")
	if s.user == "" {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.InvalidAuthorizationSpecification,
			"no PostgreSQL user name specified in startup packet", nil)
	}
	s.database = pkt.Get("database")
	if s.database == "" {
		s.database = s.user
	}
	s.logger = s.logger.With(slog.String("user", s.user), slog.String("database", s.database))
	return nil
}

// authenticate drives the configured auth exchange with the client.
func (s *Session) authenticate() error {
	a := newAuthSession(s.srv.cfg.GetAuth(), s.user, s.srv.users, s.srv.cfg.GetSCRAMIterations())
	req, err := a.Begin()
	if err != nil {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.InternalError,
			"authentication setup failed", err)
	}
	if req != nil {
		if err := s.writeMessages(req); err != nil {
			return errClientClosed
		}
	}
	for !a.Done() {
		f, err := s.scanner.Scan()
		if err != nil {
			return errClientClosed
		}
		if f.Type == pgwire.MsgClientTerminate {
			return errClientClosed
		}
		msgs, err := a.Advance(f)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			if err := s.writeMessages(msgs...); err != nil {
				return errClientClosed
			}
		}
	}
	return nil
}

// finishStartup checks the catalog, builds the pooling key, allocates the
// session's synthetic backend identity, and sends the startup response:
// AuthenticationOk, the parameter snapshot, BackendKeyData, and an idle
// ReadyForQuery. No backend connection is touched yet.
func (s *Session) finishStartup(pkt pgwire.StartupPacket) error {
	if want := s.srv.cfg.Database; want != "" && s.database != want {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.InvalidCatalogName,
			fmt.Sprintf("database %q does not exist", s.database), nil)
	}

	s.key = s.srv.poolKey(s.user, s.database, pkt.Params)

	secret, err := newBackendSecret()
	if err != nil {
		return pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.InternalError,
			"failed to allocate session identity", err)
	}
	s.pid = s.svc.allocPID()
	s.secret = secret

	s.clientParams = params.BaseParameterStatuses.Clone()
	for _, p := range s.key.Params() {
		s.clientParams[p.Name] = p.Value
	}

	msgs := make([]pgproto3.BackendMessage, 0, len(s.clientParams)+3)
	msgs = append(msgs, &pgproto3.AuthenticationOk{})
	for _, name := range sortedNames(s.clientParams) {
		msgs = append(msgs, &pgproto3.ParameterStatus{Name: name, Value: s.clientParams[name]})
	}
	msgs = append(msgs,
		&pgproto3.BackendKeyData{ProcessID: s.pid, SecretKey: s.secret},
		&pgproto3.ReadyForQuery{TxStatus: byte(pgwire.TxStatusIdle)},
	)
	if err := s.writeMessages(msgs...); err != nil {
		return errClientClosed
	}
	return nil
}

// relay moves frames between the client and leased backend connections
// until one side ends the session.
func (s *Session) relay() error {
	clientReader := backend.NewChanReader(s.scanner.Scan)
	defer clientReader.Stop()

	if s.srv.cfg.GetPoolMode() == config.PoolModeSession {
		if err := s.attach(); err != nil {
			return err
		}
	}

	for {
		var backendCh <-chan backend.Result[pgwire.Frame]
		if s.backendReader != nil {
			backendCh = s.backendReader.Results()
		}

		select {
		case <-s.ctx.Done():
			return s.ctx.Err()

		case res := <-clientReader.Results():
			if res.Err != nil {
				switch {
				case errors.Is(res.Err, pgwire.ErrMalformedFrame):
					return s.clientViolation(res.Err)
				case errors.Is(res.Err, io.EOF):
					return errClientClosed
				default:
					return fmt.Errorf("client read: %w", res.Err)
				}
			}
			if err := s.handleClientFrame(res.Value); err != nil {
				return err
			}
			clientReader.Continue()

		case res := <-backendCh:
			if res.Err != nil {
				return s.backendFailed(fmt.Errorf("backend read: %w", res.Err))
			}
			if err := s.handleBackendFrame(res.Value); err != nil {
				return err
			}
		}
	}
}

// handleClientFrame validates and forwards one client frame, attaching a
// backend connection first if none is held.
func (s *Session) handleClientFrame(f pgwire.Frame) error {
	if f.Type == pgwire.MsgClientTerminate {
		return errClientClosed
	}
	if s.lease == nil {
		if err := s.scratch.ObserveClient(f); err != nil {
			return s.clientViolation(err)
		}
		if err := s.attach(); err != nil {
			return err
		}
	}
	conn := s.lease.Conn()
	if err := conn.ObserveClient(f); err != nil {
		return s.clientViolation(err)
	}
	if err := conn.WriteFrame(f); err != nil {
		return s.backendFailed(fmt.Errorf("backend write: %w", err))
	}
	s.atBoundary = false
	return nil
}

// handleBackendFrame forwards one backend frame to the client. At an
// idle ReadyForQuery in transaction mode it releases the lease instead
// of resuming the backend read.
func (s *Session) handleBackendFrame(f pgwire.Frame) error {
	conn := s.lease.Conn()
	if err := conn.ObserveServer(f); err != nil {
		return s.backendFailed(fmt.Errorf("backend protocol: %w", err))
	}
	if err := s.writeFrames(f); err != nil {
		return fmt.Errorf("client write: %w", err)
	}
	if f.Type == pgwire.MsgServerReadyForQuery {
		s.atBoundary = true
		if s.srv.cfg.GetPoolMode() == config.PoolModeTransaction && conn.AtRest() {
			s.detach(pool.OutcomeClean)
			return nil
		}
	}
	s.backendReader.Continue()
	return nil
}

// attach leases a backend connection for the session's key and reconciles
// the client's parameter snapshot with the connection's actual values.
func (s *Session) attach() error {
	started := time.Now()
	ctx, span := s.svc.tracer.Tracer(tracerName).Start(s.ctx, "pool.acquire",
		trace.WithAttributes(observability.SessionAttributes(s.srv.cfg.Name, s.user, s.database)...))
	lease, err := s.srv.pool.Acquire(ctx, s.key)
	wait := time.Since(started).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		span.End()
		s.svc.metrics.RecordAcquire(s.srv.cfg.Name, acquireStatus(err), wait)
		return s.acquireFailed(err)
	}
	conn := lease.Conn()
	span.SetAttributes(attribute.Int64(observability.AttrBackendPID, int64(conn.PID())))
	span.End()
	s.svc.metrics.RecordAcquire(s.srv.cfg.Name, observability.AcquireOK, wait)

	diff := s.clientParams.DiffToTip(conn.Params())
	var updates []pgproto3.BackendMessage
	for _, name := range sortedNames(diff) {
		// A nil entry is a parameter the backend never reported; there
		// is no wire message that retracts one, so it stands.
		if v := diff[name]; v != nil {
			updates = append(updates, &pgproto3.ParameterStatus{Name: name, Value: *v})
		}
	}
	if len(updates) > 0 {
		if err := s.writeMessages(updates...); err != nil {
			lease.Release(pool.OutcomeClean)
			return fmt.Errorf("client write: %w", err)
		}
	}
	s.clientParams = conn.Params().Clone()

	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()
	s.backendReader = backend.NewChanReader(conn.ReadFrame)
	s.atBoundary = true
	s.logger.Debug("attached backend",
		slog.Uint64("conn_id", conn.ID()),
		slog.Int("backend_pid", int(conn.PID())))
	return nil
}

// detach stops the backend pump and returns the lease to the pool. The
// pump is parked whenever this is called, so the connection has no read
// in flight unless the outcome is already dirty.
func (s *Session) detach(outcome pool.Outcome) {
	if s.lease == nil {
		return
	}
	s.backendReader.Stop()
	s.backendReader = nil

	conn := s.lease.Conn()
	s.clientParams = conn.Params().Clone()

	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()

	lease.Release(outcome)
	s.scratch = pgwire.NewProtocolState()
	s.logger.Debug("detached backend",
		slog.Uint64("conn_id", conn.ID()),
		slog.String("outcome", outcome.String()))
}

// backendIdentity reports the attached connection's real PID and secret
// for cancel routing. ok is false while no backend is attached.
func (s *Session) backendIdentity() (pid, secret uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return 0, 0, false
	}
	conn := s.lease.Conn()
	return conn.PID(), conn.Secret(), true
}

// teardown settles the lease and logs how the session ended. Client and
// backend sockets are closed by run's defers.
func (s *Session) teardown(err error) {
	if s.lease != nil {
		if s.lease.Conn().TxStatus().InTransaction() {
			s.svc.metrics.RecordAbandonedTransaction(s.srv.cfg.Name)
		}
		outcome := pool.OutcomeDirty
		if s.atBoundary {
			outcome = pool.OutcomeClean
		}
		s.detach(outcome)
	}

	switch {
	case err == nil || errors.Is(err, errClientClosed):
		s.logger.Debug("session closed", slog.Duration("duration", time.Since(s.startedAt)))
	case errors.Is(err, context.Canceled):
		s.sendError(pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.AdminShutdown,
			"terminating connection due to administrator command", nil))
		s.logger.Info("session terminated by shutdown")
	default:
		s.logger.Warn("session ended", slog.Any("error", err))
	}
}

// clientViolation ends the session for a client protocol violation. The
// offending frame was never forwarded, so an attached connection is still
// in a known stream position.
func (s *Session) clientViolation(err error) error {
	s.svc.metrics.RecordProtocolViolation(s.srv.cfg.Name)
	if path, ok := s.svc.recorder.TryTakeSnapshot("protocol-violation"); ok {
		s.logger.Warn("captured flight recording", slog.String("path", path))
	}
	var perr *pgwire.Err
	if !errors.As(err, &perr) {
		perr = pgwire.NewProtocolViolation(err, "protocol violation")
	}
	s.sendError(perr)
	return err
}

// backendFailed releases the lease dirty and tells the client its backend
// is gone.
func (s *Session) backendFailed(err error) error {
	s.detach(pool.OutcomeDirty)
	s.sendError(pgwire.NewErr(pgwire.SeverityFatal, pgerrcode.ConnectionFailure,
		"backend connection failed", err))
	return err
}

// acquireFailed maps a pool acquisition error to the client-visible FATAL
// error that ends the session.
func (s *Session) acquireFailed(err error) error {
	code := pgerrcode.SQLClientUnableToEstablishSQLConnection
	msg := "could not connect to backend"
	switch {
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrAcquireTimeout):
		code = pgerrcode.TooManyConnections
		msg = "connection pool exhausted"
	case errors.Is(err, pool.ErrPoolShuttingDown):
		code = pgerrcode.CannotConnectNow
		msg = "the server is shutting down"
	}
	s.sendError(pgwire.NewErr(pgwire.SeverityFatal, code, msg, err))
	return err
}

func acquireStatus(err error) string {
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		return observability.AcquireTimeout
	case errors.Is(err, pool.ErrPoolExhausted):
		return observability.AcquireExhausted
	default:
		return observability.AcquireError
	}
}

// sendError writes err to the client as an ErrorResponse, best effort.
func (s *Session) sendError(err error) {
	resp := pgwire.AsErrorResponse(err)
	if werr := s.writeMessages(resp); werr != nil {
		s.logger.Debug("error response not delivered", slog.Any("error", werr))
	}
}

// sortedNames returns the map's keys in sorted order so parameter
// replays hit the wire deterministically.
func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// writeFrames sends raw frames to the client in one write.
func (s *Session) writeFrames(frames ...pgwire.Frame) error {
	s.wbuf = s.wbuf[:0]
	for _, f := range frames {
		s.wbuf = f.Append(s.wbuf)
	}
	_, err := s.conn.Write(s.wbuf)
	return err
}

// writeMessages encodes typed messages and sends them in one write.
func (s *Session) writeMessages(msgs ...pgproto3.BackendMessage) error {
	s.wbuf = s.wbuf[:0]
	for _, msg := range msgs {
		var err error
		s.wbuf, err = msg.Encode(s.wbuf)
		if err != nil {
			return err
		}
	}
	_, err := s.conn.Write(s.wbuf)
	return err
}
