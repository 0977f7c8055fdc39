// Package proxy accepts PostgreSQL client connections, authenticates
// them, and relays their traffic onto pooled backend connections.
package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgtether/pgtether/pkg/backend"
	"github.com/pgtether/pgtether/pkg/config"
	"github.com/pgtether/pgtether/pkg/observability"
	"github.com/pgtether/pgtether/pkg/params"
	"github.com/pgtether/pgtether/pkg/pgwire"
	"github.com/pgtether/pgtether/pkg/pool"
)

const (
	// cancelTimeout bounds the out-of-band dial a cancel request causes.
	cancelTimeout = 5 * time.Second

	// poolStatsInterval is how often pool gauges are published.
	poolStatsInterval = 10 * time.Second

	// drainTimeout bounds pool shutdown after the last session exits.
	drainTimeout = 30 * time.Second
)

// ShutdownMode is the service's position in its shutdown sequence.
type ShutdownMode int32

const (
	// ShutdownNone means the service is running normally.
	ShutdownNone ShutdownMode = iota
	// ShutdownWaitForClients stops accepting connections and waits for
	// the remaining sessions to disconnect on their own.
	ShutdownWaitForClients
	// ShutdownImmediate cancels every session and exits.
	ShutdownImmediate
)

func (m ShutdownMode) String() string {
	switch m {
	case ShutdownNone:
		return "none"
	case ShutdownWaitForClients:
		return "wait_for_clients"
	case ShutdownImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

// Options carries the observability plumbing into a Service. Zero values
// disable each concern; the nil receivers are safe throughout.
type Options struct {
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.TracerProvider
	Recorder *observability.FlightRecorderService
}

// Service runs every configured server: it owns the listeners, the
// per-server connection pools, and the set of live sessions.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider
	recorder *observability.FlightRecorderService

	ctx    context.Context
	cancel context.CancelFunc

	servers []*server

	mu           sync.Mutex
	shutdownMode ShutdownMode
	shutdownCh   chan struct{}
	sessions     map[*Session]struct{}
	listeners    []net.Listener

	wg         sync.WaitGroup
	sessionSeq atomic.Uint64
	pidSeq     atomic.Uint32
}

// NewService resolves every server's credentials and builds its pool.
// It does not listen yet; ListenAndServe does.
func NewService(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		recorder:   opts.Recorder,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
		sessions:   make(map[*Session]struct{}),
	}
	for i := range cfg.Servers {
		srv, err := newServer(ctx, s, &cfg.Servers[i], secrets)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("servers[%d] (%s): %w", i, cfg.Servers[i].Name, err)
		}
		s.servers = append(s.servers, srv)
	}
	return s, nil
}

// ListenAndServe opens every configured listener and serves until
// shutdown. It returns after the sessions have drained (wait_for_clients)
// or been cancelled (immediate) and the pools have shut down.
func (s *Service) ListenAndServe() error {
	type binding struct {
		srv *server
		ln  net.Listener
	}
	var bindings []binding
	for _, srv := range s.servers {
		for _, addr := range srv.cfg.Listen {
			ln, err := net.Listen("tcp", addr.String())
			if err != nil {
				s.closeListeners()
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			s.mu.Lock()
			s.listeners = append(s.listeners, ln)
			s.mu.Unlock()
			bindings = append(bindings, binding{srv: srv, ln: ln})
			srv.logger.Info("listening", slog.String("addr", ln.Addr().String()))
		}
	}

	go s.shutdownHandler()
	go s.poolStatsLoop()

	acceptErr := make(chan error, len(bindings))
	for _, b := range bindings {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			acceptErr <- s.acceptLoop(b.srv, b.ln)
		}()
	}

	var cause error
	select {
	case err := <-acceptErr:
		if err != nil {
			cause = err
			s.logger.Error("accept failed, shutting down", slog.Any("error", err))
			s.Shutdown(ShutdownImmediate)
		}
	case <-s.shutdownCh:
	case <-s.ctx.Done():
	}
	s.closeListeners()
	s.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, srv := range s.servers {
		if err := srv.pool.Shutdown(shutdownCtx); err != nil && cause == nil {
			cause = err
		}
	}
	s.cancel()
	return cause
}

// acceptLoop serves one listener. It returns nil when the listener closes
// as part of a shutdown and the accept error otherwise.
func (s *Service) acceptLoop(srv *server, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.IsShuttingDown() {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		sess := newSession(s, srv, conn)
		s.addSession(sess)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeSession(sess)
			sess.run()
		}()
	}
}

// Shutdown moves the service into the requested mode and returns the
// mode actually in effect. A second wait_for_clients request escalates
// to immediate, so a repeated Ctrl-C always means now. Immediate is
// terminal.
func (s *Service) Shutdown(mode ShutdownMode) ShutdownMode {
	if mode == ShutdownNone {
		return s.GetShutdownMode()
	}

	s.mu.Lock()
	prev := s.shutdownMode
	var effective ShutdownMode
	switch {
	case prev == ShutdownImmediate:
		effective = ShutdownImmediate
	case prev == ShutdownNone && mode == ShutdownWaitForClients:
		effective = ShutdownWaitForClients
	default:
		effective = ShutdownImmediate
	}
	s.shutdownMode = effective
	if prev == ShutdownNone {
		close(s.shutdownCh)
	}
	s.mu.Unlock()

	switch {
	case effective == ShutdownImmediate && prev != ShutdownImmediate:
		s.logger.Info("immediate shutdown, cancelling sessions",
			slog.String("previous", prev.String()))
		s.cancel()
		s.cancelAllSessions()
	case effective == ShutdownWaitForClients && prev == ShutdownNone:
		s.logger.Info("graceful shutdown, waiting for clients to disconnect")
	}
	return effective
}

// GetShutdownMode reports the mode currently in effect.
func (s *Service) GetShutdownMode() ShutdownMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownMode
}

// IsShuttingDown reports whether any shutdown has begun.
func (s *Service) IsShuttingDown() bool {
	return s.GetShutdownMode() != ShutdownNone
}

// shutdownHandler closes the listeners once a shutdown begins, refusing
// new connections while in-flight sessions drain.
func (s *Service) shutdownHandler() {
	select {
	case <-s.shutdownCh:
	case <-s.ctx.Done():
	}
	s.closeListeners()
}

// cancelAllSessions force-closes every live session. Closing the client
// socket unblocks reads; cancelling the context unblocks everything else.
func (s *Service) cancelAllSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
		_ = sess.conn.Close()
	}
}

func (s *Service) closeListeners() {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, ln := range listeners {
		_ = ln.Close()
	}
}

func (s *Service) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// SessionCount reports the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ListenerAddrs reports the bound listener addresses. Useful when a
// configured listen address used port 0.
func (s *Service) ListenerAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// allocPID issues a synthetic backend PID for a session's BackendKeyData.
// The space is private to the proxy; it only needs to avoid collisions
// between live sessions, never to match a real backend.
func (s *Service) allocPID() uint32 {
	return s.pidSeq.Add(1)
}

func newBackendSecret() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// poolStatsLoop publishes pool occupancy gauges on a fixed cadence.
func (s *Service) poolStatsLoop() {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, srv := range s.servers {
				st := srv.pool.Stats()
				s.metrics.UpdatePoolStats(srv.cfg.Name, st.Idle, st.Leased, st.Connecting, st.Waiting)
			}
		}
	}
}

// server is the runtime for one configured logical server: its resolved
// users, its connection pool, and its cancel routing table.
type server struct {
	svc    *Service
	cfg    *config.ServerConfig
	logger *slog.Logger
	pool   *pool.Manager
	users  map[string]UserCredentials

	// backendPassword is the fallback credential for users without an
	// entry in the user table, reachable only under trust auth.
	backendPassword string

	// tracked is the set of startup parameter names that participate in
	// pooling identity.
	tracked map[string]bool

	mu            sync.Mutex
	cancelTargets map[uint32]*Session
}

func newServer(ctx context.Context, svc *Service, cfg *config.ServerConfig, secrets *config.SecretCache) (*server, error) {
	logger := svc.logger.With(slog.String("server", cfg.Name))

	users, err := resolveUserCredentials(ctx, cfg.Users, secrets)
	if err != nil {
		return nil, err
	}
	backendPassword := ""
	if cfg.Backend.Password != nil {
		backendPassword, err = secrets.Get(ctx, *cfg.Backend.Password)
		if err != nil {
			return nil, fmt.Errorf("backend.password: %w", err)
		}
	}
	poolCfg, err := cfg.Pool.PoolConfig()
	if err != nil {
		return nil, err
	}
	poolCfg.OnClose = func(reason string) {
		svc.metrics.RecordBackendClose(cfg.Name, reason)
	}

	tracked := make(map[string]bool, len(params.BaseTrackedParameters)+len(cfg.TrackExtraParameters))
	for _, name := range params.BaseTrackedParameters {
		tracked[name] = true
	}
	for _, name := range cfg.TrackExtraParameters {
		tracked[name] = true
	}

	srv := &server{
		svc:             svc,
		cfg:             cfg,
		logger:          logger,
		users:           users,
		backendPassword: backendPassword,
		tracked:         tracked,
		cancelTargets:   make(map[uint32]*Session),
	}
	srv.pool = pool.NewManager(poolCfg, srv.connect, srv.cancelBackend, logger)
	return srv, nil
}

// connect dials and authenticates one backend connection for key. The
// pool calls it from Acquire and from its background spawner.
func (srv *server) connect(ctx context.Context, key backend.Key) (*backend.Conn, error) {
	started := time.Now()
	conn, err := backend.Connect(ctx, backend.Config{
		Addr:           srv.cfg.Backend.Addr(),
		Key:            key,
		Password:       srv.passwordFunc(key.User),
		ConnectTimeout: srv.cfg.Backend.GetConnectTimeout(),
		MaxMessageSize: srv.cfg.GetMaxMessageSize().Int64(),
		Logger:         srv.logger,
	})
	srv.svc.metrics.RecordBackendConnect(srv.cfg.Name, time.Since(started).Seconds(), err)
	return conn, err
}

// passwordFunc resolves the password presented to the backend for user.
// A configured user's own password doubles as its backend credential;
// users without an entry (reachable under trust auth) fall back to the
// server-wide backend password. It only runs if the backend asks.
func (srv *server) passwordFunc(user string) backend.PasswordFunc {
	return func(ctx context.Context) (string, error) {
		if u, ok := srv.users[user]; ok {
			return u.Password(), nil
		}
		if srv.backendPassword != "" {
			return srv.backendPassword, nil
		}
		return "", fmt.Errorf("no backend password configured for user %q", user)
	}
}

func (srv *server) cancelBackend(ctx context.Context, pid, secret uint32) error {
	return backend.SendCancel(ctx, nil, srv.cfg.Backend.Addr(), pid, secret)
}

// poolKey computes the pooling identity for a startup request: the
// client's tracked parameters in client order, then configured backend
// startup parameters the client did not set, in config order. The key's
// parameter list is also exactly what a new backend connection sends in
// its startup packet. Untracked client parameters are dropped rather
// than smuggled onto a shared connection.
func (srv *server) poolKey(user, database string, clientParams []pgwire.Param) backend.Key {
	tracked := make([]pgwire.Param, 0, len(clientParams))
	seen := make(map[string]bool, len(clientParams))
	for _, p := range clientParams {
		switch p.Name {
		case "user", "database", "options", "replication":
			continue
		}
		if !srv.tracked[p.Name] {
			srv.logger.Debug("dropping untracked startup parameter", slog.String("name", p.Name))
			continue
		}
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		tracked = append(tracked, p)
	}
	for name, value := range srv.cfg.Backend.StartupParameters.All() {
		if name == "user" || name == "database" || seen[name] {
			continue
		}
		tracked = append(tracked, pgwire.Param{Name: name, Value: value})
	}
	if override := srv.cfg.Backend.Database; override != "" {
		database = override
	}
	return backend.NewKey(user, database, tracked)
}

func (srv *server) registerCancelTarget(s *Session) {
	srv.mu.Lock()
	srv.cancelTargets[s.pid] = s
	srv.mu.Unlock()
}

func (srv *server) deregisterCancelTarget(s *Session) {
	srv.mu.Lock()
	delete(srv.cancelTargets, s.pid)
	srv.mu.Unlock()
}

// routeCancel resolves a synthetic cancel identity to the target
// session's currently attached backend and fires the out-of-band cancel.
// Unknown identities are dropped without a response, like the real
// server, and a session with no backend attached has nothing to cancel.
func (srv *server) routeCancel(ctx context.Context, pid, secret uint32) {
	srv.mu.Lock()
	target := srv.cancelTargets[pid]
	srv.mu.Unlock()

	if target == nil || target.secret != secret {
		srv.logger.Debug("cancel request for unknown session", slog.Int("pid", int(pid)))
		srv.svc.metrics.RecordCancelRequest(srv.cfg.Name, false)
		return
	}
	bpid, bsecret, ok := target.backendIdentity()
	if !ok {
		srv.svc.metrics.RecordCancelRequest(srv.cfg.Name, false)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if err := srv.pool.Cancel(ctx, bpid, bsecret); err != nil {
		srv.logger.Warn("cancel request failed",
			slog.Int("backend_pid", int(bpid)), slog.Any("error", err))
	}
	srv.svc.metrics.RecordCancelRequest(srv.cfg.Name, true)
	srv.logger.Debug("forwarded cancel request",
		slog.Int("pid", int(pid)), slog.Int("backend_pid", int(bpid)))
}
