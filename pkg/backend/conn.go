// Package backend dials, authenticates, and speaks to PostgreSQL servers
// on behalf of the pool. A Conn owns one TCP connection and its protocol
// state; the pool owns every Conn's lifecycle.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgtether/pgtether/pkg/params"
	"github.com/pgtether/pgtether/pkg/pgwire"
)

var (
	// ErrHandshakeFailed: the server rejected credentials or the startup
	// exchange broke protocol. The slot is returned; the caller decides
	// whether to retry.
	ErrHandshakeFailed = errors.New("backend handshake failed")

	// ErrBackendUnavailable: transport-level failure before the
	// connection was established (dial error, EOF mid-handshake).
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// State is a connection's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateLeased
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Dialer opens the transport. Anything that satisfies it works: net.Dialer,
// a TLS wrapper, an in-memory pipe in tests.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// PasswordFunc resolves the login password when the server asks for one.
// It runs during the handshake, so it may hit a secret store.
type PasswordFunc func(ctx context.Context) (string, error)

// Config carries everything Connect needs.
type Config struct {
	Addr           string
	Key            Key
	Password       PasswordFunc
	ConnectTimeout time.Duration
	MaxMessageSize int64
	Dialer         Dialer
	Logger         *slog.Logger
}

var nextConnID atomic.Uint64

// Conn is one backend connection.
//
// Conn is not safe for unsynchronized concurrent use: exactly one owner
// (the leasing session, or the pool between leases) drives reads, writes,
// and protocol state at a time. Close and MarkBroken are safe from any
// goroutine.
type Conn struct {
	id     uint64
	key    Key
	addr   string
	logger *slog.Logger

	nc      net.Conn
	scanner *pgwire.Scanner
	wbuf    []byte

	proto  pgwire.ProtocolState
	pid    uint32
	secret uint32

	createdAt  time.Time
	lastUsedAt atomic.Int64 // unix nanos
	useCount   atomic.Int64

	mu      sync.Mutex
	state   State
	lastErr error
}

// Connect dials and performs the startup handshake: startup packet,
// authentication (trust, cleartext, MD5, SCRAM-SHA-256), parameter
// collection, BackendKeyData capture, through the first ReadyForQuery.
// ConnectTimeout bounds the whole exchange.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	nc, err := dial(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrBackendUnavailable, cfg.Addr, err)
	}

	c := &Conn{
		id:        nextConnID.Add(1),
		key:       cfg.Key,
		addr:      cfg.Addr,
		nc:        nc,
		scanner:   pgwire.NewScanner(nc, cfg.MaxMessageSize),
		proto:     pgwire.NewProtocolState(),
		createdAt: time.Now(),
		state:     StateConnecting,
	}
	c.logger = logger.With("conn_id", c.id, "backend_key", c.key)
	c.touch()

	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	if err := c.handshake(ctx, cfg.Password); err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	c.setState(StateIdle)
	c.logger.Debug("backend connection established",
		"backend_pid", c.pid,
		"tx_status", c.proto.TxStatus.String(),
	)
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, password PasswordFunc) error {
	startup := pgwire.StartupPacket{Params: c.key.StartupParams()}
	if _, err := c.nc.Write(startup.Encode()); err != nil {
		return fmt.Errorf("%w: write startup: %v", ErrBackendUnavailable, err)
	}

	for {
		f, err := c.scanner.Scan()
		if err != nil {
			return handshakeReadError(err)
		}
		switch f.Type {
		case pgwire.MsgServerAuth:
			if err := c.answerAuth(ctx, f, password); err != nil {
				return err
			}
		case pgwire.MsgServerParameterStatus:
			if err := c.proto.ObserveServer(f); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
		case pgwire.MsgServerBackendKeyData:
			msg, err := pgwire.BackendMessage(f)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			kd := msg.(*pgproto3.BackendKeyData)
			c.pid, c.secret = kd.ProcessID, kd.SecretKey
		case pgwire.MsgServerReadyForQuery:
			if err := c.proto.ObserveServer(f); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			return nil
		case pgwire.MsgServerErrorResponse:
			return c.handshakeServerError(f)
		case pgwire.MsgServerNoticeResponse:
			// Startup notices are the server's business, not ours.
		default:
			return fmt.Errorf("%w: unexpected %v during handshake", ErrHandshakeFailed, f.Type)
		}
	}
}

// handshakeReadError classifies a read failure during startup: a frame we
// could not trust is a protocol failure, everything else is transport.
func handshakeReadError(err error) error {
	if errors.Is(err, pgwire.ErrMalformedFrame) {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func (c *Conn) handshakeServerError(f pgwire.Frame) error {
	msg, err := pgwire.BackendMessage(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	e := msg.(*pgproto3.ErrorResponse)
	return fmt.Errorf("%w: %s %s: %s", ErrHandshakeFailed, e.Severity, e.Code, e.Message)
}

// ReadFrame returns the next server frame without interpreting it. The
// relay observes it separately so protocol state changes stay on the
// session goroutine.
func (c *Conn) ReadFrame() (pgwire.Frame, error) {
	f, err := c.scanner.Scan()
	if err == nil {
		c.touch()
	}
	return f, err
}

// WriteFrame sends one frame to the server.
func (c *Conn) WriteFrame(f pgwire.Frame) error {
	c.wbuf = f.Append(c.wbuf[:0])
	_, err := c.nc.Write(c.wbuf)
	if err == nil {
		c.touch()
	}
	return err
}

// ObserveClient validates a client frame against the connection's
// protocol state. Errors are protocol violations; the frame must not be
// forwarded and the session ends.
func (c *Conn) ObserveClient(f pgwire.Frame) error {
	return c.proto.ObserveClient(f)
}

// ObserveServer applies a server frame to the protocol state. Errors mean
// the backend broke protocol; mark the connection broken.
func (c *Conn) ObserveServer(f pgwire.Frame) error {
	return c.proto.ObserveServer(f)
}

func (c *Conn) sendMessage(msg pgproto3.FrontendMessage) error {
	f, err := pgwire.FrameFromFrontend(msg)
	if err != nil {
		return err
	}
	return c.WriteFrame(f)
}

// Rollback aborts the connection's open transaction and drains to
// ReadyForQuery. The pool calls this to reclaim a connection whose
// session disappeared mid-transaction.
func (c *Conn) Rollback(ctx context.Context) error {
	c.applyDeadline(ctx)
	defer c.clearDeadline()
	if err := c.sendMessage(&pgproto3.Query{String: "ROLLBACK"}); err != nil {
		return err
	}
	return c.drainUntilReady()
}

// Ping checks liveness with a Sync round trip. Sync is answered with
// ReadyForQuery regardless of mode and parses nothing on the server.
func (c *Conn) Ping(ctx context.Context) error {
	c.applyDeadline(ctx)
	defer c.clearDeadline()
	if err := c.sendMessage(&pgproto3.Sync{}); err != nil {
		return err
	}
	return c.drainUntilReady()
}

// drainUntilReady consumes server frames through the next ReadyForQuery,
// surfacing any ErrorResponse seen on the way.
func (c *Conn) drainUntilReady() error {
	var srvErr *pgproto3.ErrorResponse
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return err
		}
		if err := c.proto.ObserveServer(f); err != nil {
			return err
		}
		switch f.Type {
		case pgwire.MsgServerErrorResponse:
			msg, err := pgwire.BackendMessage(f)
			if err != nil {
				return err
			}
			srvErr = msg.(*pgproto3.ErrorResponse)
		case pgwire.MsgServerReadyForQuery:
			if srvErr != nil {
				return fmt.Errorf("%s %s: %s", srvErr.Severity, srvErr.Code, srvErr.Message)
			}
			return nil
		}
	}
}

// Close sends a best-effort Terminate and closes the transport. Safe to
// call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()

	if f, err := pgwire.FrameFromFrontend(&pgproto3.Terminate{}); err == nil {
		_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = c.nc.Write(f.Encode())
	}
	return c.nc.Close()
}

// MarkBroken takes the connection out of rotation permanently. The pool
// discards broken connections instead of re-idling them.
func (c *Conn) MarkBroken(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateBroken {
		return
	}
	c.state = StateBroken
	c.lastErr = err
}

// MarkLeased records a hand-out to a session.
func (c *Conn) MarkLeased() {
	c.setState(StateLeased)
	c.useCount.Add(1)
	c.touch()
}

// MarkIdle records a return to the idle list.
func (c *Conn) MarkIdle() {
	c.setState(StateIdle)
	c.touch()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) touch() {
	c.lastUsedAt.Store(time.Now().UnixNano())
}

func (c *Conn) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(dl)
	}
}

func (c *Conn) clearDeadline() {
	_ = c.nc.SetDeadline(time.Time{})
}

// ID is unique per process.
func (c *Conn) ID() uint64 { return c.id }

// Key is the connection's pooling identity.
func (c *Conn) Key() Key { return c.key }

// PID is the server process backing this connection.
func (c *Conn) PID() uint32 { return c.pid }

// Secret is the cancel key for PID, sent in CancelRequest packets.
func (c *Conn) Secret() uint32 { return c.secret }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that broke the connection, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// TxStatus is the transaction indicator from the last ReadyForQuery.
func (c *Conn) TxStatus() pgwire.TxStatus { return c.proto.TxStatus }

// AtRest reports whether the connection sits at a safe reuse boundary.
func (c *Conn) AtRest() bool { return c.proto.AtRest() }

// Params is the live ParameterStatus view. The caller must not mutate it
// and must not hold it across an ownership change.
func (c *Conn) Params() params.ParameterStatuses { return c.proto.Params }

// CreatedAt is when the connection finished its handshake.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt is the last read or write.
func (c *Conn) LastUsedAt() time.Time { return time.Unix(0, c.lastUsedAt.Load()) }

// UseCount is how many leases this connection has served.
func (c *Conn) UseCount() int64 { return c.useCount.Load() }

// Age is time since the handshake completed.
func (c *Conn) Age() time.Duration { return time.Since(c.createdAt) }

// IdleTime is time since the last read or write.
func (c *Conn) IdleTime() time.Duration { return time.Since(c.LastUsedAt()) }

// Addr is the backend address this connection dialed.
func (c *Conn) Addr() string { return c.addr }
