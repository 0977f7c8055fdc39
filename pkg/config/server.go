package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pgtether/pgtether/pkg/pool"
)

// AuthMode selects how clients prove their identity to the proxy.
type AuthMode string

const (
	// AuthTrust accepts every client without a password exchange.
	AuthTrust AuthMode = "trust"
	// AuthPassword requests a cleartext password.
	AuthPassword AuthMode = "password"
	// AuthMD5 requests an md5-hashed password with a random salt.
	AuthMD5 AuthMode = "md5"
	// AuthSCRAM negotiates SCRAM-SHA-256. This is the default.
	AuthSCRAM AuthMode = "scram-sha-256"
)

// Valid reports whether the mode is one of the known values.
func (a AuthMode) Valid() bool {
	switch a {
	case AuthTrust, AuthPassword, AuthMD5, AuthSCRAM:
		return true
	}
	return false
}

// PoolMode selects when a session holds a backend connection.
type PoolMode string

const (
	// PoolModeTransaction leases a connection per transaction and returns
	// it to the pool at each idle ReadyForQuery. This is the default.
	PoolModeTransaction PoolMode = "transaction"
	// PoolModeSession leases a connection when the client connects and
	// holds it until the client disconnects.
	PoolModeSession PoolMode = "session"
)

// Valid reports whether the mode is one of the known values.
func (p PoolMode) Valid() bool {
	return p == PoolModeTransaction || p == PoolModeSession
}

const (
	defaultSCRAMIterations = 4096
	defaultMaxMessageSize  = 16 * MiB
	defaultBackendPort     = 5432
)

// ServerConfig is one proxy endpoint: its listeners, the database it
// announces, how clients authenticate, and the backend its pool dials.
type ServerConfig struct {
	// Name identifies the server in logs and metrics.
	Name string `json:"name"`

	// Listen are the addresses to accept clients on.
	Listen []ListenAddr `json:"listen"`

	// Database restricts which catalog name clients may request. Empty
	// accepts any and passes the client's choice through to the backend.
	Database string `json:"database,omitempty"`

	// Auth is the client authentication mode. Default: scram-sha-256.
	Auth AuthMode `json:"auth,omitempty"`

	// PoolMode is transaction or session. Default: transaction.
	PoolMode PoolMode `json:"pool_mode,omitempty"`

	// SCRAMIterations is the PBKDF2 iteration count offered to SCRAM
	// clients. Default: 4096.
	SCRAMIterations int `json:"scram_iterations,omitempty"`

	// Users may connect to this server. Their passwords double as the
	// backend credentials for connections keyed to that user.
	Users []UserConfig `json:"users,omitempty"`

	// Backend is the PostgreSQL server connections are dialed to.
	Backend BackendConfig `json:"backend"`

	// Pool tunes the connection pool for this server.
	Pool PoolSettings `json:"pool,omitempty"`

	// MaxMessageSize caps a single protocol message in either direction.
	// Default: 16MiB.
	MaxMessageSize ByteSize `json:"max_message_size,omitempty"`

	// TrackExtraParameters names startup parameters beyond the protocol
	// defaults that become part of the connection key and are relayed
	// to clients when they change.
	TrackExtraParameters []string `json:"track_extra_parameters,omitempty"`
}

// GetAuth returns the auth mode with the default applied.
func (s *ServerConfig) GetAuth() AuthMode {
	if s.Auth == "" {
		return AuthSCRAM
	}
	return s.Auth
}

// GetPoolMode returns the pool mode with the default applied.
func (s *ServerConfig) GetPoolMode() PoolMode {
	if s.PoolMode == "" {
		return PoolModeTransaction
	}
	return s.PoolMode
}

// GetSCRAMIterations returns the SCRAM iteration count with the default
// applied.
func (s *ServerConfig) GetSCRAMIterations() int {
	if s.SCRAMIterations <= 0 {
		return defaultSCRAMIterations
	}
	return s.SCRAMIterations
}

// GetMaxMessageSize returns the message size cap with the default applied.
func (s *ServerConfig) GetMaxMessageSize() ByteSize {
	if s.MaxMessageSize <= 0 {
		return defaultMaxMessageSize
	}
	return s.MaxMessageSize
}

// Validate checks the server configuration.
func (s *ServerConfig) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(s.Listen) == 0 {
		errs = append(errs, errors.New("at least one listen address is required"))
	}
	for i, addr := range s.Listen {
		if err := addr.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("listen[%d]: %w", i, err))
		}
	}
	if !s.GetAuth().Valid() {
		errs = append(errs, fmt.Errorf("unknown auth mode %q", s.Auth))
	}
	if !s.GetPoolMode().Valid() {
		errs = append(errs, fmt.Errorf("unknown pool_mode %q", s.PoolMode))
	}
	if s.GetAuth() != AuthTrust && len(s.Users) == 0 {
		errs = append(errs, fmt.Errorf("auth mode %q requires at least one user", s.GetAuth()))
	}
	if err := s.Backend.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backend: %w", err))
	}
	if _, err := s.Pool.PoolConfig(); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	return errors.Join(errs...)
}

// UserConfig is one identity allowed to connect to a server.
type UserConfig struct {
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`
}

// BackendConfig locates the PostgreSQL server behind a proxy endpoint.
type BackendConfig struct {
	// Host is the backend hostname or IP.
	Host string `json:"host"`

	// Port is the backend port. Default: 5432.
	Port uint16 `json:"port,omitempty"`

	// Database overrides the catalog name sent to the backend. Empty
	// passes the client's database through.
	Database string `json:"database,omitempty"`

	// Password supplies backend credentials for users the proxy did not
	// authenticate with a password of their own, such as under trust auth.
	Password *SecretRef `json:"password,omitempty"`

	// StartupParameters are sent on every backend connection, before any
	// client-tracked parameters. Order is preserved.
	StartupParameters StartupParameters `json:"startup_parameters,omitempty"`

	// ConnectTimeout bounds dialing plus the backend handshake.
	// Default: 15s.
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`
}

// Addr returns the backend dial address.
func (b *BackendConfig) Addr() string {
	port := b.Port
	if port == 0 {
		port = defaultBackendPort
	}
	return net.JoinHostPort(b.Host, strconv.Itoa(int(port)))
}

// GetConnectTimeout returns the connect timeout with the default applied.
func (b *BackendConfig) GetConnectTimeout() time.Duration {
	if d := b.ConnectTimeout.Duration(); d > 0 {
		return d
	}
	return 15 * time.Second
}

// Validate checks the backend configuration.
func (b *BackendConfig) Validate() error {
	if b.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// PoolSettings tunes one server's connection pool. Zero values take
// defaults sized for a small production deployment.
type PoolSettings struct {
	// MinSize is the floor the reaper will not evict below. Default: 0.
	MinSize int `json:"min_size,omitempty"`

	// MaxSize is the total connection budget. Default: 20.
	MaxSize int `json:"max_size,omitempty"`

	// AcquireTimeout bounds how long a session waits for a connection.
	// Default: 10s.
	AcquireTimeout Duration `json:"acquire_timeout,omitempty"`

	// IdleTimeout evicts connections idle longer than this. Default: 10m.
	IdleTimeout Duration `json:"idle_timeout,omitempty"`

	// MaxConnectionLifetime retires connections by age. Default: 1h.
	MaxConnectionLifetime Duration `json:"max_connection_lifetime,omitempty"`

	// HealthCheckInterval is the reaper period. Default: 30s.
	HealthCheckInterval Duration `json:"health_check_interval,omitempty"`

	// RollbackOnDisconnect lets the pool roll back connections whose
	// session vanished mid-transaction instead of discarding them.
	// Default: true.
	RollbackOnDisconnect *bool `json:"rollback_on_disconnect,omitempty"`
}

// PoolConfig maps the settings onto a pool.Config, applying defaults and
// rejecting inconsistent values.
func (p PoolSettings) PoolConfig() (pool.Config, error) {
	cfg := pool.Config{
		MinSize:               p.MinSize,
		MaxSize:               p.MaxSize,
		AcquireTimeout:        p.AcquireTimeout.Duration(),
		IdleTimeout:           p.IdleTimeout.Duration(),
		MaxConnectionLifetime: p.MaxConnectionLifetime.Duration(),
		HealthCheckInterval:   p.HealthCheckInterval.Duration(),
		RollbackOnDisconnect:  true,
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 20
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.MaxConnectionLifetime == 0 {
		cfg.MaxConnectionLifetime = time.Hour
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if p.RollbackOnDisconnect != nil {
		cfg.RollbackOnDisconnect = *p.RollbackOnDisconnect
	}

	var errs []error
	if cfg.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("max_size must be at least 1, got %d", cfg.MaxSize))
	}
	if cfg.MinSize < 0 {
		errs = append(errs, fmt.Errorf("min_size must not be negative, got %d", cfg.MinSize))
	}
	if cfg.MinSize > cfg.MaxSize {
		errs = append(errs, fmt.Errorf("min_size %d exceeds max_size %d", cfg.MinSize, cfg.MaxSize))
	}
	for name, d := range map[string]time.Duration{
		"acquire_timeout":         cfg.AcquireTimeout,
		"idle_timeout":            cfg.IdleTimeout,
		"max_connection_lifetime": cfg.MaxConnectionLifetime,
		"health_check_interval":   cfg.HealthCheckInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return cfg, errors.Join(errs...)
}

// StartupParameters is an ordered set of PostgreSQL startup parameters.
// JSON object order is preserved so the connection key and the backend
// startup packet see parameters exactly as written.
type StartupParameters struct {
	names  []string
	values map[string]string
}

// Len returns the number of parameters.
func (p StartupParameters) Len() int { return len(p.names) }

// Get returns the value for name.
func (p StartupParameters) Get(name string) (string, bool) {
	v, ok := p.values[name]
	return v, ok
}

// All yields parameters in their configured order.
func (p StartupParameters) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, name := range p.names {
			if !yield(name, p.values[name]) {
				return
			}
		}
	}
}

// UnmarshalJSON decodes a JSON object token by token so that key order
// survives. Values must be strings and keys must be unique.
func (p *StartupParameters) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("startup_parameters must be a JSON object")
	}
	p.names = nil
	p.values = make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in startup_parameters", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("startup parameter %q must be a string: %w", name, err)
		}
		if _, dup := p.values[name]; dup {
			return fmt.Errorf("duplicate startup parameter %q", name)
		}
		p.names = append(p.names, name)
		p.values[name] = value
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON encodes the parameters as a JSON object in their
// configured order.
func (p StartupParameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range p.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(p.values[name])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ListenAddr is a network address suitable for net.Listen. JSON input
// may be a bare port ("6432"), a port with the host elided (":6432"),
// a bare host ("10.0.0.1", given the default port 6432), or "host:port".
type ListenAddr string

// UnmarshalJSON parses and normalizes a listen address string.
func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ListenAddr(normalizeListenAddr(s))
	return nil
}

// String returns the normalized address.
func (l ListenAddr) String() string { return string(l) }

// Validate checks that the address splits into host and port.
func (l ListenAddr) Validate() error {
	if l == "" {
		return errors.New("listen address is empty")
	}
	if _, _, err := net.SplitHostPort(string(l)); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", string(l), err)
	}
	return nil
}

// normalizeListenAddr converts accepted input shapes to "host:port".
func normalizeListenAddr(s string) string {
	if s == "" {
		return s
	}
	if !strings.Contains(s, ":") {
		if _, err := strconv.Atoi(s); err == nil {
			return ":" + s
		}
		return s + ":6432"
	}
	return s
}
